package session

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.strata.dev/core/codecs"
)

func TestLoginAndRefresh(t *testing.T) {
	var refreshes int32
	var ttl = time.Second // Within oauth2's expiry delta, so always expired.

	var transport = TransportFunc(func(ctx context.Context, req *Request) (*Response, error) {
		switch req.URL {
		case "http://sync" + PathLogin:
			var body LoginRequest
			require.NoError(t, json.Unmarshal(req.Body, &body))
			require.Equal(t, ProviderEmailPassword, body.Provider)
			require.Empty(t, req.Header.Get("Authorization"))

			return jsonResponse(t, http.StatusOK, LoginResponse{
				UserID:       "user-1",
				AccessToken:  signToken(t, ttl),
				RefreshToken: "refresh-1",
			}), nil
		case "http://sync" + PathRefresh:
			require.Equal(t, "Bearer refresh-1", req.Header.Get("Authorization"))
			atomic.AddInt32(&refreshes, 1)
			return jsonResponse(t, http.StatusOK, RefreshResponse{AccessToken: signToken(t, time.Hour)}), nil
		}
		return nil, errors.Errorf("unexpected URL %s", req.URL)
	})

	var user, err = Login(context.Background(), transport, "http://sync", EmailPassword("a@b.c", "pw"))
	require.NoError(t, err)
	require.Equal(t, "user-1", user.ID)
	require.True(t, user.Expired())

	// The expiring token is refreshed once, and then reused.
	tok, err := user.Token()
	require.NoError(t, err)
	require.False(t, user.Expired())
	require.Equal(t, int32(1), atomic.LoadInt32(&refreshes))

	again, err := user.Token()
	require.NoError(t, err)
	require.Equal(t, tok.AccessToken, again.AccessToken)
	require.Equal(t, int32(1), atomic.LoadInt32(&refreshes))

	// Invalidation forces a refresh.
	user.Invalidate()
	require.True(t, user.Expired())
	_, err = user.Token()
	require.NoError(t, err)
	require.Equal(t, int32(2), atomic.LoadInt32(&refreshes))
}

func TestAccessTokenExpiry(t *testing.T) {
	var tok = accessToken(signToken(t, time.Hour))
	require.WithinDuration(t, time.Now().Add(time.Hour), tok.Expiry, 2*time.Second)
	require.True(t, tok.Valid())

	// Unparseable tokens have no known expiry.
	tok = accessToken("not-a-jwt")
	require.True(t, tok.Expiry.IsZero())
	require.Equal(t, "Bearer", tok.TokenType)
}

func TestEndpointErrors(t *testing.T) {
	var ctx = context.Background()
	var cases = []struct {
		resp     *Response
		err      error
		category Category
		code     string
		action   Action
	}{
		{
			resp:     jsonResponse(t, http.StatusUnauthorized, &Error{Category: CategoryClient, Code: CodeInvalidToken, Message: "expired"}),
			category: CategoryClient,
			code:     CodeInvalidToken,
		},
		{
			resp:     &Response{Status: http.StatusBadGateway, Body: []byte("upstream unavailable")},
			category: CategoryService,
			code:     CodeInternal,
		},
		{
			err:      errors.New("connection refused"),
			category: CategoryConnection,
			code:     CodeTransport,
			action:   ActionRetry,
		},
	}
	for _, tc := range cases {
		var ep = endpoint{
			transport: TransportFunc(func(context.Context, *Request) (*Response, error) { return tc.resp, tc.err }),
			baseURL:   "http://sync",
		}
		var _, _, err = ep.call(ctx, PathUpload, "tok", nil, UploadRequest{}, nil)
		var se, ok = AsError(err)
		require.True(t, ok)
		require.Equal(t, tc.category, se.Category)
		require.Equal(t, tc.code, se.Code)
		require.Equal(t, tc.action, se.Action)
	}

	// A cancelled context is returned as-is.
	var cancelled, cancel = context.WithCancel(ctx)
	cancel()
	var ep = endpoint{
		transport: TransportFunc(func(ctx context.Context, _ *Request) (*Response, error) { return nil, ctx.Err() }),
		baseURL:   "http://sync",
	}
	var _, _, err = ep.call(cancelled, PathUpload, "", nil, nil, nil)
	require.Equal(t, context.Canceled, err)
}

func TestEndpointCompressionAndArgs(t *testing.T) {
	var ep = endpoint{
		codec:   codecs.Zstandard,
		baseURL: "http://sync",
		transport: TransportFunc(func(_ context.Context, req *Request) (*Response, error) {
			require.Equal(t, "http://sync"+PathDownload+"?after=7&client=c1&fresh=false&limit=3&partition=p1", req.URL)
			require.Equal(t, "zstd", req.Header.Get("Accept-Encoding"))
			require.Equal(t, "Bearer tok", req.Header.Get("Authorization"))
			require.Nil(t, req.Body)

			var b, err = json.Marshal(DownloadResponse{ServerVersion: 9, CaughtUp: true})
			require.NoError(t, err)
			b, err = codecs.Compress(codecs.Zstandard, b)
			require.NoError(t, err)

			var h = make(http.Header)
			h.Set("Content-Encoding", "zstd")
			return &Response{Status: http.StatusOK, Header: h, Body: b}, nil
		}),
	}
	var out DownloadResponse
	var _, recv, err = ep.call(context.Background(), PathDownload, "tok",
		DownloadRequest{ClientID: "c1", Partition: "p1", After: 7, Limit: 3}, nil, &out)
	require.NoError(t, err)
	require.NotZero(t, recv)
	require.Equal(t, DownloadResponse{ServerVersion: 9, CaughtUp: true}, out)

	// Request bodies are compressed.
	ep.transport = TransportFunc(func(_ context.Context, req *Request) (*Response, error) {
		require.Equal(t, "zstd", req.Header.Get("Content-Encoding"))
		var b, err = codecs.Decompress(codecs.Zstandard, req.Body)
		require.NoError(t, err)

		var body UploadRequest
		require.NoError(t, json.Unmarshal(b, &body))
		require.Equal(t, "c1", body.ClientID)
		return &Response{Status: http.StatusOK, Body: []byte(`{"acked":3}`)}, nil
	})
	var up UploadResponse
	_, _, err = ep.call(context.Background(), PathUpload, "tok", nil, UploadRequest{ClientID: "c1"}, &up)
	require.NoError(t, err)
	require.Equal(t, uint64(3), up.Acked)
}

func TestErrorPredicates(t *testing.T) {
	var e = &Error{Category: CategorySession, Code: CodeClientReset, Action: ActionClientReset, Message: "diverged"}
	require.True(t, e.IsUnrecoverable())
	require.False(t, e.IsAuth())
	require.Equal(t, "session error client_reset: diverged", e.Error())

	var wrapped = errors.WithMessage(e, "uploading")
	var se, ok = AsError(wrapped)
	require.True(t, ok)
	require.Equal(t, e, se)

	_, ok = AsError(errors.New("other"))
	require.False(t, ok)

	require.True(t, (&Error{Code: CodeBadQuery}).IsBadRequest())
	require.True(t, (&Error{Code: CodeAuthFailed}).IsAuth())
}

func TestBackoff(t *testing.T) {
	require.Equal(t, 50*time.Millisecond, backoff(1))
	require.Equal(t, 250*time.Millisecond, backoff(3))
	require.Equal(t, time.Second, backoff(5))
	require.Equal(t, 5*time.Second, backoff(12))
}

func signToken(t *testing.T, ttl time.Duration) string {
	var tok, err = jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		ID:        time.Now().String(),
	}).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return tok
}

func jsonResponse(t *testing.T, status int, v interface{}) *Response {
	var b, err = json.Marshal(v)
	require.NoError(t, err)
	return &Response{Status: status, Header: make(http.Header), Body: b}
}
