package session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/goccy/go-json"
	"github.com/gorilla/schema"
	"github.com/pkg/errors"
	"go.strata.dev/core/codecs"
	"go.strata.dev/core/metrics"
)

// Request is an HTTP-like request issued by a Session.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response to a Request.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Transport is the seam through which a Session and its User reach the sync
// service. Errors returned by a Transport are treated as transient
// connection failures.
type Transport interface {
	RoundTrip(ctx context.Context, req *Request) (*Response, error)
}

// TransportFunc adapts a function into a Transport.
type TransportFunc func(ctx context.Context, req *Request) (*Response, error)

// RoundTrip calls the TransportFunc.
func (fn TransportFunc) RoundTrip(ctx context.Context, req *Request) (*Response, error) {
	return fn(ctx, req)
}

// HTTPTransport is a Transport over an http.Client.
type HTTPTransport struct {
	// Client to use. If nil, http.DefaultClient is used.
	Client *http.Client
}

// RoundTrip implements Transport.
func (t HTTPTransport) RoundTrip(ctx context.Context, req *Request) (*Response, error) {
	var hr, err = http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, err
	}
	for k, v := range req.Header {
		hr.Header[k] = v
	}
	var client = t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(hr)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.WithMessage(err, "reading response body")
	}
	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// endpoint is a client of a sync service endpoint.
type endpoint struct {
	transport Transport
	baseURL   string
	codec     codecs.Codec
}

var queryEncoder = schema.NewEncoder()

// call POSTs |in| to |path| with optional |args| encoded as URL query
// parameters, and decodes the response into |out|. It returns the number of
// body bytes sent and received.
func (e endpoint) call(ctx context.Context, path, token string, args, in, out interface{}) (sent, recv int, err error) {
	defer func() {
		var status = metrics.Ok
		if err != nil {
			status = metrics.Fail
		}
		metrics.SyncRequestsTotal.WithLabelValues(path, status).Inc()
	}()

	var req = &Request{Method: http.MethodPost, URL: e.baseURL + path, Header: make(http.Header)}
	req.Header.Set("Content-Type", "application/json")

	if args != nil {
		var q = make(url.Values)
		if err = queryEncoder.Encode(args, q); err != nil {
			return 0, 0, errors.WithMessage(err, "encoding query")
		}
		req.URL += "?" + q.Encode()
	}
	if in != nil {
		if req.Body, err = json.Marshal(in); err != nil {
			return 0, 0, err
		}
		if e.codec != codecs.None {
			if req.Body, err = codecs.Compress(e.codec, req.Body); err != nil {
				return 0, 0, err
			}
			req.Header.Set("Content-Encoding", string(e.codec))
		}
	}
	if e.codec != codecs.None {
		req.Header.Set("Accept-Encoding", string(e.codec))
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := e.transport.RoundTrip(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return len(req.Body), 0, ctx.Err()
		}
		return len(req.Body), 0, &Error{
			Category: CategoryConnection,
			Code:     CodeTransport,
			Message:  err.Error(),
			Action:   ActionRetry,
		}
	}
	var body = resp.Body

	if enc := resp.Header.Get("Content-Encoding"); enc != "" {
		var codec, err = codecs.Parse(enc)
		if err == nil {
			body, err = codecs.Decompress(codec, body)
		}
		if err != nil {
			return len(req.Body), len(resp.Body), errors.WithMessage(err, "decoding response body")
		}
	}
	if resp.Status < 200 || resp.Status >= 300 {
		var se Error
		if json.Unmarshal(body, &se) != nil || se.Code == "" {
			se = Error{
				Category: CategoryService,
				Code:     CodeInternal,
				Message:  fmt.Sprintf("unexpected status %d: %s", resp.Status, bytes.TrimSpace(body)),
			}
		}
		return len(req.Body), len(resp.Body), &se
	}
	if out != nil {
		if err = json.Unmarshal(body, out); err != nil {
			return len(req.Body), len(resp.Body), errors.WithMessagef(err, "decoding %s response", path)
		}
	}
	return len(req.Body), len(resp.Body), nil
}
