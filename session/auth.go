package session

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.strata.dev/core/codecs"
	"golang.org/x/oauth2"
)

// Credentials of a Login.
type Credentials struct {
	Provider string
	Email    string
	Password string
}

// Anonymous returns Credentials of an anonymous user.
func Anonymous() Credentials { return Credentials{Provider: ProviderAnonymous} }

// EmailPassword returns Credentials of an email / password user.
func EmailPassword(email, password string) Credentials {
	return Credentials{Provider: ProviderEmailPassword, Email: email, Password: password}
}

// User is a logged-in user of a sync service. Its access tokens are
// refreshed as they expire.
type User struct {
	ID string

	ep           endpoint
	refreshToken string

	mu      sync.Mutex
	src     oauth2.TokenSource
	current *oauth2.Token
}

// refreshTimeout bounds a token refresh, which oauth2.TokenSource
// doesn't scope to a Context.
const refreshTimeout = 30 * time.Second

// Login to the sync service at |baseURL| with Credentials |c|.
func Login(ctx context.Context, t Transport, baseURL string, c Credentials) (*User, error) {
	var ep = endpoint{transport: t, baseURL: baseURL, codec: codecs.None}
	var resp LoginResponse

	if _, _, err := ep.call(ctx, PathLogin, "", nil, LoginRequest{
		Provider: c.Provider,
		Email:    c.Email,
		Password: c.Password,
	}, &resp); err != nil {
		return nil, errors.WithMessage(err, "login")
	}
	var u = &User{ID: resp.UserID, ep: ep, refreshToken: resp.RefreshToken}
	u.current = accessToken(resp.AccessToken)
	u.src = oauth2.ReuseTokenSource(u.current, refresher{u})

	log.WithFields(log.Fields{"user": u.ID, "provider": c.Provider}).Info("logged in")
	return u, nil
}

// Token returns a valid access token, refreshing it if required.
func (u *User) Token() (*oauth2.Token, error) {
	u.mu.Lock()
	var src = u.src
	u.mu.Unlock()

	var tok, err = src.Token()
	if err != nil {
		return nil, err
	}
	u.mu.Lock()
	u.current = tok
	u.mu.Unlock()
	return tok, nil
}

// Expired returns whether the current access token must be refreshed
// before its next use.
func (u *User) Expired() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return !u.current.Valid()
}

// Invalidate the current access token, as when it's rejected by the service.
// The next call to Token refreshes it.
func (u *User) Invalidate() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.current = nil
	u.src = oauth2.ReuseTokenSource(nil, refresher{u})
}

type refresher struct{ u *User }

func (r refresher) Token() (*oauth2.Token, error) {
	var ctx, cancel = context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	var resp RefreshResponse
	if _, _, err := r.u.ep.call(ctx, PathRefresh, r.u.refreshToken, nil, nil, &resp); err != nil {
		return nil, errors.WithMessage(err, "refreshing access token")
	}
	log.WithField("user", r.u.ID).Debug("refreshed access token")
	return accessToken(resp.AccessToken), nil
}

// accessToken maps a raw JWT into an oauth2.Token expiring with the JWT.
// The token's signature is verified by the service, not the client.
func accessToken(raw string) *oauth2.Token {
	var tok = &oauth2.Token{AccessToken: raw, TokenType: "Bearer"}

	var claims = jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		log.WithField("err", err).Warn("failed to parse access token")
		return tok
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		tok.Expiry = exp.Time
	}
	return tok
}
