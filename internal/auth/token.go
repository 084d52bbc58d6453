// Package auth derives the signed-in viewer from the API token.
package auth

import (
	"errors"
	"fmt"
	"sync"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/MrSnakeDoc/linkfeed/internal/domain"
)

// ErrNoUserClaim is returned for tokens without a userId claim.
var ErrNoUserClaim = errors.New("token has no userId claim")

// Claims is what the feed reads from a token. The signature is checked by
// the upstream, never here.
type Claims struct {
	UserID    string
	Name      string
	ExpiresAt time.Time
}

// ParseUnverified extracts Claims from a JWT without verifying it.
func ParseUnverified(token string) (Claims, error) {
	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return Claims{}, fmt.Errorf("parse token: %w", err)
	}

	mc, ok := parsed.Claims.(gojwt.MapClaims)
	if !ok {
		return Claims{}, fmt.Errorf("unexpected claims type %T", parsed.Claims)
	}

	var c Claims
	switch v := mc["userId"].(type) {
	case string:
		c.UserID = v
	case float64:
		c.UserID = fmt.Sprintf("%.0f", v)
	}
	if c.UserID == "" {
		return Claims{}, ErrNoUserClaim
	}
	if name, ok := mc["name"].(string); ok {
		c.Name = name
	}
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		c.ExpiresAt = exp.Time
	}
	return c, nil
}

// TokenAuth holds the current API token and answers who the viewer is.
type TokenAuth struct {
	mu     sync.RWMutex
	token  string
	claims Claims
	now    func() time.Time
}

// NewTokenAuth returns an authenticator for token. An empty token yields an
// anonymous, read-only viewer.
func NewTokenAuth(token string) (*TokenAuth, error) {
	a := &TokenAuth{now: time.Now}
	if err := a.SetToken(token); err != nil {
		return nil, err
	}
	return a, nil
}

// SetToken replaces the token. An empty token signs out.
func (a *TokenAuth) SetToken(token string) error {
	var claims Claims
	if token != "" {
		var err error
		if claims, err = ParseUnverified(token); err != nil {
			return err
		}
	}

	a.mu.Lock()
	a.token = token
	a.claims = claims
	a.mu.Unlock()
	return nil
}

// Token returns the raw token for request headers.
func (a *TokenAuth) Token() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.token
}

// Authenticated reports whether a non-expired token is held.
func (a *TokenAuth) Authenticated() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.claims.UserID == "" {
		return false
	}
	return a.claims.ExpiresAt.IsZero() || a.now().Before(a.claims.ExpiresAt)
}

// Viewer returns the user behind the token.
func (a *TokenAuth) Viewer() domain.UserRef {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return domain.UserRef{ID: a.claims.UserID, Name: a.claims.Name}
}
