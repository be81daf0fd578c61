package taskmarket

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated is returned when an operation needs a live token.
var ErrUnauthenticated = errors.New("not authenticated")

// TokenClaims are the fields of the access token the realtime layer reads.
type TokenClaims struct {
	UserID    ID
	Username  string
	ExpiresAt time.Time
}

type accessClaims struct {
	jwt.RegisteredClaims
	UserID   ID     `json:"user_id"`
	Username string `json:"username"`
}

// ParseTokenClaims decodes the access token without verifying its signature.
// The server verifies the token on every request; the client only needs the
// identity and expiry to address the user socket and detect auth loss.
func ParseTokenClaims(token string) (TokenClaims, error) {
	if token == "" {
		return TokenClaims{}, ErrUnauthenticated
	}
	var parsed accessClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &parsed); err != nil {
		return TokenClaims{}, fmt.Errorf("parse token: %w", err)
	}
	claims := TokenClaims{UserID: parsed.UserID, Username: parsed.Username}
	if claims.UserID == "" {
		claims.UserID = ID(parsed.Subject)
	}
	if parsed.ExpiresAt != nil {
		claims.ExpiresAt = parsed.ExpiresAt.Time
	}
	if claims.UserID == "" {
		return TokenClaims{}, fmt.Errorf("parse token: no user id claim")
	}
	return claims, nil
}

// TokenSource holds the session's access token. Clearing it is how logout is
// signalled to the connection manager.
type TokenSource struct {
	mu     sync.RWMutex
	token  string
	claims TokenClaims
	now    func() time.Time
}

// NewTokenSource creates a token source. An opaque (non-JWT) token is
// accepted when userID is provided explicitly.
func NewTokenSource(token string, userID ID, now func() time.Time) (*TokenSource, error) {
	if now == nil {
		now = time.Now
	}
	ts := &TokenSource{now: now}
	if err := ts.Set(token, userID); err != nil {
		return nil, err
	}
	return ts, nil
}

// Set replaces the current token.
func (t *TokenSource) Set(token string, userID ID) error {
	claims, err := ParseTokenClaims(token)
	if err != nil {
		if userID == "" || token == "" {
			return err
		}
		claims = TokenClaims{UserID: userID}
	}
	if userID != "" {
		claims.UserID = userID
	}
	t.mu.Lock()
	t.token = token
	t.claims = claims
	t.mu.Unlock()
	return nil
}

// Clear drops the token.
func (t *TokenSource) Clear() {
	t.mu.Lock()
	t.token = ""
	t.claims = TokenClaims{}
	t.mu.Unlock()
}

// Token returns the raw token, or "" after Clear.
func (t *TokenSource) Token() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.token
}

// Claims returns the decoded claims.
func (t *TokenSource) Claims() TokenClaims {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.claims
}

// Authenticated reports whether a non-expired token is present.
func (t *TokenSource) Authenticated() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.token == "" {
		return false
	}
	if !t.claims.ExpiresAt.IsZero() && !t.now().Before(t.claims.ExpiresAt) {
		return false
	}
	return true
}
