package transport

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/yanun0323/errors"
)

// defaultRefreshLeeway refreshes tokens this long before expiry.
const defaultRefreshLeeway = 30 * time.Second

// StaticToken returns a TokenSource that always yields the same credential.
func StaticToken(token string) TokenSource {
	return staticToken(token)
}

type staticToken string

func (t staticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// RefreshFunc obtains a fresh credential from the session layer.
type RefreshFunc func(ctx context.Context) (string, error)

// JWTSource caches a JWT and calls refresh once the cached token is
// within the leeway of its expiry, so every reconnect dials with a
// still-valid credential.
type JWTSource struct {
	mu      sync.Mutex
	current string
	expiry  time.Time
	refresh RefreshFunc
	leeway  time.Duration
}

// NewJWTSource builds a refreshing source. Leeway <= 0 defaults to 30s.
func NewJWTSource(refresh RefreshFunc, leeway time.Duration) *JWTSource {
	if leeway <= 0 {
		leeway = defaultRefreshLeeway
	}
	return &JWTSource{refresh: refresh, leeway: leeway}
}

// Token returns the cached credential, refreshing it when stale.
func (s *JWTSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != "" && (s.expiry.IsZero() || time.Until(s.expiry) > s.leeway) {
		return s.current, nil
	}
	if s.refresh == nil {
		return "", errors.New("transport: token expired and no refresh configured")
	}
	token, err := s.refresh(ctx)
	if err != nil {
		return "", errors.Wrap(err, "refresh token")
	}
	s.current = token
	s.expiry = tokenExpiry(token)
	return token, nil
}

// tokenExpiry extracts the exp claim without verifying the signature;
// verification is the backend's job, the client only needs the deadline.
func tokenExpiry(token string) time.Time {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
