package transport

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, expiresIn time.Duration) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   "u1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return token
}

func TestStaticToken(t *testing.T) {
	src := StaticToken("abc")
	token, err := src.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", token)
}

func TestJWTSourceCachesUntilLeeway(t *testing.T) {
	calls := 0
	fresh := signedToken(t, time.Hour)
	src := NewJWTSource(func(ctx context.Context) (string, error) {
		calls++
		return fresh, nil
	}, 30*time.Second)

	for i := 0; i < 3; i++ {
		token, err := src.Token(context.Background())
		require.NoError(t, err)
		assert.Equal(t, fresh, token)
	}
	assert.Equal(t, 1, calls)
}

func TestJWTSourceRefreshesNearExpiry(t *testing.T) {
	calls := 0
	tokens := []string{signedToken(t, 10*time.Second), signedToken(t, time.Hour)}
	src := NewJWTSource(func(ctx context.Context) (string, error) {
		token := tokens[calls]
		calls++
		return token, nil
	}, 30*time.Second)

	token, err := src.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tokens[0], token)

	// first token is inside the leeway window, next call refreshes
	token, err = src.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tokens[1], token)
	assert.Equal(t, 2, calls)
}

func TestJWTSourceOpaqueTokenNeverExpires(t *testing.T) {
	calls := 0
	src := NewJWTSource(func(ctx context.Context) (string, error) {
		calls++
		return "opaque-credential", nil
	}, 30*time.Second)

	for i := 0; i < 3; i++ {
		_, err := src.Token(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, calls)
}

func TestJWTSourceRefreshError(t *testing.T) {
	src := NewJWTSource(func(ctx context.Context) (string, error) {
		return "", assert.AnError
	}, 0)
	_, err := src.Token(context.Background())
	assert.Error(t, err)
}
