package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "unit-test-secret"

func signToken(t *testing.T, method jwt.SigningMethod, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func TestResolverResolve(t *testing.T) {
	resolver := NewResolver(testSecret)

	t.Run("ValidToken", func(t *testing.T) {
		token := signToken(t, jwt.SigningMethodHS256, jwt.MapClaims{
			"user_id": "alice",
			"exp":     time.Now().Add(time.Hour).Unix(),
		})

		userID, err := resolver.Resolve(token)
		require.NoError(t, err)
		assert.Equal(t, "alice", userID)
	})

	t.Run("BearerPrefixStripped", func(t *testing.T) {
		token := signToken(t, jwt.SigningMethodHS256, jwt.MapClaims{"user_id": "alice"})

		userID, err := resolver.Resolve("Bearer " + token)
		require.NoError(t, err)
		assert.Equal(t, "alice", userID)
	})

	t.Run("NumericUserID", func(t *testing.T) {
		token := signToken(t, jwt.SigningMethodHS256, jwt.MapClaims{"user_id": 42})

		userID, err := resolver.Resolve(token)
		require.NoError(t, err)
		assert.Equal(t, "42", userID)
	})

	t.Run("EmptyToken", func(t *testing.T) {
		_, err := resolver.Resolve("")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("WrongSecret", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"user_id": "alice",
		}).SignedString([]byte("some-other-secret"))
		require.NoError(t, err)

		_, err = resolver.Resolve(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("ExpiredToken", func(t *testing.T) {
		token := signToken(t, jwt.SigningMethodHS256, jwt.MapClaims{
			"user_id": "alice",
			"exp":     time.Now().Add(-time.Hour).Unix(),
		})

		_, err := resolver.Resolve(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("MissingUserID", func(t *testing.T) {
		token := signToken(t, jwt.SigningMethodHS256, jwt.MapClaims{"sub": "alice"})

		_, err := resolver.Resolve(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("GarbageToken", func(t *testing.T) {
		_, err := resolver.Resolve("not.a.token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}
