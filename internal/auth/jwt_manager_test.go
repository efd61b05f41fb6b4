package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJWTManager(t *testing.T) {
	_, err := NewJWTManager("")
	assert.ErrorIs(t, err, ErrMissingSecret)

	jm, err := NewJWTManager("secret")
	require.NoError(t, err)
	assert.Equal(t, "HS256", jm.algorithm)
}

func TestJWTManager_RoundTrip(t *testing.T) {
	jm, err := NewJWTManager("secret")
	require.NoError(t, err)
	ctx := context.Background()

	token, err := jm.GenerateToken(ctx, "session-1", time.Hour)
	require.NoError(t, err)

	claims, err := jm.ValidateToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "session-1", claims.SessionID)
	assert.Equal(t, "session-1", claims.Subject)
	assert.Equal(t, issuer, claims.Issuer)
	assert.NotEmpty(t, claims.ID)

	refreshed, err := jm.RefreshToken(ctx, token, time.Hour)
	require.NoError(t, err)
	claims, err = jm.ValidateToken(ctx, refreshed)
	require.NoError(t, err)
	assert.Equal(t, "session-1", claims.SessionID)
}

func TestJWTManager_Rejects(t *testing.T) {
	jm, err := NewJWTManager("secret")
	require.NoError(t, err)
	other, err := NewJWTManager("other-secret")
	require.NoError(t, err)
	ctx := context.Background()

	expired, err := jm.GenerateToken(ctx, "session-1", -time.Minute)
	require.NoError(t, err)
	foreign, err := other.GenerateToken(ctx, "session-1", time.Hour)
	require.NoError(t, err)
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{SessionID: "session-1"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := map[string]string{
		"expired":   expired,
		"wrong_key": foreign,
		"none_alg":  unsigned,
		"garbage":   "not-a-token",
		"empty":     "",
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := jm.ValidateToken(ctx, token)
			assert.Error(t, err)
		})
	}

	_, err = jm.RefreshToken(ctx, expired, time.Hour)
	assert.Error(t, err)
}
