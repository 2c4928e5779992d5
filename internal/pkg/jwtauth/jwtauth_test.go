package jwtauth

import (
	"context"
	"testing"
	"time"

	"github.com/bissquit/salon-notify/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RequiresSecret(t *testing.T) {
	_, err := New("", time.Minute)
	require.Error(t, err)

	a, err := New("secret", 0)
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, a.ttl)
}

func TestAuthenticator_RoundTrip(t *testing.T) {
	a, err := New("secret", time.Minute)
	require.NoError(t, err)

	token, err := a.Issue("42", domain.RoleAdmin)
	require.NoError(t, err)

	userID, role, err := a.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "42", userID)
	assert.Equal(t, domain.RoleAdmin, role)
}

func TestAuthenticator_Rejects(t *testing.T) {
	a, err := New("secret", time.Minute)
	require.NoError(t, err)
	other, err := New("other-secret", time.Minute)
	require.NoError(t, err)
	expired, err := New("secret", time.Nanosecond)
	require.NoError(t, err)

	wrongSecret, err := other.Issue("42", domain.RoleUser)
	require.NoError(t, err)

	stale, err := expired.Issue("42", domain.RoleUser)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	badRole, err := a.Issue("42", domain.Role("root"))
	require.NoError(t, err)

	noneAlg, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "42",
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
		Role: domain.RoleAdmin,
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{name: "garbage", token: "not-a-token"},
		{name: "wrong secret", token: wrongSecret},
		{name: "expired", token: stale},
		{name: "unknown role", token: badRole},
		{name: "none algorithm", token: noneAlg},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := a.ValidateToken(context.Background(), tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}
