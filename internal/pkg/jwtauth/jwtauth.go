// Package jwtauth issues and validates HS256 access tokens.
package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/salon-notify/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

const issuer = "salon-notify"

// ErrInvalidToken is returned for tokens that fail parsing or claim checks.
var ErrInvalidToken = errors.New("invalid token")

// Claims is the access token payload.
type Claims struct {
	jwt.RegisteredClaims
	Role domain.Role `json:"role"`
}

// Authenticator signs and verifies tokens with a shared secret.
type Authenticator struct {
	secret []byte
	ttl    time.Duration
}

// New creates an Authenticator.
func New(secret string, ttl time.Duration) (*Authenticator, error) {
	if secret == "" {
		return nil, errors.New("jwt: secret key is required")
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Authenticator{secret: []byte(secret), ttl: ttl}, nil
}

// Issue creates a signed token for userID with role.
func (a *Authenticator) Issue(userID string, role domain.Role) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
		Role: role,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken implements httputil.TokenValidator.
func (a *Authenticator) ValidateToken(_ context.Context, token string) (string, domain.Role, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	if _, ok := roleOf(claims.Role); !ok {
		return "", "", fmt.Errorf("%w: unknown role %q", ErrInvalidToken, claims.Role)
	}
	return claims.Subject, claims.Role, nil
}

func roleOf(r domain.Role) (domain.Role, bool) {
	switch r {
	case domain.RoleUser, domain.RoleOperator, domain.RoleAdmin:
		return r, true
	}
	return "", false
}
