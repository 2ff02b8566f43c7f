package auth

import (
	"errors"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidToken = errors.New("invalid token")

// Session access token claims (sub = user id, email)
type sessionClaims struct {
	Sub   string `json:"sub"`
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// VerifyToken verifies with the shared HS256 secret (used only when JWKS not available).
func VerifyToken(tokenString, secret string) (userID uuid.UUID, email string, err error) {
	if secret == "" {
		return uuid.Nil, "", errors.New("auth JWT secret not set")
	}
	t, err := jwt.ParseWithClaims(tokenString, &sessionClaims{}, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return uuid.Nil, "", ErrInvalidToken
	}
	return extractClaims(t)
}

// VerifyTokenJWKS verifies against the auth server's published signing keys.
func VerifyTokenJWKS(tokenString string, jwks *keyfunc.JWKS) (userID uuid.UUID, email string, err error) {
	if jwks == nil {
		return uuid.Nil, "", errors.New("jwks not set")
	}
	t, err := jwt.ParseWithClaims(tokenString, &sessionClaims{}, jwks.Keyfunc)
	if err != nil {
		return uuid.Nil, "", ErrInvalidToken
	}
	return extractClaims(t)
}

func extractClaims(t *jwt.Token) (userID uuid.UUID, email string, err error) {
	c, ok := t.Claims.(*sessionClaims)
	if !ok || !t.Valid || c.Sub == "" {
		return uuid.Nil, "", ErrInvalidToken
	}
	id, err := uuid.Parse(c.Sub)
	if err != nil {
		return uuid.Nil, "", ErrInvalidToken
	}
	return id, c.Email, nil
}
