// Package auth is the boundary to the external session system: it turns
// a bearer token into the stable authenticated user identity the rest of
// the core relies on. Login and session lifecycle live elsewhere; this
// package only mints (for tooling) and validates tokens.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type Service struct {
	secret string
}

type sessionClaims struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

func NewService(secret string) *Service {
	return &Service{secret: secret}
}

// Issue mints a session token for a user. Used by the CLI tooling and
// tests; production tokens come from the external auth service sharing
// the same secret.
func (s *Service) Issue(userID int, username string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionClaims{
		ID:       userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "cipherchat",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
		},
	})
	return token.SignedString([]byte(s.secret))
}

// Validate returns the authenticated user id and username for a token.
func (s *Service) Validate(tokenString string) (int, string, error) {
	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.secret), nil
	})
	if err != nil {
		return 0, "", err
	}
	if !token.Valid {
		return 0, "", errors.New("invalid token")
	}
	return claims.ID, claims.Username, nil
}
