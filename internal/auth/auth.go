package auth

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

// TokenVerifier validates bearer tokens issued by the storefront's auth service.
type TokenVerifier interface {
	ValidateToken(tokenString string) (*Claims, error)
}

// Claims represents JWT token claims
type Claims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)
