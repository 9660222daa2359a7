package utils

import (
	"errors" // Error values
	"time"   // Time for token expiration

	"github.com/golang-jwt/jwt/v5" // JWT library
)

// ErrInvalidToken is returned for tokens that fail validation
var ErrInvalidToken = errors.New("invalid token")

// Claims carried by session tokens issued by the identity provider
type Claims struct {
	UserID               string `json:"user_id"`         // Authenticated user id
	Admin                bool   `json:"admin,omitempty"` // Staff member allowed to resolve disputes
	jwt.RegisteredClaims        // Standard JWT claims
}

// GenerateJWT issues a token for a user; used by tooling and tests, login lives elsewhere
func GenerateJWT(userID string, admin bool, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID, // Custom claim for user ID
		Admin:  admin,  // Custom claim for staff access
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,                           // Mirrors user_id
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)), // Token lifetime
			IssuedAt:  jwt.NewNumericDate(now),          // Issued at current time
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims) // Create token with claims
	return token.SignedString([]byte(secret))                  // Sign the token with the secret
}

// ParseJWT parses and validates a token string
func ParseJWT(tokenStr, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		return []byte(secret), nil // Return the secret key for validation
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err // Return error if parsing fails
	}
	// Validate token and extract claims
	if claims, ok := token.Claims.(*Claims); ok && token.Valid && claims.UserID != "" {
		return claims, nil // Return claims if valid
	}
	return nil, ErrInvalidToken
}
