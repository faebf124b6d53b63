// Package token mints HS256 bearer tokens for load testing. The server
// only consumes tokens, so the harness signs its own with the same
// shared secret the server is configured with.
package token

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Mint signs a token for the given participant. The role must be
// "admin" or "user" to pass server-side validation.
func Mint(secret, participantID, role, displayName string) (string, error) {
	claims := jwt.MapClaims{
		"sub":  participantID,
		"role": role,
		"name": displayName,
		"iat":  time.Now().Unix(),
		"exp":  time.Now().Add(2 * time.Hour).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
