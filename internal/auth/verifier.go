// Package auth validates bearer credentials issued by the external
// identity service. The chat server only consumes tokens; it never
// mints them.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dealerhub/chat-service/internal/chat"
)

// ErrInvalidCredential covers missing, malformed, expired, and
// wrongly-signed tokens. Callers surface it as "re-authenticate".
var ErrInvalidCredential = errors.New("auth: invalid credential")

// Identity is the authenticated participant extracted from a token.
type Identity struct {
	ID          string
	Role        chat.Role
	DisplayName string
}

// Claims is the token payload the identity service issues.
type Claims struct {
	jwt.RegisteredClaims
	Role        string `json:"role"`
	DisplayName string `json:"name"`
}

// Verifier validates HS256 bearer tokens against the shared secret.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier with the HMAC key shared with the
// identity service.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates a bearer token and returns the
// participant identity. Every failure wraps ErrInvalidCredential.
func (v *Verifier) Verify(tokenString string) (Identity, error) {
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")
	if tokenString == "" {
		return Identity{}, fmt.Errorf("%w: empty token", ErrInvalidCredential)
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Identity{}, fmt.Errorf("%w: invalid claims", ErrInvalidCredential)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidCredential)
	}

	role := chat.Role(claims.Role)
	if !role.Valid() {
		return Identity{}, fmt.Errorf("%w: unknown role %q", ErrInvalidCredential, claims.Role)
	}

	return Identity{
		ID:          claims.Subject,
		Role:        role,
		DisplayName: claims.DisplayName,
	}, nil
}

// FromRequest extracts the bearer token from an HTTP request: the
// "token" query parameter first (WebSocket dials cannot always set
// headers), then the Authorization header.
func FromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}
