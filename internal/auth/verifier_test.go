package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dealerhub/chat-service/internal/chat"
)

const testSecret = "test-secret"

func issue(t *testing.T, secret, sub, role string, ttl time.Duration) string {
	t.Helper()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Role:        role,
		DisplayName: "Test Person",
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestVerifyValidToken(t *testing.T) {
	v := NewVerifier(testSecret)

	id, err := v.Verify(issue(t, testSecret, "u1", "user", time.Hour))
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if id.ID != "u1" || id.Role != chat.RoleUser || id.DisplayName != "Test Person" {
		t.Errorf("unexpected identity: %+v", id)
	}
}

func TestVerifyAcceptsBearerPrefix(t *testing.T) {
	v := NewVerifier(testSecret)

	if _, err := v.Verify("Bearer " + issue(t, testSecret, "a1", "admin", time.Hour)); err != nil {
		t.Fatalf("verify with Bearer prefix failed: %v", err)
	}
}

func TestVerifyRejections(t *testing.T) {
	v := NewVerifier(testSecret)

	cases := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-jwt"},
		{"wrong key", issue(t, "other-secret", "u1", "user", time.Hour)},
		{"expired", issue(t, testSecret, "u1", "user", -time.Minute)},
		{"unknown role", issue(t, testSecret, "u1", "superuser", time.Hour)},
		{"missing subject", issue(t, testSecret, "", "user", time.Hour)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.Verify(tc.token)
			if !errors.Is(err, ErrInvalidCredential) {
				t.Errorf("expected ErrInvalidCredential, got %v", err)
			}
		})
	}
}

func TestFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=query-token", nil)
	if got := FromRequest(r); got != "query-token" {
		t.Errorf("expected query token, got %q", got)
	}

	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer header-token")
	if got := FromRequest(r); got != "header-token" {
		t.Errorf("expected header token, got %q", got)
	}

	r = httptest.NewRequest("GET", "/ws", nil)
	if got := FromRequest(r); got != "" {
		t.Errorf("expected empty token, got %q", got)
	}
}
