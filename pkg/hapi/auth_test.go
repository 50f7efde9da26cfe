package hapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func testToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func TestNewAuthEmptySecret(t *testing.T) {
	if a := NewAuth(""); a != nil {
		t.Fatal("empty secret should disable auth entirely")
	}
}

func TestVerifyMapsClaims(t *testing.T) {
	a := NewAuth("s3cret")
	token := testToken(t, "s3cret", jwt.MapClaims{
		"sub":   "u-42",
		"login": "alice",
		"name":  "Alice",
		"email": "alice@example.com",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})

	p, err := a.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if p.Subject != "u-42" || p.Login != "alice" || p.Name != "Alice" || p.Email != "alice@example.com" {
		t.Fatalf("principal = %+v", p)
	}
	if p.Owner() != "alice" {
		t.Fatalf("owner = %q, want login", p.Owner())
	}
}

func TestOwnerFallsBackToSubject(t *testing.T) {
	a := NewAuth("s3cret")
	token := testToken(t, "s3cret", jwt.MapClaims{
		"sub": "u-42",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	p, err := a.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if p.Owner() != "u-42" {
		t.Fatalf("owner = %q, want subject", p.Owner())
	}
}

func TestVerifyRejects(t *testing.T) {
	a := NewAuth("s3cret")

	wrongKey := testToken(t, "other-secret", jwt.MapClaims{
		"sub": "u-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	expired := testToken(t, "s3cret", jwt.MapClaims{
		"sub": "u-1",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	anonymous := testToken(t, "s3cret", jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	noneAlg, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "u-1",
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("build none token: %v", err)
	}

	cases := []struct {
		name  string
		token string
	}{
		{"wrong key", wrongKey},
		{"expired", expired},
		{"no subject", anonymous},
		{"none algorithm", noneAlg},
		{"garbage", "not.a.jwt"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := a.Verify(tc.token); err == nil {
				t.Fatal("verify accepted a bad token")
			}
		})
	}
}

func TestVerifyRequestSources(t *testing.T) {
	a := NewAuth("s3cret")
	token := testToken(t, "s3cret", jwt.MapClaims{
		"sub": "u-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	r := httptest.NewRequest(http.MethodGet, "/api/logs/stream", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	if _, err := a.VerifyRequest(r); err != nil {
		t.Fatalf("header token rejected: %v", err)
	}

	r = httptest.NewRequest(http.MethodGet, "/api/logs/stream?token="+token, nil)
	if _, err := a.VerifyRequest(r); err != nil {
		t.Fatalf("query token rejected: %v", err)
	}

	r = httptest.NewRequest(http.MethodGet, "/api/logs/stream", nil)
	if _, err := a.VerifyRequest(r); err == nil {
		t.Fatal("bare request accepted")
	}

	r = httptest.NewRequest(http.MethodGet, "/api/logs/stream", nil)
	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	if _, err := a.VerifyRequest(r); err == nil {
		t.Fatal("non-bearer header accepted")
	}
}
