package servicetoken

import (
	"errors"
	"net/http/httptest"
	"testing"
)

func TestVerifierAcceptsRawAndBearerSecret(t *testing.T) {
	v, err := NewVerifier("s3cret")
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	for _, header := range []string{"s3cret", "Bearer s3cret", "  s3cret  "} {
		if err := v.Verify(header); err != nil {
			t.Fatalf("header %q: %v", header, err)
		}
	}
}

func TestVerifierRejectsWrongOrMissingSecret(t *testing.T) {
	v, err := NewVerifier("s3cret")
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	for _, header := range []string{"", "wrong", "Bearer wrong", "Bearer ", "s3cret2", "bearer s3cret"} {
		if err := v.Verify(header); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("header %q: expected unauthorized, got %v", header, err)
		}
	}
}

func TestVerifierRequiresSecret(t *testing.T) {
	if _, err := NewVerifier("  "); err == nil {
		t.Fatalf("expected error for empty secret")
	}
}

func TestVerifyRequest(t *testing.T) {
	v, _ := NewVerifier("s3cret")
	req := httptest.NewRequest("POST", "/", nil)
	if err := v.VerifyRequest(req); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized without header")
	}
	req.Header.Set("Authorization", "Bearer s3cret")
	if err := v.VerifyRequest(req); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestBearerPrefix(t *testing.T) {
	cases := []struct {
		header string
		token  string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"Bearer   abc ", "abc", true},
		{"Bearer ", "", false},
		{"Basic abc", "", false},
		{"abc", "", false},
	}
	for _, c := range cases {
		token, ok := bearer(c.header)
		if token != c.token || ok != c.ok {
			t.Fatalf("bearer(%q) = %q, %v", c.header, token, ok)
		}
	}
}
