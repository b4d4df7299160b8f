package servicetoken

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// ErrUnauthorized is returned when the presented secret is missing or wrong.
var ErrUnauthorized = errors.New("unauthorized")

// Verifier checks the shared secret callers present in the Authorization header.
type Verifier struct {
	secret []byte
}

// NewVerifier builds a verifier for the configured secret.
func NewVerifier(secret string) (*Verifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("shared secret is required")
	}
	return &Verifier{secret: []byte(secret)}, nil
}

// Verify accepts the header value as the bare secret or as "Bearer <secret>".
func (v *Verifier) Verify(header string) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return ErrUnauthorized
	}
	if token, ok := bearer(header); ok {
		header = token
	}
	if subtle.ConstantTimeCompare([]byte(header), v.secret) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// VerifyRequest checks the request's Authorization header.
func (v *Verifier) VerifyRequest(r *http.Request) error {
	return v.Verify(r.Header.Get("Authorization"))
}

func bearer(authHeader string) (string, bool) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}
