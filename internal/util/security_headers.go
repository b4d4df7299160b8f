package util

import (
	"net/http"
	"strings"
)

// WithSecurityHeaders sets response headers for a JSON-only API.
// X-Forwarded-Proto is honored for HSTS only when trustForwarded is set,
// matching how ClientIP treats X-Forwarded-For.
func WithSecurityHeaders(trustForwarded bool, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Cache-Control", "no-store")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		if r.TLS != nil || (trustForwarded && strings.EqualFold(strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")), "https")) {
			h.Set("Strict-Transport-Security", "max-age=31536000")
		}
		next.ServeHTTP(w, r)
	})
}
