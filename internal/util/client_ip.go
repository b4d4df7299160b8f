package util

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP resolves the caller IP used as the rate-limit key.
// X-Forwarded-For is honoured only when trustForwarded is set, i.e. the
// service runs behind a proxy that overwrites the header.
func ClientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		for _, part := range strings.Split(r.Header.Get("X-Forwarded-For"), ",") {
			if ip := net.ParseIP(strings.TrimSpace(part)); ip != nil {
				return ip.String()
			}
		}
	}
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	if ip := net.ParseIP(addr); ip != nil {
		return ip.String()
	}
	return addr
}
