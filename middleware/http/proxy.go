package http

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

type forwardedHTTPSKey struct{}

// TrustForwardedProto marks requests as HTTPS when a trusted proxy says so in
// X-Forwarded-Proto. The header is ignored from any other peer, so a direct
// client cannot flip the Secure flag of the identity cookie. With no trusted
// proxies it passes requests through untouched.
func TrustForwardedProto(trusted []netip.Prefix) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(trusted) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.TLS == nil && fromTrustedPeer(r, trusted) &&
				strings.EqualFold(strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")), "https") {
				r = r.WithContext(context.WithValue(r.Context(), forwardedHTTPSKey{}, true))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func fromTrustedPeer(r *http.Request, trusted []netip.Prefix) bool {
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
