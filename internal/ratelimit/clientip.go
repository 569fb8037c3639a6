package ratelimit

import (
	"net"
	"net/http"
	"strings"
)

// ClientIPConfig controls how the logical client address is resolved.
type ClientIPConfig struct {
	// TrustProxyHeaders enables reading forwarded-for style headers. Leave
	// false unless the service sits behind a proxy that strips client-supplied
	// values, otherwise callers can spoof their own key.
	TrustProxyHeaders bool
}

// ClientIP resolves the logical client address for rate-limit keying.
// Resolution order: CDN-asserted header, first hop of the forwarded-for chain,
// direct-connection header, then the transport peer address. Forwarded headers
// are consulted only when TrustProxyHeaders is set.
func ClientIP(r *http.Request, cfg ClientIPConfig) string {
	if cfg.TrustProxyHeaders {
		if ip := strings.TrimSpace(r.Header.Get("CF-Connecting-IP")); ip != "" {
			return ip
		}
		if chain := r.Header.Get("X-Forwarded-For"); chain != "" {
			first, _, _ := strings.Cut(chain, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
