package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// MiddlewareConfig controls which requests the middleware limits.
type MiddlewareConfig struct {
	// Methods is the set of HTTP methods subject to limiting. OPTIONS and any
	// method not listed bypass limiting entirely.
	Methods []string
	ClientIP ClientIPConfig
}

// Middleware wraps a handler with per-client fixed-window rate limiting.
// Every limited response carries X-RateLimit-Remaining and X-RateLimit-Reset;
// rejections answer 429 with a Retry-After header and a JSON body.
func Middleware(limiter *Limiter, cfg MiddlewareConfig, next http.Handler) http.Handler {
	limited := make(map[string]bool, len(cfg.Methods))
	for _, m := range cfg.Methods {
		limited[m] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || !limited[r.Method] {
			next.ServeHTTP(w, r)
			return
		}

		decision := limiter.Check(r.Context(), ClientIP(r, cfg.ClientIP))

		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))

		if !decision.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfter))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"error":      "rate limit exceeded",
				"retryAfter": decision.RetryAfter,
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}
