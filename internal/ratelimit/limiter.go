// Package ratelimit implements fixed-window admission control for the webhook
// endpoint. The window counter lives in a shared distributed store with a
// bounded in-process fallback used while the store is unavailable.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/mendbot/mendbot/internal/observability"
)

// CounterStore increments the fixed-window counter for a key and reports the
// remaining window in a single round trip. The count resets when the key's
// TTL elapses.
type CounterStore interface {
	// Incr increments the counter for key, starting a window of the given
	// length when the key is new. It returns the post-increment count and
	// the time remaining in the window.
	Incr(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)
}

// Decision is the outcome of a rate-limit check. Every decision carries
// remaining-quota and reset-time metadata for response headers.
type Decision struct {
	Allowed    bool
	Remaining  int64
	ResetAt    time.Time
	RetryAfter int // seconds, meaningful only when !Allowed
}

// Config holds limiter settings.
type Config struct {
	Max    int64
	Window time.Duration
	// ErrLogCooldown throttles store-failure logging and doubles as the soft
	// circuit-breaker interval: after a store error, requests inside the
	// cooldown go straight to the fallback without re-attempting the store.
	ErrLogCooldown time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Max:            60,
		Window:         time.Minute,
		ErrLogCooldown: 30 * time.Second,
	}
}

// Limiter enforces a fixed-window limit per client key.
type Limiter struct {
	cfg      Config
	store    CounterStore
	fallback CounterStore
	logger   observability.Logger
	now      func() time.Time

	mu          sync.Mutex
	lastFailure time.Time
}

// NewLimiter constructs a limiter. store may be nil, in which case only the
// fallback is used. fallback must not be nil.
func NewLimiter(cfg Config, store, fallback CounterStore, logger observability.Logger) *Limiter {
	if cfg.Max <= 0 {
		cfg.Max = DefaultConfig().Max
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.ErrLogCooldown <= 0 {
		cfg.ErrLogCooldown = DefaultConfig().ErrLogCooldown
	}
	if logger == nil {
		logger = observability.NopLogger{}
	}
	return &Limiter{
		cfg:      cfg,
		store:    store,
		fallback: fallback,
		logger:   logger,
		now:      time.Now,
	}
}

// Check records one request for the key and decides whether it is admitted.
// A distributed-store failure degrades to the in-process fallback for that
// request; it never blocks the request path on a down dependency.
func (l *Limiter) Check(ctx context.Context, key string) Decision {
	count, ttl, err := l.incr(ctx, key)
	if err != nil {
		// Both paths failed. Fail open: dropping legitimate traffic because
		// the limiter itself broke is worse than admitting one request.
		l.logStoreFailure(ctx, err)
		return Decision{Allowed: true, Remaining: 0, ResetAt: l.now().Add(l.cfg.Window)}
	}

	resetAt := l.now().Add(ttl)
	remaining := l.cfg.Max - count
	if remaining < 0 {
		remaining = 0
	}

	if count > l.cfg.Max {
		retryAfter := int(ttl / time.Second)
		if ttl%time.Second > 0 {
			retryAfter++
		}
		if retryAfter < 1 {
			retryAfter = 1
		}
		return Decision{Allowed: false, Remaining: 0, ResetAt: resetAt, RetryAfter: retryAfter}
	}
	return Decision{Allowed: true, Remaining: remaining, ResetAt: resetAt}
}

func (l *Limiter) incr(ctx context.Context, key string) (int64, time.Duration, error) {
	if l.store == nil || l.inCooldown() {
		return l.fallback.Incr(ctx, key, l.cfg.Window)
	}

	count, ttl, err := l.store.Incr(ctx, key, l.cfg.Window)
	if err == nil {
		return count, ttl, nil
	}
	l.logStoreFailure(ctx, err)
	return l.fallback.Incr(ctx, key, l.cfg.Window)
}

// inCooldown reports whether a recent store failure means this request should
// skip the store. The next window always re-attempts.
func (l *Limiter) inCooldown() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.lastFailure.IsZero() && l.now().Sub(l.lastFailure) < l.cfg.ErrLogCooldown
}

// logStoreFailure logs a counter-store error at most once per cooldown window
// and marks the cooldown start.
func (l *Limiter) logStoreFailure(ctx context.Context, err error) {
	l.mu.Lock()
	shouldLog := l.lastFailure.IsZero() || l.now().Sub(l.lastFailure) >= l.cfg.ErrLogCooldown
	l.lastFailure = l.now()
	l.mu.Unlock()

	if shouldLog {
		l.logger.LogWarning(ctx, "rate limit counter store unavailable, using in-memory fallback", map[string]interface{}{
			"error":      err.Error(),
			"cooldownMs": l.cfg.ErrLogCooldown.Milliseconds(),
		})
	}
}
