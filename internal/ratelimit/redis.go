package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the distributed counter store. INCR and expiry handling run in
// a single pipelined round trip so concurrent processes share one atomic
// fixed-window counter per key.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps an existing redis client. prefix namespaces the keys.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Incr implements CounterStore.
func (s *RedisStore) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	fullKey := s.prefix + ":" + key

	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, fullKey)
	ttl := pipe.PTTL(ctx, fullKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("rate limit incr %s: %w", key, err)
	}

	count := incr.Val()
	remaining := ttl.Val()

	// A fresh key (or one left without expiry by a crashed writer) has no TTL;
	// start the window now.
	if remaining < 0 {
		if err := s.client.PExpire(ctx, fullKey, window).Err(); err != nil {
			return 0, 0, fmt.Errorf("rate limit expire %s: %w", key, err)
		}
		remaining = window
	}

	return count, remaining, nil
}
