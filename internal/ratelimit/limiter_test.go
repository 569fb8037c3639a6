package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingStore always errors, counting attempts.
type failingStore struct {
	mu    sync.Mutex
	calls int
}

func (f *failingStore) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return 0, 0, errors.New("connection refused")
}

// countingLogger counts warning lines.
type countingLogger struct {
	mu       sync.Mutex
	warnings int
}

func (c *countingLogger) LogInfo(ctx context.Context, msg string, fields map[string]interface{}) {}
func (c *countingLogger) LogWarning(ctx context.Context, msg string, fields map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.warnings++
}
func (c *countingLogger) LogError(ctx context.Context, msg string, fields map[string]interface{}) {}

func testClock(start time.Time) (*time.Time, func() time.Time) {
	now := start
	return &now, func() time.Time { return now }
}

func TestLimiter_FixedWindow(t *testing.T) {
	start := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	nowPtr, clock := testClock(start)

	mem := NewMemoryStore(10)
	mem.now = clock

	limiter := NewLimiter(Config{Max: 2, Window: time.Second}, nil, mem, nil)
	limiter.now = clock

	ctx := context.Background()

	first := limiter.Check(ctx, "1.2.3.4")
	require.True(t, first.Allowed)
	assert.Equal(t, int64(1), first.Remaining)

	second := limiter.Check(ctx, "1.2.3.4")
	require.True(t, second.Allowed)
	assert.Equal(t, int64(0), second.Remaining)

	third := limiter.Check(ctx, "1.2.3.4")
	require.False(t, third.Allowed)
	assert.Equal(t, 1, third.RetryAfter)
	assert.Equal(t, int64(0), third.Remaining)

	// A different key is unaffected.
	other := limiter.Check(ctx, "5.6.7.8")
	assert.True(t, other.Allowed)

	// After the window elapses the key admits again.
	*nowPtr = start.Add(1100 * time.Millisecond)
	fourth := limiter.Check(ctx, "1.2.3.4")
	assert.True(t, fourth.Allowed)
}

func TestLimiter_FallbackOnStoreFailure(t *testing.T) {
	start := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	nowPtr, clock := testClock(start)

	store := &failingStore{}
	mem := NewMemoryStore(10)
	mem.now = clock
	logger := &countingLogger{}

	limiter := NewLimiter(Config{Max: 5, Window: time.Second, ErrLogCooldown: 30 * time.Second}, store, mem, logger)
	limiter.now = clock

	ctx := context.Background()

	// First request hits the broken store once, logs, and falls back.
	d := limiter.Check(ctx, "k")
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, store.calls)
	assert.Equal(t, 1, logger.warnings)

	// Requests inside the cooldown skip the store entirely and stay quiet.
	for i := 0; i < 3; i++ {
		*nowPtr = nowPtr.Add(time.Second)
		d = limiter.Check(ctx, "k")
		assert.True(t, d.Allowed)
	}
	assert.Equal(t, 1, store.calls)
	assert.Equal(t, 1, logger.warnings)

	// After the cooldown the store is re-attempted and the failure logged once more.
	*nowPtr = start.Add(31 * time.Second)
	_ = limiter.Check(ctx, "k")
	assert.Equal(t, 2, store.calls)
	assert.Equal(t, 2, logger.warnings)
}

func TestLimiter_FailsOpenWhenBothPathsBreak(t *testing.T) {
	limiter := NewLimiter(Config{Max: 1, Window: time.Second}, &failingStore{}, &failingStore{}, nil)

	d := limiter.Check(context.Background(), "k")
	assert.True(t, d.Allowed)
}

func TestMemoryStore_BoundedEviction(t *testing.T) {
	start := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	_, clock := testClock(start)

	mem := NewMemoryStore(2)
	mem.now = clock
	ctx := context.Background()

	_, _, err := mem.Incr(ctx, "a", time.Second)
	require.NoError(t, err)
	_, _, err = mem.Incr(ctx, "b", time.Second)
	require.NoError(t, err)
	_, _, err = mem.Incr(ctx, "c", time.Second)
	require.NoError(t, err)

	assert.Equal(t, 2, mem.Len())
}

func TestMemoryStore_SweepsExpiredEntries(t *testing.T) {
	start := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	nowPtr, clock := testClock(start)

	mem := NewMemoryStore(100)
	mem.now = clock
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		_, _, err := mem.Incr(ctx, key, time.Second)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, mem.Len())

	// Past both the entry TTLs and the sweep interval.
	*nowPtr = start.Add(2 * time.Minute)
	_, _, err := mem.Incr(ctx, "d", time.Second)
	require.NoError(t, err)

	assert.Equal(t, 1, mem.Len())
}

func TestMemoryStore_CountsWithinWindow(t *testing.T) {
	mem := NewMemoryStore(10)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		count, ttl, err := mem.Incr(ctx, "k", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, count)
		assert.Greater(t, ttl, time.Duration(0))
	}
}
