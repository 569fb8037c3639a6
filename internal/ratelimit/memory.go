package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	defaultMaxEntries    = 10000
	defaultSweepInterval = time.Minute
)

type memoryEntry struct {
	count   int64
	resetAt time.Time
}

// MemoryStore is the in-process fallback counter store. It is bounded: when
// full, the entry with the oldest reset time is evicted, and expired entries
// are swept periodically so an idle process does not hold dead keys.
type MemoryStore struct {
	mu         sync.Mutex
	entries    map[string]*memoryEntry
	maxEntries int
	sweepEvery time.Duration
	lastSweep  time.Time
	now        func() time.Time
}

// NewMemoryStore creates a bounded in-memory counter store. maxEntries <= 0
// selects the default bound.
func NewMemoryStore(maxEntries int) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &MemoryStore{
		entries:    make(map[string]*memoryEntry),
		maxEntries: maxEntries,
		sweepEvery: defaultSweepInterval,
		now:        time.Now,
	}
}

// Incr implements CounterStore.
func (s *MemoryStore) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.maybeSweep(now)

	entry, ok := s.entries[key]
	if !ok || !entry.resetAt.After(now) {
		if !ok && len(s.entries) >= s.maxEntries {
			s.evictOldest()
		}
		entry = &memoryEntry{resetAt: now.Add(window)}
		s.entries[key] = entry
	}

	entry.count++
	return entry.count, entry.resetAt.Sub(now), nil
}

// Len returns the number of tracked keys. Exposed for tests.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// maybeSweep drops expired entries at most once per sweep interval.
// Caller must hold the lock.
func (s *MemoryStore) maybeSweep(now time.Time) {
	if now.Sub(s.lastSweep) < s.sweepEvery {
		return
	}
	s.lastSweep = now
	for key, entry := range s.entries {
		if !entry.resetAt.After(now) {
			delete(s.entries, key)
		}
	}
}

// evictOldest removes the entry whose window resets soonest.
// Caller must hold the lock.
func (s *MemoryStore) evictOldest() {
	var oldestKey string
	var oldestReset time.Time
	for key, entry := range s.entries {
		if oldestKey == "" || entry.resetAt.Before(oldestReset) {
			oldestKey = key
			oldestReset = entry.resetAt
		}
	}
	if oldestKey != "" {
		delete(s.entries, oldestKey)
	}
}
