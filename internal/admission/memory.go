package admission

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process counting store. It exists for tests and
// single-node deployments; multi-node deployments share a RedisStore.
//
// Safe for concurrent use. The purge/count/record sequence runs under one
// mutex hold, so admitted counts are exactly bounded by the limit.
type MemoryStore struct {
	mu     sync.Mutex
	events map[string][]time.Time
}

// NewMemoryStore creates an empty in-process counting store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string][]time.Time)}
}

// Take implements Store.
func (s *MemoryStore) Take(_ context.Context, key string, now time.Time, window time.Duration, limit, cost int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-window)
	kept := s.events[key][:0]
	for _, ts := range s.events[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	count := len(kept)
	if cost > 0 && count+cost <= limit {
		kept = append(kept, now)
	}

	if len(kept) == 0 {
		// No live events; drop the key instead of keeping an empty slice.
		delete(s.events, key)
	} else {
		s.events[key] = kept
	}
	return count, nil
}

// Len reports the number of live events for key at the given instant.
func (s *MemoryStore) Len(key string, now time.Time, window time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-window)
	n := 0
	for _, ts := range s.events[key] {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}
