package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	count   int
	resetAt time.Time
}

// MemoryStore keeps counters in process memory. It backs tests and single-instance development.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]window
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]window)}
}

// Hit implements Store.
func (s *MemoryStore) Hit(_ context.Context, key string, limit int, length time.Duration, now time.Time) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.windows[key]
	if !ok || !now.Before(entry.resetAt) {
		entry = window{count: 1, resetAt: now.Add(length)}
		s.windows[key] = entry
		s.pruneLocked(now)
		return decide(entry.count, limit, entry.resetAt, true), nil
	}
	if entry.count >= limit {
		return decide(entry.count, limit, entry.resetAt, false), nil
	}
	entry.count++
	s.windows[key] = entry
	return decide(entry.count, limit, entry.resetAt, true), nil
}

func (s *MemoryStore) pruneLocked(now time.Time) {
	for key, entry := range s.windows {
		if !now.Before(entry.resetAt) {
			delete(s.windows, key)
		}
	}
}
