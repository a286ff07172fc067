package ratelimit

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	records    []time.Time
	blockUntil time.Time
}

// MemoryStore implements Store in process memory. Used for tests and for
// single-node deployments without Redis.
type MemoryStore struct {
	mutex   sync.Mutex
	entries map[string]*memoryEntry
}

// NewMemoryStore creates an in-memory counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memoryEntry)}
}

// Slide implements Store.
func (s *MemoryStore) Slide(ctx context.Context, key string, now, cutoff time.Time) (int, time.Time, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	e, exists := s.entries[key]
	if !exists {
		e = &memoryEntry{}
		s.entries[key] = e
	}

	kept := e.records[:0]
	for _, r := range e.records {
		if r.After(cutoff) {
			kept = append(kept, r)
		}
	}
	e.records = append(kept, now)

	return len(e.records), e.records[0], nil
}

// Block implements Store.
func (s *MemoryStore) Block(ctx context.Context, key string, duration time.Duration) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	e, exists := s.entries[key]
	if !exists {
		e = &memoryEntry{}
		s.entries[key] = e
	}
	e.blockUntil = time.Now().Add(duration)
	return nil
}

// IsBlocked implements Store.
func (s *MemoryStore) IsBlocked(ctx context.Context, key string) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	e, exists := s.entries[key]
	if !exists {
		return false, nil
	}
	return time.Now().Before(e.blockUntil), nil
}

// Reset implements Store.
func (s *MemoryStore) Reset(ctx context.Context, key string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.entries, key)
	return nil
}
