package idempotency

import (
	"context"
	"sync"
	"time"
)

type memoryState struct {
	state     string
	updatedAt time.Time
}

// MemoryStore is an in-process Store. Useful for tests and for handlers
// whose effects live entirely inside one process.
type MemoryStore struct {
	mu   sync.Mutex
	keys map[string]memoryState
	now  func() time.Time
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys: make(map[string]memoryState),
		now:  time.Now,
	}
}

// TryBegin claims the key when absent or previously failed.
func (s *MemoryStore) TryBegin(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.keys[key]
	if ok && entry.state != "failed" {
		return false, nil
	}
	s.keys[key] = memoryState{state: "in_progress", updatedAt: s.now()}
	return true, nil
}

// Complete marks the key terminal.
func (s *MemoryStore) Complete(_ context.Context, key string) error {
	s.set(key, "completed")
	return nil
}

// Fail releases the key for a later attempt.
func (s *MemoryStore) Fail(_ context.Context, key string) error {
	s.set(key, "failed")
	return nil
}

func (s *MemoryStore) set(key, state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key] = memoryState{state: state, updatedAt: s.now()}
}

// GC drops completed keys older than the retention period.
func (s *MemoryStore) GC(_ context.Context, retention time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-retention)
	var removed int64
	for key, entry := range s.keys {
		if entry.state == "completed" && entry.updatedAt.Before(cutoff) {
			delete(s.keys, key)
			removed++
		}
	}
	return removed, nil
}
