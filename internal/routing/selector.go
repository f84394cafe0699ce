package routing

import "sync"

// Selector orders cross-store iteration for dispatchers and ingesters that
// sweep every database. Next returns the store to work; Report feeds back
// how much work it produced; Reset returns to the head of the set.
type Selector[T any] interface {
	Next() (Entry[T], bool)
	Report(processed int)
	Reset()
}

// RoundRobin cycles through the store set deterministically.
type RoundRobin[T any] struct {
	provider Provider[T]

	mu     sync.Mutex
	cursor int
}

// NewRoundRobin creates a selector starting at the head of the set.
func NewRoundRobin[T any](provider Provider[T]) *RoundRobin[T] {
	return &RoundRobin[T]{provider: provider}
}

// Next returns the next store in rotation.
func (s *RoundRobin[T]) Next() (Entry[T], bool) {
	entries := s.provider.List()
	if len(entries) == 0 {
		var zero Entry[T]
		return zero, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e := entries[s.cursor%len(entries)]
	s.cursor = (s.cursor + 1) % len(entries)
	return e, true
}

// Report is a no-op; round-robin ignores throughput.
func (s *RoundRobin[T]) Report(int) {}

// Reset returns to the head of the set.
func (s *RoundRobin[T]) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = 0
}

// DrainFirst stays on the current store while it keeps producing work and
// advances only when a sweep comes back empty, so a backlogged database is
// drained before moving on.
type DrainFirst[T any] struct {
	provider Provider[T]

	mu      sync.Mutex
	cursor  int
	advance bool
}

// NewDrainFirst creates a selector starting at the head of the set.
func NewDrainFirst[T any](provider Provider[T]) *DrainFirst[T] {
	return &DrainFirst[T]{provider: provider}
}

// Next returns the current store, advancing first if the last sweep was
// empty.
func (s *DrainFirst[T]) Next() (Entry[T], bool) {
	entries := s.provider.List()
	if len(entries) == 0 {
		var zero Entry[T]
		return zero, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.advance {
		s.cursor = (s.cursor + 1) % len(entries)
		s.advance = false
	}
	if s.cursor >= len(entries) {
		s.cursor = 0
	}
	return entries[s.cursor], true
}

// Report records the last sweep's output; zero schedules an advance.
func (s *DrainFirst[T]) Report(processed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance = processed == 0
}

// Reset returns to the head of the set.
func (s *DrainFirst[T]) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = 0
	s.advance = false
}
