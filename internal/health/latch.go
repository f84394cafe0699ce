package health

import (
	"context"
	"sync"
)

// StartupLatch tracks startup progress. It begins ready; each registered
// step drops readiness until released. Readiness returns once every step has
// been released.
type StartupLatch struct {
	mu      sync.Mutex
	nextID  int
	pending map[int]string
}

// NewStartupLatch creates a latch with no pending steps.
func NewStartupLatch() *StartupLatch {
	return &StartupLatch{pending: make(map[int]string)}
}

// Register adds a pending step and returns its release handle.
func (l *StartupLatch) Register(name string) *StartupStep {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextID
	l.nextID++
	l.pending[id] = name
	return &StartupStep{latch: l, id: id}
}

// Ready reports whether every registered step has been released.
func (l *StartupLatch) Ready() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending) == 0
}

// Check maps latch state to a health result.
func (l *StartupLatch) Check(context.Context) Result {
	if l.Ready() {
		return Healthy("Startup complete")
	}
	return Unhealthy("Starting")
}

func (l *StartupLatch) release(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.pending, id)
}

// StartupStep is one pending startup step.
type StartupStep struct {
	latch *StartupLatch
	id    int
	once  sync.Once
}

// Done releases the step. Safe to call more than once.
func (s *StartupStep) Done() {
	s.once.Do(func() { s.latch.release(s.id) })
}
