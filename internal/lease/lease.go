// Package lease provides coarse named leases for leader election and
// fine-grained resource locks with fencing tokens.
package lease

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rowanlabs/conveyor/internal/domain"
)

// Grant is the outcome of a coarse lease acquire or renew. Times come from
// the store's clock, never the caller's.
type Grant struct {
	Acquired   bool
	ServerNow  time.Time
	LeaseUntil time.Time
}

// CoarseStore persists named leases for leader election of singleton
// workers.
type CoarseStore interface {
	Acquire(ctx context.Context, name, owner string, duration time.Duration) (Grant, error)
	Renew(ctx context.Context, name, owner string, duration time.Duration) (Grant, error)
}

// LockOptions tunes fine-grained lock acquisition. The gate serializes
// acquirers behind an advisory lock so they queue instead of thrashing the
// lock row.
type LockOptions struct {
	UseGate     bool
	GateTimeout time.Duration
	ContextJSON []byte
}

// LockStore persists fine-grained locks. Every successful acquire or renew
// issues a fencing token that never decreases for a given resource.
type LockStore interface {
	AcquireLock(ctx context.Context, resource string, owner domain.OwnerToken, duration time.Duration, opts LockOptions) (acquired bool, fencingToken int64, err error)
	RenewLock(ctx context.Context, resource string, owner domain.OwnerToken, duration time.Duration) (renewed bool, fencingToken int64, err error)
	ReleaseLock(ctx context.Context, resource string, owner domain.OwnerToken) error
}

// Option configures a Lease.
type Option func(*Lease)

// WithRenewPercent sets the fraction of the lease duration after which the
// background renewal fires. Values outside (0, 1) are ignored.
func WithRenewPercent(p float64) Option {
	return func(l *Lease) {
		if p > 0 && p < 1 {
			l.renewPercent = p
		}
	}
}

// WithLockOptions sets the acquisition options, including the advisory gate.
func WithLockOptions(opts LockOptions) Option {
	return func(l *Lease) { l.lockOpts = opts }
}

// Lease is a held fine-grained lock. A background goroutine renews it ahead
// of expiry; when renewal fails the lease is marked lost, Done fires and no
// further tokens are issued locally.
type Lease struct {
	store        LockStore
	resource     string
	owner        domain.OwnerToken
	duration     time.Duration
	renewPercent float64
	lockOpts     LockOptions

	// renewMu serializes renewal round trips; mu guards the fields below
	// and is never held across I/O.
	renewMu sync.Mutex
	mu      sync.Mutex
	token   int64
	lostErr error
	closed  bool

	done      chan struct{}
	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// TryAcquire attempts to take the resource lock. Reports acquired=false
// without error when another owner holds it. On success the returned lease
// renews itself until lost or closed.
func TryAcquire(ctx context.Context, store LockStore, resource string, duration time.Duration, opts ...Option) (*Lease, bool, error) {
	l := &Lease{
		store:        store,
		resource:     resource,
		owner:        domain.NewOwnerToken(),
		duration:     duration,
		renewPercent: 0.5,
		done:         make(chan struct{}),
		stop:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	acquired, token, err := store.AcquireLock(ctx, resource, l.owner, duration, l.lockOpts)
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lease on %q: %w", resource, err)
	}
	if !acquired {
		return nil, false, nil
	}

	l.token = token
	l.wg.Add(1)
	go l.renewLoop()
	return l, true, nil
}

// FencingToken returns the latest token issued for this lease. The token
// must accompany every downstream side effect performed under the lease.
func (l *Lease) FencingToken() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.token
}

// Done returns a channel closed when the lease is lost or the lease is
// closed. Workers derive their cancellation from it.
func (l *Lease) Done() <-chan struct{} {
	return l.done
}

// Context derives a context from parent that is cancelled as soon as the
// lease ends. Work performed under the lease runs on it so that losing
// ownership stops the work mid-pass instead of at the next acquire.
func (l *Lease) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-l.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Err reports why the lease ended. It returns an error wrapping
// domain.ErrLeaseLost after a failed renewal, and nil while the lease is
// held or after a clean Close.
func (l *Lease) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lostErr
}

// Check returns the loss error if the lease is no longer held.
func (l *Lease) Check() error {
	return l.Err()
}

// TryRenewNow renews immediately and returns the fresh token. Renewals are
// serialized, so a concurrent background renewal completes first.
func (l *Lease) TryRenewNow(ctx context.Context) (int64, error) {
	return l.renew(ctx)
}

func (l *Lease) renew(ctx context.Context) (int64, error) {
	l.renewMu.Lock()
	defer l.renewMu.Unlock()

	if err := l.Err(); err != nil {
		return 0, err
	}

	renewed, token, err := l.store.RenewLock(ctx, l.resource, l.owner, l.duration)
	if err != nil {
		l.markLost(fmt.Errorf("%w: renew failed for %q: %w", domain.ErrLeaseLost, l.resource, err))
		return 0, l.Err()
	}
	if !renewed {
		l.markLost(fmt.Errorf("%w: ownership of %q expired", domain.ErrLeaseLost, l.resource))
		return 0, l.Err()
	}

	l.mu.Lock()
	l.token = token
	l.mu.Unlock()
	return token, nil
}

func (l *Lease) markLost(err error) {
	l.mu.Lock()
	alreadyEnded := l.closed || l.lostErr != nil
	if !alreadyEnded {
		l.lostErr = err
	}
	l.mu.Unlock()

	if !alreadyEnded {
		close(l.done)
	}
}

func (l *Lease) renewLoop() {
	defer l.wg.Done()

	for {
		interval := time.Duration(float64(l.duration) * l.renewPercent)
		// Small jitter de-synchronizes peers renewing the same resource.
		if jitterMax := l.duration / 10; jitterMax > 0 {
			interval += rand.N(jitterMax)
		}

		timer := time.NewTimer(interval)
		select {
		case <-l.stop:
			timer.Stop()
			return
		case <-l.done:
			timer.Stop()
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), l.duration/2)
		_, err := l.renew(ctx)
		cancel()
		if err != nil {
			return
		}
	}
}

// Close stops renewal, fires Done and releases the lock best-effort.
// Idempotent.
func (l *Lease) Close(ctx context.Context) {
	l.closeOnce.Do(func() {
		close(l.stop)
		l.wg.Wait()

		l.mu.Lock()
		lost := l.lostErr != nil
		l.closed = true
		l.mu.Unlock()

		if !lost {
			close(l.done)
			// Best-effort: the row expires on its own otherwise.
			_ = l.store.ReleaseLock(ctx, l.resource, l.owner)
		}
	})
}
