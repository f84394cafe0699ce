// Package idempotency provides the exactly-once executor and the key store
// it records terminal outcomes in.
package idempotency

import (
	"context"
	"fmt"

	"github.com/rowanlabs/conveyor/internal/domain"
)

// Store tracks execution state per idempotency key. Keys are domain-chosen,
// typically a producer-stable message id or an inbox dedupe key.
type Store interface {
	// TryBegin claims the key. It succeeds when the key is absent or
	// previously failed, and reports false when an execution is in flight
	// or already completed.
	TryBegin(ctx context.Context, key string) (bool, error)
	// Complete marks the key terminal.
	Complete(ctx context.Context, key string) error
	// Fail releases the key so a later execution may retry.
	Fail(ctx context.Context, key string) error
}

// Probe checks whether the external side effect behind a key already
// happened. Used when the primary call timed out but may have succeeded.
type Probe func(ctx context.Context, key string) (confirmed bool, err error)

// Verdict is the terminal outcome of one Execute call.
type Verdict string

const (
	// VerdictCompleted means the side effect happened, now or previously.
	VerdictCompleted Verdict = "completed"
	// VerdictSuppressed means a prior execution owns the key; the operation
	// did not run.
	VerdictSuppressed Verdict = "suppressed"
	// VerdictFailedPermanent means the operation failed in a way retries
	// cannot fix; the key is closed.
	VerdictFailedPermanent Verdict = "failed_permanent"
	// VerdictRetry means the operation failed transiently; the key is
	// released for a later attempt.
	VerdictRetry Verdict = "retry"
)

// Executor runs operations at most once per key. The outbox is at-least-once
// underneath; wrapping a handler here collapses redeliveries and replays into
// a single successful domain effect.
type Executor struct {
	store Store
	probe Probe
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithProbe installs a side-effect probe.
func WithProbe(p Probe) ExecutorOption {
	return func(e *Executor) { e.probe = p }
}

// NewExecutor creates an executor over the given store.
func NewExecutor(store Store, opts ...ExecutorOption) *Executor {
	e := &Executor{store: store}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs op under the key. A nil error from op completes the key; an
// error satisfying domain.IsPermanent closes it as failed-permanent; any
// other error releases the key and returns VerdictRetry together with the
// operation error so the caller can reschedule.
func (e *Executor) Execute(ctx context.Context, key string, op func(ctx context.Context) error) (Verdict, error) {
	began, err := e.store.TryBegin(ctx, key)
	if err != nil {
		return VerdictRetry, fmt.Errorf("failed to claim idempotency key: %w", err)
	}
	if !began {
		if confirmed := e.probeConfirms(ctx, key); confirmed {
			return VerdictCompleted, nil
		}
		return VerdictSuppressed, nil
	}

	opErr := op(ctx)
	switch {
	case opErr == nil:
		if err := e.store.Complete(ctx, key); err != nil {
			return VerdictRetry, fmt.Errorf("failed to record completion: %w", err)
		}
		return VerdictCompleted, nil

	case domain.IsPermanent(opErr):
		if err := e.store.Complete(ctx, key); err != nil {
			return VerdictRetry, fmt.Errorf("failed to record permanent failure: %w", err)
		}
		return VerdictFailedPermanent, opErr

	default:
		// The call may have succeeded before timing out; trust the probe
		// over the error.
		if confirmed := e.probeConfirms(ctx, key); confirmed {
			if err := e.store.Complete(ctx, key); err != nil {
				return VerdictRetry, fmt.Errorf("failed to record completion: %w", err)
			}
			return VerdictCompleted, nil
		}
		if err := e.store.Fail(ctx, key); err != nil {
			return VerdictRetry, fmt.Errorf("failed to release idempotency key: %w", err)
		}
		return VerdictRetry, opErr
	}
}

func (e *Executor) probeConfirms(ctx context.Context, key string) bool {
	if e.probe == nil {
		return false
	}
	confirmed, err := e.probe(ctx, key)
	return err == nil && confirmed
}
