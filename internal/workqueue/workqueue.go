// Package workqueue defines the shared claim/ack/abandon/fail/reap primitives
// used by the outbox, inbox, timer and job-run tables. The database is the
// sole authority for visibility: every predicate is evaluated against the
// server clock, never the worker's.
package workqueue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/rowanlabs/conveyor/internal/domain"
)

// Store is one queue-like table. Implementations must make every operation
// a single atomic state transition: concurrent claimants never receive the
// same row, and operations from a stale owner have no effect.
type Store interface {
	// Claim atomically claims up to batchSize visible rows in due-time
	// order (ties broken by creation order) and returns their ids. Rows
	// are locked to owner until serverNow + lease.
	Claim(ctx context.Context, owner domain.OwnerToken, lease time.Duration, batchSize int) ([]uuid.UUID, error)

	// Ack completes the given rows if still owned. Rows no longer owned
	// are silently skipped.
	Ack(ctx context.Context, owner domain.OwnerToken, ids []uuid.UUID) error

	// Abandon returns owned rows to the retryable pool, incrementing
	// their retry counter and deferring them by delay.
	Abandon(ctx context.Context, owner domain.OwnerToken, ids []uuid.UUID, lastError string, delay time.Duration) error

	// Fail poisons owned rows. Terminal.
	Fail(ctx context.Context, owner domain.OwnerToken, ids []uuid.UUID, lastError string) error

	// Reschedule is Abandon for a single row with a caller-chosen delay.
	Reschedule(ctx context.Context, owner domain.OwnerToken, id uuid.UUID, delay time.Duration, lastError string) error

	// ReapExpired returns any claimed row with an expired lock to the
	// retryable pool. Idempotent; safe to run continuously.
	ReapExpired(ctx context.Context) (int64, error)
}

// Recorder receives work-item lifecycle counts per queue. Workers treat it
// as optional; a nil recorder disables instrumentation.
type Recorder interface {
	RecordClaimed(ctx context.Context, queue string, n int)
	RecordAcked(ctx context.Context, queue string, n int)
	RecordRescheduled(ctx context.Context, queue string, n int)
	RecordPoisoned(ctx context.Context, queue string, n int)
	RecordDispatch(ctx context.Context, topic string, d time.Duration)
}
