package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rowanlabs/conveyor/internal/domain"
)

// QueueTable names one of the tables carrying the shared work-item columns.
// The engine interpolates the table name into its statements, so only the
// values below are accepted.
type QueueTable string

const (
	TableOutbox  QueueTable = "infra.outbox"
	TableInbox   QueueTable = "infra.inbox"
	TableTimers  QueueTable = "infra.timers"
	TableJobRuns QueueTable = "infra.job_runs"
)

func (t QueueTable) valid() bool {
	switch t {
	case TableOutbox, TableInbox, TableTimers, TableJobRuns:
		return true
	}
	return false
}

// Queue implements workqueue.Store for one table. Every operation is a
// single statement; state transitions and ownership checks happen inside the
// database using its clock.
type Queue struct {
	pool  *pgxpool.Pool
	table QueueTable
}

// NewQueue creates the engine for one queue table.
func NewQueue(pool *pgxpool.Pool, table QueueTable) (*Queue, error) {
	if !table.valid() {
		return nil, fmt.Errorf("%w: unknown queue table %q", domain.ErrInvalidInput, table)
	}
	return &Queue{pool: pool, table: table}, nil
}

// Claim selects up to batchSize visible rows in (due_time, id) order, locks
// them to the owner and returns their ids. FOR UPDATE SKIP LOCKED keeps
// concurrent claimants from ever receiving the same row.
func (q *Queue) Claim(ctx context.Context, owner domain.OwnerToken, lease time.Duration, batchSize int) ([]uuid.UUID, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("%w: batch size must be positive", domain.ErrInvalidInput)
	}
	if lease <= 0 {
		return nil, fmt.Errorf("%w: lease must be positive", domain.ErrInvalidInput)
	}

	query := fmt.Sprintf(`
		UPDATE %s t
		SET status = 'claimed',
		    owner_token = $1,
		    locked_until = NOW() + make_interval(secs => $2)
		FROM (
			SELECT id FROM %s
			WHERE status IN ('pending', 'failed_retryable')
			  AND due_time <= NOW()
			  AND (locked_until IS NULL OR locked_until <= NOW())
			ORDER BY due_time, id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		) c
		WHERE t.id = c.id
		RETURNING t.id
	`, q.table, q.table)

	rows, err := q.pool.Query(ctx, query, owner.UUID(), lease.Seconds(), batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to claim from %s: %w", q.table, err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan claimed id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read claimed ids: %w", err)
	}

	return ids, nil
}

// Ack completes owned rows. Rows the owner no longer holds are skipped
// without error: a stale ack is a no-op by design of the claim protocol.
func (q *Queue) Ack(ctx context.Context, owner domain.OwnerToken, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'completed',
		    processed_at = NOW(),
		    owner_token = NULL,
		    locked_until = NULL
		WHERE id = ANY($1)
		  AND status = 'claimed'
		  AND owner_token = $2
		  AND locked_until > NOW()
	`, q.table)

	if _, err := q.pool.Exec(ctx, query, ids, owner.UUID()); err != nil {
		return fmt.Errorf("failed to ack rows in %s: %w", q.table, err)
	}
	return nil
}

// Abandon returns owned rows to the retryable pool after delay.
func (q *Queue) Abandon(ctx context.Context, owner domain.OwnerToken, ids []uuid.UUID, lastError string, delay time.Duration) error {
	if len(ids) == 0 {
		return nil
	}
	if delay < 0 {
		delay = 0
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'failed_retryable',
		    retry_count = retry_count + 1,
		    last_error = $3,
		    due_time = NOW() + make_interval(secs => $4),
		    owner_token = NULL,
		    locked_until = NULL
		WHERE id = ANY($1)
		  AND status = 'claimed'
		  AND owner_token = $2
		  AND locked_until > NOW()
	`, q.table)

	if _, err := q.pool.Exec(ctx, query, ids, owner.UUID(), lastError, delay.Seconds()); err != nil {
		return fmt.Errorf("failed to abandon rows in %s: %w", q.table, err)
	}
	return nil
}

// Fail poisons owned rows. Terminal.
func (q *Queue) Fail(ctx context.Context, owner domain.OwnerToken, ids []uuid.UUID, lastError string) error {
	if len(ids) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'poisoned',
		    last_error = $3,
		    processed_at = NOW(),
		    owner_token = NULL,
		    locked_until = NULL
		WHERE id = ANY($1)
		  AND status = 'claimed'
		  AND owner_token = $2
		  AND locked_until > NOW()
	`, q.table)

	if _, err := q.pool.Exec(ctx, query, ids, owner.UUID(), lastError); err != nil {
		return fmt.Errorf("failed to poison rows in %s: %w", q.table, err)
	}
	return nil
}

// Reschedule is Abandon for a single row with a caller-chosen delay.
func (q *Queue) Reschedule(ctx context.Context, owner domain.OwnerToken, id uuid.UUID, delay time.Duration, lastError string) error {
	return q.Abandon(ctx, owner, []uuid.UUID{id}, lastError, delay)
}

// ReapExpired returns any claimed row with an expired lock to the retryable
// pool and reports how many rows were reaped. Idempotent.
func (q *Queue) ReapExpired(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'failed_retryable',
		    owner_token = NULL,
		    locked_until = NULL
		WHERE status = 'claimed'
		  AND locked_until < NOW()
	`, q.table)

	tag, err := q.pool.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to reap %s: %w", q.table, err)
	}
	return tag.RowsAffected(), nil
}
