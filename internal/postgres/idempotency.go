package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// IdempotencyStore implements idempotency.Store on PostgreSQL. State is one
// row per key; completed rows are garbage-collected after a retention period.
type IdempotencyStore struct {
	pool *pgxpool.Pool
}

// NewIdempotencyStore creates the store for one database.
func NewIdempotencyStore(pool *pgxpool.Pool) *IdempotencyStore {
	return &IdempotencyStore{pool: pool}
}

// TryBegin claims the key for execution. It succeeds when the key is absent
// or previously failed, and reports false when another execution is in flight
// or has already completed.
func (s *IdempotencyStore) TryBegin(ctx context.Context, key string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO infra.idempotency (key, state) VALUES ($1, 'in_progress')
		ON CONFLICT (key) DO UPDATE SET state = 'in_progress', updated_at = NOW()
		WHERE infra.idempotency.state = 'failed'
	`, key)
	if err != nil {
		return false, fmt.Errorf("failed to begin idempotent execution: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Complete marks the key terminal. No further execution will begin for it.
func (s *IdempotencyStore) Complete(ctx context.Context, key string) error {
	if err := s.setState(ctx, key, "completed"); err != nil {
		return fmt.Errorf("failed to complete idempotency key: %w", err)
	}
	return nil
}

// Fail releases the key so a later execution may retry it.
func (s *IdempotencyStore) Fail(ctx context.Context, key string) error {
	if err := s.setState(ctx, key, "failed"); err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}

func (s *IdempotencyStore) setState(ctx context.Context, key, state string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE infra.idempotency SET state = $2, updated_at = NOW() WHERE key = $1
	`, key, state)
	return err
}

// GC deletes completed keys older than the retention period and returns how
// many were removed.
func (s *IdempotencyStore) GC(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM infra.idempotency
		WHERE state = 'completed' AND updated_at < NOW() - make_interval(secs => $1)
	`, retention.Seconds())
	if err != nil {
		return 0, fmt.Errorf("failed to garbage collect idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}
