package integration

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/rowanlabs/conveyor/internal/postgres"
)

// SetupTestPool connects to the integration database and applies migrations.
// Returns the pool and a cleanup function that truncates every work table.
func SetupTestPool(t *testing.T) (*pgxpool.Pool, func()) {
	t.Helper()

	dsn := os.Getenv("CONVEYOR_TEST_DB_DSN")
	if dsn == "" {
		t.Skip("set CONVEYOR_TEST_DB_DSN to run integration tests")
	}

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, postgres.DBConfig{DSN: dsn})
	require.NoError(t, err)

	cleanup := func() {
		_, _ = pool.Exec(ctx, `
			TRUNCATE TABLE infra.outbox, infra.inbox, infra.timers,
				infra.jobs, infra.job_runs, infra.distributed_lock,
				infra.external_side_effect, infra.lease, infra.idempotency
				CASCADE
		`)
		pool.Close()
	}
	return pool, cleanup
}

// insertOutboxRows seeds n pending outbox rows due now and returns their ids.
func insertOutboxRows(t *testing.T, pool *pgxpool.Pool, n int) []uuid.UUID {
	t.Helper()

	ctx := context.Background()
	ids := make([]uuid.UUID, 0, n)
	for i := 0; i < n; i++ {
		id, err := uuid.NewV7()
		require.NoError(t, err)

		_, err = pool.Exec(ctx, `
			INSERT INTO infra.outbox (id, message_id, topic, payload, due_time)
			VALUES ($1, $2, 'integration.seed', '{}', NOW() - INTERVAL '1 second')
		`, id, uuid.New())
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

// expireClaim forces a claimed row's lock into the past so stale-owner and
// reaping behavior can be observed without waiting out a real lease.
func expireClaim(t *testing.T, pool *pgxpool.Pool, id uuid.UUID) {
	t.Helper()

	tag, err := pool.Exec(context.Background(), `
		UPDATE infra.outbox
		SET locked_until = NOW() - INTERVAL '1 second'
		WHERE id = $1 AND status = 'claimed'
	`, id)
	require.NoError(t, err)
	require.EqualValues(t, 1, tag.RowsAffected())
}

// rowState reads the claim-protocol columns of one outbox row.
func rowState(t *testing.T, pool *pgxpool.Pool, id uuid.UUID) (status string, retryCount int, lockedUntil *time.Time) {
	t.Helper()

	err := pool.QueryRow(context.Background(), `
		SELECT status, retry_count, locked_until FROM infra.outbox WHERE id = $1
	`, id).Scan(&status, &retryCount, &lockedUntil)
	require.NoError(t, err)
	return status, retryCount, lockedUntil
}
