package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowanlabs/conveyor/internal/domain"
	"github.com/rowanlabs/conveyor/internal/postgres"
)

// TestQueue_ConcurrentClaimNeverDoubleAssigns races several claimants over a
// shared backlog and verifies that every row lands with exactly one owner.
func TestQueue_ConcurrentClaimNeverDoubleAssigns(t *testing.T) {
	pool, cleanup := SetupTestPool(t)
	defer cleanup()

	ctx := context.Background()
	q, err := postgres.NewQueue(pool, postgres.TableOutbox)
	require.NoError(t, err)

	const rows = 24
	const claimants = 6
	insertOutboxRows(t, pool, rows)

	var wg sync.WaitGroup
	claimed := make([][]uuid.UUID, claimants)
	errs := make([]error, claimants)
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			owner := domain.NewOwnerToken()
			for {
				ids, err := q.Claim(ctx, owner, 30*time.Second, 5)
				if err != nil {
					errs[slot] = err
					return
				}
				if len(ids) == 0 {
					return
				}
				claimed[slot] = append(claimed[slot], ids...)
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[uuid.UUID]int)
	total := 0
	for i := 0; i < claimants; i++ {
		require.NoError(t, errs[i])
		for _, id := range claimed[i] {
			seen[id]++
			total++
		}
	}

	assert.Equal(t, rows, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "row %s claimed by more than one owner", id)
	}
}

// TestQueue_StaleOwnerCannotSettleExpiredClaim verifies that once a claim's
// lock has expired, the former owner's Ack, Abandon and Fail are all no-ops.
func TestQueue_StaleOwnerCannotSettleExpiredClaim(t *testing.T) {
	pool, cleanup := SetupTestPool(t)
	defer cleanup()

	ctx := context.Background()
	q, err := postgres.NewQueue(pool, postgres.TableOutbox)
	require.NoError(t, err)

	id := insertOutboxRows(t, pool, 1)[0]
	stale := domain.NewOwnerToken()

	ids, err := q.Claim(ctx, stale, 30*time.Second, 1)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{id}, ids)

	expireClaim(t, pool, id)

	require.NoError(t, q.Ack(ctx, stale, ids))
	status, _, _ := rowState(t, pool, id)
	assert.Equal(t, "claimed", status, "stale ack must not complete the row")

	require.NoError(t, q.Abandon(ctx, stale, ids, "stale abandon", time.Second))
	status, retries, _ := rowState(t, pool, id)
	assert.Equal(t, "claimed", status)
	assert.Zero(t, retries, "stale abandon must not count a retry")

	require.NoError(t, q.Fail(ctx, stale, ids, "stale fail"))
	status, _, _ = rowState(t, pool, id)
	assert.Equal(t, "claimed", status, "stale fail must not poison the row")
}

// TestQueue_ReapExpiredIsIdempotent reaps an expired claim back to the
// retryable pool and verifies a second pass finds nothing.
func TestQueue_ReapExpiredIsIdempotent(t *testing.T) {
	pool, cleanup := SetupTestPool(t)
	defer cleanup()

	ctx := context.Background()
	q, err := postgres.NewQueue(pool, postgres.TableOutbox)
	require.NoError(t, err)

	id := insertOutboxRows(t, pool, 1)[0]
	crashed := domain.NewOwnerToken()

	ids, err := q.Claim(ctx, crashed, 30*time.Second, 1)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	expireClaim(t, pool, id)

	reaped, err := q.ReapExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, reaped)

	status, _, lockedUntil := rowState(t, pool, id)
	assert.Equal(t, "failed_retryable", status)
	assert.Nil(t, lockedUntil)

	reaped, err = q.ReapExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, reaped)

	// The reaped row is claimable again by a live owner.
	successor := domain.NewOwnerToken()
	ids, err = q.Claim(ctx, successor, 30*time.Second, 1)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{id}, ids)
}
