package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowanlabs/conveyor/internal/domain"
	"github.com/rowanlabs/conveyor/internal/lease"
	"github.com/rowanlabs/conveyor/internal/postgres"
)

// TestLeaseStore_FencingTokensSurviveRelease acquires and releases the same
// resource with alternating owners and verifies the token sequence keeps
// climbing across the full cycle. A release must never reset the counter.
func TestLeaseStore_FencingTokensSurviveRelease(t *testing.T) {
	pool, cleanup := SetupTestPool(t)
	defer cleanup()

	ctx := context.Background()
	store := postgres.NewLeaseStore(pool)

	first := domain.NewOwnerToken()
	second := domain.NewOwnerToken()

	var tokens []int64
	for i, owner := range []domain.OwnerToken{first, second, first} {
		acquired, token, err := store.AcquireLock(ctx, "shipments", owner, 30*time.Second, lease.LockOptions{})
		require.NoError(t, err)
		require.True(t, acquired, "cycle %d: the lock was released, acquisition must succeed", i)
		tokens = append(tokens, token)

		require.NoError(t, store.ReleaseLock(ctx, "shipments", owner))
	}

	require.Len(t, tokens, 3)
	assert.Less(t, tokens[0], tokens[1])
	assert.Less(t, tokens[1], tokens[2])
}

// TestLeaseStore_ReleasedLockYieldsToNextOwner verifies a release makes the
// resource immediately available while a live lock blocks contenders.
func TestLeaseStore_ReleasedLockYieldsToNextOwner(t *testing.T) {
	pool, cleanup := SetupTestPool(t)
	defer cleanup()

	ctx := context.Background()
	store := postgres.NewLeaseStore(pool)

	holder := domain.NewOwnerToken()
	contender := domain.NewOwnerToken()

	acquired, _, err := store.AcquireLock(ctx, "shipments", holder, 30*time.Second, lease.LockOptions{})
	require.NoError(t, err)
	require.True(t, acquired)

	acquired, _, err = store.AcquireLock(ctx, "shipments", contender, 30*time.Second, lease.LockOptions{})
	require.NoError(t, err)
	assert.False(t, acquired, "a live lock must block other owners")

	require.NoError(t, store.ReleaseLock(ctx, "shipments", holder))

	acquired, _, err = store.AcquireLock(ctx, "shipments", contender, 30*time.Second, lease.LockOptions{})
	require.NoError(t, err)
	assert.True(t, acquired, "a released lock must be free to take")
}

// TestSideEffectStore_RejectsRecycledToken plays out a holder losing the lock
// between acquiring it and applying its side effect. The successor's higher
// token raises the high-water mark, so the original token must be rejected.
func TestSideEffectStore_RejectsRecycledToken(t *testing.T) {
	pool, cleanup := SetupTestPool(t)
	defer cleanup()

	ctx := context.Background()
	locks := postgres.NewLeaseStore(pool)
	effects := postgres.NewSideEffectStore(pool)

	holder := domain.NewOwnerToken()
	successor := domain.NewOwnerToken()

	acquired, staleToken, err := locks.AcquireLock(ctx, "shipments", holder, 30*time.Second, lease.LockOptions{})
	require.NoError(t, err)
	require.True(t, acquired)

	// The holder goes quiet and its lease is released; a successor takes over
	// and applies a side effect under its fresher token.
	require.NoError(t, locks.ReleaseLock(ctx, "shipments", holder))

	acquired, freshToken, err := locks.AcquireLock(ctx, "shipments", successor, 30*time.Second, lease.LockOptions{})
	require.NoError(t, err)
	require.True(t, acquired)
	require.Greater(t, freshToken, staleToken)

	require.NoError(t, effects.Check(ctx, "shipments", freshToken))

	// The original holder wakes up and tries to apply its write.
	err = effects.Check(ctx, "shipments", staleToken)
	assert.ErrorIs(t, err, domain.ErrFencingTokenStale)

	// Re-presenting the current token is fine; equal is not stale.
	assert.NoError(t, effects.Check(ctx, "shipments", freshToken))
}
