package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowanlabs/conveyor/internal/domain"
)

type mockStore struct {
	tryBeginFunc func(ctx context.Context, key string) (bool, error)
	completeFunc func(ctx context.Context, key string) error
	failFunc     func(ctx context.Context, key string) error
}

func (m *mockStore) TryBegin(ctx context.Context, key string) (bool, error) {
	return m.tryBeginFunc(ctx, key)
}

func (m *mockStore) Complete(ctx context.Context, key string) error {
	if m.completeFunc == nil {
		return nil
	}
	return m.completeFunc(ctx, key)
}

func (m *mockStore) Fail(ctx context.Context, key string) error {
	if m.failFunc == nil {
		return nil
	}
	return m.failFunc(ctx, key)
}

func TestExecutor_SameKeyRunsOnce(t *testing.T) {
	e := NewExecutor(NewMemoryStore())

	effects := 0
	op := func(ctx context.Context) error {
		effects++
		return nil
	}

	verdict, err := e.Execute(context.Background(), "msg-1", op)
	require.NoError(t, err)
	assert.Equal(t, VerdictCompleted, verdict)

	verdict, err = e.Execute(context.Background(), "msg-1", op)
	require.NoError(t, err)
	assert.Equal(t, VerdictSuppressed, verdict)

	assert.Equal(t, 1, effects)
}

func TestExecutor_FailedKeyRetries(t *testing.T) {
	e := NewExecutor(NewMemoryStore())

	attempts := 0
	transient := errors.New("timeout")
	op := func(ctx context.Context) error {
		attempts++
		if attempts == 1 {
			return transient
		}
		return nil
	}

	verdict, err := e.Execute(context.Background(), "msg-1", op)
	assert.Equal(t, VerdictRetry, verdict)
	assert.ErrorIs(t, err, transient)

	verdict, err = e.Execute(context.Background(), "msg-1", op)
	require.NoError(t, err)
	assert.Equal(t, VerdictCompleted, verdict)
	assert.Equal(t, 2, attempts)
}

func TestExecutor_PermanentFailureClosesKey(t *testing.T) {
	e := NewExecutor(NewMemoryStore())

	permanent := domain.Permanent(errors.New("bad request"))
	verdict, err := e.Execute(context.Background(), "msg-1", func(ctx context.Context) error {
		return permanent
	})
	assert.Equal(t, VerdictFailedPermanent, verdict)
	assert.ErrorIs(t, err, permanent)

	// The key is closed; no retry runs the operation again.
	ran := false
	verdict, err = e.Execute(context.Background(), "msg-1", func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, VerdictSuppressed, verdict)
	assert.False(t, ran)
}

func TestExecutor_ProbeConfirmsOnSuppression(t *testing.T) {
	store := &mockStore{
		tryBeginFunc: func(ctx context.Context, key string) (bool, error) { return false, nil },
	}
	e := NewExecutor(store, WithProbe(func(ctx context.Context, key string) (bool, error) {
		return true, nil
	}))

	verdict, err := e.Execute(context.Background(), "msg-1", func(ctx context.Context) error {
		t.Fatal("suppressed operation must not run")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, VerdictCompleted, verdict)
}

func TestExecutor_ProbeConfirmsOnTransientFailure(t *testing.T) {
	completed := false
	store := &mockStore{
		tryBeginFunc: func(ctx context.Context, key string) (bool, error) { return true, nil },
		completeFunc: func(ctx context.Context, key string) error {
			completed = true
			return nil
		},
		failFunc: func(ctx context.Context, key string) error {
			t.Fatal("a probe-confirmed effect must not release the key")
			return nil
		},
	}
	e := NewExecutor(store, WithProbe(func(ctx context.Context, key string) (bool, error) {
		return true, nil
	}))

	// The call timed out but the side effect landed; the probe settles it.
	verdict, err := e.Execute(context.Background(), "msg-1", func(ctx context.Context) error {
		return errors.New("deadline exceeded")
	})
	require.NoError(t, err)
	assert.Equal(t, VerdictCompleted, verdict)
	assert.True(t, completed)
}

func TestExecutor_StoreErrorIsRetry(t *testing.T) {
	store := &mockStore{
		tryBeginFunc: func(ctx context.Context, key string) (bool, error) {
			return false, errors.New("connection refused")
		},
	}
	e := NewExecutor(store)

	verdict, err := e.Execute(context.Background(), "msg-1", func(ctx context.Context) error { return nil })
	assert.Equal(t, VerdictRetry, verdict)
	assert.Error(t, err)
}

func TestMemoryStore_GC(t *testing.T) {
	store := NewMemoryStore()

	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	now := base
	store.now = func() time.Time { return now }

	ctx := context.Background()
	_, err := store.TryBegin(ctx, "old")
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, "old"))

	_, err = store.TryBegin(ctx, "failed")
	require.NoError(t, err)
	require.NoError(t, store.Fail(ctx, "failed"))

	now = base.Add(48 * time.Hour)
	_, err = store.TryBegin(ctx, "fresh")
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, "fresh"))

	removed, err := store.GC(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	// Only terminal completed keys age out; failed keys stay retryable and
	// fresh completions still suppress.
	began, err := store.TryBegin(ctx, "fresh")
	require.NoError(t, err)
	assert.False(t, began)

	began, err = store.TryBegin(ctx, "failed")
	require.NoError(t, err)
	assert.True(t, began)

	began, err = store.TryBegin(ctx, "old")
	require.NoError(t, err)
	assert.True(t, began, "collected key behaves as never seen")
}
