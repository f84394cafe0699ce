package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowanlabs/conveyor/internal/domain"
	"github.com/rowanlabs/conveyor/internal/lease"
)

type mockLeaderStore struct {
	serverNowFunc     func(ctx context.Context) (time.Time, error)
	listJobsFunc      func(ctx context.Context) ([]*domain.Job, error)
	setNextDueFunc    func(ctx context.Context, jobID domain.JobID, next time.Time) error
	materializeFunc   func(ctx context.Context, jobID domain.JobID, scheduledTime time.Time) (bool, error)
	fireDueTimersFunc func(ctx context.Context, limit int) (int, error)
}

func (m *mockLeaderStore) ServerNow(ctx context.Context) (time.Time, error) {
	return m.serverNowFunc(ctx)
}

func (m *mockLeaderStore) ListEnabledJobs(ctx context.Context) ([]*domain.Job, error) {
	return m.listJobsFunc(ctx)
}

func (m *mockLeaderStore) SetNextDueTime(ctx context.Context, jobID domain.JobID, next time.Time) error {
	if m.setNextDueFunc == nil {
		return nil
	}
	return m.setNextDueFunc(ctx, jobID, next)
}

func (m *mockLeaderStore) MaterializeRun(ctx context.Context, jobID domain.JobID, scheduledTime time.Time) (bool, error) {
	return m.materializeFunc(ctx, jobID, scheduledTime)
}

func (m *mockLeaderStore) FireDueTimers(ctx context.Context, limit int) (int, error) {
	if m.fireDueTimersFunc == nil {
		return 0, nil
	}
	return m.fireDueTimersFunc(ctx, limit)
}

// mockLockStore grants locks with monotone fencing tokens and counts the
// round trips.
type mockLockStore struct {
	mu       sync.Mutex
	deny     bool
	token    int64
	acquires int
	releases int
}

func (m *mockLockStore) AcquireLock(ctx context.Context, resource string, owner domain.OwnerToken, duration time.Duration, opts lease.LockOptions) (bool, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquires++
	if m.deny {
		return false, 0, nil
	}
	m.token++
	return true, m.token, nil
}

func (m *mockLockStore) RenewLock(ctx context.Context, resource string, owner domain.OwnerToken, duration time.Duration) (bool, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deny {
		return false, 0, nil
	}
	m.token++
	return true, m.token, nil
}

func (m *mockLockStore) ReleaseLock(ctx context.Context, resource string, owner domain.OwnerToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releases++
	return nil
}

func (m *mockLockStore) counts() (acquires, releases int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquires, m.releases
}

func TestLeader_SkipsWhenLeaseNotHeld(t *testing.T) {
	locks := &mockLockStore{deny: true}
	store := &mockLeaderStore{
		serverNowFunc: func(ctx context.Context) (time.Time, error) {
			t.Fatal("a non-leader must not touch the store")
			return time.Time{}, nil
		},
	}

	l := NewLeader(store, locks)
	defer l.Close(context.Background())

	processed, err := l.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, processed)
}

func TestLeader_MaterializesDueRunAtStoredInstant(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 30, 0, time.UTC)
	due := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	job := &domain.Job{
		ID:           domain.NewJobID(),
		Name:         "nightly-report",
		CronSchedule: "* * * * *",
		NextDueTime:  due,
	}

	var materializedAt time.Time
	var nextDue time.Time
	store := &mockLeaderStore{
		serverNowFunc: func(ctx context.Context) (time.Time, error) { return now, nil },
		listJobsFunc:  func(ctx context.Context) ([]*domain.Job, error) { return []*domain.Job{job}, nil },
		materializeFunc: func(ctx context.Context, jobID domain.JobID, scheduledTime time.Time) (bool, error) {
			materializedAt = scheduledTime
			return true, nil
		},
		setNextDueFunc: func(ctx context.Context, jobID domain.JobID, next time.Time) error {
			nextDue = next
			return nil
		},
	}

	l := NewLeader(store, &mockLockStore{})
	defer l.Close(context.Background())

	processed, err := l.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, processed)
	// The run carries the stored due instant, not the evaluation time.
	assert.Equal(t, due, materializedAt)
	assert.Equal(t, time.Date(2026, 2, 1, 12, 1, 0, 0, time.UTC), nextDue)
}

func TestLeader_CollapsesMissedWindows(t *testing.T) {
	// The leader was down for an hour; an every-minute job gets exactly one
	// run and its next due time jumps past the gap.
	now := time.Date(2026, 2, 1, 13, 0, 30, 0, time.UTC)
	due := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	job := &domain.Job{
		ID:           domain.NewJobID(),
		Name:         "every-minute",
		CronSchedule: "* * * * *",
		NextDueTime:  due,
	}

	materialized := 0
	var nextDue time.Time
	store := &mockLeaderStore{
		serverNowFunc: func(ctx context.Context) (time.Time, error) { return now, nil },
		listJobsFunc:  func(ctx context.Context) ([]*domain.Job, error) { return []*domain.Job{job}, nil },
		materializeFunc: func(ctx context.Context, jobID domain.JobID, scheduledTime time.Time) (bool, error) {
			materialized++
			return true, nil
		},
		setNextDueFunc: func(ctx context.Context, jobID domain.JobID, next time.Time) error {
			nextDue = next
			return nil
		},
	}

	l := NewLeader(store, &mockLockStore{})
	defer l.Close(context.Background())

	_, err := l.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, materialized)
	assert.Equal(t, time.Date(2026, 2, 1, 13, 1, 0, 0, time.UTC), nextDue)
}

func TestLeader_DuplicateRunNotCounted(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 30, 0, time.UTC)
	job := &domain.Job{
		ID:           domain.NewJobID(),
		Name:         "nightly-report",
		CronSchedule: "* * * * *",
		NextDueTime:  now.Add(-30 * time.Second),
	}

	store := &mockLeaderStore{
		serverNowFunc: func(ctx context.Context) (time.Time, error) { return now, nil },
		listJobsFunc:  func(ctx context.Context) ([]*domain.Job, error) { return []*domain.Job{job}, nil },
		materializeFunc: func(ctx context.Context, jobID domain.JobID, scheduledTime time.Time) (bool, error) {
			return false, nil // another leader got there first
		},
	}

	l := NewLeader(store, &mockLockStore{})
	defer l.Close(context.Background())

	processed, err := l.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, processed)
}

func TestLeader_InvalidCronSkipped(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	bad := &domain.Job{
		ID:           domain.NewJobID(),
		Name:         "broken",
		CronSchedule: "not a cron",
		NextDueTime:  now.Add(-time.Minute),
	}
	good := &domain.Job{
		ID:           domain.NewJobID(),
		Name:         "fine",
		CronSchedule: "* * * * *",
		NextDueTime:  now.Add(-time.Minute),
	}

	var materializedJobs []domain.JobID
	store := &mockLeaderStore{
		serverNowFunc: func(ctx context.Context) (time.Time, error) { return now, nil },
		listJobsFunc:  func(ctx context.Context) ([]*domain.Job, error) { return []*domain.Job{bad, good}, nil },
		materializeFunc: func(ctx context.Context, jobID domain.JobID, scheduledTime time.Time) (bool, error) {
			materializedJobs = append(materializedJobs, jobID)
			return true, nil
		},
	}

	l := NewLeader(store, &mockLockStore{})
	defer l.Close(context.Background())

	_, err := l.RunOnce(context.Background())
	require.NoError(t, err)

	// The broken job never reaches materialization; the valid one still runs.
	assert.Equal(t, []domain.JobID{good.ID}, materializedJobs)
}

func TestLeader_FiresDueTimers(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	store := &mockLeaderStore{
		serverNowFunc: func(ctx context.Context) (time.Time, error) { return now, nil },
		listJobsFunc:  func(ctx context.Context) ([]*domain.Job, error) { return nil, nil },
		fireDueTimersFunc: func(ctx context.Context, limit int) (int, error) {
			assert.Equal(t, 100, limit)
			return 3, nil
		},
	}

	l := NewLeader(store, &mockLockStore{})
	defer l.Close(context.Background())

	processed, err := l.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, processed)
}

func TestLeader_KeepsLeaseAcrossPasses(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	locks := &mockLockStore{}
	store := &mockLeaderStore{
		serverNowFunc: func(ctx context.Context) (time.Time, error) { return now, nil },
		listJobsFunc:  func(ctx context.Context) ([]*domain.Job, error) { return nil, nil },
	}

	l := NewLeader(store, locks)
	defer l.Close(context.Background())

	_, err := l.RunOnce(context.Background())
	require.NoError(t, err)
	_, err = l.RunOnce(context.Background())
	require.NoError(t, err)

	// The lease survives between passes; passes never re-contest the lock.
	acquires, _ := locks.counts()
	assert.Equal(t, 1, acquires)
}

func TestLeader_CloseReleasesLease(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	locks := &mockLockStore{}
	store := &mockLeaderStore{
		serverNowFunc: func(ctx context.Context) (time.Time, error) { return now, nil },
		listJobsFunc:  func(ctx context.Context) ([]*domain.Job, error) { return nil, nil },
	}

	l := NewLeader(store, locks)
	_, err := l.RunOnce(context.Background())
	require.NoError(t, err)

	l.Close(context.Background())
	_, releases := locks.counts()
	assert.Equal(t, 1, releases)

	// Idempotent.
	l.Close(context.Background())
	_, releases = locks.counts()
	assert.Equal(t, 1, releases)
}
