// Package scheduler maintains cron jobs, one-shot timers and their
// materialized runs.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rowanlabs/conveyor/internal/domain"
	"github.com/rowanlabs/conveyor/internal/lease"
	"github.com/rowanlabs/conveyor/internal/workqueue"
)

// LeaderName is the lock resource contested by scheduler workers.
const LeaderName = "scheduler-leader"

// Store is the persistence surface of the leader.
type Store interface {
	// ServerNow reads the database clock.
	ServerNow(ctx context.Context) (time.Time, error)
	ListEnabledJobs(ctx context.Context) ([]*domain.Job, error)
	SetNextDueTime(ctx context.Context, jobID domain.JobID, next time.Time) error
	// MaterializeRun creates the pending run for one scheduled instant;
	// created=false when the run already exists.
	MaterializeRun(ctx context.Context, jobID domain.JobID, scheduledTime time.Time) (created bool, err error)
	// FireDueTimers emits outbox messages for due timers, up to limit.
	FireDueTimers(ctx context.Context, limit int) (fired int, err error)
}

// Leader runs the singleton scheduling pass: evaluate cron expressions
// against the server clock, materialize due runs and fire due timers.
// Multiple workers may run a Leader; the lock elects one, which keeps its
// lease across passes under background renewal and works each pass on a
// context that dies with the lease.
type Leader struct {
	store Store
	locks lease.LockStore

	leaseDuration time.Duration
	timerLimit    int

	mu   sync.Mutex
	held *lease.Lease
}

// LeaderOption configures a Leader.
type LeaderOption func(*Leader)

// WithLeaderLease sets the leader lease duration (default: 30s).
func WithLeaderLease(d time.Duration) LeaderOption {
	return func(l *Leader) {
		if d > 0 {
			l.leaseDuration = d
		}
	}
}

// WithTimerLimit caps timers fired per pass (default: 100).
func WithTimerLimit(n int) LeaderOption {
	return func(l *Leader) {
		if n > 0 {
			l.timerLimit = n
		}
	}
}

// NewLeader creates a leader candidate.
func NewLeader(store Store, locks lease.LockStore, opts ...LeaderOption) *Leader {
	l := &Leader{
		store:         store,
		locks:         locks,
		leaseDuration: 30 * time.Second,
		timerLimit:    100,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RunOnce performs one scheduling pass if this worker holds or wins the
// leader lease. Suitable as a workqueue.Loop RunFunc.
func (l *Leader) RunOnce(ctx context.Context) (int, error) {
	held, err := l.ensureLease(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to contest leader lease: %w", err)
	}
	if held == nil {
		return 0, nil
	}

	ctx, cancel := held.Context(ctx)
	defer cancel()

	now, err := l.store.ServerNow(ctx)
	if err != nil {
		return 0, passError(held, err)
	}

	materialized, err := l.scheduleJobs(ctx, now)
	if err != nil {
		return materialized, passError(held, err)
	}

	fired, err := l.store.FireDueTimers(ctx, l.timerLimit)
	if err != nil {
		return materialized, passError(held, err)
	}
	return materialized + fired, nil
}

// ensureLease returns the held leader lease, contesting the lock when none
// is held. A lost lease is discarded so the next pass contests again.
func (l *Leader) ensureLease(ctx context.Context) (*lease.Lease, error) {
	l.mu.Lock()
	held := l.held
	l.mu.Unlock()

	if held != nil {
		if held.Err() == nil {
			return held, nil
		}
		held.Close(ctx)
		l.mu.Lock()
		l.held = nil
		l.mu.Unlock()
	}

	acquired, ok, err := lease.TryAcquire(ctx, l.locks, LeaderName, l.leaseDuration)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	l.mu.Lock()
	l.held = acquired
	l.mu.Unlock()
	slog.InfoContext(ctx, "leader lease acquired", "resource", LeaderName)
	return acquired, nil
}

// Close releases the leader lease if held. Called on worker shutdown so a
// successor does not wait out the lease.
func (l *Leader) Close(ctx context.Context) {
	l.mu.Lock()
	held := l.held
	l.held = nil
	l.mu.Unlock()

	if held != nil {
		held.Close(ctx)
	}
}

// passError reports the lease-loss cause when the pass failed because the
// lease died under it; the loop treats that distinctly from store errors.
func passError(held *lease.Lease, err error) error {
	if lostErr := held.Err(); lostErr != nil {
		return lostErr
	}
	return err
}

// scheduleJobs advances next-due times and materializes due runs. Missed
// windows are collapsed: a job that was due several times while no leader
// ran gets exactly one run, at its stored due instant, and its next due time
// jumps to the first cron instant at or after now.
func (l *Leader) scheduleJobs(ctx context.Context, now time.Time) (int, error) {
	jobs, err := l.store.ListEnabledJobs(ctx)
	if err != nil {
		return 0, err
	}

	materialized := 0
	for _, job := range jobs {
		schedule, err := cron.ParseStandard(job.CronSchedule)
		if err != nil {
			slog.WarnContext(ctx, "job has invalid cron expression",
				"job", job.Name, "cron", job.CronSchedule, "error", err)
			continue
		}

		due := job.NextDueTime
		if !due.IsZero() && !due.After(now) {
			created, err := l.store.MaterializeRun(ctx, job.ID, due)
			if err != nil {
				return materialized, err
			}
			if created {
				materialized++
				slog.InfoContext(ctx, "job run materialized",
					"job", job.Name, "scheduled_time", due)
			}
		}

		// Cron evaluation is UTC; Next on an already-future due time is a
		// no-op by construction.
		next := schedule.Next(now.UTC())
		if !next.Equal(due) {
			if err := l.store.SetNextDueTime(ctx, job.ID, next); err != nil {
				return materialized, err
			}
		}
	}
	return materialized, nil
}

// Loop wraps the leader in the standard worker loop.
func (l *Leader) Loop(poll time.Duration) *workqueue.Loop {
	return &workqueue.Loop{
		Name:         "scheduler-leader",
		PollInterval: poll,
		Jitter:       poll / 4,
		Run:          l.RunOnce,
	}
}
