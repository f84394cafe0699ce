package workqueue

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/rowanlabs/conveyor/internal/domain"
)

// RunFunc performs one claim-process-settle cycle and reports how many items
// it processed. A zero count puts the loop to sleep until the next poll.
type RunFunc func(ctx context.Context) (processed int, err error)

// Loop is the cooperative worker loop shared by every polling component:
// claim, process, settle, sleep. Cancellation propagates through ctx; the
// caller links it to host shutdown and to the lease-loss signal of any lease
// the worker holds.
type Loop struct {
	Name         string
	PollInterval time.Duration // sleep after an idle cycle (default: 1s)
	Jitter       time.Duration // random extra sleep, de-synchronizes peers
	ErrorBackoff time.Duration // sleep after a failed cycle (default: 5s)
	Run          RunFunc
}

// Start runs the loop until ctx is cancelled. Errors from a cycle never
// terminate the loop: transient infrastructure errors are logged at warning
// and the loop continues after ErrorBackoff. A lease-lost error aborts the
// cycle; the caller's ctx wiring decides whether the loop stops.
func (l *Loop) Start(ctx context.Context) error {
	poll := l.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	errBackoff := l.ErrorBackoff
	if errBackoff <= 0 {
		errBackoff = 5 * time.Second
	}

	slog.InfoContext(ctx, "worker loop started", "loop", l.Name, "poll_interval", poll)

	for {
		if ctx.Err() != nil {
			slog.InfoContext(ctx, "worker loop stopped", "loop", l.Name)
			return nil
		}

		processed, err := l.Run(ctx)
		switch {
		case err == nil && processed > 0:
			// Work remains likely; claim again immediately.
			continue
		case err == nil:
			if !sleep(ctx, poll+l.jitter()) {
				slog.InfoContext(ctx, "worker loop stopped", "loop", l.Name)
				return nil
			}
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			// Shutdown in progress; loop exits on the next ctx check.
		case errors.Is(err, domain.ErrLeaseLost):
			slog.WarnContext(ctx, "worker loop lost its lease", "loop", l.Name)
			if !sleep(ctx, errBackoff) {
				return nil
			}
		default:
			slog.WarnContext(ctx, "worker loop cycle failed", "loop", l.Name, "error", err)
			if !sleep(ctx, errBackoff+l.jitter()) {
				slog.InfoContext(ctx, "worker loop stopped", "loop", l.Name)
				return nil
			}
		}
	}
}

func (l *Loop) jitter() time.Duration {
	if l.Jitter <= 0 {
		return 0
	}
	return rand.N(l.Jitter)
}

// settleMargin is the slice of the claim lease reserved for the settle
// statement after a handler returns.
const settleMargin = 2 * time.Second

// HandlerDeadline is the latest instant a handler claimed at claimedAt for
// leaseFor may still run. The handler must return before the lock expires,
// with enough margin left to settle the row; otherwise the reaper hands the
// row to a second worker while the first is still executing.
func HandlerDeadline(claimedAt time.Time, leaseFor time.Duration) time.Time {
	margin := settleMargin
	if leaseFor <= 2*margin {
		margin = leaseFor / 4
	}
	return claimedAt.Add(leaseFor - margin)
}

// sleep waits for d or until ctx is cancelled; reports false on cancellation.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
