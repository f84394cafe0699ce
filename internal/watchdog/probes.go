package watchdog

import (
	"context"
	"fmt"
	"time"
)

// OverdueJobCounter reports enabled jobs past their due time.
type OverdueJobCounter interface {
	CountOverdueJobs(ctx context.Context, threshold time.Duration) (int64, error)
}

// OverdueJobsProbe alerts when the scheduler is falling behind: enabled jobs
// whose next due time has been in the past longer than the threshold.
type OverdueJobsProbe struct {
	store     OverdueJobCounter
	threshold time.Duration
}

// NewOverdueJobsProbe creates the probe with the given staleness threshold.
func NewOverdueJobsProbe(store OverdueJobCounter, threshold time.Duration) *OverdueJobsProbe {
	return &OverdueJobsProbe{store: store, threshold: threshold}
}

func (p *OverdueJobsProbe) Name() string { return "overdue-jobs" }

// Scan counts overdue jobs; a nonzero count is one warning alert.
func (p *OverdueJobsProbe) Scan(ctx context.Context) ([]Alert, error) {
	count, err := p.store.CountOverdueJobs(ctx, p.threshold)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}
	return []Alert{{
		Probe:    p.Name(),
		Severity: SeverityWarning,
		Message:  fmt.Sprintf("%d enabled jobs overdue for more than %s", count, p.threshold),
		Count:    count,
	}}, nil
}

// StuckCounter reports in-flight rows past a staleness threshold.
type StuckCounter interface {
	CountStuck(ctx context.Context, threshold time.Duration) (int64, error)
}

// StuckInboxProbe alerts when inbox events sit claimed or retryable longer
// than the stuck threshold, which usually means a crashed worker or a
// poisoned handler that keeps failing transiently.
type StuckInboxProbe struct {
	store     StuckCounter
	threshold time.Duration
}

// NewStuckInboxProbe creates the probe with the given stuck threshold.
func NewStuckInboxProbe(store StuckCounter, threshold time.Duration) *StuckInboxProbe {
	return &StuckInboxProbe{store: store, threshold: threshold}
}

func (p *StuckInboxProbe) Name() string { return "stuck-inbox" }

// Scan counts stuck events; a nonzero count is one critical alert.
func (p *StuckInboxProbe) Scan(ctx context.Context) ([]Alert, error) {
	count, err := p.store.CountStuck(ctx, p.threshold)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}
	return []Alert{{
		Probe:    p.Name(),
		Severity: SeverityCritical,
		Message:  fmt.Sprintf("%d inbox events stuck for more than %s", count, p.threshold),
		Count:    count,
	}}, nil
}
