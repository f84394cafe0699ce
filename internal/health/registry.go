package health

import (
	"context"
	"fmt"
	"time"

	"github.com/rowanlabs/conveyor/internal/domain"
)

// Registry holds named checks grouped into buckets and evaluates them on
// demand.
type Registry struct {
	checks []Check
	names  map[string]struct{}
	latch  *StartupLatch
}

// NewRegistry creates a registry. When a latch is supplied, the ready
// bucket is gated by it: an incomplete startup makes ready unhealthy before
// any other check runs.
func NewRegistry(latch *StartupLatch) *Registry {
	return &Registry{names: make(map[string]struct{}), latch: latch}
}

// Add registers a check. Duplicate names are rejected.
func (r *Registry) Add(check Check) error {
	if check.Name == "" || check.Run == nil || len(check.Buckets) == 0 {
		return fmt.Errorf("%w: check name, func and at least one bucket are required", domain.ErrInvalidInput)
	}
	if _, dup := r.names[check.Name]; dup {
		return fmt.Errorf("%w: duplicate health check %q", domain.ErrInvalidInput, check.Name)
	}
	r.names[check.Name] = struct{}{}
	r.checks = append(r.checks, check)
	return nil
}

// Evaluate runs every check in the bucket and aggregates: any unhealthy
// makes the report unhealthy, otherwise any degraded makes it degraded.
func (r *Registry) Evaluate(ctx context.Context, bucket Bucket) Report {
	start := time.Now()
	report := Report{Bucket: bucket, Status: StatusHealthy, Checks: []CheckResult{}}

	if bucket == BucketReady && r.latch != nil {
		result := r.latch.Check(ctx)
		report.Checks = append(report.Checks, CheckResult{
			Name:        "startup",
			Status:      result.Status,
			Description: result.Description,
		})
		if result.Status.worse(report.Status) {
			report.Status = result.Status
		}
	}

	for _, check := range r.checks {
		if !inBucket(check, bucket) {
			continue
		}

		checkStart := time.Now()
		result := check.Run(ctx)
		report.Checks = append(report.Checks, CheckResult{
			Name:        check.Name,
			Status:      result.Status,
			DurationMs:  durationMs(time.Since(checkStart)),
			Description: result.Description,
			Data:        result.Data,
		})
		if result.Status.worse(report.Status) {
			report.Status = result.Status
		}
	}

	report.TotalDurationMs = durationMs(time.Since(start))
	return report
}

func inBucket(check Check, bucket Bucket) bool {
	for _, b := range check.Buckets {
		if b == bucket {
			return true
		}
	}
	return false
}
