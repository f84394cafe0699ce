// Package health provides the startup latch, startup check runner, health
// check registry with bucketed HTTP endpoints, result caching and the probe
// core shared with the healthprobe binary.
package health

import (
	"context"
	"time"
)

// Status is a check verdict.
type Status string

const (
	StatusHealthy   Status = "Healthy"
	StatusDegraded  Status = "Degraded"
	StatusUnhealthy Status = "Unhealthy"
)

// worse reports whether a is a worse verdict than b.
func (a Status) worse(b Status) bool {
	rank := map[Status]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}
	return rank[a] > rank[b]
}

// Bucket groups checks by endpoint.
type Bucket string

const (
	// BucketLive is process liveness; never gated by startup checks.
	BucketLive Bucket = "live"
	// BucketReady is request readiness; gated by the startup latch.
	BucketReady Bucket = "ready"
	// BucketDep aggregates dependency checks.
	BucketDep Bucket = "dep"
)

// Result is one check outcome.
type Result struct {
	Status      Status
	Description string
	Data        map[string]any
}

// Healthy builds a healthy result.
func Healthy(description string) Result {
	return Result{Status: StatusHealthy, Description: description}
}

// Degraded builds a degraded result.
func Degraded(description string) Result {
	return Result{Status: StatusDegraded, Description: description}
}

// Unhealthy builds an unhealthy result.
func Unhealthy(description string) Result {
	return Result{Status: StatusUnhealthy, Description: description}
}

// CheckFunc evaluates one aspect of system health.
type CheckFunc func(ctx context.Context) Result

// Check is a named check assigned to one or more buckets.
type Check struct {
	Name    string
	Buckets []Bucket
	Run     CheckFunc
}

// CheckResult is one evaluated check inside a report.
type CheckResult struct {
	Name        string         `json:"name"`
	Status      Status         `json:"status"`
	DurationMs  int64          `json:"durationMs"`
	Description string         `json:"description,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// Report is the aggregated outcome for one bucket.
type Report struct {
	Bucket          Bucket        `json:"bucket"`
	Status          Status        `json:"status"`
	TotalDurationMs int64         `json:"totalDurationMs"`
	Checks          []CheckResult `json:"checks"`
}

// durationMs rounds a duration to whole milliseconds for wire output.
func durationMs(d time.Duration) int64 {
	return d.Milliseconds()
}
