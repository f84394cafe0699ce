package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the platform-level instruments. One instance is shared by
// every worker in a process.
type Metrics struct {
	claimed         metric.Int64Counter
	acked           metric.Int64Counter
	rescheduled     metric.Int64Counter
	poisoned        metric.Int64Counter
	reaped          metric.Int64Counter
	dispatchSeconds metric.Float64Histogram
}

// NewMetrics registers the instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("conveyor")

	m := &Metrics{}
	var err error

	if m.claimed, err = meter.Int64Counter("conveyor.workitems.claimed",
		metric.WithDescription("Work items claimed from queue tables")); err != nil {
		return nil, fmt.Errorf("failed to create claimed counter: %w", err)
	}
	if m.acked, err = meter.Int64Counter("conveyor.workitems.acked",
		metric.WithDescription("Work items completed")); err != nil {
		return nil, fmt.Errorf("failed to create acked counter: %w", err)
	}
	if m.rescheduled, err = meter.Int64Counter("conveyor.workitems.rescheduled",
		metric.WithDescription("Work items returned to the retryable pool")); err != nil {
		return nil, fmt.Errorf("failed to create rescheduled counter: %w", err)
	}
	if m.poisoned, err = meter.Int64Counter("conveyor.workitems.poisoned",
		metric.WithDescription("Work items moved to the poisoned terminal state")); err != nil {
		return nil, fmt.Errorf("failed to create poisoned counter: %w", err)
	}
	if m.reaped, err = meter.Int64Counter("conveyor.workitems.reaped",
		metric.WithDescription("Expired claims returned to the pool by the reaper")); err != nil {
		return nil, fmt.Errorf("failed to create reaped counter: %w", err)
	}
	if m.dispatchSeconds, err = meter.Float64Histogram("conveyor.dispatch.duration",
		metric.WithDescription("Handler execution duration"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("failed to create dispatch histogram: %w", err)
	}

	return m, nil
}

func queueAttr(queue string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("queue", queue))
}

// RecordClaimed counts claimed work items for one queue.
func (m *Metrics) RecordClaimed(ctx context.Context, queue string, n int) {
	m.claimed.Add(ctx, int64(n), queueAttr(queue))
}

// RecordAcked counts completed work items for one queue.
func (m *Metrics) RecordAcked(ctx context.Context, queue string, n int) {
	m.acked.Add(ctx, int64(n), queueAttr(queue))
}

// RecordRescheduled counts retries for one queue.
func (m *Metrics) RecordRescheduled(ctx context.Context, queue string, n int) {
	m.rescheduled.Add(ctx, int64(n), queueAttr(queue))
}

// RecordPoisoned counts poisoned work items for one queue.
func (m *Metrics) RecordPoisoned(ctx context.Context, queue string, n int) {
	m.poisoned.Add(ctx, int64(n), queueAttr(queue))
}

// RecordReaped counts reaped claims for one queue.
func (m *Metrics) RecordReaped(ctx context.Context, queue string, n int64) {
	m.reaped.Add(ctx, n, queueAttr(queue))
}

// RecordDispatch records one handler execution for a topic.
func (m *Metrics) RecordDispatch(ctx context.Context, topic string, d time.Duration) {
	m.dispatchSeconds.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("topic", topic)))
}
