package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/rowanlabs/conveyor/internal/domain"
	"github.com/rowanlabs/conveyor/internal/idempotency"
	"github.com/rowanlabs/conveyor/internal/workqueue"
)

// EventHandler processes one accepted event.
type EventHandler func(ctx context.Context, record *domain.WebhookEventRecord, msg *domain.InboxMessage) error

// EventStore loads full events for claimed row ids.
type EventStore interface {
	GetBatch(ctx context.Context, ids []uuid.UUID) ([]*domain.InboxMessage, error)
}

// Processor is the background half of the inbox: it claims pending events,
// routes them to the handlers for their event type and runs each handler
// under the exactly-once executor keyed by the event's dedupe key.
type Processor struct {
	engine   workqueue.Store
	store    EventStore
	executor *idempotency.Executor
	handlers map[string][]EventHandler

	owner     domain.OwnerToken
	leaseFor  time.Duration
	batchSize int
	backoff   workqueue.BackoffPolicy
	metrics   workqueue.Recorder
}

const queueName = "inbox"

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithLeaseDuration sets how long a claim holds rows (default: 30s).
func WithLeaseDuration(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.leaseFor = d
		}
	}
}

// WithBatchSize sets how many rows one cycle claims (default: 20).
func WithBatchSize(n int) ProcessorOption {
	return func(p *Processor) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

// WithBackoffPolicy replaces the default retry policy.
func WithBackoffPolicy(pol workqueue.BackoffPolicy) ProcessorOption {
	return func(p *Processor) { p.backoff = pol }
}

// WithMetrics enables lifecycle instrumentation.
func WithMetrics(m workqueue.Recorder) ProcessorOption {
	return func(p *Processor) { p.metrics = m }
}

// NewProcessor creates a processor with a fresh owner token.
func NewProcessor(engine workqueue.Store, store EventStore, executor *idempotency.Executor, opts ...ProcessorOption) *Processor {
	p := &Processor{
		engine:    engine,
		store:     store,
		executor:  executor,
		handlers:  make(map[string][]EventHandler),
		owner:     domain.NewOwnerToken(),
		leaseFor:  30 * time.Second,
		batchSize: 20,
		backoff:   workqueue.DefaultBackoffPolicy(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register binds a handler to an event type. An event type may carry several
// handlers; they run in registration order, each deduplicated independently,
// so a handler added later reprocesses history without disturbing the rest.
func (p *Processor) Register(eventType string, h EventHandler) error {
	if eventType == "" || h == nil {
		return fmt.Errorf("%w: event type and handler are required", domain.ErrInvalidInput)
	}
	p.handlers[eventType] = append(p.handlers[eventType], h)
	return nil
}

// RunOnce performs one claim-process-settle cycle and reports how many
// events reached a decision. Suitable as a workqueue.Loop RunFunc.
func (p *Processor) RunOnce(ctx context.Context) (int, error) {
	claimedAt := time.Now()
	ids, err := p.engine.Claim(ctx, p.owner, p.leaseFor, p.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to claim inbox batch: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	deadline := workqueue.HandlerDeadline(claimedAt, p.leaseFor)
	if p.metrics != nil {
		p.metrics.RecordClaimed(ctx, queueName, len(ids))
	}

	msgs, err := p.store.GetBatch(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to load inbox batch: %w", err)
	}

	var acked []uuid.UUID
	for _, msg := range msgs {
		if ctx.Err() != nil {
			break
		}
		if p.processOne(ctx, msg, deadline) {
			acked = append(acked, msg.ID.UUID())
		}
	}

	if len(acked) > 0 {
		if err := p.engine.Ack(ctx, p.owner, acked); err != nil {
			return 0, fmt.Errorf("failed to ack inbox batch: %w", err)
		}
		if p.metrics != nil {
			p.metrics.RecordAcked(ctx, queueName, len(acked))
		}
	}
	return len(msgs), nil
}

// processOne decides one event; reports true when the row should be acked.
// Every handler for the event type runs in turn under its own executor key,
// so a retry skips handlers that already completed and resumes at the first
// one still owed an execution.
func (p *Processor) processOne(ctx context.Context, msg *domain.InboxMessage, deadline time.Time) bool {
	var record domain.WebhookEventRecord
	if err := json.Unmarshal(msg.Payload, &record); err != nil {
		p.poison(ctx, msg, fmt.Errorf("undecodable payload: %w", err))
		return false
	}

	handlers, ok := p.handlers[msg.EventType]
	if !ok {
		p.poison(ctx, msg, fmt.Errorf("no handler registered for event type %q", msg.EventType))
		return false
	}

	// Handlers run under the claim lease; settle statements use the outer
	// ctx so an overrun is still recorded as a failure.
	hctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	start := time.Now()
	defer func() {
		if p.metrics != nil {
			p.metrics.RecordDispatch(ctx, msg.EventType, time.Since(start))
		}
	}()

	for i, handler := range handlers {
		verdict, err := p.executor.Execute(hctx, p.executionKey(msg, i, len(handlers)), func(ctx context.Context) error {
			return p.invoke(ctx, handler, &record, msg)
		})

		switch verdict {
		case idempotency.VerdictCompleted:
		case idempotency.VerdictSuppressed:
			slog.InfoContext(ctx, "inbox event suppressed by prior execution",
				"source", msg.Source, "dedupe_key", msg.DedupeID, "handler", i)
		case idempotency.VerdictFailedPermanent:
			p.poison(ctx, msg, err)
			return false
		default:
			p.reschedule(ctx, msg, err)
			return false
		}
	}
	return true
}

// executionKey is the executor key for one handler of one event. The single
// handler case keeps the bare dedupe key, which is also the key historical
// executions were recorded under.
func (p *Processor) executionKey(msg *domain.InboxMessage, index, total int) string {
	if total == 1 {
		return msg.DedupeID
	}
	return fmt.Sprintf("%s#%d", msg.DedupeID, index)
}

// invoke runs the handler with panic containment; a recovered panic counts
// as a transient failure.
func (p *Processor) invoke(ctx context.Context, handler EventHandler, record *domain.WebhookEventRecord, msg *domain.InboxMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = domain.PanicError{Value: r, StackTrace: string(debug.Stack())}
		}
	}()
	return handler(ctx, record, msg)
}

func (p *Processor) reschedule(ctx context.Context, msg *domain.InboxMessage, cause error) {
	attempt := msg.RetryCount + 1
	if p.backoff.Exhausted(attempt) {
		p.poison(ctx, msg, fmt.Errorf("retries exhausted: %w", cause))
		return
	}

	delay, ok := domain.RetryDelay(cause)
	if !ok {
		delay = p.backoff.Delay(attempt)
	}

	slog.WarnContext(ctx, "inbox event rescheduled",
		"source", msg.Source, "dedupe_key", msg.DedupeID, "event_type", msg.EventType,
		"attempt", attempt, "delay", delay, "error", cause)

	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}
	if err := p.engine.Reschedule(ctx, p.owner, msg.ID.UUID(), delay, lastError); err != nil {
		slog.WarnContext(ctx, "failed to reschedule inbox event",
			"dedupe_key", msg.DedupeID, "error", err)
	}
	if p.metrics != nil {
		p.metrics.RecordRescheduled(ctx, queueName, 1)
	}
}

func (p *Processor) poison(ctx context.Context, msg *domain.InboxMessage, cause error) {
	slog.ErrorContext(ctx, "inbox event poisoned",
		"source", msg.Source, "dedupe_key", msg.DedupeID, "event_type", msg.EventType,
		"error", cause)

	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}
	if err := p.engine.Fail(ctx, p.owner, []uuid.UUID{msg.ID.UUID()}, lastError); err != nil {
		slog.WarnContext(ctx, "failed to poison inbox event",
			"dedupe_key", msg.DedupeID, "error", err)
	}
	if p.metrics != nil {
		p.metrics.RecordPoisoned(ctx, queueName, 1)
	}
}

// Loop wraps the processor in the standard worker loop.
func (p *Processor) Loop(poll time.Duration) *workqueue.Loop {
	return &workqueue.Loop{
		Name:         "inbox-processor",
		PollInterval: poll,
		Jitter:       poll / 4,
		Run:          p.RunOnce,
	}
}
