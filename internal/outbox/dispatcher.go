package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/rowanlabs/conveyor/internal/domain"
	"github.com/rowanlabs/conveyor/internal/workqueue"
)

// Handler processes one message for a topic. A nil return acks the message;
// an error wrapped with domain.Permanent poisons it; any other error
// reschedules it with backoff.
type Handler func(ctx context.Context, msg *domain.OutboxMessage) error

// MessageStore loads full messages for claimed row ids.
type MessageStore interface {
	GetBatch(ctx context.Context, ids []uuid.UUID) ([]*domain.OutboxMessage, error)
}

// JoinReporter records step outcomes for messages that belong to a join.
type JoinReporter interface {
	ReportStep(ctx context.Context, joinID domain.JoinID, messageID domain.MessageID, failed bool) (*domain.OutboxJoin, error)
}

// Dispatcher claims pending messages and routes them to the handler
// registered for their topic.
type Dispatcher struct {
	engine   workqueue.Store
	store    MessageStore
	joins    JoinReporter
	handlers map[string]Handler

	owner     domain.OwnerToken
	leaseFor  time.Duration
	batchSize int
	backoff   workqueue.BackoffPolicy
	metrics   workqueue.Recorder
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLeaseDuration sets how long a claim holds rows (default: 30s).
func WithLeaseDuration(d time.Duration) DispatcherOption {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.leaseFor = d
		}
	}
}

// WithBatchSize sets how many rows one cycle claims (default: 20).
func WithBatchSize(n int) DispatcherOption {
	return func(dp *Dispatcher) {
		if n > 0 {
			dp.batchSize = n
		}
	}
}

// WithBackoffPolicy replaces the default retry policy.
func WithBackoffPolicy(p workqueue.BackoffPolicy) DispatcherOption {
	return func(dp *Dispatcher) { dp.backoff = p }
}

// WithJoinReporter enables join step reporting for messages carrying a
// join id.
func WithJoinReporter(r JoinReporter) DispatcherOption {
	return func(dp *Dispatcher) { dp.joins = r }
}

// WithMetrics enables lifecycle instrumentation.
func WithMetrics(m workqueue.Recorder) DispatcherOption {
	return func(dp *Dispatcher) { dp.metrics = m }
}

// NewDispatcher creates a dispatcher with a fresh owner token.
func NewDispatcher(engine workqueue.Store, store MessageStore, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		engine:    engine,
		store:     store,
		handlers:  make(map[string]Handler),
		owner:     domain.NewOwnerToken(),
		leaseFor:  30 * time.Second,
		batchSize: 20,
		backoff:   workqueue.DefaultBackoffPolicy(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register binds a handler to a topic. Duplicate registration is an error.
func (d *Dispatcher) Register(topic string, h Handler) error {
	if topic == "" || h == nil {
		return fmt.Errorf("%w: topic and handler are required", domain.ErrInvalidInput)
	}
	if _, exists := d.handlers[topic]; exists {
		return fmt.Errorf("%w: handler already registered for topic %q", domain.ErrInvalidInput, topic)
	}
	d.handlers[topic] = h
	return nil
}

// RunOnce performs one claim-process-settle cycle and reports how many
// messages reached a decision. Suitable as a workqueue.Loop RunFunc.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	claimedAt := time.Now()
	ids, err := d.engine.Claim(ctx, d.owner, d.leaseFor, d.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to claim outbox batch: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	deadline := workqueue.HandlerDeadline(claimedAt, d.leaseFor)
	if d.metrics != nil {
		d.metrics.RecordClaimed(ctx, queueName, len(ids))
	}

	msgs, err := d.store.GetBatch(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to load outbox batch: %w", err)
	}

	var acked []uuid.UUID
	for _, msg := range msgs {
		if ctx.Err() != nil {
			// Shutdown or lease loss: stop deciding, never ack what was
			// not completed. The reaper returns the rest to the pool.
			break
		}

		switch d.dispatchOne(ctx, msg, deadline) {
		case decisionAck:
			acked = append(acked, msg.ID.UUID())
		}
	}

	if len(acked) > 0 {
		if err := d.engine.Ack(ctx, d.owner, acked); err != nil {
			return 0, fmt.Errorf("failed to ack outbox batch: %w", err)
		}
		if d.metrics != nil {
			d.metrics.RecordAcked(ctx, queueName, len(acked))
		}
	}
	return len(msgs), nil
}

const queueName = "outbox"

type decision int

const (
	decisionAck decision = iota
	decisionRescheduled
	decisionPoisoned
)

func (d *Dispatcher) dispatchOne(ctx context.Context, msg *domain.OutboxMessage, deadline time.Time) decision {
	handler, ok := d.handlers[msg.Topic]
	if !ok {
		err := fmt.Errorf("no handler registered for topic %q", msg.Topic)
		return d.settleFailure(ctx, msg, domain.Permanent(err))
	}

	// The handler runs under the claim lease; settle statements use the
	// outer ctx so an overrun is still recorded as a failure.
	hctx, cancel := context.WithDeadline(ctx, deadline)
	start := time.Now()
	err := d.invoke(hctx, handler, msg)
	cancel()
	if d.metrics != nil {
		d.metrics.RecordDispatch(ctx, msg.Topic, time.Since(start))
	}
	if err == nil {
		d.reportStep(ctx, msg, false)
		return decisionAck
	}
	return d.settleFailure(ctx, msg, err)
}

// invoke runs the handler with panic containment. A recovered panic counts
// as a transient failure; the backoff policy still bounds total attempts.
func (d *Dispatcher) invoke(ctx context.Context, handler Handler, msg *domain.OutboxMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = domain.PanicError{Value: r, StackTrace: string(debug.Stack())}
		}
	}()
	return handler(ctx, msg)
}

func (d *Dispatcher) settleFailure(ctx context.Context, msg *domain.OutboxMessage, handlerErr error) decision {
	attempt := msg.RetryCount + 1

	if domain.IsPermanent(handlerErr) {
		d.poison(ctx, msg, handlerErr)
		return decisionPoisoned
	}

	if d.backoff.Exhausted(attempt) {
		d.poison(ctx, msg, fmt.Errorf("retries exhausted: %w", handlerErr))
		return decisionPoisoned
	}

	delay, ok := domain.RetryDelay(handlerErr)
	if !ok {
		delay = d.backoff.Delay(attempt)
	}

	slog.WarnContext(ctx, "outbox message rescheduled",
		"message_id", msg.MessageID, "topic", msg.Topic, "attempt", attempt,
		"delay", delay, "error", handlerErr)

	if err := d.engine.Reschedule(ctx, d.owner, msg.ID.UUID(), delay, handlerErr.Error()); err != nil {
		slog.WarnContext(ctx, "failed to reschedule outbox message",
			"message_id", msg.MessageID, "error", err)
	}
	if d.metrics != nil {
		d.metrics.RecordRescheduled(ctx, queueName, 1)
	}
	return decisionRescheduled
}

func (d *Dispatcher) poison(ctx context.Context, msg *domain.OutboxMessage, cause error) {
	slog.ErrorContext(ctx, "outbox message poisoned",
		"message_id", msg.MessageID, "topic", msg.Topic, "error", cause)

	if err := d.engine.Fail(ctx, d.owner, []uuid.UUID{msg.ID.UUID()}, cause.Error()); err != nil {
		slog.WarnContext(ctx, "failed to poison outbox message",
			"message_id", msg.MessageID, "error", err)
	}
	if d.metrics != nil {
		d.metrics.RecordPoisoned(ctx, queueName, 1)
	}
	d.reportStep(ctx, msg, true)
}

func (d *Dispatcher) reportStep(ctx context.Context, msg *domain.OutboxMessage, failed bool) {
	if d.joins == nil || msg.JoinID.IsZero() {
		return
	}
	if _, err := d.joins.ReportStep(ctx, msg.JoinID, msg.ID, failed); err != nil {
		slog.WarnContext(ctx, "failed to report join step",
			"join_id", msg.JoinID, "message_id", msg.MessageID, "error", err)
	}
}

// Loop wraps the dispatcher in the standard worker loop.
func (d *Dispatcher) Loop(poll time.Duration) *workqueue.Loop {
	return &workqueue.Loop{
		Name:         "outbox-dispatcher",
		PollInterval: poll,
		Jitter:       poll / 4,
		Run:          d.RunOnce,
	}
}
