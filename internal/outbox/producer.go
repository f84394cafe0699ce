// Package outbox provides the transactional producer and the dispatcher
// that delivers enqueued messages to topic handlers.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rowanlabs/conveyor/internal/domain"
)

// ProducerStore is the persistence surface the producer writes through.
type ProducerStore interface {
	Insert(ctx context.Context, msg *domain.OutboxMessage) error
	InsertTx(ctx context.Context, tx pgx.Tx, msg *domain.OutboxMessage) error
	StartJoin(ctx context.Context, tenantID string, expectedSteps int, metadata []byte) (domain.JoinID, error)
}

// Producer enqueues messages for asynchronous dispatch.
type Producer struct {
	store ProducerStore
}

// NewProducer creates a producer over the given store.
func NewProducer(store ProducerStore) *Producer {
	return &Producer{store: store}
}

type enqueueOptions struct {
	tx            pgx.Tx
	messageID     domain.MessageID
	correlationID domain.CorrelationID
	dueTime       time.Time
	joinID        domain.JoinID
}

// EnqueueOption configures one Enqueue call.
type EnqueueOption func(*enqueueOptions)

// WithTx enqueues inside the caller's transaction, so the message commits
// atomically with the business write that caused it.
func WithTx(tx pgx.Tx) EnqueueOption {
	return func(o *enqueueOptions) { o.tx = tx }
}

// WithMessageID sets the producer-stable message id. Replayed enqueues reuse
// the same id so downstream exactly-once handlers collapse their effects.
func WithMessageID(id domain.MessageID) EnqueueOption {
	return func(o *enqueueOptions) { o.messageID = id }
}

// WithCorrelationID threads a correlation id through the message.
func WithCorrelationID(id domain.CorrelationID) EnqueueOption {
	return func(o *enqueueOptions) { o.correlationID = id }
}

// WithDueTime defers visibility until the given instant.
func WithDueTime(due time.Time) EnqueueOption {
	return func(o *enqueueOptions) { o.dueTime = due }
}

// WithJoin registers the message as one step of an open join.
func WithJoin(joinID domain.JoinID) EnqueueOption {
	return func(o *enqueueOptions) { o.joinID = joinID }
}

// Enqueue writes one pending message and returns it. Without WithMessageID a
// fresh producer-stable id is generated.
func (p *Producer) Enqueue(ctx context.Context, topic string, payload []byte, opts ...EnqueueOption) (*domain.OutboxMessage, error) {
	if topic == "" {
		return nil, fmt.Errorf("%w: topic is required", domain.ErrInvalidInput)
	}

	var o enqueueOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.messageID.IsZero() {
		o.messageID = domain.NewMessageID()
	}

	msg := &domain.OutboxMessage{
		ID:            domain.NewMessageID(),
		MessageID:     o.messageID,
		Topic:         topic,
		Payload:       payload,
		CorrelationID: o.correlationID,
		JoinID:        o.joinID,
	}
	msg.DueTimeUtc = o.dueTime

	var err error
	if o.tx != nil {
		err = p.store.InsertTx(ctx, o.tx, msg)
	} else {
		err = p.store.Insert(ctx, msg)
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// StartJoin opens a join expecting the given number of steps. The metadata
// blob may carry a continuation policy applied when the join closes.
func (p *Producer) StartJoin(ctx context.Context, tenantID string, expectedSteps int, metadata []byte) (domain.JoinID, error) {
	return p.store.StartJoin(ctx, tenantID, expectedSteps, metadata)
}
