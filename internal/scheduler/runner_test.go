package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowanlabs/conveyor/internal/domain"
	"github.com/rowanlabs/conveyor/internal/outbox"
	"github.com/rowanlabs/conveyor/internal/postgres"
)

type mockRunEngine struct {
	claimFunc      func(ctx context.Context, owner domain.OwnerToken, lease time.Duration, batchSize int) ([]uuid.UUID, error)
	ackFunc        func(ctx context.Context, owner domain.OwnerToken, ids []uuid.UUID) error
	failFunc       func(ctx context.Context, owner domain.OwnerToken, ids []uuid.UUID, lastError string) error
	rescheduleFunc func(ctx context.Context, owner domain.OwnerToken, id uuid.UUID, delay time.Duration, lastError string) error
}

func (m *mockRunEngine) Claim(ctx context.Context, owner domain.OwnerToken, lease time.Duration, batchSize int) ([]uuid.UUID, error) {
	return m.claimFunc(ctx, owner, lease, batchSize)
}

func (m *mockRunEngine) Ack(ctx context.Context, owner domain.OwnerToken, ids []uuid.UUID) error {
	if m.ackFunc == nil {
		return nil
	}
	return m.ackFunc(ctx, owner, ids)
}

func (m *mockRunEngine) Abandon(ctx context.Context, owner domain.OwnerToken, ids []uuid.UUID, lastError string, delay time.Duration) error {
	return nil
}

func (m *mockRunEngine) Fail(ctx context.Context, owner domain.OwnerToken, ids []uuid.UUID, lastError string) error {
	if m.failFunc == nil {
		return nil
	}
	return m.failFunc(ctx, owner, ids, lastError)
}

func (m *mockRunEngine) Reschedule(ctx context.Context, owner domain.OwnerToken, id uuid.UUID, delay time.Duration, lastError string) error {
	if m.rescheduleFunc == nil {
		return nil
	}
	return m.rescheduleFunc(ctx, owner, id, delay, lastError)
}

func (m *mockRunEngine) ReapExpired(ctx context.Context) (int64, error) { return 0, nil }

type mockRunStore struct {
	getRunBatchFunc     func(ctx context.Context, ids []uuid.UUID) ([]*postgres.RunWithJob, error)
	markStartedFunc     func(ctx context.Context, runID domain.RunID) error
	recordRunResultFunc func(ctx context.Context, runID domain.RunID, status domain.Status, output string) error
}

func (m *mockRunStore) GetRunBatch(ctx context.Context, ids []uuid.UUID) ([]*postgres.RunWithJob, error) {
	return m.getRunBatchFunc(ctx, ids)
}

func (m *mockRunStore) MarkRunStarted(ctx context.Context, runID domain.RunID) error {
	if m.markStartedFunc == nil {
		return nil
	}
	return m.markStartedFunc(ctx, runID)
}

func (m *mockRunStore) RecordRunResult(ctx context.Context, runID domain.RunID, status domain.Status, output string) error {
	if m.recordRunResultFunc == nil {
		return nil
	}
	return m.recordRunResultFunc(ctx, runID, status, output)
}

type mockEnqueuer struct {
	enqueueFunc func(ctx context.Context, topic string, payload []byte, opts ...outbox.EnqueueOption) (*domain.OutboxMessage, error)
}

func (m *mockEnqueuer) Enqueue(ctx context.Context, topic string, payload []byte, opts ...outbox.EnqueueOption) (*domain.OutboxMessage, error) {
	return m.enqueueFunc(ctx, topic, payload, opts...)
}

func newRunBatch(t *testing.T) *postgres.RunWithJob {
	t.Helper()
	return &postgres.RunWithJob{
		Run: domain.JobRun{
			ID:            domain.NewRunID(),
			ScheduledTime: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC),
		},
		Job: domain.Job{
			ID:      domain.NewJobID(),
			Name:    "nightly-report",
			Topic:   "reports.generate",
			Payload: []byte(`{"report":"nightly"}`),
		},
	}
}

func singleRunFixture(rw *postgres.RunWithJob) (*mockRunEngine, *mockRunStore) {
	engine := &mockRunEngine{
		claimFunc: func(ctx context.Context, owner domain.OwnerToken, lease time.Duration, batchSize int) ([]uuid.UUID, error) {
			return []uuid.UUID{rw.Run.ID.UUID()}, nil
		},
	}
	store := &mockRunStore{
		getRunBatchFunc: func(ctx context.Context, ids []uuid.UUID) ([]*postgres.RunWithJob, error) {
			return []*postgres.RunWithJob{rw}, nil
		},
	}
	return engine, store
}

func TestRunner_DispatchesRunThroughProducer(t *testing.T) {
	rw := newRunBatch(t)
	engine, store := singleRunFixture(rw)

	var acked []uuid.UUID
	engine.ackFunc = func(ctx context.Context, owner domain.OwnerToken, ids []uuid.UUID) error {
		acked = ids
		return nil
	}

	var recordedStatus domain.Status
	store.recordRunResultFunc = func(ctx context.Context, runID domain.RunID, status domain.Status, output string) error {
		recordedStatus = status
		return nil
	}

	var enqueued *domain.OutboxMessage
	producer := &mockEnqueuer{
		enqueueFunc: func(ctx context.Context, topic string, payload []byte, opts ...outbox.EnqueueOption) (*domain.OutboxMessage, error) {
			assert.Equal(t, "reports.generate", topic)
			assert.JSONEq(t, `{"report":"nightly"}`, string(payload))

			p := outbox.NewProducer(&captureStore{captured: &enqueued})
			return p.Enqueue(ctx, topic, payload, opts...)
		},
	}

	r := NewRunner(engine, store, producer)
	processed, err := r.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, processed)
	assert.Equal(t, []uuid.UUID{rw.Run.ID.UUID()}, acked)
	assert.Equal(t, domain.StatusCompleted, recordedStatus)

	// The run id doubles as the producer-stable message id so crash retries
	// collapse downstream.
	require.NotNil(t, enqueued)
	assert.Equal(t, domain.MessageID(rw.Run.ID), enqueued.MessageID)
	assert.Contains(t, string(enqueued.CorrelationID), "job:nightly-report:")
}

// captureStore lets runner tests observe the message the real producer built.
type captureStore struct {
	captured **domain.OutboxMessage
}

func (c *captureStore) Insert(ctx context.Context, msg *domain.OutboxMessage) error {
	*c.captured = msg
	return nil
}

func (c *captureStore) InsertTx(ctx context.Context, tx pgx.Tx, msg *domain.OutboxMessage) error {
	*c.captured = msg
	return nil
}

func (c *captureStore) StartJoin(ctx context.Context, tenantID string, expectedSteps int, metadata []byte) (domain.JoinID, error) {
	return domain.NewJoinID(), nil
}

func TestRunner_TransientEnqueueFailureReschedules(t *testing.T) {
	rw := newRunBatch(t)
	engine, store := singleRunFixture(rw)

	rescheduled := false
	engine.rescheduleFunc = func(ctx context.Context, owner domain.OwnerToken, id uuid.UUID, delay time.Duration, lastError string) error {
		rescheduled = true
		return nil
	}

	producer := &mockEnqueuer{
		enqueueFunc: func(ctx context.Context, topic string, payload []byte, opts ...outbox.EnqueueOption) (*domain.OutboxMessage, error) {
			return nil, errors.New("connection refused")
		},
	}

	r := NewRunner(engine, store, producer)
	_, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, rescheduled)
}

func TestRunner_ExhaustedRunPoisonedAndRecorded(t *testing.T) {
	rw := newRunBatch(t)
	rw.Run.RetryCount = 4
	engine, store := singleRunFixture(rw)

	var failed []uuid.UUID
	engine.failFunc = func(ctx context.Context, owner domain.OwnerToken, ids []uuid.UUID, lastError string) error {
		failed = ids
		return nil
	}

	var recordedStatus domain.Status
	store.recordRunResultFunc = func(ctx context.Context, runID domain.RunID, status domain.Status, output string) error {
		recordedStatus = status
		return nil
	}

	producer := &mockEnqueuer{
		enqueueFunc: func(ctx context.Context, topic string, payload []byte, opts ...outbox.EnqueueOption) (*domain.OutboxMessage, error) {
			return nil, errors.New("still down")
		},
	}

	r := NewRunner(engine, store, producer)
	_, err := r.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []uuid.UUID{rw.Run.ID.UUID()}, failed)
	assert.Equal(t, domain.StatusPoisoned, recordedStatus)
}
