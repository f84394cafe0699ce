package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rowanlabs/conveyor/internal/domain"
	"github.com/rowanlabs/conveyor/internal/outbox"
	"github.com/rowanlabs/conveyor/internal/postgres"
	"github.com/rowanlabs/conveyor/internal/workqueue"
)

// RunStore is the persistence surface of the run executor.
type RunStore interface {
	GetRunBatch(ctx context.Context, ids []uuid.UUID) ([]*postgres.RunWithJob, error)
	MarkRunStarted(ctx context.Context, runID domain.RunID) error
	// RecordRunResult stamps the run and rolls the result up into the job.
	RecordRunResult(ctx context.Context, runID domain.RunID, status domain.Status, output string) error
}

// Enqueuer is the producer half the runner delegates execution through.
type Enqueuer interface {
	Enqueue(ctx context.Context, topic string, payload []byte, opts ...outbox.EnqueueOption) (*domain.OutboxMessage, error)
}

// Runner executes materialized job runs. Execution is delegated: the runner
// enqueues an outbox message on the job's topic and the topic handler does
// the work. The run id doubles as the producer-stable message id, so a run
// retried after a crash does not fan out into duplicate effects.
type Runner struct {
	engine   workqueue.Store
	store    RunStore
	producer Enqueuer

	owner     domain.OwnerToken
	leaseFor  time.Duration
	batchSize int
	backoff   workqueue.BackoffPolicy
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunLease sets how long a claim holds runs (default: 60s).
func WithRunLease(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.leaseFor = d
		}
	}
}

// WithRunBatchSize sets how many runs one cycle claims (default: 10).
func WithRunBatchSize(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithRunBackoff replaces the default retry policy.
func WithRunBackoff(p workqueue.BackoffPolicy) RunnerOption {
	return func(r *Runner) { r.backoff = p }
}

// NewRunner creates a run executor with a fresh owner token.
func NewRunner(engine workqueue.Store, store RunStore, producer Enqueuer, opts ...RunnerOption) *Runner {
	r := &Runner{
		engine:    engine,
		store:     store,
		producer:  producer,
		owner:     domain.NewOwnerToken(),
		leaseFor:  60 * time.Second,
		batchSize: 10,
		backoff:   workqueue.DefaultBackoffPolicy(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunOnce performs one claim-execute-settle cycle over pending runs.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	ids, err := r.engine.Claim(ctx, r.owner, r.leaseFor, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to claim job runs: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	batch, err := r.store.GetRunBatch(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to load job runs: %w", err)
	}

	var acked []uuid.UUID
	for _, rw := range batch {
		if ctx.Err() != nil {
			break
		}
		if r.executeOne(ctx, rw) {
			acked = append(acked, rw.Run.ID.UUID())
		}
	}

	if len(acked) > 0 {
		if err := r.engine.Ack(ctx, r.owner, acked); err != nil {
			return 0, fmt.Errorf("failed to ack job runs: %w", err)
		}
	}
	return len(batch), nil
}

func (r *Runner) executeOne(ctx context.Context, rw *postgres.RunWithJob) bool {
	run, job := &rw.Run, &rw.Job

	if err := r.store.MarkRunStarted(ctx, run.ID); err != nil {
		slog.WarnContext(ctx, "failed to mark run started", "run_id", run.ID, "error", err)
	}

	correlation := domain.CorrelationID(fmt.Sprintf("job:%s:%s", job.Name, run.ScheduledTime.Format(time.RFC3339)))
	_, err := r.producer.Enqueue(ctx, job.Topic, job.Payload,
		outbox.WithMessageID(domain.MessageID(run.ID)),
		outbox.WithCorrelationID(correlation))
	if err != nil {
		r.settleFailure(ctx, run, job, err)
		return false
	}

	output := fmt.Sprintf("dispatched to topic %s", job.Topic)
	if err := r.store.RecordRunResult(ctx, run.ID, domain.StatusCompleted, output); err != nil {
		slog.WarnContext(ctx, "failed to record run result", "run_id", run.ID, "error", err)
	}

	slog.InfoContext(ctx, "job run dispatched",
		"job", job.Name, "run_id", run.ID, "scheduled_time", run.ScheduledTime)
	return true
}

func (r *Runner) settleFailure(ctx context.Context, run *domain.JobRun, job *domain.Job, cause error) {
	attempt := run.RetryCount + 1

	if domain.IsPermanent(cause) || r.backoff.Exhausted(attempt) {
		slog.ErrorContext(ctx, "job run poisoned",
			"job", job.Name, "run_id", run.ID, "error", cause)
		if err := r.engine.Fail(ctx, r.owner, []uuid.UUID{run.ID.UUID()}, cause.Error()); err != nil {
			slog.WarnContext(ctx, "failed to poison job run", "run_id", run.ID, "error", err)
		}
		if err := r.store.RecordRunResult(ctx, run.ID, domain.StatusPoisoned, cause.Error()); err != nil {
			slog.WarnContext(ctx, "failed to record run result", "run_id", run.ID, "error", err)
		}
		return
	}

	delay, ok := domain.RetryDelay(cause)
	if !ok {
		delay = r.backoff.Delay(attempt)
	}

	slog.WarnContext(ctx, "job run rescheduled",
		"job", job.Name, "run_id", run.ID, "attempt", attempt, "delay", delay, "error", cause)

	if err := r.engine.Reschedule(ctx, r.owner, run.ID.UUID(), delay, cause.Error()); err != nil {
		slog.WarnContext(ctx, "failed to reschedule job run", "run_id", run.ID, "error", err)
	}
}

// Loop wraps the runner in the standard worker loop.
func (r *Runner) Loop(poll time.Duration) *workqueue.Loop {
	return &workqueue.Loop{
		Name:         "job-run-executor",
		PollInterval: poll,
		Jitter:       poll / 4,
		Run:          r.RunOnce,
	}
}
