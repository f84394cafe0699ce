package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rowanlabs/conveyor/internal/domain"
)

// SchedulerStore implements job, job-run and timer persistence on
// PostgreSQL.
type SchedulerStore struct {
	pool   *pgxpool.Pool
	outbox *OutboxStore
}

// NewSchedulerStore creates the store for one database. Timer firing writes
// through the outbox store in the same transaction.
func NewSchedulerStore(pool *pgxpool.Pool, outbox *OutboxStore) *SchedulerStore {
	return &SchedulerStore{pool: pool, outbox: outbox}
}

// === Jobs ===

// UpsertJob creates or updates a job definition by name.
func (s *SchedulerStore) UpsertJob(ctx context.Context, job *domain.Job) error {
	if job.Name == "" || job.CronSchedule == "" || job.Topic == "" {
		return fmt.Errorf("%w: job name, cron schedule and topic are required", domain.ErrInvalidInput)
	}
	if job.ID.IsZero() {
		job.ID = domain.NewJobID()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO infra.jobs (id, job_name, cron_schedule, topic, payload, is_enabled)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (job_name) DO UPDATE
		SET cron_schedule = EXCLUDED.cron_schedule,
		    topic = EXCLUDED.topic,
		    payload = EXCLUDED.payload,
		    is_enabled = EXCLUDED.is_enabled
	`, job.ID.UUID(), job.Name, job.CronSchedule, job.Topic, job.Payload, job.IsEnabled)
	if err != nil {
		return fmt.Errorf("failed to upsert job: %w", err)
	}
	return nil
}

// ListEnabledJobs returns every enabled job definition.
func (s *SchedulerStore) ListEnabledJobs(ctx context.Context) ([]*domain.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_name, cron_schedule, topic, payload, is_enabled,
		       next_due_time, last_run_time, last_run_status
		FROM infra.jobs
		WHERE is_enabled
		ORDER BY job_name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		var (
			job         domain.Job
			id          uuid.UUID
			nextDue     *time.Time
			lastRunTime *time.Time
			lastStatus  string
		)
		if err := rows.Scan(&id, &job.Name, &job.CronSchedule, &job.Topic, &job.Payload,
			&job.IsEnabled, &nextDue, &lastRunTime, &lastStatus); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		job.ID = domain.JobID(id)
		if nextDue != nil {
			job.NextDueTime = nextDue.UTC()
		}
		if lastRunTime != nil {
			job.LastRunTime = lastRunTime.UTC()
		}
		job.LastRunStatus = domain.Status(lastStatus)
		jobs = append(jobs, &job)
	}
	return jobs, rows.Err()
}

// SetNextDueTime records the next cron instant for a job.
func (s *SchedulerStore) SetNextDueTime(ctx context.Context, jobID domain.JobID, next time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE infra.jobs SET next_due_time = $2 WHERE id = $1
	`, jobID.UUID(), next)
	if err != nil {
		return fmt.Errorf("failed to set next due time: %w", err)
	}
	return nil
}

// MaterializeRun creates the pending run for one scheduled instant. The
// (job_id, scheduled_time) unique constraint guarantees at most one run per
// instant; a duplicate reports created=false.
func (s *SchedulerStore) MaterializeRun(ctx context.Context, jobID domain.JobID, scheduledTime time.Time) (created bool, err error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO infra.job_runs (id, job_id, scheduled_time, due_time)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (job_id, scheduled_time) DO NOTHING
	`, domain.NewRunID().UUID(), jobID.UUID(), scheduledTime)
	if err != nil {
		return false, fmt.Errorf("failed to materialize run: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ServerNow reads the database clock. Cron evaluation uses it so that the
// scheduler never trusts the worker's clock.
func (s *SchedulerStore) ServerNow(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := s.pool.QueryRow(ctx, `SELECT NOW()`).Scan(&now); err != nil {
		return time.Time{}, fmt.Errorf("failed to read server clock: %w", err)
	}
	return now.UTC(), nil
}

// === Job runs ===

const selectRunSQL = `
	SELECT r.id, r.job_id, r.scheduled_time, r.start_time, r.end_time, r.output,
	       r.status, r.retry_count, r.last_error, r.due_time, r.created_at, r.processed_at,
	       j.job_name, j.topic, j.payload
	FROM infra.job_runs r
	JOIN infra.jobs j ON j.id = r.job_id
	WHERE r.id = ANY($1)
	ORDER BY r.due_time, r.id
`

// RunWithJob pairs a claimed run with its job definition.
type RunWithJob struct {
	Run domain.JobRun
	Job domain.Job
}

// GetRunBatch loads claimed runs with their job definitions.
func (s *SchedulerStore) GetRunBatch(ctx context.Context, ids []uuid.UUID) ([]*RunWithJob, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, selectRunSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load run batch: %w", err)
	}
	defer rows.Close()

	var out []*RunWithJob
	for rows.Next() {
		var (
			rw          RunWithJob
			runID       uuid.UUID
			jobID       uuid.UUID
			startTime   *time.Time
			endTime     *time.Time
			status      string
			processedAt *time.Time
		)
		if err := rows.Scan(&runID, &jobID, &rw.Run.ScheduledTime, &startTime, &endTime, &rw.Run.Output,
			&status, &rw.Run.RetryCount, &rw.Run.LastError, &rw.Run.DueTimeUtc, &rw.Run.CreatedAt, &processedAt,
			&rw.Job.Name, &rw.Job.Topic, &rw.Job.Payload); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		rw.Run.ID = domain.RunID(runID)
		rw.Run.JobID = domain.JobID(jobID)
		rw.Job.ID = domain.JobID(jobID)
		if startTime != nil {
			rw.Run.StartTime = startTime.UTC()
		}
		if endTime != nil {
			rw.Run.EndTime = endTime.UTC()
		}
		rw.Run.Status = domain.Status(status)
		if processedAt != nil {
			rw.Run.ProcessedAt = processedAt.UTC()
		}
		out = append(out, &rw)
	}
	return out, rows.Err()
}

// MarkRunStarted stamps the run's start time.
func (s *SchedulerStore) MarkRunStarted(ctx context.Context, runID domain.RunID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE infra.job_runs SET start_time = COALESCE(start_time, NOW()) WHERE id = $1
	`, runID.UUID())
	if err != nil {
		return fmt.Errorf("failed to mark run started: %w", err)
	}
	return nil
}

// RecordRunResult stamps the run's end time and output and rolls the result
// up into the job's last-run columns.
func (s *SchedulerStore) RecordRunResult(ctx context.Context, runID domain.RunID, status domain.Status, output string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var jobID uuid.UUID
	err = tx.QueryRow(ctx, `
		UPDATE infra.job_runs SET end_time = NOW(), output = $2 WHERE id = $1
		RETURNING job_id
	`, runID.UUID(), output).Scan(&jobID)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: run %s", domain.ErrNotFound, runID)
	}
	if err != nil {
		return fmt.Errorf("failed to record run result: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE infra.jobs SET last_run_time = NOW(), last_run_status = $2 WHERE id = $1
	`, jobID, string(status)); err != nil {
		return fmt.Errorf("failed to update job last run: %w", err)
	}

	return tx.Commit(ctx)
}

// CountOverdueJobs reports enabled jobs whose next due time has been in the
// past for longer than the threshold. Feeds the watchdog.
func (s *SchedulerStore) CountOverdueJobs(ctx context.Context, threshold time.Duration) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM infra.jobs
		WHERE is_enabled
		  AND next_due_time IS NOT NULL
		  AND next_due_time < NOW() - make_interval(secs => $1)
	`, threshold.Seconds()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count overdue jobs: %w", err)
	}
	return count, nil
}

// === Timers ===

// CreateTimer inserts a one-shot timer.
func (s *SchedulerStore) CreateTimer(ctx context.Context, timer *domain.Timer) error {
	if timer.Topic == "" || timer.DueTime.IsZero() {
		return fmt.Errorf("%w: timer topic and due time are required", domain.ErrInvalidInput)
	}
	if timer.ID.IsZero() {
		timer.ID = domain.NewTimerID()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO infra.timers (id, topic, payload, correlation_id, due_time)
		VALUES ($1, $2, $3, $4, $5)
	`, timer.ID.UUID(), timer.Topic, timer.Payload, string(timer.CorrelationID), timer.DueTime)
	if err != nil {
		return fmt.Errorf("failed to create timer: %w", err)
	}
	return nil
}

// FireDueTimers emits an outbox message for each due pending timer and
// completes the timer, each in its own transaction. Returns the number of
// timers fired. FOR UPDATE SKIP LOCKED keeps concurrent leaders from firing
// the same timer twice.
func (s *SchedulerStore) FireDueTimers(ctx context.Context, limit int) (int, error) {
	fired := 0
	for fired < limit {
		ok, err := s.fireOneTimer(ctx)
		if err != nil {
			return fired, err
		}
		if !ok {
			break
		}
		fired++
	}
	return fired, nil
}

func (s *SchedulerStore) fireOneTimer(ctx context.Context) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		id            uuid.UUID
		topic         string
		payload       []byte
		correlationID string
	)
	err = tx.QueryRow(ctx, `
		SELECT id, topic, payload, correlation_id
		FROM infra.timers
		WHERE status = 'pending' AND due_time <= NOW()
		ORDER BY due_time, id
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`).Scan(&id, &topic, &payload, &correlationID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to select due timer: %w", err)
	}

	msg := &domain.OutboxMessage{
		ID:            domain.NewMessageID(),
		MessageID:     domain.MessageID(id), // timer id is the producer-stable key
		Topic:         topic,
		Payload:       payload,
		CorrelationID: domain.CorrelationID(correlationID),
	}
	if err := insertOutbox(ctx, tx, msg); err != nil {
		return false, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE infra.timers
		SET status = 'completed', processed_at = NOW()
		WHERE id = $1
	`, id); err != nil {
		return false, fmt.Errorf("failed to complete timer: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}
