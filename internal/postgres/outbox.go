package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rowanlabs/conveyor/internal/domain"
)

// OutboxStore implements the outbox persistence operations on PostgreSQL.
type OutboxStore struct {
	pool *pgxpool.Pool
}

// NewOutboxStore creates the store for one database.
func NewOutboxStore(pool *pgxpool.Pool) *OutboxStore {
	return &OutboxStore{pool: pool}
}

const insertOutboxSQL = `
	INSERT INTO infra.outbox (id, message_id, topic, payload, correlation_id, join_id, due_time)
	VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, NOW()))
`

// Insert writes one pending message using the pool.
func (s *OutboxStore) Insert(ctx context.Context, msg *domain.OutboxMessage) error {
	return insertOutbox(ctx, s.pool, msg)
}

// InsertTx writes one pending message as part of the caller's transaction so
// the message commits atomically with the producer's business data.
func (s *OutboxStore) InsertTx(ctx context.Context, tx pgx.Tx, msg *domain.OutboxMessage) error {
	return insertOutbox(ctx, tx, msg)
}

func insertOutbox(ctx context.Context, db execer, msg *domain.OutboxMessage) error {
	var joinID any
	if !msg.JoinID.IsZero() {
		joinID = msg.JoinID.UUID()
	}
	var dueTime any
	if !msg.DueTimeUtc.IsZero() {
		dueTime = msg.DueTimeUtc
	}

	_, err := db.Exec(ctx, insertOutboxSQL,
		msg.ID.UUID(), msg.MessageID.UUID(), msg.Topic, msg.Payload,
		string(msg.CorrelationID), joinID, dueTime)
	if err != nil {
		return fmt.Errorf("failed to insert outbox message: %w", err)
	}

	if !msg.JoinID.IsZero() {
		// Membership rides the same statement set (and transaction, when the
		// caller passed one) as the message itself.
		tag, err := db.Exec(ctx, `
			INSERT INTO infra.outbox_join_member (join_id, outbox_message_id)
			SELECT id, $2 FROM infra.outbox_join WHERE id = $1 AND status = 'open'
		`, msg.JoinID.UUID(), msg.ID.UUID())
		if err != nil {
			return fmt.Errorf("failed to attach message to join: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: join %s", domain.ErrJoinClosed, msg.JoinID)
		}
	}
	return nil
}

const selectOutboxSQL = `
	SELECT id, message_id, topic, payload, correlation_id, join_id,
	       status, retry_count, last_error, due_time, created_at, processed_at
	FROM infra.outbox
	WHERE id = ANY($1)
	ORDER BY due_time, id
`

// GetBatch loads full messages for the given claimed row ids.
func (s *OutboxStore) GetBatch(ctx context.Context, ids []uuid.UUID) ([]*domain.OutboxMessage, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, selectOutboxSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load outbox batch: %w", err)
	}
	defer rows.Close()

	var msgs []*domain.OutboxMessage
	for rows.Next() {
		msg, err := scanOutboxMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read outbox batch: %w", err)
	}
	return msgs, nil
}

func scanOutboxMessage(row pgx.Row) (*domain.OutboxMessage, error) {
	var (
		msg           domain.OutboxMessage
		id, messageID uuid.UUID
		correlationID string
		joinID        *uuid.UUID
		status        string
		processedAt   *time.Time
	)
	err := row.Scan(&id, &messageID, &msg.Topic, &msg.Payload, &correlationID, &joinID,
		&status, &msg.RetryCount, &msg.LastError, &msg.DueTimeUtc, &msg.CreatedAt, &processedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan outbox message: %w", err)
	}

	msg.ID = domain.MessageID(id)
	msg.MessageID = domain.MessageID(messageID)
	msg.CorrelationID = domain.CorrelationID(correlationID)
	if joinID != nil {
		msg.JoinID = domain.JoinID(*joinID)
	}
	msg.Status = domain.Status(status)
	if processedAt != nil {
		msg.ProcessedAt = processedAt.UTC()
	}
	return &msg, nil
}

// StatusCounts reports row counts per status, feeding the dependency health
// bucket and the watchdog.
func (s *OutboxStore) StatusCounts(ctx context.Context) (map[domain.Status]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM infra.outbox GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count outbox statuses: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.Status]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[domain.Status(status)] = count
	}
	return counts, rows.Err()
}

// === Saga joins ===

// joinMetadata is the caller-supplied continuation policy carried in the
// join's metadata blob. When ContinuationTopic is empty the terminal
// transition is state-only.
type joinMetadata struct {
	ContinuationTopic   string          `json:"continuationTopic,omitempty"`
	ContinuationPayload json.RawMessage `json:"continuationPayload,omitempty"`
}

// StartJoin opens a join expecting the given number of steps.
func (s *OutboxStore) StartJoin(ctx context.Context, tenantID string, expectedSteps int, metadata []byte) (domain.JoinID, error) {
	if expectedSteps <= 0 {
		return domain.JoinID{}, fmt.Errorf("%w: expected steps must be positive", domain.ErrInvalidInput)
	}

	joinID := domain.NewJoinID()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO infra.outbox_join (id, tenant_id, expected_steps, metadata)
		VALUES ($1, $2, $3, $4)
	`, joinID.UUID(), tenantID, expectedSteps, metadata)
	if err != nil {
		return domain.JoinID{}, fmt.Errorf("failed to start join: %w", err)
	}
	return joinID, nil
}

// AttachMessageToJoin registers an outbox message as one step of a join.
func (s *OutboxStore) AttachMessageToJoin(ctx context.Context, joinID domain.JoinID, messageID domain.MessageID) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO infra.outbox_join_member (join_id, outbox_message_id)
		SELECT id, $2 FROM infra.outbox_join WHERE id = $1 AND status = 'open'
		ON CONFLICT (join_id, outbox_message_id) DO NOTHING
	`, joinID.UUID(), messageID.UUID())
	if err != nil {
		return fmt.Errorf("failed to attach message to join: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either the join is closed or the member already exists; look to
		// distinguish for the caller.
		var status string
		err := s.pool.QueryRow(ctx, `SELECT status FROM infra.outbox_join WHERE id = $1`, joinID.UUID()).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: join %s", domain.ErrNotFound, joinID)
		}
		if err != nil {
			return fmt.Errorf("failed to check join status: %w", err)
		}
		if domain.JoinStatus(status) != domain.JoinOpen {
			return fmt.Errorf("%w: join %s is %s", domain.ErrJoinClosed, joinID, status)
		}
	}
	return nil
}

// ReportStep records a step outcome. When the last expected step reports,
// the join transitions to completed (no failed steps) or failed, and any
// continuation message named in the metadata is enqueued in the same
// transaction as the transition.
func (s *OutboxStore) ReportStep(ctx context.Context, joinID domain.JoinID, messageID domain.MessageID, failed bool) (*domain.OutboxJoin, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	stepStatus := "completed"
	if failed {
		stepStatus = "failed"
	}

	// Flip the member first; zero rows means the step already reported or
	// never existed, and the counters must not move again.
	tag, err := tx.Exec(ctx, `
		UPDATE infra.outbox_join_member
		SET step_status = $3
		WHERE join_id = $1 AND outbox_message_id = $2 AND step_status = 'pending'
	`, joinID.UUID(), messageID.UUID(), stepStatus)
	if err != nil {
		return nil, fmt.Errorf("failed to update join member: %w", err)
	}

	var join domain.OutboxJoin
	var id uuid.UUID
	var status string
	var metadata []byte

	if tag.RowsAffected() > 0 {
		err = tx.QueryRow(ctx, `
			UPDATE infra.outbox_join
			SET completed_steps = completed_steps + CASE WHEN $2 THEN 0 ELSE 1 END,
			    failed_steps = failed_steps + CASE WHEN $2 THEN 1 ELSE 0 END
			WHERE id = $1 AND status = 'open'
			RETURNING id, tenant_id, expected_steps, completed_steps, failed_steps, status, metadata, created_at
		`, joinID.UUID(), failed).Scan(&id, &join.TenantID, &join.ExpectedSteps,
			&join.CompletedSteps, &join.FailedSteps, &status, &metadata, &join.CreatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: join %s", domain.ErrJoinClosed, joinID)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to update join counters: %w", err)
		}
	} else {
		err = tx.QueryRow(ctx, `
			SELECT id, tenant_id, expected_steps, completed_steps, failed_steps, status, metadata, created_at
			FROM infra.outbox_join WHERE id = $1
		`, joinID.UUID()).Scan(&id, &join.TenantID, &join.ExpectedSteps,
			&join.CompletedSteps, &join.FailedSteps, &status, &metadata, &join.CreatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: join %s", domain.ErrNotFound, joinID)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load join: %w", err)
		}
	}

	join.ID = domain.JoinID(id)
	join.Status = domain.JoinStatus(status)
	join.Metadata = metadata

	if join.Status == domain.JoinOpen && join.CompletedSteps+join.FailedSteps == join.ExpectedSteps {
		terminal := domain.JoinCompleted
		if join.FailedSteps > 0 {
			terminal = domain.JoinFailed
		}

		if _, err := tx.Exec(ctx, `
			UPDATE infra.outbox_join SET status = $2 WHERE id = $1
		`, joinID.UUID(), string(terminal)); err != nil {
			return nil, fmt.Errorf("failed to close join: %w", err)
		}
		join.Status = terminal

		if len(metadata) > 0 {
			var meta joinMetadata
			if err := json.Unmarshal(metadata, &meta); err == nil && meta.ContinuationTopic != "" {
				cont := &domain.OutboxMessage{
					ID:            domain.NewMessageID(),
					MessageID:     domain.NewMessageID(),
					Topic:         meta.ContinuationTopic,
					Payload:       meta.ContinuationPayload,
					CorrelationID: domain.CorrelationID(joinID.String()),
				}
				if err := insertOutbox(ctx, tx, cont); err != nil {
					return nil, fmt.Errorf("failed to enqueue join continuation: %w", err)
				}
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return &join, nil
}

// GetJoin loads a join by id.
func (s *OutboxStore) GetJoin(ctx context.Context, joinID domain.JoinID) (*domain.OutboxJoin, error) {
	var join domain.OutboxJoin
	var id uuid.UUID
	var status string

	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, expected_steps, completed_steps, failed_steps, status, metadata, created_at
		FROM infra.outbox_join WHERE id = $1
	`, joinID.UUID()).Scan(&id, &join.TenantID, &join.ExpectedSteps,
		&join.CompletedSteps, &join.FailedSteps, &status, &join.Metadata, &join.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: join %s", domain.ErrNotFound, joinID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load join: %w", err)
	}

	join.ID = domain.JoinID(id)
	join.Status = domain.JoinStatus(status)
	return &join, nil
}
