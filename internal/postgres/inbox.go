package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rowanlabs/conveyor/internal/domain"
)

// InboxStore implements the inbox persistence operations on PostgreSQL.
type InboxStore struct {
	pool *pgxpool.Pool
}

// NewInboxStore creates the store for one database.
func NewInboxStore(pool *pgxpool.Pool) *InboxStore {
	return &InboxStore{pool: pool}
}

// UpsertAccepted writes an accepted event. A duplicate (source, message_id)
// only advances last_seen; the row keeps its original status so an event
// already processed is not processed again. Reports whether a new row was
// created.
func (s *InboxStore) UpsertAccepted(ctx context.Context, msg *domain.InboxMessage) (created bool, err error) {
	var inserted bool
	err = s.pool.QueryRow(ctx, `
		INSERT INTO infra.inbox (id, source, message_id, provider_id, event_type, payload, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (source, message_id) DO UPDATE SET last_seen = NOW()
		RETURNING (xmax = 0)
	`, msg.ID.UUID(), msg.Source, msg.DedupeID, msg.ProviderID,
		msg.EventType, msg.Payload, msg.Hash).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("failed to upsert inbox event: %w", err)
	}
	return inserted, nil
}

const selectInboxSQL = `
	SELECT id, source, message_id, provider_id, event_type, payload, hash,
	       first_seen, last_seen, attempts,
	       status, retry_count, last_error, due_time, created_at, processed_at
	FROM infra.inbox
	WHERE id = ANY($1)
	ORDER BY due_time, id
`

// GetBatch loads full events for the given claimed row ids and increments
// their attempt counters.
func (s *InboxStore) GetBatch(ctx context.Context, ids []uuid.UUID) ([]*domain.InboxMessage, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	if _, err := s.pool.Exec(ctx, `
		UPDATE infra.inbox SET attempts = attempts + 1 WHERE id = ANY($1)
	`, ids); err != nil {
		return nil, fmt.Errorf("failed to bump inbox attempts: %w", err)
	}

	rows, err := s.pool.Query(ctx, selectInboxSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load inbox batch: %w", err)
	}
	defer rows.Close()

	var msgs []*domain.InboxMessage
	for rows.Next() {
		msg, err := scanInboxMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read inbox batch: %w", err)
	}
	return msgs, nil
}

func scanInboxMessage(row pgx.Row) (*domain.InboxMessage, error) {
	var (
		msg         domain.InboxMessage
		id          uuid.UUID
		status      string
		processedAt *time.Time
	)
	err := row.Scan(&id, &msg.Source, &msg.DedupeID, &msg.ProviderID, &msg.EventType, &msg.Payload, &msg.Hash,
		&msg.FirstSeenUtc, &msg.LastSeenUtc, &msg.Attempts,
		&status, &msg.RetryCount, &msg.LastError, &msg.DueTimeUtc, &msg.CreatedAt, &processedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan inbox event: %w", err)
	}

	msg.ID = domain.MessageID(id)
	msg.Status = domain.Status(status)
	if processedAt != nil {
		msg.ProcessedAt = processedAt.UTC()
	}
	return &msg, nil
}

// CountStuck reports rows claimed or retryable whose due time is further in
// the past than the threshold. Feeds the watchdog.
func (s *InboxStore) CountStuck(ctx context.Context, threshold time.Duration) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM infra.inbox
		WHERE status IN ('claimed', 'failed_retryable')
		  AND due_time < NOW() - make_interval(secs => $1)
	`, threshold.Seconds()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count stuck inbox events: %w", err)
	}
	return count, nil
}
