package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rowanlabs/conveyor/internal/domain"
)

// FanoutStore implements fanout policy and cursor persistence on PostgreSQL.
type FanoutStore struct {
	pool *pgxpool.Pool
}

// NewFanoutStore creates the store for one database.
func NewFanoutStore(pool *pgxpool.Pool) *FanoutStore {
	return &FanoutStore{pool: pool}
}

// ServerNow reads the database clock. Window math uses it so that all
// emitters agree on window boundaries.
func (s *FanoutStore) ServerNow(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := s.pool.QueryRow(ctx, `SELECT NOW()`).Scan(&now); err != nil {
		return time.Time{}, fmt.Errorf("failed to read server clock: %w", err)
	}
	return now.UTC(), nil
}

// UpsertPolicy creates or replaces a fanout policy.
func (s *FanoutStore) UpsertPolicy(ctx context.Context, p *domain.FanoutPolicy) error {
	if p.FanoutTopic == "" {
		return fmt.Errorf("%w: fanout topic is required", domain.ErrInvalidInput)
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO infra.fanout_policy (fanout_topic, cron, default_every_secs, jitter_secs, lease_duration_secs, work_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (fanout_topic) DO UPDATE
		SET cron = EXCLUDED.cron,
		    default_every_secs = EXCLUDED.default_every_secs,
		    jitter_secs = EXCLUDED.jitter_secs,
		    lease_duration_secs = EXCLUDED.lease_duration_secs,
		    work_key = EXCLUDED.work_key
	`, p.FanoutTopic, p.Cron, p.DefaultEverySecond, p.JitterSeconds,
		int(p.LeaseDuration.Seconds()), p.WorkKey)
	if err != nil {
		return fmt.Errorf("failed to upsert fanout policy: %w", err)
	}
	return nil
}

// ListPolicies returns every fanout policy.
func (s *FanoutStore) ListPolicies(ctx context.Context) ([]*domain.FanoutPolicy, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT fanout_topic, cron, default_every_secs, jitter_secs, lease_duration_secs, work_key
		FROM infra.fanout_policy
		ORDER BY fanout_topic
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list fanout policies: %w", err)
	}
	defer rows.Close()

	var policies []*domain.FanoutPolicy
	for rows.Next() {
		var p domain.FanoutPolicy
		var leaseSecs int
		if err := rows.Scan(&p.FanoutTopic, &p.Cron, &p.DefaultEverySecond,
			&p.JitterSeconds, &leaseSecs, &p.WorkKey); err != nil {
			return nil, fmt.Errorf("failed to scan fanout policy: %w", err)
		}
		p.LeaseDuration = time.Duration(leaseSecs) * time.Second
		policies = append(policies, &p)
	}
	return policies, rows.Err()
}

// RegisterShard seeds a cursor for a (topic, shard) pair. A shard is known
// to the slicer once its cursor row exists.
func (s *FanoutStore) RegisterShard(ctx context.Context, topic, shardKey string, initialWindowStart time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO infra.fanout_cursor (fanout_topic, shard_key, last_emitted_window_start)
		VALUES ($1, $2, $3)
		ON CONFLICT (fanout_topic, shard_key) DO NOTHING
	`, topic, shardKey, initialWindowStart)
	if err != nil {
		return fmt.Errorf("failed to register shard: %w", err)
	}
	return nil
}

// ListCursors returns the cursors for one fanout topic.
func (s *FanoutStore) ListCursors(ctx context.Context, topic string) ([]*domain.FanoutCursor, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT fanout_topic, shard_key, last_emitted_window_start
		FROM infra.fanout_cursor
		WHERE fanout_topic = $1
		ORDER BY shard_key
	`, topic)
	if err != nil {
		return nil, fmt.Errorf("failed to list fanout cursors: %w", err)
	}
	defer rows.Close()

	var cursors []*domain.FanoutCursor
	for rows.Next() {
		var c domain.FanoutCursor
		if err := rows.Scan(&c.FanoutTopic, &c.ShardKey, &c.LastEmittedWindowStart); err != nil {
			return nil, fmt.Errorf("failed to scan fanout cursor: %w", err)
		}
		c.LastEmittedWindowStart = c.LastEmittedWindowStart.UTC()
		cursors = append(cursors, &c)
	}
	return cursors, rows.Err()
}

// EmitSlice enqueues one slice message and advances the shard cursor in the
/// same transaction. The write is fenced: a token below the highest already
// applied for the topic aborts with ErrFencingTokenStale, so a deposed
// emitter cannot land a slice after its successor started. The cursor update
// is a compare-and-set on the previous window start, so a concurrent emitter
// that already advanced the cursor turns this call into a no-op.
func (s *FanoutStore) EmitSlice(ctx context.Context, slice domain.FanoutSlice, topic string, prevWindowStart time.Time, fencingToken int64) (emitted bool, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := checkFencing(ctx, tx, "fanout:"+slice.FanoutTopic, fencingToken); err != nil {
		return false, err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE infra.fanout_cursor
		SET last_emitted_window_start = $3
		WHERE fanout_topic = $1 AND shard_key = $2 AND last_emitted_window_start = $4
	`, slice.FanoutTopic, slice.ShardKey, slice.WindowStart, prevWindowStart)
	if err != nil {
		return false, fmt.Errorf("failed to advance fanout cursor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	payload, err := json.Marshal(slice)
	if err != nil {
		return false, fmt.Errorf("failed to marshal fanout slice: %w", err)
	}

	msg := &domain.OutboxMessage{
		ID:            domain.NewMessageID(),
		MessageID:     domain.NewMessageID(),
		Topic:         topic,
		Payload:       payload,
		CorrelationID: domain.CorrelationID(slice.CorrelationID),
	}
	if err := insertOutbox(ctx, tx, msg); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}
