package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// WatchdogStore persists watchdog heartbeats in the control schema so an
// external monitor can detect a dead worker without reaching the process.
type WatchdogStore struct {
	pool *pgxpool.Pool
}

// NewWatchdogStore creates the store for the control-plane database.
func NewWatchdogStore(pool *pgxpool.Pool) *WatchdogStore {
	return &WatchdogStore{pool: pool}
}

// RecordHeartbeat upserts the exporter's latest sequence. The sequence only
// moves forward; a restarted worker re-starts its counter but updated_at
// still advances, which is what staleness monitors read.
func (s *WatchdogStore) RecordHeartbeat(ctx context.Context, exporter string, sequence int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO control.exporter_heartbeat (exporter, sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (exporter) DO UPDATE
		SET sequence = EXCLUDED.sequence, updated_at = NOW()
	`, exporter, sequence)
	if err != nil {
		return fmt.Errorf("failed to record heartbeat for %q: %w", exporter, err)
	}
	return nil
}
