package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rowanlabs/conveyor/internal/domain"
	"github.com/rowanlabs/conveyor/internal/routing"
)

// DirectorySource discovers worker databases from the primary database's
// directory table. The primary itself is always part of the result, so an
// empty directory degrades to single-database operation instead of idling
// the worker.
type DirectorySource struct {
	pool    *pgxpool.Pool
	primary routing.Target
}

// NewDirectorySource creates the source. primary names the database the
// directory is read from.
func NewDirectorySource(pool *pgxpool.Pool, primary routing.Target) *DirectorySource {
	return &DirectorySource{pool: pool, primary: primary}
}

// Discover returns the primary plus every enabled directory row. A row
// reusing the primary's name is skipped; the env-configured DSN wins.
func (s *DirectorySource) Discover(ctx context.Context) ([]routing.Target, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT db_name, dsn FROM infra.database_directory
		WHERE is_enabled
		ORDER BY db_name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to read database directory: %w", err)
	}
	defer rows.Close()

	targets := []routing.Target{s.primary}
	for rows.Next() {
		var t routing.Target
		if err := rows.Scan(&t.Name, &t.DSN); err != nil {
			return nil, fmt.Errorf("failed to scan directory row: %w", err)
		}
		if t.Name == s.primary.Name {
			continue
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// RegisterDatabase upserts a directory row. The next discovery refresh picks
// it up.
func (s *DirectorySource) RegisterDatabase(ctx context.Context, name, dsn string) error {
	if name == "" || dsn == "" {
		return fmt.Errorf("%w: database name and dsn are required", domain.ErrInvalidInput)
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO infra.database_directory (db_name, dsn, is_enabled, updated_at)
		VALUES ($1, $2, TRUE, NOW())
		ON CONFLICT (db_name) DO UPDATE
		SET dsn = EXCLUDED.dsn, is_enabled = TRUE, updated_at = NOW()
	`, name, dsn)
	if err != nil {
		return fmt.Errorf("failed to register database %q: %w", name, err)
	}
	return nil
}

// DisableDatabase marks a directory row disabled; the next refresh disposes
// its stores.
func (s *DirectorySource) DisableDatabase(ctx context.Context, name string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE infra.database_directory
		SET is_enabled = FALSE, updated_at = NOW()
		WHERE db_name = $1
	`, name)
	if err != nil {
		return fmt.Errorf("failed to disable database %q: %w", name, err)
	}
	return nil
}
