package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rowanlabs/conveyor/internal/domain"
	"github.com/rowanlabs/conveyor/internal/lease"
)

// LeaseStore implements lease.CoarseStore and lease.LockStore on
// PostgreSQL. All expiry decisions use the database clock.
type LeaseStore struct {
	pool *pgxpool.Pool
}

// NewLeaseStore creates the store for one database.
func NewLeaseStore(pool *pgxpool.Pool) *LeaseStore {
	return &LeaseStore{pool: pool}
}

// === Coarse named leases (leader election) ===

// Acquire takes or refreshes the named lease. Not acquired when another
// owner holds it unexpired.
func (s *LeaseStore) Acquire(ctx context.Context, name, owner string, duration time.Duration) (lease.Grant, error) {
	var grant lease.Grant
	err := s.pool.QueryRow(ctx, `
		INSERT INTO infra.lease (name, owner, lease_until)
		VALUES ($1, $2, NOW() + make_interval(secs => $3))
		ON CONFLICT (name) DO UPDATE
		SET owner = EXCLUDED.owner, lease_until = EXCLUDED.lease_until
		WHERE infra.lease.lease_until <= NOW() OR infra.lease.owner = EXCLUDED.owner
		RETURNING NOW(), lease_until
	`, name, owner, duration.Seconds()).Scan(&grant.ServerNow, &grant.LeaseUntil)
	if errors.Is(err, pgx.ErrNoRows) {
		return lease.Grant{}, nil
	}
	if err != nil {
		return lease.Grant{}, fmt.Errorf("failed to acquire lease %q: %w", name, err)
	}

	grant.Acquired = true
	grant.ServerNow = grant.ServerNow.UTC()
	grant.LeaseUntil = grant.LeaseUntil.UTC()
	return grant, nil
}

// Renew extends the named lease if this owner still holds it unexpired.
func (s *LeaseStore) Renew(ctx context.Context, name, owner string, duration time.Duration) (lease.Grant, error) {
	var grant lease.Grant
	err := s.pool.QueryRow(ctx, `
		UPDATE infra.lease
		SET lease_until = NOW() + make_interval(secs => $3)
		WHERE name = $1 AND owner = $2 AND lease_until > NOW()
		RETURNING NOW(), lease_until
	`, name, owner, duration.Seconds()).Scan(&grant.ServerNow, &grant.LeaseUntil)
	if errors.Is(err, pgx.ErrNoRows) {
		return lease.Grant{}, nil
	}
	if err != nil {
		return lease.Grant{}, fmt.Errorf("failed to renew lease %q: %w", name, err)
	}

	grant.Acquired = true
	grant.ServerNow = grant.ServerNow.UTC()
	grant.LeaseUntil = grant.LeaseUntil.UTC()
	return grant, nil
}

// === Fine-grained locks with fencing ===

const acquireLockSQL = `
	INSERT INTO infra.distributed_lock (resource_name, owner_token, fencing_token, lease_until, context_json)
	VALUES ($1, $2, 1, NOW() + make_interval(secs => $3), $4)
	ON CONFLICT (resource_name) DO UPDATE
	SET owner_token = EXCLUDED.owner_token,
	    fencing_token = infra.distributed_lock.fencing_token + 1,
	    lease_until = EXCLUDED.lease_until,
	    context_json = EXCLUDED.context_json
	WHERE infra.distributed_lock.lease_until <= NOW()
	   OR infra.distributed_lock.owner_token = EXCLUDED.owner_token
	RETURNING fencing_token
`

// AcquireLock takes the resource lock, returning a fencing token that is
// strictly greater than any token previously issued for the resource. With
// opts.UseGate the statement runs behind a session advisory lock so that
// stampeding acquirers queue instead of thrashing the row.
func (s *LeaseStore) AcquireLock(ctx context.Context, resource string, owner domain.OwnerToken, duration time.Duration, opts lease.LockOptions) (acquired bool, fencingToken int64, err error) {
	if !opts.UseGate {
		err := s.pool.QueryRow(ctx, acquireLockSQL,
			resource, owner.UUID(), duration.Seconds(), opts.ContextJSON).Scan(&fencingToken)
		if errors.Is(err, pgx.ErrNoRows) {
			return false, 0, nil
		}
		if err != nil {
			return false, 0, fmt.Errorf("failed to acquire lock %q: %w", resource, err)
		}
		return true, fencingToken, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if opts.GateTimeout > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = %d", opts.GateTimeout.Milliseconds())); err != nil {
			return false, 0, fmt.Errorf("failed to set gate timeout: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, resource); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "55P03" { // lock_not_available
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("failed to take advisory gate for %q: %w", resource, err)
	}

	err = tx.QueryRow(ctx, acquireLockSQL,
		resource, owner.UUID(), duration.Seconds(), opts.ContextJSON).Scan(&fencingToken)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("failed to acquire lock %q: %w", resource, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, fencingToken, nil
}

// RenewLock extends the lock and issues a fresh token if this owner still
// holds it unexpired. Not renewed means the lease is lost.
func (s *LeaseStore) RenewLock(ctx context.Context, resource string, owner domain.OwnerToken, duration time.Duration) (renewed bool, fencingToken int64, err error) {
	err = s.pool.QueryRow(ctx, `
		UPDATE infra.distributed_lock
		SET lease_until = NOW() + make_interval(secs => $3),
		    fencing_token = fencing_token + 1
		WHERE resource_name = $1 AND owner_token = $2 AND lease_until > NOW()
		RETURNING fencing_token
	`, resource, owner.UUID(), duration.Seconds()).Scan(&fencingToken)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("failed to renew lock %q: %w", resource, err)
	}
	return true, fencingToken, nil
}

// ReleaseLock expires the lock if this owner holds it. The row is never
// deleted: the fencing counter lives in it, and dropping it would restart
// tokens at 1 and let a stale holder pass the side-effect check. Best-effort:
// the row simply expires on its own otherwise.
func (s *LeaseStore) ReleaseLock(ctx context.Context, resource string, owner domain.OwnerToken) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE infra.distributed_lock
		SET lease_until = NOW()
		WHERE resource_name = $1 AND owner_token = $2
	`, resource, owner.UUID())
	if err != nil {
		return fmt.Errorf("failed to release lock %q: %w", resource, err)
	}
	return nil
}

// SideEffectStore records the highest fencing token applied per resource and
// rejects writes carrying a lower token. Downstream stores call Check before
// applying any side effect on behalf of a lease holder.
type SideEffectStore struct {
	pool *pgxpool.Pool
}

// NewSideEffectStore creates the store for one database.
func NewSideEffectStore(pool *pgxpool.Pool) *SideEffectStore {
	return &SideEffectStore{pool: pool}
}

// Check accepts the token if it is not below the highest seen for the
// resource, recording it as the new high-water mark. A lower token returns
// ErrFencingTokenStale.
func (s *SideEffectStore) Check(ctx context.Context, resource string, fencingToken int64) error {
	return checkFencing(ctx, s.pool, resource, fencingToken)
}

// execer is satisfied by both pgxpool.Pool and pgx.Tx, so the fencing check
// can run standalone or inside a side effect's own transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func checkFencing(ctx context.Context, db execer, resource string, fencingToken int64) error {
	tag, err := db.Exec(ctx, `
		INSERT INTO infra.external_side_effect (resource_name, max_fencing, last_applied)
		VALUES ($1, $2, NOW())
		ON CONFLICT (resource_name) DO UPDATE
		SET max_fencing = EXCLUDED.max_fencing, last_applied = NOW()
		WHERE infra.external_side_effect.max_fencing <= EXCLUDED.max_fencing
	`, resource, fencingToken)
	if err != nil {
		return fmt.Errorf("failed to check fencing token for %q: %w", resource, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: resource %q token %d", domain.ErrFencingTokenStale, resource, fencingToken)
	}
	return nil
}
