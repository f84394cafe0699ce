package domain

import "errors"

// Sentinel errors shared across stores and workers.

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidID indicates the provided identifier format is invalid.
	ErrInvalidID = errors.New("invalid ID format")

	// ErrInvalidInput indicates malformed arguments or missing required
	// configuration. Never retried.
	ErrInvalidInput = errors.New("invalid input")

	// ErrAuthRejected indicates a webhook signature or timestamp check
	// failed. The event is not stored unless a rejection-retention policy
	// is enabled.
	ErrAuthRejected = errors.New("authentication rejected")

	// ErrOwnershipLost indicates a work item is no longer claimed by this
	// owner token: the lease expired and another worker took over, or the
	// row was reaped.
	ErrOwnershipLost = errors.New("work item ownership lost")

	// ErrLeaseLost indicates a lease could not be renewed or a fencing
	// token conflict was observed. All in-flight work under the lease must
	// be surrendered without acking.
	ErrLeaseLost = errors.New("lease lost")

	// ErrFencingTokenStale indicates a write presented a fencing token
	// lower than the highest the store has seen for the resource.
	ErrFencingTokenStale = errors.New("stale fencing token")

	// ErrNoStores indicates discovery produced an empty store set.
	// Producers surface this at startup.
	ErrNoStores = errors.New("no stores available")

	// ErrDuplicateMessage indicates an enqueue reused an existing
	// MessageID. The original message is left untouched.
	ErrDuplicateMessage = errors.New("duplicate message id")

	// ErrJoinClosed indicates a step report arrived for a join that
	// already reached a terminal state.
	ErrJoinClosed = errors.New("join already closed")
)
