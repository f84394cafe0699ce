package domain

import (
	"errors"
	"fmt"
	"time"
)

// Handler error classification. A handler returns nil on success. Errors
// wrapped with Permanent poison the work item immediately; everything else
// is treated as transient and rescheduled with backoff.

// RetryableError marks an error as transient. Delay, when positive,
// overrides the backoff policy for this attempt.
type RetryableError struct {
	Err   error
	Delay time.Duration
}

func (e RetryableError) Error() string { return e.Err.Error() }
func (e RetryableError) Unwrap() error { return e.Err }

// Transient wraps an error to signal it should be retried with the
// component's backoff policy.
func Transient(err error) error {
	return RetryableError{Err: err}
}

// TransientAfter wraps an error to signal a retry after a specific delay.
func TransientAfter(err error, delay time.Duration) error {
	return RetryableError{Err: err, Delay: delay}
}

// RetryDelay extracts a handler-requested retry delay, if any.
func RetryDelay(err error) (time.Duration, bool) {
	var retryable RetryableError
	if errors.As(err, &retryable) && retryable.Delay > 0 {
		return retryable.Delay, true
	}
	return 0, false
}

// PermanentError marks an error as unrecoverable: the work item moves to
// poisoned without further attempts.
type PermanentError struct {
	Err error
}

func (e PermanentError) Error() string { return e.Err.Error() }
func (e PermanentError) Unwrap() error { return e.Err }

// Permanent wraps an error to signal the work can never succeed.
func Permanent(err error) error {
	return PermanentError{Err: err}
}

// IsPermanent reports whether the error is typed permanent.
func IsPermanent(err error) bool {
	var permanent PermanentError
	return errors.As(err, &permanent)
}

// PanicError indicates a panic escaped a handler. Treated as transient, so
// the backoff policy bounds how often a crashing handler reruns.
type PanicError struct {
	Value      any
	StackTrace string
}

func (e PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// IsPanic reports whether the error carries a recovered panic.
func IsPanic(err error) bool {
	var panicErr PanicError
	return errors.As(err, &panicErr)
}
