// Package domain holds the core types shared by every component: identifiers,
// work-item rows, wire formats and error classification.
package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// Identifiers are UUIDv7 so that primary-key order follows creation order.
// OwnerToken is the exception: it only needs uniqueness, not ordering.

// newV7 returns a time-ordered id, falling back to a random one if the
// entropy source fails.
func newV7() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

// MessageID identifies an outbox or inbox row. For outbox messages the same
// type also carries the producer-stable message id.
type MessageID uuid.UUID

// NewMessageID returns a fresh time-ordered message id.
func NewMessageID() MessageID { return MessageID(newV7()) }

// ParseMessageID parses the string form.
func ParseMessageID(s string) (MessageID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return MessageID{}, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	return MessageID(id), nil
}

func (id MessageID) UUID() uuid.UUID { return uuid.UUID(id) }
func (id MessageID) String() string  { return uuid.UUID(id).String() }
func (id MessageID) IsZero() bool    { return id == MessageID{} }

// OwnerToken identifies one worker's claim over rows. A fresh token per
// worker instance makes stale acks detectable.
type OwnerToken uuid.UUID

// NewOwnerToken returns a fresh random owner token.
func NewOwnerToken() OwnerToken { return OwnerToken(uuid.New()) }

func (t OwnerToken) UUID() uuid.UUID { return uuid.UUID(t) }
func (t OwnerToken) String() string  { return uuid.UUID(t).String() }
func (t OwnerToken) IsZero() bool    { return t == OwnerToken{} }

// JoinID identifies a saga join.
type JoinID uuid.UUID

// NewJoinID returns a fresh time-ordered join id.
func NewJoinID() JoinID { return JoinID(newV7()) }

// ParseJoinID parses the string form.
func ParseJoinID(s string) (JoinID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return JoinID{}, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	return JoinID(id), nil
}

func (id JoinID) UUID() uuid.UUID { return uuid.UUID(id) }
func (id JoinID) String() string  { return uuid.UUID(id).String() }
func (id JoinID) IsZero() bool    { return id == JoinID{} }

// JobID identifies a cron job definition.
type JobID uuid.UUID

// NewJobID returns a fresh time-ordered job id.
func NewJobID() JobID { return JobID(newV7()) }

func (id JobID) UUID() uuid.UUID { return uuid.UUID(id) }
func (id JobID) String() string  { return uuid.UUID(id).String() }
func (id JobID) IsZero() bool    { return id == JobID{} }

// RunID identifies one materialized job run.
type RunID uuid.UUID

// NewRunID returns a fresh time-ordered run id.
func NewRunID() RunID { return RunID(newV7()) }

func (id RunID) UUID() uuid.UUID { return uuid.UUID(id) }
func (id RunID) String() string  { return uuid.UUID(id).String() }
func (id RunID) IsZero() bool    { return id == RunID{} }

// TimerID identifies a one-shot timer. The timer id doubles as the
// producer-stable message id of the outbox message it fires.
type TimerID uuid.UUID

// NewTimerID returns a fresh time-ordered timer id.
func NewTimerID() TimerID { return TimerID(newV7()) }

func (id TimerID) UUID() uuid.UUID { return uuid.UUID(id) }
func (id TimerID) String() string  { return uuid.UUID(id).String() }
func (id TimerID) IsZero() bool    { return id == TimerID{} }

// CorrelationID threads a logical operation across messages, timers and
// slices for tracing. Free-form; empty means uncorrelated.
type CorrelationID string
