package domain

import "time"

// Status is the lifecycle state of a work item. The same state machine is
// shared by outbox messages, inbox messages, timers and job runs.
type Status string

const (
	StatusPending         Status = "pending"
	StatusClaimed         Status = "claimed"
	StatusCompleted       Status = "completed"
	StatusFailedRetryable Status = "failed_retryable"
	StatusPoisoned        Status = "poisoned"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusPoisoned
}

// Claimable reports whether a row in this status may be handed to a worker
// once its due time has passed and any previous lock has expired. The
// database evaluates the full visibility predicate with its own clock; this
// is the in-process half used by tests and fakes.
func (s Status) Claimable() bool {
	return s == StatusPending || s == StatusFailedRetryable
}

// WorkItem is the row shape shared by every queue-like table. Component rows
// embed it and add their own columns.
type WorkItem struct {
	Status      Status
	OwnerToken  OwnerToken // zero when not claimed
	LockedUntil time.Time  // zero when not claimed
	RetryCount  int
	LastError   string
	DueTimeUtc  time.Time
	CreatedAt   time.Time
	ProcessedAt time.Time // zero until terminal
}

// OutboxMessage is a transactionally enqueued message awaiting dispatch.
// ID identifies the row; MessageID is the producer-stable id used as the
// exactly-once key. Replayed enqueues may create several rows with the same
// MessageID; the idempotency layer collapses their side effects.
type OutboxMessage struct {
	WorkItem

	ID            MessageID
	MessageID     MessageID
	Topic         string
	Payload       []byte
	CorrelationID CorrelationID
	JoinID        JoinID // zero when the message is not part of a join
}

// InboxMessage is an ingested external event awaiting handler execution.
// (Source, MessageID) is the primary dedupe key.
type InboxMessage struct {
	WorkItem

	ID           MessageID
	Source       string
	DedupeID     string // second half of the dedupe key: provider event id, or the hash fallback
	ProviderID   string // provider-assigned event id; empty when the provider sent none
	EventType    string
	Payload      []byte
	Hash         string // hex sha256 of the raw body; weak dedupe fallback
	FirstSeenUtc time.Time
	LastSeenUtc  time.Time
	Attempts     int
}

// JoinStatus is the saga join state machine.
type JoinStatus string

const (
	JoinOpen      JoinStatus = "open"
	JoinCompleted JoinStatus = "completed"
	JoinFailed    JoinStatus = "failed"
)

// OutboxJoin aggregates several outbox messages; it terminates when every
// expected step has reported.
type OutboxJoin struct {
	ID             JoinID
	TenantID       string
	ExpectedSteps  int
	CompletedSteps int
	FailedSteps    int
	Status         JoinStatus
	Metadata       []byte
	CreatedAt      time.Time
}

// Job is a cron job definition.
type Job struct {
	ID            JobID
	Name          string
	CronSchedule  string
	Topic         string
	Payload       []byte
	IsEnabled     bool
	NextDueTime   time.Time
	LastRunTime   time.Time
	LastRunStatus Status
}

// JobRun is one materialized execution of a job. At most one run exists per
// (JobID, ScheduledTime).
type JobRun struct {
	WorkItem

	ID            RunID
	JobID         JobID
	ScheduledTime time.Time
	StartTime     time.Time
	EndTime       time.Time
	Output        string
}

// Timer is a one-shot deferred message.
type Timer struct {
	WorkItem

	ID            TimerID
	DueTime       time.Time
	Topic         string
	Payload       []byte
	CorrelationID CorrelationID
}

// FanoutPolicy describes one periodic per-shard slice emitter.
type FanoutPolicy struct {
	FanoutTopic        string
	Cron               string // empty means interval mode
	DefaultEverySecond int
	JitterSeconds      int
	LeaseDuration      time.Duration
	WorkKey            string
}

// FanoutCursor tracks the last emitted window per (topic, shard).
type FanoutCursor struct {
	FanoutTopic            string
	ShardKey               string
	LastEmittedWindowStart time.Time
}
