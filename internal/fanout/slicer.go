// Package fanout periodically emits per-shard slice messages so downstream
// processors can partition their work by time window.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rowanlabs/conveyor/internal/domain"
	"github.com/rowanlabs/conveyor/internal/lease"
	"github.com/rowanlabs/conveyor/internal/workqueue"
)

// Store is the persistence surface of the slicer.
type Store interface {
	// ServerNow reads the database clock.
	ServerNow(ctx context.Context) (time.Time, error)
	ListPolicies(ctx context.Context) ([]*domain.FanoutPolicy, error)
	ListCursors(ctx context.Context, topic string) ([]*domain.FanoutCursor, error)
	// EmitSlice enqueues one slice and advances the shard cursor atomically,
	// refusing the write when fencingToken is below the highest already
	// applied for the topic. emitted=false means another emitter already
	// advanced the cursor.
	EmitSlice(ctx context.Context, slice domain.FanoutSlice, topic string, prevWindowStart time.Time, fencingToken int64) (emitted bool, err error)
}

// Slicer walks every fanout policy on its own cadence, holding a fenced
// lease per fanout topic so that at most one emitter works a topic at a
// time. Leases survive across passes under background renewal; every emit
// carries the current fencing token so a deposed emitter's writes bounce.
type Slicer struct {
	store Store
	locks lease.LockStore

	maxCatchupWindows int

	// nextTick holds the next emission instant per topic; held holds the
	// topic leases this slicer owns. Guarded by mu; never touched during I/O.
	mu       sync.Mutex
	nextTick map[string]time.Time
	held     map[string]*lease.Lease
}

// SlicerOption configures a Slicer.
type SlicerOption func(*Slicer)

// WithMaxCatchupWindows bounds how many missed windows one pass emits per
// shard (default: 10).
func WithMaxCatchupWindows(n int) SlicerOption {
	return func(s *Slicer) {
		if n > 0 {
			s.maxCatchupWindows = n
		}
	}
}

// NewSlicer creates a slicer.
func NewSlicer(store Store, locks lease.LockStore, opts ...SlicerOption) *Slicer {
	s := &Slicer{
		store:             store,
		locks:             locks,
		maxCatchupWindows: 10,
		nextTick:          make(map[string]time.Time),
		held:              make(map[string]*lease.Lease),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunOnce walks every policy that is due to tick and emits slices for its
// shards. Reports how many slices were emitted.
func (s *Slicer) RunOnce(ctx context.Context) (int, error) {
	policies, err := s.store.ListPolicies(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list fanout policies: %w", err)
	}
	if len(policies) == 0 {
		return 0, nil
	}

	now, err := s.store.ServerNow(ctx)
	if err != nil {
		return 0, err
	}

	emitted := 0
	for _, policy := range policies {
		if ctx.Err() != nil {
			break
		}
		if !s.dueToTick(policy.FanoutTopic, now) {
			continue
		}

		n, err := s.workTopic(ctx, policy, now)
		emitted += n
		if err != nil {
			return emitted, err
		}
		s.scheduleNextTick(policy, now)
	}
	return emitted, nil
}

// Close releases every held topic lease. Called on worker shutdown so
// successors do not wait out the leases.
func (s *Slicer) Close(ctx context.Context) {
	s.mu.Lock()
	held := s.held
	s.held = make(map[string]*lease.Lease)
	s.mu.Unlock()

	for _, l := range held {
		l.Close(ctx)
	}
}

func (s *Slicer) dueToTick(topic string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, known := s.nextTick[topic]
	return !known || !now.Before(next)
}

// scheduleNextTick computes the next emission instant: the cron's next
// instant when the policy has one, otherwise the interval plus random
// jitter to de-synchronize emitters across processes.
func (s *Slicer) scheduleNextTick(policy *domain.FanoutPolicy, now time.Time) {
	var next time.Time
	if policy.Cron != "" {
		if schedule, err := cron.ParseStandard(policy.Cron); err == nil {
			next = schedule.Next(now.UTC())
		}
	}
	if next.IsZero() {
		interval := time.Duration(policy.DefaultEverySecond) * time.Second
		if policy.JitterSeconds > 0 {
			interval += rand.N(time.Duration(policy.JitterSeconds) * time.Second)
		}
		next = now.Add(interval)
	}

	s.mu.Lock()
	s.nextTick[policy.FanoutTopic] = next
	s.mu.Unlock()
}

// ensureLease returns the held lease for the topic, contesting the lock
// when none is held. A lost lease is discarded so the next tick contests
// again.
func (s *Slicer) ensureLease(ctx context.Context, topic string, duration time.Duration) (*lease.Lease, error) {
	s.mu.Lock()
	held := s.held[topic]
	s.mu.Unlock()

	if held != nil {
		if held.Err() == nil {
			return held, nil
		}
		s.dropLease(ctx, topic)
	}

	acquired, ok, err := lease.TryAcquire(ctx, s.locks, "fanout:"+topic, duration)
	if err != nil {
		return nil, fmt.Errorf("failed to contest fanout lease: %w", err)
	}
	if !ok {
		return nil, nil
	}

	s.mu.Lock()
	s.held[topic] = acquired
	s.mu.Unlock()
	return acquired, nil
}

func (s *Slicer) dropLease(ctx context.Context, topic string) {
	s.mu.Lock()
	held := s.held[topic]
	delete(s.held, topic)
	s.mu.Unlock()

	if held != nil {
		held.Close(ctx)
	}
}

// workTopic emits due slices for every shard of one topic, under the
// topic's lease.
func (s *Slicer) workTopic(ctx context.Context, policy *domain.FanoutPolicy, now time.Time) (int, error) {
	leaseDuration := policy.LeaseDuration
	if leaseDuration <= 0 {
		leaseDuration = 30 * time.Second
	}

	held, err := s.ensureLease(ctx, policy.FanoutTopic, leaseDuration)
	if err != nil {
		return 0, err
	}
	if held == nil {
		return 0, nil
	}

	ctx, cancel := held.Context(ctx)
	defer cancel()

	cursors, err := s.store.ListCursors(ctx, policy.FanoutTopic)
	if err != nil {
		return 0, err
	}

	interval := time.Duration(policy.DefaultEverySecond) * time.Second
	if interval <= 0 {
		return 0, fmt.Errorf("%w: policy %q has no interval", domain.ErrInvalidInput, policy.FanoutTopic)
	}

	emitted := 0
	for _, cursor := range cursors {
		if ctx.Err() != nil {
			break
		}
		n, err := s.emitShard(ctx, policy, cursor, interval, now, held)
		emitted += n
		if err != nil {
			return emitted, err
		}
	}
	return emitted, nil
}

// emitShard emits every due window for one shard, bounded by the catch-up
// limit. The cursor never skips a window and never moves backwards. Each
// emit carries the lease's current fencing token; a rejected token means a
// newer emitter owns the topic, so the lease is surrendered.
func (s *Slicer) emitShard(ctx context.Context, policy *domain.FanoutPolicy, cursor *domain.FanoutCursor, interval time.Duration, now time.Time, held *lease.Lease) (int, error) {
	prev := cursor.LastEmittedWindowStart
	windowStart := prev.Add(interval)
	if floor := now.Truncate(interval); floor.After(windowStart) {
		windowStart = floor
	}

	topic := fmt.Sprintf("fanout:%s:%s", policy.FanoutTopic, policy.WorkKey)
	emitted := 0

	for !windowStart.After(now) && emitted < s.maxCatchupWindows {
		slice := domain.FanoutSlice{
			FanoutTopic:   policy.FanoutTopic,
			ShardKey:      cursor.ShardKey,
			WorkKey:       policy.WorkKey,
			WindowStart:   windowStart,
			CorrelationID: fmt.Sprintf("fanout:%s:%s:%d", policy.FanoutTopic, cursor.ShardKey, windowStart.Unix()),
		}

		ok, err := s.store.EmitSlice(ctx, slice, topic, prev, held.FencingToken())
		if err != nil {
			if errors.Is(err, domain.ErrFencingTokenStale) {
				s.dropLease(ctx, policy.FanoutTopic)
				return emitted, fmt.Errorf("%w: fencing token rejected for topic %q",
					domain.ErrLeaseLost, policy.FanoutTopic)
			}
			return emitted, fmt.Errorf("failed to emit fanout slice: %w", err)
		}
		if !ok {
			// Another emitter advanced this shard; pick it up next tick.
			slog.InfoContext(ctx, "fanout cursor advanced concurrently",
				"fanout_topic", policy.FanoutTopic, "shard", cursor.ShardKey)
			break
		}

		emitted++
		prev = windowStart
		windowStart = windowStart.Add(interval)
	}
	return emitted, nil
}

// Loop wraps the slicer in the standard worker loop.
func (s *Slicer) Loop(poll time.Duration) *workqueue.Loop {
	return &workqueue.Loop{
		Name:         "fanout-slicer",
		PollInterval: poll,
		Jitter:       poll / 4,
		Run:          s.RunOnce,
	}
}
