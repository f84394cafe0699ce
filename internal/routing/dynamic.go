package routing

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Target is one discovered database.
type Target struct {
	Name string
	DSN  string
}

// Source enumerates the current database set, e.g. from a control-plane
// table or a cloud inventory API.
type Source interface {
	Discover(ctx context.Context) ([]Target, error)
}

// Factory builds the component store for one target.
type Factory[T any] func(ctx context.Context, target Target) (T, error)

// Disposer releases a store when its target disappears or its connection
// string changes.
type Disposer[T any] func(store T)

// DynamicProvider refreshes its store set periodically against a discovery
// source. A refresh diffs targets by name: new targets get a store built,
// vanished targets are disposed, and a changed DSN replaces the store.
// Refresh errors keep the previous set.
type DynamicProvider[T any] struct {
	source   Source
	factory  Factory[T]
	disposer Disposer[T]
	interval time.Duration

	mu      sync.RWMutex
	entries map[string]Entry[T]
}

// DynamicOption configures a DynamicProvider.
type DynamicOption[T any] func(*DynamicProvider[T])

// WithRefreshInterval overrides the refresh cadence (default: 5 minutes).
func WithRefreshInterval[T any](d time.Duration) DynamicOption[T] {
	return func(p *DynamicProvider[T]) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithDisposer installs the release hook for removed or replaced stores.
func WithDisposer[T any](d Disposer[T]) DynamicOption[T] {
	return func(p *DynamicProvider[T]) { p.disposer = d }
}

// NewDynamicProvider builds the provider and performs the initial
// discovery. An empty initial result is not an error here; producers see
// ErrNoStores from the router instead.
func NewDynamicProvider[T any](ctx context.Context, source Source, factory Factory[T], opts ...DynamicOption[T]) (*DynamicProvider[T], error) {
	p := &DynamicProvider[T]{
		source:   source,
		factory:  factory,
		interval: 5 * time.Minute,
		entries:  make(map[string]Entry[T]),
	}
	for _, opt := range opts {
		opt(p)
	}

	if err := p.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("initial discovery failed: %w", err)
	}
	return p, nil
}

// Refresh runs one discovery pass and applies the diff.
func (p *DynamicProvider[T]) Refresh(ctx context.Context) error {
	targets, err := p.source.Discover(ctx)
	if err != nil {
		return fmt.Errorf("failed to discover stores: %w", err)
	}

	discovered := make(map[string]Target, len(targets))
	for _, t := range targets {
		discovered[t.Name] = t
	}

	p.mu.RLock()
	current := make(map[string]Entry[T], len(p.entries))
	for name, e := range p.entries {
		current[name] = e
	}
	p.mu.RUnlock()

	// Build outside the lock; factories dial databases.
	added := make(map[string]Entry[T])
	var removed []Entry[T]

	for name, target := range discovered {
		existing, known := current[name]
		if known && existing.DSN == target.DSN {
			continue
		}
		store, err := p.factory(ctx, target)
		if err != nil {
			slog.WarnContext(ctx, "failed to build store for discovered target",
				"target", name, "error", err)
			continue
		}
		added[name] = Entry[T]{Name: name, DSN: target.DSN, Store: store}
		if known {
			removed = append(removed, existing)
		}
	}
	for name, e := range current {
		if _, still := discovered[name]; !still {
			removed = append(removed, e)
		}
	}

	p.mu.Lock()
	for _, e := range removed {
		delete(p.entries, e.Name)
	}
	for name, e := range added {
		p.entries[name] = e
	}
	p.mu.Unlock()

	if p.disposer != nil {
		for _, e := range removed {
			p.disposer(e.Store)
		}
	}

	if len(added) > 0 || len(removed) > 0 {
		slog.InfoContext(ctx, "store set refreshed",
			"added", len(added), "removed", len(removed), "total", len(discovered))
	}
	return nil
}

// Start refreshes on the configured interval until ctx is cancelled.
// Refresh errors are logged and the current set is retained.
func (p *DynamicProvider[T]) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Refresh(ctx); err != nil {
				slog.WarnContext(ctx, "store discovery refresh failed", "error", err)
			}
		}
	}
}

// List returns the stores sorted by name for deterministic iteration.
func (p *DynamicProvider[T]) List() []Entry[T] {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Entry[T], 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get looks a store up by name.
func (p *DynamicProvider[T]) Get(name string) (Entry[T], bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[name]
	return e, ok
}
