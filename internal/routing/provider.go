// Package routing lets one process run the platform against many
// application databases: store providers, discovery, an explicit router and
// cross-store selection strategies.
package routing

import (
	"fmt"

	"github.com/rowanlabs/conveyor/internal/domain"
)

// Entry is one named store instance.
type Entry[T any] struct {
	Name  string
	DSN   string
	Store T
}

// Provider exposes the current store set for one component. Implementations
// must return entries in a stable order.
type Provider[T any] interface {
	// List returns every known store.
	List() []Entry[T]
	// Get looks a store up by name.
	Get(name string) (Entry[T], bool)
}

// StaticProvider is a fixed store set decided at startup.
type StaticProvider[T any] struct {
	entries []Entry[T]
	byName  map[string]Entry[T]
}

// NewStaticProvider builds a provider from a fixed entry list. Duplicate
// names are rejected.
func NewStaticProvider[T any](entries []Entry[T]) (*StaticProvider[T], error) {
	p := &StaticProvider[T]{byName: make(map[string]Entry[T], len(entries))}
	for _, e := range entries {
		if e.Name == "" {
			return nil, fmt.Errorf("%w: store name is required", domain.ErrInvalidInput)
		}
		if _, dup := p.byName[e.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate store name %q", domain.ErrInvalidInput, e.Name)
		}
		p.byName[e.Name] = e
		p.entries = append(p.entries, e)
	}
	return p, nil
}

// List returns the stores in registration order.
func (p *StaticProvider[T]) List() []Entry[T] {
	out := make([]Entry[T], len(p.entries))
	copy(out, p.entries)
	return out
}

// Get looks a store up by name.
func (p *StaticProvider[T]) Get(name string) (Entry[T], bool) {
	e, ok := p.byName[name]
	return e, ok
}
