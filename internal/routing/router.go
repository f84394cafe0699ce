package routing

import (
	"fmt"

	"github.com/rowanlabs/conveyor/internal/domain"
)

// Router resolves component stores by name. With exactly one store it also
// resolves implicitly; with several, callers must name one, so that nothing
// silently operates on an arbitrary database.
type Router[T any] struct {
	provider Provider[T]
}

// NewRouter wraps a provider.
func NewRouter[T any](provider Provider[T]) *Router[T] {
	return &Router[T]{provider: provider}
}

// Resolve returns the store registered under name.
func (r *Router[T]) Resolve(name string) (T, error) {
	var zero T
	e, ok := r.provider.Get(name)
	if !ok {
		return zero, fmt.Errorf("%w: store %q", domain.ErrNotFound, name)
	}
	return e.Store, nil
}

// ResolveSingle returns the only store. It fails with ErrNoStores when the
// set is empty and refuses to pick when several stores exist.
func (r *Router[T]) ResolveSingle() (T, error) {
	var zero T
	entries := r.provider.List()
	switch len(entries) {
	case 0:
		return zero, domain.ErrNoStores
	case 1:
		return entries[0].Store, nil
	default:
		return zero, fmt.Errorf("%w: %d stores registered, a name is required", domain.ErrInvalidInput, len(entries))
	}
}
