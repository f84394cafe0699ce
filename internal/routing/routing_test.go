package routing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowanlabs/conveyor/internal/domain"
)

type fakeStore struct {
	dsn    string
	closed bool
}

type mockSource struct {
	discoverFunc func(ctx context.Context) ([]Target, error)
}

func (m *mockSource) Discover(ctx context.Context) ([]Target, error) {
	return m.discoverFunc(ctx)
}

func fakeFactory(ctx context.Context, target Target) (*fakeStore, error) {
	return &fakeStore{dsn: target.DSN}, nil
}

func TestStaticProvider_RejectsDuplicatesAndEmptyNames(t *testing.T) {
	_, err := NewStaticProvider([]Entry[*fakeStore]{
		{Name: "tenant-a", Store: &fakeStore{}},
		{Name: "tenant-a", Store: &fakeStore{}},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = NewStaticProvider([]Entry[*fakeStore]{{Name: "", Store: &fakeStore{}}})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestStaticProvider_ListAndGet(t *testing.T) {
	a, b := &fakeStore{}, &fakeStore{}
	p, err := NewStaticProvider([]Entry[*fakeStore]{
		{Name: "tenant-a", Store: a},
		{Name: "tenant-b", Store: b},
	})
	require.NoError(t, err)

	entries := p.List()
	require.Len(t, entries, 2)
	assert.Equal(t, "tenant-a", entries[0].Name)

	e, ok := p.Get("tenant-b")
	require.True(t, ok)
	assert.Same(t, b, e.Store)

	_, ok = p.Get("tenant-c")
	assert.False(t, ok)
}

func TestRouter_Resolve(t *testing.T) {
	p, err := NewStaticProvider([]Entry[*fakeStore]{{Name: "tenant-a", Store: &fakeStore{}}})
	require.NoError(t, err)
	r := NewRouter[*fakeStore](p)

	_, err = r.Resolve("tenant-a")
	assert.NoError(t, err)

	_, err = r.Resolve("missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRouter_ResolveSingle(t *testing.T) {
	t.Run("empty set", func(t *testing.T) {
		p, err := NewStaticProvider[*fakeStore](nil)
		require.NoError(t, err)

		_, err = NewRouter[*fakeStore](p).ResolveSingle()
		assert.ErrorIs(t, err, domain.ErrNoStores)
	})

	t.Run("single store resolves implicitly", func(t *testing.T) {
		only := &fakeStore{}
		p, err := NewStaticProvider([]Entry[*fakeStore]{{Name: "tenant-a", Store: only}})
		require.NoError(t, err)

		store, err := NewRouter[*fakeStore](p).ResolveSingle()
		require.NoError(t, err)
		assert.Same(t, only, store)
	})

	t.Run("ambiguous set refuses to pick", func(t *testing.T) {
		p, err := NewStaticProvider([]Entry[*fakeStore]{
			{Name: "tenant-a", Store: &fakeStore{}},
			{Name: "tenant-b", Store: &fakeStore{}},
		})
		require.NoError(t, err)

		_, err = NewRouter[*fakeStore](p).ResolveSingle()
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})
}

func TestDynamicProvider_InitialDiscoveryFailureFatal(t *testing.T) {
	source := &mockSource{
		discoverFunc: func(ctx context.Context) ([]Target, error) {
			return nil, errors.New("inventory unavailable")
		},
	}

	_, err := NewDynamicProvider(context.Background(), source, fakeFactory)
	assert.Error(t, err)
}

func TestDynamicProvider_RefreshDiff(t *testing.T) {
	targets := []Target{{Name: "tenant-a", DSN: "dsn-a"}}
	source := &mockSource{
		discoverFunc: func(ctx context.Context) ([]Target, error) { return targets, nil },
	}

	var disposed []*fakeStore
	p, err := NewDynamicProvider(context.Background(), source, fakeFactory,
		WithDisposer[*fakeStore](func(s *fakeStore) {
			s.closed = true
			disposed = append(disposed, s)
		}))
	require.NoError(t, err)

	initial, ok := p.Get("tenant-a")
	require.True(t, ok)

	// Add one target, change the DSN of the other.
	targets = []Target{
		{Name: "tenant-a", DSN: "dsn-a-moved"},
		{Name: "tenant-b", DSN: "dsn-b"},
	}
	require.NoError(t, p.Refresh(context.Background()))

	entries := p.List()
	require.Len(t, entries, 2)
	assert.Equal(t, "tenant-a", entries[0].Name)
	assert.Equal(t, "dsn-a-moved", entries[0].DSN)
	assert.Equal(t, "tenant-b", entries[1].Name)

	// The replaced store was disposed.
	require.Len(t, disposed, 1)
	assert.Same(t, initial.Store, disposed[0])
	assert.True(t, initial.Store.closed)

	// Remove everything.
	targets = nil
	require.NoError(t, p.Refresh(context.Background()))
	assert.Empty(t, p.List())
	assert.Len(t, disposed, 3)
}

func TestDynamicProvider_RefreshErrorKeepsSet(t *testing.T) {
	healthy := true
	source := &mockSource{
		discoverFunc: func(ctx context.Context) ([]Target, error) {
			if !healthy {
				return nil, errors.New("inventory unavailable")
			}
			return []Target{{Name: "tenant-a", DSN: "dsn-a"}}, nil
		},
	}

	p, err := NewDynamicProvider(context.Background(), source, fakeFactory)
	require.NoError(t, err)

	healthy = false
	assert.Error(t, p.Refresh(context.Background()))
	assert.Len(t, p.List(), 1, "a failed refresh keeps the previous set")
}

func TestDynamicProvider_FactoryErrorSkipsTarget(t *testing.T) {
	source := &mockSource{
		discoverFunc: func(ctx context.Context) ([]Target, error) {
			return []Target{
				{Name: "good", DSN: "dsn-good"},
				{Name: "bad", DSN: "dsn-bad"},
			}, nil
		},
	}
	factory := func(ctx context.Context, target Target) (*fakeStore, error) {
		if target.Name == "bad" {
			return nil, errors.New("connection refused")
		}
		return &fakeStore{dsn: target.DSN}, nil
	}

	p, err := NewDynamicProvider(context.Background(), source, factory)
	require.NoError(t, err)

	entries := p.List()
	require.Len(t, entries, 1)
	assert.Equal(t, "good", entries[0].Name)
}

func TestRoundRobin_Cycles(t *testing.T) {
	p, err := NewStaticProvider([]Entry[*fakeStore]{
		{Name: "a", Store: &fakeStore{}},
		{Name: "b", Store: &fakeStore{}},
	})
	require.NoError(t, err)

	s := NewRoundRobin[*fakeStore](p)

	var order []string
	for i := 0; i < 4; i++ {
		e, ok := s.Next()
		require.True(t, ok)
		order = append(order, e.Name)
		s.Report(1)
	}
	assert.Equal(t, []string{"a", "b", "a", "b"}, order)

	s.Reset()
	e, ok := s.Next()
	require.True(t, ok)
	assert.Equal(t, "a", e.Name)
}

func TestRoundRobin_EmptySet(t *testing.T) {
	p, err := NewStaticProvider[*fakeStore](nil)
	require.NoError(t, err)

	_, ok := NewRoundRobin[*fakeStore](p).Next()
	assert.False(t, ok)
}

func TestDrainFirst_StaysUntilEmpty(t *testing.T) {
	p, err := NewStaticProvider([]Entry[*fakeStore]{
		{Name: "a", Store: &fakeStore{}},
		{Name: "b", Store: &fakeStore{}},
	})
	require.NoError(t, err)

	s := NewDrainFirst[*fakeStore](p)

	// Backlogged store keeps the cursor.
	for i := 0; i < 3; i++ {
		e, ok := s.Next()
		require.True(t, ok)
		assert.Equal(t, "a", e.Name)
		s.Report(10)
	}

	// An empty sweep advances to the next store.
	e, ok := s.Next()
	require.True(t, ok)
	assert.Equal(t, "a", e.Name)
	s.Report(0)

	e, ok = s.Next()
	require.True(t, ok)
	assert.Equal(t, "b", e.Name)

	s.Reset()
	e, ok = s.Next()
	require.True(t, ok)
	assert.Equal(t, "a", e.Name)
}
