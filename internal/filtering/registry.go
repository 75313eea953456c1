package filtering

import (
	"context"
	"fmt"
	"sync"
)

// Registry is a named collection of [Store] instances, letting the API,
// policy, and replication layers refer to list stores by name instead of
// passing *Store references around individually.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*Store
}

// NewRegistry returns an empty *Registry.
func NewRegistry() (reg *Registry) {
	return &Registry{byName: make(map[string]*Store)}
}

// Register adds s under its own [Store.Name], failing if that name is
// already taken.
func (reg *Registry) Register(s *Store) (err error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	name := s.Name()
	if _, ok := reg.byName[name]; ok {
		return fmt.Errorf("filtering: registry: store %q already registered", name)
	}

	reg.byName[name] = s

	return nil
}

// Get returns the store named name, or ok=false if there is none.
func (reg *Registry) Get(name string) (s *Store, ok bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	s, ok = reg.byName[name]

	return s, ok
}

// Names returns the names of every registered store, in no particular
// order.
func (reg *Registry) Names() (names []string) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	names = make([]string, 0, len(reg.byName))
	for name := range reg.byName {
		names = append(names, name)
	}

	return names
}

// ApplyRemote dispatches a remotely-received event to the store named
// store.
func (reg *Registry) ApplyRemote(ctx context.Context, store string, ev Event) (err error) {
	s, ok := reg.Get(store)
	if !ok {
		return fmt.Errorf("filtering: registry: unknown store %q", store)
	}

	return s.ApplyRemote(ctx, ev)
}

// ListEntries returns every entry of every registered store, keyed by
// store name.  Implements [github.com/wforce/wforced/internal/replication.SyncProvider].
func (reg *Registry) ListEntries() (entries map[string][]Entry, err error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	entries = make(map[string][]Entry, len(reg.byName))
	for name, s := range reg.byName {
		entries[name] = s.All()
	}

	return entries, nil
}

// StartExpireThreads starts the expiry sweep on every registered store.
func (reg *Registry) StartExpireThreads(ctx context.Context) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	for _, s := range reg.byName {
		s.StartExpireThread(ctx)
	}
}

// Shutdown stops every registered store's expiry sweep.
func (reg *Registry) Shutdown(ctx context.Context) (err error) {
	reg.mu.RLock()
	stores := make([]*Store, 0, len(reg.byName))
	for _, s := range reg.byName {
		stores = append(stores, s)
	}
	reg.mu.RUnlock()

	for _, s := range stores {
		if serr := s.Shutdown(ctx); serr != nil {
			err = serr
		}
	}

	return err
}
