package provider

import (
	"context"
	"fmt"
	"maps"
	"sync"
)

// Store persists backend settings keyed by backend name.
type Store interface {
	Load(ctx context.Context) (map[string]map[string]string, error)
	Save(ctx context.Context, backend string, values map[string]string) error
}

// Settings is the mutable key/value configuration of one backend. Reads and
// read-modify-persist updates are mutually exclusive; every mutation is
// flushed to the store before it becomes visible.
type Settings struct {
	mu      sync.Mutex
	backend string
	values  map[string]string
	store   Store
}

// NewSettings binds initial values to a backend. A nil store keeps the
// values in memory only.
func NewSettings(backend string, store Store, initial map[string]string) *Settings {
	values := make(map[string]string, len(initial))
	maps.Copy(values, initial)
	return &Settings{
		backend: backend,
		values:  values,
		store:   store,
	}
}

// Backend returns the name of the owning backend.
func (s *Settings) Backend() string {
	return s.backend
}

// Get returns the value stored under key, or "" when unset.
func (s *Settings) Get(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key]
}

// Snapshot returns a copy of all values.
func (s *Settings) Snapshot() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.values)
}

// Set stores a single value and persists the result.
func (s *Settings) Set(ctx context.Context, key, value string) error {
	return s.Update(ctx, func(values map[string]string) error {
		values[key] = value
		return nil
	})
}

// Update applies fn to a working copy of the values and persists it. The
// in-memory values change only when both fn and the store succeed.
func (s *Settings) Update(ctx context.Context, fn func(values map[string]string) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := maps.Clone(s.values)
	if next == nil {
		next = make(map[string]string)
	}
	if err := fn(next); err != nil {
		return err
	}

	if s.store != nil {
		if err := s.store.Save(ctx, s.backend, next); err != nil {
			return fmt.Errorf("persist settings for backend %q: %w", s.backend, err)
		}
	}
	s.values = next
	return nil
}
