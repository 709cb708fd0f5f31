// Package memory provides an in-process settings store, used when no
// persistence is configured and in tests.
package memory

import (
	"context"
	"maps"
	"sync"
)

// Store keeps backend settings in memory.
type Store struct {
	mu    sync.RWMutex
	data  map[string]map[string]string
	saves int
}

// New returns a store seeded with a copy of initial.
func New(initial map[string]map[string]string) *Store {
	data := make(map[string]map[string]string, len(initial))
	for backend, values := range initial {
		data[backend] = maps.Clone(values)
	}
	return &Store{data: data}
}

func (s *Store) Load(_ context.Context) (map[string]map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]map[string]string, len(s.data))
	for backend, values := range s.data {
		out[backend] = maps.Clone(values)
	}
	return out, nil
}

func (s *Store) Save(_ context.Context, backend string, values map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[backend] = maps.Clone(values)
	s.saves++
	return nil
}

// Saves returns how many times Save was called.
func (s *Store) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}
