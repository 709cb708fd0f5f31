// Package file persists backend settings as a single JSON document.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"sync"

	"github.com/moby/sys/atomicwriter"

	"chatbridge/internal/provider"
)

var _ provider.Store = (*Store)(nil)

// Store keeps the document in memory and rewrites the whole file on every
// save. Writes go through a temporary file and a rename so a crash never
// leaves a truncated document behind.
type Store struct {
	mu   sync.Mutex
	path string
	doc  map[string]map[string]string
}

// New opens the document at path. A missing file is treated as empty and is
// created on the first save.
func New(path string) (*Store, error) {
	s := &Store{path: path, doc: map[string]map[string]string{}}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read settings file %q: %w", path, err)
	}

	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.doc); err != nil {
		return nil, fmt.Errorf("parse settings file %q: %w", path, err)
	}
	if s.doc == nil {
		s.doc = map[string]map[string]string{}
	}
	return s, nil
}

func (s *Store) Load(_ context.Context) (map[string]map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]map[string]string, len(s.doc))
	for backend, values := range s.doc {
		out[backend] = maps.Clone(values)
	}
	return out, nil
}

func (s *Store) Save(_ context.Context, backend string, values map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := maps.Clone(s.doc)
	next[backend] = maps.Clone(values)

	data, err := json.MarshalIndent(next, "", "    ")
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := writeAtomic(s.path, data); err != nil {
		return err
	}

	s.doc = next
	return nil
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create settings directory: %w", err)
	}
	if err := atomicwriter.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("replace settings file: %w", err)
	}
	return nil
}
