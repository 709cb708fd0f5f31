package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"chatbridge/internal/models"
	"chatbridge/internal/reframe"
)

// ErrUnknownModel indicates the requested model is not registered.
var ErrUnknownModel = errors.New("unknown model")

// ErrDuplicateModel indicates an attempt to register the same composite key twice.
var ErrDuplicateModel = errors.New("model already registered")

// ErrDuplicateBackend indicates an attempt to register the same backend name twice.
var ErrDuplicateBackend = errors.New("backend already registered")

// Backend is an upstream provider owning a fixed set of models.
type Backend interface {
	Name() string
	Description() string
	Author() string
	Models() []Model
	ConfigSchema() []ConfigField
	// Configure is called once after a successful registration with the
	// backend's persisted settings.
	Configure(settings *Settings)
}

// Model is a callable chat endpoint owned by exactly one backend.
type Model interface {
	// Key is the model name within its backend.
	Key() string
	DisplayName() string
	// Identifier is the name the upstream knows the model by.
	Identifier() string
	// Backend is the name of the owning backend.
	Backend() string
	AllowsTools() bool
	// Respond issues the upstream call and returns its event stream. The
	// caller owns the stream and must close it.
	Respond(ctx context.Context, req models.ChatRequest) (*reframe.Stream, error)
}

// ConfigField describes one operator-facing configuration key of a backend.
type ConfigField struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
	Secret      bool   `json:"secret,omitempty"`
}

// ModelInfo pairs a model with its composite key.
type ModelInfo struct {
	ID    string
	Model Model
}

// CompositeKey builds the client-facing identifier of a backend model.
func CompositeKey(backend, model string) string {
	return "__" + backend + "__" + model
}

// Registry maintains the registered backends and their models in
// registration order.
type Registry struct {
	mu sync.RWMutex

	store     Store
	persisted map[string]map[string]string

	backends     map[string]Backend
	settings     map[string]*Settings
	backendOrder []string

	models     map[string]Model
	modelOrder []string
}

// NewRegistry constructs an empty registry. Persisted backend settings are
// read from store once, up front; a nil store keeps settings in memory only.
func NewRegistry(ctx context.Context, store Store) (*Registry, error) {
	persisted := map[string]map[string]string{}
	if store != nil {
		loaded, err := store.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("load persisted backend settings: %w", err)
		}
		if loaded != nil {
			persisted = loaded
		}
	}

	return &Registry{
		store:     store,
		persisted: persisted,
		backends:  make(map[string]Backend),
		settings:  make(map[string]*Settings),
		models:    make(map[string]Model),
	}, nil
}

// RegisterBackend adds the backend and every model it owns. Registration is
// all or nothing: a colliding composite key leaves the registry unchanged.
func (r *Registry) RegisterBackend(b Backend) error {
	if b == nil {
		return errors.New("backend must not be nil")
	}
	name := strings.TrimSpace(b.Name())
	if name == "" {
		return errors.New("backend name must not be empty")
	}

	settings, err := r.register(name, b)
	if err != nil {
		return err
	}

	b.Configure(settings)
	return nil
}

func (r *Registry) register(name string, b Backend) (*Settings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.backends[name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateBackend, name)
	}

	owned := b.Models()
	keys := make([]string, 0, len(owned))
	seen := make(map[string]struct{}, len(owned))
	for _, m := range owned {
		if m == nil {
			return nil, fmt.Errorf("backend %q returned a nil model", name)
		}
		if m.Backend() != name {
			return nil, fmt.Errorf("model %q claims backend %q, registered under %q", m.Key(), m.Backend(), name)
		}
		key := CompositeKey(name, m.Key())
		if _, exists := r.models[key]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateModel, key)
		}
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateModel, key)
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}

	r.backends[name] = b
	r.backendOrder = append(r.backendOrder, name)
	for i, key := range keys {
		r.models[key] = owned[i]
		r.modelOrder = append(r.modelOrder, key)
	}

	settings := NewSettings(name, r.store, r.persisted[name])
	r.settings[name] = settings
	return settings, nil
}

// ResolveModel returns the model registered under the composite key.
func (r *Registry) ResolveModel(compositeKey string) (Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.models[compositeKey]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, compositeKey)
	}
	return m, nil
}

// Backend returns a registered backend by name.
func (r *Registry) Backend(name string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.backends[name]
	return b, ok
}

// Settings returns the settings bound to a registered backend.
func (r *Registry) Settings(name string) (*Settings, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.settings[name]
	return s, ok
}

// ListBackends returns the registered backends in registration order.
func (r *Registry) ListBackends() []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Backend, 0, len(r.backendOrder))
	for _, name := range r.backendOrder {
		out = append(out, r.backends[name])
	}
	return out
}

// ListModels returns every registered model in registration order.
func (r *Registry) ListModels() []ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ModelInfo, 0, len(r.modelOrder))
	for _, key := range r.modelOrder {
		out = append(out, ModelInfo{ID: key, Model: r.models[key]})
	}
	return out
}
