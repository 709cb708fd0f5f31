// Package credential manages the lifecycle of backend bearer credentials:
// caching in backend settings, liveness checks, and refresh through an
// external provider.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"chatbridge/internal/observability"
	"chatbridge/internal/provider"
)

// SettingsKey is the settings key the cached credential is stored under.
const SettingsKey = "credentials"

// ErrAuthPending indicates the provider cannot produce a credential yet.
var ErrAuthPending = errors.New("authentication pending")

// ConfigurationRequiredError reports operator-supplied identity inputs that
// are missing or still hold placeholder values.
type ConfigurationRequiredError struct {
	Backend string
	Fields  []string
}

func (e *ConfigurationRequiredError) Error() string {
	return fmt.Sprintf("backend %s requires configuration: set %s", e.Backend, strings.Join(e.Fields, ", "))
}

// Provider obtains a fresh credential for a backend.
type Provider interface {
	Obtain(ctx context.Context, settings *provider.Settings) (string, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, settings *provider.Settings) (string, error)

func (f ProviderFunc) Obtain(ctx context.Context, settings *provider.Settings) (string, error) {
	return f(ctx, settings)
}

// Prober checks whether a cached credential is still accepted upstream.
type Prober interface {
	Alive(ctx context.Context, credential string) (bool, error)
}

// Terminal reports whether err should end an upstream call without retrying.
func Terminal(err error) bool {
	var cfgErr *ConfigurationRequiredError
	return errors.As(err, &cfgErr) || errors.Is(err, ErrAuthPending)
}

// Manager hands out the current credential of one backend. Liveness probes
// run without holding any lock; refreshes are coalesced so concurrent
// callers that all see a stale credential trigger a single refresh.
type Manager struct {
	mu       sync.Mutex
	settings *provider.Settings
	provider Provider
	prober   Prober
	now      func() time.Time

	refreshes singleflight.Group
}

// NewManager builds a manager over the backend settings. prober may be nil,
// in which case a cached credential is trusted until invalidated.
func NewManager(settings *provider.Settings, p Provider, prober Prober) *Manager {
	return &Manager{
		settings: settings,
		provider: p,
		prober:   prober,
		now:      time.Now,
	}
}

// Current returns a credential believed to be valid, refreshing it when the
// cached one is missing, expired, or rejected by the prober.
func (m *Manager) Current(ctx context.Context) (string, error) {
	backend := m.settings.Backend()
	cached := m.settings.Get(SettingsKey)
	if cached != "" && !m.expired(cached) {
		if m.prober == nil {
			return cached, nil
		}
		alive, err := m.prober.Alive(ctx, cached)
		if err != nil {
			return "", fmt.Errorf("probe credential for backend %s: %w", backend, err)
		}
		if alive {
			return cached, nil
		}
		slog.Info("cached credential rejected, refreshing", "backend", backend)
	}

	token, err, _ := m.refreshes.Do(cached, func() (any, error) {
		return m.refresh(ctx, cached)
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

// refresh replaces stale with a freshly obtained credential, unless another
// caller has already replaced it.
func (m *Manager) refresh(ctx context.Context, stale string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	backend := m.settings.Backend()
	if current := m.settings.Get(SettingsKey); current != "" && current != stale && !m.expired(current) {
		return current, nil
	}

	token, err := m.provider.Obtain(ctx, m.settings)
	if err != nil {
		observability.CredentialRefreshesTotal.WithLabelValues(backend, "error").Inc()
		return "", err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		observability.CredentialRefreshesTotal.WithLabelValues(backend, "pending").Inc()
		return "", ErrAuthPending
	}

	if err := m.settings.Set(ctx, SettingsKey, token); err != nil {
		observability.CredentialRefreshesTotal.WithLabelValues(backend, "error").Inc()
		return "", err
	}
	observability.CredentialRefreshesTotal.WithLabelValues(backend, "ok").Inc()
	slog.Info("credential refreshed", "backend", backend)
	return token, nil
}

// Invalidate drops the cached credential if it is still the given stale one.
func (m *Manager) Invalidate(ctx context.Context, stale string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.settings.Update(ctx, func(values map[string]string) error {
		if values[SettingsKey] == stale {
			delete(values, SettingsKey)
		}
		return nil
	})
}

// expired reports whether the credential is a JWT whose exp claim has
// passed. Opaque tokens are never considered expired here.
func (m *Manager) expired(token string) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Before(m.now())
}
