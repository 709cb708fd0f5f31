package credential

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatbridge/internal/provider"
	"chatbridge/internal/store/memory"
)

type proberFunc func(ctx context.Context, credential string) (bool, error)

func (f proberFunc) Alive(ctx context.Context, credential string) (bool, error) {
	return f(ctx, credential)
}

func newSettings(t *testing.T, values map[string]string) (*provider.Settings, *memory.Store) {
	t.Helper()
	store := memory.New(nil)
	return provider.NewSettings("USTC_Adapter", store, values), store
}

func staticToken(token string, calls *atomic.Int32) Provider {
	return ProviderFunc(func(context.Context, *provider.Settings) (string, error) {
		calls.Add(1)
		return token, nil
	})
}

func TestManager_Current(t *testing.T) {
	tests := map[string]struct {
		cached      string
		alive       bool
		wantToken   string
		wantObtains int32
	}{
		"cached-alive": {
			cached:      "old",
			alive:       true,
			wantToken:   "old",
			wantObtains: 0,
		},
		"cached-stale": {
			cached:      "old",
			alive:       false,
			wantToken:   "fresh",
			wantObtains: 1,
		},
		"nothing-cached": {
			wantToken:   "fresh",
			wantObtains: 1,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			values := map[string]string{}
			if tt.cached != "" {
				values[SettingsKey] = tt.cached
			}
			settings, store := newSettings(t, values)

			var obtains atomic.Int32
			prober := proberFunc(func(_ context.Context, credential string) (bool, error) {
				return tt.alive, nil
			})
			m := NewManager(settings, staticToken("fresh", &obtains), prober)

			token, err := m.Current(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.wantToken, token)
			assert.Equal(t, tt.wantObtains, obtains.Load())
			assert.Equal(t, tt.wantToken, settings.Get(SettingsKey))

			if tt.wantObtains > 0 {
				persisted, err := store.Load(context.Background())
				require.NoError(t, err)
				assert.Equal(t, "fresh", persisted["USTC_Adapter"][SettingsKey])
			}
		})
	}
}

func TestManager_ExpiredJWTSkipsProbe(t *testing.T) {
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(-time.Hour).Unix(),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	settings, _ := newSettings(t, map[string]string{SettingsKey: expired})

	var probes, obtains atomic.Int32
	prober := proberFunc(func(context.Context, string) (bool, error) {
		probes.Add(1)
		return true, nil
	})
	m := NewManager(settings, staticToken("fresh", &obtains), prober)

	token, err := m.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh", token)
	assert.Equal(t, int32(0), probes.Load())
	assert.Equal(t, int32(1), obtains.Load())
}

func TestManager_ConcurrentStaleRefreshesOnce(t *testing.T) {
	settings, _ := newSettings(t, map[string]string{SettingsKey: "stale"})

	var obtains atomic.Int32
	prober := proberFunc(func(_ context.Context, credential string) (bool, error) {
		return credential != "stale", nil
	})
	m := NewManager(settings, staticToken("fresh", &obtains), prober)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := m.Current(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "fresh", token)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), obtains.Load())
}

func TestManager_ProbesRunConcurrently(t *testing.T) {
	settings, _ := newSettings(t, map[string]string{SettingsKey: "tok"})

	const callers = 5
	var inFlight atomic.Int32
	all := make(chan struct{})
	prober := proberFunc(func(ctx context.Context, _ string) (bool, error) {
		if inFlight.Add(1) == callers {
			close(all)
		}
		select {
		case <-all:
			return true, nil
		case <-time.After(5 * time.Second):
			return false, errors.New("probes did not overlap")
		}
	})
	var obtains atomic.Int32
	m := NewManager(settings, staticToken("fresh", &obtains), prober)

	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := m.Current(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "tok", token)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(callers), inFlight.Load())
	assert.Equal(t, int32(0), obtains.Load())
}

func TestManager_ProbeErrorIsReturned(t *testing.T) {
	settings, _ := newSettings(t, map[string]string{SettingsKey: "tok"})
	probeErr := errors.New("connection refused")
	m := NewManager(settings, ProviderFunc(func(context.Context, *provider.Settings) (string, error) {
		t.Fatal("provider must not be called")
		return "", nil
	}), proberFunc(func(context.Context, string) (bool, error) {
		return false, probeErr
	}))

	_, err := m.Current(context.Background())
	assert.ErrorIs(t, err, probeErr)
	assert.False(t, Terminal(err))
}

func TestManager_EmptyTokenIsPending(t *testing.T) {
	settings, _ := newSettings(t, nil)
	var obtains atomic.Int32
	m := NewManager(settings, staticToken("  ", &obtains), nil)

	_, err := m.Current(context.Background())
	assert.ErrorIs(t, err, ErrAuthPending)
}

func TestManager_Invalidate(t *testing.T) {
	settings, _ := newSettings(t, map[string]string{SettingsKey: "newer"})
	var obtains atomic.Int32
	m := NewManager(settings, staticToken("x", &obtains), nil)

	require.NoError(t, m.Invalidate(context.Background(), "older"))
	assert.Equal(t, "newer", settings.Get(SettingsKey), "a newer credential is kept")

	require.NoError(t, m.Invalidate(context.Background(), "newer"))
	assert.Empty(t, settings.Get(SettingsKey))
}

func TestRequireFields(t *testing.T) {
	placeholders := map[string]string{
		"username": "PB********",
		"password": "PASSWORD HERE",
	}

	tests := map[string]struct {
		values      map[string]string
		next        Provider
		wantFields  []string
		wantPending bool
		wantToken   string
	}{
		"all-missing": {
			values:     map[string]string{},
			wantFields: []string{"username", "password"},
		},
		"placeholder-password": {
			values:     map[string]string{"username": "PB123", "password": "PASSWORD HERE"},
			wantFields: []string{"password"},
		},
		"no-login-helper": {
			values:      map[string]string{"username": "PB123", "password": "hunter2"},
			wantPending: true,
		},
		"delegates": {
			values: map[string]string{"username": "PB123", "password": "hunter2"},
			next: ProviderFunc(func(_ context.Context, s *provider.Settings) (string, error) {
				return "token-for-" + s.Get("username"), nil
			}),
			wantToken: "token-for-PB123",
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			settings, _ := newSettings(t, tt.values)
			p := RequireFields{
				Fields:       []string{"username", "password"},
				Placeholders: placeholders,
				Next:         tt.next,
			}

			token, err := p.Obtain(context.Background(), settings)

			switch {
			case tt.wantFields != nil:
				var cfgErr *ConfigurationRequiredError
				require.ErrorAs(t, err, &cfgErr)
				assert.Equal(t, tt.wantFields, cfgErr.Fields)
				assert.Contains(t, cfgErr.Error(), "USTC_Adapter")
				assert.True(t, Terminal(err))
				for _, field := range tt.wantFields {
					assert.Equal(t, placeholders[field], settings.Get(field))
				}
			case tt.wantPending:
				assert.ErrorIs(t, err, ErrAuthPending)
				assert.True(t, Terminal(err))
			default:
				require.NoError(t, err)
				assert.Equal(t, tt.wantToken, token)
			}
		})
	}
}

func TestStaticKey(t *testing.T) {
	settings, store := newSettings(t, nil)
	key := StaticKey{Settings: settings, Field: "api_key", Default: "sk-config"}

	token, err := key.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sk-config", token)

	require.NoError(t, settings.Set(context.Background(), "api_key", "sk-rotated"))
	token, err = key.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sk-rotated", token, "settings updates take effect without reconfiguring")

	require.NoError(t, key.Invalidate(context.Background(), token))
	persisted, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"api_key": "sk-rotated"}, persisted["USTC_Adapter"], "the key is never cached a second time")

	empty, _ := newSettings(t, nil)
	_, err = StaticKey{Settings: empty, Field: "api_key"}.Current(context.Background())
	var cfgErr *ConfigurationRequiredError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, []string{"api_key"}, cfgErr.Fields)
	assert.True(t, Terminal(err))
}

func TestExecProvider(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on echo being an executable")
	}
	settings, _ := newSettings(t, map[string]string{"username": "PB123"})

	token, err := ExecProvider{Command: "echo token-123", Timeout: 5 * time.Second}.Obtain(context.Background(), settings)
	require.NoError(t, err)
	assert.Equal(t, "token-123", token)

	_, err = ExecProvider{Command: "   "}.Obtain(context.Background(), settings)
	assert.Error(t, err)

	_, err = ExecProvider{Command: "true"}.Obtain(context.Background(), settings)
	assert.ErrorIs(t, err, ErrAuthPending)
}
