package factory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"chatbridge/internal/admission"
	"chatbridge/internal/config"
	"chatbridge/internal/provider"
	openaiBackend "chatbridge/internal/provider/openai"
	ustcBackend "chatbridge/internal/provider/ustc"
	"chatbridge/internal/store/file"
	"chatbridge/internal/store/memory"
	"chatbridge/internal/store/postgres"
)

const (
	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second

	auxRetryMax     = 2
	auxRetryWaitMax = 2 * time.Second
	auxTimeout      = 15 * time.Second
)

// OpenStore opens the settings store the configuration selects. The returned
// func releases it.
func OpenStore(ctx context.Context, cfg config.StateConfig) (provider.Store, func(), error) {
	switch cfg.Driver {
	case config.DriverFile:
		s, err := file.New(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open settings file: %w", err)
		}
		return s, func() {}, nil
	case config.DriverPostgres:
		s, err := postgres.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open settings database: %w", err)
		}
		return s, s.Close, nil
	case config.DriverMemory:
		return memory.New(nil), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown state driver %q", cfg.Driver)
	}
}

// NewRegistry opens the settings store and registers every enabled backend.
// The returned func releases the store.
func NewRegistry(ctx context.Context, cfg config.Config) (*provider.Registry, func(), error) {
	store, closeStore, err := OpenStore(ctx, cfg.State)
	if err != nil {
		return nil, nil, err
	}

	registry, err := provider.NewRegistry(ctx, store)
	if err != nil {
		closeStore()
		return nil, nil, err
	}

	if err := RegisterConfiguredBackends(cfg, registry); err != nil {
		closeStore()
		return nil, nil, err
	}
	return registry, closeStore, nil
}

// RegisterConfiguredBackends constructs the enabled backends and registers
// them in configuration order.
func RegisterConfiguredBackends(cfg config.Config, registry *provider.Registry) error {
	if registry == nil {
		return errors.New("registry must not be nil")
	}

	policy := RetryPolicy(cfg.Retry)
	aux := newAuxClient()

	if cfg.Backends.USTC.Enabled {
		backend, err := ustcBackend.New(ustcBackend.Options{
			BaseURL:      cfg.Backends.USTC.BaseURL,
			LoginCommand: cfg.Backends.USTC.LoginCommand,
			LoginTimeout: cfg.Backends.USTC.LoginTimeout,
			Retry:        policy,
		}, newStreamClient(cfg.Backends.USTC.Timeout), aux)
		if err != nil {
			return fmt.Errorf("initialise %s backend: %w", ustcBackend.Name, err)
		}
		if err := registry.RegisterBackend(backend); err != nil {
			return fmt.Errorf("register %s backend: %w", ustcBackend.Name, err)
		}
	}

	if cfg.Backends.OpenAI.Enabled {
		specs := make([]openaiBackend.ModelSpec, 0, len(cfg.Backends.OpenAI.Models))
		for _, m := range cfg.Backends.OpenAI.Models {
			specs = append(specs, openaiBackend.ModelSpec{
				Key:         m.Key,
				ID:          m.ID,
				DisplayName: m.DisplayName,
				AllowsTools: m.AllowsTools,
			})
		}

		backend, err := openaiBackend.New(openaiBackend.Options{
			BaseURL: cfg.Backends.OpenAI.BaseURL,
			APIKey:  cfg.Backends.OpenAI.APIKey,
			Headers: cfg.Backends.OpenAI.Headers,
			Models:  specs,
			Retry:   policy,
		}, newStreamClient(cfg.Backends.OpenAI.Timeout))
		if err != nil {
			return fmt.Errorf("initialise %s backend: %w", openaiBackend.Name, err)
		}
		if err := registry.RegisterBackend(backend); err != nil {
			return fmt.Errorf("register %s backend: %w", openaiBackend.Name, err)
		}
	}

	return nil
}

// RetryPolicy converts the configured retry bounds.
func RetryPolicy(cfg config.RetryConfig) admission.Policy {
	return admission.Policy{
		MaxAttempts:     cfg.MaxAttempts,
		InitialInterval: cfg.InitialInterval,
		MaxInterval:     cfg.MaxInterval,
		Multiplier:      cfg.Multiplier,
		Jitter:          cfg.Jitter,
	}
}

// newStreamClient builds the client for chat streams. Only the wait for
// response headers is bounded; the body may stream for as long as the
// upstream keeps producing.
func newStreamClient(headerTimeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: headerTimeout,
	}

	return &http.Client{
		Transport: otelhttp.NewTransport(transport),
	}
}

// newAuxClient builds the retrying client for short probe and admission
// requests.
func newAuxClient() *http.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = auxRetryMax
	retryClient.RetryWaitMax = auxRetryWaitMax
	retryClient.CheckRetry = retryablehttp.ErrorPropagatedRetryPolicy
	retryClient.Logger = slog.Default()

	stdClient := retryClient.StandardClient()
	stdClient.Timeout = auxTimeout
	stdClient.Transport = otelhttp.NewTransport(stdClient.Transport)
	return stdClient
}
