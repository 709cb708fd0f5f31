// Package ustc implements the campus chat backend: a queue-admitted,
// bearer-authenticated upstream that streams OpenAI-style chunks.
package ustc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"chatbridge/internal/admission"
	"chatbridge/internal/credential"
	"chatbridge/internal/models"
	"chatbridge/internal/provider"
	"chatbridge/internal/provider/chatwire"
	"chatbridge/internal/reframe"
)

const (
	// Name is the backend name models are registered under.
	Name = "USTC_Adapter"

	// DefaultBaseURL is the public campus chat endpoint.
	DefaultBaseURL = "https://chat.ustc.edu.cn"

	author = "chatbridge"

	chatPath      = "/ms-api/chat-messages"
	probePath     = "/ms-api/search-app"
	admissionPath = "/ms-api/mei-wei-bu-yong-deng"

	usernamePlaceholder = "PB********"
	passwordPlaceholder = "PASSWORD HERE"
)

// Options configures the backend.
type Options struct {
	BaseURL string
	// LoginCommand is an external helper that prints a bearer token. Empty
	// means credentials must be supplied through the settings store.
	LoginCommand string
	LoginTimeout time.Duration
	Retry        admission.Policy
}

// Backend talks to the campus chat upstream.
type Backend struct {
	baseURL string
	opts    Options
	// client carries the chat stream and must not time out mid-body.
	client *http.Client
	// aux carries the short probe and admission requests.
	aux    *http.Client
	models []provider.Model

	mu     sync.RWMutex
	caller *admission.Caller
}

// New constructs the backend. Configure must run before any model responds,
// which the registry does on registration.
func New(opts Options, client, aux *http.Client) (*Backend, error) {
	if client == nil || aux == nil {
		return nil, errors.New("http clients must not be nil")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", baseURL, err)
	}

	b := &Backend{
		baseURL: baseURL,
		opts:    opts,
		client:  client,
		aux:     aux,
	}
	b.models = []provider.Model{
		&model{backend: b, key: "deepseek-r1", display: "USTC Deepseek r1", identifier: "deepseek", allowsTools: false},
		&model{backend: b, key: "deepseek-v3", display: "USTC Deepseek v3", identifier: "deepseek-v3", allowsTools: true},
		&model{backend: b, key: "fool", display: "科大模型 (Qwen)", identifier: "whale-23", allowsTools: true},
	}
	return b, nil
}

func (b *Backend) Name() string        { return Name }
func (b *Backend) Description() string { return "USTC campus chat service" }
func (b *Backend) Author() string      { return author }

func (b *Backend) Models() []provider.Model {
	out := make([]provider.Model, len(b.models))
	copy(out, b.models)
	return out
}

func (b *Backend) ConfigSchema() []provider.ConfigField {
	return []provider.ConfigField{
		{Name: "username", Type: "string", Description: "Campus account id", Required: true},
		{Name: "password", Type: "string", Description: "Campus account password", Required: true, Secret: true},
		{Name: credential.SettingsKey, Type: "string", Description: "Cached bearer token, refreshed automatically", Secret: true},
		{Name: "login_command", Type: "string", Description: "Helper command printing a fresh bearer token"},
	}
}

// Configure binds the backend to its persisted settings and builds the
// credential and admission chain.
func (b *Backend) Configure(settings *provider.Settings) {
	var login credential.Provider
	if b.opts.LoginCommand != "" {
		login = credential.ExecProvider{Command: b.opts.LoginCommand, Timeout: b.opts.LoginTimeout}
	}

	manager := credential.NewManager(settings, credential.RequireFields{
		Fields: []string{"username", "password"},
		Placeholders: map[string]string{
			"username": usernamePlaceholder,
			"password": passwordPlaceholder,
		},
		Next: login,
	}, prober{b})

	b.mu.Lock()
	defer b.mu.Unlock()
	b.caller = &admission.Caller{
		Backend:     Name,
		Policy:      b.opts.Retry,
		Credentials: manager,
		Admitter:    admitter{b},
	}
}

func (b *Backend) currentCaller() (*admission.Caller, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.caller == nil {
		return nil, fmt.Errorf("backend %s is not configured", Name)
	}
	return b.caller, nil
}

func (b *Backend) newRequest(ctx context.Context, method, path string, body any, credential string) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Origin", b.baseURL)
	req.Header.Set("Referer", b.baseURL+"/ustchat/")
	return req, nil
}

type model struct {
	backend     *Backend
	key         string
	display     string
	identifier  string
	allowsTools bool
}

func (m *model) Key() string         { return m.key }
func (m *model) DisplayName() string { return m.display }
func (m *model) Identifier() string  { return m.identifier }
func (m *model) Backend() string     { return Name }
func (m *model) AllowsTools() bool   { return m.allowsTools }

func (m *model) Respond(ctx context.Context, req models.ChatRequest) (*reframe.Stream, error) {
	caller, err := m.backend.currentCaller()
	if err != nil {
		return nil, err
	}

	payload, err := chatwire.Build(req, m.identifier)
	if err != nil {
		return nil, err
	}
	withSearch := req.WithSearch
	payload.WithSearch = &withSearch

	resp, err := caller.Do(ctx, func(ctx context.Context, attempt admission.Attempt) (*http.Response, error) {
		payload.QueueCode = attempt.Token
		httpReq, err := m.backend.newRequest(ctx, http.MethodPost, chatPath, payload, attempt.Credential)
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Accept", "text/event-stream, */*")
		return m.backend.client.Do(httpReq)
	})
	if err != nil {
		return nil, err
	}
	return reframe.NewStream(resp.Body), nil
}
