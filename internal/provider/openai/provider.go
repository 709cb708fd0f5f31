package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"chatbridge/internal/admission"
	"chatbridge/internal/credential"
	"chatbridge/internal/models"
	"chatbridge/internal/provider"
	"chatbridge/internal/provider/chatwire"
	"chatbridge/internal/reframe"
)

const (
	// Name is the backend name models are registered under.
	Name = "OpenAI_Compatible"

	contentTypeJSON = "application/json"
	userAgent       = "chatbridge/0.1"
	apiKeyField     = "api_key"
)

// ModelSpec declares one upstream model exposed through the backend.
type ModelSpec struct {
	Key         string
	ID          string
	DisplayName string
	AllowsTools bool
}

// Options configures the backend.
type Options struct {
	BaseURL string
	APIKey  string
	Headers map[string]string
	Models  []ModelSpec
	Retry   admission.Policy
}

// Provider implements the backend for OpenAI-compatible chat APIs.
type Provider struct {
	apiKey  string
	headers map[string]string
	client  *http.Client
	models  []provider.Model
	chatURL string
	retry   admission.Policy

	mu     sync.RWMutex
	caller *admission.Caller
}

// New creates a new OpenAI-compatible backend.
func New(opts Options, client *http.Client) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}
	if len(opts.Models) == 0 {
		return nil, errors.New("at least one model must be configured")
	}

	p := &Provider{
		apiKey:  opts.APIKey,
		headers: opts.Headers,
		client:  client,
		chatURL: baseURL + "/chat/completions",
		retry:   opts.Retry,
		caller:  &admission.Caller{Backend: Name, Policy: opts.Retry},
	}

	for _, spec := range opts.Models {
		if strings.TrimSpace(spec.Key) == "" || strings.TrimSpace(spec.ID) == "" {
			return nil, fmt.Errorf("model key and id must not be empty (key %q, id %q)", spec.Key, spec.ID)
		}
		display := spec.DisplayName
		if display == "" {
			display = spec.ID
		}
		p.models = append(p.models, &model{
			provider:    p,
			key:         spec.Key,
			display:     display,
			identifier:  spec.ID,
			allowsTools: spec.AllowsTools,
		})
	}

	return p, nil
}

func (p *Provider) Name() string        { return Name }
func (p *Provider) Description() string { return "OpenAI-compatible chat completions API" }
func (p *Provider) Author() string      { return "chatbridge" }

func (p *Provider) Models() []provider.Model {
	result := make([]provider.Model, len(p.models))
	copy(result, p.models)
	return result
}

func (p *Provider) ConfigSchema() []provider.ConfigField {
	return []provider.ConfigField{
		{Name: apiKeyField, Type: "string", Description: "Bearer API key sent upstream", Required: true, Secret: true},
	}
}

// Configure binds the API key source. A key persisted in settings takes
// precedence over the configured one and is re-read on every call.
func (p *Provider) Configure(settings *provider.Settings) {
	creds := credential.StaticKey{Settings: settings, Field: apiKeyField, Default: p.apiKey}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.caller = &admission.Caller{Backend: Name, Policy: p.retry, Credentials: creds}
}

func (p *Provider) currentCaller() *admission.Caller {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.caller
}

func (p *Provider) newRequest(ctx context.Context, payload any, apiKey string) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.chatURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("User-Agent", userAgent)
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	for k, v := range p.headers {
		req.Header.Set(k, v)
	}

	return req, nil
}

type model struct {
	provider    *Provider
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
	payload, err := chatwire.Build(req, m.identifier)
	if err != nil {
		return nil, err
	}

	resp, err := m.provider.currentCaller().Do(ctx, func(ctx context.Context, attempt admission.Attempt) (*http.Response, error) {
		httpReq, err := m.provider.newRequest(ctx, payload, attempt.Credential)
		if err != nil {
			return nil, err
		}
		return m.provider.client.Do(httpReq)
	})
	if err != nil {
		return nil, err
	}
	return reframe.NewStream(resp.Body), nil
}
