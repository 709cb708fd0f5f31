package ustc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatbridge/internal/admission"
	"chatbridge/internal/credential"
	"chatbridge/internal/models"
	"chatbridge/internal/provider"
	"chatbridge/internal/store/memory"
)

type upstream struct {
	mu         sync.Mutex
	validToken string
	queued     []string
	chats      []map[string]any
	authSeen   []string
	probes     int
	// admitStatuses is answered to successive admission requests; once
	// exhausted the queue answers 200.
	admitStatuses []int
	admitAuth     []string
}

func (u *upstream) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+probePath, func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		defer u.mu.Unlock()
		u.probes++
		if r.Header.Get("Authorization") != "Bearer "+u.validToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET "+admissionPath, func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		defer u.mu.Unlock()
		u.queued = append(u.queued, r.URL.Query().Get("queue_code"))
		u.admitAuth = append(u.admitAuth, r.Header.Get("Authorization"))
		status := http.StatusOK
		if len(u.admitStatuses) > 0 {
			status, u.admitStatuses = u.admitStatuses[0], u.admitStatuses[1:]
		}
		w.WriteHeader(status)
	})
	mux.HandleFunc("POST "+chatPath, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&body)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		u.mu.Lock()
		u.chats = append(u.chats, body)
		u.authSeen = append(u.authSeen, r.Header.Get("Authorization"))
		u.mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"id\":\"chatcmpl-1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"id\":\"chatcmpl-1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"lo\"},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})
	return mux
}

func newBackend(t *testing.T, u *upstream, opts Options) *Backend {
	t.Helper()
	srv := httptest.NewServer(u.handler(t))
	t.Cleanup(srv.Close)

	opts.BaseURL = srv.URL
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = admission.Policy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1}
	}
	b, err := New(opts, srv.Client(), srv.Client())
	require.NoError(t, err)
	return b
}

func configure(b *Backend, values map[string]string) *provider.Settings {
	settings := provider.NewSettings(Name, memory.New(nil), values)
	b.Configure(settings)
	return settings
}

func modelByKey(t *testing.T, b *Backend, key string) provider.Model {
	t.Helper()
	for _, m := range b.Models() {
		if m.Key() == key {
			return m
		}
	}
	t.Fatalf("model %q not found", key)
	return nil
}

func TestBackend_Models(t *testing.T) {
	b := newBackend(t, &upstream{}, Options{})

	var keys, ids []string
	for _, m := range b.Models() {
		keys = append(keys, provider.CompositeKey(m.Backend(), m.Key()))
		ids = append(ids, m.Identifier())
	}
	assert.Equal(t, []string{"__USTC_Adapter__deepseek-r1", "__USTC_Adapter__deepseek-v3", "__USTC_Adapter__fool"}, keys)
	assert.Equal(t, []string{"deepseek", "deepseek-v3", "whale-23"}, ids)
	assert.False(t, modelByKey(t, b, "deepseek-r1").AllowsTools())
}

func TestModel_RespondWithCachedCredential(t *testing.T) {
	u := &upstream{validToken: "tok"}
	b := newBackend(t, u, Options{})
	configure(b, map[string]string{"username": "PB1", "password": "pw", credential.SettingsKey: "tok"})

	stream, err := modelByKey(t, b, "deepseek-v3").Respond(context.Background(), models.ChatRequest{
		Messages:   []models.Message{{Role: models.RoleUser, Content: "hi"}},
		WithSearch: true,
	})
	require.NoError(t, err)
	defer stream.Close()

	result, err := stream.Collect(context.Background(), "__USTC_Adapter__deepseek-v3")
	require.NoError(t, err)
	assert.Equal(t, "Hello", result.Message.Content)
	assert.Equal(t, "chatcmpl-1", result.ID)

	u.mu.Lock()
	defer u.mu.Unlock()
	require.Len(t, u.chats, 1)
	require.Len(t, u.queued, 1)
	assert.Equal(t, u.queued[0], u.chats[0]["queue_code"], "chat reuses the admitted token")
	assert.Len(t, u.queued[0], admission.TokenLength)
	assert.Equal(t, "deepseek-v3", u.chats[0]["model"])
	assert.Equal(t, true, u.chats[0]["stream"])
	assert.Equal(t, true, u.chats[0]["with_search"])
	assert.Equal(t, []string{"Bearer tok"}, u.authSeen)
}

func TestModel_RespondRequiresConfiguration(t *testing.T) {
	u := &upstream{validToken: "tok"}
	b := newBackend(t, u, Options{})
	settings := configure(b, nil)

	_, err := modelByKey(t, b, "deepseek-r1").Respond(context.Background(), models.ChatRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	})

	var cfgErr *credential.ConfigurationRequiredError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, []string{"username", "password"}, cfgErr.Fields)
	assert.Equal(t, usernamePlaceholder, settings.Get("username"))
	assert.Equal(t, passwordPlaceholder, settings.Get("password"))

	u.mu.Lock()
	defer u.mu.Unlock()
	assert.Empty(t, u.chats)
}

func TestModel_RespondRefreshesStaleCredential(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on echo being an executable")
	}
	u := &upstream{validToken: "fresh-token"}
	b := newBackend(t, u, Options{LoginCommand: "echo fresh-token", LoginTimeout: 5 * time.Second})
	settings := configure(b, map[string]string{"username": "PB1", "password": "pw", credential.SettingsKey: "stale"})

	stream, err := modelByKey(t, b, "fool").Respond(context.Background(), models.ChatRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	require.NoError(t, stream.Close())

	assert.Equal(t, "fresh-token", settings.Get(credential.SettingsKey))
	u.mu.Lock()
	defer u.mu.Unlock()
	assert.Equal(t, []string{"Bearer fresh-token"}, u.authSeen)
	assert.Equal(t, "whale-23", u.chats[0]["model"])
	assert.Equal(t, false, u.chats[0]["with_search"])
}

func TestModel_RespondWithoutLoginHelperIsPending(t *testing.T) {
	u := &upstream{validToken: "fresh-token"}
	b := newBackend(t, u, Options{})
	configure(b, map[string]string{"username": "PB1", "password": "pw", credential.SettingsKey: "stale"})

	_, err := modelByKey(t, b, "fool").Respond(context.Background(), models.ChatRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	})
	assert.ErrorIs(t, err, credential.ErrAuthPending)
}

func TestModel_RespondBeforeConfigure(t *testing.T) {
	b := newBackend(t, &upstream{}, Options{})
	_, err := modelByKey(t, b, "fool").Respond(context.Background(), models.ChatRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	})
	assert.ErrorContains(t, err, "not configured")
}

func TestModel_RespondAdmissionRejectsCredential(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on echo being an executable")
	}
	u := &upstream{validToken: "tok", admitStatuses: []int{http.StatusUnauthorized}}
	b := newBackend(t, u, Options{LoginCommand: "echo fresh-token", LoginTimeout: 5 * time.Second})
	settings := configure(b, map[string]string{"username": "PB1", "password": "pw", credential.SettingsKey: "tok"})

	stream, err := modelByKey(t, b, "fool").Respond(context.Background(), models.ChatRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	require.NoError(t, stream.Close())

	assert.Equal(t, "fresh-token", settings.Get(credential.SettingsKey))
	u.mu.Lock()
	defer u.mu.Unlock()
	assert.Equal(t, []string{"Bearer tok", "Bearer fresh-token"}, u.admitAuth)
	assert.Equal(t, []string{"Bearer fresh-token"}, u.authSeen)
}

func TestModel_RespondAdmissionThrottledIsRetried(t *testing.T) {
	u := &upstream{validToken: "tok", admitStatuses: []int{http.StatusTooManyRequests}}
	b := newBackend(t, u, Options{})
	configure(b, map[string]string{"username": "PB1", "password": "pw", credential.SettingsKey: "tok"})

	stream, err := modelByKey(t, b, "fool").Respond(context.Background(), models.ChatRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	require.NoError(t, stream.Close())

	u.mu.Lock()
	defer u.mu.Unlock()
	require.Len(t, u.queued, 2)
	assert.NotEqual(t, u.queued[0], u.queued[1])
	require.Len(t, u.chats, 1)
	assert.Equal(t, u.queued[1], u.chats[0]["queue_code"])
}
