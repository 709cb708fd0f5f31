package router

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"chatbridge/internal/models"
	"chatbridge/internal/provider"
	"chatbridge/internal/reframe"
)

// ErrToolsNotSupported indicates tools were declared for a model that cannot
// call them.
var ErrToolsNotSupported = errors.New("model does not support tools")

var tracer = otel.Tracer("chatbridge/internal/router")

// Resolver looks up models by composite key.
type Resolver interface {
	ResolveModel(compositeKey string) (provider.Model, error)
}

// Router dispatches unified requests to the model they name.
type Router struct {
	registry Resolver
}

// New constructs a router backed by the provided registry.
func New(registry Resolver) *Router {
	return &Router{
		registry: registry,
	}
}

// Chat routes a chat request to its model and returns the upstream stream.
// The caller owns the stream and must close it.
func (r *Router) Chat(ctx context.Context, req models.ChatRequest) (*reframe.Stream, provider.ModelInfo, error) {
	m, err := r.registry.ResolveModel(req.Model)
	if err != nil {
		return nil, provider.ModelInfo{}, err
	}
	info := provider.ModelInfo{ID: req.Model, Model: m}

	if len(req.Tools) > 0 && !m.AllowsTools() {
		return nil, info, fmt.Errorf("%w: %s", ErrToolsNotSupported, req.Model)
	}

	ctx, span := tracer.Start(ctx, "router.chat", trace.WithAttributes(
		attribute.String("chat.model", req.Model),
		attribute.String("chat.backend", m.Backend()),
		attribute.Bool("chat.stream", req.Stream),
		attribute.Int("chat.messages", len(req.Messages)),
	))
	defer span.End()

	sanitised := req
	sanitised.Options = cloneOptions(req.Options)

	stream, err := m.Respond(ctx, sanitised)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, info, fmt.Errorf("backend %s chat request: %w", m.Backend(), err)
	}
	return stream, info, nil
}

func cloneOptions(options map[string]any) map[string]any {
	if len(options) == 0 {
		return nil
	}
	out := make(map[string]any, len(options))
	for k, v := range options {
		out[k] = v
	}
	return out
}
