package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"chatbridge/internal/models"
	"chatbridge/internal/observability"
	"chatbridge/internal/provider"
	"chatbridge/internal/reframe"
	"chatbridge/internal/translator"
)

var doneLine = []byte("[DONE]")

func (s *Server) handleChatCompletions(c echo.Context) error {
	var req translator.ChatCompletionRequest
	if err := s.decodeRequestBody(c, &req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	unified := req.ToUnified()

	stream, info, err := s.router.Chat(ctx, unified)
	if err != nil {
		return toRequestError(err)
	}
	c.Set(observability.ModelKey, info.ID)
	defer stream.Close()
	defer recordStreamStats(info, stream)

	if req.Stream {
		return streamChatCompletion(c, info, stream)
	}

	result, err := stream.Collect(ctx, info.ID)
	if err != nil {
		return collectError(ctx, err)
	}
	translator.EstimatePromptUsage(unified, &result)

	return c.JSON(http.StatusOK, translator.FromUnifiedChat(info.ID, result))
}

// streamChatCompletion relays upstream chunks as they arrive. Upstream
// payloads already have the chunk shape and pass through unchanged.
func streamChatCompletion(c echo.Context, info provider.ModelInfo, stream *reframe.Stream) error {
	ctx := c.Request().Context()

	w, err := beginSSE(c)
	if err != nil {
		return err
	}
	defer trackStream()()

	created := time.Now().Unix()
	for {
		frame, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				slog.Debug("client went away mid-stream", "model", info.ID)
				return nil
			}
			slog.Error("upstream stream failed", "model", info.ID, "error", err)
			_ = w.json(translator.NewChatError("upstream stream interrupted", errTypeUpstream, "", errTypeUpstream))
			_ = w.data(doneLine)
			return nil
		}

		if frame.Payload != nil {
			if err := w.data(frame.Payload); err != nil {
				return nil
			}
			continue
		}

		// Upstream closed without a finish reason; close the response for it.
		if reason, ok := finishReason(frame.Events); ok {
			if err := w.json(translator.FinishChunk(stream.ID(), info.ID, created, reason)); err != nil {
				return nil
			}
		}
	}

	_ = w.data(doneLine)
	return nil
}

func finishReason(events []models.StreamEvent) (string, bool) {
	for _, ev := range events {
		if ev.Type == models.EventFinish {
			return ev.FinishReason, true
		}
	}
	return "", false
}

// collectError classifies a failure while draining an upstream body.
func collectError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	slog.Error("reading upstream response failed", "error", err)
	return requestError{
		Status:  http.StatusBadGateway,
		Message: "upstream response interrupted",
		Type:    errTypeUpstream,
		Code:    errTypeUpstream,
	}
}

func recordStreamStats(info provider.ModelInfo, stream *reframe.Stream) {
	backend := info.Model.Backend()
	if skipped := stream.Skipped(); skipped > 0 {
		observability.SkippedChunksTotal.WithLabelValues(backend).Add(float64(skipped))
	}
	if tokens := stream.OutputTokens(); tokens > 0 {
		observability.OutputTokensTotal.WithLabelValues(backend, info.ID).Add(float64(tokens))
	}
}
