package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"chatbridge/internal/observability"
	"chatbridge/internal/provider"
	"chatbridge/internal/reframe"
	"chatbridge/internal/translator"
)

func (s *Server) handleMessages(c echo.Context) error {
	var req translator.ClaudeMessageRequest
	if err := s.decodeRequestBody(c, &req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	unified := req.ToUnified()
	inputTokens := translator.EstimateInputTokens(unified)

	stream, info, err := s.router.Chat(ctx, unified)
	if err != nil {
		return toRequestError(err)
	}
	c.Set(observability.ModelKey, info.ID)
	defer stream.Close()
	defer recordStreamStats(info, stream)

	if req.Stream {
		return streamMessages(c, info, stream, inputTokens)
	}

	result, err := stream.Collect(ctx, info.ID)
	if err != nil {
		return collectError(ctx, err)
	}

	return c.JSON(http.StatusOK, translator.FromUnifiedClaude(info.ID, result, inputTokens))
}

// streamMessages re-encodes the normalized events as named message events.
// message_start waits for the first upstream frame so it can carry the
// upstream id.
func streamMessages(c echo.Context, info provider.ModelInfo, stream *reframe.Stream, inputTokens int) error {
	ctx := c.Request().Context()

	w, err := beginSSE(c)
	if err != nil {
		return err
	}
	defer trackStream()()

	var enc *translator.ClaudeStreamEncoder
	emit := func(events []translator.SSEEvent) error {
		for _, ev := range events {
			if err := w.event(ev.Name, ev.Data); err != nil {
				return err
			}
		}
		return nil
	}

	for {
		frame, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				slog.Debug("client went away mid-stream", "model", info.ID)
				return nil
			}
			slog.Error("upstream stream failed", "model", info.ID, "error", err)
			ev := translator.ErrorEvent(errTypeUpstream, "upstream stream interrupted")
			_ = w.event(ev.Name, ev.Data)
			return nil
		}

		if enc == nil {
			enc = translator.NewClaudeStreamEncoder(info.ID, stream.ID(), inputTokens)
		}
		for _, ev := range frame.Events {
			if err := emit(enc.Encode(ev)); err != nil {
				return nil
			}
		}
		if len(frame.Events) == 0 {
			if err := emit(enc.Start()); err != nil {
				return nil
			}
		}
		if enc.Finished() {
			return nil
		}
	}
}
