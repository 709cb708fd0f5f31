package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"chatbridge/internal/observability"
)

// sseWriter writes server-sent events and flushes after each one.
type sseWriter struct {
	w       io.Writer
	flusher http.Flusher
}

// beginSSE commits the response headers of an event stream. The server's
// write deadline is lifted since a stream outlives any fixed timeout.
func beginSSE(c echo.Context) (*sseWriter, error) {
	res := c.Response()
	flusher, ok := res.Writer.(http.Flusher)
	if !ok {
		slog.Error("http writer does not support flushing")
		return nil, requestError{
			Status:  http.StatusInternalServerError,
			Message: "server does not support streaming responses",
			Type:    errTypeServer,
		}
	}

	if err := http.NewResponseController(res.Writer).SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		slog.Debug("could not clear write deadline", "error", err)
	}

	header := res.Header()
	header.Set(echo.HeaderContentType, "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &sseWriter{w: res, flusher: flusher}, nil
}

// trackStream counts an active stream until the returned func is called.
func trackStream() func() {
	observability.StreamingConnections.Inc()
	return observability.StreamingConnections.Dec
}

func (s *sseWriter) event(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal SSE payload: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\n", event); err != nil {
		return fmt.Errorf("write SSE event name: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write SSE data: %w", err)
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) data(data []byte) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write SSE data: %w", err)
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) json(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal SSE payload: %w", err)
	}
	return s.data(data)
}
