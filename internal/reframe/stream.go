package reframe

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"chatbridge/internal/models"
)

const (
	dataPrefix   = "data:"
	doneSentinel = "[DONE]"

	initialLineBuffer = 64 * 1024
	maxLineBytes      = 4 << 20
)

// Frame is what one step of a Stream produced: the raw upstream payload it
// consumed (nil for the synthesized closing frame) and the normalized events.
type Frame struct {
	Payload []byte
	Events  []models.StreamEvent
}

// Stream reads an upstream event body line by line. It is not safe for
// concurrent use apart from Close.
type Stream struct {
	body     io.ReadCloser
	scanner  *bufio.Scanner
	reframer *Reframer

	ended   bool
	skipped int

	closeOnce sync.Once
	closeErr  error
}

// NewStream wraps an upstream body. The stream owns the body.
func NewStream(body io.ReadCloser) *Stream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, initialLineBuffer), maxLineBytes)
	return &Stream{
		body:     body,
		scanner:  scanner,
		reframer: New(false),
	}
}

// Next returns the next frame. After the frame carrying the Done event it
// returns io.EOF. Malformed payloads are logged and skipped.
func (s *Stream) Next(ctx context.Context) (Frame, error) {
	if s.ended {
		return Frame{}, io.EOF
	}

	for s.scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}

		line := bytes.TrimSpace(s.scanner.Bytes())
		if !bytes.HasPrefix(line, []byte(dataPrefix)) {
			continue
		}

		payload := bytes.TrimSpace(line[len(dataPrefix):])
		if len(payload) == 0 {
			continue
		}
		if string(payload) == doneSentinel {
			return s.finish(nil), nil
		}

		events, err := s.reframer.Feed(payload)
		if err != nil {
			s.skipped++
			slog.Warn("skipping malformed upstream chunk",
				"error", err.Error(),
				"data", truncate(string(payload), 200),
			)
			continue
		}

		raw := bytes.Clone(payload)
		if s.reframer.Finished() {
			frame := s.finish(raw)
			frame.Events = append(events, frame.Events...)
			return frame, nil
		}
		return Frame{Payload: raw, Events: events}, nil
	}

	if err := s.scanner.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Frame{}, ctxErr
		}
		return Frame{}, fmt.Errorf("read upstream stream: %w", err)
	}

	// Upstream closed without a sentinel.
	return s.finish(nil), nil
}

func (s *Stream) finish(payload []byte) Frame {
	s.ended = true
	return Frame{Payload: payload, Events: s.reframer.Finalize()}
}

// Collect drains the stream and returns the accumulated result. It must be
// called before any Next.
func (s *Stream) Collect(ctx context.Context, model string) (models.ChatResult, error) {
	s.reframer.collect = true
	for {
		_, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return models.ChatResult{}, err
		}
	}
	return s.reframer.Result(model, time.Now().Unix()), nil
}

// ID returns the latest upstream completion id.
func (s *Stream) ID() string {
	return s.reframer.ID()
}

// FinishReason returns the upstream or inferred finish reason.
func (s *Stream) FinishReason() string {
	return s.reframer.FinishReason()
}

// OutputTokens estimates the tokens relayed so far.
func (s *Stream) OutputTokens() int {
	return s.reframer.OutputTokens()
}

// ToolCalls returns the tool calls accumulated so far, ordered by index.
func (s *Stream) ToolCalls() []models.ToolCall {
	return s.reframer.ToolCalls()
}

// Skipped returns how many malformed payloads were dropped.
func (s *Stream) Skipped() int {
	return s.skipped
}

// Close releases the upstream connection. It is safe to call more than once.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
