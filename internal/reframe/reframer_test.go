package reframe

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatbridge/internal/models"
)

func newTestStream(sse string) *Stream {
	return NewStream(io.NopCloser(strings.NewReader(sse)))
}

// drain returns every frame produced by the stream.
func drain(t *testing.T, s *Stream) []Frame {
	t.Helper()
	var frames []Frame
	for {
		frame, err := s.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return frames
		}
		require.NoError(t, err)
		frames = append(frames, frame)
	}
}

func events(frames []Frame) []models.StreamEvent {
	var out []models.StreamEvent
	for _, f := range frames {
		out = append(out, f.Events...)
	}
	return out
}

const textStream = `data: {"id":"chatcmpl-1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant"},"finish_reason":null}]}

data: {"id":"chatcmpl-1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"Hello"},"finish_reason":null}]}

data: {"id":"chatcmpl-2","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":" world"},"finish_reason":null}]}

data: {"id":"chatcmpl-2","object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}

data: [DONE]
`

func TestStream_TextDeltas(t *testing.T) {
	s := newTestStream(textStream)
	frames := drain(t, s)

	require.Len(t, frames, 4)
	assert.Empty(t, frames[0].Events, "role-only chunk yields no events")
	assert.NotNil(t, frames[0].Payload)

	evs := events(frames)
	require.Len(t, evs, 4)
	assert.Equal(t, models.TextDelta("Hello"), evs[0])
	assert.Equal(t, models.TextDelta(" world"), evs[1])
	assert.Equal(t, models.Finish(models.FinishStop), evs[2])
	assert.Equal(t, models.Done(), evs[3])

	assert.Equal(t, "chatcmpl-2", s.ID(), "latest id wins")
}

func TestStream_Collect(t *testing.T) {
	s := newTestStream(textStream)
	result, err := s.Collect(context.Background(), "__USTC_Adapter__deepseek-v3")
	require.NoError(t, err)

	assert.Equal(t, "chatcmpl-2", result.ID)
	assert.Equal(t, "__USTC_Adapter__deepseek-v3", result.Model)
	assert.Equal(t, models.RoleAssistant, result.Message.Role)
	assert.Equal(t, "Hello world", result.Message.Content)
	assert.Equal(t, models.FinishStop, result.FinishReason)
	assert.Equal(t, 3, result.Usage.CompletionTokens)
	assert.NotZero(t, result.Created)
}

func TestStream_ToolCallFragmentsConcatenateInArrivalOrder(t *testing.T) {
	sse := `data: {"id":"c","choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"calc","arguments":""}}]}}]}

data: {"id":"c","choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"a\":"}}]}}]}

data: {"id":"c","choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"1,"}}]}}]}

data: {"id":"c","choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"b\":2}"}}]}}]}

data: {"id":"c","choices":[{"delta":{},"finish_reason":"tool_calls"}]}

data: [DONE]
`
	s := newTestStream(sse)
	evs := events(drain(t, s))

	var fragments []string
	for _, ev := range evs {
		if ev.Type == models.EventToolCallDelta {
			fragments = append(fragments, ev.Arguments)
		}
	}
	assert.Equal(t, []string{"", `{"a":`, `1,`, `"b":2}`}, fragments)
	assert.Equal(t, "call_1", evs[0].ToolCallID)
	assert.Equal(t, "calc", evs[0].ToolName)

	calls := s.ToolCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, `{"a":1,"b":2}`, calls[0].Arguments)
	assert.True(t, json.Valid([]byte(calls[0].Arguments)))
	assert.Equal(t, models.FinishToolCalls, s.FinishReason())
}

func TestStream_ToolCallsSortedByIndex(t *testing.T) {
	sse := `data: {"choices":[{"delta":{"tool_calls":[{"index":1,"id":"call_b","function":{"name":"second","arguments":"{}"}}]}}]}

data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_a","function":{"name":"first","arguments":"{"}}]}}]}

data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"}"}}]}}]}

data: [DONE]
`
	result, err := newTestStream(sse).Collect(context.Background(), "m")
	require.NoError(t, err)

	require.Len(t, result.Message.ToolCalls, 2)
	assert.Equal(t, models.ToolCall{ID: "call_a", Name: "first", Arguments: "{}"}, result.Message.ToolCalls[0])
	assert.Equal(t, models.ToolCall{ID: "call_b", Name: "second", Arguments: "{}"}, result.Message.ToolCalls[1])
	assert.Equal(t, models.FinishToolCalls, result.FinishReason, "inferred without upstream finish reason")
}

func TestStream_SkipsMalformedAndUnknownPayloads(t *testing.T) {
	sse := `: keep-alive comment
event: ping
data: {not json

data: {"object":"heartbeat"}

data: {"choices":[{"delta":{"content":"ok"}}]}

data: [DONE]
`
	s := newTestStream(sse)
	result, err := s.Collect(context.Background(), "m")
	require.NoError(t, err)

	assert.Equal(t, "ok", result.Message.Content)
	assert.Equal(t, 1, s.Skipped())
}

func TestStream_StopsConsumingAfterFinishReason(t *testing.T) {
	sse := `data: {"choices":[{"delta":{"content":"done"},"finish_reason":"stop"}]}

data: {"choices":[{"delta":{"content":" ignored"}}]}

data: [DONE]
`
	s := newTestStream(sse)
	frames := drain(t, s)

	require.Len(t, frames, 1)
	assert.Equal(t, []models.StreamEvent{
		models.TextDelta("done"),
		models.Finish(models.FinishStop),
		models.Done(),
	}, frames[0].Events)
}

func TestStream_EndsWithoutSentinel(t *testing.T) {
	s := newTestStream("data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n")
	frames := drain(t, s)

	require.Len(t, frames, 2)
	assert.Nil(t, frames[1].Payload)
	assert.Equal(t, []models.StreamEvent{models.Finish(models.FinishStop), models.Done()}, frames[1].Events)
}

func TestStream_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestStream(textStream).Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

type closeCounter struct {
	io.Reader
	closes int
}

func (c *closeCounter) Close() error {
	c.closes++
	return nil
}

func TestStream_CloseIsIdempotent(t *testing.T) {
	body := &closeCounter{Reader: strings.NewReader("")}
	s := NewStream(body)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 1, body.closes)
}

func TestReframer_IgnoresFeedAfterFinish(t *testing.T) {
	r := New(true)
	_, err := r.Feed([]byte(`{"choices":[{"delta":{"content":"a"},"finish_reason":"stop"}]}`))
	require.NoError(t, err)

	evs, err := r.Feed([]byte(`{"choices":[{"delta":{"content":"b"}}]}`))
	require.NoError(t, err)
	assert.Empty(t, evs)
	assert.Equal(t, "a", r.Result("m", 0).Message.Content)
}
