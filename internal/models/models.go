package models

import (
	"encoding/json"
	"unicode/utf8"
)

// Roles accepted in the unified schema.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Finish reasons produced by upstream backends.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
)

// Message represents a single conversational message in the unified schema.
type Message struct {
	Role    string
	Content string
	Name    string
	// ToolCalls is only populated for assistant messages.
	ToolCalls []ToolCall
	// ToolCallID references the call a tool message answers.
	ToolCallID string
}

// ToolCall is a single function invocation requested by the assistant.
// Arguments is only guaranteed to be valid JSON once the call is complete.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolDefinition declares a function the assistant may call.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// ChatRequest is the canonical representation of a chat completion.
type ChatRequest struct {
	Model      string
	Messages   []Message
	Tools      []ToolDefinition
	Stream     bool
	WithSearch bool
	Options    map[string]any
}

// ChatResult captures a backend response in the unified schema.
type ChatResult struct {
	ID           string
	Created      int64
	Model        string
	Message      Message
	FinishReason string
	Usage        Usage
}

// Usage records token accounting information.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// StreamEventType tags the variant carried by a StreamEvent.
type StreamEventType int

const (
	EventTextDelta StreamEventType = iota + 1
	EventToolCallDelta
	EventFinish
	EventDone
)

func (t StreamEventType) String() string {
	switch t {
	case EventTextDelta:
		return "text_delta"
	case EventToolCallDelta:
		return "tool_call_delta"
	case EventFinish:
		return "finish"
	case EventDone:
		return "done"
	default:
		return "unknown"
	}
}

// StreamEvent is one incremental unit of a streamed result.
//
// For EventToolCallDelta, ToolCallID and ToolName are empty unless the
// upstream fragment carried them; Arguments holds the raw fragment.
type StreamEvent struct {
	Type         StreamEventType
	Text         string
	ToolIndex    int
	ToolCallID   string
	ToolName     string
	Arguments    string
	FinishReason string
}

// TextDelta builds a text fragment event.
func TextDelta(text string) StreamEvent {
	return StreamEvent{Type: EventTextDelta, Text: text}
}

// ToolCallDelta builds a tool call fragment event.
func ToolCallDelta(index int, id, name, arguments string) StreamEvent {
	return StreamEvent{
		Type:       EventToolCallDelta,
		ToolIndex:  index,
		ToolCallID: id,
		ToolName:   name,
		Arguments:  arguments,
	}
}

// Finish builds a terminal finish event.
func Finish(reason string) StreamEvent {
	return StreamEvent{Type: EventFinish, FinishReason: reason}
}

// Done marks the end of the event sequence.
func Done() StreamEvent {
	return StreamEvent{Type: EventDone}
}

// EstimateTokens approximates a token count at four characters per token.
func EstimateTokens(text string) int {
	return EstimateTokensFromRunes(utf8.RuneCountInString(text))
}

// EstimateTokensFromRunes is EstimateTokens for a precomputed rune count.
func EstimateTokensFromRunes(runes int) int {
	if runes <= 0 {
		return 0
	}
	return (runes + 3) / 4
}
