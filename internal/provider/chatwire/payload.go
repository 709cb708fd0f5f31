// Package chatwire builds the OpenAI-style chat payload sent to upstream
// backends.
package chatwire

import (
	"encoding/json"
	"errors"
	"fmt"

	"chatbridge/internal/models"
)

// Payload is the upstream chat request body. Upstreams are always asked to
// stream.
type Payload struct {
	Model            string             `json:"model"`
	Messages         []Message          `json:"messages"`
	Stream           bool               `json:"stream"`
	Tools            []Tool             `json:"tools,omitempty"`
	QueueCode        string             `json:"queue_code,omitempty"`
	WithSearch       *bool              `json:"with_search,omitempty"`
	MaxTokens        *int               `json:"max_tokens,omitempty"`
	Temperature      *float64           `json:"temperature,omitempty"`
	TopP             *float64           `json:"top_p,omitempty"`
	FrequencyPenalty *float64           `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64           `json:"presence_penalty,omitempty"`
	Stop             []string           `json:"stop,omitempty"`
	ToolChoice       json.RawMessage    `json:"tool_choice,omitempty"`
	LogitBias        map[string]float64 `json:"logit_bias,omitempty"`
	User             string             `json:"user,omitempty"`
}

// Message is one upstream conversation entry. Content is null for assistant
// turns that only carry tool calls.
type Message struct {
	Role       string     `json:"role"`
	Content    *string    `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type Tool struct {
	Type     string       `json:"type"`
	Function FunctionSpec `json:"function"`
}

type FunctionSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Build converts a unified request into the upstream payload for the model
// the upstream knows as identifier.
func Build(req models.ChatRequest, identifier string) (Payload, error) {
	if identifier == "" {
		return Payload{}, errors.New("model identifier must not be empty")
	}
	if len(req.Messages) == 0 {
		return Payload{}, errors.New("messages must not be empty")
	}

	messages := make([]Message, 0, len(req.Messages))
	for i, msg := range req.Messages {
		converted, err := convertMessage(msg)
		if err != nil {
			return Payload{}, fmt.Errorf("messages[%d]: %w", i, err)
		}
		messages = append(messages, converted)
	}

	payload := Payload{
		Model:    identifier,
		Messages: messages,
		Stream:   true,
	}

	for _, tool := range req.Tools {
		payload.Tools = append(payload.Tools, Tool{
			Type: "function",
			Function: FunctionSpec{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}

	applyOptions(&payload, req.Options)
	return payload, nil
}

func convertMessage(msg models.Message) (Message, error) {
	out := Message{
		Role:       msg.Role,
		Name:       msg.Name,
		ToolCallID: msg.ToolCallID,
	}

	switch msg.Role {
	case models.RoleSystem, models.RoleUser:
	case models.RoleAssistant:
		for _, call := range msg.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:   call.ID,
				Type: "function",
				Function: FunctionCall{
					Name:      call.Name,
					Arguments: call.Arguments,
				},
			})
		}
	case models.RoleTool:
		if msg.ToolCallID == "" {
			return Message{}, errors.New("tool message must reference a tool call id")
		}
	default:
		return Message{}, fmt.Errorf("unsupported role %q", msg.Role)
	}

	if msg.Content != "" || len(out.ToolCalls) == 0 {
		content := msg.Content
		out.Content = &content
	}
	return out, nil
}

func applyOptions(payload *Payload, options map[string]any) {
	if v, ok := extractInt(options, "max_tokens"); ok {
		payload.MaxTokens = &v
	}
	if v, ok := extractFloat(options, "temperature"); ok {
		payload.Temperature = &v
	}
	if v, ok := extractFloat(options, "top_p"); ok {
		payload.TopP = &v
	}
	if v, ok := extractFloat(options, "frequency_penalty"); ok {
		payload.FrequencyPenalty = &v
	}
	if v, ok := extractFloat(options, "presence_penalty"); ok {
		payload.PresencePenalty = &v
	}
	if stop, ok := extractStringSlice(options, "stop"); ok {
		payload.Stop = stop
	}
	if toolChoice, ok := extractRaw(options, "tool_choice"); ok {
		payload.ToolChoice = toolChoice
	}
	if logitBias, ok := extractLogitBias(options); ok {
		payload.LogitBias = logitBias
	}
	if user, ok := extractString(options, "user"); ok {
		payload.User = user
	}
}
