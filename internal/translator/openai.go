package translator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"chatbridge/internal/models"
)

// DefaultModel is used when a chat completion request names no model.
const DefaultModel = "__USTC_Adapter__deepseek-r1"

var allowedRoles = map[string]struct{}{
	models.RoleSystem:    {},
	models.RoleUser:      {},
	models.RoleAssistant: {},
	models.RoleTool:      {},
}

// ChatCompletionRequest models the OpenAI chat/completions request payload.
type ChatCompletionRequest struct {
	Model      string
	Messages   []ChatMessage
	Stream     bool
	Tools      []ChatTool
	WithSearch bool
	Options    map[string]any
}

// UnmarshalJSON implements custom parsing to enforce validation.
func (r *ChatCompletionRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Model            string             `json:"model"`
		Messages         []ChatMessage      `json:"messages"`
		Stream           bool               `json:"stream"`
		Tools            []ChatTool         `json:"tools"`
		WithSearch       bool               `json:"with_search"`
		MaxTokens        *int               `json:"max_tokens"`
		Temperature      *float64           `json:"temperature"`
		TopP             *float64           `json:"top_p"`
		FrequencyPenalty *float64           `json:"frequency_penalty"`
		PresencePenalty  *float64           `json:"presence_penalty"`
		Stop             json.RawMessage    `json:"stop"`
		ToolChoice       json.RawMessage    `json:"tool_choice"`
		LogitBias        map[string]float64 `json:"logit_bias"`
		User             string             `json:"user"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode chat request: %w", err)
	}

	stopValues, err := parseStop(raw.Stop)
	if err != nil {
		return err
	}

	r.Model = strings.TrimSpace(raw.Model)
	if r.Model == "" {
		r.Model = DefaultModel
	}
	r.Messages = raw.Messages
	r.Stream = raw.Stream
	r.Tools = raw.Tools
	r.WithSearch = raw.WithSearch

	r.Options = make(map[string]any)
	if raw.Temperature != nil {
		r.Options["temperature"] = *raw.Temperature
	}
	if raw.TopP != nil {
		r.Options["top_p"] = *raw.TopP
	}
	if raw.MaxTokens != nil {
		r.Options["max_tokens"] = *raw.MaxTokens
	}
	if raw.FrequencyPenalty != nil {
		r.Options["frequency_penalty"] = *raw.FrequencyPenalty
	}
	if raw.PresencePenalty != nil {
		r.Options["presence_penalty"] = *raw.PresencePenalty
	}
	if len(stopValues) > 0 {
		r.Options["stop"] = stopValues
	}
	if len(raw.ToolChoice) > 0 && string(raw.ToolChoice) != "null" {
		r.Options["tool_choice"] = json.RawMessage(raw.ToolChoice)
	}
	if raw.LogitBias != nil {
		r.Options["logit_bias"] = raw.LogitBias
	}
	if raw.User != "" {
		r.Options["user"] = raw.User
	}

	return r.validate()
}

func (r *ChatCompletionRequest) validate() error {
	if len(r.Messages) == 0 {
		return &ValidationError{Param: "messages", Message: "at least one message is required"}
	}
	for i, msg := range r.Messages {
		if err := msg.validate(fmt.Sprintf("messages[%d]", i)); err != nil {
			return err
		}
	}
	for i, tool := range r.Tools {
		if tool.Type != "" && tool.Type != "function" {
			return &ValidationError{Param: fmt.Sprintf("tools[%d].type", i), Message: fmt.Sprintf("tool type %q is not supported", tool.Type)}
		}
		if strings.TrimSpace(tool.Function.Name) == "" {
			return &ValidationError{Param: fmt.Sprintf("tools[%d].function.name", i), Message: "tool name must not be empty"}
		}
	}
	return nil
}

// ToUnified converts the OpenAI request into the canonical format.
func (r ChatCompletionRequest) ToUnified() models.ChatRequest {
	msgs := make([]models.Message, 0, len(r.Messages))
	for _, m := range r.Messages {
		msg := models.Message{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, call := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, models.ToolCall{
				ID:        call.ID,
				Name:      call.Function.Name,
				Arguments: call.Function.Arguments,
			})
		}
		msgs = append(msgs, msg)
	}

	var tools []models.ToolDefinition
	for _, t := range r.Tools {
		tools = append(tools, models.ToolDefinition{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}

	options := make(map[string]any, len(r.Options))
	for k, v := range r.Options {
		options[k] = v
	}

	return models.ChatRequest{
		Model:      r.Model,
		Messages:   msgs,
		Tools:      tools,
		Stream:     r.Stream,
		WithSearch: r.WithSearch,
		Options:    options,
	}
}

// ChatMessage captures a single message within the chat request.
type ChatMessage struct {
	Role       string
	Content    string
	Name       string
	ToolCalls  []ChatToolCall
	ToolCallID string
}

// UnmarshalJSON supports string, null and array-of-text content formats.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role       string          `json:"role"`
		Content    json.RawMessage `json:"content"`
		Name       string          `json:"name"`
		ToolCalls  []ChatToolCall  `json:"tool_calls"`
		ToolCallID string          `json:"tool_call_id"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	content, err := extractMessageContent(raw.Content)
	if err != nil {
		return err
	}

	m.Role = strings.TrimSpace(raw.Role)
	m.Content = content
	m.Name = strings.TrimSpace(raw.Name)
	m.ToolCalls = raw.ToolCalls
	m.ToolCallID = strings.TrimSpace(raw.ToolCallID)
	return nil
}

func (m *ChatMessage) validate(param string) error {
	if _, ok := allowedRoles[m.Role]; !ok {
		return &ValidationError{Param: param + ".role", Message: fmt.Sprintf("invalid role %q", m.Role)}
	}

	switch m.Role {
	case models.RoleAssistant:
		for i, call := range m.ToolCalls {
			if strings.TrimSpace(call.Function.Name) == "" {
				return &ValidationError{Param: fmt.Sprintf("%s.tool_calls[%d].function.name", param, i), Message: "tool call name must not be empty"}
			}
		}
	case models.RoleTool:
		if m.ToolCallID == "" {
			return &ValidationError{Param: param + ".tool_call_id", Message: "tool messages must reference a tool call id"}
		}
	}

	if len(m.ToolCalls) > 0 && m.Role != models.RoleAssistant {
		return &ValidationError{Param: param + ".tool_calls", Message: "only assistant messages may carry tool calls"}
	}
	return nil
}

// ChatToolCall is an assistant tool invocation in the OpenAI shape.
type ChatToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ChatFunctionCall `json:"function"`
}

// ChatFunctionCall holds the function name and its JSON-encoded arguments.
type ChatFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChatTool declares a callable function.
type ChatTool struct {
	Type     string           `json:"type"`
	Function ChatToolFunction `json:"function"`
}

// ChatToolFunction is the function declaration of a ChatTool.
type ChatToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

func extractMessageContent(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}

	var segments []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &segments); err == nil {
		var builder strings.Builder
		for _, segment := range segments {
			if segment.Type != "text" {
				return "", &ValidationError{Param: "content", Message: fmt.Sprintf("content segment type %q is not supported", segment.Type)}
			}
			builder.WriteString(segment.Text)
		}
		return builder.String(), nil
	}

	return "", &ValidationError{Param: "content", Message: "unsupported content structure"}
}

func parseStop(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	errStop := &ValidationError{Param: "stop", Message: "stop must be a non-empty string or list of strings"}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if strings.TrimSpace(single) == "" {
			return nil, errStop
		}
		return []string{single}, nil
	}

	var multi []string
	if err := json.Unmarshal(raw, &multi); err == nil {
		out := make([]string, 0, len(multi))
		for _, item := range multi {
			if strings.TrimSpace(item) == "" {
				return nil, errStop
			}
			out = append(out, item)
		}
		return out, nil
	}
	return nil, errStop
}

// ChatCompletionResponse models the OpenAI-compatible chat response.
type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   *OpenAIUsage `json:"usage,omitempty"`
}

// ChatChoice represents a single choice in the response payload.
type ChatChoice struct {
	Index        int             `json:"index"`
	Message      ResponseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

// ResponseMessage is the assistant message of a response. Content is null
// when the assistant only requested tool calls.
type ResponseMessage struct {
	Role      string         `json:"role"`
	Content   *string        `json:"content"`
	ToolCalls []ChatToolCall `json:"tool_calls,omitempty"`
}

// OpenAIUsage mirrors the token usage block in OpenAI responses.
type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// FromUnifiedChat constructs the OpenAI response shape from the unified data.
// A result without an upstream id gets a generated one.
func FromUnifiedChat(modelID string, resp models.ChatResult) ChatCompletionResponse {
	id := resp.ID
	if id == "" {
		id = "chatcmpl-" + uuid.NewString()
	}

	msg := ResponseMessage{Role: models.RoleAssistant}
	for _, call := range resp.Message.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, ChatToolCall{
			ID:   call.ID,
			Type: "function",
			Function: ChatFunctionCall{
				Name:      call.Name,
				Arguments: call.Arguments,
			},
		})
	}
	if resp.Message.Content != "" || len(msg.ToolCalls) == 0 {
		content := resp.Message.Content
		msg.Content = &content
	}

	var usage *OpenAIUsage
	if resp.Usage.TotalTokens != 0 || resp.Usage.PromptTokens != 0 || resp.Usage.CompletionTokens != 0 {
		usage = &OpenAIUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}

	return ChatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: resp.Created,
		Model:   modelID,
		Choices: []ChatChoice{{
			Index:        0,
			Message:      msg,
			FinishReason: resp.FinishReason,
		}},
		Usage: usage,
	}
}
