package translator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"

	"chatbridge/internal/models"
)

// Content block types of the messages dialect.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Stop reasons of the messages dialect.
const (
	StopEndTurn = "end_turn"
	StopToolUse = "tool_use"
)

// MapStopReason converts a unified finish reason into a messages stop reason.
// Unknown values pass through unchanged.
func MapStopReason(reason string) string {
	switch reason {
	case models.FinishStop:
		return StopEndTurn
	case models.FinishToolCalls:
		return StopToolUse
	default:
		return reason
	}
}

// ClaudeMessageRequest models the /v1/messages payload.
type ClaudeMessageRequest struct {
	Model         string
	MaxTokens     int
	Messages      []ClaudeMessage
	System        []string
	Stream        bool
	Tools         []ClaudeTool
	StopSequences []string
	Options       map[string]any
}

// UnmarshalJSON enforces validation and normalises fields.
func (r *ClaudeMessageRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Model         string          `json:"model"`
		MaxTokens     *int            `json:"max_tokens"`
		Messages      []ClaudeMessage `json:"messages"`
		System        json.RawMessage `json:"system"`
		Stream        bool            `json:"stream"`
		Tools         []ClaudeTool    `json:"tools"`
		ToolChoice    json.RawMessage `json:"tool_choice"`
		Temperature   *float64        `json:"temperature"`
		TopP          *float64        `json:"top_p"`
		StopSequences json.RawMessage `json:"stop_sequences"`
		Metadata      struct {
			UserID string `json:"user_id"`
		} `json:"metadata"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode messages request: %w", err)
	}

	if raw.MaxTokens == nil {
		return &ValidationError{Param: "max_tokens", Message: "max_tokens is required"}
	}
	if *raw.MaxTokens <= 0 {
		return &ValidationError{Param: "max_tokens", Message: "max_tokens must be greater than zero"}
	}

	systemPrompts, err := parseClaudeSystem(raw.System)
	if err != nil {
		return err
	}

	stopSequences, err := parseClaudeStops(raw.StopSequences)
	if err != nil {
		return err
	}

	toolChoice, err := translateToolChoice(raw.ToolChoice)
	if err != nil {
		return err
	}

	r.Model = strings.TrimSpace(raw.Model)
	r.MaxTokens = *raw.MaxTokens
	r.Messages = raw.Messages
	r.System = systemPrompts
	r.Stream = raw.Stream
	r.Tools = raw.Tools
	r.StopSequences = stopSequences

	r.Options = map[string]any{"max_tokens": r.MaxTokens}
	if raw.Temperature != nil {
		r.Options["temperature"] = *raw.Temperature
	}
	if raw.TopP != nil {
		r.Options["top_p"] = *raw.TopP
	}
	if len(stopSequences) > 0 {
		r.Options["stop"] = stopSequences
	}
	if toolChoice != nil {
		r.Options["tool_choice"] = toolChoice
	}
	if raw.Metadata.UserID != "" {
		r.Options["user"] = raw.Metadata.UserID
	}

	return r.validate()
}

func (r *ClaudeMessageRequest) validate() error {
	if r.Model == "" {
		return &ValidationError{Param: "model", Message: "model is required"}
	}
	if len(r.Messages) == 0 {
		return &ValidationError{Param: "messages", Message: "at least one message is required"}
	}
	for i, msg := range r.Messages {
		if err := msg.validate(fmt.Sprintf("messages[%d]", i)); err != nil {
			return err
		}
	}
	for i, tool := range r.Tools {
		if strings.TrimSpace(tool.Name) == "" {
			return &ValidationError{Param: fmt.Sprintf("tools[%d].name", i), Message: "tool name must not be empty"}
		}
	}
	return nil
}

// ToUnified converts the messages request into the canonical format. Text
// runs keep their role, tool_result blocks become tool messages and tool_use
// blocks become assistant tool calls, in block order.
func (r ClaudeMessageRequest) ToUnified() models.ChatRequest {
	msgs := make([]models.Message, 0, len(r.Messages)+1)

	if len(r.System) > 0 {
		msgs = append(msgs, models.Message{
			Role:    models.RoleSystem,
			Content: strings.Join(r.System, "\n"),
		})
	}

	for _, m := range r.Messages {
		switch m.Role {
		case models.RoleUser:
			msgs = append(msgs, userMessages(m.Content)...)
		case models.RoleAssistant:
			msgs = append(msgs, assistantMessage(m.Content))
		}
	}

	var tools []models.ToolDefinition
	for _, t := range r.Tools {
		tools = append(tools, models.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		})
	}

	options := make(map[string]any, len(r.Options))
	for k, v := range r.Options {
		options[k] = v
	}

	return models.ChatRequest{
		Model:    r.Model,
		Messages: msgs,
		Tools:    tools,
		Stream:   r.Stream,
		Options:  options,
	}
}

// userMessages maps each user block to its own message: text blocks stay
// user messages, tool results become tool messages.
func userMessages(blocks []ContentBlock) []models.Message {
	out := make([]models.Message, 0, len(blocks))
	for _, block := range blocks {
		switch block.Type {
		case BlockText:
			out = append(out, models.Message{Role: models.RoleUser, Content: block.Text})
		case BlockToolResult:
			out = append(out, models.Message{
				Role:       models.RoleTool,
				Content:    block.ResultText,
				ToolCallID: block.ToolUseID,
			})
		}
	}
	return out
}

func assistantMessage(blocks []ContentBlock) models.Message {
	msg := models.Message{Role: models.RoleAssistant}
	var text strings.Builder
	for _, block := range blocks {
		switch block.Type {
		case BlockText:
			text.WriteString(block.Text)
		case BlockToolUse:
			msg.ToolCalls = append(msg.ToolCalls, models.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: compactArguments(block.Input),
			})
		}
	}
	msg.Content = text.String()
	return msg
}

func compactArguments(input json.RawMessage) string {
	if len(input) == 0 || string(input) == "null" {
		return "{}"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, input); err != nil {
		return string(input)
	}
	return buf.String()
}

// ClaudeMessage represents a single message in the request payload. String
// content is normalised into a single text block.
type ClaudeMessage struct {
	Role    string
	Content []ContentBlock
}

// UnmarshalJSON normalises the message content structure.
func (m *ClaudeMessage) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	m.Role = strings.TrimSpace(raw.Role)

	if len(raw.Content) == 0 || string(raw.Content) == "null" {
		return &ValidationError{Param: "content", Message: "message content is required"}
	}

	var text string
	if err := json.Unmarshal(raw.Content, &text); err == nil {
		m.Content = []ContentBlock{{Type: BlockText, Text: text}}
		return nil
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(raw.Content, &blocks); err != nil {
		return err
	}
	m.Content = blocks
	return nil
}

func (m *ClaudeMessage) validate(param string) error {
	switch m.Role {
	case models.RoleUser, models.RoleAssistant:
	default:
		return &ValidationError{Param: param + ".role", Message: fmt.Sprintf("invalid role %q", m.Role)}
	}

	if len(m.Content) == 0 {
		return &ValidationError{Param: param + ".content", Message: "message content must not be empty"}
	}

	for i, block := range m.Content {
		blockParam := fmt.Sprintf("%s.content[%d]", param, i)
		switch block.Type {
		case BlockText:
		case BlockToolUse:
			if m.Role != models.RoleAssistant {
				return &ValidationError{Param: blockParam, Message: "tool_use blocks are only valid in assistant messages"}
			}
			if block.ID == "" || block.Name == "" {
				return &ValidationError{Param: blockParam, Message: "tool_use blocks require id and name"}
			}
		case BlockToolResult:
			if m.Role != models.RoleUser {
				return &ValidationError{Param: blockParam, Message: "tool_result blocks are only valid in user messages"}
			}
			if block.ToolUseID == "" {
				return &ValidationError{Param: blockParam + ".tool_use_id", Message: "tool_result blocks require tool_use_id"}
			}
		default:
			return &ValidationError{Param: blockParam + ".type", Message: fmt.Sprintf("unsupported content block type %q", block.Type)}
		}
	}
	return nil
}

// ContentBlock is one typed unit of message content.
type ContentBlock struct {
	Type string

	// text
	Text string

	// tool_use
	ID    string
	Name  string
	Input json.RawMessage

	// tool_result
	ToolUseID  string
	ResultText string
	IsError    bool
}

// UnmarshalJSON accepts tool_result content as a string or a list of text
// blocks.
func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	type alias struct {
		Type      string          `json:"type"`
		Text      string          `json:"text"`
		ID        string          `json:"id"`
		Name      string          `json:"name"`
		Input     json.RawMessage `json:"input"`
		ToolUseID string          `json:"tool_use_id"`
		Content   json.RawMessage `json:"content"`
		IsError   bool            `json:"is_error"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode content block: %w", err)
	}

	b.Type = strings.TrimSpace(raw.Type)
	b.Text = raw.Text
	b.ID = strings.TrimSpace(raw.ID)
	b.Name = strings.TrimSpace(raw.Name)
	b.Input = raw.Input
	b.ToolUseID = strings.TrimSpace(raw.ToolUseID)
	b.IsError = raw.IsError

	if b.Type == BlockToolResult {
		text, err := toolResultText(raw.Content)
		if err != nil {
			return err
		}
		b.ResultText = text
	}
	return nil
}

// MarshalJSON renders response blocks in their dialect shape.
func (b ContentBlock) MarshalJSON() ([]byte, error) {
	switch b.Type {
	case BlockToolUse:
		input := b.Input
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		return json.Marshal(struct {
			Type  string          `json:"type"`
			ID    string          `json:"id"`
			Name  string          `json:"name"`
			Input json.RawMessage `json:"input"`
		}{b.Type, b.ID, b.Name, input})
	case BlockToolResult:
		return json.Marshal(struct {
			Type      string `json:"type"`
			ToolUseID string `json:"tool_use_id"`
			Content   string `json:"content"`
			IsError   bool   `json:"is_error,omitempty"`
		}{b.Type, b.ToolUseID, b.ResultText, b.IsError})
	default:
		return json.Marshal(struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}{b.Type, b.Text})
	}
}

func toolResultText(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		parts := make([]string, 0, len(blocks))
		for _, block := range blocks {
			if block.Type != BlockText {
				return "", &ValidationError{Param: "content", Message: fmt.Sprintf("tool_result block type %q is not supported", block.Type)}
			}
			parts = append(parts, block.Text)
		}
		return strings.Join(parts, "\n"), nil
	}

	return "", &ValidationError{Param: "content", Message: "unsupported tool_result content structure"}
}

// ClaudeTool declares a callable tool.
type ClaudeTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type claudeSystemBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func parseClaudeSystem(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		s := strings.TrimSpace(single)
		if s == "" {
			return nil, nil
		}
		return []string{s}, nil
	}

	var blocks []claudeSystemBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		out := make([]string, 0, len(blocks))
		for _, block := range blocks {
			if block.Type != "" && block.Type != BlockText {
				return nil, &ValidationError{Param: "system", Message: fmt.Sprintf("unsupported system block type %q", block.Type)}
			}
			if text := strings.TrimSpace(block.Text); text != "" {
				out = append(out, text)
			}
		}
		if len(out) == 0 {
			return nil, nil
		}
		return out, nil
	}

	return nil, &ValidationError{Param: "system", Message: "system must be a string or a list of text blocks"}
}

func parseClaudeStops(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	errStop := &ValidationError{Param: "stop_sequences", Message: "stop_sequences must be a list of non-empty strings"}

	var stops []string
	if err := json.Unmarshal(raw, &stops); err != nil {
		return nil, errStop
	}

	out := make([]string, 0, len(stops))
	for _, stop := range stops {
		if strings.TrimSpace(stop) == "" {
			return nil, errStop
		}
		out = append(out, stop)
	}
	return out, nil
}

// translateToolChoice maps {type: auto|any|tool|none} onto the chat
// completions tool_choice values.
func translateToolChoice(raw json.RawMessage) (any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var choice struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &choice); err != nil {
		return nil, &ValidationError{Param: "tool_choice", Message: "tool_choice must be an object"}
	}

	switch choice.Type {
	case "auto":
		return "auto", nil
	case "any":
		return "required", nil
	case "none":
		return "none", nil
	case "tool":
		if choice.Name == "" {
			return nil, &ValidationError{Param: "tool_choice.name", Message: "tool_choice of type tool requires a name"}
		}
		return map[string]any{
			"type":     "function",
			"function": map[string]string{"name": choice.Name},
		}, nil
	default:
		return nil, &ValidationError{Param: "tool_choice.type", Message: fmt.Sprintf("unsupported tool_choice type %q", choice.Type)}
	}
}

// ClaudeMessageResponse models the non-streaming messages response.
type ClaudeMessageResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Model        string         `json:"model"`
	Content      []ContentBlock `json:"content"`
	StopReason   string         `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        ClaudeUsage    `json:"usage"`
}

// ClaudeUsage mirrors the messages usage format.
type ClaudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// FromUnifiedClaude converts the unified result to the messages format.
// inputTokens is the caller's estimate for the prompt.
func FromUnifiedClaude(modelID string, resp models.ChatResult, inputTokens int) ClaudeMessageResponse {
	var content []ContentBlock
	if resp.Message.Content != "" || len(resp.Message.ToolCalls) == 0 {
		content = append(content, ContentBlock{Type: BlockText, Text: resp.Message.Content})
	}
	for _, call := range resp.Message.ToolCalls {
		content = append(content, ContentBlock{
			Type:  BlockToolUse,
			ID:    toolUseID(call.ID),
			Name:  call.Name,
			Input: DecodeArguments(call.Arguments),
		})
	}

	outputTokens := resp.Usage.CompletionTokens
	if outputTokens == 0 {
		outputTokens = models.EstimateTokens(resp.Message.Content)
		for _, call := range resp.Message.ToolCalls {
			outputTokens += models.EstimateTokens(call.Arguments)
		}
	}

	return ClaudeMessageResponse{
		ID:         messageID(resp.ID),
		Type:       "message",
		Role:       models.RoleAssistant,
		Model:      modelID,
		Content:    content,
		StopReason: MapStopReason(resp.FinishReason),
		Usage: ClaudeUsage{
			InputTokens:  inputTokens,
			OutputTokens: outputTokens,
		},
	}
}

// DecodeArguments turns an accumulated arguments string into a JSON object
// for a tool_use input. Nearly-valid JSON is repaired. Anything that is not an
// object yields an empty one.
func DecodeArguments(arguments string) json.RawMessage {
	trimmed := strings.TrimSpace(arguments)
	if trimmed == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(trimmed)) {
		if isObject(trimmed) {
			return json.RawMessage(trimmed)
		}
		return json.RawMessage("{}")
	}

	repaired, err := jsonrepair.JSONRepair(trimmed)
	if err == nil && json.Valid([]byte(repaired)) && isObject(repaired) {
		return json.RawMessage(repaired)
	}

	slog.Warn("discarding unparseable tool arguments", "arguments", arguments)
	return json.RawMessage("{}")
}

func isObject(raw string) bool {
	return strings.HasPrefix(strings.TrimSpace(raw), "{")
}

// EstimateInputTokens approximates the prompt size of a request.
func EstimateInputTokens(req models.ChatRequest) int {
	runes := 0
	for _, msg := range req.Messages {
		runes += len([]rune(msg.Content))
		for _, call := range msg.ToolCalls {
			runes += len([]rune(call.Arguments))
		}
	}
	return models.EstimateTokensFromRunes(runes)
}

func messageID(id string) string {
	if id != "" {
		return id
	}
	return "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func toolUseID(id string) string {
	if id != "" {
		return id
	}
	return "toolu_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
