package translator

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatbridge/internal/models"
)

func TestClaudeMessageRequest_SystemAndText(t *testing.T) {
	body := `{
		"model": "__USTC_Adapter__deepseek-v3",
		"system": "You are helpful",
		"messages": [{"role": "user", "content": [{"type": "text", "text": "Hi"}]}],
		"max_tokens": 100,
		"stream": false
	}`

	var req ClaudeMessageRequest
	require.NoError(t, json.Unmarshal([]byte(body), &req))

	unified := req.ToUnified()
	assert.Equal(t, []models.Message{
		{Role: models.RoleSystem, Content: "You are helpful"},
		{Role: models.RoleUser, Content: "Hi"},
	}, unified.Messages)
	assert.Equal(t, 100, unified.Options["max_tokens"])
	assert.False(t, unified.Stream)

	resp := FromUnifiedClaude(req.Model, models.ChatResult{
		Message:      models.Message{Role: models.RoleAssistant, Content: "Hello!"},
		FinishReason: models.FinishStop,
	}, EstimateInputTokens(unified))

	raw, err := json.Marshal(resp)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, []any{map[string]any{"type": "text", "text": "Hello!"}}, decoded["content"])
	assert.Equal(t, "end_turn", decoded["stop_reason"])
	assert.Equal(t, "message", decoded["type"])
	assert.Equal(t, "assistant", decoded["role"])
	assert.Nil(t, decoded["stop_sequence"])
	assert.Regexp(t, `^msg_`, decoded["id"])
}

func TestClaudeMessageRequest_MissingMaxTokens(t *testing.T) {
	var req ClaudeMessageRequest
	err := json.Unmarshal([]byte(`{"model":"m","messages":[{"role":"user","content":"hi"}]}`), &req)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr), "expected validation error, got %v", err)
	assert.Equal(t, "max_tokens", verr.Param)
	assert.Equal(t, "max_tokens is required", verr.Message)
}

func TestClaudeMessageRequest_Validation(t *testing.T) {
	tests := map[string]struct {
		body  string
		param string
	}{
		"no-model": {
			body:  `{"max_tokens":1,"messages":[{"role":"user","content":"hi"}]}`,
			param: "model",
		},
		"zero-max-tokens": {
			body:  `{"model":"m","max_tokens":0,"messages":[{"role":"user","content":"hi"}]}`,
			param: "max_tokens",
		},
		"no-messages": {
			body:  `{"model":"m","max_tokens":1,"messages":[]}`,
			param: "messages",
		},
		"system-role-message": {
			body:  `{"model":"m","max_tokens":1,"messages":[{"role":"system","content":"hi"}]}`,
			param: "messages[0].role",
		},
		"image-block": {
			body:  `{"model":"m","max_tokens":1,"messages":[{"role":"user","content":[{"type":"image","source":{}}]}]}`,
			param: "messages[0].content[0].type",
		},
		"tool-use-from-user": {
			body:  `{"model":"m","max_tokens":1,"messages":[{"role":"user","content":[{"type":"tool_use","id":"t","name":"f","input":{}}]}]}`,
			param: "messages[0].content[0]",
		},
		"tool-result-without-id": {
			body:  `{"model":"m","max_tokens":1,"messages":[{"role":"user","content":[{"type":"tool_result","content":"x"}]}]}`,
			param: "messages[0].content[0].tool_use_id",
		},
		"bad-tool-choice": {
			body:  `{"model":"m","max_tokens":1,"messages":[{"role":"user","content":"hi"}],"tool_choice":{"type":"sometimes"}}`,
			param: "tool_choice.type",
		},
		"non-text-system": {
			body:  `{"model":"m","max_tokens":1,"system":[{"type":"image"}],"messages":[{"role":"user","content":"hi"}]}`,
			param: "system",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			var req ClaudeMessageRequest
			err := json.Unmarshal([]byte(tc.body), &req)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "expected validation error, got %v", err)
			assert.Equal(t, tc.param, verr.Param)
		})
	}
}

func TestClaudeMessageRequest_ToolConversation(t *testing.T) {
	body := `{
		"model": "m",
		"max_tokens": 256,
		"system": [{"type": "text", "text": "rule one"}, {"type": "text", "text": "rule two"}],
		"tools": [{"name": "get_weather", "description": "Look up weather", "input_schema": {"type": "object"}}],
		"tool_choice": {"type": "tool", "name": "get_weather"},
		"stop_sequences": ["END"],
		"temperature": 0.5,
		"messages": [
			{"role": "user", "content": "weather?"},
			{"role": "assistant", "content": [
				{"type": "text", "text": "Let me "},
				{"type": "text", "text": "check."},
				{"type": "tool_use", "id": "toolu_1", "name": "get_weather", "input": {"city": "Hefei"}}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "toolu_1", "content": [{"type": "text", "text": "sunny"}]},
				{"type": "text", "text": "and tomorrow?"}
			]}
		]
	}`

	var req ClaudeMessageRequest
	require.NoError(t, json.Unmarshal([]byte(body), &req))
	unified := req.ToUnified()

	assert.Equal(t, []models.Message{
		{Role: models.RoleSystem, Content: "rule one\nrule two"},
		{Role: models.RoleUser, Content: "weather?"},
		{Role: models.RoleAssistant, Content: "Let me check.", ToolCalls: []models.ToolCall{
			{ID: "toolu_1", Name: "get_weather", Arguments: `{"city":"Hefei"}`},
		}},
		{Role: models.RoleTool, Content: "sunny", ToolCallID: "toolu_1"},
		{Role: models.RoleUser, Content: "and tomorrow?"},
	}, unified.Messages)

	require.Len(t, unified.Tools, 1)
	assert.Equal(t, "get_weather", unified.Tools[0].Name)
	assert.JSONEq(t, `{"type":"object"}`, string(unified.Tools[0].Parameters))

	assert.Equal(t, []string{"END"}, unified.Options["stop"])
	assert.Equal(t, 0.5, unified.Options["temperature"])
	assert.Equal(t, map[string]any{
		"type":     "function",
		"function": map[string]string{"name": "get_weather"},
	}, unified.Options["tool_choice"])
}

func TestClaudeMessageRequest_AdjacentTextBlocks(t *testing.T) {
	body := `{
		"model": "m",
		"max_tokens": 16,
		"messages": [{"role": "user", "content": [
			{"type": "text", "text": "first"},
			{"type": "text", "text": "second"}
		]}]
	}`

	var req ClaudeMessageRequest
	require.NoError(t, json.Unmarshal([]byte(body), &req))

	assert.Equal(t, []models.Message{
		{Role: models.RoleUser, Content: "first"},
		{Role: models.RoleUser, Content: "second"},
	}, req.ToUnified().Messages)
}

func TestClaudeMessageRequest_ToolUseWithoutInput(t *testing.T) {
	var req ClaudeMessageRequest
	require.NoError(t, json.Unmarshal([]byte(`{
		"model": "m",
		"max_tokens": 1,
		"messages": [{"role": "assistant", "content": [{"type": "tool_use", "id": "t1", "name": "now"}]}]
	}`), &req))

	unified := req.ToUnified()
	require.Len(t, unified.Messages, 1)
	assert.Equal(t, "{}", unified.Messages[0].ToolCalls[0].Arguments)
}

func TestFromUnifiedClaude_ToolUse(t *testing.T) {
	resp := FromUnifiedClaude("m", models.ChatResult{
		ID: "chatcmpl-7",
		Message: models.Message{
			Role: models.RoleAssistant,
			ToolCalls: []models.ToolCall{
				{ID: "call_1", Name: "get_weather", Arguments: `{"city":"Hefei"}`},
				{Name: "broken", Arguments: `{"city":"Hefei"`},
			},
		},
		FinishReason: models.FinishToolCalls,
	}, 12)

	raw, err := json.Marshal(resp)
	require.NoError(t, err)

	var decoded struct {
		ID         string `json:"id"`
		StopReason string `json:"stop_reason"`
		Content    []struct {
			Type  string          `json:"type"`
			ID    string          `json:"id"`
			Name  string          `json:"name"`
			Input json.RawMessage `json:"input"`
		} `json:"content"`
		Usage ClaudeUsage `json:"usage"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))

	assert.Equal(t, "chatcmpl-7", decoded.ID)
	assert.Equal(t, StopToolUse, decoded.StopReason)
	require.Len(t, decoded.Content, 2)
	assert.Equal(t, BlockToolUse, decoded.Content[0].Type)
	assert.Equal(t, "call_1", decoded.Content[0].ID)
	assert.JSONEq(t, `{"city":"Hefei"}`, string(decoded.Content[0].Input))
	assert.Regexp(t, `^toolu_`, decoded.Content[1].ID)
	assert.JSONEq(t, `{"city":"Hefei"}`, string(decoded.Content[1].Input))
	assert.Equal(t, 12, decoded.Usage.InputTokens)
	assert.Positive(t, decoded.Usage.OutputTokens)
}

func TestDecodeArguments(t *testing.T) {
	tests := map[string]struct {
		in   string
		want string
	}{
		"empty":      {in: "", want: `{}`},
		"object":     {in: `{"a":1}`, want: `{"a":1}`},
		"non-object": {in: `[1,2]`, want: `{}`},
		"truncated":  {in: `{"a":1,"b":"x"`, want: `{"a":1,"b":"x"}`},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.JSONEq(t, tc.want, string(DecodeArguments(tc.in)))
		})
	}
}

func TestMapStopReason(t *testing.T) {
	tests := map[string]string{
		"stop":           "end_turn",
		"tool_calls":     "tool_use",
		"length":         "length",
		"content_filter": "content_filter",
		"":               "",
		"end_turn":       "end_turn",
	}

	for in, want := range tests {
		assert.Equal(t, want, MapStopReason(in), "input %q", in)
	}
}
