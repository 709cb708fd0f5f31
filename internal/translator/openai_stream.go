package translator

import (
	"github.com/google/uuid"

	"chatbridge/internal/models"
)

// ChatCompletionChunk is one event of a streamed chat completion.
type ChatCompletionChunk struct {
	ID      string            `json:"id"`
	Object  string            `json:"object"`
	Created int64             `json:"created"`
	Model   string            `json:"model"`
	Choices []ChatChunkChoice `json:"choices"`
}

// ChatChunkChoice carries the delta of a chunk.
type ChatChunkChoice struct {
	Index        int            `json:"index"`
	Delta        map[string]any `json:"delta"`
	FinishReason *string        `json:"finish_reason"`
}

// FinishChunk closes a stream whose upstream ended without declaring a
// finish reason.
func FinishChunk(id, modelID string, created int64, reason string) ChatCompletionChunk {
	if id == "" {
		id = "chatcmpl-" + uuid.NewString()
	}
	return ChatCompletionChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   modelID,
		Choices: []ChatChunkChoice{{
			Index:        0,
			Delta:        map[string]any{},
			FinishReason: &reason,
		}},
	}
}

// ChatErrorBody is the dialect's error envelope, used both as the response
// body and as an in-band stream event.
type ChatErrorBody struct {
	Error ChatErrorDetail `json:"error"`
}

// ChatErrorDetail describes a failed request.
type ChatErrorDetail struct {
	Message string  `json:"message"`
	Type    string  `json:"type"`
	Param   *string `json:"param"`
	Code    *string `json:"code"`
}

// NewChatError builds the error envelope. Empty param and code render as null.
func NewChatError(message, errType, param, code string) ChatErrorBody {
	body := ChatErrorBody{Error: ChatErrorDetail{Message: message, Type: errType}}
	if param != "" {
		body.Error.Param = &param
	}
	if code != "" {
		body.Error.Code = &code
	}
	return body
}

// ClaudeErrorBody is the messages dialect's error envelope.
type ClaudeErrorBody struct {
	Type  string            `json:"type"`
	Error ClaudeErrorDetail `json:"error"`
}

// ClaudeErrorDetail describes a failed request.
type ClaudeErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewClaudeError builds the messages error envelope.
func NewClaudeError(errType, message string) ClaudeErrorBody {
	return ClaudeErrorBody{Type: "error", Error: ClaudeErrorDetail{Type: errType, Message: message}}
}

// EstimatePromptUsage fills prompt accounting into a collected result.
func EstimatePromptUsage(req models.ChatRequest, result *models.ChatResult) {
	result.Usage.PromptTokens = EstimateInputTokens(req)
	result.Usage.TotalTokens = result.Usage.PromptTokens + result.Usage.CompletionTokens
}
