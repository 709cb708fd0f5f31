// Package reframe rebuilds normalized chat results out of an upstream
// OpenAI-style event stream.
//
// Upstream payloads are fed one at a time. Text fragments are appended to the
// running answer, tool call fragments are accumulated per tool index in
// arrival order, and a payload declaring a finish reason ends consumption.
package reframe

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"chatbridge/internal/models"
)

type chunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Choices []chunkChoice `json:"choices"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type chunkDelta struct {
	Role      string         `json:"role"`
	Content   *string        `json:"content"`
	ToolCalls []toolFragment `json:"tool_calls"`
}

type toolFragment struct {
	Index    *int   `json:"index"`
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type toolSlot struct {
	id   string
	name string
	args strings.Builder
}

// Reframer accumulates the state of one upstream response.
type Reframer struct {
	id string

	collect   bool
	text      strings.Builder
	textRunes int

	slots map[int]*toolSlot

	finishReason string
	finished     bool
}

// New returns a Reframer. When collect is false the answer text is counted
// but not retained, which keeps streaming relays at constant memory.
func New(collect bool) *Reframer {
	return &Reframer{
		collect: collect,
		slots:   make(map[int]*toolSlot),
	}
}

// Feed processes one upstream payload and returns the events it produced.
// A payload that is not valid JSON returns an error and leaves the state
// untouched; payloads of an unrecognized shape produce no events.
func (r *Reframer) Feed(payload []byte) ([]models.StreamEvent, error) {
	if r.finished {
		return nil, nil
	}

	var c chunk
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, fmt.Errorf("decode upstream chunk: %w", err)
	}

	if c.ID != "" {
		r.id = c.ID
	}
	if len(c.Choices) == 0 {
		return nil, nil
	}

	choice := c.Choices[0]
	var events []models.StreamEvent

	if choice.Delta.Content != nil && *choice.Delta.Content != "" {
		text := *choice.Delta.Content
		r.textRunes += utf8.RuneCountInString(text)
		if r.collect {
			r.text.WriteString(text)
		}
		events = append(events, models.TextDelta(text))
	}

	for pos, frag := range choice.Delta.ToolCalls {
		index := pos
		if frag.Index != nil {
			index = *frag.Index
		}

		slot, exists := r.slots[index]
		if !exists {
			slot = &toolSlot{id: frag.ID, name: frag.Function.Name}
			r.slots[index] = slot
		} else {
			if slot.id == "" {
				slot.id = frag.ID
			}
			if slot.name == "" {
				slot.name = frag.Function.Name
			}
		}
		slot.args.WriteString(frag.Function.Arguments)

		events = append(events, models.ToolCallDelta(index, frag.ID, frag.Function.Name, frag.Function.Arguments))
	}

	if choice.FinishReason != nil && *choice.FinishReason != "" {
		r.finishReason = *choice.FinishReason
		r.finished = true
	}

	return events, nil
}

// Finished reports whether a terminal finish reason has been seen.
func (r *Reframer) Finished() bool {
	return r.finished
}

// Finalize closes the response and returns the trailing Finish and Done
// events. Without an upstream finish reason the reason is inferred from
// whether any tool call was opened.
func (r *Reframer) Finalize() []models.StreamEvent {
	r.finished = true
	return []models.StreamEvent{models.Finish(r.FinishReason()), models.Done()}
}

// FinishReason returns the upstream finish reason or the inferred one.
func (r *Reframer) FinishReason() string {
	if r.finishReason != "" {
		return r.finishReason
	}
	if len(r.slots) > 0 {
		return models.FinishToolCalls
	}
	return models.FinishStop
}

// ID returns the latest completion id seen upstream.
func (r *Reframer) ID() string {
	return r.id
}

// OutputTokens estimates the number of tokens produced so far.
func (r *Reframer) OutputTokens() int {
	runes := r.textRunes
	for _, slot := range r.slots {
		runes += utf8.RuneCountInString(slot.args.String())
	}
	return models.EstimateTokensFromRunes(runes)
}

// ToolCalls returns the accumulated tool calls ordered by tool index.
func (r *Reframer) ToolCalls() []models.ToolCall {
	if len(r.slots) == 0 {
		return nil
	}

	indices := make([]int, 0, len(r.slots))
	for idx := range r.slots {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	out := make([]models.ToolCall, 0, len(indices))
	for _, idx := range indices {
		slot := r.slots[idx]
		out = append(out, models.ToolCall{
			ID:        slot.id,
			Name:      slot.name,
			Arguments: slot.args.String(),
		})
	}
	return out
}

// Result renders the accumulated state as a unified result.
func (r *Reframer) Result(model string, created int64) models.ChatResult {
	completion := r.OutputTokens()
	return models.ChatResult{
		ID:      r.id,
		Created: created,
		Model:   model,
		Message: models.Message{
			Role:      models.RoleAssistant,
			Content:   r.text.String(),
			ToolCalls: r.ToolCalls(),
		},
		FinishReason: r.FinishReason(),
		Usage: models.Usage{
			CompletionTokens: completion,
			TotalTokens:      completion,
		},
	}
}
