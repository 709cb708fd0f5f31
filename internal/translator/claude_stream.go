package translator

import (
	"log/slog"
	"sort"
	"strings"
	"unicode/utf8"

	"chatbridge/internal/models"
)

// SSEEvent is one named server-sent event.
type SSEEvent struct {
	Name string
	Data any
}

type streamToolBlock struct {
	id      string
	name    string
	pending strings.Builder
	args    strings.Builder
	opened  bool
	index   int
}

// ClaudeStreamEncoder turns normalized stream events into the messages
// dialect's named event sequence. Block indices are assigned in opening order
// and are strictly increasing. A tool block is opened once both its id and
// name are known; argument fragments that arrive earlier are held back and
// flushed on open.
type ClaudeStreamEncoder struct {
	model       string
	id          string
	inputTokens int

	started   bool
	finished  bool
	nextIndex int
	textIndex int
	runes     int

	tools map[int]*streamToolBlock
}

// NewClaudeStreamEncoder prepares an encoder for one response.
func NewClaudeStreamEncoder(model, id string, inputTokens int) *ClaudeStreamEncoder {
	return &ClaudeStreamEncoder{
		model:       model,
		id:          messageID(id),
		inputTokens: inputTokens,
		textIndex:   -1,
		tools:       make(map[int]*streamToolBlock),
	}
}

// Start returns the message_start event. Further calls return nothing.
func (e *ClaudeStreamEncoder) Start() []SSEEvent {
	if e.started {
		return nil
	}
	e.started = true
	return []SSEEvent{{
		Name: "message_start",
		Data: map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            e.id,
				"type":          "message",
				"role":          models.RoleAssistant,
				"model":         e.model,
				"content":       []any{},
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage": ClaudeUsage{
					InputTokens:  e.inputTokens,
					OutputTokens: 0,
				},
			},
		},
	}}
}

// Encode converts one normalized event. Events after the finish are ignored.
func (e *ClaudeStreamEncoder) Encode(ev models.StreamEvent) []SSEEvent {
	if e.finished {
		return nil
	}
	out := e.Start()

	switch ev.Type {
	case models.EventTextDelta:
		out = append(out, e.text(ev.Text)...)
	case models.EventToolCallDelta:
		out = append(out, e.tool(ev)...)
	case models.EventFinish:
		out = append(out, e.finish(ev.FinishReason)...)
	case models.EventDone:
	}
	return out
}

// Finished reports whether message_stop has been produced.
func (e *ClaudeStreamEncoder) Finished() bool {
	return e.finished
}

// ToolArguments returns the accumulated argument strings of the tool blocks
// in tool index order.
func (e *ClaudeStreamEncoder) ToolArguments() []string {
	indices := e.toolIndices()
	out := make([]string, 0, len(indices))
	for _, idx := range indices {
		block := e.tools[idx]
		out = append(out, block.args.String()+block.pending.String())
	}
	return out
}

// ErrorEvent renders an error raised after the stream has begun.
func ErrorEvent(errType, message string) SSEEvent {
	return SSEEvent{Name: "error", Data: NewClaudeError(errType, message)}
}

func (e *ClaudeStreamEncoder) text(text string) []SSEEvent {
	if text == "" {
		return nil
	}
	e.runes += utf8.RuneCountInString(text)

	var out []SSEEvent
	if e.textIndex < 0 {
		e.textIndex = e.claimIndex()
		out = append(out, blockStart(e.textIndex, map[string]any{"type": BlockText, "text": ""}))
	}
	return append(out, blockDelta(e.textIndex, map[string]any{"type": "text_delta", "text": text}))
}

func (e *ClaudeStreamEncoder) tool(ev models.StreamEvent) []SSEEvent {
	block, ok := e.tools[ev.ToolIndex]
	if !ok {
		block = &streamToolBlock{}
		e.tools[ev.ToolIndex] = block
	}
	if block.id == "" {
		block.id = ev.ToolCallID
	}
	if block.name == "" {
		block.name = ev.ToolName
	}
	e.runes += utf8.RuneCountInString(ev.Arguments)

	if !block.opened {
		block.pending.WriteString(ev.Arguments)
		if block.id == "" || block.name == "" {
			return nil
		}
		return e.open(block)
	}

	if ev.Arguments == "" {
		return nil
	}
	block.args.WriteString(ev.Arguments)
	return []SSEEvent{inputDelta(block.index, ev.Arguments)}
}

func (e *ClaudeStreamEncoder) open(block *streamToolBlock) []SSEEvent {
	block.opened = true
	block.index = e.claimIndex()

	out := []SSEEvent{blockStart(block.index, map[string]any{
		"type":  BlockToolUse,
		"id":    block.id,
		"name":  block.name,
		"input": map[string]any{},
	})}

	if block.pending.Len() > 0 {
		buffered := block.pending.String()
		block.pending.Reset()
		block.args.WriteString(buffered)
		out = append(out, inputDelta(block.index, buffered))
	}
	return out
}

func (e *ClaudeStreamEncoder) finish(reason string) []SSEEvent {
	var out []SSEEvent

	for _, idx := range e.toolIndices() {
		block := e.tools[idx]
		if block.opened {
			continue
		}
		if block.name == "" {
			slog.Warn("dropping tool call without a name", "tool_index", idx)
			continue
		}
		block.id = toolUseID(block.id)
		out = append(out, e.open(block)...)
	}

	open := make([]int, 0, len(e.tools)+1)
	if e.textIndex >= 0 {
		open = append(open, e.textIndex)
	}
	for _, block := range e.tools {
		if block.opened {
			open = append(open, block.index)
		}
	}
	sort.Ints(open)
	for _, idx := range open {
		out = append(out, SSEEvent{
			Name: "content_block_stop",
			Data: map[string]any{"type": "content_block_stop", "index": idx},
		})
	}

	e.finished = true
	return append(out,
		SSEEvent{
			Name: "message_delta",
			Data: map[string]any{
				"type": "message_delta",
				"delta": map[string]any{
					"stop_reason":   MapStopReason(reason),
					"stop_sequence": nil,
				},
				"usage": map[string]int{"output_tokens": models.EstimateTokensFromRunes(e.runes)},
			},
		},
		SSEEvent{
			Name: "message_stop",
			Data: map[string]any{"type": "message_stop"},
		},
	)
}

func (e *ClaudeStreamEncoder) claimIndex() int {
	idx := e.nextIndex
	e.nextIndex++
	return idx
}

func (e *ClaudeStreamEncoder) toolIndices() []int {
	indices := make([]int, 0, len(e.tools))
	for idx := range e.tools {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	return indices
}

func blockStart(index int, block map[string]any) SSEEvent {
	return SSEEvent{
		Name: "content_block_start",
		Data: map[string]any{
			"type":          "content_block_start",
			"index":         index,
			"content_block": block,
		},
	}
}

func blockDelta(index int, delta map[string]any) SSEEvent {
	return SSEEvent{
		Name: "content_block_delta",
		Data: map[string]any{
			"type":  "content_block_delta",
			"index": index,
			"delta": delta,
		},
	}
}

func inputDelta(index int, fragment string) SSEEvent {
	return blockDelta(index, map[string]any{"type": "input_json_delta", "partial_json": fragment})
}
