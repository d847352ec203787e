package translate

import (
	"encoding/json"
	"strings"
)

type EventKind int

const (
	EventStart EventKind = iota
	EventTextDelta
	EventThinkingDelta
	EventToolStart
	EventToolArgs
	// EventToolArgsDone carries the complete arguments and replaces any
	// fragments seen so far.
	EventToolArgsDone
	EventToolEnd
	EventUsage
	EventFinish
	EventDone
	EventError
)

// Event is one canonical stream event decoded from an upstream SSE payload.
type Event struct {
	Kind EventKind

	ID    string
	Model string

	Text string

	ToolKey  string
	ToolID   string
	ToolName string

	StopReason StopReason
	Usage      Usage
}

// StreamDecoder turns one upstream SSE event into canonical events.
type StreamDecoder interface {
	Decode(event string, data []byte) ([]Event, error)
}

// SSEEvent is one agent-protocol server-sent event.
type SSEEvent struct {
	Name string
	Data []byte
}

func (e SSEEvent) Bytes() []byte {
	b := make([]byte, 0, len(e.Name)+len(e.Data)+16)
	b = append(b, "event: "...)
	b = append(b, e.Name...)
	b = append(b, "\ndata: "...)
	b = append(b, e.Data...)
	return append(b, "\n\n"...)
}

func sse(name string, payload interface{}) SSEEvent {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(`{"type":"error","error":{"type":"api_error","message":"failed to encode event"}}`)
		name = "error"
	}
	return SSEEvent{Name: name, Data: data}
}

type pendingTool struct {
	id   string
	name string
	args strings.Builder
}

type openBlock struct {
	index int
	kind  SegmentKind
}

// StreamEncoder renders canonical stream events as Anthropic SSE events.
// Text and thinking are forwarded as they arrive; tool calls are held until
// their boundary and emitted as a single block with complete arguments.
// Exactly one terminal is produced: message_delta + message_stop, or error.
type StreamEncoder struct {
	id              string
	model           string
	includeThinking bool

	started  bool
	finished bool
	next     int
	open     *openBlock

	tools     map[string]*pendingTool
	toolOrder []string
	sawTool   bool

	stop  StopReason
	usage Usage
}

func NewStreamEncoder(model string, includeThinking bool) *StreamEncoder {
	return &StreamEncoder{
		model:           model,
		includeThinking: includeThinking,
		tools:           make(map[string]*pendingTool),
	}
}

// Done reports whether a terminal event was produced.
func (e *StreamEncoder) Done() bool { return e.finished }

func (e *StreamEncoder) Handle(ev Event) []SSEEvent {
	if e.finished {
		return nil
	}
	if ev.Kind == EventError {
		return e.Fail("api_error", ev.Text)
	}
	if ev.Kind == EventStart && !e.started && ev.ID != "" {
		e.id = messageID(ev.ID)
	}

	out := e.begin()
	switch ev.Kind {
	case EventTextDelta:
		if ev.Text == "" {
			break
		}
		out = append(out, e.ensureBlock(SegmentText)...)
		out = append(out, sse("content_block_delta", map[string]interface{}{
			"type":  "content_block_delta",
			"index": e.open.index,
			"delta": map[string]string{"type": "text_delta", "text": ev.Text},
		}))
	case EventThinkingDelta:
		if !e.includeThinking || ev.Text == "" {
			break
		}
		out = append(out, e.ensureBlock(SegmentThinking)...)
		out = append(out, sse("content_block_delta", map[string]interface{}{
			"type":  "content_block_delta",
			"index": e.open.index,
			"delta": map[string]string{"type": "thinking_delta", "thinking": ev.Text},
		}))
	case EventToolStart:
		t := e.tool(ev.ToolKey)
		if ev.ToolID != "" {
			t.id = ev.ToolID
		}
		if ev.ToolName != "" {
			t.name = ev.ToolName
		}
	case EventToolArgs:
		e.tool(ev.ToolKey).args.WriteString(ev.Text)
	case EventToolArgsDone:
		if ev.Text != "" {
			t := e.tool(ev.ToolKey)
			t.args.Reset()
			t.args.WriteString(ev.Text)
		}
	case EventToolEnd:
		out = append(out, e.flushTool(ev.ToolKey)...)
	case EventUsage:
		e.mergeUsage(ev.Usage)
	case EventFinish:
		out = append(out, e.flushTools()...)
		if ev.StopReason != stopReasonUnseen {
			e.stop = ev.StopReason
		}
	case EventDone:
		out = append(out, e.terminal()...)
	}
	return out
}

// Close is called when the upstream stream ended. Without a terminal marker
// the message is finished with the stop reason seen so far, or "incomplete".
func (e *StreamEncoder) Close() []SSEEvent {
	if e.finished {
		return nil
	}
	out := e.begin()
	if e.stop == stopReasonUnseen {
		e.stop = StopIncomplete
	}
	return append(out, e.terminal()...)
}

// Fail terminates the stream with an error event.
func (e *StreamEncoder) Fail(errType, message string) []SSEEvent {
	if e.finished {
		return nil
	}
	e.finished = true
	if message == "" {
		message = "upstream stream failed"
	}
	return []SSEEvent{sse("error", map[string]interface{}{
		"type":  "error",
		"error": map[string]string{"type": errType, "message": message},
	})}
}

func (e *StreamEncoder) begin() []SSEEvent {
	if e.started {
		return nil
	}
	e.started = true
	if e.id == "" {
		e.id = "msg_" + newID()
	}
	return []SSEEvent{sse("message_start", map[string]interface{}{
		"type": "message_start",
		"message": MessagesResponse{
			ID:      e.id,
			Type:    "message",
			Role:    "assistant",
			Content: []ResponseBlock{},
			Model:   e.model,
			Usage:   AnthropicUsage{InputTokens: e.usage.InputTokens, OutputTokens: e.usage.OutputTokens},
		},
	})}
}

func (e *StreamEncoder) ensureBlock(kind SegmentKind) []SSEEvent {
	if e.open != nil && e.open.kind == kind {
		return nil
	}
	out := e.closeBlock()
	e.open = &openBlock{index: e.next, kind: kind}
	e.next++
	var block interface{}
	if kind == SegmentThinking {
		block = map[string]string{"type": "thinking", "thinking": ""}
	} else {
		block = map[string]string{"type": "text", "text": ""}
	}
	return append(out, sse("content_block_start", map[string]interface{}{
		"type":          "content_block_start",
		"index":         e.open.index,
		"content_block": block,
	}))
}

func (e *StreamEncoder) closeBlock() []SSEEvent {
	if e.open == nil {
		return nil
	}
	idx := e.open.index
	e.open = nil
	return []SSEEvent{blockStop(idx)}
}

func blockStop(index int) SSEEvent {
	return sse("content_block_stop", map[string]interface{}{"type": "content_block_stop", "index": index})
}

func (e *StreamEncoder) tool(key string) *pendingTool {
	t, ok := e.tools[key]
	if !ok {
		t = &pendingTool{}
		e.tools[key] = t
		e.toolOrder = append(e.toolOrder, key)
	}
	return t
}

func (e *StreamEncoder) flushTool(key string) []SSEEvent {
	t, ok := e.tools[key]
	if !ok {
		return nil
	}
	delete(e.tools, key)
	for i, k := range e.toolOrder {
		if k == key {
			e.toolOrder = append(e.toolOrder[:i], e.toolOrder[i+1:]...)
			break
		}
	}

	out := e.closeBlock()
	idx := e.next
	e.next++
	e.sawTool = true
	id := t.id
	if id == "" {
		id = "call_" + newID()[:24]
	}
	out = append(out, sse("content_block_start", map[string]interface{}{
		"type":  "content_block_start",
		"index": idx,
		"content_block": map[string]interface{}{
			"type":  "tool_use",
			"id":    id,
			"name":  t.name,
			"input": map[string]interface{}{},
		},
	}))
	if args := strings.TrimSpace(t.args.String()); args != "" {
		out = append(out, sse("content_block_delta", map[string]interface{}{
			"type":  "content_block_delta",
			"index": idx,
			"delta": map[string]string{"type": "input_json_delta", "partial_json": args},
		}))
	}
	return append(out, blockStop(idx))
}

func (e *StreamEncoder) flushTools() []SSEEvent {
	var out []SSEEvent
	for len(e.toolOrder) > 0 {
		out = append(out, e.flushTool(e.toolOrder[0])...)
	}
	return out
}

func (e *StreamEncoder) mergeUsage(u Usage) {
	if u.InputTokens != nil {
		e.usage.InputTokens = u.InputTokens
	}
	if u.OutputTokens != nil {
		e.usage.OutputTokens = u.OutputTokens
	}
}

func (e *StreamEncoder) terminal() []SSEEvent {
	out := e.flushTools()
	out = append(out, e.closeBlock()...)

	stop := e.stop
	if stop == stopReasonUnseen || stop == StopEndTurn {
		stop = StopEndTurn
		if e.sawTool {
			stop = StopToolUse
		}
	}
	usage := map[string]*int{"output_tokens": e.usage.OutputTokens}
	if e.usage.InputTokens != nil {
		usage["input_tokens"] = e.usage.InputTokens
	}
	out = append(out,
		sse("message_delta", map[string]interface{}{
			"type":  "message_delta",
			"delta": map[string]interface{}{"stop_reason": string(stop), "stop_sequence": nil},
			"usage": usage,
		}),
		sse("message_stop", map[string]string{"type": "message_stop"}),
	)
	e.finished = true
	return out
}
