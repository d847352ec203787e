package translate

import (
	"encoding/json"
	"strings"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type SegmentKind int

const (
	SegmentText SegmentKind = iota
	SegmentImage
	SegmentToolCall
	SegmentToolResult
	SegmentThinking
)

// Segment is one piece of message content. Which fields are meaningful
// depends on Kind.
type Segment struct {
	Kind SegmentKind

	// Text holds text, thinking and tool result content.
	Text string

	MediaType string
	Data      string // base64

	ToolCallID string
	ToolName   string
	Arguments  string // JSON text
	IsError    bool
}

func TextSegment(text string) Segment { return Segment{Kind: SegmentText, Text: text} }

// Message is a canonical conversation turn.
type Message struct {
	Role     Role
	Segments []Segment
}

// Text joins the message's text segments with newlines.
func (m Message) Text() string {
	var parts []string
	for _, s := range m.Segments {
		if s.Kind == SegmentText {
			parts = append(parts, s.Text)
		}
	}
	return strings.Join(parts, "\n")
}

type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceRequired ToolChoiceMode = "required"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceFunction ToolChoiceMode = "function"
)

type ToolChoice struct {
	Mode ToolChoiceMode
	Name string
}

// Request is the canonical request every shape is built from.
type Request struct {
	Model           string
	System          string
	Messages        []Message
	MaxTokens       *int
	Temperature     *float64
	TopP            *float64
	Stop            []string
	Stream          bool
	Tools           []Tool
	ToolChoice      *ToolChoice
	ReasoningEffort string
	// Thinking is set when the agent asked for thinking output.
	Thinking bool
}

// FirstUserText returns the first non-blank user text.
func (r *Request) FirstUserText() string {
	for _, m := range r.Messages {
		if m.Role != RoleUser {
			continue
		}
		for _, s := range m.Segments {
			if s.Kind == SegmentText && strings.TrimSpace(s.Text) != "" {
				return s.Text
			}
		}
	}
	return ""
}

// appendMessage merges consecutive turns of the same role.
func appendMessage(msgs []Message, role Role, segs ...Segment) []Message {
	if len(segs) == 0 {
		return msgs
	}
	if n := len(msgs); n > 0 && msgs[n-1].Role == role {
		msgs[n-1].Segments = append(msgs[n-1].Segments, segs...)
		return msgs
	}
	return append(msgs, Message{Role: role, Segments: segs})
}

type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopMaxTokens    StopReason = "max_tokens"
	StopToolUse      StopReason = "tool_use"
	StopSequence     StopReason = "stop_sequence"
	StopRefusal      StopReason = "refusal"
	StopIncomplete   StopReason = "incomplete"
	stopReasonUnseen StopReason = ""
)

// Usage counts are nil when the upstream did not report them.
type Usage struct {
	InputTokens  *int
	OutputTokens *int
}

func intPtr(v int) *int { return &v }

// Response is the canonical unary response.
type Response struct {
	ID         string
	Model      string
	Segments   []Segment
	StopReason StopReason
	Usage      Usage
}

func (r *Response) hasToolCalls() bool {
	for _, s := range r.Segments {
		if s.Kind == SegmentToolCall {
			return true
		}
	}
	return false
}

// finishReason maps an OpenAI finish_reason onto a stop reason.
func finishReason(reason string) StopReason {
	switch reason {
	case "stop":
		return StopEndTurn
	case "length":
		return StopMaxTokens
	case "tool_calls", "function_call":
		return StopToolUse
	case "content_filter":
		return StopRefusal
	case "":
		return stopReasonUnseen
	default:
		return StopEndTurn
	}
}

// openAIFinishReason is the inverse of finishReason.
func openAIFinishReason(r StopReason) string {
	switch r {
	case StopMaxTokens:
		return "length"
	case StopToolUse:
		return "tool_calls"
	case StopRefusal:
		return "content_filter"
	default:
		return "stop"
	}
}

// EffortForBudget maps a thinking budget onto a reasoning effort.
func EffortForBudget(budget *int) string {
	switch {
	case budget == nil:
		return "medium"
	case *budget >= 4096:
		return "high"
	case *budget >= 1024:
		return "medium"
	default:
		return "low"
	}
}

// toolErrorMarker prefixes tool output the agent flagged as an error. The
// OpenAI shapes have no error flag on tool output.
const toolErrorMarker = "[tool error] "

// toolOutput is the upstream text of a tool result segment.
func toolOutput(s Segment) string {
	if s.IsError {
		return toolErrorMarker + s.Text
	}
	return s.Text
}

// toolResultSegment is the inverse of toolOutput.
func toolResultSegment(callID, output string) Segment {
	text, isError := strings.CutPrefix(output, toolErrorMarker)
	return Segment{Kind: SegmentToolResult, ToolCallID: callID, Text: text, IsError: isError}
}

// normalizeArguments returns valid JSON object text for tool arguments.
func normalizeArguments(args string) string {
	if strings.TrimSpace(args) == "" {
		return "{}"
	}
	return args
}

// argumentsInput turns argument text into a tool_use input value. Text that
// is not valid JSON is kept as a JSON string.
func argumentsInput(args string) json.RawMessage {
	args = strings.TrimSpace(args)
	if args == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(args)) {
		return json.RawMessage(args)
	}
	b, _ := json.Marshal(args)
	return b
}
