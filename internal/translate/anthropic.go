package translate

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MessagesRequest is the agent's /v1/messages body.
type MessagesRequest struct {
	Model         string             `json:"model"`
	Messages      []AnthropicMessage `json:"messages"`
	System        json.RawMessage    `json:"system,omitempty"`
	MaxTokens     *int               `json:"max_tokens,omitempty"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	TopK          *int               `json:"top_k,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
	Tools         []AnthropicTool    `json:"tools,omitempty"`
	ToolChoice    json.RawMessage    `json:"tool_choice,omitempty"`
	Thinking      *ThinkingConfig    `json:"thinking,omitempty"`
	Metadata      json.RawMessage    `json:"metadata,omitempty"`
}

// AnthropicMessage content is either a string or a list of blocks.
type AnthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Source    *ImageSource    `json:"source,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	Signature string          `json:"signature,omitempty"`
	Data      string          `json:"data,omitempty"`
}

type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type AnthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Type        string          `json:"type,omitempty"`
}

type ThinkingConfig struct {
	Type         string `json:"type"`
	BudgetTokens *int   `json:"budget_tokens,omitempty"`
}

func (t *ThinkingConfig) enabled() bool {
	return t != nil && t.Type == "enabled"
}

// MessagesResponse is the unary /v1/messages answer.
type MessagesResponse struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Role         string          `json:"role"`
	Content      []ResponseBlock `json:"content"`
	Model        string          `json:"model"`
	StopReason   *string         `json:"stop_reason"`
	StopSequence *string         `json:"stop_sequence"`
	Usage        AnthropicUsage  `json:"usage"`
}

type ResponseBlock struct {
	Type     string          `json:"type"`
	Text     *string         `json:"text,omitempty"`
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
	Thinking *string         `json:"thinking,omitempty"`
}

// AnthropicUsage fields are null when unknown.
type AnthropicUsage struct {
	InputTokens  *int `json:"input_tokens"`
	OutputTokens *int `json:"output_tokens"`
}

// FromAnthropic decodes an agent request into canonical form. The model is
// left as requested; SelectModel picks the upstream id.
func FromAnthropic(in *MessagesRequest) (*Request, error) {
	system, err := systemText(in.System)
	if err != nil {
		return nil, err
	}
	out := &Request{
		Model:       in.Model,
		System:      system,
		MaxTokens:   in.MaxTokens,
		Temperature: in.Temperature,
		TopP:        in.TopP,
		Stop:        in.StopSequences,
		Stream:      in.Stream,
		Thinking:    in.Thinking.enabled(),
	}
	if out.Thinking {
		out.ReasoningEffort = EffortForBudget(in.Thinking.BudgetTokens)
	}

	for i, m := range in.Messages {
		role := Role(m.Role)
		if role != RoleUser && role != RoleAssistant {
			return nil, fmt.Errorf("messages[%d]: unsupported role %q", i, m.Role)
		}
		segs, err := decodeContent(role, m.Content)
		if err != nil {
			return nil, fmt.Errorf("messages[%d]: %w", i, err)
		}
		out.Messages = appendMessage(out.Messages, role, segs...)
	}

	for _, t := range in.Tools {
		if t.Name == "" {
			continue
		}
		out.Tools = append(out.Tools, Tool{Name: t.Name, Description: t.Description, Parameters: t.InputSchema})
	}

	if len(in.ToolChoice) > 0 {
		var tc struct {
			Type string `json:"type"`
			Name string `json:"name"`
		}
		if err := json.Unmarshal(in.ToolChoice, &tc); err != nil {
			return nil, fmt.Errorf("tool_choice: %w", err)
		}
		switch tc.Type {
		case "auto":
			out.ToolChoice = &ToolChoice{Mode: ToolChoiceAuto}
		case "any":
			out.ToolChoice = &ToolChoice{Mode: ToolChoiceRequired}
		case "none":
			out.ToolChoice = &ToolChoice{Mode: ToolChoiceNone}
		case "tool":
			out.ToolChoice = &ToolChoice{Mode: ToolChoiceFunction, Name: tc.Name}
		}
	}
	return out, nil
}

// systemText joins a string or block-list system prompt with newlines.
func systemText(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", fmt.Errorf("system: expected string or content blocks: %w", err)
	}
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n"), nil
}

func decodeContent(role Role, raw json.RawMessage) ([]Segment, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []Segment{TextSegment(s)}, nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, fmt.Errorf("content: expected string or content blocks: %w", err)
	}

	segs := make([]Segment, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case "text":
			segs = append(segs, TextSegment(b.Text))
		case "image":
			if role != RoleUser || b.Source == nil || b.Source.Data == "" {
				continue
			}
			segs = append(segs, Segment{Kind: SegmentImage, MediaType: b.Source.MediaType, Data: b.Source.Data})
		case "tool_use":
			args := "{}"
			if len(b.Input) > 0 {
				args = string(b.Input)
			}
			segs = append(segs, Segment{Kind: SegmentToolCall, ToolCallID: b.ID, ToolName: b.Name, Arguments: args})
		case "tool_result":
			segs = append(segs, Segment{Kind: SegmentToolResult, ToolCallID: b.ToolUseID, Text: toolResultText(b.Content), IsError: b.IsError})
		case "thinking":
			segs = append(segs, Segment{Kind: SegmentThinking, Text: b.Thinking})
		}
	}
	return segs, nil
}

// toolResultText keeps string content as is, joins text blocks, and falls
// back to the raw JSON for anything else.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var parts []string
		allText := true
		for _, b := range blocks {
			if b.Type != "text" {
				allText = false
				break
			}
			parts = append(parts, b.Text)
		}
		if allText {
			return strings.Join(parts, "\n")
		}
	}
	return string(raw)
}

// IsLightweight reports whether the request is a cheap background call that
// can go to the auxiliary model.
func IsLightweight(in *MessagesRequest) bool {
	if in.MaxTokens != nil && *in.MaxTokens == 1 {
		return true
	}
	if containsSuggestionMode(in) {
		return true
	}
	if len(in.Tools) > 0 || len(in.Messages) == 0 {
		return false
	}
	last := in.Messages[len(in.Messages)-1]
	if last.Role != string(RoleAssistant) {
		return false
	}
	segs, err := decodeContent(RoleAssistant, last.Content)
	if err != nil {
		return false
	}
	for _, s := range segs {
		if s.Kind == SegmentText {
			return strings.HasPrefix(strings.TrimLeft(s.Text, " \t\r\n"), "{")
		}
	}
	return false
}

const suggestionMarker = "[SUGGESTION MODE:"

func containsSuggestionMode(in *MessagesRequest) bool {
	if strings.Contains(string(in.System), suggestionMarker) {
		return true
	}
	for _, m := range in.Messages {
		segs, err := decodeContent(Role(m.Role), m.Content)
		if err != nil {
			continue
		}
		for _, s := range segs {
			if (s.Kind == SegmentText || s.Kind == SegmentToolResult) && strings.Contains(s.Text, suggestionMarker) {
				return true
			}
		}
	}
	return false
}

// ModelMap is the per-tier model mapping.
type ModelMap struct {
	Primary   string
	Auxiliary string
	Haiku     string
	Sonnet    string
	Opus      string
}

// SelectModel picks the upstream model id. A lightweight request goes to the
// auxiliary model when one is set; otherwise a configured named tier matching
// the requested model wins, then the primary model.
func SelectModel(m ModelMap, requested string, lightweight bool) string {
	if lightweight && m.Auxiliary != "" {
		return m.Auxiliary
	}
	if !lightweight {
		lower := strings.ToLower(requested)
		switch {
		case strings.Contains(lower, "haiku") && m.Haiku != "":
			return m.Haiku
		case strings.Contains(lower, "sonnet") && m.Sonnet != "":
			return m.Sonnet
		case strings.Contains(lower, "opus") && m.Opus != "":
			return m.Opus
		}
	}
	return m.Primary
}

// ToAnthropic renders a canonical response for the agent. Thinking is dropped
// unless the agent enabled it.
func ToAnthropic(resp *Response, model string, includeThinking bool) *MessagesResponse {
	out := &MessagesResponse{
		ID:      messageID(resp.ID),
		Type:    "message",
		Role:    "assistant",
		Content: []ResponseBlock{},
		Model:   model,
		Usage:   AnthropicUsage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens},
	}
	for _, s := range resp.Segments {
		switch s.Kind {
		case SegmentText:
			if s.Text == "" {
				continue
			}
			text := s.Text
			out.Content = append(out.Content, ResponseBlock{Type: "text", Text: &text})
		case SegmentThinking:
			if !includeThinking || s.Text == "" {
				continue
			}
			thinking := s.Text
			out.Content = append(out.Content, ResponseBlock{Type: "thinking", Thinking: &thinking})
		case SegmentToolCall:
			id := s.ToolCallID
			if id == "" {
				id = "call"
			}
			out.Content = append(out.Content, ResponseBlock{Type: "tool_use", ID: id, Name: s.ToolName, Input: argumentsInput(s.Arguments)})
		}
	}

	reason := resp.StopReason
	if reason == stopReasonUnseen || reason == StopEndTurn {
		reason = StopEndTurn
		if resp.hasToolCalls() {
			reason = StopToolUse
		}
	}
	r := string(reason)
	out.StopReason = &r
	return out
}

func messageID(id string) string {
	if id == "" {
		return "msg_" + newID()
	}
	if strings.HasPrefix(id, "msg_") {
		return id
	}
	return "msg_" + id
}
