package translate

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// The completions shape has no message structure, so requests are rendered
// as a role-labelled transcript ending in an open assistant turn. Tools are
// not representable and are dropped. Lines of turn text that would read as a
// role label get one extra leading backslash, removed again when parsing.

const (
	labelSystem    = "System: "
	labelUser      = "User: "
	labelAssistant = "Assistant: "
	openAssistant  = "Assistant:"
)

type completionsRequest struct {
	Model       string   `json:"model"`
	Prompt      string   `json:"prompt"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty"`
	Stream      bool     `json:"stream,omitempty"`
}

type completionsResponse struct {
	ID      string              `json:"id"`
	Object  string              `json:"object"`
	Created int64               `json:"created"`
	Model   string              `json:"model"`
	Choices []completionsChoice `json:"choices"`
	Usage   *openAIUsage        `json:"usage,omitempty"`
}

type completionsChoice struct {
	Index        int     `json:"index"`
	Text         string  `json:"text"`
	FinishReason *string `json:"finish_reason"`
}

type completionsCodec struct{}

func (completionsCodec) Shape() Shape { return ShapeCompletions }

func (completionsCodec) NewStreamDecoder() StreamDecoder { return &completionsStreamDecoder{} }

func (completionsCodec) EncodeRequest(req *Request) ([]byte, error) {
	return json.Marshal(completionsRequest{
		Model:       req.Model,
		Prompt:      RenderTranscript(req.System, req.Messages),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Stream:      req.Stream,
	})
}

// RenderTranscript flattens a conversation into a completions prompt.
func RenderTranscript(system string, msgs []Message) string {
	var sections []string
	if system != "" {
		sections = append(sections, labelSystem+escapeLabels(system))
	}
	for _, m := range msgs {
		var lines []string
		for _, s := range m.Segments {
			switch s.Kind {
			case SegmentText:
				lines = append(lines, s.Text)
			case SegmentImage:
				lines = append(lines, "[image]")
			case SegmentToolCall:
				lines = append(lines, fmt.Sprintf("[tool call %s (%s)]: %s", s.ToolName, s.ToolCallID, normalizeArguments(s.Arguments)))
			case SegmentToolResult:
				lines = append(lines, fmt.Sprintf("[tool result (%s)]: %s", s.ToolCallID, toolOutput(s)))
			}
		}
		if len(lines) == 0 {
			continue
		}
		label := labelUser
		if m.Role == RoleAssistant {
			label = labelAssistant
		}
		sections = append(sections, label+escapeLabels(strings.Join(lines, "\n")))
	}
	sections = append(sections, openAssistant)
	return strings.Join(sections, "\n\n")
}

// looksLikeLabel reports whether line, minus any leading backslashes, starts
// a transcript section.
func looksLikeLabel(line string) bool {
	line = strings.TrimLeft(line, `\`)
	if line == openAssistant {
		return true
	}
	for _, label := range []string{labelSystem, labelUser, labelAssistant} {
		if strings.HasPrefix(line, label) {
			return true
		}
	}
	return false
}

func escapeLabels(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if looksLikeLabel(line) {
			lines[i] = `\` + line
		}
	}
	return strings.Join(lines, "\n")
}

func unescapeLabels(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if strings.HasPrefix(line, `\`) && looksLikeLabel(line) {
			lines[i] = line[1:]
		}
	}
	return strings.Join(lines, "\n")
}

// parseTranscript is the inverse of RenderTranscript for plain text turns.
func parseTranscript(prompt string) (string, []Message) {
	type section struct {
		label string
		body  []string
	}
	var sections []*section
	for _, chunk := range strings.Split(prompt, "\n\n") {
		matched := false
		for _, label := range []string{labelSystem, labelUser, labelAssistant} {
			if body, ok := strings.CutPrefix(chunk, label); ok {
				sections = append(sections, &section{label: label, body: []string{body}})
				matched = true
				break
			}
		}
		if matched {
			continue
		}
		if chunk == openAssistant {
			sections = append(sections, &section{label: labelAssistant})
			continue
		}
		if len(sections) == 0 {
			sections = append(sections, &section{label: labelUser})
		}
		cur := sections[len(sections)-1]
		cur.body = append(cur.body, chunk)
	}

	// the trailing open assistant turn is the slot for the completion
	if n := len(sections); n > 0 && sections[n-1].label == labelAssistant && len(sections[n-1].body) == 0 {
		sections = sections[:n-1]
	}

	var (
		system []string
		msgs   []Message
	)
	for _, s := range sections {
		text := unescapeLabels(strings.Join(s.body, "\n\n"))
		switch s.label {
		case labelSystem:
			system = append(system, text)
		case labelAssistant:
			msgs = appendMessage(msgs, RoleAssistant, TextSegment(text))
		default:
			msgs = appendMessage(msgs, RoleUser, TextSegment(text))
		}
	}
	return strings.Join(system, "\n"), msgs
}

func (completionsCodec) DecodeRequest(body []byte) (*Request, error) {
	var in completionsRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("decode completions request: %w", err)
	}
	system, msgs := parseTranscript(in.Prompt)
	return &Request{
		Model:       in.Model,
		System:      system,
		Messages:    msgs,
		MaxTokens:   in.MaxTokens,
		Temperature: in.Temperature,
		TopP:        in.TopP,
		Stop:        in.Stop,
		Stream:      in.Stream,
	}, nil
}

func (completionsCodec) DecodeResponse(body []byte) (*Response, error) {
	var in completionsResponse
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("decode completions response: %w", err)
	}
	if len(in.Choices) == 0 {
		return nil, fmt.Errorf("completions response has no choices")
	}
	out := &Response{ID: in.ID, Model: in.Model, Usage: in.Usage.usage()}
	if text := in.Choices[0].Text; text != "" {
		out.Segments = append(out.Segments, TextSegment(text))
	}
	if fr := in.Choices[0].FinishReason; fr != nil {
		out.StopReason = finishReason(*fr)
	}
	return out, nil
}

func completionsText(resp *Response) string {
	var b strings.Builder
	for _, s := range resp.Segments {
		if s.Kind == SegmentText {
			b.WriteString(s.Text)
		}
	}
	return b.String()
}

func (completionsCodec) EncodeResponse(resp *Response) ([]byte, error) {
	finish := openAIFinishReason(resp.StopReason)
	return json.Marshal(completionsResponse{
		ID:      "cmpl-" + firstNonEmpty(resp.ID, newID()),
		Object:  "text_completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []completionsChoice{{Index: 0, Text: completionsText(resp), FinishReason: &finish}},
		Usage:   toOpenAIUsage(resp.Usage),
	})
}

func (completionsCodec) EncodeStream(resp *Response) ([][]byte, error) {
	id := "cmpl-" + firstNonEmpty(resp.ID, newID())
	created := time.Now().Unix()
	var out [][]byte
	chunk := func(choices []completionsChoice, usage *openAIUsage) {
		out = append(out, mustRaw(completionsResponse{ID: id, Object: "text_completion", Created: created, Model: resp.Model, Choices: choices, Usage: usage}))
	}
	for _, part := range splitChunks(completionsText(resp)) {
		if part != "" {
			chunk([]completionsChoice{{Text: part}}, nil)
		}
	}
	finish := openAIFinishReason(resp.StopReason)
	chunk([]completionsChoice{{FinishReason: &finish}}, nil)
	if u := toOpenAIUsage(resp.Usage); u != nil {
		chunk([]completionsChoice{}, u)
	}
	return append(out, []byte("[DONE]")), nil
}

type completionsStreamDecoder struct {
	started bool
}

func (d *completionsStreamDecoder) Decode(_ string, data []byte) ([]Event, error) {
	if isDoneMarker(data) {
		return []Event{{Kind: EventDone}}, nil
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("invalid completions stream payload: %.80q", data)
	}
	r := gjson.ParseBytes(data)
	if e := r.Get("error"); e.Exists() {
		return []Event{{Kind: EventError, Text: firstNonEmpty(e.Get("message").String(), e.String())}}, nil
	}

	var out []Event
	if !d.started {
		d.started = true
		out = append(out, Event{Kind: EventStart, ID: r.Get("id").String(), Model: r.Get("model").String()})
	}
	choice := r.Get("choices.0")
	if text := choice.Get("text").String(); text != "" {
		out = append(out, Event{Kind: EventTextDelta, Text: text})
	}
	if fr := choice.Get("finish_reason"); fr.Type == gjson.String && fr.String() != "" {
		out = append(out, Event{Kind: EventFinish, StopReason: finishReason(fr.String())})
	}
	if u := r.Get("usage"); u.IsObject() {
		out = append(out, Event{Kind: EventUsage, Usage: openAIUsageFrom(u)})
	}
	return out, nil
}
