package translate

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

type chatRequest struct {
	Model           string             `json:"model"`
	Messages        []chatMessage      `json:"messages"`
	MaxTokens       *int               `json:"max_tokens,omitempty"`
	Temperature     *float64           `json:"temperature,omitempty"`
	TopP            *float64           `json:"top_p,omitempty"`
	Stop            []string           `json:"stop,omitempty"`
	Stream          bool               `json:"stream,omitempty"`
	StreamOptions   *chatStreamOptions `json:"stream_options,omitempty"`
	Tools           []chatTool         `json:"tools,omitempty"`
	ToolChoice      interface{}        `json:"tool_choice,omitempty"`
	ReasoningEffort string             `json:"reasoning_effort,omitempty"`
}

type chatStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatMessage struct {
	Role             string          `json:"role,omitempty"`
	Content          json.RawMessage `json:"content,omitempty"`
	ReasoningContent string          `json:"reasoning_content,omitempty"`
	ToolCalls        []chatToolCall  `json:"tool_calls,omitempty"`
	ToolCallID       string          `json:"tool_call_id,omitempty"`
}

type chatPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *chatImageURL `json:"image_url,omitempty"`
}

type chatImageURL struct {
	URL string `json:"url"`
}

type chatToolCall struct {
	Index    *int         `json:"index,omitempty"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

type chatTool struct {
	Type     string          `json:"type"`
	Function chatToolFuncDef `json:"function"`
}

type chatToolFuncDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *openAIUsage `json:"usage,omitempty"`
}

type chatChoice struct {
	Index        int          `json:"index"`
	Message      *chatMessage `json:"message,omitempty"`
	Delta        *chatMessage `json:"delta,omitempty"`
	FinishReason *string      `json:"finish_reason"`
}

// openAIUsage is shared by the chat and completions shapes.
type openAIUsage struct {
	PromptTokens     *int `json:"prompt_tokens"`
	CompletionTokens *int `json:"completion_tokens"`
	TotalTokens      *int `json:"total_tokens,omitempty"`
}

func (u *openAIUsage) usage() Usage {
	if u == nil {
		return Usage{}
	}
	return Usage{InputTokens: u.PromptTokens, OutputTokens: u.CompletionTokens}
}

func toOpenAIUsage(u Usage) *openAIUsage {
	if u.InputTokens == nil && u.OutputTokens == nil {
		return nil
	}
	out := &openAIUsage{PromptTokens: u.InputTokens, CompletionTokens: u.OutputTokens}
	if u.InputTokens != nil && u.OutputTokens != nil {
		out.TotalTokens = intPtr(*u.InputTokens + *u.OutputTokens)
	}
	return out
}

func openAIUsageFrom(r gjson.Result) Usage {
	var u Usage
	if v := r.Get("prompt_tokens"); v.Type == gjson.Number {
		u.InputTokens = intPtr(int(v.Int()))
	}
	if v := r.Get("completion_tokens"); v.Type == gjson.Number {
		u.OutputTokens = intPtr(int(v.Int()))
	}
	return u
}

type chatCodec struct{}

func (chatCodec) Shape() Shape { return ShapeChatCompletions }

func (chatCodec) NewStreamDecoder() StreamDecoder {
	return &chatStreamDecoder{seen: make(map[string]bool)}
}

func (chatCodec) EncodeRequest(req *Request) ([]byte, error) {
	out := chatRequest{
		Model:           req.Model,
		Messages:        chatMessages(req.System, req.Messages),
		MaxTokens:       req.MaxTokens,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		Stop:            req.Stop,
		Stream:          req.Stream,
		ReasoningEffort: req.ReasoningEffort,
	}
	if req.Stream {
		out.StreamOptions = &chatStreamOptions{IncludeUsage: true}
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, chatTool{Type: "function", Function: chatToolFuncDef{Name: t.Name, Description: t.Description, Parameters: t.Parameters}})
	}
	if tc := req.ToolChoice; tc != nil {
		if tc.Mode == ToolChoiceFunction {
			out.ToolChoice = map[string]interface{}{"type": "function", "function": map[string]string{"name": tc.Name}}
		} else {
			out.ToolChoice = string(tc.Mode)
		}
	}
	return json.Marshal(out)
}

func chatMessages(system string, msgs []Message) []chatMessage {
	out := []chatMessage{}
	if system != "" {
		out = append(out, chatMessage{Role: "system", Content: mustRaw(system)})
	}
	for _, m := range msgs {
		var (
			parts     []chatPart
			toolCalls []chatToolCall
			results   []chatMessage
		)
		for _, s := range m.Segments {
			switch s.Kind {
			case SegmentText:
				parts = append(parts, chatPart{Type: "text", Text: s.Text})
			case SegmentImage:
				if m.Role == RoleUser {
					parts = append(parts, chatPart{Type: "image_url", ImageURL: &chatImageURL{URL: dataURL(s.MediaType, s.Data)}})
				}
			case SegmentToolCall:
				toolCalls = append(toolCalls, chatToolCall{ID: s.ToolCallID, Type: "function", Function: chatFunction{Name: s.ToolName, Arguments: normalizeArguments(s.Arguments)}})
			case SegmentToolResult:
				results = append(results, chatMessage{Role: "tool", ToolCallID: s.ToolCallID, Content: mustRaw(toolOutput(s))})
			}
		}

		// tool results must directly follow the assistant turn that called them
		out = append(out, results...)
		if len(parts) == 0 && len(toolCalls) == 0 {
			continue
		}
		msg := chatMessage{Role: string(m.Role), ToolCalls: toolCalls}
		switch {
		case len(parts) == 1 && parts[0].Type == "text":
			msg.Content = mustRaw(parts[0].Text)
		case len(parts) > 0:
			msg.Content = mustRaw(parts)
		default:
			msg.Content = json.RawMessage("null")
		}
		out = append(out, msg)
	}
	return out
}

func (chatCodec) DecodeRequest(body []byte) (*Request, error) {
	var in chatRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("decode chat request: %w", err)
	}
	out := &Request{
		Model:           in.Model,
		MaxTokens:       in.MaxTokens,
		Temperature:     in.Temperature,
		TopP:            in.TopP,
		Stop:            in.Stop,
		Stream:          in.Stream,
		ReasoningEffort: in.ReasoningEffort,
		ToolChoice:      decodeToolChoice(mustRaw(in.ToolChoice)),
	}
	for _, t := range in.Tools {
		out.Tools = append(out.Tools, Tool{Name: t.Function.Name, Description: t.Function.Description, Parameters: t.Function.Parameters})
	}

	var system []string
	for _, m := range in.Messages {
		segs, err := chatContent(m.Content)
		if err != nil {
			return nil, err
		}
		switch m.Role {
		case "system", "developer":
			if text := (Message{Segments: segs}).Text(); text != "" {
				system = append(system, text)
			}
		case "assistant":
			for _, tc := range m.ToolCalls {
				segs = append(segs, Segment{Kind: SegmentToolCall, ToolCallID: tc.ID, ToolName: tc.Function.Name, Arguments: tc.Function.Arguments})
			}
			out.Messages = appendMessage(out.Messages, RoleAssistant, segs...)
		case "tool":
			out.Messages = appendMessage(out.Messages, RoleUser, toolResultSegment(m.ToolCallID, Message{Segments: segs}.Text()))
		default:
			out.Messages = appendMessage(out.Messages, RoleUser, segs...)
		}
	}
	out.System = strings.Join(system, "\n")
	return out, nil
}

func chatContent(raw json.RawMessage) ([]Segment, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []Segment{TextSegment(s)}, nil
	}
	var parts []chatPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, fmt.Errorf("decode chat content: %w", err)
	}
	var segs []Segment
	for _, p := range parts {
		switch p.Type {
		case "text":
			segs = append(segs, TextSegment(p.Text))
		case "image_url":
			if p.ImageURL == nil {
				continue
			}
			if mt, data, err := parseDataURL(p.ImageURL.URL); err == nil {
				segs = append(segs, Segment{Kind: SegmentImage, MediaType: mt, Data: data})
			}
		}
	}
	return segs, nil
}

func (chatCodec) DecodeResponse(body []byte) (*Response, error) {
	var in chatResponse
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("decode chat response: %w", err)
	}
	if len(in.Choices) == 0 || in.Choices[0].Message == nil {
		return nil, fmt.Errorf("chat response has no choices")
	}
	msg := in.Choices[0].Message
	out := &Response{ID: in.ID, Model: in.Model, Usage: in.Usage.usage()}
	if msg.ReasoningContent != "" {
		out.Segments = append(out.Segments, Segment{Kind: SegmentThinking, Text: msg.ReasoningContent})
	}
	segs, err := chatContent(msg.Content)
	if err != nil {
		return nil, err
	}
	for _, s := range segs {
		if s.Kind == SegmentText && s.Text != "" {
			out.Segments = append(out.Segments, s)
		}
	}
	for _, tc := range msg.ToolCalls {
		out.Segments = append(out.Segments, Segment{Kind: SegmentToolCall, ToolCallID: tc.ID, ToolName: tc.Function.Name, Arguments: normalizeArguments(tc.Function.Arguments)})
	}
	if fr := in.Choices[0].FinishReason; fr != nil {
		out.StopReason = finishReason(*fr)
	}
	return out, nil
}

func chatResponseMessage(resp *Response) *chatMessage {
	msg := &chatMessage{Role: "assistant"}
	var text, thinking strings.Builder
	for _, s := range resp.Segments {
		switch s.Kind {
		case SegmentText:
			text.WriteString(s.Text)
		case SegmentThinking:
			thinking.WriteString(s.Text)
		case SegmentToolCall:
			msg.ToolCalls = append(msg.ToolCalls, chatToolCall{ID: s.ToolCallID, Type: "function", Function: chatFunction{Name: s.ToolName, Arguments: normalizeArguments(s.Arguments)}})
		}
	}
	msg.ReasoningContent = thinking.String()
	if text.Len() > 0 {
		msg.Content = mustRaw(text.String())
	} else {
		msg.Content = json.RawMessage("null")
	}
	return msg
}

func (chatCodec) EncodeResponse(resp *Response) ([]byte, error) {
	finish := openAIFinishReason(resp.StopReason)
	if resp.StopReason == StopEndTurn && resp.hasToolCalls() {
		finish = "tool_calls"
	}
	return json.Marshal(chatResponse{
		ID:      "chatcmpl-" + firstNonEmpty(resp.ID, newID()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []chatChoice{{Index: 0, Message: chatResponseMessage(resp), FinishReason: &finish}},
		Usage:   toOpenAIUsage(resp.Usage),
	})
}

func (chatCodec) EncodeStream(resp *Response) ([][]byte, error) {
	id := "chatcmpl-" + firstNonEmpty(resp.ID, newID())
	created := time.Now().Unix()
	var out [][]byte
	chunk := func(delta *chatMessage, finish *string, usage *openAIUsage) {
		c := chatResponse{ID: id, Object: "chat.completion.chunk", Created: created, Model: resp.Model, Choices: []chatChoice{}, Usage: usage}
		if delta != nil || finish != nil {
			if delta == nil {
				delta = &chatMessage{}
			}
			c.Choices = append(c.Choices, chatChoice{Index: 0, Delta: delta, FinishReason: finish})
		}
		out = append(out, mustRaw(c))
	}

	chunk(&chatMessage{Role: "assistant", Content: mustRaw("")}, nil, nil)
	toolIndex := 0
	for _, s := range resp.Segments {
		switch s.Kind {
		case SegmentThinking:
			for _, part := range splitChunks(s.Text) {
				chunk(&chatMessage{ReasoningContent: part}, nil, nil)
			}
		case SegmentText:
			for _, part := range splitChunks(s.Text) {
				chunk(&chatMessage{Content: mustRaw(part)}, nil, nil)
			}
		case SegmentToolCall:
			idx := toolIndex
			toolIndex++
			chunk(&chatMessage{ToolCalls: []chatToolCall{{Index: &idx, ID: s.ToolCallID, Type: "function", Function: chatFunction{Name: s.ToolName}}}}, nil, nil)
			for _, part := range splitChunks(normalizeArguments(s.Arguments)) {
				chunk(&chatMessage{ToolCalls: []chatToolCall{{Index: &idx, Function: chatFunction{Arguments: part}}}}, nil, nil)
			}
		}
	}
	finish := openAIFinishReason(resp.StopReason)
	if resp.StopReason == StopEndTurn && resp.hasToolCalls() {
		finish = "tool_calls"
	}
	chunk(nil, &finish, nil)
	if u := toOpenAIUsage(resp.Usage); u != nil {
		chunk(nil, nil, u)
	}
	return append(out, []byte("[DONE]")), nil
}

type chatStreamDecoder struct {
	started bool
	seen    map[string]bool
}

func (d *chatStreamDecoder) Decode(_ string, data []byte) ([]Event, error) {
	if isDoneMarker(data) {
		return []Event{{Kind: EventDone}}, nil
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("invalid chat stream payload: %.80q", data)
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
	delta := choice.Get("delta")
	if v := firstNonEmpty(delta.Get("reasoning_content").String(), delta.Get("reasoning").String()); v != "" {
		out = append(out, Event{Kind: EventThinkingDelta, Text: v})
	}
	if v := delta.Get("content"); v.Type == gjson.String && v.String() != "" {
		out = append(out, Event{Kind: EventTextDelta, Text: v.String()})
	}
	for i, tc := range delta.Get("tool_calls").Array() {
		idx := int64(i)
		if v := tc.Get("index"); v.Exists() {
			idx = v.Int()
		}
		key := fmt.Sprintf("tool_%d", idx)
		id, name := tc.Get("id").String(), tc.Get("function.name").String()
		if !d.seen[key] || id != "" || name != "" {
			d.seen[key] = true
			out = append(out, Event{Kind: EventToolStart, ToolKey: key, ToolID: id, ToolName: name})
		}
		if args := tc.Get("function.arguments").String(); args != "" {
			out = append(out, Event{Kind: EventToolArgs, ToolKey: key, Text: args})
		}
	}
	if fr := choice.Get("finish_reason"); fr.Type == gjson.String && fr.String() != "" {
		out = append(out, Event{Kind: EventFinish, StopReason: finishReason(fr.String())})
	}
	if u := r.Get("usage"); u.IsObject() {
		out = append(out, Event{Kind: EventUsage, Usage: openAIUsageFrom(u)})
	}
	return out, nil
}
