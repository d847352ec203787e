package translate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

type responsesRequest struct {
	Model           string              `json:"model"`
	Instructions    string              `json:"instructions,omitempty"`
	Input           []responsesItem     `json:"input"`
	MaxOutputTokens *int                `json:"max_output_tokens,omitempty"`
	Temperature     *float64            `json:"temperature,omitempty"`
	TopP            *float64            `json:"top_p,omitempty"`
	Stream          bool                `json:"stream,omitempty"`
	Tools           []responsesTool     `json:"tools,omitempty"`
	ToolChoice      interface{}         `json:"tool_choice,omitempty"`
	Reasoning       *responsesReasoning `json:"reasoning,omitempty"`
}

type responsesItem struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Role      string          `json:"role,omitempty"`
	Status    string          `json:"status,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments string          `json:"arguments,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
	Summary   []responsesPart `json:"summary,omitempty"`
}

type responsesPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

type responsesTool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type responsesReasoning struct {
	Effort string `json:"effort,omitempty"`
}

type responsesUsage struct {
	InputTokens  *int `json:"input_tokens"`
	OutputTokens *int `json:"output_tokens"`
	TotalTokens  *int `json:"total_tokens,omitempty"`
}

type responsesResponse struct {
	ID                string             `json:"id"`
	Object            string             `json:"object"`
	Model             string             `json:"model"`
	Status            string             `json:"status"`
	Output            []responsesItem    `json:"output"`
	Usage             *responsesUsage    `json:"usage,omitempty"`
	IncompleteDetails *incompleteDetails `json:"incomplete_details,omitempty"`
	Error             *responsesError    `json:"error,omitempty"`
}

type responsesError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type incompleteDetails struct {
	Reason string `json:"reason"`
}

type responsesCodec struct{}

func (responsesCodec) Shape() Shape { return ShapeResponses }

func (responsesCodec) NewStreamDecoder() StreamDecoder {
	return &responsesStreamDecoder{items: make(map[string]string)}
}

func mustRaw(v interface{}) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func (responsesCodec) EncodeRequest(req *Request) ([]byte, error) {
	out := responsesRequest{
		Model:           req.Model,
		Instructions:    req.System,
		Input:           responsesInput(req.Messages),
		MaxOutputTokens: req.MaxTokens,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		Stream:          req.Stream,
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, responsesTool{Type: "function", Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}
	if tc := req.ToolChoice; tc != nil {
		if tc.Mode == ToolChoiceFunction {
			out.ToolChoice = map[string]string{"type": "function", "name": tc.Name}
		} else {
			out.ToolChoice = string(tc.Mode)
		}
	}
	if req.ReasoningEffort != "" {
		out.Reasoning = &responsesReasoning{Effort: req.ReasoningEffort}
	}
	return json.Marshal(out)
}

// responsesInput keeps segment order: text and images are grouped into
// message items, tool calls and results become their own items.
func responsesInput(msgs []Message) []responsesItem {
	items := []responsesItem{}
	for _, m := range msgs {
		var parts []responsesPart
		flush := func() {
			if len(parts) == 0 {
				return
			}
			items = append(items, responsesItem{Type: "message", Role: string(m.Role), Content: mustRaw(parts)})
			parts = nil
		}
		for _, s := range m.Segments {
			switch s.Kind {
			case SegmentText:
				if s.Text == "" {
					continue
				}
				typ := "input_text"
				if m.Role == RoleAssistant {
					typ = "output_text"
				}
				parts = append(parts, responsesPart{Type: typ, Text: s.Text})
			case SegmentImage:
				if m.Role != RoleUser {
					continue
				}
				parts = append(parts, responsesPart{Type: "input_image", ImageURL: dataURL(s.MediaType, s.Data)})
			case SegmentToolCall:
				flush()
				items = append(items, responsesItem{Type: "function_call", CallID: s.ToolCallID, Name: s.ToolName, Arguments: normalizeArguments(s.Arguments)})
			case SegmentToolResult:
				flush()
				items = append(items, responsesItem{Type: "function_call_output", CallID: s.ToolCallID, Output: mustRaw(toolOutput(s))})
			}
		}
		flush()
	}
	return items
}

func (responsesCodec) DecodeRequest(body []byte) (*Request, error) {
	var in responsesRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("decode responses request: %w", err)
	}
	out := &Request{
		Model:       in.Model,
		System:      in.Instructions,
		MaxTokens:   in.MaxOutputTokens,
		Temperature: in.Temperature,
		TopP:        in.TopP,
		Stream:      in.Stream,
	}
	if in.Reasoning != nil {
		out.ReasoningEffort = in.Reasoning.Effort
	}
	for _, t := range in.Tools {
		out.Tools = append(out.Tools, Tool{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}
	out.ToolChoice = decodeToolChoice(mustRaw(in.ToolChoice))

	for _, item := range in.Input {
		switch item.Type {
		case "message", "":
			segs, err := responsesContent(item.Content)
			if err != nil {
				return nil, err
			}
			switch item.Role {
			case "system", "developer":
				text := Message{Segments: segs}.Text()
				if out.System != "" && text != "" {
					out.System += "\n"
				}
				out.System += text
			case "assistant":
				out.Messages = appendMessage(out.Messages, RoleAssistant, segs...)
			default:
				out.Messages = appendMessage(out.Messages, RoleUser, segs...)
			}
		case "function_call":
			out.Messages = appendMessage(out.Messages, RoleAssistant, Segment{
				Kind: SegmentToolCall, ToolCallID: firstNonEmpty(item.CallID, item.ID), ToolName: item.Name, Arguments: item.Arguments,
			})
		case "function_call_output":
			out.Messages = appendMessage(out.Messages, RoleUser, toolResultSegment(item.CallID, rawText(item.Output)))
		}
	}
	return out, nil
}

func responsesContent(raw json.RawMessage) ([]Segment, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []Segment{TextSegment(s)}, nil
	}
	var parts []responsesPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, fmt.Errorf("decode message content: %w", err)
	}
	var segs []Segment
	for _, p := range parts {
		switch p.Type {
		case "input_text", "output_text", "text":
			segs = append(segs, TextSegment(p.Text))
		case "input_image":
			mt, data, err := parseDataURL(p.ImageURL)
			if err != nil {
				continue
			}
			segs = append(segs, Segment{Kind: SegmentImage, MediaType: mt, Data: data})
		}
	}
	return segs, nil
}

// decodeToolChoice reads the OpenAI tool_choice forms shared by both shapes.
func decodeToolChoice(raw json.RawMessage) *ToolChoice {
	r := gjson.ParseBytes(raw)
	switch {
	case r.Type == gjson.String:
		switch r.String() {
		case "auto", "required", "none":
			return &ToolChoice{Mode: ToolChoiceMode(r.String())}
		}
	case r.IsObject():
		name := r.Get("name").String()
		if name == "" {
			name = r.Get("function.name").String()
		}
		if name != "" {
			return &ToolChoice{Mode: ToolChoiceFunction, Name: name}
		}
	}
	return nil
}

func rawText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func (responsesCodec) DecodeResponse(body []byte) (*Response, error) {
	var in responsesResponse
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("decode responses response: %w", err)
	}
	if in.Status == "failed" {
		msg := "upstream response failed"
		if in.Error != nil && in.Error.Message != "" {
			msg = in.Error.Message
		}
		return nil, fmt.Errorf("%w: %s", ErrUpstreamFailed, msg)
	}

	out := &Response{ID: in.ID, Model: in.Model, StopReason: StopEndTurn}
	for _, item := range in.Output {
		switch item.Type {
		case "message":
			var parts []responsesPart
			if err := json.Unmarshal(item.Content, &parts); err != nil {
				return nil, fmt.Errorf("decode output message: %w", err)
			}
			for _, p := range parts {
				if (p.Type == "output_text" || p.Type == "text") && p.Text != "" {
					out.Segments = append(out.Segments, TextSegment(p.Text))
				}
			}
		case "function_call":
			out.Segments = append(out.Segments, Segment{
				Kind:       SegmentToolCall,
				ToolCallID: firstNonEmpty(item.CallID, item.ID, "call"),
				ToolName:   item.Name,
				Arguments:  normalizeArguments(item.Arguments),
			})
		case "reasoning":
			if text := reasoningText(item); text != "" {
				out.Segments = append(out.Segments, Segment{Kind: SegmentThinking, Text: text})
			}
		}
	}
	if in.Status == "incomplete" {
		out.StopReason = incompleteReason(in.IncompleteDetails)
	}
	if in.Usage != nil {
		out.Usage = Usage{InputTokens: in.Usage.InputTokens, OutputTokens: in.Usage.OutputTokens}
	}
	return out, nil
}

func incompleteReason(d *incompleteDetails) StopReason {
	if d == nil {
		return StopIncomplete
	}
	switch d.Reason {
	case "max_output_tokens":
		return StopMaxTokens
	case "content_filter":
		return StopRefusal
	}
	return StopIncomplete
}

// reasoningText prefers full reasoning_text content and falls back to the summary.
func reasoningText(item responsesItem) string {
	var parts []responsesPart
	if len(item.Content) > 0 {
		_ = json.Unmarshal(item.Content, &parts)
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type == "reasoning_text" {
			b.WriteString(p.Text)
		}
	}
	if b.Len() > 0 {
		return b.String()
	}
	summaries := make([]string, 0, len(item.Summary))
	for _, s := range item.Summary {
		if s.Text != "" {
			summaries = append(summaries, s.Text)
		}
	}
	return strings.Join(summaries, "\n\n")
}

func (responsesCodec) EncodeResponse(resp *Response) ([]byte, error) {
	out := responsesResponse{
		ID:     "resp_" + strings.TrimPrefix(firstNonEmpty(resp.ID, newID()), "resp_"),
		Object: "response",
		Model:  resp.Model,
		Status: "completed",
		Output: responsesOutput(resp),
	}
	if resp.StopReason == StopMaxTokens {
		out.Status = "incomplete"
		out.IncompleteDetails = &incompleteDetails{Reason: "max_output_tokens"}
	}
	if resp.Usage.InputTokens != nil || resp.Usage.OutputTokens != nil {
		out.Usage = &responsesUsage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens}
	}
	return json.Marshal(out)
}

func responsesOutput(resp *Response) []responsesItem {
	items := []responsesItem{}
	for i, s := range resp.Segments {
		if item, ok := responsesOutputItem(i, s); ok {
			items = append(items, item)
		}
	}
	return items
}

func responsesOutputItem(i int, s Segment) (responsesItem, bool) {
	id := fmt.Sprintf("item_%d", i)
	switch s.Kind {
	case SegmentText:
		return responsesItem{Type: "message", ID: "msg_" + id, Role: "assistant", Status: "completed",
			Content: mustRaw([]responsesPart{{Type: "output_text", Text: s.Text}})}, true
	case SegmentThinking:
		return responsesItem{Type: "reasoning", ID: "rs_" + id, Summary: []responsesPart{{Type: "summary_text", Text: s.Text}}}, true
	case SegmentToolCall:
		return responsesItem{Type: "function_call", ID: "fc_" + id, Status: "completed",
			CallID: s.ToolCallID, Name: s.ToolName, Arguments: normalizeArguments(s.Arguments)}, true
	}
	return responsesItem{}, false
}

func (c responsesCodec) EncodeStream(resp *Response) ([][]byte, error) {
	full, err := c.EncodeResponse(resp)
	if err != nil {
		return nil, err
	}
	var id, model string
	if r := gjson.ParseBytes(full); r.Exists() {
		id, model = r.Get("id").String(), r.Get("model").String()
	}

	seq := 0
	var out [][]byte
	add := func(ev map[string]interface{}) {
		ev["sequence_number"] = seq
		seq++
		out = append(out, mustRaw(ev))
	}
	add(map[string]interface{}{"type": "response.created", "response": map[string]interface{}{"id": id, "model": model, "status": "in_progress"}})

	outputIndex := 0
	for n, s := range resp.Segments {
		item, ok := responsesOutputItem(n, s)
		if !ok {
			continue
		}
		i := outputIndex
		outputIndex++
		added := item
		if item.Type == "function_call" {
			added.Arguments = ""
		}
		add(map[string]interface{}{"type": "response.output_item.added", "output_index": i, "item": added})
		switch s.Kind {
		case SegmentText:
			for _, chunk := range splitChunks(s.Text) {
				add(map[string]interface{}{"type": "response.output_text.delta", "output_index": i, "item_id": item.ID, "content_index": 0, "delta": chunk})
			}
		case SegmentThinking:
			for _, chunk := range splitChunks(s.Text) {
				add(map[string]interface{}{"type": "response.reasoning_summary_text.delta", "output_index": i, "item_id": item.ID, "summary_index": 0, "delta": chunk})
			}
		case SegmentToolCall:
			for _, chunk := range splitChunks(item.Arguments) {
				add(map[string]interface{}{"type": "response.function_call_arguments.delta", "output_index": i, "item_id": item.ID, "delta": chunk})
			}
			add(map[string]interface{}{"type": "response.function_call_arguments.done", "output_index": i, "item_id": item.ID, "arguments": item.Arguments})
		}
		add(map[string]interface{}{"type": "response.output_item.done", "output_index": i, "item": item})
	}

	terminal := "response.completed"
	if resp.StopReason == StopMaxTokens {
		terminal = "response.incomplete"
	}
	add(map[string]interface{}{"type": terminal, "response": json.RawMessage(full)})
	return out, nil
}

// splitChunks cuts s in two so streams carry more than one fragment.
func splitChunks(s string) []string {
	r := []rune(s)
	if len(r) < 2 {
		return []string{s}
	}
	mid := len(r) / 2
	return []string{string(r[:mid]), string(r[mid:])}
}

// fixReasoningMarkdownHeaders puts a complete bold header that starts a
// delta on its own paragraph.
func fixReasoningMarkdownHeaders(text string) string {
	if len(text) >= 4 && strings.HasPrefix(text, "**") && strings.Contains(text[2:], "**") {
		return "\n\n" + text
	}
	return text
}

type responsesStreamDecoder struct {
	items   map[string]string
	started bool
}

func (d *responsesStreamDecoder) key(ev gjson.Result, itemID string) string {
	if idx := ev.Get("output_index"); idx.Exists() {
		k := idx.String()
		if itemID != "" {
			d.items[itemID] = k
		}
		return k
	}
	if k, ok := d.items[itemID]; ok {
		return k
	}
	return itemID
}

func responsesUsageFrom(r gjson.Result) Usage {
	var u Usage
	if v := r.Get("input_tokens"); v.Exists() && v.Type == gjson.Number {
		u.InputTokens = intPtr(int(v.Int()))
	}
	if v := r.Get("output_tokens"); v.Exists() && v.Type == gjson.Number {
		u.OutputTokens = intPtr(int(v.Int()))
	}
	return u
}

func (d *responsesStreamDecoder) Decode(event string, data []byte) ([]Event, error) {
	if isDoneMarker(data) {
		return []Event{{Kind: EventDone}}, nil
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("invalid responses stream payload: %.80q", data)
	}
	ev := gjson.ParseBytes(data)
	typ := ev.Get("type").String()
	if typ == "" {
		typ = event
	}

	var out []Event
	if !d.started {
		d.started = true
		resp := ev.Get("response")
		out = append(out, Event{Kind: EventStart, ID: resp.Get("id").String(), Model: resp.Get("model").String()})
	}

	switch typ {
	case "response.output_text.delta":
		if delta := ev.Get("delta").String(); delta != "" {
			out = append(out, Event{Kind: EventTextDelta, Text: delta})
		}
	case "response.reasoning_text.delta":
		if delta := ev.Get("delta").String(); delta != "" {
			out = append(out, Event{Kind: EventThinkingDelta, Text: delta})
		}
	case "response.reasoning_summary_text.delta":
		if delta := ev.Get("delta").String(); delta != "" {
			out = append(out, Event{Kind: EventThinkingDelta, Text: fixReasoningMarkdownHeaders(delta)})
		}
	case "response.reasoning_summary_part.added":
		if ev.Get("summary_index").Int() > 0 {
			out = append(out, Event{Kind: EventThinkingDelta, Text: "\n\n"})
		}
	case "response.output_item.added":
		item := ev.Get("item")
		if item.Get("type").String() != "function_call" {
			break
		}
		key := d.key(ev, item.Get("id").String())
		out = append(out, Event{
			Kind:     EventToolStart,
			ToolKey:  key,
			ToolID:   firstNonEmpty(item.Get("call_id").String(), item.Get("id").String()),
			ToolName: item.Get("name").String(),
		})
		if args := item.Get("arguments").String(); args != "" {
			out = append(out, Event{Kind: EventToolArgs, ToolKey: key, Text: args})
		}
	case "response.function_call_arguments.delta":
		if delta := ev.Get("delta").String(); delta != "" {
			out = append(out, Event{Kind: EventToolArgs, ToolKey: d.key(ev, ev.Get("item_id").String()), Text: delta})
		}
	case "response.function_call_arguments.done":
		out = append(out, Event{Kind: EventToolArgsDone, ToolKey: d.key(ev, ev.Get("item_id").String()), Text: ev.Get("arguments").String()})
	case "response.output_item.done":
		item := ev.Get("item")
		if item.Get("type").String() != "function_call" {
			break
		}
		key := d.key(ev, item.Get("id").String())
		if args := item.Get("arguments").String(); args != "" {
			out = append(out, Event{Kind: EventToolArgsDone, ToolKey: key, Text: args})
		}
		out = append(out, Event{Kind: EventToolEnd, ToolKey: key})
	case "response.completed":
		out = append(out,
			Event{Kind: EventUsage, Usage: responsesUsageFrom(ev.Get("response.usage"))},
			Event{Kind: EventFinish, StopReason: StopEndTurn},
			Event{Kind: EventDone},
		)
	case "response.incomplete":
		reason := StopIncomplete
		switch ev.Get("response.incomplete_details.reason").String() {
		case "max_output_tokens":
			reason = StopMaxTokens
		case "content_filter":
			reason = StopRefusal
		}
		out = append(out,
			Event{Kind: EventUsage, Usage: responsesUsageFrom(ev.Get("response.usage"))},
			Event{Kind: EventFinish, StopReason: reason},
			Event{Kind: EventDone},
		)
	case "response.failed":
		msg := ev.Get("response.error.message").String()
		if msg == "" {
			msg = "upstream response failed"
		}
		out = append(out, Event{Kind: EventError, Text: msg})
	case "error":
		msg := firstNonEmpty(ev.Get("message").String(), ev.Get("error.message").String(), "upstream stream error")
		out = append(out, Event{Kind: EventError, Text: msg})
	}
	return out, nil
}
