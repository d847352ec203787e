package translate

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func sseBody(payloads [][]byte) string {
	var b strings.Builder
	for _, p := range payloads {
		b.WriteString("data: ")
		b.Write(p)
		b.WriteString("\n\n")
	}
	return b.String()
}

func translateAll(t *testing.T, body io.Reader, shape Shape, includeThinking bool) ([]SSEEvent, error) {
	t.Helper()
	var events []SSEEvent
	enc := NewStreamEncoder("claude-sonnet-4", includeThinking)
	err := TranslateStream(body, CodecFor(shape).NewStreamDecoder(), enc, func(ev SSEEvent) error {
		events = append(events, ev)
		return nil
	})
	return events, err
}

func names(events []SSEEvent) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Name)
	}
	return out
}

func countName(events []SSEEvent, name string) int {
	n := 0
	for _, ev := range events {
		if ev.Name == name {
			n++
		}
	}
	return n
}

func toolResponse() *Response {
	return &Response{
		ID:    "resp_1",
		Model: "gpt-5",
		Segments: []Segment{
			TextSegment("Hello world"),
			{Kind: SegmentToolCall, ToolCallID: "call_1", ToolName: "Read", Arguments: `{"path":"a.go"}`},
		},
		StopReason: StopToolUse,
		Usage:      Usage{InputTokens: intPtr(3), OutputTokens: intPtr(5)},
	}
}

func TestTranslateStreamTextThenTool(t *testing.T) {
	for _, shape := range []Shape{ShapeResponses, ShapeChatCompletions} {
		t.Run(shape.String(), func(t *testing.T) {
			payloads, err := CodecFor(shape).EncodeStream(toolResponse())
			require.NoError(t, err)

			events, err := translateAll(t, strings.NewReader(sseBody(payloads)), shape, false)
			require.NoError(t, err)

			assert.Equal(t, []string{
				"message_start",
				"content_block_start", "content_block_delta", "content_block_delta", "content_block_stop",
				"content_block_start", "content_block_delta", "content_block_stop",
				"message_delta", "message_stop",
			}, names(events))

			toolStart := gjson.ParseBytes(events[5].Data)
			assert.Equal(t, "tool_use", toolStart.Get("content_block.type").String())
			assert.Equal(t, "call_1", toolStart.Get("content_block.id").String())
			assert.Equal(t, "Read", toolStart.Get("content_block.name").String())
			assert.Equal(t, int64(1), toolStart.Get("index").Int())
			assert.Equal(t, `{"path":"a.go"}`, gjson.ParseBytes(events[6].Data).Get("delta.partial_json").String())

			delta := gjson.ParseBytes(events[8].Data)
			assert.Equal(t, "tool_use", delta.Get("delta.stop_reason").String())
			assert.Equal(t, int64(5), delta.Get("usage.output_tokens").Int())
		})
	}
}

func TestTranslateStreamTextDeltasInOrder(t *testing.T) {
	resp := &Response{Model: "m", Segments: []Segment{TextSegment("abcdef")}, StopReason: StopEndTurn}
	for _, shape := range Shapes {
		t.Run(shape.String(), func(t *testing.T) {
			payloads, err := CodecFor(shape).EncodeStream(resp)
			require.NoError(t, err)
			events, err := translateAll(t, strings.NewReader(sseBody(payloads)), shape, false)
			require.NoError(t, err)

			var text strings.Builder
			for _, ev := range events {
				if ev.Name == "content_block_delta" {
					text.WriteString(gjson.GetBytes(ev.Data, "delta.text").String())
				}
			}
			assert.Equal(t, "abcdef", text.String())
			assert.Equal(t, 1, countName(events, "message_stop"))
			last := gjson.ParseBytes(events[len(events)-2].Data)
			assert.Equal(t, "end_turn", last.Get("delta.stop_reason").String())
		})
	}
}

func TestTranslateStreamWithoutTerminalMarker(t *testing.T) {
	body := sseBody([][]byte{
		[]byte(`{"id":"c1","model":"m","choices":[{"index":0,"delta":{"content":"partial"}}]}`),
	})
	events, err := translateAll(t, strings.NewReader(body), ShapeChatCompletions, false)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"message_start", "content_block_start", "content_block_delta", "content_block_stop",
		"message_delta", "message_stop",
	}, names(events))
	assert.Equal(t, "incomplete", gjson.GetBytes(events[4].Data, "delta.stop_reason").String())
	assert.Equal(t, gjson.Null, gjson.GetBytes(events[4].Data, "usage.output_tokens").Type)
}

func TestTranslateStreamReadErrorEndsWithError(t *testing.T) {
	body := io.MultiReader(
		strings.NewReader(sseBody([][]byte{[]byte(`{"id":"c1","choices":[{"delta":{"content":"hi"}}]}`)})),
		iotest.ErrReader(errors.New("connection reset")),
	)
	events, err := translateAll(t, body, ShapeChatCompletions, false)
	require.Error(t, err)

	require.NotEmpty(t, events)
	assert.Equal(t, "error", events[len(events)-1].Name)
	assert.Equal(t, 0, countName(events, "message_stop"))
	assert.Equal(t, 1, countName(events, "error"))
	assert.Contains(t, gjson.GetBytes(events[len(events)-1].Data, "error.message").String(), "connection reset")
}

func TestTranslateStreamUpstreamFailure(t *testing.T) {
	body := sseBody([][]byte{
		[]byte(`{"type":"response.created","response":{"id":"r1","model":"gpt-5"}}`),
		[]byte(`{"type":"response.output_text.delta","delta":"hi"}`),
		[]byte(`{"type":"response.failed","response":{"error":{"message":"quota exceeded"}}}`),
		[]byte(`{"type":"response.output_text.delta","delta":"ignored"}`),
	})
	events, err := translateAll(t, strings.NewReader(body), ShapeResponses, false)
	require.NoError(t, err)

	assert.Equal(t, "error", events[len(events)-1].Name)
	assert.Equal(t, 1, countName(events, "error"))
	assert.Equal(t, 0, countName(events, "message_stop"))
	assert.Equal(t, "quota exceeded", gjson.GetBytes(events[len(events)-1].Data, "error.message").String())
}

func TestTranslateStreamInvalidPayload(t *testing.T) {
	body := sseBody([][]byte{[]byte(`{"choices":[`)})
	events, err := translateAll(t, strings.NewReader(body), ShapeChatCompletions, false)
	require.Error(t, err)
	assert.Equal(t, []string{"error"}, names(events))
}

func TestTranslateStreamThinking(t *testing.T) {
	resp := &Response{Model: "m", Segments: []Segment{
		{Kind: SegmentThinking, Text: "let me see"},
		TextSegment("done"),
	}, StopReason: StopEndTurn}
	payloads, err := CodecFor(ShapeChatCompletions).EncodeStream(resp)
	require.NoError(t, err)

	t.Run("dropped by default", func(t *testing.T) {
		events, err := translateAll(t, strings.NewReader(sseBody(payloads)), ShapeChatCompletions, false)
		require.NoError(t, err)
		for _, ev := range events {
			assert.False(t, bytes.Contains(ev.Data, []byte("thinking")), "unexpected thinking in %s", ev.Data)
		}
	})

	t.Run("forwarded when enabled", func(t *testing.T) {
		events, err := translateAll(t, strings.NewReader(sseBody(payloads)), ShapeChatCompletions, true)
		require.NoError(t, err)
		assert.Equal(t, "thinking", gjson.GetBytes(events[1].Data, "content_block.type").String())
		assert.Equal(t, 2, countName(events, "content_block_start"))
		assert.Equal(t, 2, countName(events, "content_block_stop"))
	})
}

func TestStreamEncoderSingleTerminal(t *testing.T) {
	enc := NewStreamEncoder("m", false)
	var all []SSEEvent
	all = append(all, enc.Handle(Event{Kind: EventStart, ID: "abc"})...)
	all = append(all, enc.Handle(Event{Kind: EventTextDelta, Text: "x"})...)
	all = append(all, enc.Handle(Event{Kind: EventDone})...)
	all = append(all, enc.Close()...)
	all = append(all, enc.Fail("api_error", "late")...)
	all = append(all, enc.Handle(Event{Kind: EventTextDelta, Text: "y"})...)

	assert.True(t, enc.Done())
	assert.Equal(t, 1, countName(all, "message_stop"))
	assert.Equal(t, 0, countName(all, "error"))
	assert.Equal(t, "msg_abc", gjson.GetBytes(all[0].Data, "message.id").String())
}

func TestSSEEventBytes(t *testing.T) {
	ev := SSEEvent{Name: "ping", Data: []byte(`{"type":"ping"}`)}
	assert.Equal(t, "event: ping\ndata: {\"type\":\"ping\"}\n\n", string(ev.Bytes()))
}

func TestReadSSE(t *testing.T) {
	body := ": comment\nevent: a\ndata: one\ndata: two\n\ndata: three"
	var got []string
	err := ReadSSE(strings.NewReader(body), func(event string, data []byte) error {
		got = append(got, event+"|"+string(data))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a|one\ntwo", "|three"}, got)
}

func TestReplay(t *testing.T) {
	want := toolResponse()
	agg := NewAggregator()
	for _, ev := range Replay(want) {
		require.NoError(t, agg.Add(ev))
	}
	assert.True(t, agg.Done())
	assert.Equal(t, want, agg.Response())

	enc := NewStreamEncoder("claude-sonnet-4", false)
	var events []SSEEvent
	for _, ev := range Replay(want) {
		events = append(events, enc.Handle(ev)...)
	}
	assert.Equal(t, []string{
		"message_start",
		"content_block_start", "content_block_delta", "content_block_stop",
		"content_block_start", "content_block_delta", "content_block_stop",
		"message_delta", "message_stop",
	}, names(events))
	assert.Equal(t, "tool_use", gjson.GetBytes(events[7].Data, "delta.stop_reason").String())
}
