package translate

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrUpstreamFailed wraps an error reported inside an upstream stream.
var ErrUpstreamFailed = errors.New("upstream reported failure")

// Aggregator folds canonical stream events into a unary Response. It backs
// non-streaming agent requests against upstreams that only stream.
type Aggregator struct {
	resp     Response
	toolArgs map[string]*strings.Builder
	toolSeg  map[string]int
	done     bool
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		toolArgs: make(map[string]*strings.Builder),
		toolSeg:  make(map[string]int),
	}
}

func (a *Aggregator) Done() bool { return a.done }

func (a *Aggregator) Add(ev Event) error {
	switch ev.Kind {
	case EventStart:
		if a.resp.ID == "" {
			a.resp.ID = ev.ID
		}
		if a.resp.Model == "" {
			a.resp.Model = ev.Model
		}
	case EventTextDelta:
		a.appendText(SegmentText, ev.Text)
	case EventThinkingDelta:
		a.appendText(SegmentThinking, ev.Text)
	case EventToolStart:
		i := a.toolIndex(ev.ToolKey)
		if ev.ToolID != "" {
			a.resp.Segments[i].ToolCallID = ev.ToolID
		}
		if ev.ToolName != "" {
			a.resp.Segments[i].ToolName = ev.ToolName
		}
	case EventToolArgs:
		a.toolIndex(ev.ToolKey)
		a.toolArgs[ev.ToolKey].WriteString(ev.Text)
	case EventToolArgsDone:
		a.toolIndex(ev.ToolKey)
		if ev.Text != "" {
			a.toolArgs[ev.ToolKey].Reset()
			a.toolArgs[ev.ToolKey].WriteString(ev.Text)
		}
	case EventUsage:
		if ev.Usage.InputTokens != nil {
			a.resp.Usage.InputTokens = ev.Usage.InputTokens
		}
		if ev.Usage.OutputTokens != nil {
			a.resp.Usage.OutputTokens = ev.Usage.OutputTokens
		}
	case EventFinish:
		if ev.StopReason != stopReasonUnseen {
			a.resp.StopReason = ev.StopReason
		}
	case EventDone:
		a.done = true
	case EventError:
		a.done = true
		return fmt.Errorf("%w: %s", ErrUpstreamFailed, ev.Text)
	}
	return nil
}

func (a *Aggregator) appendText(kind SegmentKind, text string) {
	if text == "" {
		return
	}
	if n := len(a.resp.Segments); n > 0 && a.resp.Segments[n-1].Kind == kind {
		a.resp.Segments[n-1].Text += text
		return
	}
	a.resp.Segments = append(a.resp.Segments, Segment{Kind: kind, Text: text})
}

func (a *Aggregator) toolIndex(key string) int {
	if i, ok := a.toolSeg[key]; ok {
		return i
	}
	a.resp.Segments = append(a.resp.Segments, Segment{Kind: SegmentToolCall})
	i := len(a.resp.Segments) - 1
	a.toolSeg[key] = i
	a.toolArgs[key] = &strings.Builder{}
	return i
}

// Response returns the aggregated response. A stream that never reached its
// terminal marker gets the "incomplete" stop reason.
func (a *Aggregator) Response() *Response {
	resp := a.resp
	resp.Segments = append([]Segment(nil), a.resp.Segments...)
	for key, i := range a.toolSeg {
		resp.Segments[i].Arguments = normalizeArguments(a.toolArgs[key].String())
	}
	if !a.done && resp.StopReason == stopReasonUnseen {
		resp.StopReason = StopIncomplete
	}
	return &resp
}

// Aggregate reads a whole upstream SSE body into a unary Response.
func Aggregate(r io.Reader, dec StreamDecoder) (*Response, error) {
	agg := NewAggregator()
	err := ReadSSE(r, func(name string, data []byte) error {
		events, err := dec.Decode(name, data)
		if err != nil {
			return err
		}
		for _, ev := range events {
			if err := agg.Add(ev); err != nil {
				return err
			}
		}
		if agg.Done() {
			return errStopReading
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopReading) {
		return nil, err
	}
	return agg.Response(), nil
}

// Replay is the inverse of Aggregate: it expands a unary Response into the
// canonical events a stream carrying it would have produced.
func Replay(resp *Response) []Event {
	events := []Event{{Kind: EventStart, ID: resp.ID, Model: resp.Model}}
	for i, s := range resp.Segments {
		switch s.Kind {
		case SegmentText:
			events = append(events, Event{Kind: EventTextDelta, Text: s.Text})
		case SegmentThinking:
			events = append(events, Event{Kind: EventThinkingDelta, Text: s.Text})
		case SegmentToolCall:
			key := fmt.Sprintf("replay_%d", i)
			events = append(events,
				Event{Kind: EventToolStart, ToolKey: key, ToolID: s.ToolCallID, ToolName: s.ToolName},
				Event{Kind: EventToolArgsDone, ToolKey: key, Text: s.Arguments},
				Event{Kind: EventToolEnd, ToolKey: key},
			)
		}
	}
	return append(events,
		Event{Kind: EventUsage, Usage: resp.Usage},
		Event{Kind: EventFinish, StopReason: resp.StopReason},
		Event{Kind: EventDone},
	)
}
