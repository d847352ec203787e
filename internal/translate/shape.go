// Package translate converts between the Anthropic Messages protocol, a
// canonical request/response form and the three OpenAI-compatible upstream
// shapes, for whole bodies and for SSE streams.
package translate

import (
	"fmt"
	"strings"
)

// Shape is an upstream protocol shape. Shapes are ordered for fallback.
type Shape int

const (
	ShapeResponses Shape = iota
	ShapeChatCompletions
	ShapeCompletions
)

// Shapes lists every shape in fallback order.
var Shapes = []Shape{ShapeResponses, ShapeChatCompletions, ShapeCompletions}

func (s Shape) String() string {
	switch s {
	case ShapeResponses:
		return "responses"
	case ShapeChatCompletions:
		return "chat"
	case ShapeCompletions:
		return "completions"
	default:
		return fmt.Sprintf("shape(%d)", int(s))
	}
}

// Path is the endpoint path relative to a versioned base URL.
func (s Shape) Path() string {
	switch s {
	case ShapeChatCompletions:
		return "/chat/completions"
	case ShapeCompletions:
		return "/completions"
	default:
		return "/responses"
	}
}

// ParseShape accepts the String form and a few aliases.
func ParseShape(v string) (Shape, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "responses", "response":
		return ShapeResponses, nil
	case "chat", "chat_completions", "chat-completions", "chatcompletions":
		return ShapeChatCompletions, nil
	case "completions", "completion", "legacy":
		return ShapeCompletions, nil
	}
	return 0, fmt.Errorf("unknown upstream shape %q", v)
}

// ShapeForPath maps an endpoint path back onto its shape.
func ShapeForPath(path string) (Shape, bool) {
	path = strings.TrimRight(path, "/")
	for _, s := range Shapes {
		if strings.HasSuffix(path, s.Path()) {
			// "/chat/completions" also ends in "/completions"
			if s == ShapeCompletions && strings.HasSuffix(path, ShapeChatCompletions.Path()) {
				return ShapeChatCompletions, true
			}
			return s, true
		}
	}
	return 0, false
}
