package probe

import (
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/dvcrn/claude-openai-bridge/internal/config"
)

// Classifier decides whether an upstream rejection means the endpoint does
// not exist (try the next shape) or is a real error to surface.
type Classifier struct {
	statuses map[int]bool
	patterns []string
}

func NewClassifier(cfg config.ClassifierConfig) *Classifier {
	c := &Classifier{statuses: make(map[int]bool, len(cfg.NotSupportedStatuses))}
	for _, s := range cfg.NotSupportedStatuses {
		c.statuses[s] = true
	}
	for _, p := range cfg.NotSupportedPatterns {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			c.patterns = append(c.patterns, p)
		}
	}
	return c
}

// NotSupported reports whether status and body say the shape is unavailable.
func (c *Classifier) NotSupported(status int, body []byte) bool {
	if c.statuses[status] {
		return true
	}
	if status != http.StatusBadRequest || len(c.patterns) == 0 {
		return false
	}
	msg := strings.ToLower(errorText(body))
	for _, p := range c.patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// errorText pulls the human-readable parts out of an OpenAI-style error body.
// Non-JSON bodies are used as they are.
func errorText(body []byte) string {
	if !gjson.ValidBytes(body) {
		return string(body)
	}
	r := gjson.ParseBytes(body)
	var parts []string
	for _, path := range []string{"error.message", "error.code", "message", "detail", "error"} {
		if v := r.Get(path); v.Type == gjson.String && v.String() != "" {
			parts = append(parts, v.String())
		}
	}
	return strings.Join(parts, " ")
}
