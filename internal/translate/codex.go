package translate

import (
	"crypto/sha256"
	"strings"

	"github.com/google/uuid"
)

const (
	CodexGPT5            = "gpt-5"
	CodexGPT5Codex       = "gpt-5-codex"
	CodexGPT51           = "gpt-5.1"
	CodexGPT51Codex      = "gpt-5.1-codex"
	CodexGPT51CodexMax   = "gpt-5.1-codex-max"
	CodexGPT52           = "gpt-5.2"
	CodexGPT52Codex      = "gpt-5.2-codex"
	CodexGPT53Codex      = "gpt-5.3-codex"
	CodexGPT53CodexSpark = "gpt-5.3-codex-spark"
	CodexGPT5CodexMini   = "gpt-5-codex-mini"
	CodexGPT51CodexMini  = "gpt-5.1-codex-mini"
)

// codexEfforts lists the reasoning efforts each backend model accepts.
var codexEfforts = map[string][]string{
	CodexGPT5:            {"minimal", "low", "medium", "high"},
	CodexGPT5Codex:       {"minimal", "low", "medium", "high"},
	CodexGPT51:           {"low", "medium", "high"},
	CodexGPT51Codex:      {"low", "medium", "high"},
	CodexGPT51CodexMax:   {"low", "medium", "high", "xhigh"},
	CodexGPT52:           {"low", "medium", "high", "xhigh"},
	CodexGPT52Codex:      {"low", "medium", "high", "xhigh"},
	CodexGPT53Codex:      {"low", "medium", "high", "xhigh"},
	CodexGPT53CodexSpark: {"low", "medium", "high", "xhigh"},
	CodexGPT5CodexMini:   {"medium", "high"},
	CodexGPT51CodexMini:  {"medium", "high"},
}

var codexDefaultEffort = map[string]string{
	CodexGPT51:           "low",
	CodexGPT51Codex:      "low",
	CodexGPT51CodexMax:   "low",
	CodexGPT52:           "medium",
	CodexGPT52Codex:      "medium",
	CodexGPT53Codex:      "medium",
	CodexGPT53CodexSpark: "high",
	CodexGPT5CodexMini:   "medium",
	CodexGPT51CodexMini:  "medium",
}

// codexModelOrder is the listing order; more specific names come first so
// the substring match in CodexModel picks the longest id.
var codexModelOrder = []string{
	CodexGPT53CodexSpark,
	CodexGPT53Codex,
	CodexGPT52Codex,
	CodexGPT52,
	CodexGPT51CodexMax,
	CodexGPT51CodexMini,
	CodexGPT51Codex,
	CodexGPT51,
	CodexGPT5CodexMini,
	CodexGPT5Codex,
	CodexGPT5,
}

var effortSuffixes = []string{"xhigh", "high", "medium", "low", "minimal"}

// CodexModel splits a requested name like "gpt-5.2-codex-high" into the
// backend model id and the effort encoded in its suffix. Unknown names
// collapse onto the closest family.
func CodexModel(name string) (model, effort string) {
	lower := strings.ToLower(strings.TrimSpace(name))
	for _, e := range effortSuffixes {
		if trimmed, ok := strings.CutSuffix(lower, "-"+e); ok {
			lower, effort = trimmed, e
			break
		}
	}
	if lower == "" {
		return CodexGPT5, effort
	}
	for _, id := range codexModelOrder {
		if strings.Contains(lower, id) {
			return id, effort
		}
	}
	if strings.Contains(lower, "codex") {
		return CodexGPT5Codex, effort
	}
	return CodexGPT5, effort
}

func normalizeEffort(effort string) string {
	switch e := strings.ToLower(strings.TrimSpace(effort)); e {
	case "minimal", "low", "medium", "high", "xhigh":
		return e
	case "none":
		return "low"
	default:
		return ""
	}
}

// ClampEffort enforces the per-model effort list. An empty or disallowed
// effort becomes the model default when one exists.
func ClampEffort(effort, model string) string {
	effort = normalizeEffort(effort)
	if effort == "" {
		return codexDefaultEffort[model]
	}
	allowed, ok := codexEfforts[model]
	if !ok {
		return effort
	}
	for _, a := range allowed {
		if a == effort {
			return effort
		}
	}
	if def := codexDefaultEffort[model]; def != "" {
		return def
	}
	return effort
}

// PromptCacheKey derives a stable conversation key so repeated turns of one
// session hit the backend prompt cache.
func PromptCacheKey(model, instructions, firstUserText string) string {
	model = strings.TrimSpace(model)
	instructions = strings.TrimSpace(instructions)
	firstUserText = strings.TrimSpace(firstUserText)
	if model == "" && instructions == "" && firstUserText == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(model + "\n" + instructions + "\n" + firstUserText))
	var id uuid.UUID
	copy(id[:], sum[:16])
	id[6] = (id[6] & 0x0f) | 0x50
	id[8] = (id[8] & 0x3f) | 0x80
	return id.String()
}

// CodexModels lists the built-in backend models followed by their effort
// suffixed variants.
func CodexModels() []string {
	var out []string
	for i := len(codexModelOrder) - 1; i >= 0; i-- {
		id := codexModelOrder[i]
		out = append(out, id)
		for _, e := range codexEfforts[id] {
			out = append(out, id+"-"+e)
		}
	}
	return out
}
