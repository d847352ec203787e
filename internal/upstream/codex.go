package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/dvcrn/claude-openai-bridge/internal/apierr"
	"github.com/dvcrn/claude-openai-bridge/internal/instructions"
	"github.com/dvcrn/claude-openai-bridge/internal/translate"
)

// codexDropped are sampling fields the Codex backend rejects.
var codexDropped = []string{"max_output_tokens", "temperature", "top_p"}

type bodyPatch struct {
	path  string
	value interface{}
}

// PrepareCodex builds the Responses body the Codex backend expects: backend
// model and clamped effort, the cached instructions, the agent system prompt
// as a developer message, and the fixed Codex request options. The body
// always streams.
func (c *Client) PrepareCodex(ctx context.Context, req *translate.Request) ([]byte, error) {
	model, effort := translate.CodexModel(req.Model)
	if effort == "" {
		effort = req.ReasoningEffort
	}
	effort = translate.ClampEffort(effort, model)

	if c.instructions == nil {
		return nil, apierr.New(apierr.KindCacheFetch, "codex instructions unavailable", instructions.ErrFetch)
	}
	instr, err := c.instructions.ForModel(ctx, model)
	if err != nil {
		return nil, apierr.New(apierr.KindCacheFetch, "codex instructions unavailable", err)
	}

	r := *req
	r.Model = model
	r.System = ""
	r.Stream = true
	r.ReasoningEffort = ""
	body, err := translate.CodecFor(translate.ShapeResponses).EncodeRequest(&r)
	if err != nil {
		return nil, apierr.New(apierr.KindTranslation, "failed to encode codex request", err)
	}

	body, err = prependDeveloperMessage(body, instructions.DeveloperMessage(req.System))
	if err != nil {
		return nil, apierr.New(apierr.KindTranslation, "failed to encode codex request", err)
	}

	sets := []bodyPatch{
		{"instructions", instr},
		{"store", false},
		{"stream", true},
		{"include", []string{"reasoning.encrypted_content"}},
		{"parallel_tool_calls", false},
		{"reasoning.summary", "auto"},
	}
	if effort != "" {
		sets = append(sets, bodyPatch{"reasoning.effort", effort})
	}
	if key := translate.PromptCacheKey(model, instr, req.FirstUserText()); key != "" {
		sets = append(sets, bodyPatch{"prompt_cache_key", key})
	}
	for _, s := range sets {
		if body, err = sjson.SetBytes(body, s.path, s.value); err != nil {
			return nil, apierr.New(apierr.KindTranslation, fmt.Sprintf("failed to set %s", s.path), err)
		}
	}
	for _, path := range codexDropped {
		if body, err = sjson.DeleteBytes(body, path); err != nil {
			return nil, apierr.New(apierr.KindTranslation, fmt.Sprintf("failed to drop %s", path), err)
		}
	}

	c.log.Debug().
		Str("model", model).
		Str("effort", effort).
		Int("instructions_bytes", len(instr)).
		Int("input_items", int(gjson.GetBytes(body, "input.#").Int())).
		Msg("Prepared codex request")
	return body, nil
}

func prependDeveloperMessage(body []byte, text string) ([]byte, error) {
	dev, err := json.Marshal(map[string]interface{}{
		"type": "message",
		"role": "developer",
		"content": []map[string]string{
			{"type": "input_text", "text": text},
		},
	})
	if err != nil {
		return nil, err
	}
	items := []string{string(dev)}
	for _, item := range gjson.GetBytes(body, "input").Array() {
		items = append(items, item.Raw)
	}
	return sjson.SetRawBytes(body, "input", []byte("["+strings.Join(items, ",")+"]"))
}
