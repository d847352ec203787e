package upstream

import (
	"context"
	"net/http"
	"sort"

	"github.com/tidwall/gjson"

	"github.com/dvcrn/claude-openai-bridge/internal/apierr"
	"github.com/dvcrn/claude-openai-bridge/internal/config"
	"github.com/dvcrn/claude-openai-bridge/internal/translate"
)

// ListModels returns the model ids the upstream offers. The Codex backend
// has no listing endpoint and answers with the built-in model list.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	if c.routing.Backend == config.BackendCodex {
		return translate.CodexModels(), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.routing.Endpoint("/models"), nil)
	if err != nil {
		return nil, apierr.New(apierr.KindInternal, "failed to create models request", err)
	}
	req.Header.Set("accept", "application/json")
	if key := bareToken(c.routing.APIKey); key != "" {
		req.Header.Set("authorization", "Bearer "+key)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apierr.New(apierr.KindUpstreamUnreachable, "upstream unreachable: "+err.Error(), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, ErrorFromResponse(resp)
	}
	defer resp.Body.Close()

	body, err := ReadBody(resp)
	if err != nil {
		return nil, apierr.New(apierr.KindUpstreamUnreachable, "failed to read models response", err)
	}
	var ids []string
	for _, id := range gjson.GetBytes(body, "data.#.id").Array() {
		if s := id.String(); s != "" {
			ids = append(ids, s)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
