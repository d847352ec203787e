package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dvcrn/claude-openai-bridge/internal/config"
)

const adminTimeout = 3 * time.Second

// errAdminDisabled means no admin key is configured, so a running proxy
// refuses admin calls.
var errAdminDisabled = errors.New("admin API disabled, set ADMIN_API_KEY to reach a running proxy")

// callRunning sends an admin request to a proxy running with cfg. A proxy that
// is not listening is reported as reachable=false with no error.
func callRunning(ctx context.Context, cfg config.Config, method, path string) (body []byte, reachable bool, err error) {
	if cfg.AdminAPIKey == "" {
		return nil, false, errAdminDisabled
	}
	ctx, cancel := context.WithTimeout(ctx, adminTimeout)
	defer cancel()

	url := "http://" + cfg.ListenAddr() + path
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("X-Admin-Key", cfg.AdminAPIKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, false, nil
	}
	defer resp.Body.Close()

	body, err = io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, true, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return body, true, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(body))
	}
	return body, true, nil
}

func indentJSON(raw []byte) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}
