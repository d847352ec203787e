//go:build !js || !wasm

package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/dvcrn/claude-openai-bridge/internal/apierr"
	"github.com/dvcrn/claude-openai-bridge/internal/credentials"
	"github.com/dvcrn/claude-openai-bridge/internal/logger"
)

const (
	websocketResponsesBetaHeader = "responses_websockets=2026-02-04"
	websocketResponsesVersion    = "0.101.0"
)

func webSocketSupported() bool {
	return true
}

// sendWebSocket runs one Codex turn over the websocket transport and
// presents the event stream as an SSE response body, so callers handle
// both transports the same way.
func (c *Client) sendWebSocket(ctx context.Context, rawURL string, body []byte, tok *credentials.Token) (*http.Response, error) {
	wsURL, err := toWebSocketURL(rawURL)
	if err != nil {
		return nil, apierr.New(apierr.KindInternal, "invalid websocket upstream url", err)
	}
	createPayload, err := wrapWebSocketCreatePayload(body)
	if err != nil {
		return nil, apierr.New(apierr.KindTranslation, "failed to build websocket payload", err)
	}

	headers := codexHeaders(tok)
	headers.Set("version", websocketResponsesVersion)
	headers.Set("openai-beta", websocketResponsesBetaHeader)
	headers.Set("x-codex-beta-features", "collab,apps")
	headers.Set("x-codex-turn-metadata", `{"sandbox":"none"}`)

	c.log.Debug().
		Str("authorization_preview", "Bearer "+logger.Redact(tok.AccessToken)).
		Str("chatgpt-account-id", tok.AccountID).
		Str("session_id", headers.Get("session_id")).
		Str("version", websocketResponsesVersion).
		Str("openai-beta", websocketResponsesBetaHeader).
		Msg("Upstream websocket headers (sanitized)")

	dialer := websocket.Dialer{
		Proxy:             http.ProxyFromEnvironment,
		HandshakeTimeout:  10 * time.Second,
		EnableCompression: true,
	}
	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			// a rejected handshake is an ordinary HTTP answer
			if resp.Body == nil {
				resp.Body = io.NopCloser(strings.NewReader(err.Error()))
			}
			return resp, nil
		}
		return nil, apierr.New(apierr.KindUpstreamUnreachable, "failed to open websocket upstream connection", err)
	}

	if err := conn.WriteMessage(websocket.TextMessage, createPayload); err != nil {
		conn.Close()
		return nil, apierr.New(apierr.KindUpstreamUnreachable, "failed to send websocket request payload", err)
	}

	pr, pw := io.Pipe()
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		conn.Close()
	}()
	go func() {
		defer close(stop)
		defer pw.Close()
		pumpWebSocket(conn, pw)
	}()

	h := make(http.Header)
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	return &http.Response{
		StatusCode: http.StatusOK,
		Status:     "200 OK",
		Header:     h,
		Body:       pr,
	}, nil
}

// pumpWebSocket copies every message as an SSE data event and appends the
// [DONE] marker after a terminal event.
func pumpWebSocket(conn *websocket.Conn, pw *io.PipeWriter) {
	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return
			}
			pw.CloseWithError(fmt.Errorf("websocket stream read failed: %w", err))
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		trimmed := bytes.TrimSpace(payload)
		if len(trimmed) == 0 {
			continue
		}
		if err := writeSSEData(pw, trimmed); err != nil {
			return
		}
		switch strings.TrimSpace(gjson.GetBytes(trimmed, "type").String()) {
		case "response.completed", "response.failed", "response.incomplete", "error":
			writeSSEData(pw, []byte("[DONE]"))
			return
		}
	}
}

func toWebSocketURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse upstream URL %q: %w", rawURL, err)
	}
	switch strings.ToLower(strings.TrimSpace(u.Scheme)) {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported upstream URL scheme %q", u.Scheme)
	}
	return u.String(), nil
}

func wrapWebSocketCreatePayload(body []byte) ([]byte, error) {
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		return nil, fmt.Errorf("request body is not a JSON object")
	}
	return sjson.SetBytes(body, "type", "response.create")
}

func writeSSEData(w io.Writer, payload []byte) error {
	buf := make([]byte, 0, len(payload)+8)
	buf = append(buf, "data: "...)
	buf = append(buf, payload...)
	buf = append(buf, "\n\n"...)
	_, err := w.Write(buf)
	return err
}
