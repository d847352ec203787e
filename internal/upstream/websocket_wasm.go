//go:build js && wasm

package upstream

import (
	"context"
	"errors"
	"net/http"

	"github.com/dvcrn/claude-openai-bridge/internal/apierr"
	"github.com/dvcrn/claude-openai-bridge/internal/credentials"
)

func webSocketSupported() bool {
	return false
}

func (c *Client) sendWebSocket(ctx context.Context, rawURL string, body []byte, tok *credentials.Token) (*http.Response, error) {
	return nil, apierr.New(apierr.KindInternal, "websocket upstream transport is not supported in js/wasm builds",
		errors.New("websocket transport unavailable"))
}
