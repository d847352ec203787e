// Package upstream sends translated requests to the configured backend. It
// owns authentication, the Codex request quirks and the mapping of upstream
// failures onto apierr kinds.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dvcrn/claude-openai-bridge/internal/apierr"
	"github.com/dvcrn/claude-openai-bridge/internal/auth"
	"github.com/dvcrn/claude-openai-bridge/internal/config"
	"github.com/dvcrn/claude-openai-bridge/internal/credentials"
	"github.com/dvcrn/claude-openai-bridge/internal/logger"
	"github.com/dvcrn/claude-openai-bridge/internal/translate"
)

const (
	codexVersion    = "0.19.0"
	codexBetaHeader = "responses=experimental"
	codexOriginator = "codex_cli_rs"

	maxErrorBody = 64 << 10
	maxBody      = 32 << 20
)

// TokenSource hands out Codex access tokens.
type TokenSource interface {
	AccessToken(ctx context.Context) (*credentials.Token, error)
	ForceRefresh(ctx context.Context, rejected string) (*credentials.Token, error)
}

// InstructionSource returns the Codex instructions for a backend model.
type InstructionSource interface {
	ForModel(ctx context.Context, model string) (string, error)
}

type Options struct {
	Routing      config.Routing
	HTTPClient   *http.Client
	Timeout      time.Duration
	Tokens       TokenSource
	Instructions InstructionSource
	// Transport is config.TransportHTTP or config.TransportWebsocket and
	// only applies to the Codex backend.
	Transport string
	Logger    zerolog.Logger
	Tracer    trace.Tracer
}

type Client struct {
	routing      config.Routing
	http         *http.Client
	tokens       TokenSource
	instructions InstructionSource
	transport    string
	log          zerolog.Logger
	tracer       trace.Tracer
}

func New(opts Options) *Client {
	c := &Client{
		routing:      opts.Routing,
		http:         opts.HTTPClient,
		tokens:       opts.Tokens,
		instructions: opts.Instructions,
		transport:    opts.Transport,
		log:          opts.Logger.With().Str("component", "upstream").Logger(),
		tracer:       opts.Tracer,
	}
	if c.http == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = time.Duration(config.DefaultTimeoutMS) * time.Millisecond
		}
		c.http = &http.Client{Timeout: timeout}
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer("github.com/dvcrn/claude-openai-bridge/internal/upstream")
	}
	return c
}

func (c *Client) Routing() config.Routing { return c.routing }

// Send posts body to the endpoint of shape. Any HTTP answer is returned as a
// response, the caller owns its body. Transport failures are
// KindUpstreamUnreachable. For the Codex backend the shape is always
// Responses and a 401 triggers one refresh and retry.
func (c *Client) Send(ctx context.Context, shape translate.Shape, body []byte) (*http.Response, error) {
	url := c.routing.Endpoint(shape.Path())
	ctx, span := c.tracer.Start(ctx, "upstream.send", trace.WithAttributes(
		attribute.String("upstream.url", url),
		attribute.String("upstream.shape", shape.String()),
		attribute.String("upstream.backend", c.routing.Backend.String()),
	))
	defer span.End()

	var (
		resp *http.Response
		err  error
	)
	if c.routing.Backend == config.BackendCodex {
		resp, err = c.sendCodex(ctx, url, body)
	} else {
		resp, err = c.post(ctx, url, body, c.genericHeaders(body))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= 400 {
		span.SetStatus(codes.Error, resp.Status)
	}
	return resp, nil
}

func (c *Client) genericHeaders(body []byte) http.Header {
	h := http.Header{}
	h.Set("content-type", "application/json")
	if gjson.GetBytes(body, "stream").Bool() {
		h.Set("accept", "text/event-stream")
	} else {
		h.Set("accept", "application/json")
	}
	if key := bareToken(c.routing.APIKey); key != "" {
		h.Set("authorization", "Bearer "+key)
	}
	return h
}

func (c *Client) post(ctx context.Context, url string, body []byte, headers http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, apierr.New(apierr.KindInternal, "failed to create upstream request", err)
	}
	req.Header = headers
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apierr.New(apierr.KindUpstreamUnreachable, "upstream unreachable: "+err.Error(), err)
	}
	return resp, nil
}

func (c *Client) sendCodex(ctx context.Context, url string, body []byte) (*http.Response, error) {
	if c.tokens == nil {
		return nil, apierr.New(apierr.KindUpstreamAuthRejected, "codex backend requires OAuth sign-in", auth.ErrNotSignedIn)
	}
	tok, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return nil, tokenError(err)
	}

	resp, err := c.codexAttempt(ctx, url, body, tok)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	c.log.Warn().Msg("Received 401 Unauthorized, attempting token refresh...")
	resp.Body.Close()

	tok, err = c.tokens.ForceRefresh(ctx, tok.AccessToken)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to refresh credentials after 401 error")
		return nil, apierr.New(apierr.KindUpstreamAuthRejected, "token expired and refresh failed", err)
	}
	c.log.Info().Msg("Successfully refreshed credentials, retrying request...")

	resp, err = c.codexAttempt(ctx, url, body, tok)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		c.log.Error().Msg("Still received 401 after token refresh, giving up")
	} else {
		c.log.Info().Msg("Request succeeded after token refresh")
	}
	return resp, nil
}

func (c *Client) codexAttempt(ctx context.Context, url string, body []byte, tok *credentials.Token) (*http.Response, error) {
	if c.useWebSocket(gjson.GetBytes(body, "model").String()) {
		return c.sendWebSocket(ctx, url, body, tok)
	}
	h := codexHeaders(tok)
	h.Set("version", codexVersion)
	h.Set("openai-beta", codexBetaHeader)
	h.Set("accept", "text/event-stream")
	h.Set("content-type", "application/json")

	c.log.Debug().
		Str("authorization_preview", "Bearer "+logger.Redact(tok.AccessToken)).
		Str("chatgpt-account-id", tok.AccountID).
		Str("session_id", h.Get("session_id")).
		Str("version", codexVersion).
		Msg("Upstream request headers (sanitized)")

	return c.post(ctx, url, body, h)
}

// codexHeaders are shared by the HTTP and websocket transports.
func codexHeaders(tok *credentials.Token) http.Header {
	h := http.Header{}
	h.Set("authorization", "Bearer "+bareToken(tok.AccessToken))
	h.Set("session_id", uuid.NewString())
	h.Set("originator", codexOriginator)
	if tok.AccountID != "" {
		h.Set("chatgpt-account-id", tok.AccountID)
	}
	return h
}

// useWebSocket routes the request over the websocket transport when it is
// configured, or for models only served that way.
func (c *Client) useWebSocket(model string) bool {
	if !webSocketSupported() {
		return false
	}
	return c.transport == config.TransportWebsocket || strings.TrimSpace(model) == translate.CodexGPT53CodexSpark
}

// bareToken strips a "Bearer " prefix so it is never sent twice.
func bareToken(token string) string {
	token = strings.TrimSpace(token)
	if len(token) >= 7 && strings.EqualFold(token[:7], "Bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	return token
}

func tokenError(err error) *apierr.Error {
	switch {
	case errors.Is(err, auth.ErrTimeout):
		return apierr.New(apierr.KindOAuthTimeout, "OpenAI sign-in timed out; retry to start a new sign-in", err)
	case errors.Is(err, auth.ErrDenied):
		return apierr.New(apierr.KindOAuthDenied, "OpenAI sign-in was denied", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return apierr.New(apierr.KindUpstreamAuthRejected, "request cancelled while waiting for OpenAI sign-in", err)
	default:
		return apierr.New(apierr.KindUpstreamAuthRejected, "no valid OpenAI credentials: "+err.Error(), err)
	}
}

// ReadBody reads a unary upstream body.
func ReadBody(resp *http.Response) ([]byte, error) {
	return io.ReadAll(io.LimitReader(resp.Body, maxBody))
}

// ErrorFromResponse consumes a non-2xx upstream response and maps it onto
// an apierr.Error carrying the upstream status.
func ErrorFromResponse(resp *http.Response) *apierr.Error {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := errorMessage(body)
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	cause := fmt.Errorf("upstream status %d", resp.StatusCode)
	if resp.StatusCode == http.StatusUnauthorized {
		return apierr.WithStatus(apierr.KindUpstreamAuthRejected, http.StatusUnauthorized, "upstream rejected credentials: "+msg, cause)
	}
	return apierr.WithStatus(apierr.KindUpstreamStatus, resp.StatusCode, msg, cause)
}

func errorMessage(body []byte) string {
	if !gjson.ValidBytes(body) {
		s := strings.TrimSpace(string(body))
		if len(s) > 512 {
			s = s[:512]
		}
		return s
	}
	r := gjson.ParseBytes(body)
	for _, path := range []string{"error.message", "message", "detail", "error"} {
		if v := r.Get(path); v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	return strings.TrimSpace(string(body))
}
