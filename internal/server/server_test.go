package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/dvcrn/claude-openai-bridge/internal/auth"
	"github.com/dvcrn/claude-openai-bridge/internal/config"
	"github.com/dvcrn/claude-openai-bridge/internal/credentials"
	"github.com/dvcrn/claude-openai-bridge/internal/mockupstream"
	"github.com/dvcrn/claude-openai-bridge/internal/translate"
	"github.com/dvcrn/claude-openai-bridge/internal/upstream"
)

const helloRequest = `{"model":"claude-sonnet-4","max_tokens":256,"messages":[{"role":"user","content":"hello there"}]}`

func genericRouting(t *testing.T, target string) config.Routing {
	t.Helper()
	cfg := config.Defaults()
	cfg.Target = target
	cfg.Models.Primary = "gpt-test"
	r, err := cfg.Routing()
	require.NoError(t, err)
	return r
}

func newServer(routing config.Routing, mutate ...func(*Options)) *Server {
	opts := Options{
		Upstream: upstream.New(upstream.Options{Routing: routing, Logger: zerolog.Nop()}),
		Logger:   zerolog.Nop(),
	}
	for _, m := range mutate {
		m(&opts)
	}
	return New(opts)
}

func mockUpstream(t *testing.T, shapes ...translate.Shape) (*mockupstream.Server, string) {
	t.Helper()
	mock := mockupstream.New(mockupstream.Options{Shapes: shapes, Logger: zerolog.Nop()})
	srv := httptest.NewServer(mock.Handler())
	t.Cleanup(srv.Close)
	return mock, srv.URL
}

func do(t *testing.T, h http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

type sseEvent struct {
	name string
	data gjson.Result
}

func readEvents(t *testing.T, body string) []sseEvent {
	t.Helper()
	var out []sseEvent
	err := translate.ReadSSE(strings.NewReader(body), func(name string, data []byte) error {
		out = append(out, sseEvent{name: name, data: gjson.ParseBytes(data)})
		return nil
	})
	require.NoError(t, err)
	return out
}

func streamedText(events []sseEvent) string {
	var b strings.Builder
	for _, ev := range events {
		if ev.name == "content_block_delta" {
			b.WriteString(ev.data.Get("delta.text").String())
		}
	}
	return b.String()
}

func TestMessagesProbesAndRemembersShape(t *testing.T) {
	mock, url := mockUpstream(t, translate.ShapeChatCompletions)
	s := newServer(genericRouting(t, url+"/v1"))

	rec := do(t, s.Handler(), http.MethodPost, "/v1/messages", helloRequest)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	out := gjson.Parse(rec.Body.String())
	assert.Equal(t, "message", out.Get("type").String())
	assert.Equal(t, "claude-sonnet-4", out.Get("model").String())
	assert.Equal(t, "hello there", out.Get("content.0.text").String())
	assert.Equal(t, "end_turn", out.Get("stop_reason").String())
	assert.Equal(t, []string{"/v1/responses", "/v1/chat/completions"}, mock.Hits())

	rec = do(t, s.Handler(), http.MethodPost, "/anthropic/v1/messages", helloRequest)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"/v1/responses", "/v1/chat/completions", "/v1/chat/completions"}, mock.Hits())

	entries := s.prober.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "chat", entries[0].Shape)
}

func TestMessagesStreamEveryShape(t *testing.T) {
	for _, shape := range translate.Shapes {
		t.Run(shape.String(), func(t *testing.T) {
			_, url := mockUpstream(t, shape)
			s := newServer(genericRouting(t, url+"/v1"+shape.Path()))

			body := `{"model":"claude-sonnet-4","stream":true,"messages":[{"role":"user","content":"stream me"}]}`
			rec := do(t, s.Handler(), http.MethodPost, "/v1/messages", body)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

			events := readEvents(t, rec.Body.String())
			require.NotEmpty(t, events)
			assert.Equal(t, "message_start", events[0].name)
			assert.Equal(t, "message_stop", events[len(events)-1].name)
			assert.Equal(t, "stream me", streamedText(events))
		})
	}
}

func TestMessagesStreamFromUnaryUpstream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := &translate.Response{
			ID:         "chatcmpl-1",
			Model:      "gpt-test",
			Segments:   []translate.Segment{translate.TextSegment("not streamed")},
			StopReason: translate.StopEndTurn,
		}
		out, err := translate.CodecFor(translate.ShapeChatCompletions).EncodeResponse(resp)
		if err != nil {
			t.Errorf("encode: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(out)
	}))
	defer srv.Close()

	s := newServer(genericRouting(t, srv.URL+"/v1/chat/completions"))
	body := `{"model":"claude-sonnet-4","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	rec := do(t, s.Handler(), http.MethodPost, "/v1/messages", body)
	require.Equal(t, http.StatusOK, rec.Code)

	events := readEvents(t, rec.Body.String())
	assert.Equal(t, "not streamed", streamedText(events))
	assert.Equal(t, "message_stop", events[len(events)-1].name)
}

func TestMessagesUpstreamErrors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantStatus int
		wantType   string
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":{"message":"slow down"}}`, http.StatusTooManyRequests, "rate_limit_error"},
		{"bad credentials", http.StatusUnauthorized, `{"error":{"message":"bad key"}}`, http.StatusUnauthorized, "authentication_error"},
		{"server error", http.StatusInternalServerError, `boom`, http.StatusInternalServerError, "api_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			s := newServer(genericRouting(t, srv.URL+"/v1/chat/completions"))
			rec := do(t, s.Handler(), http.MethodPost, "/v1/messages", helloRequest)
			assert.Equal(t, tt.wantStatus, rec.Code)
			out := gjson.Parse(rec.Body.String())
			assert.Equal(t, "error", out.Get("type").String())
			assert.Equal(t, tt.wantType, out.Get("error.type").String())
		})
	}
}

func TestMessagesUnsupportedUpstream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"error":{"message":"Unrecognized request URL"}}`)
	}))
	defer srv.Close()

	s := newServer(genericRouting(t, srv.URL+"/v1"))
	rec := do(t, s.Handler(), http.MethodPost, "/v1/messages", helloRequest)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, gjson.Get(rec.Body.String(), "error.message").String(), "unsupported upstream")
	assert.Empty(t, s.prober.Entries())
}

func TestMessagesUnreachableUpstream(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	s := newServer(genericRouting(t, url+"/v1/responses"))
	rec := do(t, s.Handler(), http.MethodPost, "/v1/messages", helloRequest)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "api_error", gjson.Get(rec.Body.String(), "error.type").String())
}

func TestMessagesInvalidRequest(t *testing.T) {
	s := newServer(genericRouting(t, "http://127.0.0.1:1/v1"))
	for name, body := range map[string]string{
		"malformed json": `{"model":`,
		"no messages":    `{"model":"claude-sonnet-4","messages":[]}`,
		"bad role":       `{"model":"claude-sonnet-4","messages":[{"role":"tool","content":"x"}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := do(t, s.Handler(), http.MethodPost, "/v1/messages", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "invalid_request_error", gjson.Get(rec.Body.String(), "error.type").String())
		})
	}
}

type staticTokens struct{}

func (staticTokens) AccessToken(ctx context.Context) (*credentials.Token, error) {
	return &credentials.Token{AccessToken: "tok", AccountID: "acct"}, nil
}

func (staticTokens) ForceRefresh(ctx context.Context, rejected string) (*credentials.Token, error) {
	return &credentials.Token{AccessToken: "tok", AccountID: "acct"}, nil
}

type staticInstructions string

func (s staticInstructions) ForModel(ctx context.Context, model string) (string, error) {
	return string(s), nil
}

func TestMessagesCodexUnaryIsAggregated(t *testing.T) {
	mock, url := mockUpstream(t, translate.ShapeResponses)
	routing := config.Routing{
		Target:       url + "/codex",
		BaseURL:      url + "/codex",
		EndpointPath: "/responses",
		Backend:      config.BackendCodex,
		Models:       config.ModelsConfig{Primary: "gpt-5-codex"},
	}
	client := upstream.New(upstream.Options{
		Routing:      routing,
		Tokens:       staticTokens{},
		Instructions: staticInstructions("be helpful"),
		Logger:       zerolog.Nop(),
	})
	s := New(Options{Upstream: client, Logger: zerolog.Nop()})

	rec := do(t, s.Handler(), http.MethodPost, "/v1/messages", helloRequest)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "hello there", gjson.Get(rec.Body.String(), "content.0.text").String())
	assert.Equal(t, []string{"/codex/responses"}, mock.Hits())
}

func TestMiscRoutes(t *testing.T) {
	s := newServer(genericRouting(t, "http://127.0.0.1:1/v1"))

	rec := do(t, s.Handler(), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = do(t, s.Handler(), http.MethodGet, "/nowhere?x=1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Not found: /nowhere?x=1", rec.Body.String())

	rec = do(t, s.Handler(), http.MethodPost, "/api/event_logging/batch", `{"events":[]}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())

	rec = do(t, s.Handler(), http.MethodPost, "/v1/messages/count_tokens",
		`{"model":"claude-sonnet-4","messages":[{"role":"user","content":"abcdefghijklmnop"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(len(`"abcdefghijklmnop"`)/4), gjson.Get(rec.Body.String(), "input_tokens").Int())
}

func TestAdminRoutes(t *testing.T) {
	_, url := mockUpstream(t)
	s := newServer(genericRouting(t, url+"/v1"), func(o *Options) { o.AdminAPIKey = "secret" })

	rec := do(t, s.Handler(), http.MethodGet, "/admin/status", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = do(t, s.Handler(), http.MethodGet, "/admin/status", "", "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, s.Handler(), http.MethodPost, "/v1/messages", helloRequest)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s.Handler(), http.MethodGet, "/admin/status", "", "X-Admin-Key", "secret")
	require.Equal(t, http.StatusOK, rec.Code)
	status := gjson.Parse(rec.Body.String())
	assert.Equal(t, "generic-openai-compatible", status.Get("backend").String())
	assert.Equal(t, "responses", status.Get("capabilities.0.shape").String())
	assert.False(t, status.Get("oauth").Exists())

	rec = do(t, s.Handler(), http.MethodPost, "/admin/reset", "", "Authorization", "Bearer secret")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, s.prober.Entries())

	rec = do(t, s.Handler(), http.MethodDelete, "/admin/credentials", "", "X-API-Key", "secret")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminDisabledWithoutKey(t *testing.T) {
	_, url := mockUpstream(t)
	store := credentials.NewFileStore(filepath.Join(t.TempDir(), "token.json"))
	coord := auth.NewCoordinator(auth.Options{Store: store, Logger: zerolog.Nop()})
	s := newServer(genericRouting(t, url+"/v1"), func(o *Options) { o.Auth = coord })

	for _, tt := range []struct{ method, path, body string }{
		{http.MethodGet, "/admin/status", ""},
		{http.MethodPost, "/admin/reset", ""},
		{http.MethodPost, "/admin/credentials", `{"accessToken":"attacker","refreshToken":"r","expiresAt":4102444800000}`},
		{http.MethodDelete, "/admin/credentials", ""},
	} {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := do(t, s.Handler(), tt.method, tt.path, tt.body)
			assert.Equal(t, http.StatusInternalServerError, rec.Code)
			assert.Contains(t, rec.Body.String(), "Admin API not configured")
		})
	}
	_, err := store.Load()
	assert.ErrorIs(t, err, credentials.ErrNotFound)
}

func TestAdminCredentialsRefusesBrowserRequests(t *testing.T) {
	_, url := mockUpstream(t)
	store := credentials.NewFileStore(filepath.Join(t.TempDir(), "token.json"))
	coord := auth.NewCoordinator(auth.Options{Store: store, Logger: zerolog.Nop()})
	s := newServer(genericRouting(t, url+"/v1"), func(o *Options) {
		o.Auth = coord
		o.AdminAPIKey = "secret"
	})
	body := `{"accessToken":"attacker","refreshToken":"r","expiresAt":4102444800000}`

	rec := do(t, s.Handler(), http.MethodPost, "/admin/credentials", body,
		"X-Admin-Key", "secret", "Origin", "https://evil.example")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, s.Handler(), http.MethodPost, "/admin/reset", "",
		"X-Admin-Key", "secret", "Origin", "https://evil.example")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, s.Handler(), http.MethodPost, "/admin/credentials", body,
		"X-Admin-Key", "secret", "Content-Type", "text/plain")
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

	_, err := store.Load()
	require.ErrorIs(t, err, credentials.ErrNotFound)

	rec = do(t, s.Handler(), http.MethodPost, "/admin/credentials", body, "X-Admin-Key", "secret")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	tok, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "attacker", tok.AccessToken)
}

func TestRunReportsBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	s := newServer(genericRouting(t, "http://127.0.0.1:1/v1"), func(o *Options) { o.Addr = ln.Addr().String() })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = s.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen on")
}

func TestServeShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := newServer(genericRouting(t, "http://127.0.0.1:1/v1"))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatalf("server did not shut down")
	}
}
