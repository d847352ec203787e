package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/dvcrn/claude-openai-bridge/internal/apierr"
	"github.com/dvcrn/claude-openai-bridge/internal/auth"
	"github.com/dvcrn/claude-openai-bridge/internal/config"
	"github.com/dvcrn/claude-openai-bridge/internal/credentials"
	"github.com/dvcrn/claude-openai-bridge/internal/translate"
)

type fakeTokens struct {
	mu        sync.Mutex
	token     string
	refreshed int
	err       error
}

func (f *fakeTokens) AccessToken(ctx context.Context) (*credentials.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &credentials.Token{AccessToken: f.token, AccountID: "acct_1"}, nil
}

func (f *fakeTokens) ForceRefresh(ctx context.Context, rejected string) (*credentials.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed++
	f.token = "fresh-token"
	return &credentials.Token{AccessToken: f.token, AccountID: "acct_1"}, nil
}

type fakeInstructions struct {
	text string
	err  error
}

func (f fakeInstructions) ForModel(ctx context.Context, model string) (string, error) {
	return f.text, f.err
}

func TestSendGeneric(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Options{
		Routing: config.Routing{BaseURL: srv.URL + "/v1", APIKey: "Bearer sk-test"},
		Logger:  zerolog.Nop(),
	})
	resp, err := c.Send(context.Background(), translate.ShapeChatCompletions, []byte(`{"model":"m","stream":true}`))
	require.NoError(t, err)
	resp.Body.Close()

	require.NotNil(t, got)
	assert.Equal(t, "/v1/chat/completions", got.URL.Path)
	assert.Equal(t, "Bearer sk-test", got.Header.Get("Authorization"))
	assert.Equal(t, "text/event-stream", got.Header.Get("Accept"))
}

func TestSendGenericWithoutKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Errorf("unexpected authorization header %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("Accept") != "application/json" {
			t.Errorf("accept = %q", r.Header.Get("Accept"))
		}
	}))
	defer srv.Close()

	c := New(Options{Routing: config.Routing{BaseURL: srv.URL}, Logger: zerolog.Nop()})
	resp, err := c.Send(context.Background(), translate.ShapeCompletions, []byte(`{"model":"m"}`))
	require.NoError(t, err)
	resp.Body.Close()
}

func TestSendUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	c := New(Options{Routing: config.Routing{BaseURL: base}, Logger: zerolog.Nop()})
	_, err := c.Send(context.Background(), translate.ShapeResponses, []byte(`{}`))
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindUpstreamUnreachable))
}

func codexRouting(base string) config.Routing {
	return config.Routing{BaseURL: base, EndpointPath: "/responses", Backend: config.BackendCodex, Models: config.ModelsConfig{Primary: "gpt-5"}}
}

func TestSendCodexHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/codex/responses", r.URL.Path)
		got = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Options{
		Routing: codexRouting(srv.URL + "/codex"),
		Tokens:  &fakeTokens{token: "tok-1"},
		Logger:  zerolog.Nop(),
	})
	resp, err := c.Send(context.Background(), translate.ShapeResponses, []byte(`{"model":"gpt-5"}`))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "Bearer tok-1", got.Get("Authorization"))
	assert.Equal(t, codexVersion, got.Get("Version"))
	assert.Equal(t, codexBetaHeader, got.Get("Openai-Beta"))
	assert.Equal(t, "acct_1", got.Get("Chatgpt-Account-Id"))
	assert.Equal(t, codexOriginator, got.Get("Originator"))
	assert.Equal(t, "text/event-stream", got.Get("Accept"))
	assert.Len(t, got.Get("Session_id"), 36)
}

func TestSendCodexRetriesOnceAfter401(t *testing.T) {
	var (
		mu    sync.Mutex
		auths []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		auths = append(auths, r.Header.Get("Authorization"))
		mu.Unlock()
		if r.Header.Get("Authorization") == "Bearer stale" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tokens := &fakeTokens{token: "stale"}
	c := New(Options{Routing: codexRouting(srv.URL), Tokens: tokens, Logger: zerolog.Nop()})
	resp, err := c.Send(context.Background(), translate.ShapeResponses, []byte(`{"model":"gpt-5"}`))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, tokens.refreshed)
	assert.Equal(t, []string{"Bearer stale", "Bearer fresh-token"}, auths)
}

func TestSendCodexTokenErrors(t *testing.T) {
	tests := []struct {
		err  error
		kind apierr.Kind
	}{
		{auth.ErrTimeout, apierr.KindOAuthTimeout},
		{auth.ErrDenied, apierr.KindOAuthDenied},
		{auth.ErrNotSignedIn, apierr.KindUpstreamAuthRejected},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			c := New(Options{Routing: codexRouting("http://127.0.0.1:1"), Tokens: &fakeTokens{err: tt.err}, Logger: zerolog.Nop()})
			_, err := c.Send(context.Background(), translate.ShapeResponses, []byte(`{}`))
			require.Error(t, err)
			assert.True(t, apierr.IsKind(err, tt.kind), "got %v", err)
			assert.True(t, errors.Is(err, tt.err))
			assert.Equal(t, http.StatusUnauthorized, apierr.As(err).Status)
		})
	}
}

func TestErrorFromResponse(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		kind     apierr.Kind
		errType  string
		contains string
	}{
		{"rate limited", 429, `{"error":{"message":"slow down"}}`, apierr.KindUpstreamStatus, "rate_limit_error", "slow down"},
		{"overloaded", 503, `upstream busy`, apierr.KindUpstreamStatus, "overloaded_error", "upstream busy"},
		{"unauthorized", 401, `{"detail":"bad token"}`, apierr.KindUpstreamAuthRejected, "authentication_error", "bad token"},
		{"empty body", 500, ``, apierr.KindUpstreamStatus, "api_error", "Internal Server Error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &http.Response{StatusCode: tt.status, Body: io.NopCloser(strings.NewReader(tt.body))}
			e := ErrorFromResponse(resp)
			assert.Equal(t, tt.kind, e.Kind)
			assert.Equal(t, tt.status, e.Status)
			assert.Equal(t, tt.errType, e.AnthropicType())
			assert.Contains(t, e.Message, tt.contains)
		})
	}
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models", r.URL.Path)
		io.WriteString(w, `{"object":"list","data":[{"id":"zeta"},{"id":"alpha"}]}`)
	}))
	defer srv.Close()

	c := New(Options{Routing: config.Routing{BaseURL: srv.URL + "/v1"}, Logger: zerolog.Nop()})
	ids, err := c.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "zeta"}, ids)

	codex := New(Options{Routing: codexRouting("http://unused"), Logger: zerolog.Nop()})
	ids, err = codex.ListModels(context.Background())
	require.NoError(t, err)
	assert.Contains(t, ids, translate.CodexGPT5Codex)
}

func TestToWebSocketURL(t *testing.T) {
	tests := map[string]string{
		"https://chatgpt.com/backend-api/codex/responses": "wss://chatgpt.com/backend-api/codex/responses",
		"http://127.0.0.1:9/responses":                    "ws://127.0.0.1:9/responses",
	}
	for in, want := range tests {
		got, err := toWebSocketURL(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := toWebSocketURL("ftp://example.com")
	assert.Error(t, err)
}

func TestSendCodexOverWebSocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Openai-Beta") != websocketResponsesBetaHeader {
			t.Errorf("openai-beta = %q", r.Header.Get("Openai-Beta"))
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Errorf("read: %v", err)
			return
		}
		if gjson.GetBytes(msg, "type").String() != "response.create" {
			t.Errorf("payload type = %q", gjson.GetBytes(msg, "type").String())
		}
		for _, ev := range []string{
			`{"type":"response.output_text.delta","delta":"hi"}`,
			`{"type":"response.completed","response":{"status":"completed"}}`,
		} {
			conn.WriteMessage(websocket.TextMessage, []byte(ev))
		}
		// stay open until the client hangs up
		conn.ReadMessage()
	}))
	defer srv.Close()

	c := New(Options{
		Routing:   codexRouting(srv.URL),
		Tokens:    &fakeTokens{token: "tok"},
		Transport: config.TransportWebsocket,
		Logger:    zerolog.Nop(),
	})
	resp, err := c.Send(context.Background(), translate.ShapeResponses, []byte(`{"model":"gpt-5","stream":true}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream; charset=utf-8", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	want := "data: {\"type\":\"response.output_text.delta\",\"delta\":\"hi\"}\n\n" +
		"data: {\"type\":\"response.completed\",\"response\":{\"status\":\"completed\"}}\n\n" +
		"data: [DONE]\n\n"
	assert.Equal(t, want, string(body))
}
