package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindInvalidRequest, http.StatusBadRequest},
		{KindUpstreamAuthRejected, http.StatusUnauthorized},
		{KindOAuthTimeout, http.StatusUnauthorized},
		{KindOAuthDenied, http.StatusUnauthorized},
		{KindUpstreamUnreachable, http.StatusBadGateway},
		{KindUpstreamUnsupported, http.StatusBadGateway},
		{KindTranslation, http.StatusBadGateway},
		{KindCacheFetch, http.StatusBadGateway},
		{KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, New(tt.kind, "x", nil).Status)
		})
	}
}

func TestAnthropicType(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{"invalid", New(KindInvalidRequest, "bad", nil), "invalid_request_error"},
		{"auth", New(KindUpstreamAuthRejected, "no", nil), "authentication_error"},
		{"oauth timeout", New(KindOAuthTimeout, "slow", nil), "authentication_error"},
		{"rate limit", WithStatus(KindUpstreamStatus, 429, "slow down", nil), "rate_limit_error"},
		{"overloaded", WithStatus(KindUpstreamStatus, 529, "busy", nil), "overloaded_error"},
		{"unavailable", WithStatus(KindUpstreamStatus, 503, "busy", nil), "overloaded_error"},
		{"forbidden", WithStatus(KindUpstreamStatus, 403, "no", nil), "permission_error"},
		{"not found", WithStatus(KindUpstreamStatus, 404, "gone", nil), "not_found_error"},
		{"unprocessable", WithStatus(KindUpstreamStatus, 422, "bad", nil), "invalid_request_error"},
		{"upstream 500", WithStatus(KindUpstreamStatus, 500, "boom", nil), "api_error"},
		{"unreachable", New(KindUpstreamUnreachable, "down", nil), "api_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.AnthropicType())
		})
	}
}

func TestAsAndIsKind(t *testing.T) {
	cause := io.ErrUnexpectedEOF
	wrapped := fmt.Errorf("sending: %w", New(KindUpstreamUnreachable, "upstream unreachable", cause))

	e := As(wrapped)
	assert.Equal(t, KindUpstreamUnreachable, e.Kind)
	assert.True(t, IsKind(wrapped, KindUpstreamUnreachable))
	assert.False(t, IsKind(wrapped, KindTranslation))
	assert.True(t, errors.Is(wrapped, io.ErrUnexpectedEOF))

	plain := As(errors.New("boom"))
	assert.Equal(t, KindInternal, plain.Kind)
	assert.Equal(t, http.StatusInternalServerError, plain.Status)
	assert.False(t, IsKind(errors.New("boom"), KindInternal))
}

func TestErrorString(t *testing.T) {
	assert.Equal(t, "invalid_request: messages required", New(KindInvalidRequest, "messages required", nil).Error())
	assert.Equal(t, "upstream_unreachable: down: unexpected EOF", New(KindUpstreamUnreachable, "down", io.ErrUnexpectedEOF).Error())
}

func TestMarshalEnvelope(t *testing.T) {
	raw := WithStatus(KindUpstreamStatus, 429, "quota exceeded", nil).MarshalEnvelope()

	var body Body
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, "error", body.Type)
	assert.Equal(t, "rate_limit_error", body.Error.Type)
	assert.Equal(t, "quota exceeded", body.Error.Message)
}
