// Package apierr classifies failures on the request path and renders them in
// the Anthropic error envelope so the agent can display them.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind enumerates the failure classes the proxy distinguishes.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidRequest
	KindUpstreamUnreachable
	KindUpstreamUnsupported
	KindUpstreamAuthRejected
	KindUpstreamStatus
	KindTranslation
	KindOAuthTimeout
	KindOAuthDenied
	KindCacheFetch
)

func (k Kind) String() string {
	switch k {
	case KindInvalidRequest:
		return "invalid_request"
	case KindUpstreamUnreachable:
		return "upstream_unreachable"
	case KindUpstreamUnsupported:
		return "upstream_unsupported"
	case KindUpstreamAuthRejected:
		return "upstream_auth_rejected"
	case KindUpstreamStatus:
		return "upstream_status"
	case KindTranslation:
		return "translation_error"
	case KindOAuthTimeout:
		return "oauth_timeout"
	case KindOAuthDenied:
		return "oauth_denied"
	case KindCacheFetch:
		return "cache_fetch_error"
	default:
		return "internal"
	}
}

// Error carries a Kind, the HTTP status to answer with and the message shown
// to the agent. Err keeps the underlying cause for logs and errors.Is.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error with the default status for kind.
func New(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Status: defaultStatus(kind), Message: message, Err: err}
}

// WithStatus builds an Error carrying an explicit upstream status.
func WithStatus(kind Kind, status int, message string, err error) *Error {
	return &Error{Kind: kind, Status: status, Message: message, Err: err}
}

// As extracts an *Error from err, wrapping unknown errors as internal ones.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return New(KindInternal, "internal proxy error", err)
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

func defaultStatus(kind Kind) int {
	switch kind {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindUpstreamAuthRejected, KindOAuthTimeout, KindOAuthDenied:
		return http.StatusUnauthorized
	case KindUpstreamUnreachable, KindUpstreamUnsupported, KindTranslation, KindCacheFetch, KindUpstreamStatus:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// AnthropicType maps the error onto the agent protocol's error.type vocabulary.
func (e *Error) AnthropicType() string {
	switch e.Kind {
	case KindInvalidRequest:
		return "invalid_request_error"
	case KindUpstreamAuthRejected, KindOAuthTimeout, KindOAuthDenied:
		return "authentication_error"
	case KindUpstreamStatus:
		switch e.Status {
		case http.StatusTooManyRequests:
			return "rate_limit_error"
		case http.StatusServiceUnavailable, 529:
			return "overloaded_error"
		case http.StatusForbidden:
			return "permission_error"
		case http.StatusNotFound:
			return "not_found_error"
		case http.StatusBadRequest, http.StatusUnprocessableEntity:
			return "invalid_request_error"
		}
		return "api_error"
	default:
		return "api_error"
	}
}

// Body is the agent-protocol error envelope.
type Body struct {
	Type  string     `json:"type"`
	Error BodyDetail `json:"error"`
}

type BodyDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Envelope returns the JSON body for e.
func (e *Error) Envelope() Body {
	return Body{
		Type: "error",
		Error: BodyDetail{
			Type:    e.AnthropicType(),
			Message: e.Message,
		},
	}
}

// MarshalEnvelope is Envelope encoded as JSON.
func (e *Error) MarshalEnvelope() []byte {
	b, err := json.Marshal(e.Envelope())
	if err != nil {
		return []byte(`{"type":"error","error":{"type":"api_error","message":"internal proxy error"}}`)
	}
	return b
}
