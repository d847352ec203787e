package auth

import (
	"fmt"
	"time"
)

// tokenResponse is the token endpoint's answer for both grant types.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token,omitempty"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
}

// Status is the coordinator's flow state.
type Status int

const (
	StatusIdle Status = iota
	StatusAwaitingCallback
	StatusExchanging
	StatusComplete
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusAwaitingCallback:
		return "awaiting_callback"
	case StatusExchanging:
		return "exchanging"
	case StatusComplete:
		return "complete"
	case StatusFailed:
		return "failed"
	default:
		return "idle"
	}
}

// State is a snapshot of the single sign-in flow.
type State struct {
	Status       Status
	StartedAt    time.Time
	Nonce        string
	AuthorizeURL string
	Reason       string
}

func (s State) String() string {
	if s.Status == StatusFailed {
		return fmt.Sprintf("%s (%s)", s.Status, s.Reason)
	}
	return s.Status.String()
}
