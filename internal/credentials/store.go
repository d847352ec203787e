package credentials

import (
	"errors"
	"time"
)

// ErrNotFound is returned by Load when no token has been stored yet.
var ErrNotFound = errors.New("no stored credentials")

// Token is the single OAuth token set the bridge keeps for the Codex backend.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	AccountID    string
}

// ValidFor reports whether the access token is still usable for at least window.
func (t *Token) ValidFor(now time.Time, window time.Duration) bool {
	if t == nil || t.AccessToken == "" {
		return false
	}
	if t.ExpiresAt.IsZero() {
		return true
	}
	return now.Add(window).Before(t.ExpiresAt)
}

// Store persists one token set. Implementations carry no refresh logic.
type Store interface {
	Load() (*Token, error)
	Save(tok Token) error
	Clear() error
}

// Watchable stores can signal external changes to the persisted token.
type Watchable interface {
	Watch(done <-chan struct{}) (<-chan struct{}, error)
}

// record is the persisted JSON shape shared by the file and KV stores.
type record struct {
	Access    string `json:"access"`
	Refresh   string `json:"refresh"`
	Expires   int64  `json:"expires"`
	AccountID string `json:"account_id,omitempty"`
}

func toRecord(tok Token) record {
	r := record{
		Access:    tok.AccessToken,
		Refresh:   tok.RefreshToken,
		AccountID: tok.AccountID,
	}
	if !tok.ExpiresAt.IsZero() {
		r.Expires = tok.ExpiresAt.UnixMilli()
	}
	return r
}

func (r record) token() *Token {
	tok := &Token{
		AccessToken:  r.Access,
		RefreshToken: r.Refresh,
		AccountID:    r.AccountID,
	}
	if r.Expires > 0 {
		tok.ExpiresAt = time.UnixMilli(r.Expires)
	}
	return tok
}
