package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvcrn/claude-openai-bridge/internal/credentials"
)

func fakeJWT(t *testing.T, accountID string) string {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"sub": "user",
		jwtAuthClaim: map[string]any{
			"chatgpt_account_id": accountID,
		},
	})
	require.NoError(t, err)
	return "eyJhbGciOiJub25lIn0." + base64.RawURLEncoding.EncodeToString(payload) + ".sig"
}

func TestParseAuthorizationInput(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantCode  string
		wantState string
	}{
		{"empty", "   ", "", ""},
		{"redirect url", "http://localhost:1455/auth/callback?code=abc&state=xyz", "abc", "xyz"},
		{"code hash state", "abc#xyz", "abc", "xyz"},
		{"query string", "code=abc&state=xyz", "abc", "xyz"},
		{"leading question mark", "?code=abc&state=xyz", "abc", "xyz"},
		{"bare code", "  abc  ", "abc", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, state := ParseAuthorizationInput(tt.input)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantState, state)
		})
	}
}

func TestAccountIDFromJWT(t *testing.T) {
	assert.Equal(t, "acct-123", AccountIDFromJWT(fakeJWT(t, "acct-123")))
	assert.Equal(t, "", AccountIDFromJWT("not-a-jwt"))
	assert.Equal(t, "", AccountIDFromJWT("a.!!!.c"))

	noClaim := "x." + base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"u"}`)) + ".y"
	assert.Equal(t, "", AccountIDFromJWT(noClaim))
}

func TestExpiryFromJWT(t *testing.T) {
	withExp := "x." + base64.RawURLEncoding.EncodeToString([]byte(`{"exp":1767225600}`)) + ".y"
	assert.Equal(t, time.Unix(1767225600, 0), ExpiryFromJWT(withExp))
	assert.True(t, ExpiryFromJWT(fakeJWT(t, "acct-123")).IsZero())
	assert.True(t, ExpiryFromJWT("not-a-jwt").IsZero())
}

func TestGeneratePKCE(t *testing.T) {
	verifier, challenge, err := GeneratePKCE()
	require.NoError(t, err)
	assert.Len(t, verifier, 43)

	sum := sha256.Sum256([]byte(verifier))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(sum[:]), challenge)

	other, _, err := GeneratePKCE()
	require.NoError(t, err)
	assert.NotEqual(t, verifier, other)
}

func TestBuildAuthorizeURL(t *testing.T) {
	raw := BuildAuthorizeURL(OAuthAuthorizeURL, "http://localhost:1455/auth/callback", "chal", "nonce")
	u, err := url.Parse(raw)
	require.NoError(t, err)

	q := u.Query()
	assert.Equal(t, "auth.openai.com", u.Host)
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, ClientID, q.Get("client_id"))
	assert.Equal(t, "http://localhost:1455/auth/callback", q.Get("redirect_uri"))
	assert.Equal(t, Scope, q.Get("scope"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Equal(t, "chal", q.Get("code_challenge"))
	assert.Equal(t, "nonce", q.Get("state"))
	assert.Equal(t, "true", q.Get("id_token_add_organizations"))
	assert.Equal(t, "true", q.Get("codex_cli_simplified_flow"))
	assert.Equal(t, "codex_cli_rs", q.Get("originator"))
}

func TestTokenClient(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var lastForm url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		assert.NoError(t, r.ParseForm())
		lastForm = r.PostForm
		switch r.PostForm.Get("grant_type") {
		case "authorization_code":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_token":  "acc-1",
				"refresh_token": "ref-1",
				"id_token":      fakeJWT(t, "acct-from-id"),
				"expires_in":    3600,
			})
		case "refresh_token":
			if r.PostForm.Get("refresh_token") == "revoked" {
				http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_token": "acc-2",
				"expires_in":   60,
			})
		}
	}))
	defer srv.Close()

	client := NewTokenClient()
	client.TokenURL = srv.URL
	client.Now = func() time.Time { return now }

	tok, err := client.Exchange(context.Background(), "the-code", "the-verifier", "http://localhost:1455/auth/callback")
	require.NoError(t, err)
	assert.Equal(t, "acc-1", tok.AccessToken)
	assert.Equal(t, "ref-1", tok.RefreshToken)
	assert.Equal(t, "acct-from-id", tok.AccountID)
	assert.True(t, tok.ExpiresAt.Equal(now.Add(time.Hour)))
	assert.Equal(t, "the-code", lastForm.Get("code"))
	assert.Equal(t, "the-verifier", lastForm.Get("code_verifier"))
	assert.Equal(t, ClientID, lastForm.Get("client_id"))

	refreshed, err := client.Refresh(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, "acc-2", refreshed.AccessToken)
	assert.Equal(t, "ref-1", refreshed.RefreshToken, "refresh token carried over")
	assert.Equal(t, "acct-from-id", refreshed.AccountID, "account id carried over")

	_, err = client.Refresh(context.Background(), &credentials.Token{RefreshToken: "revoked"})
	var tokenErr *TokenError
	require.ErrorAs(t, err, &tokenErr)
	assert.Equal(t, http.StatusBadRequest, tokenErr.Status)

	_, err = client.Refresh(context.Background(), &credentials.Token{})
	assert.ErrorIs(t, err, ErrNoRefreshToken)
}
