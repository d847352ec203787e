package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dvcrn/claude-openai-bridge/internal/credentials"
)

const (
	// OAuthTokenURL is the endpoint for exchanging and refreshing OAuth tokens
	OAuthTokenURL = "https://auth.openai.com/oauth/token"
	// OAuthAuthorizeURL is where the browser is sent to sign in
	OAuthAuthorizeURL = "https://auth.openai.com/oauth/authorize"
	// ClientID is the OAuth client ID for ChatGPT/Codex
	ClientID = "app_EMoamEEZ73f0CkXaXp7hrann"
	Scope    = "openid profile email offline_access"

	CallbackPath = "/auth/callback"

	jwtAuthClaim = "https://api.openai.com/auth"
)

// TokenClient talks to the OAuth token endpoint. Both grants are form-encoded.
type TokenClient struct {
	HTTPClient *http.Client
	TokenURL   string
	ClientID   string
	Now        func() time.Time
}

func NewTokenClient() *TokenClient {
	return &TokenClient{
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		TokenURL:   OAuthTokenURL,
		ClientID:   ClientID,
		Now:        time.Now,
	}
}

// Exchange trades an authorization code for a token set.
func (t *TokenClient) Exchange(ctx context.Context, code, verifier, redirectURI string) (*credentials.Token, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", t.ClientID)
	form.Set("code", code)
	form.Set("code_verifier", verifier)
	form.Set("redirect_uri", redirectURI)

	resp, err := t.post(ctx, form)
	if err != nil {
		return nil, fmt.Errorf("code exchange: %w", err)
	}
	if resp.RefreshToken == "" {
		return nil, fmt.Errorf("code exchange: response missing refresh_token")
	}
	return t.toToken(resp, nil), nil
}

// Refresh performs a refresh grant. Fields the server omits are carried over from prev.
func (t *TokenClient) Refresh(ctx context.Context, prev *credentials.Token) (*credentials.Token, error) {
	if prev == nil || prev.RefreshToken == "" {
		return nil, ErrNoRefreshToken
	}
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", prev.RefreshToken)
	form.Set("client_id", t.ClientID)

	resp, err := t.post(ctx, form)
	if err != nil {
		return nil, fmt.Errorf("token refresh: %w", err)
	}
	return t.toToken(resp, prev), nil
}

func (t *TokenClient) post(ctx context.Context, form url.Values) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := t.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, &TokenError{Status: resp.StatusCode, Body: string(body)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("response missing access_token")
	}
	if tr.ExpiresIn <= 0 {
		return nil, fmt.Errorf("response missing expires_in")
	}
	return &tr, nil
}

func (t *TokenClient) toToken(tr *tokenResponse, prev *credentials.Token) *credentials.Token {
	now := time.Now
	if t.Now != nil {
		now = t.Now
	}
	tok := &credentials.Token{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    CalculateExpiresAt(now(), tr.ExpiresIn),
		AccountID:    AccountIDFromJWT(tr.IDToken),
	}
	if tok.AccountID == "" {
		tok.AccountID = AccountIDFromJWT(tr.AccessToken)
	}
	if prev != nil {
		if tok.RefreshToken == "" {
			tok.RefreshToken = prev.RefreshToken
		}
		if tok.AccountID == "" {
			tok.AccountID = prev.AccountID
		}
	}
	return tok
}

// TokenError is a non-200 answer from the token endpoint.
type TokenError struct {
	Status int
	Body   string
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("token endpoint returned status %d: %s", e.Status, e.Body)
}

// CalculateExpiresAt turns an expires_in (seconds) into an instant.
func CalculateExpiresAt(now time.Time, expiresIn int) time.Time {
	return now.Add(time.Duration(expiresIn) * time.Second)
}

// GeneratePKCE returns a base64url verifier over 32 random bytes and its S256 challenge.
func GeneratePKCE() (verifier, challenge string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate pkce verifier: %w", err)
	}
	verifier = base64.RawURLEncoding.EncodeToString(buf)
	sum := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(sum[:])
	return verifier, challenge, nil
}

// RandomHex returns n random bytes hex-encoded.
func RandomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate random state: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// BuildAuthorizeURL renders the browser sign-in URL.
func BuildAuthorizeURL(authorizeURL, redirectURI, challenge, state string) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", ClientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("scope", Scope)
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")
	q.Set("state", state)
	q.Set("id_token_add_organizations", "true")
	q.Set("codex_cli_simplified_flow", "true")
	q.Set("originator", "codex_cli_rs")
	return authorizeURL + "?" + q.Encode()
}

// AccountIDFromJWT reads the ChatGPT account id claim without verifying the token.
func AccountIDFromJWT(token string) string {
	raw, ok := jwtClaims(token)[jwtAuthClaim]
	if !ok {
		return ""
	}
	var authClaim struct {
		ChatGPTAccountID string `json:"chatgpt_account_id"`
	}
	if err := json.Unmarshal(raw, &authClaim); err != nil {
		return ""
	}
	return authClaim.ChatGPTAccountID
}

// ExpiryFromJWT returns the exp claim, or the zero time when there is none.
func ExpiryFromJWT(token string) time.Time {
	raw, ok := jwtClaims(token)["exp"]
	if !ok {
		return time.Time{}
	}
	var exp float64
	if err := json.Unmarshal(raw, &exp); err != nil || exp <= 0 {
		return time.Time{}
	}
	return time.Unix(int64(exp), 0)
}

func jwtClaims(token string) map[string]json.RawMessage {
	parts := strings.Split(token, ".")
	if len(parts) < 2 {
		return nil
	}
	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		payload, err = base64.StdEncoding.DecodeString(parts[1])
		if err != nil {
			return nil
		}
	}
	var claims map[string]json.RawMessage
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil
	}
	return claims
}

// ParseAuthorizationInput accepts what a user pastes when the callback never
// arrives: the full redirect URL, "code#state", a "code=..&state=.." query or
// a bare code.
func ParseAuthorizationInput(input string) (code, state string) {
	value := strings.TrimSpace(input)
	if value == "" {
		return "", ""
	}
	if u, err := url.Parse(value); err == nil && u.Scheme != "" && u.Host != "" {
		q := u.Query()
		return q.Get("code"), q.Get("state")
	}
	if c, s, ok := strings.Cut(value, "#"); ok {
		return c, s
	}
	if strings.Contains(value, "code=") {
		q, err := url.ParseQuery(strings.TrimPrefix(value, "?"))
		if err == nil {
			return q.Get("code"), q.Get("state")
		}
	}
	return value, ""
}
