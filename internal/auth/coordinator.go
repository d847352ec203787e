package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/dvcrn/claude-openai-bridge/internal/credentials"
	"github.com/dvcrn/claude-openai-bridge/internal/logger"
)

var (
	ErrTimeout        = errors.New("oauth sign-in timed out")
	ErrDenied         = errors.New("oauth sign-in denied")
	ErrNotSignedIn    = errors.New("not signed in")
	ErrNoRefreshToken = errors.New("no refresh token")
	ErrNoActiveFlow   = errors.New("no sign-in in progress")
	ErrStateMismatch  = errors.New("oauth state mismatch")
	ErrCancelled      = errors.New("oauth sign-in cancelled")

	// ErrCredentialsChanged is returned by a refresh overtaken by Clear or SetToken.
	ErrCredentialsChanged = errors.New("credentials changed during refresh")
)

const (
	DefaultExpiryWindow    = 60 * time.Second
	DefaultFlowTimeout     = 5 * time.Minute
	DefaultRefreshInterval = 10 * time.Minute
	DefaultRefreshAhead    = 15 * time.Minute
)

// Options configures a Coordinator. Zero values get defaults.
type Options struct {
	Store  credentials.Store
	Client *TokenClient
	Logger zerolog.Logger

	AuthorizeURL string
	CallbackHost string
	CallbackPort int

	ExpiryWindow    time.Duration
	FlowTimeout     time.Duration
	RefreshInterval time.Duration
	RefreshAhead    time.Duration

	// Interactive allows AccessToken to start a browser flow. Without it a
	// missing or unrefreshable token is ErrNotSignedIn.
	Interactive bool
	Opener      func(url string) error
	Now         func() time.Time
}

// flow is one browser sign-in attempt. done is closed when it settles.
type flow struct {
	done    chan struct{}
	results chan callbackResult
	cancel  context.CancelFunc
	nonce   string
	token   *credentials.Token
	err     error
}

// Coordinator owns the token lifecycle: it serves valid access tokens,
// refreshes them silently and runs at most one browser sign-in at a time.
type Coordinator struct {
	opts Options
	log  zerolog.Logger

	mu     sync.Mutex
	token  *credentials.Token
	loaded bool
	state  State
	flow   *flow
	// gen is bumped whenever credentials are replaced or cleared from outside
	// a refresh.
	gen uint64

	refreshGroup singleflight.Group
}

func NewCoordinator(opts Options) *Coordinator {
	if opts.Client == nil {
		opts.Client = NewTokenClient()
	}
	if opts.AuthorizeURL == "" {
		opts.AuthorizeURL = OAuthAuthorizeURL
	}
	if opts.CallbackHost == "" {
		opts.CallbackHost = "127.0.0.1"
	}
	if opts.ExpiryWindow <= 0 {
		opts.ExpiryWindow = DefaultExpiryWindow
	}
	if opts.FlowTimeout <= 0 {
		opts.FlowTimeout = DefaultFlowTimeout
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}
	if opts.RefreshAhead <= 0 {
		opts.RefreshAhead = DefaultRefreshAhead
	}
	if opts.Opener == nil {
		opts.Opener = OpenBrowser
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{
		opts: opts,
		log:  opts.Logger.With().Str("component", "oauth").Logger(),
	}
}

// State returns a snapshot of the sign-in flow.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Token returns the current token without refreshing it. nil when signed out.
func (c *Coordinator) Token() *credentials.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	tok, _ := c.currentLocked()
	return tok
}

// currentLocked lazily loads the token from the store. Caller holds c.mu.
func (c *Coordinator) currentLocked() (*credentials.Token, error) {
	if c.loaded {
		return c.token, nil
	}
	tok, err := c.opts.Store.Load()
	if err != nil {
		if errors.Is(err, credentials.ErrNotFound) {
			c.token, c.loaded = nil, true
			return nil, nil
		}
		return nil, err
	}
	c.token, c.loaded = tok, true
	return tok, nil
}

// AccessToken returns a token valid for at least the expiry window. Expired
// tokens are refreshed first; a browser flow runs only when refresh is
// impossible. Cancelling ctx abandons the wait, never the flow.
func (c *Coordinator) AccessToken(ctx context.Context) (*credentials.Token, error) {
	c.mu.Lock()
	tok, err := c.currentLocked()
	c.mu.Unlock()
	if err != nil {
		c.log.Warn().Err(err).Msg("Failed to load stored credentials")
	}

	if tok.ValidFor(c.opts.Now(), c.opts.ExpiryWindow) {
		return tok, nil
	}

	if tok != nil && tok.RefreshToken != "" {
		refreshed, err := c.refresh(ctx, func(tok *credentials.Token) bool {
			return !tok.ValidFor(c.opts.Now(), c.opts.ExpiryWindow)
		})
		if err == nil {
			return refreshed, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.log.Warn().Err(err).Msg("❌ Silent refresh failed")
	}

	if !c.opts.Interactive {
		return nil, ErrNotSignedIn
	}
	return c.Login(ctx)
}

// Login starts a browser flow, or joins the one already running, and waits for it.
func (c *Coordinator) Login(ctx context.Context) (*credentials.Token, error) {
	f := c.startOrJoin()
	select {
	case <-f.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}

	c.mu.Lock()
	if c.state.Status == StatusComplete {
		c.state = State{Status: StatusIdle}
	}
	c.mu.Unlock()
	return f.token, nil
}

func (c *Coordinator) startOrJoin() *flow {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.flow != nil {
		return c.flow
	}

	f := &flow{
		done:    make(chan struct{}),
		results: make(chan callbackResult, 1),
	}
	nonce, err := RandomHex(16)
	if err != nil {
		f.err = err
		close(f.done)
		c.state = State{Status: StatusFailed, Reason: err.Error()}
		return f
	}
	f.nonce = nonce
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.FlowTimeout)
	f.cancel = cancel

	c.flow = f
	c.state = State{
		Status:    StatusAwaitingCallback,
		StartedAt: c.opts.Now(),
		Nonce:     nonce,
	}
	go c.run(ctx, f)
	return f
}

func (c *Coordinator) run(ctx context.Context, f *flow) {
	defer f.cancel()

	verifier, challenge, err := GeneratePKCE()
	if err != nil {
		c.finish(f, nil, err)
		return
	}

	srv, err := startCallbackServer(c.opts.CallbackHost, c.opts.CallbackPort, f.nonce, f.results)
	if err != nil {
		c.finish(f, nil, err)
		return
	}
	authorizeURL := BuildAuthorizeURL(c.opts.AuthorizeURL, srv.redirectURI, challenge, f.nonce)

	c.mu.Lock()
	if c.flow == f {
		c.state.AuthorizeURL = authorizeURL
	}
	c.mu.Unlock()

	c.log.Info().Str("url", authorizeURL).Msg("🔐 OpenAI sign-in required, opening browser (visit the URL if it does not open)")
	if err := c.opts.Opener(authorizeURL); err != nil {
		c.log.Warn().Err(err).Msg("Failed to open browser")
	}

	var res callbackResult
	select {
	case res = <-f.results:
	case <-ctx.Done():
		res.err = ErrTimeout
		if errors.Is(ctx.Err(), context.Canceled) {
			res.err = ErrCancelled
		}
	}
	srv.Close()

	if res.err != nil {
		c.finish(f, nil, res.err)
		return
	}

	c.mu.Lock()
	if c.flow == f {
		c.state.Status = StatusExchanging
	}
	c.mu.Unlock()

	exchangeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	tok, err := c.opts.Client.Exchange(exchangeCtx, res.code, verifier, srv.redirectURI)
	if err != nil {
		c.finish(f, nil, err)
		return
	}
	if err := c.opts.Store.Save(*tok); err != nil {
		c.log.Error().Err(err).Msg("❌ Failed to persist tokens")
	}
	c.finish(f, tok, nil)
}

// finish settles f. A flow cancelled by Clear leaves the coordinator Idle.
func (c *Coordinator) finish(f *flow, tok *credentials.Token, err error) {
	c.mu.Lock()
	if c.flow == f {
		c.flow = nil
		if err != nil {
			c.state = State{Status: StatusFailed, StartedAt: c.state.StartedAt, Reason: err.Error()}
		} else {
			c.gen++
			c.token, c.loaded = tok, true
			c.state = State{Status: StatusComplete, StartedAt: c.state.StartedAt}
		}
	}
	f.token, f.err = tok, err
	c.mu.Unlock()
	close(f.done)

	if err != nil {
		c.log.Error().Err(err).Msg("❌ OpenAI sign-in failed")
		return
	}
	c.log.Info().
		Str("account_id", tok.AccountID).
		Time("expires_at", tok.ExpiresAt).
		Msg("✅ OpenAI sign-in complete")
}

// SubmitManualCode completes the running flow from pasted input.
func (c *Coordinator) SubmitManualCode(input string) error {
	code, state := ParseAuthorizationInput(input)
	if code == "" {
		return fmt.Errorf("no authorization code found in input")
	}

	c.mu.Lock()
	f := c.flow
	c.mu.Unlock()
	if f == nil {
		return ErrNoActiveFlow
	}
	if state != "" && state != f.nonce {
		return ErrStateMismatch
	}
	select {
	case f.results <- callbackResult{code: code}:
		return nil
	default:
		return fmt.Errorf("sign-in already received a callback")
	}
}

// refresh runs one refresh at a time under a single flight key, so a silent
// refresh, a forced one and the background loop never spend the same refresh
// token twice. needs decides, inside the flight, whether the current token
// still has to be replaced; joiners share the leader's result. The refresh
// itself is detached from ctx. A result that lands after Clear or SetToken is
// discarded.
func (c *Coordinator) refresh(ctx context.Context, needs func(tok *credentials.Token) bool) (*credentials.Token, error) {
	ch := c.refreshGroup.DoChan("refresh", func() (interface{}, error) {
		c.mu.Lock()
		tok, err := c.currentLocked()
		gen := c.gen
		c.mu.Unlock()
		if err != nil {
			return nil, err
		}
		if tok != nil && !needs(tok) {
			return tok, nil
		}
		if tok == nil || tok.RefreshToken == "" {
			return nil, ErrNoRefreshToken
		}

		c.log.Info().
			Time("expires_at", tok.ExpiresAt).
			Msg("🔄 OAuth token expired or expiring soon, refreshing...")

		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		fresh, err := c.opts.Client.Refresh(refreshCtx, tok)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.gen != gen {
			c.log.Warn().Msg("Credentials changed during refresh, discarding refreshed token")
			return nil, ErrCredentialsChanged
		}
		if err := c.opts.Store.Save(*fresh); err != nil {
			c.log.Error().Err(err).Msg("❌ Failed to update tokens in storage")
		}
		c.token, c.loaded = fresh, true

		c.log.Info().
			Str("token", logger.Redact(fresh.AccessToken)).
			Time("expires_at", fresh.ExpiresAt).
			Msg("✅ OAuth token refreshed successfully")
		return fresh, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*credentials.Token), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ForceRefresh replaces the access token the upstream rejected. When another
// refresh already replaced it, that token is returned without a new refresh.
// An empty rejected forces a refresh of whatever token is current.
func (c *Coordinator) ForceRefresh(ctx context.Context, rejected string) (*credentials.Token, error) {
	needs := func(tok *credentials.Token) bool {
		return rejected == "" || tok.AccessToken == rejected
	}
	// a joined flight may have been a silent one that kept the rejected token
	for range 2 {
		tok, err := c.refresh(ctx, needs)
		if err != nil {
			return nil, err
		}
		if rejected == "" || tok.AccessToken != rejected {
			return tok, nil
		}
	}
	return nil, fmt.Errorf("refresh kept the rejected access token")
}

// Clear wipes stored credentials, abandons any running flow and returns to Idle.
func (c *Coordinator) Clear() error {
	c.mu.Lock()
	f := c.flow
	c.flow = nil
	c.gen++
	c.token, c.loaded = nil, true
	c.state = State{Status: StatusIdle}
	c.mu.Unlock()

	if f != nil {
		f.cancel()
	}
	if err := c.opts.Store.Clear(); err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}
	c.log.Info().Msg("🗑️ Credentials cleared")
	return nil
}

// SetToken stores a token obtained elsewhere (an import or the admin API)
// and makes it current.
func (c *Coordinator) SetToken(tok credentials.Token) error {
	if tok.AccessToken == "" {
		return fmt.Errorf("access token is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.opts.Store.Save(tok); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	c.gen++
	c.token, c.loaded = &tok, true
	if c.flow == nil {
		c.state = State{Status: StatusIdle}
	}
	c.log.Info().Str("account_id", tok.AccountID).Time("expires_at", tok.ExpiresAt).Msg("✅ Credentials updated")
	return nil
}

// Invalidate drops the in-memory token so the next use reloads the store.
func (c *Coordinator) Invalidate() {
	c.mu.Lock()
	c.token, c.loaded = nil, false
	c.mu.Unlock()
}
