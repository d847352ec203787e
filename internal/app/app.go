// Package app assembles the bridge from a resolved configuration. The CLI
// and the Workers entry point share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dvcrn/claude-openai-bridge/internal/auth"
	"github.com/dvcrn/claude-openai-bridge/internal/config"
	"github.com/dvcrn/claude-openai-bridge/internal/credentials"
	"github.com/dvcrn/claude-openai-bridge/internal/instructions"
	"github.com/dvcrn/claude-openai-bridge/internal/probe"
	"github.com/dvcrn/claude-openai-bridge/internal/server"
	"github.com/dvcrn/claude-openai-bridge/internal/tracing"
	"github.com/dvcrn/claude-openai-bridge/internal/upstream"
)

type Options struct {
	// Store overrides the configured credential store.
	Store credentials.Store
	// Interactive lets a request start the browser sign-in.
	Interactive bool
	// MemoryCache keeps Codex instructions in memory only.
	MemoryCache bool
}

// Bridge is every long-lived component of one proxy session.
type Bridge struct {
	Config  config.Config
	Routing config.Routing
	Logger  zerolog.Logger

	Tracing      *tracing.Provider
	Prober       *probe.Prober
	Upstream     *upstream.Client
	Server       *server.Server
	Auth         *auth.Coordinator   // nil for the generic backend
	Instructions *instructions.Cache // nil for the generic backend
}

func New(cfg config.Config, log zerolog.Logger, opts Options) (*Bridge, error) {
	routing, err := cfg.Routing()
	if err != nil {
		return nil, err
	}
	tp, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}

	b := &Bridge{
		Config:  cfg,
		Routing: routing,
		Logger:  log,
		Tracing: tp,
		Prober: probe.New(probe.Options{
			Classifier: probe.NewClassifier(cfg.Classifier),
			Logger:     log,
			Tracer:     tp.Tracer(),
		}),
	}

	upOpts := upstream.Options{
		Routing:   routing,
		Timeout:   cfg.Timeout(),
		Transport: cfg.Codex.Transport,
		Logger:    log,
		Tracer:    tp.Tracer(),
	}
	if routing.Backend == config.BackendCodex {
		store := opts.Store
		if store == nil {
			store = NewStore(cfg)
		}
		b.Auth = NewCoordinator(cfg, store, log, opts.Interactive)
		b.Instructions = NewInstructions(cfg, log, opts.MemoryCache)
		upOpts.Tokens = b.Auth
		upOpts.Instructions = b.Instructions
	}
	b.Upstream = upstream.New(upOpts)

	b.Server = server.New(server.Options{
		Addr:         cfg.ListenAddr(),
		Upstream:     b.Upstream,
		Prober:       b.Prober,
		Auth:         b.Auth,
		Instructions: b.Instructions,
		AdminAPIKey:  cfg.AdminAPIKey,
		Logger:       log,
		Tracer:       tp.Tracer(),
	})
	return b, nil
}

// NewStore returns the configured credential store.
func NewStore(cfg config.Config) credentials.Store {
	if cfg.Codex.CredentialStore == config.StoreKeychain {
		return credentials.NewKeychainStore()
	}
	path := cfg.Codex.TokenPath
	if path == "" {
		path = credentials.DefaultTokenPath()
	}
	return credentials.NewFileStore(path)
}

func NewCoordinator(cfg config.Config, store credentials.Store, log zerolog.Logger, interactive bool) *auth.Coordinator {
	return auth.NewCoordinator(auth.Options{
		Store:        store,
		Logger:       log,
		CallbackPort: cfg.Codex.CallbackPort,
		Interactive:  interactive,
	})
}

// CacheDir is where Codex instructions are kept on disk.
func CacheDir(cfg config.Config) string {
	if cfg.Codex.CacheDir != "" {
		return cfg.Codex.CacheDir
	}
	if dir := credentials.CacheDir(); dir != "" {
		return filepath.Join(dir, "instructions")
	}
	return ""
}

func NewInstructions(cfg config.Config, log zerolog.Logger, memoryOnly bool) *instructions.Cache {
	dir := ""
	if !memoryOnly {
		dir = CacheDir(cfg)
	}
	return instructions.NewCache(instructions.Options{Dir: dir, Logger: log})
}

// Run serves until ctx is cancelled, keeping the OAuth token fresh in the
// background for the Codex backend.
func (b *Bridge) Run(ctx context.Context) error {
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.Tracing.Shutdown(shutdownCtx); err != nil {
			b.Logger.Warn().Err(err).Msg("Failed to flush traces")
		}
	}()

	if b.Instructions != nil {
		if err := b.Instructions.Load(); err != nil {
			b.Logger.Warn().Err(err).Msg("Failed to load cached instructions")
		}
	}
	if b.Auth != nil {
		b.logCredentials()
	}

	g, ctx := errgroup.WithContext(ctx)
	if b.Auth != nil {
		g.Go(func() error {
			b.Auth.Run(ctx)
			return nil
		})
	}
	g.Go(func() error {
		err := b.Server.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	return g.Wait()
}

// logCredentials reports the stored token's health at startup.
func (b *Bridge) logCredentials() {
	tok := b.Auth.Token()
	if tok == nil {
		b.Logger.Warn().Msg("⚠️  No OpenAI credentials stored, the first request will start a sign-in")
		return
	}
	if tok.ExpiresAt.IsZero() {
		b.Logger.Info().Str("account_id", tok.AccountID).Int("token_length", len(tok.AccessToken)).Msg("✅ Credentials loaded successfully")
		return
	}
	minutes := int64(time.Until(tok.ExpiresAt).Minutes())
	switch {
	case minutes <= 0:
		b.Logger.Warn().Int64("minutes_expired", -minutes).Msg("⚠️  Token is already expired, will attempt refresh on first request")
	case minutes <= 60:
		b.Logger.Warn().Int64("minutes_until_expiry", minutes).Msg("⚠️  Token expires soon, will refresh shortly")
	default:
		b.Logger.Info().
			Str("account_id", tok.AccountID).
			Int64("minutes_until_expiry", minutes).
			Msg("✅ Token is valid and not expiring soon")
	}
}
