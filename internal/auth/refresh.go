package auth

import (
	"context"
	"time"

	"github.com/dvcrn/claude-openai-bridge/internal/credentials"
)

// Run keeps the token fresh in the background until ctx is done: every
// RefreshInterval it refreshes a token expiring within RefreshAhead. When the
// store can be watched, external changes drop the in-memory token.
func (c *Coordinator) Run(ctx context.Context) {
	var changes <-chan struct{}
	if w, ok := c.opts.Store.(credentials.Watchable); ok {
		ch, err := w.Watch(ctx.Done())
		if err != nil {
			c.log.Warn().Err(err).Msg("Credential watch unavailable")
		} else {
			changes = ch
		}
	}

	ticker := time.NewTicker(c.opts.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.checkAndRefreshToken(ctx)
		case <-changes:
			c.log.Debug().Msg("Credentials changed on disk, reloading")
			c.Invalidate()
		case <-ctx.Done():
			c.log.Debug().Msg("Background token refresh stopped")
			return
		}
	}
}

// checkAndRefreshToken refreshes the stored token if it expires within RefreshAhead.
func (c *Coordinator) checkAndRefreshToken(ctx context.Context) {
	c.mu.Lock()
	tok, err := c.currentLocked()
	c.mu.Unlock()
	if err != nil {
		c.log.Error().Err(err).Msg("Background refresh: failed to load credentials")
		return
	}
	if tok == nil || tok.RefreshToken == "" {
		return
	}

	if tok.ValidFor(c.opts.Now(), c.opts.RefreshAhead) {
		c.log.Debug().
			Int64("minutes_until_expiry", int64(tok.ExpiresAt.Sub(c.opts.Now()).Minutes())).
			Msg("Background refresh: token still valid")
		return
	}

	needs := func(tok *credentials.Token) bool {
		return !tok.ValidFor(c.opts.Now(), c.opts.RefreshAhead)
	}
	if _, err := c.refresh(ctx, needs); err != nil {
		c.log.Error().Err(err).Msg("❌ Background refresh: failed to refresh token")
	}
}
