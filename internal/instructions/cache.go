package instructions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTTL          = 15 * time.Minute
	DefaultFetchTimeout = 30 * time.Second
)

// ErrFetch is returned when instructions cannot be fetched and nothing was cached before.
var ErrFetch = errors.New("codex instructions unavailable")

// Entry is one cached prompt.
type Entry struct {
	Text      string
	FetchedAt time.Time
	TTL       time.Duration
	Tag       string
	ETag      string
}

// Fresh reports whether e may be served without refetching.
func (e *Entry) Fresh(now time.Time) bool {
	return e != nil && now.Sub(e.FetchedAt) < e.TTL
}

type meta struct {
	ETag        string `json:"etag,omitempty"`
	Tag         string `json:"tag"`
	LastChecked int64  `json:"last_checked"`
}

type Options struct {
	Fetcher      Fetcher
	Dir          string
	TTL          time.Duration
	FetchTimeout time.Duration
	Logger       zerolog.Logger
	Now          func() time.Time
}

// Cache serves per-family instructions with a TTL. A stale or missing entry
// is refetched by exactly one flight per family; concurrent readers wait on it.
type Cache struct {
	fetcher      Fetcher
	dir          string
	ttl          time.Duration
	fetchTimeout time.Duration
	log          zerolog.Logger
	now          func() time.Time

	mu      sync.RWMutex
	entries map[Family]*Entry
	group   singleflight.Group
}

func NewCache(opts Options) *Cache {
	if opts.Fetcher == nil {
		opts.Fetcher = NewGitHubFetcher()
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		fetcher:      opts.Fetcher,
		dir:          opts.Dir,
		ttl:          opts.TTL,
		fetchTimeout: opts.FetchTimeout,
		log:          opts.Logger.With().Str("component", "instructions").Logger(),
		now:          opts.Now,
		entries:      make(map[Family]*Entry),
	}
}

// ForModel returns the instructions for model's family.
func (c *Cache) ForModel(ctx context.Context, model string) (string, error) {
	return c.Get(ctx, FamilyFor(model))
}

// Get returns fresh instructions for family, fetching when needed. If the
// fetch fails the last known text is served, even when stale.
func (c *Cache) Get(ctx context.Context, family Family) (string, error) {
	if e := c.entry(family); e.Fresh(c.now()) {
		return e.Text, nil
	}

	ch := c.group.DoChan(string(family), func() (interface{}, error) {
		prev := c.entry(family)
		if prev.Fresh(c.now()) {
			return prev.Text, nil
		}

		// detached: one caller going away must not fail the others
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()

		fetched, err := c.fetcher.Fetch(fetchCtx, family, prev)
		if err != nil {
			if prev != nil {
				c.log.Warn().Err(err).Str("family", string(family)).Msg("Using cached instructions (fetch failed)")
				return prev.Text, nil
			}
			return nil, fmt.Errorf("%w: %s: %v", ErrFetch, family, err)
		}

		e := &Entry{
			Text:      fetched.Text,
			FetchedAt: c.now(),
			TTL:       c.ttl,
			Tag:       fetched.Tag,
			ETag:      fetched.ETag,
		}
		c.mu.Lock()
		c.entries[family] = e
		c.mu.Unlock()

		if err := c.persist(family, e); err != nil {
			c.log.Warn().Err(err).Str("family", string(family)).Msg("Failed to write instruction cache")
		}
		c.log.Debug().Str("family", string(family)).Str("tag", e.Tag).Int("bytes", len(e.Text)).Msg("📥 Fetched Codex instructions")
		return e.Text, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *Cache) entry(family Family) *Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[family]
}

// Load restores entries persisted by earlier runs. Missing files are skipped.
func (c *Cache) Load() error {
	if c.dir == "" {
		return nil
	}
	var errs []error
	for _, family := range Families {
		metaBytes, err := os.ReadFile(filepath.Join(c.dir, family.metaFile()))
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
			continue
		}
		var m meta
		if err := json.Unmarshal(metaBytes, &m); err != nil {
			errs = append(errs, fmt.Errorf("parse %s: %w", family.metaFile(), err))
			continue
		}
		text, err := os.ReadFile(filepath.Join(c.dir, family.cacheFile()))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		c.mu.Lock()
		c.entries[family] = &Entry{
			Text:      string(text),
			FetchedAt: time.Unix(m.LastChecked, 0),
			TTL:       c.ttl,
			Tag:       m.Tag,
			ETag:      m.ETag,
		}
		c.mu.Unlock()
	}
	return errors.Join(errs...)
}

func (c *Cache) persist(family Family, e *Entry) error {
	if c.dir == "" {
		return nil
	}
	if err := os.MkdirAll(c.dir, 0o700); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(c.dir, family.cacheFile()), []byte(e.Text), 0o600); err != nil {
		return fmt.Errorf("write instructions: %w", err)
	}
	m, err := json.Marshal(meta{ETag: e.ETag, Tag: e.Tag, LastChecked: e.FetchedAt.Unix()})
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(c.dir, family.metaFile()), m, 0o600); err != nil {
		return fmt.Errorf("write instructions meta: %w", err)
	}
	return nil
}

// Reset drops every entry from memory and disk.
func (c *Cache) Reset() error {
	c.mu.Lock()
	c.entries = make(map[Family]*Entry)
	c.mu.Unlock()

	if c.dir == "" {
		return nil
	}
	var errs []error
	for _, family := range Families {
		for _, name := range []string{family.cacheFile(), family.metaFile()} {
			if err := os.Remove(filepath.Join(c.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// EntryInfo describes an entry for status output.
type EntryInfo struct {
	Family    Family    `json:"family"`
	Tag       string    `json:"tag"`
	FetchedAt time.Time `json:"fetched_at"`
	Fresh     bool      `json:"fresh"`
	Bytes     int       `json:"bytes"`
}

func (c *Cache) Entries() []EntryInfo {
	now := c.now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]EntryInfo, 0, len(c.entries))
	for f, e := range c.entries {
		out = append(out, EntryInfo{Family: f, Tag: e.Tag, FetchedAt: e.FetchedAt, Fresh: e.Fresh(now), Bytes: len(e.Text)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Family < out[j].Family })
	return out
}
