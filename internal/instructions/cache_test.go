package instructions

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	calls   atomic.Int32
	release chan struct{}
	mu      sync.Mutex
	text    string
	err     error
}

func (f *fakeFetcher) Fetch(ctx context.Context, family Family, prev *Entry) (*Fetched, error) {
	f.calls.Add(1)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &Fetched{Text: f.text + ":" + string(family), Tag: "rust-v1", ETag: `"abc"`}, nil
}

func (f *fakeFetcher) set(text string, err error) {
	f.mu.Lock()
	f.text, f.err = text, err
	f.mu.Unlock()
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(t *testing.T, f Fetcher, clk *clock, dir string) *Cache {
	t.Helper()
	return NewCache(Options{
		Fetcher: f,
		Dir:     dir,
		TTL:     time.Minute,
		Logger:  zerolog.Nop(),
		Now:     clk.Now,
	})
}

func TestFamilyFor(t *testing.T) {
	tests := []struct {
		model string
		want  Family
	}{
		{"gpt-5.2-codex", FamilyGPT52Codex},
		{"gpt-5.1-codex-max", FamilyCodexMax},
		{"gpt-5-codex", FamilyCodex},
		{"GPT-5.1-Codex-Mini", FamilyCodex},
		{"gpt-5.2", FamilyGPT52},
		{"gpt-5.1", FamilyGPT51},
		{"something-else", FamilyGPT51},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			assert.Equal(t, tt.want, FamilyFor(tt.model))
		})
	}
}

func TestConcurrentReadsShareOneFetch(t *testing.T) {
	f := &fakeFetcher{text: "prompt", release: make(chan struct{})}
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	c := newTestCache(t, f, clk, t.TempDir())

	const readers = 50
	var wg sync.WaitGroup
	results := make([]string, readers)
	errs := make([]error, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Get(context.Background(), FamilyCodex)
		}(i)
	}

	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(f.release)
	wg.Wait()

	assert.Equal(t, int32(1), f.calls.Load())
	for i := 0; i < readers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "prompt:codex", results[i])
	}
}

func TestFreshEntryServedWithoutFetch(t *testing.T) {
	f := &fakeFetcher{text: "v1"}
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	c := newTestCache(t, f, clk, "")

	got, err := c.Get(context.Background(), FamilyGPT51)
	require.NoError(t, err)
	assert.Equal(t, "v1:gpt-5.1", got)

	f.set("v2", nil)
	clk.Advance(30 * time.Second)
	got, err = c.Get(context.Background(), FamilyGPT51)
	require.NoError(t, err)
	assert.Equal(t, "v1:gpt-5.1", got)
	assert.Equal(t, int32(1), f.calls.Load())

	clk.Advance(31 * time.Second)
	got, err = c.Get(context.Background(), FamilyGPT51)
	require.NoError(t, err)
	assert.Equal(t, "v2:gpt-5.1", got)
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestFetchFailureFallsBackToLastKnown(t *testing.T) {
	f := &fakeFetcher{text: "v1"}
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	c := newTestCache(t, f, clk, "")

	_, err := c.Get(context.Background(), FamilyCodexMax)
	require.NoError(t, err)

	f.set("", errors.New("github down"))
	clk.Advance(2 * time.Minute)
	got, err := c.Get(context.Background(), FamilyCodexMax)
	require.NoError(t, err)
	assert.Equal(t, "v1:codex-max", got)
}

func TestFetchFailureWithoutEntry(t *testing.T) {
	f := &fakeFetcher{err: errors.New("github down")}
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	c := newTestCache(t, f, clk, "")

	_, err := c.Get(context.Background(), FamilyGPT52)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFetch))
}

func TestCallerCancellationDoesNotAbortFetch(t *testing.T) {
	f := &fakeFetcher{text: "p", release: make(chan struct{})}
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	c := newTestCache(t, f, clk, "")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Get(ctx, FamilyCodex)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	close(f.release)
	require.Eventually(t, func() bool {
		for _, e := range c.Entries() {
			if e.Family == FamilyCodex {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestPersistAndReload(t *testing.T) {
	dir := t.TempDir()
	f := &fakeFetcher{text: "disk"}
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	c := newTestCache(t, f, clk, dir)

	_, err := c.Get(context.Background(), FamilyGPT52Codex)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "gpt-5.2-codex-instructions.md"))
	require.NoError(t, err)
	assert.Equal(t, "disk:gpt-5.2-codex", string(data))
	_, err = os.Stat(filepath.Join(dir, "gpt-5.2-codex-instructions-meta.json"))
	require.NoError(t, err)

	f2 := &fakeFetcher{err: errors.New("offline")}
	reloaded := newTestCache(t, f2, clk, dir)
	require.NoError(t, reloaded.Load())

	got, err := reloaded.Get(context.Background(), FamilyGPT52Codex)
	require.NoError(t, err)
	assert.Equal(t, "disk:gpt-5.2-codex", got)
	assert.Equal(t, int32(0), f2.calls.Load())

	entries := reloaded.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "rust-v1", entries[0].Tag)
	assert.True(t, entries[0].Fresh)
}

func TestReset(t *testing.T) {
	dir := t.TempDir()
	f := &fakeFetcher{text: "x"}
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	c := newTestCache(t, f, clk, dir)

	_, err := c.Get(context.Background(), FamilyGPT51)
	require.NoError(t, err)
	require.NoError(t, c.Reset())

	assert.Empty(t, c.Entries())
	_, err = os.Stat(filepath.Join(dir, "gpt-5.1-instructions.md"))
	assert.True(t, os.IsNotExist(err))

	_, err = c.Get(context.Background(), FamilyGPT51)
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestGitHubFetcher(t *testing.T) {
	var rawHits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/latest", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"tag_name":"rust-v0.60.0"}`))
	})
	mux.HandleFunc("/raw/rust-v0.60.0/codex-rs/core/gpt_5_codex_prompt.md", func(w http.ResponseWriter, r *http.Request) {
		rawHits.Add(1)
		if r.Header.Get("If-None-Match") == `"etag-1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"etag-1"`)
		_, _ = w.Write([]byte("You are Codex."))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	g := &GitHubFetcher{
		HTTPClient:  srv.Client(),
		APIURL:      srv.URL + "/api/latest",
		ReleasesURL: srv.URL + "/releases/latest",
		RawBaseURL:  srv.URL + "/raw",
		UserAgent:   "test",
	}

	got, err := g.Fetch(context.Background(), FamilyCodex, nil)
	require.NoError(t, err)
	assert.Equal(t, "You are Codex.", got.Text)
	assert.Equal(t, "rust-v0.60.0", got.Tag)
	assert.Equal(t, `"etag-1"`, got.ETag)

	prev := &Entry{Text: "cached", Tag: "rust-v0.60.0", ETag: `"etag-1"`}
	got, err = g.Fetch(context.Background(), FamilyCodex, prev)
	require.NoError(t, err)
	assert.Equal(t, "cached", got.Text)
	assert.Equal(t, int32(2), rawHits.Load())
}

func TestGitHubFetcherFallsBackToReleaseRedirect(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/latest", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	mux.HandleFunc("/releases/latest", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/releases/tag/rust-v0.61.0", http.StatusFound)
	})
	mux.HandleFunc("/releases/tag/rust-v0.61.0", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html></html>"))
	})
	mux.HandleFunc("/raw/rust-v0.61.0/codex-rs/core/gpt_5_1_prompt.md", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("base"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	g := &GitHubFetcher{
		HTTPClient:  srv.Client(),
		APIURL:      srv.URL + "/api/latest",
		ReleasesURL: srv.URL + "/releases/latest",
		RawBaseURL:  srv.URL + "/raw",
		UserAgent:   "test",
	}
	got, err := g.Fetch(context.Background(), FamilyGPT51, nil)
	require.NoError(t, err)
	assert.Equal(t, "rust-v0.61.0", got.Tag)
	assert.Equal(t, "base", got.Text)
}

func TestDeveloperMessage(t *testing.T) {
	assert.Equal(t, BridgePrompt, DeveloperMessage("  "))
	got := DeveloperMessage("be brief")
	assert.Contains(t, got, "TodoWrite")
	assert.True(t, len(got) > len(BridgePrompt))
	assert.Equal(t, "be brief", got[len(got)-len("be brief"):])
}
