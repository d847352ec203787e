package instructions

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	releasesAPIURL  = "https://api.github.com/repos/openai/codex/releases/latest"
	releasesHTMLURL = "https://github.com/openai/codex/releases/latest"
	rawBaseURL      = "https://raw.githubusercontent.com/openai/codex"
	userAgent       = "claude-openai-bridge"
)

// Fetched is one download of a family's prompt.
type Fetched struct {
	Text string
	Tag  string
	ETag string
}

// Fetcher downloads the current instructions for a family. prev, when
// non-nil, lets the fetcher revalidate instead of downloading again.
type Fetcher interface {
	Fetch(ctx context.Context, family Family, prev *Entry) (*Fetched, error)
}

// GitHubFetcher resolves the latest Codex release tag and downloads the
// family prompt at that tag.
type GitHubFetcher struct {
	HTTPClient  *http.Client
	APIURL      string
	ReleasesURL string
	RawBaseURL  string
	UserAgent   string
}

func NewGitHubFetcher() *GitHubFetcher {
	return &GitHubFetcher{
		HTTPClient:  &http.Client{Timeout: 30 * time.Second},
		APIURL:      releasesAPIURL,
		ReleasesURL: releasesHTMLURL,
		RawBaseURL:  rawBaseURL,
		UserAgent:   userAgent,
	}
}

func (g *GitHubFetcher) Fetch(ctx context.Context, family Family, prev *Entry) (*Fetched, error) {
	tag, err := g.latestTag(ctx)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/%s/codex-rs/core/%s", strings.TrimRight(g.RawBaseURL, "/"), tag, family.PromptFile())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", g.UserAgent)
	if prev != nil && prev.Tag == tag && prev.ETag != "" {
		req.Header.Set("If-None-Match", prev.ETag)
	}

	resp, err := g.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch instructions: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified && prev != nil {
		return &Fetched{Text: prev.Text, Tag: tag, ETag: prev.ETag}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch instructions: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read instructions: %w", err)
	}
	return &Fetched{Text: string(body), Tag: tag, ETag: resp.Header.Get("ETag")}, nil
}

// latestTag asks the releases API first and falls back to following the
// HTML "latest" redirect, whose final URL ends in /tag/<tag>.
func (g *GitHubFetcher) latestTag(ctx context.Context) (string, error) {
	if tag, err := g.tagFromAPI(ctx); err == nil && tag != "" {
		return tag, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.ReleasesURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", g.UserAgent)
	resp, err := g.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to resolve latest release: %w", err)
	}
	resp.Body.Close()

	final := resp.Request.URL.String()
	if i := strings.LastIndex(final, "/tag/"); i >= 0 {
		tag := final[i+len("/tag/"):]
		if tag != "" && !strings.Contains(tag, "/") {
			return tag, nil
		}
	}
	return "", fmt.Errorf("failed to determine latest release tag")
}

func (g *GitHubFetcher) tagFromAPI(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.APIURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", g.UserAgent)
	req.Header.Set("Accept", "application/vnd.github+json")
	resp, err := g.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("releases api status %d", resp.StatusCode)
	}
	var release struct {
		TagName string `json:"tag_name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return "", err
	}
	return release.TagName, nil
}
