package credentials

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const appDirName = "claude-openai-bridge"

// ConfigDir is $XDG_CONFIG_HOME/claude-openai-bridge (or ~/.config/...).
func ConfigDir() string {
	xdgConfigHome := os.Getenv("XDG_CONFIG_HOME")
	if xdgConfigHome == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		xdgConfigHome = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(xdgConfigHome, appDirName)
}

// CacheDir is $XDG_CACHE_HOME/claude-openai-bridge (or ~/.cache/...).
func CacheDir() string {
	xdgCacheHome := os.Getenv("XDG_CACHE_HOME")
	if xdgCacheHome == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		xdgCacheHome = filepath.Join(homeDir, ".cache")
	}
	return filepath.Join(xdgCacheHome, appDirName)
}

func DefaultTokenPath() string {
	dir := ConfigDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "openai-oauth.json")
}

// CodexCLIAuthPath is where the Codex CLI keeps its own sign-in.
func CodexCLIAuthPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".codex", "auth.json")
}

type codexCLIAuth struct {
	Tokens struct {
		IDToken      string `json:"id_token"`
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		AccountID    string `json:"account_id"`
		ExpiresAt    int64  `json:"expiresAt,omitempty"`
	} `json:"tokens"`
}

// ImportCodexCLIAuth reads a Codex CLI auth.json. The file carries no expiry
// for the access token, so the token is returned with a zero ExpiresAt unless
// one is present; callers refresh it before relying on it.
func ImportCodexCLIAuth(path string) (*Token, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read codex auth file: %w", err)
	}
	var a codexCLIAuth
	if err := json.Unmarshal(b, &a); err != nil {
		return nil, fmt.Errorf("failed to parse codex auth file: %w", err)
	}
	if a.Tokens.AccessToken == "" && a.Tokens.RefreshToken == "" {
		return nil, fmt.Errorf("missing tokens in codex auth file")
	}
	tok := &Token{
		AccessToken:  a.Tokens.AccessToken,
		RefreshToken: a.Tokens.RefreshToken,
		AccountID:    a.Tokens.AccountID,
	}
	if a.Tokens.ExpiresAt > 0 {
		tok.ExpiresAt = time.UnixMilli(a.Tokens.ExpiresAt)
	}
	return tok, nil
}

func EnsureParentDir(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}

func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
