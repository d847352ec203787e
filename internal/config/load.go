package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const localConfigFile = ".claude-openai-bridge.yaml"

// envBindings maps config keys to the environment variables the agent
// tooling already uses.
var envBindings = map[string][]string{
	"target":           {"PROXY_TARGET_URL"},
	"api_key":          {"ANTHROPIC_AUTH_TOKEN"},
	"openai_oauth":     {"OPENAI_OAUTH"},
	"models.primary":   {"ANTHROPIC_MODEL"},
	"models.auxiliary": {"ANTHROPIC_SMALL_FAST_MODEL"},
	"models.haiku":     {"ANTHROPIC_DEFAULT_HAIKU_MODEL"},
	"models.sonnet":    {"ANTHROPIC_DEFAULT_SONNET_MODEL"},
	"models.opus":      {"ANTHROPIC_DEFAULT_OPUS_MODEL"},
	"api_timeout_ms":   {"API_TIMEOUT_MS"},
	"port":             {"PORT"},
	"env":              {"ENV"},
	"log_level":        {"LOG_LEVEL"},
	"admin_api_key":    {"ADMIN_API_KEY"},
	"codex.transport":  {"CODEX_TRANSPORT"},
}

// SetDefaults registers Defaults() on v so unset keys resolve.
func SetDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("host", d.Host)
	v.SetDefault("port", d.Port)
	v.SetDefault("api_timeout_ms", d.TimeoutMS)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("classifier.not_supported_statuses", d.Classifier.NotSupportedStatuses)
	v.SetDefault("classifier.not_supported_patterns", d.Classifier.NotSupportedPatterns)
	v.SetDefault("codex.transport", d.Codex.Transport)
	v.SetDefault("codex.credential_store", d.Codex.CredentialStore)
	v.SetDefault("codex.callback_port", d.Codex.CallbackPort)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
}

// Load resolves the configuration into v. cfgFile wins when set; otherwise
// ./.claude-openai-bridge.yaml, then $XDG_CONFIG_HOME/claude-openai-bridge/config.yaml.
// A missing file is not an error.
func Load(v *viper.Viper, cfgFile string) (Config, error) {
	SetDefaults(v)
	for key, envs := range envBindings {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return Config{}, fmt.Errorf("bind env for %s: %w", key, err)
		}
	}

	if path := ResolveFile(cfgFile); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("read config file %q: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// LoadEnv resolves the configuration from getenv alone, for runtimes where
// the process environment is not where settings live.
func LoadEnv(v *viper.Viper, getenv func(string) string) (Config, error) {
	SetDefaults(v)
	for key, envs := range envBindings {
		for _, name := range envs {
			if val := getenv(name); val != "" {
				v.Set(key, val)
				break
			}
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// ResolveFile returns the config file that would be read, or "" when none exists.
func ResolveFile(cfgFile string) string {
	if cfgFile != "" {
		return cfgFile
	}
	if _, err := os.Stat(localConfigFile); err == nil {
		return localConfigFile
	}
	if p := UserFile(); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// UserFile is $XDG_CONFIG_HOME/claude-openai-bridge/config.yaml.
func UserFile() string {
	xdg := os.Getenv("XDG_CONFIG_HOME")
	if xdg == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		xdg = filepath.Join(home, ".config")
	}
	return filepath.Join(xdg, "claude-openai-bridge", "config.yaml")
}

// Render encodes c as YAML with secrets masked.
func Render(c Config) ([]byte, error) {
	c.APIKey = mask(c.APIKey)
	c.AdminAPIKey = mask(c.AdminAPIKey)
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return out, nil
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "********"
	}
	return s[:4] + "********"
}

// DefaultTemplate is the file written by `config init`.
func DefaultTemplate() string {
	return `# claude-openai-bridge configuration
#
# Environment variables override these values:
#   PROXY_TARGET_URL, ANTHROPIC_AUTH_TOKEN, ANTHROPIC_MODEL,
#   ANTHROPIC_SMALL_FAST_MODEL, ANTHROPIC_DEFAULT_{HAIKU,SONNET,OPUS}_MODEL,
#   OPENAI_OAUTH, API_TIMEOUT_MS, PORT, ENV, ADMIN_API_KEY

# Base URL (probed for /responses, /chat/completions, /completions) or a full endpoint.
target: ""
api_key: ""

# Set to true to use the ChatGPT Codex backend with browser sign-in.
openai_oauth: false

models:
  primary: ""
  auxiliary: ""
  haiku: ""
  sonnet: ""
  opus: ""

host: 127.0.0.1
port: 4000
api_timeout_ms: 300000
log_level: info

classifier:
  not_supported_statuses: [404, 405, 501]
  not_supported_patterns:
    - unrecognized request url
    - unknown endpoint
    - not supported
    - no route

codex:
  transport: http          # http | websocket
  credential_store: file   # file | keychain
  token_path: ""
  cache_dir: ""
  callback_port: 1455

tracing:
  enabled: false
  exporter: stdout         # stdout | file
  file_path: ""
`
}

// WriteDefault writes DefaultTemplate to path, refusing to overwrite.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(DefaultTemplate()), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
