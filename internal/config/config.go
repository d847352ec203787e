// Package config resolves the bridge configuration from defaults, a YAML
// file, the environment and flags, and derives the Routing the proxy runs with.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultHost         = "127.0.0.1"
	DefaultPort         = 4000
	DefaultTimeoutMS    = 300000
	DefaultCallbackPort = 1455
	DefaultCodexTarget  = "https://chatgpt.com/backend-api/codex"

	TransportHTTP      = "http"
	TransportWebsocket = "websocket"

	StoreFile     = "file"
	StoreKeychain = "keychain"
)

// Config holds every option the bridge reads.
type Config struct {
	Target      string           `mapstructure:"target" yaml:"target"`
	APIKey      string           `mapstructure:"api_key" yaml:"api_key"`
	OpenAIOAuth string           `mapstructure:"openai_oauth" yaml:"openai_oauth"`
	Models      ModelsConfig     `mapstructure:"models" yaml:"models"`
	Host        string           `mapstructure:"host" yaml:"host"`
	Port        int              `mapstructure:"port" yaml:"port"`
	TimeoutMS   int              `mapstructure:"api_timeout_ms" yaml:"api_timeout_ms"`
	Env         string           `mapstructure:"env" yaml:"env"`
	LogLevel    string           `mapstructure:"log_level" yaml:"log_level"`
	AdminAPIKey string           `mapstructure:"admin_api_key" yaml:"admin_api_key"`
	Classifier  ClassifierConfig `mapstructure:"classifier" yaml:"classifier"`
	Codex       CodexConfig      `mapstructure:"codex" yaml:"codex"`
	Tracing     TracingConfig    `mapstructure:"tracing" yaml:"tracing"`
}

// ModelsConfig is the per-tier model mapping.
type ModelsConfig struct {
	Primary   string `mapstructure:"primary" yaml:"primary"`
	Auxiliary string `mapstructure:"auxiliary" yaml:"auxiliary"`
	Haiku     string `mapstructure:"haiku" yaml:"haiku"`
	Sonnet    string `mapstructure:"sonnet" yaml:"sonnet"`
	Opus      string `mapstructure:"opus" yaml:"opus"`
}

// ClassifierConfig decides which upstream rejections mean "shape not supported".
type ClassifierConfig struct {
	NotSupportedStatuses []int    `mapstructure:"not_supported_statuses" yaml:"not_supported_statuses"`
	NotSupportedPatterns []string `mapstructure:"not_supported_patterns" yaml:"not_supported_patterns"`
}

type CodexConfig struct {
	Transport       string `mapstructure:"transport" yaml:"transport"`
	CredentialStore string `mapstructure:"credential_store" yaml:"credential_store"`
	TokenPath       string `mapstructure:"token_path" yaml:"token_path"`
	CacheDir        string `mapstructure:"cache_dir" yaml:"cache_dir"`
	CallbackPort    int    `mapstructure:"callback_port" yaml:"callback_port"`
}

type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Exporter string `mapstructure:"exporter" yaml:"exporter"`
	FilePath string `mapstructure:"file_path" yaml:"file_path"`
}

// Defaults returns the configuration used when nothing else is set.
func Defaults() Config {
	return Config{
		Host:      DefaultHost,
		Port:      DefaultPort,
		TimeoutMS: DefaultTimeoutMS,
		LogLevel:  "info",
		Classifier: ClassifierConfig{
			NotSupportedStatuses: []int{404, 405, 501},
			NotSupportedPatterns: []string{
				"unrecognized request url",
				"unknown endpoint",
				"not supported",
				"no route",
			},
		},
		Codex: CodexConfig{
			Transport:       TransportHTTP,
			CredentialStore: StoreFile,
			CallbackPort:    DefaultCallbackPort,
		},
		Tracing: TracingConfig{Exporter: "stdout"},
	}
}

// IsTruthy accepts the usual spellings of "on" for boolean environment flags.
func IsTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on":
		return true
	}
	return false
}

func (c Config) OAuthEnabled() bool {
	return IsTruthy(c.OpenAIOAuth)
}

func (c Config) Timeout() time.Duration {
	if c.TimeoutMS <= 0 {
		return time.Duration(DefaultTimeoutMS) * time.Millisecond
	}
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

func (c Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate checks the listener settings and the derived routing.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be a valid TCP port, got %d", c.Port)
	}
	if c.Codex.CallbackPort < 0 || c.Codex.CallbackPort > 65535 {
		return fmt.Errorf("codex.callback_port must be a valid TCP port, got %d", c.Codex.CallbackPort)
	}
	switch c.Codex.Transport {
	case "", TransportHTTP, TransportWebsocket:
	default:
		return fmt.Errorf("codex.transport must be %q or %q, got %q", TransportHTTP, TransportWebsocket, c.Codex.Transport)
	}
	switch c.Codex.CredentialStore {
	case "", StoreFile, StoreKeychain:
	default:
		return fmt.Errorf("codex.credential_store must be %q or %q, got %q", StoreFile, StoreKeychain, c.Codex.CredentialStore)
	}
	for _, s := range c.Classifier.NotSupportedStatuses {
		if s < 400 || s > 599 {
			return fmt.Errorf("classifier.not_supported_statuses: %d is not an error status", s)
		}
	}
	_, err := c.Routing()
	return err
}

// Backend selects how the upstream is authenticated and which request quirks apply.
type Backend int

const (
	BackendGeneric Backend = iota
	BackendCodex
)

func (b Backend) String() string {
	if b == BackendCodex {
		return "codex-oauth"
	}
	return "generic-openai-compatible"
}

// Routing is resolved once per proxy session and never changes afterwards.
type Routing struct {
	Target  string
	BaseURL string
	// EndpointPath is set when Target names a full endpoint; it fixes the
	// upstream shape and disables probing.
	EndpointPath string
	// Query is the target's query string, carried onto every endpoint.
	Query   string
	Models  ModelsConfig
	APIKey  string
	Backend Backend
}

var endpointSuffixes = []string{"/chat/completions", "/responses", "/completions"}

// Routing derives the immutable routing from c.
func (c Config) Routing() (Routing, error) {
	target := strings.TrimSpace(c.Target)
	backend := BackendGeneric
	if c.OAuthEnabled() || strings.Contains(target, "chatgpt.com/backend-api/codex") {
		backend = BackendCodex
		if target == "" {
			target = DefaultCodexTarget
		}
	}
	if target == "" {
		return Routing{}, fmt.Errorf("target must be provided (PROXY_TARGET_URL)")
	}
	u, err := url.Parse(target)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Routing{}, fmt.Errorf("target must be an absolute http(s) URL, got %q", target)
	}
	if strings.TrimSpace(c.Models.Primary) == "" {
		return Routing{}, fmt.Errorf("models.primary must be provided (ANTHROPIC_MODEL)")
	}

	r := Routing{
		Target:  target,
		Models:  c.Models,
		APIKey:  c.APIKey,
		Backend: backend,
	}
	path := strings.TrimRight(u.Path, "/")
	for _, suffix := range endpointSuffixes {
		if strings.HasSuffix(path, suffix) {
			r.EndpointPath = suffix
			path = strings.TrimSuffix(path, suffix)
			break
		}
	}
	r.BaseURL = u.Scheme + "://" + u.Host + path
	r.Query = u.RawQuery
	if backend == BackendCodex && r.EndpointPath == "" {
		r.EndpointPath = "/responses"
	}
	return r, nil
}

// Endpoint joins the base URL with an endpoint path and the target's query.
func (r Routing) Endpoint(path string) string {
	if r.Query == "" {
		return r.BaseURL + path
	}
	return r.BaseURL + path + "?" + r.Query
}

// Fixed reports whether the target pins a single endpoint.
func (r Routing) Fixed() bool {
	return r.EndpointPath != ""
}
