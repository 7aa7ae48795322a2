// ABOUTME: Configuration loading and parsing for convosync
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable holding the config file path.
const EnvConfigPath = "CONVOSYNC_CONFIG"

// ErrUnsupportedFormat is returned for config files that are neither YAML nor TOML.
var ErrUnsupportedFormat = errors.New("unsupported config format")

// Config represents the complete convosync configuration
type Config struct {
	Server  ServerConfig  `yaml:"server" toml:"server"`
	Auth    AuthConfig    `yaml:"auth" toml:"auth"`
	Sync    SyncConfig    `yaml:"sync" toml:"sync"`
	Outbox  OutboxConfig  `yaml:"outbox" toml:"outbox"`
	Store   StoreConfig   `yaml:"store" toml:"store"`
	Logging LoggingConfig `yaml:"logging" toml:"logging"`
	Metrics MetricsConfig `yaml:"metrics" toml:"metrics"`
	Fake    FakeConfig    `yaml:"fake" toml:"fake"`
}

// ServerConfig holds the conversation backend location and request limits
type ServerConfig struct {
	BaseURL           string  `yaml:"base_url" toml:"base_url"`
	WSURL             string  `yaml:"ws_url" toml:"ws_url"` // derived from base_url when empty
	RequestsPerSecond float64 `yaml:"requests_per_second" toml:"requests_per_second"`
	Burst             int     `yaml:"burst" toml:"burst"`

	RequestTimeout    time.Duration `yaml:"-" toml:"-"`
	RequestTimeoutRaw string        `yaml:"request_timeout" toml:"request_timeout"`
}

// AuthConfig holds the bearer credential source
type AuthConfig struct {
	Token     string `yaml:"token" toml:"token"`
	TokenFile string `yaml:"token_file" toml:"token_file"`
}

// SyncConfig selects and tunes the remote sync strategies
type SyncConfig struct {
	PollEnabled bool `yaml:"poll_enabled" toml:"poll_enabled"`
	PushEnabled bool `yaml:"push_enabled" toml:"push_enabled"`
	DedupeSize  int  `yaml:"dedupe_size" toml:"dedupe_size"`

	PollInterval time.Duration `yaml:"-" toml:"-"`
	DedupeWindow time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	PollIntervalRaw string `yaml:"poll_interval" toml:"poll_interval"`
	DedupeWindowRaw string `yaml:"dedupe_window" toml:"dedupe_window"`
}

// OutboxConfig controls what happens to failed sends
type OutboxConfig struct {
	AutoRetry   bool `yaml:"auto_retry" toml:"auto_retry"`
	MaxAttempts int  `yaml:"max_attempts" toml:"max_attempts"`

	RetryDelay    time.Duration `yaml:"-" toml:"-"`
	RetryDelayRaw string        `yaml:"retry_delay" toml:"retry_delay"`
}

// StoreConfig holds draft persistence configuration
type StoreConfig struct {
	Path string `yaml:"path" toml:"path"` // empty disables draft persistence
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Addr    string `yaml:"addr" toml:"addr"`
	Path    string `yaml:"path" toml:"path"`
}

// FakeConfig configures the development backend
type FakeConfig struct {
	Addr      string `yaml:"addr" toml:"addr"`
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
	Echo      bool   `yaml:"echo" toml:"echo"`

	EchoDelay    time.Duration `yaml:"-" toml:"-"`
	EchoDelayRaw string        `yaml:"echo_delay" toml:"echo_delay"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{
		Server: ServerConfig{
			BaseURL:           "http://localhost:8000",
			RequestsPerSecond: 10,
			Burst:             5,
			RequestTimeoutRaw: "10s",
		},
		Sync: SyncConfig{
			PollEnabled:     true,
			PushEnabled:     true,
			DedupeSize:      1024,
			PollIntervalRaw: "5s",
			DedupeWindowRaw: "5m",
		},
		Outbox: OutboxConfig{
			MaxAttempts:   3,
			RetryDelayRaw: "2s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9464",
			Path: "/metrics",
		},
		Fake: FakeConfig{
			Addr:         "127.0.0.1:8000",
			Echo:         true,
			EchoDelayRaw: "1s",
		},
	}
	// Defaults are valid durations
	_ = parseDurations(cfg)
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Values missing from the file keep their Default. The format is chosen by
// extension: .yaml/.yml or .toml.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expandedData := expandEnvVars(string(data))

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(expandedData, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(path))
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads path when set, then the file named by CONVOSYNC_CONFIG,
// and falls back to Default when neither is given.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// PushURL returns the push channel base URL. It falls back to the REST base;
// the push client rewrites http(s) schemes to ws(s).
func (c *Config) PushURL() string {
	if c.Server.WSURL != "" {
		return c.Server.WSURL
	}
	return c.Server.BaseURL
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("server.base_url must be an http(s) URL, got %q", c.Server.BaseURL)
	}
	if c.Server.RequestsPerSecond < 0 {
		return fmt.Errorf("server.requests_per_second must not be negative")
	}

	if !c.Sync.PollEnabled && !c.Sync.PushEnabled {
		return fmt.Errorf("sync: at least one of poll_enabled or push_enabled must be set")
	}
	if c.Sync.PollEnabled && c.Sync.PollInterval <= 0 {
		return fmt.Errorf("sync.poll_interval must be positive when polling is enabled")
	}

	if c.Outbox.AutoRetry && c.Outbox.MaxAttempts < 1 {
		return fmt.Errorf("outbox.max_attempts must be at least 1 when auto_retry is enabled")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json; got %q", c.Logging.Format)
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.request_timeout", cfg.Server.RequestTimeoutRaw, &cfg.Server.RequestTimeout},
		{"sync.poll_interval", cfg.Sync.PollIntervalRaw, &cfg.Sync.PollInterval},
		{"sync.dedupe_window", cfg.Sync.DedupeWindowRaw, &cfg.Sync.DedupeWindow},
		{"outbox.retry_delay", cfg.Outbox.RetryDelayRaw, &cfg.Outbox.RetryDelay},
		{"fake.echo_delay", cfg.Fake.EchoDelayRaw, &cfg.Fake.EchoDelay},
	}

	for _, f := range fields {
		if f.raw == "" {
			*f.dst = 0
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
