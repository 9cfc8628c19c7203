// Package config handles YAML configuration for podsync.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yairfalse/podsync/types"
)

// Config is the root configuration structure.
type Config struct {
	Provider        string        `yaml:"provider"`
	APIVersion      string        `yaml:"api_version"`
	FetchTimeoutStr string        `yaml:"fetch_timeout"`
	FetchTimeout    time.Duration `yaml:"-"`
	WatchSockets    bool          `yaml:"watch_sockets"`
	Scopes          ScopesConfig  `yaml:"scopes"`
	OTEL            OTELConfig    `yaml:"otel"`
	Metrics         ServerConfig  `yaml:"metrics"`
	Journal         JournalConfig `yaml:"journal"`
	History         HistoryConfig `yaml:"history"`
	Log             LogConfig     `yaml:"log"`
}

// ScopesConfig holds one entry per scope.
type ScopesConfig struct {
	System ScopeConfig `yaml:"system"`
	User   ScopeConfig `yaml:"user"`
}

// ScopeConfig selects whether a scope is synchronized and where its daemon
// listens.
type ScopeConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Socket  string `yaml:"socket"`
}

// IsEnabled reports whether the scope is synchronized; scopes are enabled
// unless switched off explicitly.
func (s ScopeConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string        `yaml:"endpoint"`
	Insecure    bool          `yaml:"insecure"`
	ServiceName string        `yaml:"service_name"`
	Traces      TracesConfig  `yaml:"traces"`
	Metrics     MetricsConfig `yaml:"metrics"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	Enabled    bool    `yaml:"enabled"`
	SampleRate float64 `yaml:"sample_rate"`
}

// MetricsConfig holds OTLP metrics export settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ServerConfig holds the HTTP endpoint serving /metrics, /health and
// /inventory.
type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// JournalConfig holds event journal settings.
type JournalConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
}

// HistoryConfig holds observation history settings.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
	Keep    int64  `yaml:"keep_revisions"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	_ = parseDurations(cfg)
	return cfg
}

// Load reads and parses a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is intentional user input
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)

	if err := parseDurations(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Provider == "" {
		cfg.Provider = "podman"
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "v1.12"
	}
	if cfg.FetchTimeoutStr == "" {
		cfg.FetchTimeoutStr = "30s"
	}
	if cfg.Scopes.System.Socket == "" {
		cfg.Scopes.System.Socket = "/run/podman/podman.sock"
	}
	if cfg.Scopes.User.Socket == "" {
		cfg.Scopes.User.Socket = defaultUserSocket()
	}
	if cfg.OTEL.ServiceName == "" {
		cfg.OTEL.ServiceName = "podsync"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9464"
	}
	if cfg.Journal.Dir == "" {
		cfg.Journal.Dir = defaultStateDir("journal")
	}
	if cfg.Journal.RetentionDays == 0 {
		cfg.Journal.RetentionDays = 7
	}
	if cfg.History.Dir == "" {
		cfg.History.Dir = defaultStateDir("history")
	}
	if cfg.History.Keep == 0 {
		cfg.History.Keep = 10000
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

// defaultUserSocket is empty when XDG_RUNTIME_DIR is unset; the user scope
// then reports unavailable.
func defaultUserSocket() string {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "podman", "podman.sock")
}

func defaultStateDir(name string) string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "podsync", name)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "state", "podsync", name)
	}
	return filepath.Join(os.TempDir(), "podsync", name)
}

func parseDurations(cfg *Config) error {
	d, err := time.ParseDuration(cfg.FetchTimeoutStr)
	if err != nil {
		return fmt.Errorf("parse fetch_timeout %q: %w", cfg.FetchTimeoutStr, err)
	}
	cfg.FetchTimeout = d
	return nil
}

// EnabledScopes returns the scopes to synchronize in fixed order.
func (c *Config) EnabledScopes() []types.Scope {
	var out []types.Scope
	if c.Scopes.System.IsEnabled() {
		out = append(out, types.ScopeSystem)
	}
	if c.Scopes.User.IsEnabled() {
		out = append(out, types.ScopeUser)
	}
	return out
}

// Socket returns the socket path configured for scope.
func (c *Config) Socket(scope types.Scope) string {
	if scope == types.ScopeSystem {
		return c.Scopes.System.Socket
	}
	return c.Scopes.User.Socket
}

// Validate checks the configuration is valid.
func (c *Config) Validate() error {
	if len(c.EnabledScopes()) == 0 {
		return fmt.Errorf("scopes: at least one scope must be enabled")
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("fetch_timeout must be positive (got %v)", c.FetchTimeout)
	}
	if c.OTEL.Traces.SampleRate < 0.0 || c.OTEL.Traces.SampleRate > 1.0 {
		return fmt.Errorf("otel: traces.sample_rate must be between 0.0 and 1.0 (got %v)", c.OTEL.Traces.SampleRate)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log: format must be json or console (got %q)", c.Log.Format)
	}
	if c.History.Keep < 0 {
		return fmt.Errorf("history: keep_revisions must not be negative")
	}
	return nil
}
