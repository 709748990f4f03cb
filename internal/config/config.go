// ABOUTME: Configuration loading and parsing for parley
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
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

// EnvConfigPath names the environment variable that overrides the config location.
const EnvConfigPath = "PARLEY_CONFIG"

const minJWTSecretLen = 32

// Config represents the complete parley configuration
type Config struct {
	Server       ServerConfig    `yaml:"server" toml:"server"`
	Tailscale    TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database     DatabaseConfig  `yaml:"database" toml:"database"`
	Provider     ProviderConfig  `yaml:"provider" toml:"provider"`
	Webhook      WebhookConfig   `yaml:"webhook" toml:"webhook"`
	Reconcile    ReconcileConfig `yaml:"reconcile" toml:"reconcile"`
	Broadcast    BroadcastConfig `yaml:"broadcast" toml:"broadcast"`
	PendingSends PendingConfig   `yaml:"pending_sends" toml:"pending_sends"`
	Autopilot    AutopilotConfig `yaml:"autopilot" toml:"autopilot"`
	Auth         AuthConfig      `yaml:"auth" toml:"auth"`
	Logging      LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics      MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // public Funnel, implies HTTPS
	HTTPS     bool   `yaml:"https" toml:"https"`
}

// DatabaseConfig selects the store driver
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // sqlite or postgres
	DSN    string `yaml:"dsn" toml:"dsn"`
}

// ProviderConfig points at the messaging provider API
type ProviderConfig struct {
	BaseURL   string  `yaml:"base_url" toml:"base_url"`
	APIKey    string  `yaml:"api_key" toml:"api_key"`
	AccountID string  `yaml:"account_id" toml:"account_id"`
	PageSize  int     `yaml:"page_size" toml:"page_size"`
	RateLimit float64 `yaml:"rate_limit" toml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst" toml:"rate_burst"`

	RequestTimeout    time.Duration `yaml:"-" toml:"-"`
	RequestTimeoutRaw string        `yaml:"request_timeout" toml:"request_timeout"`
}

// WebhookConfig holds the inbound webhook endpoint and its registration
type WebhookConfig struct {
	Path      string `yaml:"path" toml:"path"`
	PublicURL string `yaml:"public_url" toml:"public_url"`
	Name      string `yaml:"name" toml:"name"`
	Secret    string `yaml:"secret" toml:"secret"`

	MaxSkew    time.Duration `yaml:"-" toml:"-"`
	MaxSkewRaw string        `yaml:"max_skew" toml:"max_skew"`
}

// ReconcileConfig controls pull reconciliation passes
type ReconcileConfig struct {
	Schedule          string `yaml:"schedule" toml:"schedule"`
	Concurrency       int    `yaml:"concurrency" toml:"concurrency"`
	MaxPages          int    `yaml:"max_pages" toml:"max_pages"`
	OnStartup         *bool  `yaml:"on_startup" toml:"on_startup"`
	FullSyncOnStartup bool   `yaml:"full_sync_on_startup" toml:"full_sync_on_startup"`

	Interval    time.Duration `yaml:"-" toml:"-"`
	IntervalRaw string        `yaml:"interval" toml:"interval"`
}

// RunOnStartup reports whether a pass runs when the gateway starts.
func (r ReconcileConfig) RunOnStartup() bool {
	return r.OnStartup == nil || *r.OnStartup
}

// BroadcastConfig holds live push settings
type BroadcastConfig struct {
	WriteTimeout    time.Duration `yaml:"-" toml:"-"`
	WriteTimeoutRaw string        `yaml:"write_timeout" toml:"write_timeout"`
}

// PendingConfig holds the pending-send sweeper settings
type PendingConfig struct {
	MaxAttempts int `yaml:"max_attempts" toml:"max_attempts"`

	SyncAfter        time.Duration `yaml:"-" toml:"-"`
	Retention        time.Duration `yaml:"-" toml:"-"`
	SweepInterval    time.Duration `yaml:"-" toml:"-"`
	SyncAfterRaw     string        `yaml:"sync_after" toml:"sync_after"`
	RetentionRaw     string        `yaml:"retention" toml:"retention"`
	SweepIntervalRaw string        `yaml:"sweep_interval" toml:"sweep_interval"`
}

// AutopilotConfig holds automatic reply settings
type AutopilotConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Reply   string `yaml:"reply" toml:"reply"`

	Delay    time.Duration `yaml:"-" toml:"-"`
	DelayRaw string        `yaml:"delay" toml:"delay"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded first.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// DefaultPath resolves the config file location: $PARLEY_CONFIG, then
// $XDG_CONFIG_HOME/parley/config.yaml, then ~/.config/parley/config.yaml.
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "parley", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".config", "parley", "config.yaml")
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = ":8080"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite" {
		c.Database.DSN = "parley.db"
	}
	if c.Provider.RequestTimeout == 0 {
		c.Provider.RequestTimeout = 30 * time.Second
	}
	if c.Provider.PageSize == 0 {
		c.Provider.PageSize = 100
	}
	if c.Webhook.Path == "" {
		c.Webhook.Path = "/webhooks/messages"
	}
	if c.Webhook.Name == "" {
		c.Webhook.Name = "parley"
	}
	if c.Webhook.MaxSkew == 0 {
		c.Webhook.MaxSkew = 5 * time.Minute
	}
	if c.Reconcile.Interval == 0 {
		c.Reconcile.Interval = 5 * time.Minute
	}
	if c.Reconcile.Concurrency == 0 {
		c.Reconcile.Concurrency = 4
	}
	if c.Reconcile.MaxPages == 0 {
		c.Reconcile.MaxPages = 20
	}
	if c.Broadcast.WriteTimeout == 0 {
		c.Broadcast.WriteTimeout = 5 * time.Second
	}
	if c.PendingSends.SyncAfter == 0 {
		c.PendingSends.SyncAfter = 10 * time.Second
	}
	if c.PendingSends.MaxAttempts == 0 {
		c.PendingSends.MaxAttempts = 3
	}
	if c.PendingSends.Retention == 0 {
		c.PendingSends.Retention = 24 * time.Hour
	}
	if c.PendingSends.SweepInterval == 0 {
		c.PendingSends.SweepInterval = 5 * time.Second
	}
	if c.Autopilot.Delay == 0 {
		c.Autopilot.Delay = 30 * time.Second
	}
	if c.Autopilot.Reply == "" {
		c.Autopilot.Reply = "Hi {name}, thanks for your message. I'll get back to you soon."
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	if c.Provider.BaseURL == "" {
		return fmt.Errorf("provider.base_url is required")
	}
	if u, err := url.Parse(c.Provider.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("provider.base_url must be an absolute URL, got %q", c.Provider.BaseURL)
	}
	if c.Provider.APIKey == "" {
		return fmt.Errorf("provider.api_key is required")
	}
	if c.Provider.PageSize < 0 || c.Provider.RateLimit < 0 || c.Provider.RateBurst < 0 {
		return fmt.Errorf("provider.page_size, rate_limit and rate_burst must not be negative")
	}

	if !strings.HasPrefix(c.Webhook.Path, "/") {
		return fmt.Errorf("webhook.path must start with /, got %q", c.Webhook.Path)
	}
	if c.Webhook.PublicURL != "" {
		if u, err := url.Parse(c.Webhook.PublicURL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("webhook.public_url must be an absolute URL, got %q", c.Webhook.PublicURL)
		}
	}

	if c.Reconcile.Concurrency < 0 || c.Reconcile.MaxPages < 0 {
		return fmt.Errorf("reconcile.concurrency and reconcile.max_pages must not be negative")
	}
	if c.PendingSends.MaxAttempts < 0 {
		return fmt.Errorf("pending_sends.max_attempts must not be negative")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < minJWTSecretLen {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", minJWTSecretLen)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
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
		{"provider.request_timeout", cfg.Provider.RequestTimeoutRaw, &cfg.Provider.RequestTimeout},
		{"webhook.max_skew", cfg.Webhook.MaxSkewRaw, &cfg.Webhook.MaxSkew},
		{"reconcile.interval", cfg.Reconcile.IntervalRaw, &cfg.Reconcile.Interval},
		{"broadcast.write_timeout", cfg.Broadcast.WriteTimeoutRaw, &cfg.Broadcast.WriteTimeout},
		{"pending_sends.sync_after", cfg.PendingSends.SyncAfterRaw, &cfg.PendingSends.SyncAfter},
		{"pending_sends.retention", cfg.PendingSends.RetentionRaw, &cfg.PendingSends.Retention},
		{"pending_sends.sweep_interval", cfg.PendingSends.SweepIntervalRaw, &cfg.PendingSends.SweepInterval},
		{"autopilot.delay", cfg.Autopilot.DelayRaw, &cfg.Autopilot.Delay},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}

// Starter is the config written by `parley init`.
const Starter = `# parley configuration
server:
  http_addr: ":8080"

database:
  driver: sqlite
  dsn: "parley.db"

provider:
  base_url: "${PARLEY_PROVIDER_URL}"
  api_key: "${PARLEY_PROVIDER_API_KEY}"
  account_id: ""
  request_timeout: "30s"
  page_size: 100
  rate_limit: 5
  rate_burst: 10

webhook:
  path: "/webhooks/messages"
  public_url: ""
  name: "parley"
  secret: "${PARLEY_WEBHOOK_SECRET}"
  max_skew: "5m"

reconcile:
  interval: "5m"
  schedule: ""
  concurrency: 4
  max_pages: 20
  on_startup: true
  full_sync_on_startup: false

broadcast:
  write_timeout: "5s"

pending_sends:
  sync_after: "10s"
  max_attempts: 3
  retention: "24h"
  sweep_interval: "5s"

autopilot:
  enabled: false
  delay: "30s"
  reply: "Hi {name}, thanks for your message. I'll get back to you soon."

auth:
  jwt_secret: "${PARLEY_JWT_SECRET}"

logging:
  level: info
  format: text

metrics:
  enabled: true
  path: "/metrics"
`
