// ABOUTME: Configuration loading and parsing for relay-gateway
// ABOUTME: YAML or TOML files with ${VAR} expansion, duration parsing and env overrides

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// Config represents the complete relay-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Store     StoreConfig     `yaml:"store" toml:"store"`
	Provider  ProviderConfig  `yaml:"provider" toml:"provider"`
	Sessions  SessionsConfig  `yaml:"sessions" toml:"sessions"`
	Webhook   WebhookConfig   `yaml:"webhook" toml:"webhook"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
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
	HTTPS     bool   `yaml:"https" toml:"https"`   // Serve :443 with tailnet certificates
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// AuthConfig holds API authentication configuration
type AuthConfig struct {
	APIKey    string `yaml:"api_key" toml:"api_key"`
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// StoreConfig selects and configures the durable credential store
type StoreConfig struct {
	Driver    string `yaml:"driver" toml:"driver"` // "sqlite" or "redis"
	Namespace string `yaml:"namespace" toml:"namespace"`

	// CredentialsTTL expires idle credential records. Zero keeps them forever.
	CredentialsTTL    time.Duration `yaml:"-" toml:"-"`
	CredentialsTTLRaw string        `yaml:"credentials_ttl" toml:"credentials_ttl"`

	SQLite SQLiteConfig `yaml:"sqlite" toml:"sqlite"`
	Redis  RedisConfig  `yaml:"redis" toml:"redis"`
}

// SQLiteConfig holds the SQLite database location
type SQLiteConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string `yaml:"addr" toml:"addr"`
	Password string `yaml:"password" toml:"password"`
	DB       int    `yaml:"db" toml:"db"`
}

// ProviderConfig selects the connection provider
type ProviderConfig struct {
	Kind   string               `yaml:"kind" toml:"kind"` // "remote" or "fake"
	Remote RemoteProviderConfig `yaml:"remote" toml:"remote"`
	Fake   FakeProviderConfig   `yaml:"fake" toml:"fake"`
}

// RemoteProviderConfig points at an external protocol engine
type RemoteProviderConfig struct {
	URL   string `yaml:"url" toml:"url"`
	Token string `yaml:"token" toml:"token"`

	RequestTimeout    time.Duration `yaml:"-" toml:"-"`
	RequestTimeoutRaw string        `yaml:"request_timeout" toml:"request_timeout"`
}

// FakeProviderConfig tunes the in-process development provider
type FakeProviderConfig struct {
	PairDelay    time.Duration `yaml:"-" toml:"-"`
	PairDelayRaw string        `yaml:"pair_delay" toml:"pair_delay"`
}

// SessionsConfig holds session lifecycle settings
type SessionsConfig struct {
	StartWait    time.Duration `yaml:"-" toml:"-"`
	StartWaitRaw string        `yaml:"start_wait" toml:"start_wait"`

	// RestoreOnBoot starts every session with stored credentials at startup.
	// Defaults to true.
	RestoreOnBoot *bool `yaml:"restore_on_boot" toml:"restore_on_boot"`

	Reconnect ReconnectConfig `yaml:"reconnect" toml:"reconnect"`
}

// ShouldRestore reports whether stored sessions are started at boot.
func (s SessionsConfig) ShouldRestore() bool {
	return s.RestoreOnBoot == nil || *s.RestoreOnBoot
}

// ReconnectConfig holds the reconnect backoff policy
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"-" toml:"-"`
	MaxDelay     time.Duration `yaml:"-" toml:"-"`
	StableAfter  time.Duration `yaml:"-" toml:"-"`
	Multiplier   float64       `yaml:"multiplier" toml:"multiplier"`
	// MaxAttempts is nil when unset, which keeps the default budget. An
	// explicit 0 retries forever.
	MaxAttempts *int `yaml:"max_attempts" toml:"max_attempts"`

	// Raw string values for YAML/TOML unmarshaling
	InitialDelayRaw string `yaml:"initial_delay" toml:"initial_delay"`
	MaxDelayRaw     string `yaml:"max_delay" toml:"max_delay"`
	StableAfterRaw  string `yaml:"stable_after" toml:"stable_after"`
}

// WebhookConfig holds inbound message delivery settings
type WebhookConfig struct {
	Timeout    time.Duration `yaml:"-" toml:"-"`
	RetryDelay time.Duration `yaml:"-" toml:"-"`
	DedupeTTL  time.Duration `yaml:"-" toml:"-"`

	MaxAttempts    int  `yaml:"max_attempts" toml:"max_attempts"`
	MaxInFlight    int  `yaml:"max_in_flight" toml:"max_in_flight"`
	QueueSize      int  `yaml:"queue_size" toml:"queue_size"` // waiting messages; overflow is dropped
	IncludeHistory bool `yaml:"include_history" toml:"include_history"`

	TimeoutRaw    string `yaml:"timeout" toml:"timeout"`
	RetryDelayRaw string `yaml:"retry_delay" toml:"retry_delay"`
	DedupeTTLRaw  string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"` // "text" (colorized) or "json"
}

// envOverrides are applied on top of the file. Unset variables leave the
// file's values alone.
type envOverrides struct {
	HTTPAddr      string `env:"RELAY_HTTP_ADDR"`
	APIKey        string `env:"RELAY_API_KEY"`
	JWTSecret     string `env:"RELAY_JWT_SECRET"`
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	EngineURL     string `env:"RELAY_ENGINE_URL"`
	LogLevel      string `env:"RELAY_LOG_LEVEL"`
}

// DefaultPath returns the config location: $RELAY_CONFIG, else
// $XDG_CONFIG_HOME/relay/gateway.yaml, else ~/.config/relay/gateway.yaml.
func DefaultPath() string {
	if p := os.Getenv("RELAY_CONFIG"); p != "" {
		return p
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "relay", "gateway.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "gateway.yaml"
	}
	return filepath.Join(home, ".config", "relay", "gateway.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
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

	if err := applyEnv(&cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func applyEnv(cfg *Config) error {
	var env envOverrides
	if err := envdecode.Decode(&env); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return err
	}

	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Server.HTTPAddr, env.HTTPAddr)
	set(&cfg.Auth.APIKey, env.APIKey)
	set(&cfg.Auth.JWTSecret, env.JWTSecret)
	set(&cfg.Store.Redis.Addr, env.RedisAddr)
	set(&cfg.Store.Redis.Password, env.RedisPassword)
	set(&cfg.Provider.Remote.URL, env.EngineURL)
	set(&cfg.Logging.Level, env.LogLevel)
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"store.credentials_ttl", cfg.Store.CredentialsTTLRaw, &cfg.Store.CredentialsTTL},
		{"provider.remote.request_timeout", cfg.Provider.Remote.RequestTimeoutRaw, &cfg.Provider.Remote.RequestTimeout},
		{"provider.fake.pair_delay", cfg.Provider.Fake.PairDelayRaw, &cfg.Provider.Fake.PairDelay},
		{"sessions.start_wait", cfg.Sessions.StartWaitRaw, &cfg.Sessions.StartWait},
		{"sessions.reconnect.initial_delay", cfg.Sessions.Reconnect.InitialDelayRaw, &cfg.Sessions.Reconnect.InitialDelay},
		{"sessions.reconnect.max_delay", cfg.Sessions.Reconnect.MaxDelayRaw, &cfg.Sessions.Reconnect.MaxDelay},
		{"sessions.reconnect.stable_after", cfg.Sessions.Reconnect.StableAfterRaw, &cfg.Sessions.Reconnect.StableAfter},
		{"webhook.timeout", cfg.Webhook.TimeoutRaw, &cfg.Webhook.Timeout},
		{"webhook.retry_delay", cfg.Webhook.RetryDelayRaw, &cfg.Webhook.RetryDelay},
		{"webhook.dedupe_ttl", cfg.Webhook.DedupeTTLRaw, &cfg.Webhook.DedupeTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "sqlite"
	}
	if cfg.Store.Driver == "sqlite" && cfg.Store.SQLite.Path == "" {
		cfg.Store.SQLite.Path = "./relay.db"
	}
	if cfg.Provider.Kind == "" {
		cfg.Provider.Kind = "remote"
	}
	if cfg.Provider.Fake.PairDelay == 0 {
		cfg.Provider.Fake.PairDelay = 5 * time.Second
	}
	if cfg.Sessions.StartWaitRaw == "" {
		cfg.Sessions.StartWait = 20 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
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

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.SQLite.Path == "" {
			return fmt.Errorf("store.sqlite.path is required")
		}
	case "redis":
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("store.redis.addr is required")
		}
	default:
		return fmt.Errorf("store.driver must be sqlite or redis, got %q", c.Store.Driver)
	}
	if strings.Contains(c.Store.Namespace, ":") {
		return fmt.Errorf("store.namespace must not contain ':'")
	}

	switch c.Provider.Kind {
	case "remote":
		if c.Provider.Remote.URL == "" {
			return fmt.Errorf("provider.remote.url is required")
		}
	case "fake":
	default:
		return fmt.Errorf("provider.kind must be remote or fake, got %q", c.Provider.Kind)
	}

	r := c.Sessions.Reconnect
	if r.Multiplier != 0 && r.Multiplier < 1 {
		return fmt.Errorf("sessions.reconnect.multiplier must be >= 1")
	}
	if r.MaxAttempts != nil && *r.MaxAttempts < 0 {
		return fmt.Errorf("sessions.reconnect.max_attempts must not be negative")
	}
	if r.MaxDelay != 0 && r.MaxDelay < r.InitialDelay {
		return fmt.Errorf("sessions.reconnect.max_delay must be >= initial_delay")
	}

	if c.Webhook.MaxAttempts < 0 || c.Webhook.MaxInFlight < 0 || c.Webhook.QueueSize < 0 {
		return fmt.Errorf("webhook.max_attempts, max_in_flight and queue_size must not be negative")
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
