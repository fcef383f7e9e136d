// ABOUTME: Configuration loading and parsing for the rookery hub
// ABOUTME: YAML with environment variable expansion, duration parsing, and validation

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rookery-hq/rookery/internal/backoff"
	"github.com/rookery-hq/rookery/internal/ratelimit"
	"github.com/rookery-hq/rookery/internal/token"
)

// Config is the complete rookery hub configuration.
type Config struct {
	Hub       HubConfig       `yaml:"hub"`
	Keystore  KeystoreConfig  `yaml:"keystore"`
	Backoff   BackoffConfig   `yaml:"backoff"`
	RateLimit LimitConfig     `yaml:"rate_limit"`
	Health    HealthConfig    `yaml:"health"`
	Token     TokenConfig     `yaml:"token"`
	Transport TransportConfig `yaml:"transport"`
	Logging   LoggingConfig   `yaml:"logging"`
	Agents    []AgentConfig   `yaml:"agents"`
}

// HubConfig bounds the orchestrator itself.
type HubConfig struct {
	MaxConnections int           `yaml:"max_connections"`
	RequestTimeout time.Duration `yaml:"-"`

	RequestTimeoutRaw string `yaml:"request_timeout"`
}

// KeystoreConfig locates the sealed credential store.
type KeystoreConfig struct {
	Path string `yaml:"path"`
	// MasterKey seals credential blobs at rest. Usually supplied via
	// ${ROOKERY_MASTER_KEY} so it never lives in the file itself.
	MasterKey string `yaml:"master_key"`
}

// BackoffConfig is the retry schedule for connects and sends.
type BackoffConfig struct {
	Kind         string        `yaml:"kind"`
	Multiplier   float64       `yaml:"multiplier"`
	MaxRetries   int           `yaml:"max_retries"`
	Jitter       float64       `yaml:"jitter"`
	InitialDelay time.Duration `yaml:"-"`
	MaxDelay     time.Duration `yaml:"-"`

	InitialDelayRaw string `yaml:"initial_delay"`
	MaxDelayRaw     string `yaml:"max_delay"`
}

// LimitConfig is one token bucket: burst capacity and refill rate in
// tokens per second.
type LimitConfig struct {
	Capacity   int     `yaml:"capacity"`
	RefillRate float64 `yaml:"refill_rate"`
}

// HealthConfig tunes the probe loops.
type HealthConfig struct {
	UnhealthyThreshold int           `yaml:"unhealthy_threshold"`
	WindowSize         int           `yaml:"window_size"`
	ProbeInterval      time.Duration `yaml:"-"`
	ProbeTimeout       time.Duration `yaml:"-"`

	ProbeIntervalRaw string `yaml:"probe_interval"`
	ProbeTimeoutRaw  string `yaml:"probe_timeout"`
}

// TokenConfig tunes credential refresh.
type TokenConfig struct {
	RefreshBuffer time.Duration `yaml:"-"`
	HTTPTimeout   time.Duration `yaml:"-"`

	RefreshBufferRaw string `yaml:"refresh_buffer"`
	HTTPTimeoutRaw   string `yaml:"http_timeout"`
}

// TransportConfig tunes the websocket transport.
type TransportConfig struct {
	BufferSize       int           `yaml:"buffer_size"`
	HandshakeTimeout time.Duration `yaml:"-"`
	WriteTimeout     time.Duration `yaml:"-"`
	PingInterval     time.Duration `yaml:"-"`
	PongTimeout      time.Duration `yaml:"-"`

	HandshakeTimeoutRaw string `yaml:"handshake_timeout"`
	WriteTimeoutRaw     string `yaml:"write_timeout"`
	PingIntervalRaw     string `yaml:"ping_interval"`
	PongTimeoutRaw      string `yaml:"pong_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AgentConfig is one agent to register at startup.
type AgentConfig struct {
	ID           string                 `yaml:"id"`
	Endpoint     string                 `yaml:"endpoint"`
	Capabilities []string               `yaml:"capabilities"`
	Auth         token.AuthConfig       `yaml:"auth"`
	RateLimit    *LimitConfig           `yaml:"rate_limit"`
	PerMethod    map[string]LimitConfig `yaml:"per_method"`
}

// Load reads a configuration file from the given path and returns a
// parsed Config. Environment variables in the format ${VAR_NAME} are
// expanded before parsing; duration strings become time.Duration
// values; validation rejects the first problem found.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates raw YAML configuration.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to empty strings.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that the configuration can actually drive a hub.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Keystore.Path == "" {
		return fmt.Errorf("keystore.path is required")
	}
	if c.Keystore.MasterKey == "" {
		return fmt.Errorf("keystore.master_key is required (set ROOKERY_MASTER_KEY)")
	}

	switch c.Backoff.Kind {
	case "", string(backoff.Fixed), string(backoff.Linear), string(backoff.Exponential):
	default:
		return fmt.Errorf("backoff.kind %q is not one of fixed, linear, exponential", c.Backoff.Kind)
	}

	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agents[%d]: id is required", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("agents[%d]: duplicate agent id %q", i, a.ID)
		}
		seen[a.ID] = true
		if a.Endpoint == "" {
			return fmt.Errorf("agent %s: endpoint is required", a.ID)
		}
		if err := a.Auth.Validate(); err != nil {
			return fmt.Errorf("agent %s: %w", a.ID, err)
		}
	}

	return nil
}

// BackoffPolicy converts the backoff section into an executor policy.
// Zero fields inherit the executor's defaults.
func (c *Config) BackoffPolicy() backoff.Policy {
	return backoff.Policy{
		Kind:         backoff.Kind(c.Backoff.Kind),
		InitialDelay: c.Backoff.InitialDelay,
		Multiplier:   c.Backoff.Multiplier,
		MaxDelay:     c.Backoff.MaxDelay,
		MaxRetries:   c.Backoff.MaxRetries,
		Jitter:       c.Backoff.Jitter,
	}
}

// Limit converts a limit section into a rate limiter bucket spec.
func (l LimitConfig) Limit() ratelimit.Limit {
	return ratelimit.Limit{Capacity: l.Capacity, RefillRate: l.RefillRate}
}

type durationField struct {
	raw  string
	dst  *time.Duration
	name string
}

// parseDurations converts the raw duration strings into time.Duration
// values.
func parseDurations(cfg *Config) error {
	fields := []durationField{
		{cfg.Hub.RequestTimeoutRaw, &cfg.Hub.RequestTimeout, "hub.request_timeout"},
		{cfg.Backoff.InitialDelayRaw, &cfg.Backoff.InitialDelay, "backoff.initial_delay"},
		{cfg.Backoff.MaxDelayRaw, &cfg.Backoff.MaxDelay, "backoff.max_delay"},
		{cfg.Health.ProbeIntervalRaw, &cfg.Health.ProbeInterval, "health.probe_interval"},
		{cfg.Health.ProbeTimeoutRaw, &cfg.Health.ProbeTimeout, "health.probe_timeout"},
		{cfg.Token.RefreshBufferRaw, &cfg.Token.RefreshBuffer, "token.refresh_buffer"},
		{cfg.Token.HTTPTimeoutRaw, &cfg.Token.HTTPTimeout, "token.http_timeout"},
		{cfg.Transport.HandshakeTimeoutRaw, &cfg.Transport.HandshakeTimeout, "transport.handshake_timeout"},
		{cfg.Transport.WriteTimeoutRaw, &cfg.Transport.WriteTimeout, "transport.write_timeout"},
		{cfg.Transport.PingIntervalRaw, &cfg.Transport.PingInterval, "transport.ping_interval"},
		{cfg.Transport.PongTimeoutRaw, &cfg.Transport.PongTimeout, "transport.pong_timeout"},
	}

	for _, f := range fields {
		if f.raw == "" {
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
