// ABOUTME: Configuration loading and parsing for warren-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Load when the file leaves a field unset.
const (
	DefaultHTTPAddr         = "localhost:8787"
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultRequestTimeout   = 30 * time.Second
	DefaultEventQueueSize   = 64
)

// Config represents the complete warren-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Cron      CronConfig      `yaml:"cron"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds listener address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// GatewayConfig holds protocol timing and queue tuning
type GatewayConfig struct {
	HandshakeTimeout time.Duration `yaml:"-"`
	RequestTimeout   time.Duration `yaml:"-"`
	EventQueueSize   int           `yaml:"event_queue_size"`

	// Raw string values for YAML unmarshaling
	HandshakeTimeoutRaw string `yaml:"handshake_timeout"`
	RequestTimeoutRaw   string `yaml:"request_timeout"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// CronConfig holds the scheduled-broadcast subsystem configuration
type CronConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values and defaults applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
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

// Default returns a configuration with all defaults applied and no file read.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Gateway.HandshakeTimeout == 0 {
		c.Gateway.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Gateway.RequestTimeout == 0 {
		c.Gateway.RequestTimeout = DefaultRequestTimeout
	}
	if c.Gateway.EventQueueSize == 0 {
		c.Gateway.EventQueueSize = DefaultEventQueueSize
	}
	if c.Database.Path == "" {
		c.Database.Path = "warren-gateway.db"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Gateway.HandshakeTimeout < 0 {
		return fmt.Errorf("gateway.handshake_timeout must not be negative")
	}
	if c.Gateway.RequestTimeout < 0 {
		return fmt.Errorf("gateway.request_timeout must not be negative")
	}
	if c.Gateway.EventQueueSize < 0 {
		return fmt.Errorf("gateway.event_queue_size must not be negative")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Gateway.HandshakeTimeoutRaw != "" {
		cfg.Gateway.HandshakeTimeout, err = time.ParseDuration(cfg.Gateway.HandshakeTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing handshake_timeout %q: %w", cfg.Gateway.HandshakeTimeoutRaw, err)
		}
	}

	if cfg.Gateway.RequestTimeoutRaw != "" {
		cfg.Gateway.RequestTimeout, err = time.ParseDuration(cfg.Gateway.RequestTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing request_timeout %q: %w", cfg.Gateway.RequestTimeoutRaw, err)
		}
	}

	return nil
}
