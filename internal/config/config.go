// ABOUTME: Configuration loading and parsing for agent-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete agent-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Agents   AgentsConfig   `yaml:"agents"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration. Agent websockets and the
// operator API share one HTTP listener.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds operator API authentication configuration. The agent
// handshake authenticates with credential tokens, not JWTs; this secret only
// guards the HTTP API.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// AgentsConfig holds agent-related timing configuration
type AgentsConfig struct {
	AuthGrace          time.Duration `yaml:"-"`
	SweepInterval      time.Duration `yaml:"-"`
	HeartbeatTimeout   time.Duration `yaml:"-"`
	FlushDebounce      time.Duration `yaml:"-"`
	CommandTimeout     time.Duration `yaml:"-"`
	MaxPendingCommands int           `yaml:"max_pending_commands"`

	// Raw string values for YAML unmarshaling
	AuthGraceRaw        string `yaml:"auth_grace"`
	SweepIntervalRaw    string `yaml:"sweep_interval"`
	HeartbeatTimeoutRaw string `yaml:"heartbeat_timeout"`
	FlushDebounceRaw    string `yaml:"flush_debounce"`
	CommandTimeoutRaw   string `yaml:"command_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied when a field is not set.
const (
	DefaultAuthGrace          = 10 * time.Second
	DefaultSweepInterval      = 30 * time.Second
	DefaultHeartbeatTimeout   = 60 * time.Second
	DefaultFlushDebounce      = 10 * time.Second
	DefaultCommandTimeout     = 10 * time.Second
	DefaultMaxPendingCommands = 64
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
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

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills unset timing fields with the documented defaults.
func (c *Config) applyDefaults() {
	if c.Agents.AuthGrace == 0 {
		c.Agents.AuthGrace = DefaultAuthGrace
	}
	if c.Agents.SweepInterval == 0 {
		c.Agents.SweepInterval = DefaultSweepInterval
	}
	if c.Agents.HeartbeatTimeout == 0 {
		c.Agents.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.Agents.FlushDebounce == 0 {
		c.Agents.FlushDebounce = DefaultFlushDebounce
	}
	if c.Agents.CommandTimeout == 0 {
		c.Agents.CommandTimeout = DefaultCommandTimeout
	}
	if c.Agents.MaxPendingCommands == 0 {
		c.Agents.MaxPendingCommands = DefaultMaxPendingCommands
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Agents.AuthGrace < 0 || c.Agents.SweepInterval < 0 ||
		c.Agents.HeartbeatTimeout < 0 || c.Agents.FlushDebounce < 0 ||
		c.Agents.CommandTimeout < 0 {
		return fmt.Errorf("agent durations must not be negative")
	}
	if c.Agents.MaxPendingCommands < 0 {
		return fmt.Errorf("agents.max_pending_commands must not be negative")
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
		{"auth_grace", cfg.Agents.AuthGraceRaw, &cfg.Agents.AuthGrace},
		{"sweep_interval", cfg.Agents.SweepIntervalRaw, &cfg.Agents.SweepInterval},
		{"heartbeat_timeout", cfg.Agents.HeartbeatTimeoutRaw, &cfg.Agents.HeartbeatTimeout},
		{"flush_debounce", cfg.Agents.FlushDebounceRaw, &cfg.Agents.FlushDebounce},
		{"command_timeout", cfg.Agents.CommandTimeoutRaw, &cfg.Agents.CommandTimeout},
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
