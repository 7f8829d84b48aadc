package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
)

// Prefix is the environment variable prefix for every setting.
const Prefix = "DESK"

// FileEnv names the variable pointing at an optional YAML overlay.
const FileEnv = "DESK_CONFIG_FILE"

// Config holds all application configuration.
type Config struct {
	Backend     BackendConfig     `yaml:"backend"`
	Session     SessionConfig     `yaml:"session"`
	HTTP        HTTPConfig        `yaml:"http"`
	Vault       VaultConfig       `yaml:"vault"`
	Logging     LogConfig         `yaml:"logging"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
}

// BackendConfig describes the agent backend subprocess.
type BackendConfig struct {
	Binary   string `envconfig:"BINARY" yaml:"binary"`
	BasePort int    `envconfig:"BASE_PORT" yaml:"base_port"`
	PortSpan int    `envconfig:"PORT_SPAN" yaml:"port_span"`
	DataDir  string `envconfig:"DATA_DIR" yaml:"data_dir"`
}

// SessionConfig tunes the session state machine.
type SessionConfig struct {
	PollInterval  time.Duration `envconfig:"POLL_INTERVAL" yaml:"poll_interval"`
	HealthTimeout time.Duration `envconfig:"HEALTH_TIMEOUT" yaml:"health_timeout"`
	RetryAttempts int           `envconfig:"RETRY_ATTEMPTS" yaml:"retry_attempts"`
	RetryMinWait  time.Duration `envconfig:"RETRY_MIN_WAIT" yaml:"retry_min_wait"`
	RetryMaxWait  time.Duration `envconfig:"RETRY_MAX_WAIT" yaml:"retry_max_wait"`
}

// HTTPConfig holds backend HTTP client settings.
type HTTPConfig struct {
	Timeout   time.Duration `envconfig:"TIMEOUT" yaml:"timeout"`
	RateLimit float64       `envconfig:"RATE_LIMIT" yaml:"rate_limit"` // requests per second, 0 = unlimited
}

// VaultConfig holds secure credential storage settings.
type VaultConfig struct {
	Disabled bool `envconfig:"ENCRYPTION_DISABLED" yaml:"encryption_disabled"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" yaml:"level"`
	Development bool   `envconfig:"LOG_DEV" yaml:"development"`
}

// DiagnosticsConfig holds the local diagnostics server settings.
type DiagnosticsConfig struct {
	Enabled bool   `envconfig:"ENABLED" yaml:"enabled"`
	Addr    string `envconfig:"ADDR" yaml:"addr"`
}

// Load builds configuration from defaults, then the YAML file named by
// DESK_CONFIG_FILE (if any), then DESK_* environment variables.
func Load() (*Config, error) {
	return LoadFile(os.Getenv(FileEnv))
}

// LoadFile is Load with an explicit overlay path. An empty path skips the file.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := envconfig.Process(Prefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			Binary:   "devon_agent",
			BasePort: 10000,
			PortSpan: 1000,
			DataDir:  defaultDataDir(),
		},
		Session: SessionConfig{
			PollInterval:  time.Second,
			HealthTimeout: 15 * time.Second,
			RetryAttempts: 5,
			RetryMinWait:  200 * time.Millisecond,
			RetryMaxWait:  2 * time.Second,
		},
		HTTP: HTTPConfig{
			Timeout:   30 * time.Second,
			RateLimit: 0,
		},
		Vault: VaultConfig{
			Disabled: false,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		Diagnostics: DiagnosticsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9470",
		},
	}
}

// Validate rejects configurations the runtime cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Backend.Binary == "" {
		errs = append(errs, errors.New("backend binary must be set"))
	}
	if c.Backend.BasePort <= 0 || c.Backend.BasePort > 65535 {
		errs = append(errs, fmt.Errorf("backend base port out of range: %d", c.Backend.BasePort))
	}
	if c.Backend.PortSpan <= 0 {
		errs = append(errs, fmt.Errorf("backend port span must be positive: %d", c.Backend.PortSpan))
	}
	if c.Session.PollInterval <= 0 {
		errs = append(errs, errors.New("session poll interval must be positive"))
	}
	if c.Session.HealthTimeout <= 0 {
		errs = append(errs, errors.New("session health timeout must be positive"))
	}
	if c.Session.RetryAttempts < 1 {
		errs = append(errs, errors.New("session retry attempts must be at least 1"))
	}
	if c.HTTP.RateLimit < 0 {
		errs = append(errs, errors.New("http rate limit cannot be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// defaultDataDir resolves the per-user data directory for the desktop app.
func defaultDataDir() string {
	base, err := os.UserConfigDir()
	if err != nil || base == "" {
		base = os.TempDir()
	}
	return filepath.Join(base, "devon")
}
