package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration shared by the
// license server and the protected application.
//
// Precedence is defaults, then the optional YAML file, then environment
// variables. The envconfig tags carry no defaults on purpose: with defaults
// in the tags a later Process call would overwrite file-loaded values.
type Config struct {
	Server   ServerConfig   `yaml:"server" envconfig:"SERVER"`
	Registry RegistryConfig `yaml:"registry" envconfig:"REGISTRY"`
	License  LicenseConfig  `yaml:"license"`
	Ledger   LedgerConfig   `yaml:"ledger" envconfig:"LEDGER"`
	Security SecurityConfig `yaml:"security" envconfig:"SECURITY"`
	Logging  LoggingConfig  `yaml:"logging" envconfig:"LOGGING"`
}

// ServerConfig contains HTTP server configuration for the protected app.
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
	DataDir         string        `yaml:"data_dir" envconfig:"DATA_DIR"`
}

// RegistryConfig contains the license server's own settings: where it
// listens, where the authoritative store lives, and the keyed secret used
// to generate license keys.
type RegistryConfig struct {
	Port          int    `yaml:"port" envconfig:"PORT"`
	StorePath     string `yaml:"store_path" envconfig:"STORE_PATH"`
	SigningSecret string `yaml:"signing_secret" envconfig:"SIGNING_SECRET"`
}

// LicenseConfig contains the protected application's license-client settings.
// The envconfig tags below are the deployment-level option names and are
// read without the HOURGATE prefix so operators can set them directly.
type LicenseConfig struct {
	ServerURL            string        `yaml:"server_url" envconfig:"LICENSE_SERVER_URL"`
	RequireLicenseServer bool          `yaml:"require_license_server" envconfig:"REQUIRE_LICENSE_SERVER"`
	EnforcePayment       bool          `yaml:"enforce_payment" envconfig:"ENFORCE_PAYMENT"`
	UsageCheckInterval   int           `yaml:"usage_check_interval" envconfig:"USAGE_CHECK_INTERVAL"`
	RequestTimeout       time.Duration `yaml:"request_timeout" envconfig:"LICENSE_REQUEST_TIMEOUT"`
	MaxSessionAgeHours   float64       `yaml:"max_session_age_hours" envconfig:"MAX_SESSION_AGE_HOURS"`
}

// CheckInterval returns the usage check interval as a duration.
func (c LicenseConfig) CheckInterval() time.Duration {
	return time.Duration(c.UsageCheckInterval) * time.Second
}

// LedgerConfig contains the audit ledger settings.
type LedgerConfig struct {
	Path          string `yaml:"path" envconfig:"PATH"`
	StatsWindow   int    `yaml:"stats_window_days" envconfig:"STATS_WINDOW_DAYS"`
	RetentionDays int    `yaml:"retention_days" envconfig:"RETENTION_DAYS"`
}

// SecurityConfig contains rate limiting configuration.
type SecurityConfig struct {
	RateLimit RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED"`
	RPS     float64 `yaml:"rps" envconfig:"RPS"`
	Burst   int     `yaml:"burst" envconfig:"BURST"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL"`
	Output   string `yaml:"output" envconfig:"OUTPUT"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// defaultConfig returns the built-in defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			DataDir:         "data/reports",
		},
		Registry: RegistryConfig{
			Port:          8081,
			StorePath:     "data/licenses.json",
			SigningSecret: "hourgate-dev-signing-secret",
		},
		License: LicenseConfig{
			ServerURL:            "http://localhost:8081",
			RequireLicenseServer: false,
			EnforcePayment:       true,
			UsageCheckInterval:   30,
			RequestTimeout:       5 * time.Second,
			MaxSessionAgeHours:   24,
		},
		Ledger: LedgerConfig{
			Path:          "data/ledger.db",
			StatsWindow:   30,
			RetentionDays: 365,
		},
		Security: SecurityConfig{
			RateLimit: RateLimitConfig{Enabled: true, RPS: 100, Burst: 50},
		},
		Logging: LoggingConfig{
			Level:    "info",
			Output:   "console",
			FilePath: "logs/hourgate.log",
		},
	}
}

// Load loads configuration: built-in defaults, overridden by an optional
// YAML file, overridden by environment variables.
func Load() (*Config, error) {
	cfg := defaultConfig()

	configFile := configFilePath()
	if _, err := os.Stat(configFile); err == nil {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := envconfig.Process("HOURGATE", cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}
	// The license options are unprefixed; process the section again so
	// LICENSE_SERVER_URL and friends are honored verbatim.
	if err := envconfig.Process("", &cfg.License); err != nil {
		return nil, fmt.Errorf("failed to load license config from env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func configFilePath() string {
	if path := os.Getenv("HOURGATE_CONFIG"); path != "" {
		return path
	}
	return "config.yaml"
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Registry.Port < 1 || c.Registry.Port > 65535 {
		return fmt.Errorf("invalid registry port: %d", c.Registry.Port)
	}
	if c.License.UsageCheckInterval <= 0 {
		return fmt.Errorf("usage check interval must be positive, got %d", c.License.UsageCheckInterval)
	}
	if c.License.MaxSessionAgeHours <= 0 {
		return fmt.Errorf("max session age must be positive, got %f", c.License.MaxSessionAgeHours)
	}
	if c.Registry.SigningSecret == "" {
		return fmt.Errorf("registry signing secret must not be empty")
	}
	return nil
}

// EnsureDirectories creates the directories backing the store, ledger and
// log files if they do not exist yet.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Registry.StorePath),
		filepath.Dir(c.Ledger.Path),
		filepath.Dir(c.Logging.FilePath),
	}
	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
