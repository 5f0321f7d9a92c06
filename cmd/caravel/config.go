package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	State       StateConfig       `mapstructure:"state"`
	Deployer    DeployerConfig    `mapstructure:"deployer"`
	Deploy      DeployConfig      `mapstructure:"deploy"`
	Verify      VerifyConfig      `mapstructure:"verify"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Log         LogConfig         `mapstructure:"log"`
}

// ServerConfig holds the status API server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds the audit archive database configuration.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// StateConfig holds phase state persistence configuration.
type StateConfig struct {
	Root            string        `mapstructure:"root"`
	MaxHistoryItems int           `mapstructure:"max_history_items"`
	LockTimeout     time.Duration `mapstructure:"lock_timeout"`
}

// DeployerConfig holds the vendor CLI adapter configuration.
type DeployerConfig struct {
	Binary  string        `mapstructure:"binary"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// DeployConfig holds the default deployment plan settings. Command line
// flags override these per invocation.
type DeployConfig struct {
	// DomainsFile is the domain configuration source (JSON or YAML).
	DomainsFile string `mapstructure:"domains_file"`

	Environment string `mapstructure:"environment"`
	Artifact    string `mapstructure:"artifact"`
	Parallel    int    `mapstructure:"parallel"`
	Rollback    bool   `mapstructure:"rollback"`
	FailFast    bool   `mapstructure:"fail_fast"`
}

// VerifyConfig holds the post-deploy health check budget.
type VerifyConfig struct {
	Attempts       int           `mapstructure:"attempts"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// CredentialsConfig holds provider credentials. Set these via environment
// variables (CARAVEL_CREDENTIALS_API_TOKEN etc), never in config files.
type CredentialsConfig struct {
	APIToken  string `mapstructure:"api_token"`
	AccountID string `mapstructure:"account_id"`
	ZoneID    string `mapstructure:"zone_id"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("database.dsn", "./data/caravel.db")
	v.SetDefault("state.root", "./data/state")
	v.SetDefault("state.max_history_items", 10)
	v.SetDefault("state.lock_timeout", "2s")
	v.SetDefault("deployer.binary", "wrangler")
	v.SetDefault("deployer.timeout", "5m")
	v.SetDefault("deploy.domains_file", "")
	v.SetDefault("deploy.environment", "development")
	v.SetDefault("deploy.artifact", "")
	v.SetDefault("deploy.parallel", 3)
	v.SetDefault("deploy.rollback", true)
	v.SetDefault("deploy.fail_fast", false)
	// Credentials default empty; set them via CARAVEL_CREDENTIALS_* env vars.
	v.SetDefault("credentials.api_token", "")
	v.SetDefault("credentials.account_id", "")
	v.SetDefault("credentials.zone_id", "")
	v.SetDefault("verify.attempts", 3)
	v.SetDefault("verify.backoff_base", "500ms")
	v.SetDefault("verify.request_timeout", "10s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// File not found is OK, we'll use defaults
		}
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("CARAVEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
func SetupLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
