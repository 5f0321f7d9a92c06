package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Config Loading Tests
// =============================================================================

func TestLoadConfig_DefaultValues(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "./data/caravel.db", cfg.Database.DSN)
	assert.Equal(t, "./data/state", cfg.State.Root)
	assert.Equal(t, 10, cfg.State.MaxHistoryItems)
	assert.Equal(t, 2*time.Second, cfg.State.LockTimeout)
	assert.Equal(t, "wrangler", cfg.Deployer.Binary)
	assert.Equal(t, 5*time.Minute, cfg.Deployer.Timeout)
	assert.Equal(t, "development", cfg.Deploy.Environment)
	assert.Equal(t, 3, cfg.Deploy.Parallel)
	assert.True(t, cfg.Deploy.Rollback)
	assert.False(t, cfg.Deploy.FailFast)
	assert.Equal(t, 3, cfg.Verify.Attempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Verify.BackoffBase)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadConfig_FromFile(t *testing.T) {
	clearEnv(t)

	configContent := `
server:
  host: "127.0.0.1"
  port: 9000

state:
  root: "/tmp/caravel-state"
  max_history_items: 5

deploy:
  environment: "production"
  parallel: 8
  rollback: false
  fail_fast: true

verify:
  attempts: 5
  backoff_base: 1s

log:
  level: "debug"
  format: "text"
`
	tmpFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(tmpFile, []byte(configContent), 0644))

	cfg, err := LoadConfig(tmpFile)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "/tmp/caravel-state", cfg.State.Root)
	assert.Equal(t, 5, cfg.State.MaxHistoryItems)
	assert.Equal(t, "production", cfg.Deploy.Environment)
	assert.Equal(t, 8, cfg.Deploy.Parallel)
	assert.False(t, cfg.Deploy.Rollback)
	assert.True(t, cfg.Deploy.FailFast)
	assert.Equal(t, 5, cfg.Verify.Attempts)
	assert.Equal(t, time.Second, cfg.Verify.BackoffBase)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadConfig_EnvironmentOverride(t *testing.T) {
	clearEnv(t)

	t.Setenv("CARAVEL_SERVER_PORT", "3000")
	t.Setenv("CARAVEL_DATABASE_DSN", "/custom/path.db")
	t.Setenv("CARAVEL_DEPLOY_ENVIRONMENT", "staging")
	t.Setenv("CARAVEL_CREDENTIALS_API_TOKEN", "secret-token")
	t.Setenv("CARAVEL_CREDENTIALS_ACCOUNT_ID", "acct-42")
	t.Setenv("CARAVEL_LOG_LEVEL", "warn")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "/custom/path.db", cfg.Database.DSN)
	assert.Equal(t, "staging", cfg.Deploy.Environment)
	assert.Equal(t, "secret-token", cfg.Credentials.APIToken)
	assert.Equal(t, "acct-42", cfg.Credentials.AccountID)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadConfig_FileNotFound_UsesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig("/nonexistent/path/config.yaml")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	clearEnv(t)

	tmpFile := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(tmpFile, []byte("invalid: yaml: content: [[["), 0644))

	_, err := LoadConfig(tmpFile)
	assert.Error(t, err)
}

// =============================================================================
// Logger Setup Tests
// =============================================================================

func TestSetupLogger_JSONFormat(t *testing.T) {
	cfg := &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}

	logger := SetupLogger(cfg)
	assert.NotNil(t, logger)
}

func TestSetupLogger_TextFormat(t *testing.T) {
	cfg := &Config{
		Log: LogConfig{
			Level:  "debug",
			Format: "text",
		},
	}

	logger := SetupLogger(cfg)
	assert.NotNil(t, logger)
}

func TestSetupLogger_InvalidLevel(t *testing.T) {
	cfg := &Config{
		Log: LogConfig{
			Level:  "invalid",
			Format: "json",
		},
	}

	// Should fall back to info level, not panic
	logger := SetupLogger(cfg)
	assert.NotNil(t, logger)
}

// =============================================================================
// Config Validation Tests
// =============================================================================

func TestConfig_Address(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{
			Host: "localhost",
			Port: 8080,
		},
	}

	assert.Equal(t, "localhost:8080", cfg.Server.Address())
}

// =============================================================================
// Test Helpers
// =============================================================================

func clearEnv(t *testing.T) {
	t.Helper()
	envVars := []string{
		"CARAVEL_SERVER_HOST",
		"CARAVEL_SERVER_PORT",
		"CARAVEL_DATABASE_DSN",
		"CARAVEL_STATE_ROOT",
		"CARAVEL_DEPLOY_ENVIRONMENT",
		"CARAVEL_CREDENTIALS_API_TOKEN",
		"CARAVEL_CREDENTIALS_ACCOUNT_ID",
		"CARAVEL_LOG_LEVEL",
		"CARAVEL_LOG_FORMAT",
	}
	for _, v := range envVars {
		os.Unsetenv(v)
	}
}
