package config_test

import (
	"testing"
	"time"

	"github.com/forfeit-sh/forfeit/pkg/config"
	"github.com/stretchr/testify/assert"
)

// TestLoad_Defaults verifies that Load() returns sensible defaults
// when no environment variables are set.
// Invariant: System must boot with safe defaults in lite mode.
func TestLoad_Defaults(t *testing.T) {
	// Ensure clean env
	t.Setenv("PORT", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("FORFEIT_SCAN_INTERVAL", "")
	t.Setenv("FORFEIT_DEV_TRIGGER", "")

	cfg := config.Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Empty(t, cfg.DatabaseURL) // Lite mode
	assert.Equal(t, "forfeit.db", cfg.SQLitePath)
	assert.Equal(t, 60*time.Second, cfg.ScanInterval)
	assert.Equal(t, 15*time.Second, cfg.PollInterval)
	assert.False(t, cfg.DevTrigger)
}

// TestLoad_Overrides verifies that environment variables correctly
// override default values.
// Invariant: Ops can control config via standard 12-factor env vars.
func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("DATABASE_URL", "postgres://production:5432/forfeit")
	t.Setenv("REDIS_URL", "redis://cache:6379/0")
	t.Setenv("FORFEIT_SCAN_INTERVAL", "5s")
	t.Setenv("FORFEIT_DEV_TRIGGER", "true")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "postgres://production:5432/forfeit", cfg.DatabaseURL)
	assert.Equal(t, "redis://cache:6379/0", cfg.RedisURL)
	assert.Equal(t, 5*time.Second, cfg.ScanInterval)
	assert.True(t, cfg.DevTrigger)
}

// TestLoad_BadDuration verifies that malformed durations fall back rather
// than crash the boot path.
func TestLoad_BadDuration(t *testing.T) {
	t.Setenv("FORFEIT_SCAN_INTERVAL", "not-a-duration")
	t.Setenv("FORFEIT_POLL_INTERVAL", "-5s")

	cfg := config.Load()

	assert.Equal(t, 60*time.Second, cfg.ScanInterval)
	assert.Equal(t, 15*time.Second, cfg.PollInterval)
}
