package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.AppEnv)
	assert.True(t, cfg.IsDev())
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, 20*time.Minute, cfg.ErrorWindow)
	assert.Equal(t, 10, cfg.ErrorThreshold)
	assert.Equal(t, 2*time.Hour, cfg.CooldownDuration)
	assert.Equal(t, 8, cfg.MaxConcurrentSubmissions)
	assert.Equal(t, 20, cfg.MaxConcurrentWorkers)
	assert.Equal(t, 15*time.Second, cfg.PollInterval)
	assert.Equal(t, 240, cfg.MaxPollAttempts)
	assert.Equal(t, 8, cfg.TokenRetryAttempt)
	assert.Equal(t, 60*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 40, cfg.DBPoolSize)
	assert.Equal(t, 90*time.Second, cfg.SubmitTimeout)
	assert.Equal(t, 30*time.Second, cfg.StatusTimeout)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("BATCH_SIZE", "50")
	t.Setenv("ERROR_WINDOW", "5m")
	t.Setenv("MAX_CONCURRENT_WORKERS", "4")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProd())
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, 5*time.Minute, cfg.ErrorWindow)
	assert.Equal(t, 4, cfg.MaxConcurrentWorkers)
}

func TestResetLocation(t *testing.T) {
	cfg := Config{DailyResetTimezone: "America/New_York"}
	assert.Equal(t, "America/New_York", cfg.ResetLocation().String())

	cfg.DailyResetTimezone = "Not/AZone"
	assert.Equal(t, time.UTC, cfg.ResetLocation())
}
