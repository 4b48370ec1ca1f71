package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoedit/tate-api/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Server.LogLevel)
	assert.Equal(t, 4, cfg.Worker.Count)
	assert.Equal(t, 100, cfg.Worker.QueueSize)
	assert.Equal(t, 3, cfg.Worker.MaxRetries)
	assert.Equal(t, time.Minute, cfg.Worker.RetryDelay)
	assert.Equal(t, 10*time.Minute, cfg.Worker.MaxBackoff)
	assert.Equal(t, 55*time.Minute, cfg.Worker.SoftTimeout)
	assert.Equal(t, time.Hour, cfg.Worker.HardTimeout)
	assert.True(t, cfg.RateLimit.Enabled)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("TATE_SERVER_PORT", "9090")
	t.Setenv("TATE_SERVER_LOG_LEVEL", "debug")
	t.Setenv("TATE_WORKER_COUNT", "8")
	t.Setenv("TATE_WORKER_MAX_RETRIES", "5")
	t.Setenv("TATE_RATE_LIMIT_ENABLED", "false")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Server.LogLevel)
	assert.Equal(t, 8, cfg.Worker.Count)
	assert.Equal(t, 5, cfg.Worker.MaxRetries)
	assert.False(t, cfg.RateLimit.Enabled)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"port out of range", "TATE_SERVER_PORT", "70000"},
		{"unknown log level", "TATE_SERVER_LOG_LEVEL", "loud"},
		{"zero workers", "TATE_WORKER_COUNT", "0"},
		{"hard timeout below soft", "TATE_WORKER_HARD_TIMEOUT", "1s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)

			_, err := config.Load()
			assert.Error(t, err)
		})
	}
}
