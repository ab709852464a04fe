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

	assert.Equal(t, 5, cfg.Queue.MaxConcurrent)
	assert.Equal(t, 100, cfg.Queue.MaxQueueSize)
	assert.Equal(t, 30*time.Second, cfg.Queue.Timeout)
	assert.Equal(t, 3, cfg.Client.RetryAttempts)
	assert.Equal(t, time.Second, cfg.Client.BackoffBase)
	assert.Equal(t, 300*time.Second, cfg.Cache.DefaultTTL)
	assert.Equal(t, int64(100), cfg.RateLimit.Max)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("AITASKM_QUEUE_MAX_CONCURRENT", "12")
	t.Setenv("AITASKM_CLIENT_BASE_URL", "http://ai.internal:9000")
	t.Setenv("AITASKM_RATELIMIT_WINDOW", "1s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 12, cfg.Queue.MaxConcurrent)
	assert.Equal(t, "http://ai.internal:9000", cfg.Client.BaseURL)
	assert.Equal(t, time.Second, cfg.RateLimit.Window)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("AITASKM_QUEUE_MAX_CONCURRENT", "0")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue.max_concurrent")
}

func TestLoadRejectsInvertedWatermarks(t *testing.T) {
	t.Setenv("AITASKM_RATELIMIT_MEMORY_LOW_WATER", "0.9")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "memory_low_water")
}
