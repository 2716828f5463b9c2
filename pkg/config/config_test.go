package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// helper to build a minimal valid config that can be tweaked in tests.
func validBaseConfig() *Config {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 10
	cfg.RateLimiting.HTTP.Burst = 20
	cfg.RateLimiting.HTTP.MaxConcurrent = 5
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 50
	cfg.RateLimiting.WebSocket.Burst = 100
	cfg.RateLimiting.WebSocket.MaxConcurrent = 10
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 65536
	return cfg
}

func TestDefaultConfig_IsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	require.NoError(t, validBaseConfig().Validate())
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.HTTP.Burst = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 0
	cfg.RateLimiting.WebSocket.Burst = 0

	assert.NoError(t, cfg.Validate())
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"server address", func(c *Config) { c.Server.Address = "" }},
		{"pong must outlast ping", func(c *Config) { c.Signal.PongTimeout = c.Signal.PingInterval }},
		{"sfu base url", func(c *Config) { c.SFU.BaseURL = "sfu:3000" }},
		{"sfu timeout", func(c *Config) { c.SFU.RequestTimeout = 0 }},
		{"sfu breaker", func(c *Config) { c.SFU.BreakerFailures = 0 }},
		{"quality interval", func(c *Config) { c.Quality.Interval = 0 }},
		{"quality history", func(c *Config) { c.Quality.HistorySize = 0 }},
		{"trend window above window", func(c *Config) { c.Bandwidth.TrendWindow = c.Bandwidth.WindowSize + 1 }},
		{"trend threshold", func(c *Config) { c.Bandwidth.TrendThreshold = 1 }},
		{"min samples", func(c *Config) { c.Bandwidth.MinSamples = 0 }},
		{"headroom", func(c *Config) { c.Bandwidth.IncreaseHeadroom = 0.5 }},
		{"initial tier", func(c *Config) { c.Bandwidth.InitialTier = "4k" }},
		{"speaking threshold", func(c *Config) { c.Group.SpeakingThreshold = 2 }},
		{"redis channel", func(c *Config) { c.Redis.Enabled = true; c.Redis.Channel = "" }},
		{"tracing sample rate", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.SampleRate = 1.5 }},
		{"http rps", func(c *Config) { c.RateLimiting.HTTP.RequestsPerSecond = 0 }},
		{"http burst", func(c *Config) { c.RateLimiting.HTTP.Burst = 0 }},
		{"http max concurrent", func(c *Config) { c.RateLimiting.HTTP.MaxConcurrent = -1 }},
		{"ws messages per second", func(c *Config) { c.RateLimiting.WebSocket.MessagesPerSecond = 0 }},
		{"ws burst", func(c *Config) { c.RateLimiting.WebSocket.Burst = 0 }},
		{"ws max message size", func(c *Config) { c.RateLimiting.WebSocket.MaxMessageSizeBytes = -1 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validBaseConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
server:
  address: ":9000"
quality:
  interval: 500ms
  history_size: 20
bandwidth:
  initial_tier: 360p
  guard_next_tier: false
group:
  allow_fallback: true
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Address)
	assert.Equal(t, 500*time.Millisecond, cfg.Quality.Interval)
	assert.Equal(t, 20, cfg.Quality.HistorySize)
	assert.Equal(t, "360p", cfg.Bandwidth.InitialTier)
	assert.False(t, cfg.Bandwidth.GuardNextTier)
	assert.True(t, cfg.Group.AllowFallback)
	// untouched sections keep their defaults
	assert.Equal(t, 30, cfg.Bandwidth.WindowSize)
	assert.Equal(t, "/ws", cfg.Signal.Path)
}

func TestLoad_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("quality:\n  history_size: 0\n"), 0o600))

	_, err := Load(path)
	assert.ErrorContains(t, err, "quality.history_size")

	require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0o600))
	_, err = Load(path)
	assert.ErrorContains(t, err, "unmarshal")
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CALLENGINE_SERVER_ADDRESS", ":7000")
	t.Setenv("CALLENGINE_SFU_URL", "http://sfu.internal:3000")
	t.Setenv("CALLENGINE_REDIS_ADDRESS", "redis:6379")
	t.Setenv("CALLENGINE_GROUP_ALLOW_FALLBACK", "true")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Address)
	assert.Equal(t, "http://sfu.internal:3000", cfg.SFU.BaseURL)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis:6379", cfg.Redis.Address)
	assert.True(t, cfg.Group.AllowFallback)

	t.Setenv("CALLENGINE_GROUP_ALLOW_FALLBACK", "maybe")
	_, err = Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
