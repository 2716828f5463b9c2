package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"callengine/pkg/validation"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		Path         string        `yaml:"path"`
		PingInterval time.Duration `yaml:"ping_interval"`
		PongTimeout  time.Duration `yaml:"pong_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"signal"`

	SFU struct {
		BaseURL         string        `yaml:"base_url"`
		RequestTimeout  time.Duration `yaml:"request_timeout"`
		RetryAttempts   int           `yaml:"retry_attempts"`
		RetryDelay      time.Duration `yaml:"retry_delay"`
		BreakerFailures int           `yaml:"breaker_failures"`
		BreakerTimeout  time.Duration `yaml:"breaker_timeout"`
		ICEServers      []string      `yaml:"ice_servers"`
	} `yaml:"sfu"`

	Quality struct {
		Interval      time.Duration `yaml:"interval"`
		HistorySize   int           `yaml:"history_size"`
		AlertCooldown time.Duration `yaml:"alert_cooldown"`
		AlertsEnabled bool          `yaml:"alerts_enabled"`
		AutoReconnect bool          `yaml:"auto_reconnect"`
	} `yaml:"quality"`

	Bandwidth struct {
		WindowSize       int           `yaml:"window_size"`
		TrendWindow      int           `yaml:"trend_window"`
		TrendThreshold   float64       `yaml:"trend_threshold"`
		MinSamples       int           `yaml:"min_samples"`
		Cooldown         time.Duration `yaml:"cooldown"`
		IncreaseHeadroom float64       `yaml:"increase_headroom"`
		GuardNextTier    bool          `yaml:"guard_next_tier"`
		InitialTier      string        `yaml:"initial_tier"`
		AdaptInterval    time.Duration `yaml:"adapt_interval"`
	} `yaml:"bandwidth"`

	Group struct {
		StatsInterval     time.Duration `yaml:"stats_interval"`
		RequestTimeout    time.Duration `yaml:"request_timeout"`
		AllowFallback     bool          `yaml:"allow_fallback"`
		SpeakingThreshold float64       `yaml:"speaking_threshold"`
	} `yaml:"group"`

	Monitoring struct {
		PrometheusEnabled bool   `yaml:"prometheus_enabled"`
		MetricsPath       string `yaml:"metrics_path"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
		Channel  string `yaml:"channel"`
	} `yaml:"redis"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxConcurrent       int     `yaml:"max_concurrent_connections"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

var validTiers = map[string]bool{"180p": true, "360p": true, "720p": true, "1080p": true}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Signal
	if c.Signal.Path == "" {
		return fmt.Errorf("signal.path must not be empty")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}

	// SFU
	if c.SFU.BaseURL != "" {
		if err := validation.ValidateURL(c.SFU.BaseURL); err != nil {
			return fmt.Errorf("sfu.base_url: %w", err)
		}
	}
	if c.SFU.RequestTimeout <= 0 {
		return fmt.Errorf("sfu.request_timeout must be > 0")
	}
	if c.SFU.RetryAttempts < 0 {
		return fmt.Errorf("sfu.retry_attempts must be >= 0")
	}
	if c.SFU.BreakerFailures <= 0 {
		return fmt.Errorf("sfu.breaker_failures must be > 0")
	}

	// Quality
	if c.Quality.Interval <= 0 {
		return fmt.Errorf("quality.interval must be > 0")
	}
	if c.Quality.HistorySize <= 0 {
		return fmt.Errorf("quality.history_size must be > 0")
	}
	if c.Quality.AlertCooldown < 0 {
		return fmt.Errorf("quality.alert_cooldown must be >= 0")
	}

	// Bandwidth
	if c.Bandwidth.WindowSize <= 1 {
		return fmt.Errorf("bandwidth.window_size must be > 1")
	}
	if c.Bandwidth.TrendWindow <= 1 || c.Bandwidth.TrendWindow > c.Bandwidth.WindowSize {
		return fmt.Errorf("bandwidth.trend_window must be in (1, window_size]")
	}
	if c.Bandwidth.TrendThreshold <= 0 || c.Bandwidth.TrendThreshold >= 1 {
		return fmt.Errorf("bandwidth.trend_threshold must be in (0, 1)")
	}
	if c.Bandwidth.MinSamples <= 0 || c.Bandwidth.MinSamples > c.Bandwidth.WindowSize {
		return fmt.Errorf("bandwidth.min_samples must be in (0, window_size]")
	}
	if c.Bandwidth.IncreaseHeadroom < 1 {
		return fmt.Errorf("bandwidth.increase_headroom must be >= 1")
	}
	if !validTiers[c.Bandwidth.InitialTier] {
		return fmt.Errorf("bandwidth.initial_tier %q is not a known tier", c.Bandwidth.InitialTier)
	}
	if c.Bandwidth.AdaptInterval <= 0 {
		return fmt.Errorf("bandwidth.adapt_interval must be > 0")
	}

	// Group
	if c.Group.StatsInterval <= 0 {
		return fmt.Errorf("group.stats_interval must be > 0")
	}
	if c.Group.RequestTimeout <= 0 {
		return fmt.Errorf("group.request_timeout must be > 0")
	}
	if c.Group.SpeakingThreshold < 0 || c.Group.SpeakingThreshold > 1 {
		return fmt.Errorf("group.speaking_threshold must be in [0, 1]")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
		if c.Redis.Channel == "" {
			return fmt.Errorf("redis.channel must not be empty when redis.enabled=true")
		}
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be in [0, 1]")
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
// A missing file yields the defaults.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Signal.Path = "/ws"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second

	cfg.SFU.BaseURL = ""
	cfg.SFU.RequestTimeout = 10 * time.Second
	cfg.SFU.RetryAttempts = 2
	cfg.SFU.RetryDelay = 200 * time.Millisecond
	cfg.SFU.BreakerFailures = 5
	cfg.SFU.BreakerTimeout = 30 * time.Second
	cfg.SFU.ICEServers = []string{"stun:stun.l.google.com:19302"}

	cfg.Quality.Interval = 2 * time.Second
	cfg.Quality.HistorySize = 150
	cfg.Quality.AlertCooldown = 10 * time.Second
	cfg.Quality.AlertsEnabled = true
	cfg.Quality.AutoReconnect = true

	cfg.Bandwidth.WindowSize = 30
	cfg.Bandwidth.TrendWindow = 10
	cfg.Bandwidth.TrendThreshold = 0.1
	cfg.Bandwidth.MinSamples = 3
	cfg.Bandwidth.Cooldown = 5 * time.Second
	cfg.Bandwidth.IncreaseHeadroom = 1.5
	cfg.Bandwidth.GuardNextTier = true
	cfg.Bandwidth.InitialTier = "720p"
	cfg.Bandwidth.AdaptInterval = time.Second

	cfg.Group.StatsInterval = 5 * time.Second
	cfg.Group.RequestTimeout = 10 * time.Second
	cfg.Group.AllowFallback = false
	cfg.Group.SpeakingThreshold = 0.1

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.MetricsPath = "/metrics"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.Channel = "callengine:events"

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "callengine"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 20
	cfg.RateLimiting.WebSocket.Burst = 40
	cfg.RateLimiting.WebSocket.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() error {
	if addr := os.Getenv("CALLENGINE_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if url := os.Getenv("CALLENGINE_SFU_URL"); url != "" {
		c.SFU.BaseURL = url
	}
	if level := os.Getenv("CALLENGINE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if addr := os.Getenv("CALLENGINE_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	if url := os.Getenv("CALLENGINE_JAEGER_URL"); url != "" {
		c.Tracing.JaegerURL = url
		c.Tracing.Enabled = true
	}
	if v := os.Getenv("CALLENGINE_GROUP_ALLOW_FALLBACK"); v != "" {
		allow, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("CALLENGINE_GROUP_ALLOW_FALLBACK: %w", err)
		}
		c.Group.AllowFallback = allow
	}
	return nil
}
