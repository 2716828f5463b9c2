package main

import (
	"callengine/internal/core/domain"
	"callengine/internal/core/services"
	"callengine/internal/infrastructure/distributed"
	"callengine/internal/infrastructure/sfu"
	"callengine/internal/infrastructure/signal"
	webrtcinfra "callengine/internal/infrastructure/webrtc"
	"callengine/pkg/config"
	"callengine/pkg/tracing"
)

func callSessionConfig(cfg *config.Config) services.CallSessionConfig {
	out := services.DefaultCallSessionConfig()

	out.Quality.Interval = cfg.Quality.Interval
	out.Quality.HistorySize = cfg.Quality.HistorySize
	out.Quality.AlertCooldown = cfg.Quality.AlertCooldown
	out.Quality.AlertsEnabled = cfg.Quality.AlertsEnabled
	out.AutoReconnect = cfg.Quality.AutoReconnect

	out.Bandwidth.WindowSize = cfg.Bandwidth.WindowSize
	out.Bandwidth.TrendWindow = cfg.Bandwidth.TrendWindow
	out.Bandwidth.TrendThreshold = cfg.Bandwidth.TrendThreshold
	out.Bandwidth.MinSamples = cfg.Bandwidth.MinSamples
	out.Bandwidth.Cooldown = cfg.Bandwidth.Cooldown
	out.Bandwidth.IncreaseHeadroom = cfg.Bandwidth.IncreaseHeadroom
	out.Bandwidth.GuardNextTier = cfg.Bandwidth.GuardNextTier
	if cfg.Bandwidth.InitialTier != "" {
		out.Bandwidth.InitialTier = domain.VideoQualityTier(cfg.Bandwidth.InitialTier)
	}
	if cfg.Bandwidth.AdaptInterval > 0 {
		out.AdaptInterval = cfg.Bandwidth.AdaptInterval
	}
	return out
}

func groupSessionConfig(cfg *config.Config) services.GroupSessionConfig {
	out := services.DefaultGroupSessionConfig()
	out.StatsInterval = cfg.Group.StatsInterval
	out.RequestTimeout = cfg.Group.RequestTimeout
	out.AllowFallback = cfg.Group.AllowFallback
	out.SpeakingThreshold = cfg.Group.SpeakingThreshold
	return out
}

func sfuConfig(cfg *config.Config) sfu.Config {
	out := sfu.DefaultConfig(cfg.SFU.BaseURL)
	out.Timeout = cfg.SFU.RequestTimeout
	out.Retry.MaxAttempts = cfg.SFU.RetryAttempts
	out.Retry.Enabled = cfg.SFU.RetryAttempts > 0
	out.Retry.InitialDelay = cfg.SFU.RetryDelay
	out.Breaker.FailureThreshold = cfg.SFU.BreakerFailures
	out.Breaker.Timeout = cfg.SFU.BreakerTimeout
	return out
}

func signalConfig(cfg *config.Config) signal.Config {
	out := signal.DefaultConfig()
	out.PingInterval = cfg.Signal.PingInterval
	out.PongTimeout = cfg.Signal.PongTimeout
	out.WriteTimeout = cfg.Signal.WriteTimeout
	if cfg.RateLimiting.Enabled {
		ws := cfg.RateLimiting.WebSocket
		out.MessagesPerSecond = ws.MessagesPerSecond
		out.Burst = ws.Burst
		out.MaxConnections = ws.MaxConcurrent
		if ws.MaxMessageSizeBytes > 0 {
			out.MaxMessageSize = ws.MaxMessageSizeBytes
		}
	}
	return out
}

func mediaConfig(cfg *config.Config) webrtcinfra.Config {
	return webrtcinfra.Config{ICEServers: cfg.SFU.ICEServers}
}

func redisConfig(cfg *config.Config) distributed.RedisConfig {
	return distributed.RedisConfig{
		Address:  cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	}
}

func tracingConfig(cfg *config.Config) tracing.Config {
	return tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	}
}
