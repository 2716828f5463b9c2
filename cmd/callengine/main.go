package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	ossignal "os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"callengine/internal/core/domain"
	"callengine/internal/core/ports"
	"callengine/internal/core/services"
	httphandlers "callengine/internal/handlers/http"
	"callengine/internal/infrastructure/distributed"
	"callengine/internal/infrastructure/middleware"
	"callengine/internal/infrastructure/monitoring"
	"callengine/internal/infrastructure/sfu"
	"callengine/internal/infrastructure/signal"
	webrtcinfra "callengine/internal/infrastructure/webrtc"
	"callengine/pkg/config"
	"callengine/pkg/logger"
	"callengine/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	startTime := time.Now()

	configPath := flag.String("config", "configs/config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Fallback to defaults if config cannot be loaded
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()
	if err != nil {
		log.Warnw("using default configuration", "path", *configPath, "error", err)
	}

	tp, err := tracing.Init(tracingConfig(cfg))
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := services.NewEventBus(log)
	instanceID := uuid.NewString()

	var collector *monitoring.PrometheusCollector
	if cfg.Monitoring.PrometheusEnabled {
		collector = monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
		collector.Attach(bus)
	}

	calls := services.NewCallManager(callSessionConfig(cfg), bus, log)

	mediaCfg := mediaConfig(cfg)
	api, err := webrtcinfra.NewAPI(mediaCfg)
	if err != nil {
		log.Fatalw("failed to create media api", "error", err)
	}

	health := monitoring.NewHealthChecker()
	var alive atomic.Bool
	alive.Store(true)
	health.AddLivenessFlag("event_bus", alive.Load)

	var rooms *services.RoomManager
	if cfg.SFU.BaseURL != "" {
		sfuClient, err := sfu.NewClient(sfuConfig(cfg), log)
		if err != nil {
			log.Fatalw("failed to create sfu client", "error", err)
		}
		health.AddBreakerCheck("sfu", sfuClient.BreakerState)

		rooms = services.NewRoomManager(groupSessionConfig(cfg), sfuClient,
			func() (ports.MediaDevice, error) {
				return webrtcinfra.NewDevice(api, mediaCfg, log), nil
			},
			func(roomID domain.RoomID, localID domain.ParticipantID) (ports.LocalStream, error) {
				return webrtcinfra.NewLocalAudioStream(string(roomID) + "-" + string(localID))
			},
			bus, log)
	} else {
		log.Info("sfu base url not configured, group rooms disabled")
	}

	gateway := signal.NewWebSocketServer(calls,
		func() (signal.MediaEndpoint, error) {
			return webrtcinfra.NewEndpoint(mediaCfg, log)
		},
		signalConfig(cfg), log)
	gateway.Attach(bus)

	g, gctx := errgroup.WithContext(ctx)

	var locator ports.CallLocator
	if cfg.Redis.Enabled {
		client, err := distributed.NewRedisClient(ctx, redisConfig(cfg), log)
		if err != nil {
			log.Fatalw("failed to connect to redis", "error", err)
		}
		defer client.Close()
		health.AddRedisCheck(client, 2*time.Second)

		sink := distributed.NewRedisEventSink(client, cfg.Redis.Channel, instanceID, log)
		sink.Attach(bus)
		directory := distributed.NewCallDirectory(client, instanceID, calls, log)
		directory.Attach(bus)
		locator = directory

		g.Go(func() error {
			sink.Run(gctx)
			return nil
		})
		g.Go(func() error {
			directory.Run(gctx)
			return nil
		})
		g.Go(func() error {
			err := sink.Subscribe(gctx, func(remote distributed.RemoteEvent) {
				if remote.CallID == "" {
					return
				}
				gateway.Deliver(remote.CallID, signal.OutboundMessage{
					Type:    "remote_event",
					CallID:  remote.CallID,
					Payload: remote,
				})
			}, nil)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
		log.Infow("distributed mode enabled", "instance_id", instanceID, "channel", cfg.Redis.Channel)
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.LoggingMiddleware(log),
		middleware.ErrorHandlerMiddleware(log),
	)
	if collector != nil {
		router.Use(middleware.MetricsMiddleware(collector))
	}
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))

	httphandlers.NewCallHandler(calls, locator).SetupRoutes(router)
	if rooms != nil {
		httphandlers.NewRoomHandler(rooms).SetupRoutes(router)
	}
	router.GET(cfg.Signal.Path, gin.WrapF(gateway.HandleWebSocket))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "healthy",
			"timestamp":   time.Now(),
			"uptime":      time.Since(startTime).String(),
			"instance_id": instanceID,
			"calls":       calls.Count(),
			"connections": gateway.ConnectionCount(),
		})
	})
	router.GET("/ready", func(c *gin.Context) {
		status := health.CheckAll(c.Request.Context())
		code := http.StatusOK
		if status.Status == monitoring.StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})
	if cfg.Monitoring.PrometheusEnabled {
		router.GET(cfg.Monitoring.MetricsPath, gin.WrapH(promhttp.Handler()))
		log.Infow("prometheus metrics enabled", "path", cfg.Monitoring.MetricsPath)
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g.Go(func() error {
		log.Infow("starting callengine", "address", cfg.Server.Address, "instance_id", instanceID)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down callengine...")
		alive.Store(false)
		shutdown(srv, cfg.Server.ShutdownTimeout, calls, rooms, tp, log)
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Errorw("callengine stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("callengine stopped")
}

func shutdown(
	srv *http.Server,
	timeout time.Duration,
	calls *services.CallManager,
	rooms *services.RoomManager,
	tp *tracing.TracerProvider,
	log *zap.SugaredLogger,
) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}

	calls.Shutdown(ctx)
	if rooms != nil {
		rooms.Shutdown(ctx)
	}
	if err := tp.Shutdown(ctx); err != nil {
		log.Errorw("error shutting down tracer", "error", err)
	}
}
