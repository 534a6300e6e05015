package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ridewire/dispatch/internal/dispatch"
	"github.com/ridewire/dispatch/internal/drivers"
	"github.com/ridewire/dispatch/internal/eta"
	"github.com/ridewire/dispatch/internal/geoindex"
	"github.com/ridewire/dispatch/internal/pricing"
	"github.com/ridewire/dispatch/internal/realtime"
	"github.com/ridewire/dispatch/internal/rides"
	"github.com/ridewire/dispatch/pkg/common"
	"github.com/ridewire/dispatch/pkg/config"
	"github.com/ridewire/dispatch/pkg/database"
	"github.com/ridewire/dispatch/pkg/errors"
	"github.com/ridewire/dispatch/pkg/eventbus"
	"github.com/ridewire/dispatch/pkg/logger"
	"github.com/ridewire/dispatch/pkg/middleware"
	redisClient "github.com/ridewire/dispatch/pkg/redis"
	"github.com/ridewire/dispatch/pkg/resilience"
	"github.com/ridewire/dispatch/pkg/tracing"
	"github.com/ridewire/dispatch/pkg/websocket"
)

const (
	serviceName = "dispatch-engine"
	version     = "1.0.0"
)

func main() {
	cfg, err := config.Load(serviceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.Server.Environment); err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := errors.InitSentry(errors.DefaultSentryConfig()); err != nil {
		logger.Warn("Sentry disabled", zap.Error(err))
	} else {
		defer errors.Flush(2 * time.Second)
	}

	tracerProvider, err := tracing.InitTracer(tracing.Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Environment:    cfg.Server.Environment,
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Enabled:        os.Getenv("TRACING_ENABLED") == "true",
	}, logger.Get())
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
	}
	if tracerProvider != nil {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tracing.Shutdown(ctx)
		}()
	}

	if err := database.Migrate(&cfg.Database); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}

	db, err := database.NewPostgresPool(&cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer database.Close(db)

	redis, err := redisClient.NewRedisClient(&cfg.Redis)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer redis.Close()

	bus, err := eventbus.New(eventbus.Config{
		URL:        cfg.NATS.URL,
		Name:       cfg.NATS.Name,
		StreamName: cfg.NATS.StreamName,
	})
	if err != nil {
		logger.Fatal("failed to connect to NATS", zap.Error(err))
	}
	defer bus.Close()

	osrmTimeout := time.Duration(cfg.OSRM.TimeoutSeconds) * time.Second

	geoService := geoindex.NewService(redis)
	geocoder := geoindex.NewGeocoder(cfg.OSRM.GeocoderURL, osrmTimeout, redis)
	geocoder.SetCircuitBreaker(resilience.NewCircuitBreaker(resilience.Settings{
		Name:             "geocoder",
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	}, nil))

	oracle := eta.NewOracle(cfg.OSRM.BaseURL, osrmTimeout)
	oracle.SetCircuitBreaker(resilience.NewCircuitBreaker(resilience.Settings{
		Name:             "eta-oracle",
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	}, nil))
	if cfg.OSRM.CalibrationURL != "" {
		oracle.SetCalibrator(eta.NewCalibrator(cfg.OSRM.CalibrationURL, osrmTimeout))
	}

	fareCalc := pricing.NewCalculator(cfg.Dispatch.BaseFare, cfg.Dispatch.PerKmFare, "USD", geoService)
	registry := drivers.NewRegistry(geoService, cfg.Dispatch.DriverRegistryURL, 5*time.Second)

	rideRepo := rides.NewRepository(db)
	rideService := rides.NewService(rideRepo, bus)

	dispatchRepo := dispatch.NewRepository(db)
	scheduler := dispatch.NewScheduler(dispatchRepo, bus, rideRepo, registry, dispatch.SchedulerConfig{
		PollInterval: cfg.Dispatch.PollInterval(),
	})
	queue := dispatch.NewTaskQueue(bus, scheduler, dispatch.WorkerConfig{
		Workers: cfg.Dispatch.Workers,
	})
	dispatchService := dispatch.NewService(dispatch.Collaborators{
		Store:       dispatchRepo,
		Geo:         geoService,
		Oracle:      oracle,
		Geocoder:    geocoder,
		Fares:       fareCalc,
		Bus:         bus,
		Queue:       queue,
		Idempotency: dispatch.NewIdempotencyCache(redis),
	}, dispatch.ServiceConfig{
		AckSecondsDefault: cfg.Dispatch.AckSecondsDefault,
		RadiusKmDefault:   cfg.Dispatch.RadiusKmDefault,
		LimitDefault:      cfg.Dispatch.LimitDefault,
	})

	hub := websocket.NewHub()
	go hub.Run()
	defer hub.Stop()

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	if err := queue.Start(workerCtx); err != nil {
		logger.Fatal("failed to start dispatch workers", zap.Error(err))
	}

	bridge := realtime.NewBridge(bus, hub)
	if err := bridge.Start(workerCtx); err != nil {
		logger.Fatal("failed to start realtime bridge", zap.Error(err))
	}

	router := setupRouter(cfg, db, redis, bus, hub, dispatchService, rideService, geoService, registry)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("dispatch engine listening",
			zap.String("port", cfg.Server.Port),
			zap.String("environment", cfg.Server.Environment),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	// Stop taking requests first, then release the workers; unfinished tasks
	// are redelivered to another instance after the ack wait.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", zap.Error(err))
	}
	stopWorkers()

	logger.Info("dispatch engine stopped")
}

func setupRouter(
	cfg *config.Config,
	db *pgxpool.Pool,
	redis *redisClient.Client,
	bus *eventbus.Bus,
	hub *websocket.Hub,
	dispatchService *dispatch.Service,
	rideService *rides.Service,
	geoService *geoindex.Service,
	registry *drivers.Registry,
) *gin.Engine {
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(middleware.CorrelationID())
	router.Use(middleware.RequestLogger(serviceName))
	router.Use(middleware.Metrics())
	router.Use(middleware.Tracing(serviceName))
	router.Use(middleware.SentryMiddleware())
	router.Use(middleware.ErrorHandler())
	router.Use(middleware.RecoveryWithSentry())
	router.Use(middleware.CORS())

	router.GET("/health", common.HealthCheck(serviceName, version))
	router.GET("/health/live", common.LivenessProbe(serviceName, version))
	router.GET("/health/ready", common.ReadinessProbe(serviceName, version, map[string]func() error{
		"postgres": func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return db.Ping(ctx)
		},
		"redis": func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return redis.Ping(ctx).Err()
		},
		"nats": func() error {
			if !bus.Connected() {
				return fmt.Errorf("not connected")
			}
			return nil
		},
	}))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/ws", func(c *gin.Context) {
		websocket.HandleWebSocket(c, hub)
	})

	v1 := router.Group("/api/v1")
	dispatch.NewHandler(dispatchService).RegisterRoutes(v1)
	rides.NewHandler(rideService).RegisterRoutes(v1)
	drivers.NewHandler(geoService, registry).RegisterRoutes(v1)

	return router
}
