package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nextconvert/composer/internal/api"
	"github.com/nextconvert/composer/internal/api/handlers"
	"github.com/nextconvert/composer/internal/api/middleware"
	"github.com/nextconvert/composer/internal/api/websocket"
	"github.com/nextconvert/composer/internal/modules/jobs"
	"github.com/nextconvert/composer/internal/modules/media"
	"github.com/nextconvert/composer/internal/shared/config"
	"github.com/nextconvert/composer/internal/shared/database"
	"github.com/nextconvert/composer/internal/shared/logging"
	"github.com/nextconvert/composer/internal/shared/metrics"
	"github.com/nextconvert/composer/internal/shared/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := logging.NewLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting composer API server",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("environment", cfg.Environment),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database
	db, err := database.NewPostgres(ctx, cfg.DatabaseURL, int32(cfg.DatabaseMaxConns))
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	repo := jobs.NewRepository(db.Pool)
	if err := repo.EnsureSchema(ctx); err != nil {
		logger.Fatal("Failed to prepare database schema", zap.Error(err))
	}

	// Initialize Redis
	redisClient, err := database.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()

	// Initialize storage
	storageService, err := storage.NewService(ctx, cfg.Storage)
	if err != nil {
		logger.Fatal("Failed to initialize storage", zap.Error(err))
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	processor := media.NewProcessorWithConfig(media.ProcessorConfig{
		FFmpegPath:  cfg.FFmpegPath,
		FFprobePath: cfg.FFprobePath,
		Recorder:    m,
	}, logger)
	mediaModule := media.NewModule(processor, logger)
	if _, err := mediaModule.GetPreset(cfg.Export.DefaultPreset); err != nil {
		logger.Fatal("Invalid default preset", zap.String("preset", cfg.Export.DefaultPreset), zap.Error(err))
	}

	// Initialize job queue client
	jobQueue := jobs.NewQueueClient(cfg.RedisURL, logger)
	defer jobQueue.Close()

	jobsModule := jobs.NewModule(jobs.ModuleConfig{
		Store:         repo,
		Queue:         jobQueue,
		Events:        redisClient,
		Outputs:       storageService,
		Presets:       mediaModule,
		DefaultPreset: cfg.Export.DefaultPreset,
		Background:    cfg.Export.BackgroundColor,
		Metrics:       m,
		Logger:        logger,
	})

	// Job events reach websocket clients through Redis so that any API
	// replica can serve a subscriber.
	wsHub := websocket.NewHub(cfg.AllowedOrigins, m, logger)
	go wsHub.Run(ctx)

	events := redisClient.Subscribe(ctx, jobs.EventsChannel)
	defer events.Close()
	go wsHub.Relay(ctx, events.Channel())

	var auth *middleware.ClerkAuth
	if cfg.ClerkSecretKey != "" {
		auth = middleware.NewClerkAuth(cfg.ClerkSecretKey, cfg.AllowAnonymous, cfg.Environment == "production", logger)
	} else {
		logger.Warn("CLERK_SECRET_KEY not set, export and media routes are unauthenticated")
	}

	server := api.NewServer(api.ServerConfig{
		Logger:         logger,
		Auth:           auth,
		AllowedOrigins: cfg.AllowedOrigins,
		MaxBodySize:    cfg.MaxBodySize,
		RateLimit:      cfg.RateLimit,
		MaxWSConns:     cfg.MaxWSConns,
		Checks: map[string]handlers.Checker{
			"postgres": db,
			"redis":    redisClient,
		},
		Counter:  redisClient,
		Jobs:     jobsModule,
		Catalog:  mediaModule,
		Prober:   processor,
		Inputs:   storageService,
		Hub:      wsHub,
		Metrics:  m,
		Gatherer: prometheus.DefaultGatherer,
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info("API server listening", zap.Int("port", cfg.Port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server stopped")
}
