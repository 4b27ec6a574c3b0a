package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/nextconvert/composer/internal/modules/export"
	"github.com/nextconvert/composer/internal/modules/jobs"
	"github.com/nextconvert/composer/internal/modules/media"
	"github.com/nextconvert/composer/internal/modules/pipeline"
	"github.com/nextconvert/composer/internal/shared/config"
	"github.com/nextconvert/composer/internal/shared/database"
	"github.com/nextconvert/composer/internal/shared/logging"
	"github.com/nextconvert/composer/internal/shared/metrics"
	"github.com/nextconvert/composer/internal/shared/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
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

	logger.Info("Starting composer worker",
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

	// Initialize media processor and the export pipeline on top of it
	processor := media.NewProcessorWithConfig(media.ProcessorConfig{
		FFmpegPath:        cfg.FFmpegPath,
		FFprobePath:       cfg.FFprobePath,
		MaxThreads:        cfg.FFmpegMaxThreads,
		PreferFastPresets: cfg.FFmpegFastPresets,
		WorkDir:           cfg.Export.WorkDir,
		Recorder:          m,
		SampleRate:        cfg.Export.SampleRate,
		Channels:          cfg.Export.Channels,
	}, logger)
	engine := pipeline.NewEngine(processor, processor, m, logger)

	exports := export.NewService(export.Config{
		Prober:      processor,
		Runner:      engine,
		Passthrough: processor,
		Resolver:    storageService,
		Recorder:    m,
		WorkDir:     cfg.Export.WorkDir,
		Concurrency: cfg.Export.Concurrency,
		Logger:      logger,
	})
	defer exports.Close()

	jobHandler := jobs.NewHandler(jobs.HandlerConfig{
		Store:   repo,
		Exports: exports,
		Outputs: storageService,
		Events:  redisClient,
		Metrics: m,
		Logger:  logger,
	})

	// Configure Asynq server
	srv := asynq.NewServer(
		asynq.RedisClientOpt{Addr: cfg.RedisURL},
		asynq.Config{
			Concurrency: cfg.WorkerConcurrency,
			Queues: map[string]int{
				"critical": 6,
				"default":  3,
				"low":      1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("Task failed",
					zap.String("type", task.Type()),
					zap.Error(err),
				)
			}),
			Logger: logger.Named("asynq").Sugar(),
		},
	)

	// Register task handlers
	mux := asynq.NewServeMux()
	mux.HandleFunc(jobs.TypeExport, jobHandler.HandleExport)
	mux.HandleFunc(jobs.TypeCleanupFiles, jobHandler.HandleCleanupFiles)

	// Periodic cleanup of the working zone, plus one pass at startup
	jobQueue := jobs.NewQueueClient(cfg.RedisURL, logger)
	defer jobQueue.Close()

	scheduler, err := jobQueue.NewCleanupScheduler(cfg.CleanupMaxAge)
	if err != nil {
		logger.Fatal("Failed to register cleanup schedule", zap.Error(err))
	}
	if err := scheduler.Start(); err != nil {
		logger.Fatal("Failed to start scheduler", zap.Error(err))
	}
	defer scheduler.Shutdown()

	if _, err := jobQueue.EnqueueCleanup(jobs.CleanupPayload{MaxAgeSeconds: int64(cfg.CleanupMaxAge / time.Second)}); err != nil {
		logger.Warn("Failed to queue startup cleanup", zap.Error(err))
	}

	var metricsServer *http.Server
	if cfg.MetricsPort > 0 {
		metricsServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
			Handler:           promhttp.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	// Start worker; shutdown is driven by ctx rather than asynq's own signal handling
	if err := srv.Start(mux); err != nil {
		logger.Fatal("Worker failed to start", zap.Error(err))
	}
	logger.Info("Worker started",
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.Int("export_concurrency", cfg.Export.Concurrency),
	)

	<-ctx.Done()

	logger.Info("Shutting down worker...")
	srv.Shutdown()
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsServer.Shutdown(shutdownCtx)
	}
	logger.Info("Worker stopped")
}
