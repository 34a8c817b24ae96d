// Package main provides the entry point for the paper pipeline HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/helixir/paper-pipeline-service/internal/config"
	"github.com/helixir/paper-pipeline-service/internal/database"
	"github.com/helixir/paper-pipeline-service/internal/dispatch"
	"github.com/helixir/paper-pipeline-service/internal/extraction"
	"github.com/helixir/paper-pipeline-service/internal/notify"
	"github.com/helixir/paper-pipeline-service/internal/observability"
	"github.com/helixir/paper-pipeline-service/internal/pipeline"
	"github.com/helixir/paper-pipeline-service/internal/repository"
	"github.com/helixir/paper-pipeline-service/internal/resilience"
	httpserver "github.com/helixir/paper-pipeline-service/internal/server/http"
	"github.com/helixir/paper-pipeline-service/internal/taskstore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Set up structured logging.
	logger := observability.NewLogger(observability.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		AddSource:  cfg.Logging.AddSource,
		TimeFormat: cfg.Logging.TimeFormat,
		Process:    "server",
	})
	logger.Info().Msg("paper-pipeline-service server starting")

	// Set up context with graceful shutdown via OS signals.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to PostgreSQL.
	db, err := database.New(ctx, &cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()
	logger.Info().Msg("database connection established")

	// Run migrations if configured.
	if cfg.Database.MigrationAutoRun {
		if err := migrateUp(db, cfg.Database.MigrationPath, logger); err != nil {
			return err
		}
	}

	metrics := observability.NewMetrics(cfg.Metrics.Namespace)
	checks := map[string]httpserver.HealthCheck{"postgres": db.Check}

	// Build the dispatcher. The asynq backend keeps task state in Redis and
	// hands stage execution to cmd/worker.
	dispatchOpts := []dispatch.Option{
		dispatch.WithRetrier(resilience.NewRetrier(cfg.Retry.Policy(), resilience.WithLogger(logger))),
		dispatch.WithMetrics(metrics),
		dispatch.WithLogger(logger),
	}
	if cfg.Dispatch.Backend == config.BackendAsynq {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("redis connection established")
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }

		executor := dispatch.NewAsynqExecutor(asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, dispatch.AsynqConfig{
			PollInterval: cfg.Dispatch.PollInterval,
			Retention:    cfg.Dispatch.Retention,
			Timeout:      cfg.Dispatch.TaskTimeout,
		})
		dispatchOpts = append(dispatchOpts,
			dispatch.WithExecutor(executor),
			dispatch.WithStore(taskstore.NewRedisStore(rdb, cfg.Dispatch.Retention)),
		)
	}
	dispatcher := dispatch.New(dispatch.Config{
		Workers:         cfg.Dispatch.Workers,
		Retention:       cfg.Dispatch.Retention,
		QueueRateLimits: cfg.Dispatch.QueueRateLimits,
	}, dispatchOpts...)

	bus := notify.NewBus(notify.Config{
		QueueSize:   cfg.Notify.QueueSize,
		SendTimeout: cfg.Notify.SendTimeout,
	}, metrics, logger)

	orch := pipeline.New(repository.NewPgPaperStore(db), dispatcher, bus,
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(metrics),
	)

	// Stages run in this process only on the local backend, but registering
	// them everywhere keeps task validation identical.
	extractionClient, err := extraction.NewClient(extraction.Config{
		BaseURL:   cfg.Extraction.BaseURL,
		APIKey:    cfg.Extraction.APIKey,
		Timeout:   cfg.Extraction.Timeout,
		RateLimit: cfg.Extraction.RateLimit,
		Burst:     cfg.Extraction.Burst,
	}, metrics)
	if err != nil {
		return fmt.Errorf("create extraction client: %w", err)
	}
	for stage, fn := range extraction.StageFuncs(extractionClient, orch.ReportStageProgress) {
		dispatcher.Register(stage, fn)
	}
	logger.Info().
		Str("backend", cfg.Dispatch.Backend).
		Str("extraction_url", cfg.Extraction.BaseURL).
		Msg("dispatcher configured")

	// Export every bus event to Kafka if enabled.
	if cfg.Kafka.Enabled {
		exporter := notify.NewKafkaConnection("kafka-export-server", notify.NewKafkaWriter(notify.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.EventsTopic,
		}))
		bus.Tap(exporter)
		defer func() {
			if err := exporter.Close(); err != nil {
				logger.Error().Err(err).Msg("failed to close kafka exporter")
			}
		}()
		logger.Info().Str("topic", cfg.Kafka.EventsTopic).Msg("kafka event export enabled")
	}

	if cfg.Dispatch.JanitorInterval > 0 {
		go dispatcher.RunJanitor(ctx, cfg.Dispatch.JanitorInterval)
	}

	httpCfg := httpserver.Config{
		Address:           cfg.Server.HTTPAddress(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       2 * time.Minute,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
		KeepAlive:         cfg.Notify.KeepAlive,
		MaxStreamDuration: cfg.Notify.MaxStreamDuration,
	}
	if cfg.Metrics.Enabled {
		httpCfg.MetricsPath = cfg.Metrics.Path
		httpCfg.MetricsHandler = promhttp.Handler()
	}
	httpSrv := httpserver.NewServer(httpCfg, orch, checks, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	logger.Info().Str("http_address", httpCfg.Address).Msg("paper-pipeline-service is ready")

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
		logger.Info().Msg("received shutdown signal")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		return err
	}

	logger.Info().Msg("shutting down paper-pipeline-service")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}
	if err := orch.Close(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("processing chains did not stop in time")
	}
	// Closes the executor, including the asynq client.
	if err := dispatcher.Close(); err != nil {
		logger.Error().Err(err).Msg("dispatcher shutdown error")
	}
	bus.Close()

	logger.Info().Msg("paper-pipeline-service shutdown complete")
	return nil
}

func migrateUp(db *database.DB, path string, logger zerolog.Logger) error {
	migrator, err := database.NewMigrator(db, path, logger)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer func() {
		if closeErr := migrator.Close(); closeErr != nil {
			logger.Error().Err(closeErr).Msg("failed to close migrator")
		}
	}()

	if err := migrator.Up(); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}
