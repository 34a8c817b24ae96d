// Package main provides the entry point for the paper pipeline stage worker.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/helixir/paper-pipeline-service/internal/config"
	"github.com/helixir/paper-pipeline-service/internal/database"
	"github.com/helixir/paper-pipeline-service/internal/dispatch"
	"github.com/helixir/paper-pipeline-service/internal/extraction"
	"github.com/helixir/paper-pipeline-service/internal/notify"
	"github.com/helixir/paper-pipeline-service/internal/observability"
	"github.com/helixir/paper-pipeline-service/internal/pipeline"
	"github.com/helixir/paper-pipeline-service/internal/repository"
	"github.com/helixir/paper-pipeline-service/internal/requeue"
	"github.com/helixir/paper-pipeline-service/internal/resilience"
	"github.com/helixir/paper-pipeline-service/internal/taskstore"
)

// healthService is the gRPC health service name reported by the worker.
const healthService = "paperpipeline.v1.StageWorker"

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
	if cfg.Dispatch.Backend != config.BackendAsynq {
		return fmt.Errorf("worker requires the %s dispatch backend, got %q", config.BackendAsynq, cfg.Dispatch.Backend)
	}

	// Set up structured logging.
	logger := observability.NewLogger(observability.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		AddSource:  cfg.Logging.AddSource,
		TimeFormat: cfg.Logging.TimeFormat,
		Process:    "worker",
	})
	logger.Info().Msg("paper-pipeline-service worker starting")

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

	// Connect to Redis.
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

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	metrics := observability.NewMetrics(cfg.Metrics.Namespace)

	dispatcher := dispatch.New(dispatch.Config{
		Workers:   cfg.Dispatch.Workers,
		Retention: cfg.Dispatch.Retention,
	},
		dispatch.WithRetrier(resilience.NewRetrier(cfg.Retry.Policy(), resilience.WithLogger(logger))),
		dispatch.WithStore(taskstore.NewRedisStore(rdb, cfg.Dispatch.Retention)),
		dispatch.WithExecutor(dispatch.NewAsynqExecutor(redisOpt, dispatch.AsynqConfig{
			PollInterval: cfg.Dispatch.PollInterval,
			Retention:    cfg.Dispatch.Retention,
			Timeout:      cfg.Dispatch.TaskTimeout,
		})),
		dispatch.WithMetrics(metrics),
		dispatch.WithLogger(logger),
	)
	defer func() {
		if err := dispatcher.Close(); err != nil {
			logger.Error().Err(err).Msg("dispatcher shutdown error")
		}
	}()

	// The worker owns an orchestrator too: requeued papers restart their
	// chain here, and stage progress is broadcast from here.
	bus := notify.NewBus(notify.Config{
		QueueSize:   cfg.Notify.QueueSize,
		SendTimeout: cfg.Notify.SendTimeout,
	}, metrics, logger)
	defer bus.Close()

	orch := pipeline.New(repository.NewPgPaperStore(db), dispatcher, bus,
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(metrics),
	)

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

	// Kafka: event export and requeue intake.
	if cfg.Kafka.Enabled {
		exporter := notify.NewKafkaConnection("kafka-export-worker", notify.NewKafkaWriter(notify.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.EventsTopic,
		}))
		bus.Tap(exporter)
		defer func() {
			if err := exporter.Close(); err != nil {
				logger.Error().Err(err).Msg("failed to close kafka exporter")
			}
		}()

		listener := requeue.NewListener(
			requeue.NewReader(requeue.Config{
				Brokers: cfg.Kafka.Brokers,
				Topic:   cfg.Kafka.RequeueTopic,
				GroupID: cfg.Kafka.GroupID,
			}),
			orch, metrics, logger,
		)
		defer func() {
			if err := listener.Close(); err != nil {
				logger.Error().Err(err).Msg("failed to close requeue listener")
			}
		}()

		go func() {
			if err := listener.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("requeue listener error")
			}
		}()

		logger.Info().
			Str("events_topic", cfg.Kafka.EventsTopic).
			Str("requeue_topic", cfg.Kafka.RequeueTopic).
			Str("group_id", cfg.Kafka.GroupID).
			Msg("kafka export and requeue listener started")
	}

	if cfg.Dispatch.JanitorInterval > 0 {
		go dispatcher.RunJanitor(ctx, cfg.Dispatch.JanitorInterval)
	}

	// gRPC health service.
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)

	grpcAddr := cfg.Server.GRPCAddress()
	grpcListener, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		return fmt.Errorf("listen on gRPC port: %w", err)
	}

	errCh := make(chan error, 3)

	go func() {
		logger.Info().Str("address", grpcAddr).Msg("gRPC health server starting")
		if err := grpcServer.Serve(grpcListener); err != nil {
			errCh <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()

	go watchHealth(ctx, healthServer, cfg.Health.CheckInterval, logger, map[string]func(context.Context) error{
		"postgres": db.Check,
		"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	})

	// Prometheus metrics on a separate port if configured.
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.Metrics.Path, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress(),
			Handler:      metricsMux,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}
		go func() {
			logger.Info().Str("address", metricsServer.Addr).Msg("metrics server starting")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server error: %w", err)
			}
		}()
	}

	// Stage task server.
	queueServer := dispatch.NewAsynqServer(redisOpt, cfg.Dispatch.Workers, logger)
	if err := queueServer.Start(dispatch.NewAsynqServeMux(dispatcher)); err != nil {
		return fmt.Errorf("start queue server: %w", err)
	}
	logger.Info().
		Int("concurrency", dispatch.WorkerCount(cfg.Dispatch.Workers)).
		Strs("stages", dispatcher.Stages()).
		Msg("paper-pipeline-service worker is ready")

	select {
	case <-ctx.Done():
		logger.Info().Msg("received shutdown signal")
	case err := <-errCh:
		logger.Error().Err(err).Msg("worker error")
		queueServer.Shutdown()
		grpcServer.Stop()
		return err
	}

	logger.Info().Msg("shutting down paper-pipeline-service worker")
	healthServer.SetServingStatus(healthService, healthpb.HealthCheckResponse_NOT_SERVING)

	// Finishes in-flight stage tasks.
	queueServer.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := orch.Close(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("requeued chains did not stop in time")
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("metrics server shutdown error")
		}
	}

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		logger.Warn().Msg("gRPC server forced shutdown due to timeout")
		grpcServer.Stop()
	}

	logger.Info().Msg("paper-pipeline-service worker shutdown complete")
	return nil
}

// watchHealth flips the gRPC serving status as dependencies come and go.
func watchHealth(ctx context.Context, hs *health.Server, interval time.Duration, logger zerolog.Logger, checks map[string]func(context.Context) error) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	serving := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		healthy := true
		for name, check := range checks {
			checkCtx, cancel := context.WithTimeout(ctx, database.HealthCheckTimeout)
			err := check(checkCtx)
			cancel()
			if err != nil {
				healthy = false
				logger.Warn().Err(err).Str("dependency", name).Msg("health check failed")
			}
		}

		if healthy != serving {
			serving = healthy
			status := healthpb.HealthCheckResponse_SERVING
			if !healthy {
				status = healthpb.HealthCheckResponse_NOT_SERVING
			}
			hs.SetServingStatus(healthService, status)
		}
	}
}
