// Package main is the entry point for the buildrunner worker.
// The worker consumes build requests, runs each one in containers and
// publishes exactly one result per request.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"buildrunner/internal/artifact"
	"buildrunner/internal/build"
	"buildrunner/internal/config"
	"buildrunner/internal/logger"
	"buildrunner/internal/observability"
	"buildrunner/internal/queue"
	"buildrunner/internal/report"
	"buildrunner/internal/server"
	"buildrunner/internal/server/handlers"
	"buildrunner/internal/store"
	"buildrunner/internal/store/postgres"
	"buildrunner/internal/worker"
	"buildrunner/internal/worker/runtime"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: buildrunner.yaml in current directory)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel).With("worker_id", cfg.WorkerID)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("worker stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, "buildrunner-worker", cfg.WorkerID, cfg.OTELEndpoint)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Warn("failed to shutdown tracer", "error", err)
		}
	}()

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Warn("failed to shutdown metrics", "error", err)
		}
	}()
	buildMetrics, err := observability.NewBuildMetrics()
	if err != nil {
		return fmt.Errorf("init build metrics: %w", err)
	}

	rt, err := runtime.NewDockerRuntime(runtime.DockerConfig{
		Host:        cfg.DockerHost,
		StopTimeout: int(cfg.StopTimeout.Seconds()),
	}, log)
	if err != nil {
		return err
	}
	log.Info("using docker runtime", "host", cfg.DockerHost)

	// Persistence is optional; without a database builds still run and report.
	var (
		logStore   store.LogStore
		buildStore store.BuildStore
		apiStore   handlers.Store
	)
	if cfg.DatabaseURL != "" {
		pg, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer pg.Close()
		logStore, buildStore, apiStore = pg, pg, pg
	}

	builds, err := queue.OpenSubscription(ctx, cfg.BuildSubscriptionURL)
	if err != nil {
		return err
	}
	defer builds.Shutdown(context.Background())

	results, err := queue.OpenTopic(ctx, cfg.ResultTopicURL)
	if err != nil {
		return err
	}
	defer results.Shutdown(context.Background())

	var reportTopic report.Publisher
	if cfg.ReportTopicURL != "" {
		topic, err := queue.OpenTopic(ctx, cfg.ReportTopicURL)
		if err != nil {
			return err
		}
		defer topic.Shutdown(context.Background())
		reportTopic = topic
	}

	var postProcess build.PostProcessFunc
	if cfg.ArtifactBucketURL != "" {
		bucket, err := artifact.OpenBucket(ctx, cfg.ArtifactBucketURL)
		if err != nil {
			return err
		}
		defer bucket.Close()
		postProcess = artifact.New(bucket, log).Persist
	}

	orchestrator, err := build.New(rt, build.Config{
		ScratchRoot:    cfg.ScratchDir,
		CheckoutRoot:   cfg.CheckoutRoot,
		DefaultTimeout: cfg.DefaultTimeout,
		KeepScratch:    cfg.KeepScratch,
		Color:          cfg.ColorOutput,
		Labels:         map[string]string{"buildrunner.worker_id": cfg.WorkerID},
		PostProcess:    postProcess,
		Output:         report.New(logStore, reportTopic, log),
		Logger:         log,
	})
	if err != nil {
		return err
	}

	opts := []worker.Option{worker.WithLogger(log), worker.WithMetrics(buildMetrics)}
	if buildStore != nil {
		opts = append(opts, worker.WithBuildStore(buildStore))
	}
	agent := worker.New(builds, results, orchestrator, worker.AgentConfig{
		ID:          cfg.WorkerID,
		Concurrency: cfg.WorkerConcurrency,
		IntakeRate:  cfg.WorkerIntakeRate,
		IntakeBurst: cfg.WorkerIntakeBurst,
	}, opts...)

	srv := server.New(fmt.Sprintf(":%d", cfg.HTTPPort), server.Options{
		Store:     apiStore,
		Metrics:   metricsHandler,
		RateLimit: cfg.APIRateLimit,
		RateBurst: cfg.APIRateBurst,
		Logger:    log,
	})
	go func() {
		if err := srv.Run(ctx); err != nil {
			log.Error("http server stopped", "error", err)
		}
	}()

	log.Info("worker started", "concurrency", cfg.WorkerConcurrency, "subscription", cfg.BuildSubscriptionURL)
	err = agent.Run(ctx)
	<-agent.Done()
	log.Info("worker shut down")

	if ctx.Err() != nil {
		return nil
	}
	return err
}
