package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/ragfactory/ingest/config"
	"github.com/ragfactory/ingest/internal/adapters/jobrunner"
	"github.com/ragfactory/ingest/internal/adapters/reaper"
	schedrunner "github.com/ragfactory/ingest/internal/adapters/scheduler"
	"github.com/ragfactory/ingest/internal/chunker"
	"github.com/ragfactory/ingest/internal/data"
	"github.com/ragfactory/ingest/internal/embedding"
	"github.com/ragfactory/ingest/internal/observability/statsd"
	"github.com/ragfactory/ingest/internal/service"
	"github.com/ragfactory/ingest/internal/vectorstore"
)

// WorkerRunnerConfig contains configuration for the ingest worker.
type WorkerRunnerConfig struct {
	DB       *sql.DB
	Config   *config.AppConfig
	Services ServiceContainer
	Logger   *slog.Logger
	Metrics  statsd.Sink
}

// RunWorker starts the ingest worker pool. The embedding client and vector
// writer are built here because only the worker needs them.
func RunWorker(ctx context.Context, cfg WorkerRunnerConfig) error {
	appCfg := cfg.Config
	if appCfg == nil {
		appCfg = &config.AppConfig{}
		appCfg.Sanitize()
	}

	embedder, err := embedding.NewClient(embedding.ClientOptions{
		BaseURL:   appCfg.Embedding.BaseURL,
		APIKey:    appCfg.Embedding.APIKey,
		Model:     appCfg.Embedding.Model,
		Dimension: appCfg.Embedding.Dimension,
		Timeout:   appCfg.Embedding.Timeout,
		Logger:    cfg.Logger,
	})
	if err != nil {
		return fmt.Errorf("create embedding client: %w", err)
	}

	writer, err := vectorstore.NewWriter(vectorstore.Config{
		DSN:       PostgresDSN(appCfg.Postgres),
		Table:     appCfg.VectorStore.Table,
		Dimension: appCfg.Embedding.Dimension,
		BatchSize: appCfg.VectorStore.BatchSize,
		Logger:    cfg.Logger,
	})
	if err != nil {
		return fmt.Errorf("create vector writer: %w", err)
	}

	ingest, err := service.NewIngestService(service.IngestServiceOptions{
		Jobs:             cfg.Services.Jobs,
		Sources:          cfg.Services.Sources,
		Tracking:         data.NewTrackingRepo(cfg.DB),
		Cache:            cfg.Services.Cache,
		Chunker:          chunker.New(chunker.Config{}, cfg.Logger),
		Embedder:         embedder,
		Writer:           writer,
		Sink:             cfg.Metrics,
		Logger:           cfg.Logger,
		EmbedConcurrency: appCfg.Worker.EmbedConcurrency,
		FetchPageSize:    appCfg.Worker.FetchPageSize,
		PausePoll:        appCfg.Worker.PausePoll,
	})
	if err != nil {
		return fmt.Errorf("create ingest service: %w", err)
	}

	runner, err := jobrunner.NewRunner(jobrunner.RunnerOptions{
		Jobs:     cfg.Services.Jobs,
		Executor: ingest,
		Logger:   cfg.Logger,
		Metrics:  cfg.Metrics,
		Lease:    appCfg.Worker.JobLease,
		Workers:  appCfg.Worker.Concurrency,
	})
	if err != nil {
		return fmt.Errorf("create worker runner: %w", err)
	}

	return runner.Run(ctx)
}

// SchedulerRunnerConfig contains configuration for the scheduler loop.
type SchedulerRunnerConfig struct {
	DB        *sql.DB
	Scheduler *service.SchedulerService
	Interval  time.Duration
	BatchSize int
	Logger    *slog.Logger
	Metrics   statsd.Sink
}

// RunScheduler starts the scheduler tick loop.
func RunScheduler(ctx context.Context, cfg SchedulerRunnerConfig) error {
	runner, err := schedrunner.NewRunner(schedrunner.RunnerOptions{
		DB:        cfg.DB,
		Scheduler: cfg.Scheduler,
		Interval:  cfg.Interval,
		BatchSize: cfg.BatchSize,
		Logger:    cfg.Logger,
		Metrics:   cfg.Metrics,
	})
	if err != nil {
		return fmt.Errorf("create scheduler runner: %w", err)
	}

	return runner.Run(ctx)
}

// ReaperRunnerConfig contains configuration for the reaper loop.
type ReaperRunnerConfig struct {
	DB      *sql.DB
	Config  config.ReaperConfig
	Logger  *slog.Logger
	Metrics statsd.Sink
}

// RunReaper starts the reaper maintenance loop.
func RunReaper(ctx context.Context, cfg ReaperRunnerConfig) error {
	runner, err := reaper.NewRunner(reaper.RunnerOptions{
		DB:      cfg.DB,
		Config:  cfg.Config,
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
	})
	if err != nil {
		return fmt.Errorf("create reaper runner: %w", err)
	}

	return runner.Run(ctx)
}
