// Package reaper provides the maintenance loop for expired job leases and
// stale cache entries.
package reaper

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ragfactory/ingest/config"
	"github.com/ragfactory/ingest/internal/core"
	"github.com/ragfactory/ingest/internal/data"
	"github.com/ragfactory/ingest/internal/observability/statsd"
	"github.com/ragfactory/ingest/internal/service"
)

// Runner wires and runs the reaper service loop.
type Runner struct {
	reaper  *service.ReaperService
	logger  *slog.Logger
	metrics statsd.Sink
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	DB     *sql.DB
	Config config.ReaperConfig
	Logger *slog.Logger

	// Optional dependency injection for testing/decoupling
	Jobs    core.JobRepository
	Cache   core.ContentCacheRepository
	Metrics statsd.Sink
}

// NewRunner creates a new reaper runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.DB == nil && opts.Jobs == nil {
		return nil, errors.New("either DB or Jobs must be provided")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	jobs := opts.Jobs
	if jobs == nil {
		jobs = data.NewJobRepo(opts.DB, data.RepoConfig{})
	}
	cache := opts.Cache
	if cache == nil && opts.DB != nil {
		cache = data.NewCacheRepo(opts.DB)
	}

	reaper, err := service.NewReaperService(service.ReaperServiceOptions{
		Jobs:    jobs,
		Cache:   cache,
		Config:  opts.Config,
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("wire reaper service: %w", err)
	}

	return &Runner{
		reaper:  reaper,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}, nil
}

// Run starts the reaper loop and runs until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting reaper runner")
	return r.reaper.Run(ctx)
}
