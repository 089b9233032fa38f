// Package scheduler provides the tick loop driving the schedule service.
package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	obserrors "github.com/ragfactory/ingest/internal/observability/errors"
	"github.com/ragfactory/ingest/internal/observability/metrics"
	"github.com/ragfactory/ingest/internal/observability/statsd"

	"github.com/ragfactory/ingest/internal/data"
	"github.com/ragfactory/ingest/internal/service"
)

// Ticker is the scheduler surface the loop drives.
type Ticker interface {
	Tick(ctx context.Context, now time.Time) (int, error)
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	DB        *sql.DB
	Scheduler Ticker // optional; built from DB when nil
	Interval  time.Duration
	Logger    *slog.Logger
	Metrics   statsd.Sink
	BatchSize int
}

// Runner calls Tick on a fixed interval until the context is cancelled.
// Multiple replicas may run this loop concurrently; the service-level
// advisory lock keeps only one of them doing work per tick.
type Runner struct {
	scheduler Ticker
	interval  time.Duration
	logger    *slog.Logger
	metrics   statsd.Sink
}

// NewRunner creates a scheduler runner, wiring repositories from the DB
// handle when no scheduler service is injected.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Scheduler == nil && opts.DB == nil {
		return nil, errors.New("either DB or Scheduler must be provided")
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ticker := opts.Scheduler
	if ticker == nil {
		svc, err := service.NewSchedulerService(service.SchedulerServiceOptions{
			DB:        opts.DB,
			Schedules: data.NewScheduleRepo(opts.DB),
			Jobs:      data.NewJobRepo(opts.DB, data.RepoConfig{}),
			Sources:   data.NewSourceRepo(opts.DB),
			Logger:    opts.Logger,
			BatchSize: opts.BatchSize,
		})
		if err != nil {
			return nil, err
		}
		ticker = svc
	}

	return &Runner{
		scheduler: ticker,
		interval:  opts.Interval,
		logger:    opts.Logger.With("component", "scheduler_runner"),
		metrics:   opts.Metrics,
	}, nil
}

// Run starts the tick loop and runs until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting scheduler runner", "interval", r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "scheduler runner stopping", "reason", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case now := <-ticker.C:
			start := time.Now()
			queued, err := r.scheduler.Tick(ctx, now)
			elapsed := time.Since(start)

			r.emitTickMetrics(queued, elapsed, err)

			if err != nil {
				// Keep ticking despite errors.
				r.logger.ErrorContext(ctx, "scheduler tick error", "error", err)
			} else if queued > 0 {
				r.logger.InfoContext(ctx, "scheduler queued jobs", "count", queued)
			}
		}
	}
}

func (r *Runner) emitTickMetrics(queued int, elapsed time.Duration, err error) {
	if r.metrics == nil {
		return
	}

	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	} else if queued == 0 {
		result = metrics.ResultNoop
	}

	tags := map[string]string{
		"result": result,
	}
	if err != nil {
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
	}

	r.metrics.Count("scheduler.tick", 1, tags)

	if queued > 0 {
		r.metrics.Count("scheduler.jobs_enqueued", int64(queued), tags)
	}

	if elapsed > 0 {
		r.metrics.Timing("scheduler.tick_duration", elapsed, metrics.CloneTags(tags))
	}

	if err == nil {
		r.metrics.Gauge("scheduler.last_success_epoch", float64(time.Now().Unix()), nil)
	}
}
