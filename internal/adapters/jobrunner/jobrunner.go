// Package jobrunner pulls reserved ingestion jobs off the queue and drives
// them through the pipeline.
package jobrunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	obserrors "github.com/ragfactory/ingest/internal/observability/errors"
	"github.com/ragfactory/ingest/internal/observability/metrics"
	"github.com/ragfactory/ingest/internal/observability/statsd"

	"github.com/ragfactory/ingest/internal/domain/model"
	"github.com/ragfactory/ingest/internal/service"
)

// Executor runs one reserved job to completion. ErrJobCancelled from Run
// means the job acknowledged a cancel request and needs no further state
// transition.
type Executor interface {
	Run(ctx context.Context, job *model.Job) error
}

// RunnerOptions configures the job runner adapter.
type RunnerOptions struct {
	Jobs     *service.JobService
	Executor Executor
	Logger   *slog.Logger
	Metrics  statsd.Sink

	Lease   time.Duration // per-job lease duration; defaults to 30s
	Workers int           // worker goroutines; defaults to 1
}

// Runner reserves queued jobs and executes them with a bounded worker pool.
// Leases are extended by a per-job heartbeat so long runs survive the
// reaper.
type Runner struct {
	jobs     *service.JobService
	executor Executor
	logger   *slog.Logger
	metrics  statsd.Sink
	lease    time.Duration
	workers  int
}

// NewRunner constructs a job runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Jobs == nil {
		return nil, errors.New("job service is required")
	}
	if opts.Executor == nil {
		return nil, errors.New("executor is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	lease := opts.Lease
	if lease <= 0 {
		lease = 30 * time.Second
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}

	return &Runner{
		jobs:     opts.Jobs,
		executor: opts.Executor,
		logger:   logger.With("component", "job_runner"),
		metrics:  opts.Metrics,
		lease:    lease,
		workers:  workers,
	}, nil
}

// Run starts worker goroutines and processes jobs until the context is
// cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting job runner", "workers", r.workers, "lease", r.lease)

	// Derive a cancellable context so the first fatal error stops all workers.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	unsub, notify := r.jobs.Subscribe()
	defer unsub()

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	for range r.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.workerLoop(ctx, notify); err != nil {
				// first error wins, cancels all workers
				select {
				case errCh <- err:
					cancel()
				default:
				}
			}
		}()
	}

	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		return ctx.Err()
	}
}

func (r *Runner) workerLoop(ctx context.Context, notify <-chan struct{}) error {
	for ctx.Err() == nil {
		job, err := r.jobs.ReserveNext(ctx, r.lease)
		switch {
		case err == nil:
			if job != nil {
				r.processJob(ctx, job)
			}
		case errors.Is(err, model.ErrNoJobsAvailable):
			if !r.waitForNotify(ctx, notify) {
				return nil
			}
		default:
			return fmt.Errorf("reserve next: %w", err)
		}
	}
	return ctx.Err()
}

func (r *Runner) waitForNotify(ctx context.Context, notify <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return false
	case <-notify:
		return true
	}
}

func (r *Runner) processJob(ctx context.Context, job *model.Job) {
	start := time.Now()
	emit := func(transition, result string, err error) {
		metrics.EmitJobLifecycle(r.metrics, metrics.JobMetric{
			Kind:       string(job.Kind),
			Transition: transition,
			Result:     result,
			Duration:   time.Since(start),
			Err:        err,
		})
	}

	r.logger.InfoContext(ctx, "processing job",
		"job_id", job.ID, "kind", job.Kind, "source_id", job.SourceID)

	stopHeartbeat := r.startHeartbeat(ctx, job.ID)
	err := r.executor.Run(ctx, job)
	stopHeartbeat()

	switch {
	case errors.Is(err, service.ErrJobCancelled):
		// The executor already acknowledged the cancel.
		r.logger.InfoContext(ctx, "job cancelled", "job_id", job.ID)
		emit("cancelled", metrics.ResultNoop, nil)
	case err != nil:
		if _, ferr := r.jobs.FailWithDetails(ctx, job.ID, err.Error(), service.JobFailureDetails{
			ErrorClass: obserrors.Classify(err),
			Metadata: map[string]string{
				"component": "job_runner",
			},
		}); ferr != nil {
			r.logger.ErrorContext(ctx, "fail job error", "job_id", job.ID, "error", ferr, "original_error", err)
		}
		emit("failed", metrics.ResultError, err)
	default:
		if completed, cerr := r.jobs.Complete(ctx, job.ID); cerr != nil {
			r.logger.ErrorContext(ctx, "complete job error", "job_id", job.ID, "error", cerr)
			emit("completed", metrics.ResultError, cerr)
		} else {
			result := metrics.ResultNoop
			if completed {
				result = metrics.ResultSuccess
			}
			emit("completed", result, nil)
		}
	}
}

// startHeartbeat extends the job lease on a cadence of a third of the lease
// until the returned stop function is called. A lost lease (the job was
// requeued or transitioned elsewhere) only logs: the queue-side guard on
// Complete and Fail already makes a stale worker's writes no-ops.
func (r *Runner) startHeartbeat(ctx context.Context, jobID string) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	interval := r.lease / 3
	if interval < time.Second {
		interval = time.Second
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
			}
			ok, err := r.jobs.Heartbeat(hbCtx, jobID, r.lease)
			if err != nil {
				if hbCtx.Err() == nil {
					r.logger.WarnContext(hbCtx, "heartbeat failed", "job_id", jobID, "error", err)
				}
				continue
			}
			if !ok {
				r.logger.WarnContext(hbCtx, "lease no longer held", "job_id", jobID)
				return
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
