package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"log/slog"
	"time"

	"github.com/ragfactory/ingest/config"
	"github.com/ragfactory/ingest/internal/core"
	obserrors "github.com/ragfactory/ingest/internal/observability/errors"
	"github.com/ragfactory/ingest/internal/observability/metrics"
	"github.com/ragfactory/ingest/internal/observability/statsd"
)

// ReaperServiceOptions groups dependencies for ReaperService.
type ReaperServiceOptions struct {
	Jobs    core.JobRepository          // Required: job queue repository
	Cache   core.ContentCacheRepository // Optional: content cache for age eviction
	Config  config.ReaperConfig         // Required: reaper configuration
	Logger  *slog.Logger                // Optional: structured logger
	Metrics statsd.Sink                 // Optional: metrics sink (StatsD-compatible)
}

// ReaperService performs periodic queue and cache maintenance:
// requeueing jobs whose worker lease expired and evicting cache entries
// past the retention age.
type ReaperService struct {
	jobs    core.JobRepository
	cache   core.ContentCacheRepository
	config  config.ReaperConfig
	logger  *slog.Logger
	metrics statsd.Sink
}

// NewReaperService constructs a new ReaperService.
func NewReaperService(opts ReaperServiceOptions) (*ReaperService, error) {
	if opts.Jobs == nil {
		return nil, errors.New("JobRepository is required")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "reaper_service")
		logger.Debug("ReaperService initialized",
			"interval", opts.Config.Interval,
			"cache_max_age", opts.Config.CacheMaxAge,
		)
	}

	return &ReaperService{
		jobs:    opts.Jobs,
		cache:   opts.Cache,
		config:  opts.Config,
		logger:  logger,
		metrics: opts.Metrics,
	}, nil
}

// Run starts the reaper loop and runs until the context is cancelled.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (s *ReaperService) Run(ctx context.Context) error {
	if s.logger != nil {
		s.logger.InfoContext(ctx, "starting reaper service", "interval", s.config.Interval)
	}

	// Jitter avoids a thundering herd when several instances start together.
	s.waitWithJitter(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	if err := s.runCleanup(ctx); err != nil {
		s.logCleanupError(err, "initial cleanup")
	}

	return s.runLoop(ctx, ticker)
}

// waitWithJitter sleeps a random delay up to 10% of the interval.
func (s *ReaperService) waitWithJitter(ctx context.Context) {
	maxJitter := int64(s.config.Interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		if s.logger != nil {
			s.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		}
		return
	}

	jitterNanos := binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)
	jitter := time.Duration(int64(jitterNanos)) // #nosec G115 - bounded by maxJitter which is int64

	select {
	case <-time.After(jitter):
	case <-ctx.Done():
	}
}

func (s *ReaperService) runLoop(ctx context.Context, ticker *time.Ticker) error {
	for {
		select {
		case <-ctx.Done():
			if s.logger != nil {
				s.logger.InfoContext(ctx, "reaper service stopping", "reason", ctx.Err())
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-ticker.C:
			if err := s.runCleanup(ctx); err != nil {
				s.logCleanupError(err, "cleanup")
				// Keep running despite errors.
			}
		}
	}
}

// runCleanup performs one maintenance pass.
func (s *ReaperService) runCleanup(ctx context.Context) error {
	start := time.Now()
	m := cleanupMetrics{}

	m.RequeuedCount, m.RequeuedErr = s.requeueExpiredLeases(ctx)
	m.EvictedCount, m.EvictedErr = s.evictStaleCacheEntries(ctx)
	m.Elapsed = time.Since(start)

	s.emitCleanupMetrics(m)

	var errs []error
	if m.RequeuedErr != nil {
		errs = append(errs, m.RequeuedErr)
	}
	if m.EvictedErr != nil {
		errs = append(errs, m.EvictedErr)
	}
	if len(errs) > 0 {
		joined := errors.Join(errs...)
		if isContextCancellation(joined) {
			return context.Canceled
		}
		return joined
	}
	return nil
}

// requeueExpiredLeases returns jobs whose worker went silent to the queue.
func (s *ReaperService) requeueExpiredLeases(ctx context.Context) (int64, error) {
	count, err := s.jobs.RequeueExpired(ctx)
	if err != nil {
		return 0, err
	}
	if count > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "requeued jobs with expired leases", "count", count)
	}
	return count, nil
}

// evictStaleCacheEntries drops cache rows not accessed within the
// retention window. A zero CacheMaxAge disables eviction.
func (s *ReaperService) evictStaleCacheEntries(ctx context.Context) (int64, error) {
	if s.cache == nil || s.config.CacheMaxAge <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-s.config.CacheMaxAge)
	count, err := s.cache.EvictOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if count > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "evicted stale cache entries",
			"count", count,
			"max_age", s.config.CacheMaxAge,
		)
	}
	return count, nil
}

type cleanupMetrics struct {
	RequeuedCount int64
	RequeuedErr   error
	EvictedCount  int64
	EvictedErr    error
	Elapsed       time.Duration
}

func (s *ReaperService) emitCleanupMetrics(m cleanupMetrics) {
	if s.metrics == nil {
		return
	}

	totalCount := m.RequeuedCount + m.EvictedCount
	firstErr := firstError(m.RequeuedErr, m.EvictedErr)

	result := metrics.ResultSuccess
	if firstErr != nil {
		result = metrics.ResultError
	} else if totalCount == 0 {
		result = metrics.ResultNoop
	}

	tags := map[string]string{
		"result": result,
	}
	if firstErr != nil {
		if class := obserrors.Classify(firstErr); class != "" {
			tags["error_class"] = class
		}
	}

	s.metrics.Count("reaper.cleanup", 1, tags)

	if m.Elapsed > 0 {
		s.metrics.Timing("reaper.cleanup_duration", m.Elapsed, metrics.CloneTags(tags))
	}

	s.emitCleanupOperationMetric("requeue_expired", m.RequeuedCount, m.RequeuedErr)
	s.emitCleanupOperationMetric("evict_cache", m.EvictedCount, m.EvictedErr)

	if firstErr == nil {
		s.metrics.Gauge("reaper.last_success_epoch", float64(time.Now().Unix()), nil)
	}
}

func (s *ReaperService) emitCleanupOperationMetric(operation string, count int64, err error) {
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	} else if count == 0 {
		result = metrics.ResultNoop
	}

	tags := map[string]string{
		"operation": operation,
		"result":    result,
	}
	if err != nil {
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
	}

	s.metrics.Count("reaper.cleanup_operation", 1, tags)

	if err == nil && count > 0 {
		s.metrics.Count("reaper.rows_processed", count, metrics.CloneTags(tags))
	}
}

func (s *ReaperService) logCleanupError(err error, label string) {
	if err == nil || s.logger == nil {
		return
	}

	if isContextCancellation(err) {
		s.logger.Debug(label+" cancelled by context", "error", err)
		return
	}

	s.logger.Error(label+" failed", "error", err)
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func isContextCancellation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
