package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ragfactory/ingest/internal/core"
	domainjob "github.com/ragfactory/ingest/internal/domain/job"
	"github.com/ragfactory/ingest/internal/domain/model"
	"github.com/ragfactory/ingest/internal/observability/notify"
	"github.com/ragfactory/ingest/internal/service/failurenotifier"
)

// JobServiceOptions groups dependencies for JobService.
type JobServiceOptions struct {
	Repo            core.JobRepository        // Required: job repository
	DefaultLease    time.Duration             // Required: default lease duration for jobs
	Logger          *slog.Logger              // Optional: structured logger
	FailureNotifier *failurenotifier.Service  // Optional: failure notification fan-out
	LeasePolicy     *domainjob.LeasePolicy    // Optional: override default lease policy
	Notifier        domainjob.Notifier        // Optional: custom job availability notifier
	NotifierOptions domainjob.NotifierOptions // Optional: configure default notifier behaviour
}

// JobService provides business logic for ingestion job operations.
//
// This service manages:
// - CRUD operations for jobs
// - Job reservation and lease management
// - The cancel/pause/resume/restart control surface
// - Pub/sub notification for job availability
// - Graceful shutdown of notification listeners.
type JobService struct {
	repo            core.JobRepository
	leasePolicy     *domainjob.LeasePolicy
	notifier        domainjob.Notifier
	logger          *slog.Logger
	failureNotifier *failurenotifier.Service
}

// NewJobService constructs a new JobService.
func NewJobService(opts JobServiceOptions) (*JobService, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}

	var leasePolicy *domainjob.LeasePolicy
	switch {
	case opts.LeasePolicy != nil:
		leasePolicy = opts.LeasePolicy
	case opts.DefaultLease > 0:
		var err error
		leasePolicy, err = domainjob.NewLeasePolicy(opts.DefaultLease)
		if err != nil {
			return nil, fmt.Errorf("create lease policy: %w", err)
		}
	default:
		return nil, errors.New("DefaultLease must be positive")
	}

	notifier := opts.Notifier
	if notifier == nil {
		options := opts.NotifierOptions
		if options.Waiter == nil {
			options.Waiter = opts.Repo
		}
		var err error
		notifier, err = domainjob.NewNotifier(options)
		if err != nil {
			return nil, fmt.Errorf("create job notifier: %w", err)
		}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "job_service")
		logger.Debug("JobService initialized",
			"default_lease", leasePolicy.Default(),
		)
	}

	return &JobService{
		repo:            opts.Repo,
		leasePolicy:     leasePolicy,
		notifier:        notifier,
		logger:          logger,
		failureNotifier: opts.FailureNotifier,
	}, nil
}

// MustNewJobService constructs a new JobService and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewJobService(opts JobServiceOptions) *JobService {
	svc, err := NewJobService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create JobService: %v", err))
	}
	return svc
}

// Create validates and enqueues a new ingestion job.
func (s *JobService) Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("validate job request: %w", err)
	}

	job, err := s.repo.Create(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	if s.logger != nil {
		s.logger.DebugContext(
			ctx,
			"job created",
			"id",
			job.ID,
			"kind",
			job.Kind,
			"status",
			job.Status,
		)
	}

	return job, nil
}

// ReserveNext reserves the next available job for processing.
func (s *JobService) ReserveNext(ctx context.Context, lease time.Duration) (*model.Job, error) {
	decision := s.leasePolicy.Resolve(lease)
	if decision.Clamped() && s.logger != nil {
		s.logger.DebugContext(ctx, "clamped sub-second lease duration to 1 second",
			"requested_duration", decision.Requested)
	}

	job, err := s.repo.ReserveNext(ctx, decision.Seconds)
	if err != nil {
		return nil, fmt.Errorf("reserve next job: %w", err)
	}

	if s.logger != nil && job != nil {
		s.logger.DebugContext(
			ctx,
			"job reserved",
			"id",
			job.ID,
			"kind",
			job.Kind,
			"lease_seconds",
			decision.Seconds,
		)
	}

	return job, nil
}

// Subscribe creates a subscription for job availability notifications.
// Returns an unsubscribe function and a channel that receives notifications.
func (s *JobService) Subscribe() (func(), <-chan struct{}) {
	if s.notifier == nil {
		ch := make(chan struct{})
		close(ch)
		return func() {}, ch
	}
	return s.notifier.Subscribe()
}

// WaitForNotification waits for a notification indicating new jobs are available.
func (s *JobService) WaitForNotification(ctx context.Context) error {
	return s.repo.WaitForNotification(ctx)
}

// Heartbeat extends the lease on a job to indicate it's still being processed.
func (s *JobService) Heartbeat(ctx context.Context, id string, extend time.Duration) (bool, error) {
	decision := s.leasePolicy.Resolve(extend)
	if decision.Clamped() && s.logger != nil {
		s.logger.DebugContext(ctx, "clamped sub-second heartbeat duration to 1 second",
			"requested_duration", decision.Requested,
			"job_id", id)
	}

	updated, err := s.repo.Heartbeat(ctx, id, decision.Seconds)
	if err != nil {
		return false, fmt.Errorf("heartbeat job %s: %w", id, err)
	}

	if s.logger != nil && updated {
		s.logger.DebugContext(ctx, "job heartbeat updated", "id", id, "extend_seconds", decision.Seconds)
	}

	return updated, nil
}

// Complete marks a job as completed.
func (s *JobService) Complete(ctx context.Context, id string) (bool, error) {
	completed, err := s.repo.Complete(ctx, id)
	if err != nil {
		return false, fmt.Errorf("complete job %s: %w", id, err)
	}

	if s.logger != nil && completed {
		s.logger.DebugContext(ctx, "job completed", "id", id)
	}

	return completed, nil
}

// Fail marks a job as failed with the given error message.
func (s *JobService) Fail(ctx context.Context, id, errMsg string) (bool, error) {
	return s.FailWithDetails(ctx, id, errMsg, JobFailureDetails{})
}

// JobFailureDetails captures optional context for failure notifications.
type JobFailureDetails struct {
	SourceName string
	ErrorClass string
	Metadata   map[string]string
	Severity   string
	OccurredAt time.Time
}

// FailWithDetails marks a job as failed and propagates optional metadata to the notifier.
func (s *JobService) FailWithDetails(
	ctx context.Context,
	id, errMsg string,
	details JobFailureDetails,
) (bool, error) {
	if errMsg == "" {
		return false, errors.New("error message required")
	}

	var job *model.Job
	if s.failureNotifier != nil {
		var err error
		job, err = s.repo.GetByID(ctx, id)
		if err != nil && s.logger != nil {
			s.logger.WarnContext(ctx, "failed to load job for failure notification", "job_id", id, "error", err)
		}
	}

	failed, err := s.repo.Fail(ctx, id, errMsg)
	if err != nil {
		return false, fmt.Errorf("fail job %s: %w", id, err)
	}

	if s.logger != nil && failed {
		s.logger.DebugContext(ctx, "job failed", "id", id, "error", errMsg)
	}

	if failed && s.failureNotifier != nil {
		payload := buildJobFailurePayload(jobFailurePayloadInput{
			ID:      id,
			Job:     job,
			ErrMsg:  errMsg,
			Details: details,
		})
		s.failureNotifier.NotifyJobFailure(ctx, payload)
	}

	return failed, nil
}

type jobFailurePayloadInput struct {
	ID      string
	Job     *model.Job
	ErrMsg  string
	Details JobFailureDetails
}

func buildJobFailurePayload(input jobFailurePayloadInput) notify.JobFailurePayload {
	payload := baseFailurePayload(input.ID, input.ErrMsg, input.Details)
	payload.SourceName = input.Details.SourceName
	if input.Job != nil {
		applyJobContext(&payload, input.Job)
	}
	if payload.ErrorClass != "" {
		payload.Metadata = mergeMetadata(payload.Metadata, map[string]string{
			"error_class": payload.ErrorClass,
		})
	}

	if len(payload.Metadata) == 0 {
		payload.Metadata = nil
	}

	return payload
}

func baseFailurePayload(id, errMsg string, details JobFailureDetails) notify.JobFailurePayload {
	payload := notify.JobFailurePayload{
		JobID:      id,
		Error:      errMsg,
		ErrorClass: details.ErrorClass,
		Severity:   details.Severity,
		OccurredAt: details.OccurredAt,
		Metadata:   copyMetadata(details.Metadata),
	}

	if payload.Severity == "" {
		payload.Severity = notify.SeverityCritical
	}
	if payload.OccurredAt.IsZero() {
		payload.OccurredAt = time.Now()
	}

	return payload
}

func applyJobContext(payload *notify.JobFailurePayload, job *model.Job) {
	payload.Kind = string(job.Kind)
	payload.SourceID = job.SourceID
	payload.ProjectID = job.ProjectID

	newRetryCount := job.RetryCount + 1
	if newRetryCount < 0 {
		newRetryCount = 0
	}

	finalStatus := model.JobStatusQueued
	switch {
	case job.MaxRetries == 0:
		finalStatus = model.JobStatusFailed
	case newRetryCount >= job.MaxRetries:
		finalStatus = model.JobStatusFailed
	}

	metadata := map[string]string{
		"retry_count": strconv.Itoa(newRetryCount),
		"max_retries": strconv.Itoa(job.MaxRetries),
		"status":      string(finalStatus),
	}
	payload.Metadata = mergeMetadata(payload.Metadata, metadata)
}

func copyMetadata(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		if strings.TrimSpace(k) == "" {
			continue
		}
		if strings.TrimSpace(v) == "" {
			continue
		}
		dst[k] = v
	}
	return dst
}

func mergeMetadata(base, extra map[string]string) map[string]string {
	out := copyMetadata(base)
	if out == nil && len(extra) == 0 {
		return nil
	}
	if out == nil {
		out = make(map[string]string, len(extra))
	}
	for k, v := range extra {
		key := strings.TrimSpace(k)
		val := strings.TrimSpace(v)
		if key == "" || val == "" {
			continue
		}
		out[key] = val
	}
	return out
}

// RequestCancel asks a job to stop. Queued jobs cancel immediately;
// running or paused jobs stop at the next document boundary.
func (s *JobService) RequestCancel(ctx context.Context, id string) (*model.Job, error) {
	job, err := s.repo.RequestCancel(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("cancel job %s: %w", id, err)
	}
	if s.logger != nil {
		s.logger.InfoContext(ctx, "job cancel requested", "id", id, "status", job.Status)
	}
	return job, nil
}

// RequestPause asks a running or queued job to hold at the next document boundary.
func (s *JobService) RequestPause(ctx context.Context, id string) (*model.Job, error) {
	job, err := s.repo.RequestPause(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("pause job %s: %w", id, err)
	}
	if s.logger != nil {
		s.logger.InfoContext(ctx, "job pause requested", "id", id, "status", job.Status)
	}
	return job, nil
}

// Resume clears a pause and returns the job to running.
func (s *JobService) Resume(ctx context.Context, id string) (*model.Job, error) {
	job, err := s.repo.Resume(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("resume job %s: %w", id, err)
	}
	if s.logger != nil {
		s.logger.InfoContext(ctx, "job resumed", "id", id, "status", job.Status)
	}
	return job, nil
}

// Restart re-queues a failed or cancelled job from scratch.
func (s *JobService) Restart(ctx context.Context, id string) (*model.Job, error) {
	job, err := s.repo.Restart(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("restart job %s: %w", id, err)
	}
	if s.logger != nil {
		s.logger.InfoContext(ctx, "job restarted", "id", id)
	}
	return job, nil
}

// MarkCancelled acknowledges a cancel request from the worker side.
func (s *JobService) MarkCancelled(ctx context.Context, id string) (bool, error) {
	ok, err := s.repo.MarkCancelled(ctx, id)
	if err != nil {
		return false, fmt.Errorf("mark job %s cancelled: %w", id, err)
	}
	return ok, nil
}

// MarkPaused acknowledges a pause request from the worker side.
func (s *JobService) MarkPaused(ctx context.Context, id string) (bool, error) {
	ok, err := s.repo.MarkPaused(ctx, id)
	if err != nil {
		return false, fmt.Errorf("mark job %s paused: %w", id, err)
	}
	return ok, nil
}

// ControlFlags reports the pending cancel/pause requests for a job.
func (s *JobService) ControlFlags(ctx context.Context, id string) (cancel, pause bool, err error) {
	cancel, pause, err = s.repo.ControlFlags(ctx, id)
	if err != nil {
		return false, false, fmt.Errorf("control flags for job %s: %w", id, err)
	}
	return cancel, pause, nil
}

// SetTotal records the total document count once a connector has listed the source.
func (s *JobService) SetTotal(ctx context.Context, id string, total int) error {
	if total < 0 {
		return errors.New("total must be >= 0")
	}
	if err := s.repo.SetTotal(ctx, id, total); err != nil {
		return fmt.Errorf("set total for job %s: %w", id, err)
	}
	return nil
}

// UpdateProgress records absolute progress counters for a job.
func (s *JobService) UpdateProgress(ctx context.Context, id string, processed, succeeded, failed int) error {
	if err := s.repo.UpdateProgress(ctx, id, processed, succeeded, failed); err != nil {
		return fmt.Errorf("update progress for job %s: %w", id, err)
	}
	return nil
}

// AppendError appends a per-document error to the job's error log.
func (s *JobService) AppendError(ctx context.Context, id, msg string) error {
	if err := s.repo.AppendError(ctx, id, msg); err != nil {
		return fmt.Errorf("append error for job %s: %w", id, err)
	}
	return nil
}

// Stats returns counts of jobs per state, optionally scoped to a project.
func (s *JobService) Stats(ctx context.Context, projectID string) (*model.JobStats, error) {
	stats, err := s.repo.Stats(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("get job stats: %w", err)
	}
	return stats, nil
}

// Progress returns the poller-facing progress view of a job.
func (s *JobService) Progress(ctx context.Context, id string) (*model.JobProgress, error) {
	progress, err := s.repo.Progress(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get progress for job %s: %w", id, err)
	}
	return progress, nil
}

// GetByID returns a job by its ID.
func (s *JobService) GetByID(ctx context.Context, id string) (*model.Job, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job by id %s: %w", id, err)
	}
	return job, nil
}

// List returns jobs matching the filter, newest first.
// Pagination defaults are normalized here to avoid drift across layers.
func (s *JobService) List(ctx context.Context, filter model.ListJobsFilter) ([]*model.Job, error) {
	p := normalizePagination(filter.Limit, filter.Offset)
	filter.Limit = p.Limit
	filter.Offset = p.Offset

	jobs, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// Delete removes a terminal job. Live jobs must be cancelled first.
func (s *JobService) Delete(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("job id is required")
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	if s.logger != nil {
		s.logger.InfoContext(ctx, "job deleted", "id", id)
	}
	return nil
}

// RequeueExpired returns lapsed running or paused jobs to the queue.
func (s *JobService) RequeueExpired(ctx context.Context) (int64, error) {
	n, err := s.repo.RequeueExpired(ctx)
	if err != nil {
		return 0, fmt.Errorf("requeue expired jobs: %w", err)
	}
	if n > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "requeued expired jobs", "count", n)
	}
	return n, nil
}

// paginationParams holds normalized pagination parameters.
type paginationParams struct {
	Limit  int
	Offset int
}

// normalizePagination clamps pagination parameters to safe defaults.
// Default limit: 50, max limit: 1000, min offset: 0.
func normalizePagination(limit, offset int) paginationParams {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	return paginationParams{Limit: limit, Offset: offset}
}

// StopAllListeners stops all active job notification listeners.
// This should be called during graceful shutdown to clean up goroutines.
func (s *JobService) StopAllListeners() {
	if s.logger != nil {
		s.logger.Info("stopping all job listeners")
	}

	if s.notifier != nil {
		s.notifier.StopAll()
	}
}
