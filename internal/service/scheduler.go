package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ragfactory/ingest/internal/core"
	"github.com/ragfactory/ingest/internal/data"
	"github.com/ragfactory/ingest/internal/data/pgxutil"
	"github.com/ragfactory/ingest/internal/domain/model"
)

const defaultSchedulerBatchSize = 20

// SchedulerServiceOptions holds the dependencies for a SchedulerService.
type SchedulerServiceOptions struct {
	DB        *sql.DB
	Schedules core.ScheduleRepository
	Jobs      core.JobRepository
	Sources   core.SourceRepository
	Logger    *slog.Logger
	BatchSize int
}

// SchedulerService turns due schedule rows into queued ingestion jobs.
// Safe under concurrent replicas: the tick takes an advisory lock and the
// due-row selection uses FOR UPDATE SKIP LOCKED, while fire-keyed job
// inserts make a replayed tick a no-op.
type SchedulerService struct {
	db        *sql.DB
	schedules core.ScheduleRepository
	jobs      core.JobRepository
	sources   core.SourceRepository
	logger    *slog.Logger
	batchSize int
}

// NewSchedulerService creates a SchedulerService.
func NewSchedulerService(opts SchedulerServiceOptions) (*SchedulerService, error) {
	switch {
	case opts.DB == nil:
		return nil, errors.New("database handle is required")
	case opts.Schedules == nil:
		return nil, errors.New("schedule repository is required")
	case opts.Jobs == nil:
		return nil, errors.New("job repository is required")
	case opts.Sources == nil:
		return nil, errors.New("source repository is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = defaultSchedulerBatchSize
	}

	return &SchedulerService{
		db:        opts.DB,
		schedules: opts.Schedules,
		jobs:      opts.Jobs,
		sources:   opts.Sources,
		logger:    logger.With("component", "scheduler_service"),
		batchSize: batch,
	}, nil
}

// Tick processes due schedules once and returns the number of jobs queued.
// A tick that loses the advisory lock to another instance returns (0, nil).
func (s *SchedulerService) Tick(ctx context.Context, now time.Time) (int, error) {
	queued := 0
	err := pgxutil.WithSQLTx(ctx, s.db, func(tx *sql.Tx) error {
		locked, err := s.schedules.TryTickLockTx(ctx, tx)
		if err != nil {
			return err
		}
		if !locked {
			s.logger.DebugContext(ctx, "scheduler tick already held by another instance")
			return nil
		}

		due, err := s.schedules.FindDueTx(ctx, tx, now, s.batchSize)
		if err != nil {
			return err
		}

		for _, sched := range due {
			worked, fireErr := s.fire(ctx, tx, sched, now)
			if fireErr != nil {
				// One broken schedule must not stall the rest of the batch.
				s.logger.WarnContext(ctx, "schedule fire failed",
					"source_id", sched.SourceID, "spec", sched.Spec, "error", fireErr)
				continue
			}
			if worked {
				queued++
			}
		}
		return nil
	})
	if err != nil {
		return queued, fmt.Errorf("scheduler tick: %w", err)
	}
	return queued, nil
}

// fire enqueues one scheduled job and advances the schedule. Returns true
// when a job was actually queued; a duplicate fire key counts as done
// without work.
func (s *SchedulerService) fire(ctx context.Context, tx *sql.Tx, sched *model.Schedule, now time.Time) (bool, error) {
	spec, err := model.ParseScheduleSpec(sched.Spec)
	if err != nil {
		return false, err
	}

	source, err := s.sources.GetByID(ctx, sched.SourceID)
	if err != nil {
		return false, fmt.Errorf("load source: %w", err)
	}

	next := spec.Next(now)

	if !source.Enabled {
		// Disabled sources keep their cadence but queue nothing.
		if err := s.schedules.MarkQueuedTx(ctx, tx, sched.SourceID, now, next); err != nil {
			return false, err
		}
		return false, nil
	}

	fireAt := now
	if sched.NextRunAt != nil {
		fireAt = *sched.NextRunAt
	}
	fireKey := fmt.Sprintf("source:%s:fire:%d", sched.SourceID, fireAt.Unix())

	worked := true
	_, err = s.jobs.Create(ctx, &model.CreateJobRequest{
		SourceID:  sched.SourceID,
		ProjectID: source.ProjectID,
		Kind:      model.JobKindScheduled,
		FireKey:   &fireKey,
	})
	switch {
	case errors.Is(err, data.ErrDuplicateFireKey):
		worked = false
	case err != nil:
		return false, fmt.Errorf("enqueue scheduled job: %w", err)
	}

	if err := s.schedules.MarkQueuedTx(ctx, tx, sched.SourceID, now, next); err != nil {
		return false, err
	}

	if worked {
		s.logger.InfoContext(ctx, "scheduled job queued",
			"source_id", sched.SourceID, "fire_key", fireKey, "next_run_at", next)
	}
	return worked, nil
}

// Set validates and installs the schedule spec for a source, replacing any
// existing schedule.
func (s *SchedulerService) Set(ctx context.Context, sourceID, rawSpec string) (*model.Schedule, error) {
	if sourceID == "" {
		return nil, errors.New("source id is required")
	}
	if _, err := model.ParseScheduleSpec(rawSpec); err != nil {
		return nil, err
	}
	if _, err := s.sources.GetByID(ctx, sourceID); err != nil {
		return nil, fmt.Errorf("load source: %w", err)
	}

	schedule, err := s.schedules.Upsert(ctx, sourceID, rawSpec)
	if err != nil {
		return nil, fmt.Errorf("set schedule for source %s: %w", sourceID, err)
	}
	s.logger.InfoContext(ctx, "schedule set",
		"source_id", sourceID, "spec", schedule.Spec, "trigger", schedule.Describe())
	return schedule, nil
}

// Pause stops a schedule from firing without removing it.
func (s *SchedulerService) Pause(ctx context.Context, sourceID string) (*model.Schedule, error) {
	schedule, err := s.schedules.SetPaused(ctx, sourceID, true)
	if err != nil {
		return nil, fmt.Errorf("pause schedule for source %s: %w", sourceID, err)
	}
	return schedule, nil
}

// Resume reactivates a paused schedule; the next fire is computed from now.
func (s *SchedulerService) Resume(ctx context.Context, sourceID string) (*model.Schedule, error) {
	schedule, err := s.schedules.SetPaused(ctx, sourceID, false)
	if err != nil {
		return nil, fmt.Errorf("resume schedule for source %s: %w", sourceID, err)
	}
	return schedule, nil
}

// Remove deletes the schedule for a source.
func (s *SchedulerService) Remove(ctx context.Context, sourceID string) error {
	if err := s.schedules.Delete(ctx, sourceID); err != nil {
		return fmt.Errorf("remove schedule for source %s: %w", sourceID, err)
	}
	s.logger.InfoContext(ctx, "schedule removed", "source_id", sourceID)
	return nil
}

// Get returns the schedule for a source.
func (s *SchedulerService) Get(ctx context.Context, sourceID string) (*model.Schedule, error) {
	return s.schedules.Get(ctx, sourceID)
}

// List returns all schedules.
func (s *SchedulerService) List(ctx context.Context) ([]*model.Schedule, error) {
	return s.schedules.List(ctx)
}
