package service

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragfactory/ingest/internal/core"
	"github.com/ragfactory/ingest/internal/data"
	"github.com/ragfactory/ingest/internal/domain/model"
)

type fakeScheduleRepo struct {
	upsertFn    func(ctx context.Context, sourceID, rawSpec string) (*model.Schedule, error)
	setPausedFn func(ctx context.Context, sourceID string, paused bool) (*model.Schedule, error)
	deleteFn    func(ctx context.Context, sourceID string) error
	getFn       func(ctx context.Context, sourceID string) (*model.Schedule, error)
	listFn      func(ctx context.Context) ([]*model.Schedule, error)
}

func (f *fakeScheduleRepo) Upsert(ctx context.Context, sourceID, rawSpec string) (*model.Schedule, error) {
	if f.upsertFn != nil {
		return f.upsertFn(ctx, sourceID, rawSpec)
	}
	return &model.Schedule{SourceID: sourceID, Spec: rawSpec}, nil
}

func (f *fakeScheduleRepo) SetPaused(ctx context.Context, sourceID string, paused bool) (*model.Schedule, error) {
	if f.setPausedFn != nil {
		return f.setPausedFn(ctx, sourceID, paused)
	}
	return &model.Schedule{SourceID: sourceID, Paused: paused}, nil
}

func (f *fakeScheduleRepo) Delete(ctx context.Context, sourceID string) error {
	if f.deleteFn != nil {
		return f.deleteFn(ctx, sourceID)
	}
	return nil
}

func (f *fakeScheduleRepo) Get(ctx context.Context, sourceID string) (*model.Schedule, error) {
	if f.getFn != nil {
		return f.getFn(ctx, sourceID)
	}
	return nil, data.ErrScheduleNotFound
}

func (f *fakeScheduleRepo) List(ctx context.Context) ([]*model.Schedule, error) {
	if f.listFn != nil {
		return f.listFn(ctx)
	}
	return nil, nil
}

func (f *fakeScheduleRepo) TryTickLockTx(context.Context, *sql.Tx) (bool, error) {
	return true, nil
}

func (f *fakeScheduleRepo) FindDueTx(context.Context, *sql.Tx, time.Time, int) ([]*model.Schedule, error) {
	return nil, nil
}

func (f *fakeScheduleRepo) MarkQueuedTx(context.Context, *sql.Tx, string, time.Time, time.Time) error {
	return nil
}

var _ core.ScheduleRepository = (*fakeScheduleRepo)(nil)

func newTestSchedulerService(t *testing.T, schedules core.ScheduleRepository, sources core.SourceRepository) *SchedulerService {
	t.Helper()
	if sources == nil {
		sources = &fakeSourceRepo{
			getByIDFn: func(_ context.Context, id string) (*model.Source, error) {
				return &model.Source{ID: id, ProjectID: "proj-a", Enabled: true}, nil
			},
		}
	}
	svc, err := NewSchedulerService(SchedulerServiceOptions{
		DB:        &sql.DB{},
		Schedules: schedules,
		Jobs:      &fakeJobRepo{},
		Sources:   sources,
	})
	require.NoError(t, err)
	return svc
}

func TestNewSchedulerServiceValidatesOptions(t *testing.T) {
	_, err := NewSchedulerService(SchedulerServiceOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database handle")

	_, err = NewSchedulerService(SchedulerServiceOptions{DB: &sql.DB{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schedule repository")
}

func TestSchedulerServiceSet(t *testing.T) {
	ctx := context.Background()

	t.Run("valid spec reaches the repo", func(t *testing.T) {
		var upserted string
		repo := &fakeScheduleRepo{
			upsertFn: func(_ context.Context, sourceID, rawSpec string) (*model.Schedule, error) {
				upserted = rawSpec
				return &model.Schedule{SourceID: sourceID, Spec: rawSpec}, nil
			},
		}
		svc := newTestSchedulerService(t, repo, nil)

		schedule, err := svc.Set(ctx, "src-1", "interval:30m")
		require.NoError(t, err)
		assert.Equal(t, "interval:30m", upserted)
		assert.Equal(t, "every 30m0s", schedule.Describe())
	})

	t.Run("invalid spec rejected before the repo", func(t *testing.T) {
		repo := &fakeScheduleRepo{
			upsertFn: func(context.Context, string, string) (*model.Schedule, error) {
				t.Fatal("upsert must not be called for an invalid spec")
				return nil, nil
			},
		}
		svc := newTestSchedulerService(t, repo, nil)

		_, err := svc.Set(ctx, "src-1", "fortnightly")
		require.ErrorIs(t, err, model.ErrInvalidScheduleSpec)
	})

	t.Run("missing source rejected", func(t *testing.T) {
		sources := &fakeSourceRepo{
			getByIDFn: func(context.Context, string) (*model.Source, error) {
				return nil, data.ErrSourceNotFound
			},
		}
		svc := newTestSchedulerService(t, &fakeScheduleRepo{}, sources)

		_, err := svc.Set(ctx, "ghost", "daily")
		require.ErrorIs(t, err, data.ErrSourceNotFound)
	})

	t.Run("empty source id rejected", func(t *testing.T) {
		svc := newTestSchedulerService(t, &fakeScheduleRepo{}, nil)
		_, err := svc.Set(ctx, "", "daily")
		require.Error(t, err)
	})
}

func TestSchedulerServicePauseResume(t *testing.T) {
	ctx := context.Background()

	var lastPaused *bool
	repo := &fakeScheduleRepo{
		setPausedFn: func(_ context.Context, sourceID string, paused bool) (*model.Schedule, error) {
			lastPaused = &paused
			return &model.Schedule{SourceID: sourceID, Paused: paused}, nil
		},
	}
	svc := newTestSchedulerService(t, repo, nil)

	schedule, err := svc.Pause(ctx, "src-1")
	require.NoError(t, err)
	require.NotNil(t, lastPaused)
	assert.True(t, *lastPaused)
	assert.True(t, schedule.Paused)

	schedule, err = svc.Resume(ctx, "src-1")
	require.NoError(t, err)
	assert.False(t, *lastPaused)
	assert.False(t, schedule.Paused)
}

func TestSchedulerServiceRemove(t *testing.T) {
	ctx := context.Background()

	t.Run("propagates not found", func(t *testing.T) {
		repo := &fakeScheduleRepo{
			deleteFn: func(context.Context, string) error { return data.ErrScheduleNotFound },
		}
		svc := newTestSchedulerService(t, repo, nil)
		err := svc.Remove(ctx, "src-1")
		require.ErrorIs(t, err, data.ErrScheduleNotFound)
	})

	t.Run("success", func(t *testing.T) {
		svc := newTestSchedulerService(t, &fakeScheduleRepo{}, nil)
		require.NoError(t, svc.Remove(ctx, "src-1"))
	})
}

func TestSchedulerServiceList(t *testing.T) {
	ctx := context.Background()
	next := time.Date(2026, 9, 1, 6, 0, 0, 0, time.UTC)

	repo := &fakeScheduleRepo{
		listFn: func(context.Context) ([]*model.Schedule, error) {
			return []*model.Schedule{
				{SourceID: "src-1", Spec: "daily", NextRunAt: &next},
				{SourceID: "src-2", Spec: "cron:0 6 * * 1", Paused: true},
			}, nil
		},
	}
	svc := newTestSchedulerService(t, repo, nil)

	schedules, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, schedules, 2)
	assert.Equal(t, "every 24h0m0s", schedules[0].Describe())
	assert.Equal(t, "cron 0 6 * * 1", schedules[1].Describe())
}

func TestSchedulerServiceListError(t *testing.T) {
	ctx := context.Background()
	repo := &fakeScheduleRepo{
		listFn: func(context.Context) ([]*model.Schedule, error) {
			return nil, errors.New("connection reset")
		},
	}
	svc := newTestSchedulerService(t, repo, nil)

	_, err := svc.List(ctx)
	require.Error(t, err)
}
