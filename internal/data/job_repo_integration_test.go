package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragfactory/ingest/internal/domain/model"
	"github.com/ragfactory/ingest/internal/testutil"
)

// mustCreateSource inserts a source row so job FKs resolve.
func mustCreateSource(t *testing.T, db *sql.DB, projectID, name string) *model.Source {
	t.Helper()

	repo := NewSourceRepo(db)
	src, err := repo.Create(context.Background(), &model.CreateSourceRequest{
		ProjectID:  projectID,
		Name:       name,
		SourceType: "rss",
		Config:     json.RawMessage(`{"feed_urls": ["https://example.com/feed.xml"]}`),
	})
	require.NoError(t, err)
	return src
}

func TestJobRepo_Integration_CreateAndReserve(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRepo(db, RepoConfig{})
		src := mustCreateSource(t, db, "proj-1", "feed one")

		// Oldest queued job is reserved first.
		first, err := repo.Create(context.Background(), &model.CreateJobRequest{
			SourceID:  src.ID,
			ProjectID: src.ProjectID,
			Kind:      model.JobKindFullSync,
		})
		require.NoError(t, err)

		second, err := repo.Create(context.Background(), &model.CreateJobRequest{
			SourceID:  src.ID,
			ProjectID: src.ProjectID,
			Kind:      model.JobKindIncremental,
		})
		require.NoError(t, err)

		reserved1, err := repo.ReserveNext(context.Background(), 30)
		require.NoError(t, err)
		assert.Equal(t, first.ID, reserved1.ID)
		assert.Equal(t, model.JobStatusRunning, reserved1.Status)
		assert.NotNil(t, reserved1.StartedAt)
		assert.NotNil(t, reserved1.LeaseExpiresAt)

		reserved2, err := repo.ReserveNext(context.Background(), 30)
		require.NoError(t, err)
		assert.Equal(t, second.ID, reserved2.ID)

		_, err = repo.ReserveNext(context.Background(), 30)
		require.ErrorIs(t, err, model.ErrNoJobsAvailable)
	})
}

func TestJobRepo_Integration_LifecycleWithRetry(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		timeProvider := NewFixedTimeProvider(testutil.TestTime())
		repo := NewJobRepo(db, RepoConfig{
			RetryDelaySeconds: 5,
			TimeProvider:      timeProvider,
		})
		src := mustCreateSource(t, db, "proj-1", "feed one")

		job, err := repo.Create(context.Background(), testutil.NewJobRequest().
			WithSourceID(src.ID).
			WithProjectID(src.ProjectID).
			WithMaxRetries(2).
			Build())
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusQueued, job.Status)

		reserved, err := repo.ReserveNext(context.Background(), 30)
		require.NoError(t, err)
		assert.Equal(t, job.ID, reserved.ID)

		ok, err := repo.Heartbeat(context.Background(), job.ID, 60)
		require.NoError(t, err)
		assert.True(t, ok)

		// First failure goes back to queued with a retry delay.
		ok, err = repo.Fail(context.Background(), job.ID, "connector timeout")
		require.NoError(t, err)
		assert.True(t, ok)

		_, err = repo.ReserveNext(context.Background(), 30)
		require.ErrorIs(t, err, model.ErrNoJobsAvailable)

		timeProvider.AddTime(6 * time.Second)

		retried, err := repo.ReserveNext(context.Background(), 30)
		require.NoError(t, err)
		assert.Equal(t, job.ID, retried.ID)
		assert.Equal(t, 1, retried.RetryCount)
		assert.Contains(t, retried.ErrorLog, "connector timeout")

		ok, err = repo.Complete(context.Background(), job.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		final, err := repo.GetByID(context.Background(), job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCompleted, final.Status)
		assert.NotNil(t, final.CompletedAt)
		assert.Nil(t, final.LeaseExpiresAt)
	})
}

func TestJobRepo_Integration_FailExhaustsRetries(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		timeProvider := NewFixedTimeProvider(testutil.TestTime())
		repo := NewJobRepo(db, RepoConfig{
			RetryDelaySeconds: 1,
			TimeProvider:      timeProvider,
		})
		src := mustCreateSource(t, db, "proj-1", "feed one")

		job, err := repo.Create(context.Background(), testutil.NewJobRequest().
			WithSourceID(src.ID).
			WithProjectID(src.ProjectID).
			WithMaxRetries(1).
			Build())
		require.NoError(t, err)

		_, err = repo.ReserveNext(context.Background(), 30)
		require.NoError(t, err)

		ok, err := repo.Fail(context.Background(), job.ID, "fatal")
		require.NoError(t, err)
		assert.True(t, ok)

		final, err := repo.GetByID(context.Background(), job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusFailed, final.Status)
		assert.NotNil(t, final.CompletedAt)
	})
}

func TestJobRepo_Integration_FireKeyDeduplicates(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRepo(db, RepoConfig{})
		src := mustCreateSource(t, db, "proj-1", "feed one")

		fireKey := src.ID + ":2024-01-01T12:00:00Z"
		req := testutil.NewJobRequest().
			WithSourceID(src.ID).
			WithProjectID(src.ProjectID).
			WithKind(model.JobKindScheduled).
			WithFireKey(fireKey).
			Build()

		_, err := repo.Create(context.Background(), req)
		require.NoError(t, err)

		_, err = repo.Create(context.Background(), req)
		require.ErrorIs(t, err, ErrDuplicateFireKey)
	})
}

func TestJobRepo_Integration_CancelQueuedJobImmediately(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRepo(db, RepoConfig{})
		src := mustCreateSource(t, db, "proj-1", "feed one")

		job, err := repo.Create(context.Background(), &model.CreateJobRequest{
			SourceID:  src.ID,
			ProjectID: src.ProjectID,
			Kind:      model.JobKindFullSync,
		})
		require.NoError(t, err)

		cancelled, err := repo.RequestCancel(context.Background(), job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCancelled, cancelled.Status)
		assert.True(t, cancelled.CancelRequested)
		assert.NotNil(t, cancelled.CompletedAt)
	})
}

func TestJobRepo_Integration_CancelRunningJobAtBoundary(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRepo(db, RepoConfig{})
		src := mustCreateSource(t, db, "proj-1", "feed one")

		job, err := repo.Create(context.Background(), &model.CreateJobRequest{
			SourceID:  src.ID,
			ProjectID: src.ProjectID,
			Kind:      model.JobKindFullSync,
		})
		require.NoError(t, err)

		_, err = repo.ReserveNext(context.Background(), 30)
		require.NoError(t, err)

		// Running jobs keep running until the worker sees the flag.
		flagged, err := repo.RequestCancel(context.Background(), job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusRunning, flagged.Status)
		assert.True(t, flagged.CancelRequested)

		cancel, pause, err := repo.ControlFlags(context.Background(), job.ID)
		require.NoError(t, err)
		assert.True(t, cancel)
		assert.False(t, pause)

		ok, err := repo.MarkCancelled(context.Background(), job.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		final, err := repo.GetByID(context.Background(), job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCancelled, final.Status)
	})
}

func TestJobRepo_Integration_PauseAndResume(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRepo(db, RepoConfig{})
		src := mustCreateSource(t, db, "proj-1", "feed one")

		job, err := repo.Create(context.Background(), &model.CreateJobRequest{
			SourceID:  src.ID,
			ProjectID: src.ProjectID,
			Kind:      model.JobKindFullSync,
		})
		require.NoError(t, err)

		_, err = repo.ReserveNext(context.Background(), 30)
		require.NoError(t, err)

		flagged, err := repo.RequestPause(context.Background(), job.ID)
		require.NoError(t, err)
		assert.True(t, flagged.PauseRequested)

		ok, err := repo.MarkPaused(context.Background(), job.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		resumed, err := repo.Resume(context.Background(), job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusRunning, resumed.Status)
		assert.False(t, resumed.PauseRequested)
	})
}

func TestJobRepo_Integration_RestartResetsProgress(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRepo(db, RepoConfig{RetryDelaySeconds: 1})
		src := mustCreateSource(t, db, "proj-1", "feed one")

		job, err := repo.Create(context.Background(), testutil.NewJobRequest().
			WithSourceID(src.ID).
			WithProjectID(src.ProjectID).
			WithMaxRetries(1).
			Build())
		require.NoError(t, err)

		_, err = repo.ReserveNext(context.Background(), 30)
		require.NoError(t, err)
		require.NoError(t, repo.SetTotal(context.Background(), job.ID, 10))
		require.NoError(t, repo.UpdateProgress(context.Background(), job.ID, 4, 3, 1))

		ok, err := repo.Fail(context.Background(), job.ID, "fatal")
		require.NoError(t, err)
		require.True(t, ok)

		restarted, err := repo.Restart(context.Background(), job.ID)
		require.NoError(t, err)
		assert.Equal(t, job.ID, restarted.ID)
		assert.Equal(t, model.JobStatusQueued, restarted.Status)
		assert.Zero(t, restarted.TotalDocuments)
		assert.Zero(t, restarted.ProcessedDocuments)
		assert.Zero(t, restarted.RetryCount)
		assert.Empty(t, restarted.ErrorLog)
		assert.Nil(t, restarted.StartedAt)

		// A queued job cannot be restarted again.
		_, err = repo.Restart(context.Background(), job.ID)
		require.ErrorIs(t, err, ErrJobNotRestartable)
	})
}

func TestJobRepo_Integration_DeleteOnlyTerminalJobs(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRepo(db, RepoConfig{})
		src := mustCreateSource(t, db, "proj-1", "feed one")

		job, err := repo.Create(context.Background(), &model.CreateJobRequest{
			SourceID:  src.ID,
			ProjectID: src.ProjectID,
			Kind:      model.JobKindFullSync,
		})
		require.NoError(t, err)

		err = repo.Delete(context.Background(), job.ID)
		require.ErrorIs(t, err, ErrJobNotDeletable)

		_, err = repo.ReserveNext(context.Background(), 30)
		require.NoError(t, err)
		ok, err := repo.Complete(context.Background(), job.ID)
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, repo.Delete(context.Background(), job.ID))

		_, err = repo.GetByID(context.Background(), job.ID)
		require.ErrorIs(t, err, ErrJobNotFound)
	})
}

func TestJobRepo_Integration_RequeueExpiredLeases(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		timeProvider := NewFixedTimeProvider(testutil.TestTime())
		repo := NewJobRepo(db, RepoConfig{TimeProvider: timeProvider})
		src := mustCreateSource(t, db, "proj-1", "feed one")

		job, err := repo.Create(context.Background(), &model.CreateJobRequest{
			SourceID:  src.ID,
			ProjectID: src.ProjectID,
			Kind:      model.JobKindFullSync,
		})
		require.NoError(t, err)

		_, err = repo.ReserveNext(context.Background(), 30)
		require.NoError(t, err)

		// Lease still valid: nothing to recover.
		recovered, err := repo.RequeueExpired(context.Background())
		require.NoError(t, err)
		assert.Zero(t, recovered)

		timeProvider.AddTime(31 * time.Second)

		recovered, err = repo.RequeueExpired(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(1), recovered)

		requeued, err := repo.GetByID(context.Background(), job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusQueued, requeued.Status)
		assert.Nil(t, requeued.LeaseExpiresAt)
	})
}

func TestJobRepo_Integration_ListAndStats(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRepo(db, RepoConfig{})
		src := mustCreateSource(t, db, "proj-1", "feed one")
		other := mustCreateSource(t, db, "proj-2", "feed two")

		for range 3 {
			_, err := repo.Create(context.Background(), &model.CreateJobRequest{
				SourceID:  src.ID,
				ProjectID: src.ProjectID,
				Kind:      model.JobKindFullSync,
			})
			require.NoError(t, err)
		}
		_, err := repo.Create(context.Background(), &model.CreateJobRequest{
			SourceID:  other.ID,
			ProjectID: other.ProjectID,
			Kind:      model.JobKindIncremental,
		})
		require.NoError(t, err)

		jobs, err := repo.List(context.Background(), model.ListJobsFilter{ProjectID: "proj-1"})
		require.NoError(t, err)
		assert.Len(t, jobs, 3)

		jobs, err = repo.List(context.Background(), model.ListJobsFilter{SourceID: other.ID})
		require.NoError(t, err)
		assert.Len(t, jobs, 1)

		jobs, err = repo.List(context.Background(), model.ListJobsFilter{ProjectID: "proj-1", Limit: 2})
		require.NoError(t, err)
		assert.Len(t, jobs, 2)

		stats, err := repo.Stats(context.Background(), "proj-1")
		require.NoError(t, err)
		assert.Equal(t, 3, stats.Queued)

		all, err := repo.Stats(context.Background(), "")
		require.NoError(t, err)
		assert.Equal(t, 4, all.Queued)
	})
}
