package data

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragfactory/ingest/internal/domain/model"
	"github.com/ragfactory/ingest/internal/testutil"
)

func TestTrackingRepo_Integration_StatusTransitions(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewTrackingRepo(db)

		// Unseen documents have no record.
		rec, err := repo.Status(context.Background(), "proj-1", "hash-1")
		require.NoError(t, err)
		assert.Nil(t, rec)

		require.NoError(t, repo.MarkPending(context.Background(), "proj-1", "hash-1", "src-1"))

		rec, err = repo.Status(context.Background(), "proj-1", "hash-1")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, model.TrackingStatusPending, rec.Status)
		assert.Nil(t, rec.LastError)

		require.NoError(t, repo.MarkFailed(context.Background(), "proj-1", "hash-1", "src-1", "embed failed"))

		rec, err = repo.Status(context.Background(), "proj-1", "hash-1")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, model.TrackingStatusFailed, rec.Status)
		require.NotNil(t, rec.LastError)
		assert.Equal(t, "embed failed", *rec.LastError)

		// A successful retry clears the error.
		require.NoError(t, repo.MarkCompleted(context.Background(), "proj-1", "hash-1", "src-1"))

		rec, err = repo.Status(context.Background(), "proj-1", "hash-1")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, model.TrackingStatusCompleted, rec.Status)
		assert.Nil(t, rec.LastError)
	})
}

func TestTrackingRepo_Integration_ScopedByProject(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewTrackingRepo(db)

		require.NoError(t, repo.MarkCompleted(context.Background(), "proj-1", "hash-1", "src-1"))

		// The same hash in another project is tracked independently.
		rec, err := repo.Status(context.Background(), "proj-2", "hash-1")
		require.NoError(t, err)
		assert.Nil(t, rec)
	})
}

func TestTrackingRepo_Integration_CountByStatus(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewTrackingRepo(db)

		require.NoError(t, repo.MarkCompleted(context.Background(), "proj-1", "hash-1", "src-1"))
		require.NoError(t, repo.MarkCompleted(context.Background(), "proj-1", "hash-2", "src-1"))
		require.NoError(t, repo.MarkFailed(context.Background(), "proj-1", "hash-3", "src-1", "boom"))
		require.NoError(t, repo.MarkPending(context.Background(), "proj-1", "hash-4", "src-2"))
		require.NoError(t, repo.MarkCompleted(context.Background(), "proj-2", "hash-1", "src-3"))

		counts, err := repo.CountByStatus(context.Background(), "proj-1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), counts[model.TrackingStatusCompleted])
		assert.Equal(t, int64(1), counts[model.TrackingStatusFailed])
		assert.Equal(t, int64(1), counts[model.TrackingStatusPending])
	})
}

func TestTrackingRepo_Integration_DeleteBySource(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewTrackingRepo(db)

		require.NoError(t, repo.MarkCompleted(context.Background(), "proj-1", "hash-1", "src-1"))
		require.NoError(t, repo.MarkCompleted(context.Background(), "proj-1", "hash-2", "src-1"))
		require.NoError(t, repo.MarkCompleted(context.Background(), "proj-1", "hash-3", "src-2"))

		deleted, err := repo.DeleteBySource(context.Background(), "proj-1", "src-1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), deleted)

		rec, err := repo.Status(context.Background(), "proj-1", "hash-3")
		require.NoError(t, err)
		assert.NotNil(t, rec)
	})
}
