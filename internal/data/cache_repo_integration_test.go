package data

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragfactory/ingest/internal/domain/model"
	"github.com/ragfactory/ingest/internal/testutil"
)

func putCacheEntry(t *testing.T, repo *CacheRepo, hash, content, sourceID, externalID string) {
	t.Helper()
	require.NoError(t, repo.Put(context.Background(), &model.CacheEntry{
		ContentHash: hash,
		Content:     content,
		SourceID:    sourceID,
		ExternalID:  externalID,
		SourceURL:   "https://example.com/" + externalID,
	}))
}

func TestCacheRepo_Integration_PutAndGet(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewCacheRepo(db)

		_, err := repo.Get(context.Background(), "hash-1")
		require.ErrorIs(t, err, ErrCacheMiss)

		putCacheEntry(t, repo, "hash-1", "hello world", "src-1", "doc-1")

		entry, err := repo.Get(context.Background(), "hash-1")
		require.NoError(t, err)
		assert.Equal(t, "hello world", entry.Content)
		assert.Equal(t, int64(1), entry.AccessCount)

		// Each read bumps the access counter.
		entry, err = repo.Get(context.Background(), "hash-1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), entry.AccessCount)
	})
}

func TestCacheRepo_Integration_PutExistingHashIsNoop(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewCacheRepo(db)

		putCacheEntry(t, repo, "hash-1", "original", "src-1", "doc-1")
		// Content under an existing hash is immutable.
		putCacheEntry(t, repo, "hash-1", "ignored", "src-1", "doc-1")

		entry, err := repo.Get(context.Background(), "hash-1")
		require.NoError(t, err)
		assert.Equal(t, "original", entry.Content)
	})
}

func TestCacheRepo_Integration_LookupNewestForDocument(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		timeProvider := NewFixedTimeProvider(testutil.TestTime())
		repo := NewCacheRepoWithTimeProvider(db, timeProvider)

		require.NoError(t, repo.Put(context.Background(), &model.CacheEntry{
			ContentHash: "hash-old",
			Content:     "old revision",
			SourceID:    "src-1",
			ExternalID:  "doc-1",
		}))
		timeProvider.AddTime(time.Hour)
		require.NoError(t, repo.Put(context.Background(), &model.CacheEntry{
			ContentHash: "hash-new",
			Content:     "new revision",
			SourceID:    "src-1",
			ExternalID:  "doc-1",
		}))

		entry, err := repo.Lookup(context.Background(), "src-1", "doc-1")
		require.NoError(t, err)
		assert.Equal(t, "hash-new", entry.ContentHash)

		_, err = repo.Lookup(context.Background(), "src-1", "doc-missing")
		require.ErrorIs(t, err, ErrCacheMiss)
	})
}

func TestCacheRepo_Integration_StatsAndEvict(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		timeProvider := NewFixedTimeProvider(testutil.TestTime())
		repo := NewCacheRepoWithTimeProvider(db, timeProvider)

		putCacheEntry(t, repo, "hash-1", "a", "src-1", "doc-1")
		putCacheEntry(t, repo, "hash-2", "b", "src-1", "doc-2")

		_, err := repo.Get(context.Background(), "hash-1")
		require.NoError(t, err)

		entries, totalAccesses, err := repo.Stats(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(2), entries)
		assert.Equal(t, int64(1), totalAccesses)

		// Touch hash-1 well after hash-2 so only hash-2 falls behind the cutoff.
		timeProvider.AddTime(48 * time.Hour)
		_, err = repo.Get(context.Background(), "hash-1")
		require.NoError(t, err)

		evicted, err := repo.EvictOlderThan(context.Background(), timeProvider.Now().Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), evicted)

		_, err = repo.Get(context.Background(), "hash-2")
		require.ErrorIs(t, err, ErrCacheMiss)
		_, err = repo.Get(context.Background(), "hash-1")
		require.NoError(t, err)
	})
}
