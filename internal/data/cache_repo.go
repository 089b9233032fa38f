package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ragfactory/ingest/internal/domain/model"
)

// CacheRepo is the durable, content-addressed layer of the content cache.
// Entries are immutable once written; hits only bump access stats.
type CacheRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewCacheRepo creates a new CacheRepo instance with the given database connection.
func NewCacheRepo(db *sql.DB) *CacheRepo {
	return &CacheRepo{
		DB:           db,
		timeProvider: &RealTimeProvider{},
	}
}

// NewCacheRepoWithTimeProvider creates a CacheRepo with a custom TimeProvider (useful for testing).
func NewCacheRepoWithTimeProvider(db *sql.DB, timeProvider TimeProvider) *CacheRepo {
	return &CacheRepo{
		DB:           db,
		timeProvider: timeProvider,
	}
}

const cacheColumns = `
  content_hash, content, source_id, external_id, source_url,
  first_seen_at, last_accessed_at, access_count`

type cacheRowScanner interface {
	Scan(dest ...any) error
}

func scanCacheEntry(scanner cacheRowScanner) (*model.CacheEntry, error) {
	var e model.CacheEntry
	err := scanner.Scan(
		&e.ContentHash,
		&e.Content,
		&e.SourceID,
		&e.ExternalID,
		&e.SourceURL,
		&e.FirstSeenAt,
		&e.LastAccessedAt,
		&e.AccessCount,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Get returns the entry for a content hash and bumps its access stats in
// the same statement. Misses return ErrCacheMiss.
func (r *CacheRepo) Get(ctx context.Context, contentHash string) (*model.CacheEntry, error) {
	row := r.DB.QueryRowContext(ctx, `
		UPDATE content_cache
		SET last_accessed_at = $2,
		    access_count = access_count + 1
		WHERE content_hash = $1
		RETURNING `+cacheColumns, contentHash, r.timeProvider.Now().UTC())

	entry, err := scanCacheEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}
	return entry, nil
}

// Touch bumps the access stats for a hash without reading the content.
// Used when a read was answered by a faster layer so access_count still
// reflects every hit.
func (r *CacheRepo) Touch(ctx context.Context, contentHash string) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE content_cache
		SET last_accessed_at = $2,
		    access_count = access_count + 1
		WHERE content_hash = $1
	`, contentHash, r.timeProvider.Now().UTC())
	if err != nil {
		return fmt.Errorf("cache touch: %w", err)
	}
	return nil
}

// Lookup finds the newest cached content for a (source, external id) pair
// without touching access stats. Used to detect unchanged documents before
// the content itself has been hashed.
func (r *CacheRepo) Lookup(ctx context.Context, sourceID, externalID string) (*model.CacheEntry, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT `+cacheColumns+`
		FROM content_cache
		WHERE source_id = $1 AND external_id = $2
		ORDER BY first_seen_at DESC
		LIMIT 1
	`, sourceID, externalID)

	entry, err := scanCacheEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache lookup: %w", err)
	}
	return entry, nil
}

// Put stores content under its hash. Writing an existing hash is a no-op
// apart from refreshing last_accessed_at.
func (r *CacheRepo) Put(ctx context.Context, entry *model.CacheEntry) error {
	if entry == nil {
		return errors.New("cache entry is required")
	}
	if entry.ContentHash == "" {
		return errors.New("content hash is required")
	}

	now := r.timeProvider.Now().UTC()
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO content_cache(content_hash, content, source_id, external_id, source_url,
		                          first_seen_at, last_accessed_at, access_count)
		VALUES ($1, $2, $3, $4, $5, $6, $6, 0)
		ON CONFLICT (content_hash) DO UPDATE
		SET last_accessed_at = EXCLUDED.last_accessed_at
	`, entry.ContentHash, entry.Content, entry.SourceID, entry.ExternalID, entry.SourceURL, now)
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// Stats reports entry count plus aggregate access counters.
func (r *CacheRepo) Stats(ctx context.Context) (entries, totalAccesses int64, err error) {
	err = r.DB.QueryRowContext(ctx, `
		SELECT count(*), COALESCE(sum(access_count), 0)
		FROM content_cache
	`).Scan(&entries, &totalAccesses)
	if err != nil {
		return 0, 0, fmt.Errorf("cache stats: %w", err)
	}
	return entries, totalAccesses, nil
}

// EvictOlderThan removes entries not accessed since the cutoff and returns
// how many were dropped.
func (r *CacheRepo) EvictOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `
		DELETE FROM content_cache
		WHERE last_accessed_at < $1
	`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("cache evict: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cache evict rows affected: %w", err)
	}
	return rowsAffected, nil
}
