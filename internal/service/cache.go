package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ragfactory/ingest/internal/core"
	"github.com/ragfactory/ingest/internal/data"
	"github.com/ragfactory/ingest/internal/domain/model"
	"github.com/ragfactory/ingest/internal/observability/metrics"
	"github.com/ragfactory/ingest/internal/observability/statsd"
)

const (
	hotCacheKeyPrefix  = "content:"
	defaultHotCacheTTL = 15 * time.Minute
)

// ContentCacheServiceOptions groups dependencies for ContentCacheService.
type ContentCacheServiceOptions struct {
	Durable core.ContentCacheRepository // Required: Postgres-backed cache
	Hot     core.HotCacheRepository     // Optional: Redis layer in front; nil disables
	Sink    statsd.Sink                 // Optional: metrics sink
	Logger  *slog.Logger                // Optional
	HotTTL  time.Duration               // Optional: TTL for hot entries, default 15m
}

// ContentCacheService layers an optional hot cache over the durable
// content-addressed cache and tracks hit/miss counters for Stats.
type ContentCacheService struct {
	durable core.ContentCacheRepository
	hot     core.HotCacheRepository
	sink    statsd.Sink
	logger  *slog.Logger
	hotTTL  time.Duration

	hits   atomic.Int64
	misses atomic.Int64
}

// NewContentCacheService constructs a ContentCacheService.
func NewContentCacheService(opts ContentCacheServiceOptions) (*ContentCacheService, error) {
	if opts.Durable == nil {
		return nil, errors.New("durable cache repository is required")
	}
	ttl := opts.HotTTL
	if ttl <= 0 {
		ttl = defaultHotCacheTTL
	}
	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "content_cache")
	}
	return &ContentCacheService{
		durable: opts.Durable,
		hot:     opts.Hot,
		sink:    opts.Sink,
		logger:  logger,
		hotTTL:  ttl,
	}, nil
}

// Get returns the cache entry for a content hash, or data.ErrCacheMiss.
// The hot layer is consulted first; durable hits are promoted into it.
func (s *ContentCacheService) Get(ctx context.Context, contentHash string) (*model.CacheEntry, error) {
	if contentHash == "" {
		return nil, errors.New("content hash is required")
	}

	if entry := s.hotGet(ctx, contentHash); entry != nil {
		s.hits.Add(1)
		metrics.EmitCacheLookup(s.sink, "hot", true)
		// The hot layer answered, but the durable stats still count the
		// hit so access_count and eviction age stay accurate.
		if err := s.durable.Touch(ctx, contentHash); err != nil && s.logger != nil {
			s.logger.WarnContext(ctx, "cache touch failed", "hash", contentHash, "error", err)
		}
		return entry, nil
	}

	entry, err := s.durable.Get(ctx, contentHash)
	if errors.Is(err, data.ErrCacheMiss) {
		s.misses.Add(1)
		metrics.EmitCacheLookup(s.sink, "durable", false)
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("cache get %s: %w", contentHash, err)
	}

	s.hits.Add(1)
	metrics.EmitCacheLookup(s.sink, "durable", true)
	s.hotSet(ctx, entry)
	return entry, nil
}

// Lookup finds the latest cache entry for a (source, external id) pair.
// It bypasses the hot layer and does not bump access stats.
func (s *ContentCacheService) Lookup(ctx context.Context, sourceID, externalID string) (*model.CacheEntry, error) {
	entry, err := s.durable.Lookup(ctx, sourceID, externalID)
	if errors.Is(err, data.ErrCacheMiss) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("cache lookup %s/%s: %w", sourceID, externalID, err)
	}
	return entry, nil
}

// Put stores an entry in the durable cache and promotes it to the hot layer.
func (s *ContentCacheService) Put(ctx context.Context, entry *model.CacheEntry) error {
	if entry == nil || entry.ContentHash == "" {
		return errors.New("cache entry with content hash is required")
	}
	if err := s.durable.Put(ctx, entry); err != nil {
		return fmt.Errorf("cache put %s: %w", entry.ContentHash, err)
	}
	s.hotSet(ctx, entry)
	return nil
}

// Stats reports entry counts from the durable layer and in-process
// hit/miss counters since startup.
func (s *ContentCacheService) Stats(ctx context.Context) (*model.CacheStats, error) {
	entries, _, err := s.durable.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("cache stats: %w", err)
	}

	hits := s.hits.Load()
	misses := s.misses.Load()
	stats := &model.CacheStats{
		Entries: entries,
		Hits:    hits,
		Misses:  misses,
	}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	return stats, nil
}

// EvictOlderThan removes durable entries not accessed since the cutoff.
func (s *ContentCacheService) EvictOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := s.durable.EvictOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cache evict: %w", err)
	}
	if n > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "evicted cache entries", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

// hotGet reads a hot-layer entry; any error or miss returns nil. The hot
// layer is best effort and never fails a request.
func (s *ContentCacheService) hotGet(ctx context.Context, contentHash string) *model.CacheEntry {
	if s.hot == nil {
		return nil
	}
	raw, err := s.hot.Get(ctx, hotCacheKeyPrefix+contentHash)
	if err != nil {
		if s.logger != nil {
			s.logger.WarnContext(ctx, "hot cache get failed", "error", err)
		}
		return nil
	}
	if raw == nil {
		return nil
	}
	var entry model.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		if s.logger != nil {
			s.logger.WarnContext(ctx, "hot cache entry corrupt", "hash", contentHash, "error", err)
		}
		_, _ = s.hot.Delete(ctx, hotCacheKeyPrefix+contentHash)
		return nil
	}
	return &entry
}

func (s *ContentCacheService) hotSet(ctx context.Context, entry *model.CacheEntry) {
	if s.hot == nil {
		return
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := s.hot.Set(ctx, hotCacheKeyPrefix+entry.ContentHash, raw, s.hotTTL); err != nil {
		if s.logger != nil {
			s.logger.WarnContext(ctx, "hot cache set failed", "error", err)
		}
	}
}
