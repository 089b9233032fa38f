package connector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/ragfactory/ingest/internal/domain/model"
	"github.com/ragfactory/ingest/internal/ratelimit"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	defaultMaxAttempts = 3
	backoffBase        = time.Second
	maxResponseBytes   = 50 << 20
)

// httpFetcher issues outbound requests for connectors: it serves
// previously seen identifiers from the content cache, acquires the
// source's rate-limit budget before every attempt, records 429 responses
// into the limiter, and retries transient failures with capped exponential
// backoff. Request construction is a callback so retried attempts get a
// fresh body and context.
type httpFetcher struct {
	client      *http.Client
	limiter     *ratelimit.Limiter
	cache       ContentCache
	sourceID    string
	logger      *slog.Logger
	maxAttempts int
}

func newHTTPFetcher(client *http.Client, deps Deps, logger *slog.Logger) *httpFetcher {
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &httpFetcher{
		client:      client,
		limiter:     deps.Limiter,
		cache:       deps.Cache,
		sourceID:    deps.SourceID,
		logger:      logger,
		maxAttempts: defaultMaxAttempts,
	}
}

// do runs one logical fetch, returning the response body on any 2xx.
// The identifier keys the content cache: a hit is returned without
// touching the network, and a successful network fetch is cached under
// it. An empty identifier skips the cache.
func (f *httpFetcher) do(ctx context.Context, identifier string, build func(ctx context.Context) (*http.Request, error)) ([]byte, error) {
	if body, ok := f.cached(ctx, identifier); ok {
		return body, nil
	}

	var lastErr error

	for attempt := 1; attempt <= f.maxAttempts; attempt++ {
		if f.limiter != nil {
			if err := f.limiter.Acquire(ctx); err != nil {
				return nil, fmt.Errorf("rate limit acquire: %w", err)
			}
		}

		req, err := build(ctx)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		body, retryable, err := f.attempt(ctx, req)
		if err == nil {
			f.store(ctx, identifier, req.URL.String(), body)
			return body, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}

		if attempt < f.maxAttempts {
			wait := backoffDelay(attempt)
			f.logger.WarnContext(ctx, "fetch attempt failed, backing off",
				"attempt", attempt, "wait", wait, "error", err)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}
	}
	return nil, fmt.Errorf("fetch failed after %d attempts: %w", f.maxAttempts, lastErr)
}

// attempt issues one request. The bool reports whether the failure is
// worth retrying.
func (f *httpFetcher) attempt(ctx context.Context, req *http.Request) ([]byte, bool, error) {
	resp, err := f.client.Do(req)
	if f.limiter != nil {
		f.limiter.RecordRequest()
	}
	if err != nil {
		return nil, true, fmt.Errorf("do request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		if f.limiter != nil {
			f.limiter.Record429(retryAfter)
		}
		return nil, true, fmt.Errorf("upstream rate limited (429)")
	case resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("upstream error: %s", resp.Status)
	case resp.StatusCode >= 400:
		// Client errors are not transient; retrying cannot fix credentials
		// or a bad request shape.
		return nil, false, fmt.Errorf("upstream rejected request: %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, true, fmt.Errorf("read response: %w", err)
	}
	if f.limiter != nil {
		f.limiter.RecordSuccess()
	}
	return body, false, nil
}

// cached looks the identifier up in the content cache. Lookup failures
// count as misses; the cache never blocks a fetch.
func (f *httpFetcher) cached(ctx context.Context, identifier string) ([]byte, bool) {
	if f.cache == nil || identifier == "" {
		return nil, false
	}
	entry, err := f.cache.Lookup(ctx, f.sourceID, identifier)
	if err != nil || entry == nil {
		return nil, false
	}
	f.logger.DebugContext(ctx, "serving fetch from content cache", "identifier", identifier)
	return []byte(entry.Content), true
}

// store writes a fetched payload into the content cache, keyed by the
// SHA-256 of the body. Failures are logged and swallowed.
func (f *httpFetcher) store(ctx context.Context, identifier, sourceURL string, body []byte) {
	if f.cache == nil || identifier == "" {
		return
	}
	sum := sha256.Sum256(body)
	now := time.Now().UTC()
	entry := &model.CacheEntry{
		ContentHash:    hex.EncodeToString(sum[:]),
		Content:        string(body),
		SourceID:       f.sourceID,
		ExternalID:     identifier,
		SourceURL:      sourceURL,
		FirstSeenAt:    now,
		LastAccessedAt: now,
	}
	if err := f.cache.Put(ctx, entry); err != nil {
		f.logger.WarnContext(ctx, "cache fetched payload failed", "identifier", identifier, "error", err)
	}
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

// backoffDelay grows exponentially with jitter: 1-2s, 2-4s, 4-8s, ...
func backoffDelay(attempt int) time.Duration {
	base := backoffBase << (attempt - 1)
	return base + time.Duration(rand.Int63n(int64(base)))
}
