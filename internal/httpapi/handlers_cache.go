package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/ragfactory/ingest/internal/service"
)

var (
	errMissingAge = errors.New("age parameter is required")
	errInvalidAge = errors.New("age must be a positive duration")
)

// CacheHandlers provides HTTP handlers for content cache inspection and
// eviction.
type CacheHandlers struct {
	Svc *service.ContentCacheService
}

// Stats handles GET /api/cache/stats.
func (h *CacheHandlers) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Svc.Stats(r.Context())
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, stats)
}

// Evict handles POST /api/cache/evict. The age parameter is a Go
// duration; entries last accessed before now-age are removed.
func (h *CacheHandlers) Evict(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("age")
	if raw == "" {
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "missing_age", Err: errMissingAge})
		return
	}

	age, err := time.ParseDuration(raw)
	if err != nil || age <= 0 {
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_age", Err: errInvalidAge})
		return
	}

	evicted, err := h.Svc.EvictOlderThan(r.Context(), time.Now().Add(-age))
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{"evicted": evicted})
}
