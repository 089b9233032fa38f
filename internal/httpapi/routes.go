package httpapi

import (
	"database/sql"
	"log/slog"
	"net/http"

	"github.com/ragfactory/ingest/internal/service"
)

// RouterServices holds the services needed by the HTTP router.
type RouterServices struct {
	Jobs      *service.JobService
	Sources   *service.SourceService
	Schedules *service.SchedulerService
	Cache     *service.ContentCacheService
	DB        *sql.DB
	Logger    *slog.Logger
}

// NewRouter builds the API router with logging and panic recovery applied.
func NewRouter(services RouterServices) http.Handler {
	mux := http.NewServeMux()

	registerJobRoutes(mux, &JobHandlers{Svc: services.Jobs})
	registerSourceRoutes(mux, &SourceHandlers{Svc: services.Sources})
	registerScheduleRoutes(mux, &ScheduleHandlers{Svc: services.Schedules})
	registerCacheRoutes(mux, &CacheHandlers{Svc: services.Cache})

	health := &HealthHandlers{DB: services.DB}
	mux.HandleFunc("GET /healthz", health.Healthz)
	mux.HandleFunc("HEAD /healthz", health.Healthz)

	logger := services.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return Logging(logger)(Recover(logger)(mux))
}

func registerJobRoutes(mux *http.ServeMux, h *JobHandlers) {
	mux.HandleFunc("POST /api/jobs", h.Create)
	mux.HandleFunc("GET /api/jobs", h.List)
	mux.HandleFunc("GET /api/jobs/stats", h.Stats)
	mux.HandleFunc("GET /api/jobs/{id}", h.Get)
	mux.HandleFunc("POST /api/jobs/{id}/cancel", h.Cancel)
	mux.HandleFunc("POST /api/jobs/{id}/pause", h.Pause)
	mux.HandleFunc("POST /api/jobs/{id}/resume", h.Resume)
	mux.HandleFunc("POST /api/jobs/{id}/restart", h.Restart)
	mux.HandleFunc("DELETE /api/jobs/{id}", h.Delete)
}

func registerSourceRoutes(mux *http.ServeMux, h *SourceHandlers) {
	mux.HandleFunc("POST /api/sources", h.Create)
	mux.HandleFunc("GET /api/sources", h.List)
	mux.HandleFunc("GET /api/sources/{id}", h.Get)
	mux.HandleFunc("PATCH /api/sources/{id}", h.Update)
	mux.HandleFunc("DELETE /api/sources/{id}", h.Delete)
	mux.HandleFunc("POST /api/sources/{id}/test", h.TestConnection)
	mux.HandleFunc("GET /api/connectors", h.Connectors)
}

func registerScheduleRoutes(mux *http.ServeMux, h *ScheduleHandlers) {
	mux.HandleFunc("PUT /api/sources/{id}/schedule", h.Set)
	mux.HandleFunc("GET /api/sources/{id}/schedule", h.Get)
	mux.HandleFunc("POST /api/sources/{id}/schedule/pause", h.Pause)
	mux.HandleFunc("POST /api/sources/{id}/schedule/resume", h.Resume)
	mux.HandleFunc("DELETE /api/sources/{id}/schedule", h.Remove)
	mux.HandleFunc("GET /api/schedules", h.List)
}

func registerCacheRoutes(mux *http.ServeMux, h *CacheHandlers) {
	mux.HandleFunc("GET /api/cache/stats", h.Stats)
	mux.HandleFunc("POST /api/cache/evict", h.Evict)
}
