package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/ragfactory/ingest/internal/domain/model"
	"github.com/ragfactory/ingest/internal/service"
)

// JobHandlers provides HTTP handlers for job operations.
type JobHandlers struct {
	Svc *service.JobService
}

// Create handles POST /api/jobs.
func (h *JobHandlers) Create(w http.ResponseWriter, r *http.Request) {
	var req model.CreateJobRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	job, err := h.Svc.Create(r.Context(), &req)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusCreated, job)
}

// Get handles GET /api/jobs/{id}, returning the job with its progress.
func (h *JobHandlers) Get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	job, err := h.Svc.GetByID(r.Context(), id)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, job)
}

// List handles GET /api/jobs with project_id, source_id, status, limit and
// offset query parameters.
func (h *JobHandlers) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.ListJobsFilter{
		ProjectID: q.Get("project_id"),
		SourceID:  q.Get("source_id"),
		Status:    model.JobStatus(q.Get("status")),
		Limit:     parseIntQuery(r, "limit", 0),
		Offset:    parseIntQuery(r, "offset", 0),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		WriteError(w, ErrorParams{
			Code:    http.StatusBadRequest,
			ErrCode: "invalid_status",
			Err:     errors.New("unknown job status " + strconv.Quote(string(filter.Status))),
		})
		return
	}

	jobs, err := h.Svc.List(r.Context(), filter)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// Stats handles GET /api/jobs/stats with an optional project_id parameter.
func (h *JobHandlers) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Svc.Stats(r.Context(), r.URL.Query().Get("project_id"))
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, stats)
}

// Cancel handles POST /api/jobs/{id}/cancel. The cancel takes effect at the
// worker's next document boundary.
func (h *JobHandlers) Cancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Svc.RequestCancel)
}

// Pause handles POST /api/jobs/{id}/pause.
func (h *JobHandlers) Pause(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Svc.RequestPause)
}

// Resume handles POST /api/jobs/{id}/resume.
func (h *JobHandlers) Resume(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Svc.Resume)
}

// Restart handles POST /api/jobs/{id}/restart.
func (h *JobHandlers) Restart(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Svc.Restart)
}

func (h *JobHandlers) transition(
	w http.ResponseWriter,
	r *http.Request,
	op func(ctx context.Context, id string) (*model.Job, error),
) {
	job, err := op(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, job)
}

// Delete handles DELETE /api/jobs/{id}. Only terminal jobs can be removed.
func (h *JobHandlers) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.Svc.Delete(r.Context(), r.PathValue("id")); err != nil {
		WriteServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// parseIntQuery parses an integer query parameter, falling back to def for
// missing or malformed values.
func parseIntQuery(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
