package httpapi

import (
	"net/http"

	"github.com/ragfactory/ingest/internal/service"
)

// ScheduleHandlers provides HTTP handlers for per-source schedule
// management.
type ScheduleHandlers struct {
	Svc *service.SchedulerService
}

type setScheduleRequest struct {
	Spec string `json:"spec"`
}

// Set handles PUT /api/sources/{id}/schedule, creating or replacing the
// source's schedule.
func (h *ScheduleHandlers) Set(w http.ResponseWriter, r *http.Request) {
	var req setScheduleRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	schedule, err := h.Svc.Set(r.Context(), r.PathValue("id"), req.Spec)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, schedule)
}

// Get handles GET /api/sources/{id}/schedule.
func (h *ScheduleHandlers) Get(w http.ResponseWriter, r *http.Request) {
	schedule, err := h.Svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, schedule)
}

// Pause handles POST /api/sources/{id}/schedule/pause.
func (h *ScheduleHandlers) Pause(w http.ResponseWriter, r *http.Request) {
	schedule, err := h.Svc.Pause(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, schedule)
}

// Resume handles POST /api/sources/{id}/schedule/resume. The next run is
// recomputed from the resume time rather than replaying missed fires.
func (h *ScheduleHandlers) Resume(w http.ResponseWriter, r *http.Request) {
	schedule, err := h.Svc.Resume(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, schedule)
}

// Remove handles DELETE /api/sources/{id}/schedule.
func (h *ScheduleHandlers) Remove(w http.ResponseWriter, r *http.Request) {
	if err := h.Svc.Remove(r.Context(), r.PathValue("id")); err != nil {
		WriteServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// List handles GET /api/schedules.
func (h *ScheduleHandlers) List(w http.ResponseWriter, r *http.Request) {
	schedules, err := h.Svc.List(r.Context())
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{"schedules": schedules})
}
