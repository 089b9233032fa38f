package httpapi

import (
	"net/http"

	"github.com/ragfactory/ingest/internal/domain/model"
	"github.com/ragfactory/ingest/internal/service"
)

// SourceHandlers provides HTTP handlers for source operations, including
// the connector registry listing and connection tests.
type SourceHandlers struct {
	Svc *service.SourceService
}

// Create handles POST /api/sources.
func (h *SourceHandlers) Create(w http.ResponseWriter, r *http.Request) {
	var req model.CreateSourceRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	source, err := h.Svc.Create(r.Context(), &req)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusCreated, source)
}

// Get handles GET /api/sources/{id}.
func (h *SourceHandlers) Get(w http.ResponseWriter, r *http.Request) {
	source, err := h.Svc.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, source)
}

// List handles GET /api/sources with project_id, limit and offset
// parameters.
func (h *SourceHandlers) List(w http.ResponseWriter, r *http.Request) {
	sources, err := h.Svc.List(
		r.Context(),
		r.URL.Query().Get("project_id"),
		parseIntQuery(r, "limit", 0),
		parseIntQuery(r, "offset", 0),
	)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{"sources": sources})
}

// Update handles PATCH /api/sources/{id}. Config changes are re-validated
// against the source's connector type before persisting.
func (h *SourceHandlers) Update(w http.ResponseWriter, r *http.Request) {
	var params model.UpdateSourceParams
	if !DecodeJSON(w, r, &params) {
		return
	}

	source, err := h.Svc.Update(r.Context(), r.PathValue("id"), params)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, source)
}

// Delete handles DELETE /api/sources/{id}.
func (h *SourceHandlers) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.Svc.Delete(r.Context(), r.PathValue("id")); err != nil {
		WriteServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// TestConnection handles POST /api/sources/{id}/test. Connector failures
// come back as a 200 with success=false; only missing sources error.
func (h *SourceHandlers) TestConnection(w http.ResponseWriter, r *http.Request) {
	result, err := h.Svc.TestConnection(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, result)
}

// Connectors handles GET /api/connectors, listing registered connector
// metadata.
func (h *SourceHandlers) Connectors(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{"connectors": h.Svc.Connectors()})
}
