package httpapi

import (
	"database/sql"
	"net/http"
)

// HealthHandlers serves liveness checks. A failing database ping turns the
// endpoint unhealthy so load balancers stop routing to dead instances.
type HealthHandlers struct {
	DB *sql.DB
}

func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.DB != nil {
		if err := h.DB.PingContext(r.Context()); err != nil {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "message": err.Error()})
			return
		}
	}

	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
