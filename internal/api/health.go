package api

import (
	"context"
	"net/http"
	"time"
)

// healthCheckTimeout bounds the dependency probe so /health cannot hang.
const healthCheckTimeout = 2 * time.Second

// HandleHealth reports service liveness and database reachability.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]any{"status": "ok"}

	if s.DBPing != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		if err := s.DBPing(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body["database"] = err.Error()
		} else {
			body["database"] = "ok"
		}
	}

	writeJSON(w, status, body)
}
