package api

import (
	"context"
	"net/http"
	"time"
)

// readyTimeout bounds each dependency check of the readiness probe.
const readyTimeout = 5 * time.Second

// HealthResponse is the JSON response for the /health endpoint
type HealthResponse struct {
	Status  string `json:"status"`
	Uptime  string `json:"uptime"`
	Version string `json:"version"`
	Reason  string `json:"reason,omitempty"`
}

// ReadyResponse is the JSON response for the /v1/readyz endpoint. Checks
// maps each dependency to "ok" or its error.
type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// handleHealthCheck handles GET /health for load balancer health probes.
// No authentication is required.
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	running := s.running
	s.mu.RUnlock()

	uptime := time.Since(s.startedAt).Round(time.Second).String()
	if !running {
		s.writeJSON(w, http.StatusServiceUnavailable, HealthResponse{
			Status:  "unhealthy",
			Uptime:  uptime,
			Version: s.config.Version,
			Reason:  "server not running",
		})
		return
	}

	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "healthy",
		Uptime:  uptime,
		Version: s.config.Version,
	})
}

// handleReady handles GET /v1/readyz: the ledger node and the store must both
// answer.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	resp := ReadyResponse{Status: "ready", Checks: make(map[string]string)}
	status := http.StatusOK

	for name, dep := range map[string]Pinger{"ledger": s.deps.Ledger, "store": s.deps.Store} {
		if dep == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		err := dep.Ping(ctx)
		cancel()
		if err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "not ready"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	s.writeJSON(w, status, resp)
}
