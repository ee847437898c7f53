package server

import (
	"net/http"
	"runtime"
	"time"
)

type healthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	Uptime    string `json:"uptime"`
	Store     string `json:"store"`
	Results   string `json:"results"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	resp := healthResponse{
		Status:    "healthy",
		Version:   s.version,
		GoVersion: runtime.Version(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Store:     "ok",
		Results:   "available",
	}
	if s.results == nil {
		resp.Results = "unavailable"
	}

	status := http.StatusOK
	if _, err := s.store.ListWorkerQueues(r.Context()); err != nil {
		s.logger.Error("health: store check", "error", err)
		resp.Status = "degraded"
		resp.Store = "error"
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, reqID, resp, nil, nil)
}
