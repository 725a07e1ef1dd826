package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/kasperiio/api/internal/repository"
)

type healthResponse struct {
	Status    string         `json:"status"`
	Timestamp string         `json:"timestamp"`
	Services  healthServices `json:"services"`
	Coverage  *coverageJSON  `json:"coverage,omitempty"`
}

type healthServices struct {
	Cache string `json:"cache"`
}

type coverageJSON struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := healthResponse{
		Status:    "ok",
		Timestamp: s.now().UTC().Format(time.RFC3339),
		Services:  healthServices{Cache: "connected"},
	}

	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("cache ping failed", "error", err)
		resp.Status, resp.Services.Cache = "degraded", "disconnected"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	cov, err := s.store.Coverage(ctx)
	switch {
	case err == nil:
		resp.Coverage = &coverageJSON{
			From: s.grid.Local(cov.Start).Format(time.RFC3339),
			To:   s.grid.Local(cov.End).Format(time.RFC3339),
		}
	case !errors.Is(err, repository.ErrEmpty):
		s.logger.Warn("cache coverage failed", "error", err)
	}
	writeJSON(w, http.StatusOK, resp)
}
