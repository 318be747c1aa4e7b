package server

import (
	"net/http"
	"time"

	"github.com/tradepilot/tradepilot/internal/auth"
)

// handleDetectStale handles POST /api/detect-stale-analysis. Service-only:
// triggers one sweep pass outside the cron schedule.
func (s *Server) handleDetectStale(w http.ResponseWriter, r *http.Request) {
	if !auth.IsService(r.Context()) {
		http.Error(w, "service token required", http.StatusForbidden)
		return
	}

	reactivated, retired, err := s.sweeper.Sweep()
	if err != nil {
		s.log.Error().Err(err).Msg("Manual stale sweep failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.system.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"reactivated": reactivated,
			"retired":     retired,
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}
