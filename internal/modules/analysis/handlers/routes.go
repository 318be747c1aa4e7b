package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all analysis routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/analysis-coordinator", h.HandleCoordinator)
	r.Get("/analyses/{id}", h.HandleGetAnalysis)
}

func pathParam(r *http.Request, key string) string {
	return chi.URLParam(r, key)
}
