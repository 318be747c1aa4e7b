package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all rebalance routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/rebalance-coordinator", h.HandleCoordinator)
	r.Get("/rebalances", h.HandleListRebalances)
	r.Get("/rebalances/{id}", h.HandleGetRebalance)
}
