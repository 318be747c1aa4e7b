package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all trading routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/execute-trade", h.HandleExecuteTrade)
	r.Get("/trades", h.HandleListTrades)
}
