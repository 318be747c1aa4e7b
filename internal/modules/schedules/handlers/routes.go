package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all schedule routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/schedules", func(r chi.Router) {
		r.Get("/", h.HandleListSchedules)
		r.Post("/", h.HandleCreateSchedule)
		r.Put("/{id}/enabled", h.HandleToggleSchedule)
		r.Delete("/{id}", h.HandleDeleteSchedule)
	})
}
