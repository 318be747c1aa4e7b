// Package handlers provides HTTP handlers for schedule management.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/tradepilot/tradepilot/internal/auth"
	"github.com/tradepilot/tradepilot/internal/domain"
	"github.com/tradepilot/tradepilot/internal/modules/schedules"
)

// QuotaResolver resolves role limits for schedule validation.
type QuotaResolver interface {
	GetUserQuotas(userID string) (domain.UserQuotas, error)
}

// Handler handles schedule HTTP requests
type Handler struct {
	repo   *schedules.Repository
	quotas QuotaResolver
	log    zerolog.Logger
}

// NewHandler creates a new schedules handler
func NewHandler(repo *schedules.Repository, quotas QuotaResolver, log zerolog.Logger) *Handler {
	return &Handler{
		repo:   repo,
		quotas: quotas,
		log:    log.With().Str("handler", "schedules").Logger(),
	}
}

// CreateScheduleRequest is the body of POST /api/schedules.
type CreateScheduleRequest struct {
	IntervalValue    int                         `json:"intervalValue"`
	IntervalUnit     string                      `json:"intervalUnit"`
	TimeOfDay        string                      `json:"timeOfDay"`
	Timezone         string                      `json:"timezone"`
	SelectedTickers  []string                    `json:"selectedTickers"`
	IncludeWatchlist bool                        `json:"includeWatchlist"`
	DayOfWeek        []int                       `json:"dayOfWeek"`
	Constraints      domain.RebalanceConstraints `json:"constraints"`
}

// HandleCreateSchedule handles POST /api/schedules.
func (h *Handler) HandleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		http.Error(w, "user authentication required", http.StatusUnauthorized)
		return
	}

	var req CreateScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.Error().Err(err).Msg("Failed to decode request body")
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	rule := &domain.ScheduleRule{
		UserID:           userID,
		Enabled:          true,
		IntervalValue:    req.IntervalValue,
		IntervalUnit:     req.IntervalUnit,
		TimeOfDay:        req.TimeOfDay,
		Timezone:         req.Timezone,
		SelectedTickers:  req.SelectedTickers,
		IncludeWatchlist: req.IncludeWatchlist,
		DayOfWeek:        req.DayOfWeek,
		Constraints:      req.Constraints,
	}

	quotas, err := h.quotas.GetUserQuotas(userID)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to resolve quotas")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if resolution := rule.ResolutionName(); resolution != "" && !quotas.AllowsResolution(resolution) {
		http.Error(w, "your role does not allow "+resolution+" schedules", http.StatusForbidden)
		return
	}

	if err := h.repo.Create(rule); err != nil {
		h.log.Warn().Err(err).Msg("Schedule validation failed")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"data": ruleView(rule),
	})
}

// HandleListSchedules handles GET /api/schedules.
func (h *Handler) HandleListSchedules(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		http.Error(w, "user authentication required", http.StatusUnauthorized)
		return
	}

	rules, err := h.repo.ListByUser(userID)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list schedules")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	views := make([]map[string]interface{}, 0, len(rules))
	for i := range rules {
		views = append(views, ruleView(&rules[i]))
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": views,
		"metadata": map[string]interface{}{
			"count":     len(views),
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleToggleSchedule handles PUT /api/schedules/{id}/enabled.
func (h *Handler) HandleToggleSchedule(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	id := chi.URLParam(r, "id")

	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	// Ownership check before the flip
	if _, err := h.repo.Get(id, userID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, "schedule not found", http.StatusNotFound)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if err := h.repo.SetEnabled(id, req.Enabled); err != nil {
		h.log.Error().Err(err).Str("schedule_id", id).Msg("Failed to toggle schedule")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "enabled": req.Enabled})
}

// HandleDeleteSchedule handles DELETE /api/schedules/{id}.
func (h *Handler) HandleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	id := chi.URLParam(r, "id")

	if err := h.repo.Delete(id, userID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, "schedule not found", http.StatusNotFound)
			return
		}
		h.log.Error().Err(err).Str("schedule_id", id).Msg("Failed to delete schedule")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func ruleView(rule *domain.ScheduleRule) map[string]interface{} {
	view := map[string]interface{}{
		"id":               rule.ID,
		"userId":           rule.UserID,
		"enabled":          rule.Enabled,
		"intervalValue":    rule.IntervalValue,
		"intervalUnit":     rule.IntervalUnit,
		"timeOfDay":        rule.TimeOfDay,
		"timezone":         rule.Timezone,
		"selectedTickers":  rule.SelectedTickers,
		"includeWatchlist": rule.IncludeWatchlist,
		"dayOfWeek":        rule.DayOfWeek,
		"constraints":      rule.Constraints,
		"createdAt":        rule.CreatedAt.Format(time.RFC3339),
	}
	if rule.LastExecutedAt != nil {
		view["lastExecutedAt"] = rule.LastExecutedAt.Format(time.RFC3339)
	}
	return view
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode response")
	}
}
