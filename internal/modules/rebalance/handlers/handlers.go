// Package handlers provides HTTP handlers for the rebalance coordinator.
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
	"github.com/tradepilot/tradepilot/internal/modules/rebalance"
)

// Handler handles rebalance coordinator HTTP requests
type Handler struct {
	coordinator *rebalance.Coordinator
	repo        *rebalance.Repository
	log         zerolog.Logger
}

// NewHandler creates a new rebalance handler
func NewHandler(coordinator *rebalance.Coordinator, repo *rebalance.Repository, log zerolog.Logger) *Handler {
	return &Handler{
		coordinator: coordinator,
		repo:        repo,
		log:         log.With().Str("handler", "rebalance").Logger(),
	}
}

// CoordinatorRequest is the action envelope posted to the coordinator endpoint.
type CoordinatorRequest struct {
	Action            string                      `json:"action"`
	RebalanceID       string                      `json:"rebalanceRequestId"`
	UserID            string                      `json:"userId,omitempty"`
	Tickers           []string                    `json:"tickers,omitempty"`
	TargetAllocations map[string]float64          `json:"targetAllocations,omitempty"`
	Constraints       domain.RebalanceConstraints `json:"constraints,omitempty"`

	// agent callbacks
	AnalysisID     string                 `json:"analysisId,omitempty"`
	Ticker         string                 `json:"ticker,omitempty"`
	Success        *bool                  `json:"success,omitempty"`
	Error          string                 `json:"error,omitempty"`
	SelectedStocks []string               `json:"selectedStocks,omitempty"`
	Reasoning      string                 `json:"reasoning,omitempty"`
	Plan           map[string]interface{} `json:"plan,omitempty"`
	Recommendation string                 `json:"recommendation,omitempty"`
}

// HandleCoordinator handles POST /api/rebalance-coordinator.
//
// Peer callbacks (analysis-completed, opportunity-*, complete-rebalance)
// report known failures as HTTP 200 with success=false so the calling
// coordinator or agent never retries into a loop.
func (h *Handler) HandleCoordinator(w http.ResponseWriter, r *http.Request) {
	var req CoordinatorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.Error().Err(err).Msg("Failed to decode request body")
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	isService := auth.IsService(r.Context())
	userID := auth.UserID(r.Context())
	if userID == "" && isService {
		userID = req.UserID
	}

	serviceOnly := map[string]bool{
		"analysis-completed":    true,
		"opportunity-completed": true,
		"opportunity-error":     true,
		"complete-rebalance":    true,
		"rebalance-error":       true,
	}
	if serviceOnly[req.Action] && !isService {
		http.Error(w, "service token required", http.StatusForbidden)
		return
	}

	var err error
	var payload map[string]interface{}

	switch req.Action {
	case "start-rebalance":
		var run *domain.RebalanceRun
		run, err = h.coordinator.Start(rebalance.StartParams{
			UserID:            userID,
			Tickers:           req.Tickers,
			TargetAllocations: req.TargetAllocations,
			Constraints:       req.Constraints,
		})
		if run != nil {
			payload = map[string]interface{}{"rebalanceRequestId": run.ID, "status": string(run.Status)}
		}
	case "analysis-completed":
		success := req.Success == nil || *req.Success
		err = h.coordinator.OnAnalysisCompleted(req.RebalanceID, req.AnalysisID, req.Ticker, success, req.Error)
	case "opportunity-completed":
		err = h.coordinator.OnOpportunityCompleted(req.RebalanceID, req.SelectedStocks, req.Reasoning)
	case "opportunity-error":
		err = h.coordinator.OnOpportunityError(req.RebalanceID, req.Error)
	case "complete-rebalance":
		err = h.coordinator.Complete(req.RebalanceID, req.Plan, req.Recommendation)
	case "rebalance-error":
		err = h.coordinator.Fail(req.RebalanceID, req.Error)
	case "retry-rebalance":
		err = h.coordinator.Retry(req.RebalanceID, userID)
	case "cancel-rebalance":
		err = h.coordinator.Cancel(req.RebalanceID, userID)
	default:
		http.Error(w, "unknown action: "+req.Action, http.StatusBadRequest)
		return
	}

	if err != nil {
		h.log.Warn().Err(err).Str("action", req.Action).Str("rebalance_id", req.RebalanceID).Msg("Coordinator action failed")
		status := http.StatusOK
		if errors.Is(err, domain.ErrNotFound) {
			status = http.StatusNotFound
		}
		if errors.Is(err, domain.ErrUnauthorized) {
			status = http.StatusForbidden
		}
		h.writeJSON(w, status, map[string]interface{}{"success": false, "error": err.Error()})
		return
	}

	resp := map[string]interface{}{"success": true}
	for k, v := range payload {
		resp[k] = v
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// HandleGetRebalance handles GET /api/rebalances/{id}.
func (h *Handler) HandleGetRebalance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	userID := auth.UserID(r.Context())
	if auth.IsService(r.Context()) {
		userID = ""
	}

	run, err := h.repo.Get(id, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, "rebalance not found", http.StatusNotFound)
			return
		}
		h.log.Error().Err(err).Str("rebalance_id", id).Msg("Failed to load rebalance")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": runView(run),
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleListRebalances handles GET /api/rebalances.
func (h *Handler) HandleListRebalances(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		http.Error(w, "user authentication required", http.StatusUnauthorized)
		return
	}

	runs, err := h.repo.ListByUser(userID, 50)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list rebalances")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	views := make([]map[string]interface{}, 0, len(runs))
	for i := range runs {
		views = append(views, runView(&runs[i]))
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": views,
		"metadata": map[string]interface{}{
			"count":     len(views),
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

func runView(run *domain.RebalanceRun) map[string]interface{} {
	view := map[string]interface{}{
		"id":                    run.ID,
		"userId":                run.UserID,
		"status":                string(run.Status),
		"targetAllocations":     run.TargetAllocations,
		"constraints":           run.Constraints,
		"selectedStocks":        run.SelectedStocks,
		"analysisIds":           run.AnalysisIDs,
		"totalStocks":           run.TotalStocks,
		"stocksAnalyzed":        run.StocksAnalyzed,
		"workflowSteps":         run.WorkflowSteps,
		"opportunityEvaluation": run.OpportunityEvaluation,
		"rebalancePlan":         run.RebalancePlan,
		"metadata":              run.Metadata,
		"createdAt":             run.CreatedAt.Format(time.RFC3339),
		"updatedAt":             run.UpdatedAt.Format(time.RFC3339),
	}
	if run.CompletedAt != nil {
		view["completedAt"] = run.CompletedAt.Format(time.RFC3339)
	}
	if run.PortfolioSnapshot != nil {
		view["portfolioSnapshot"] = run.PortfolioSnapshot
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
