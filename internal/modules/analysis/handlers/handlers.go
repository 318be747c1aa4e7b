// Package handlers provides HTTP handlers for the analysis coordinator.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradepilot/tradepilot/internal/auth"
	"github.com/tradepilot/tradepilot/internal/domain"
	"github.com/tradepilot/tradepilot/internal/modules/analysis"
)

// Handler handles analysis coordinator HTTP requests
type Handler struct {
	coordinator *analysis.Coordinator
	repo        *analysis.Repository
	log         zerolog.Logger
}

// NewHandler creates a new analysis handler
func NewHandler(coordinator *analysis.Coordinator, repo *analysis.Repository, log zerolog.Logger) *Handler {
	return &Handler{
		coordinator: coordinator,
		repo:        repo,
		log:         log.With().Str("handler", "analysis").Logger(),
	}
}

// CoordinatorRequest is the action envelope posted to the coordinator endpoint.
type CoordinatorRequest struct {
	Action          string                 `json:"action"`
	AnalysisID      string                 `json:"analysisId"`
	UserID          string                 `json:"userId,omitempty"`
	Ticker          string                 `json:"ticker,omitempty"`
	Phase           string                 `json:"phase,omitempty"`
	Agent           string                 `json:"agent,omitempty"`
	Success         *bool                  `json:"success,omitempty"`
	Error           string                 `json:"error,omitempty"`
	Insight         map[string]interface{} `json:"insight,omitempty"`
	Force           bool                   `json:"force,omitempty"`
	AnalysisContext map[string]interface{} `json:"analysisContext,omitempty"`
}

// HandleCoordinator handles POST /api/analysis-coordinator.
//
// Peer-to-peer callbacks (agent-completed) must always make progress, so
// known failures come back as HTTP 200 with success=false instead of an
// error status the agent would retry forever.
func (h *Handler) HandleCoordinator(w http.ResponseWriter, r *http.Request) {
	var req CoordinatorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.Error().Err(err).Msg("Failed to decode request body")
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	userID := auth.UserID(r.Context())
	if userID == "" && auth.IsService(r.Context()) {
		userID = req.UserID
	}

	var err error
	var payload map[string]interface{}

	switch req.Action {
	case "start":
		var run *domain.AnalysisRun
		run, err = h.coordinator.CreateRun(userID, req.Ticker, "", req.AnalysisContext)
		if err == nil {
			err = h.coordinator.Start(run.ID)
			payload = map[string]interface{}{"analysisId": run.ID, "status": string(domain.AnalysisRunning)}
		}
	case "agent-completed":
		if !auth.IsService(r.Context()) {
			http.Error(w, "service token required", http.StatusForbidden)
			return
		}
		success := req.Success == nil || *req.Success
		err = h.coordinator.OnAgentCompleted(req.AnalysisID, domain.Phase(req.Phase), req.Agent, success, req.Error, req.Insight)
	case "retry":
		err = h.coordinator.Retry(req.AnalysisID, userID)
	case "reactivate":
		err = h.coordinator.Reactivate(req.AnalysisID, userID, req.Force)
	case "cancel":
		err = h.coordinator.Cancel(req.AnalysisID, userID)
	default:
		http.Error(w, "unknown action: "+req.Action, http.StatusBadRequest)
		return
	}

	if err != nil {
		h.log.Warn().Err(err).Str("action", req.Action).Str("analysis_id", req.AnalysisID).Msg("Coordinator action failed")
		status := http.StatusOK
		if errors.Is(err, domain.ErrNotFound) {
			status = http.StatusNotFound
		}
		h.writeJSON(w, status, map[string]interface{}{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	resp := map[string]interface{}{"success": true}
	for k, v := range payload {
		resp[k] = v
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// HandleGetAnalysis handles GET /api/analyses/{id}.
func (h *Handler) HandleGetAnalysis(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	userID := auth.UserID(r.Context())
	if auth.IsService(r.Context()) {
		userID = ""
	}

	run, err := h.repo.Get(id, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, "analysis not found", http.StatusNotFound)
			return
		}
		h.log.Error().Err(err).Str("analysis_id", id).Msg("Failed to load analysis")
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

// runView shapes an analysis run for API consumers.
func runView(run *domain.AnalysisRun) map[string]interface{} {
	return map[string]interface{}{
		"id":                 run.ID,
		"userId":             run.UserID,
		"ticker":             run.Ticker,
		"analysisDate":       run.AnalysisDate,
		"status":             string(run.Status),
		"decision":           string(run.Decision),
		"confidence":         run.Confidence,
		"rebalanceRequestId": run.RebalanceRequestID,
		"fullAnalysis":       run.FullAnalysis,
		"agentInsights":      run.AgentInsights,
		"metadata":           run.Metadata,
		"createdAt":          run.CreatedAt.Format(time.RFC3339),
		"updatedAt":          run.UpdatedAt.Format(time.RFC3339),
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode response")
	}
}
