// Package handlers provides HTTP handlers for trade execution.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradepilot/tradepilot/internal/auth"
	"github.com/tradepilot/tradepilot/internal/domain"
	"github.com/tradepilot/tradepilot/internal/modules/trading"
)

// Handler handles trade execution HTTP requests
type Handler struct {
	executor *trading.Executor
	repo     *trading.Repository
	log      zerolog.Logger
}

// NewHandler creates a new trading handler
func NewHandler(executor *trading.Executor, repo *trading.Repository, log zerolog.Logger) *Handler {
	return &Handler{
		executor: executor,
		repo:     repo,
		log:      log.With().Str("handler", "trading").Logger(),
	}
}

// ExecuteRequest is the body of POST /api/execute-trade.
type ExecuteRequest struct {
	TradeActionID string `json:"tradeActionId"`
	Action        string `json:"action"`
	UserID        string `json:"userId,omitempty"`
	IsServerCall  bool   `json:"isServerCall,omitempty"`
}

// HandleExecuteTrade handles POST /api/execute-trade. Broker-level failures
// come back as HTTP 200 with success=false; only auth and routing problems
// use error statuses.
func (h *Handler) HandleExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.Error().Err(err).Msg("Failed to decode request body")
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.TradeActionID == "" || (req.Action != "approve" && req.Action != "reject") {
		http.Error(w, "tradeActionId and action (approve|reject) are required", http.StatusBadRequest)
		return
	}

	// Server callers vouch for the user id; everyone else is pinned to their
	// own token identity.
	isServer := req.IsServerCall && auth.IsService(r.Context())
	userID := auth.UserID(r.Context())
	if isServer {
		userID = req.UserID
	} else if req.UserID != "" && req.UserID != userID {
		http.Error(w, "userId does not match caller", http.StatusForbidden)
		return
	}

	result, err := h.executor.Execute(req.TradeActionID, req.Action, userID, isServer)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, "trade order not found", http.StatusNotFound)
			return
		}
		h.log.Error().Err(err).Str("trade_order_id", req.TradeActionID).Msg("Trade execution failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// HandleListTrades handles GET /api/trades.
func (h *Handler) HandleListTrades(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		http.Error(w, "user authentication required", http.StatusUnauthorized)
		return
	}

	orders, err := h.repo.ListByUser(userID, 100)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list trade orders")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	views := make([]map[string]interface{}, 0, len(orders))
	for i := range orders {
		views = append(views, orderView(&orders[i]))
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": views,
		"metadata": map[string]interface{}{
			"count":     len(views),
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

func orderView(order *domain.TradeOrder) map[string]interface{} {
	return map[string]interface{}{
		"id":                 order.ID,
		"userId":             order.UserID,
		"ticker":             order.Ticker,
		"action":             string(order.Action),
		"shares":             order.Shares,
		"dollarAmount":       order.DollarAmount,
		"status":             string(order.Status),
		"analysisId":         order.AnalysisID,
		"rebalanceRequestId": order.RebalanceRequestID,
		"sourceType":         order.SourceType,
		"metadata":           order.Metadata,
		"createdAt":          order.CreatedAt.Format(time.RFC3339),
		"updatedAt":          order.UpdatedAt.Format(time.RFC3339),
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode response")
	}
}
