package trading

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tradepilot/tradepilot/internal/domain"
	"github.com/tradepilot/tradepilot/internal/events"
)

const (
	pollInterval = 5 * time.Second
	pollTimeout  = time.Minute
)

// SettingsProvider supplies per-user trading preferences and brokerage keys.
type SettingsProvider interface {
	GetUserSettings(userID string) (*domain.UserSettings, error)
}

// Result is the structured outcome of an execute call. Broker rejections are
// reported here with success=false rather than as Go errors: the handler
// returns them with HTTP 200 so server-to-server callers never retry-loop.
type Result struct {
	Success        bool                   `json:"success"`
	Error          string                 `json:"error,omitempty"`
	AlpacaError    string                 `json:"alpacaError,omitempty"`
	Request        map[string]interface{} `json:"request,omitempty"`
	OrderID        string                 `json:"orderId,omitempty"`
	Status         string                 `json:"status,omitempty"`
	ClosedPosition bool                   `json:"closedPosition,omitempty"`
}

// Executor approves and rejects trade orders against the brokerage.
type Executor struct {
	repo     *Repository
	brokers  domain.BrokerFactory
	settings SettingsProvider
	events   *events.Manager
	log      zerolog.Logger
}

// NewExecutor creates a new trade executor.
func NewExecutor(repo *Repository, brokers domain.BrokerFactory, settings SettingsProvider, eventManager *events.Manager, log zerolog.Logger) *Executor {
	return &Executor{
		repo:     repo,
		brokers:  brokers,
		settings: settings,
		events:   eventManager,
		log:      log.With().Str("service", "trade_executor").Logger(),
	}
}

// Execute approves or rejects one trade order. userID scopes the lookup;
// server calls pass the trusted user id from the request body.
func (e *Executor) Execute(tradeOrderID, action, userID string, isServerCall bool) (*Result, error) {
	order, err := e.repo.Get(tradeOrderID, userID)
	if err != nil {
		return nil, err
	}

	if order.Status != domain.TradeOrderPending {
		return &Result{
			Success: false,
			Error:   fmt.Sprintf("trade order already %s", order.Status),
			Status:  string(order.Status),
		}, nil
	}

	// A decided sibling means this proposal was superseded. Reject the
	// leftovers and surface the prior decision.
	sibling, err := e.repo.FindDecidedSibling(order)
	if err != nil {
		return nil, err
	}
	if sibling != nil {
		if _, err := e.repo.MarkDuplicatesRejected(sibling); err != nil {
			e.log.Error().Err(err).Str("trade_order_id", order.ID).Msg("Failed to clean up duplicate orders")
		}
		return &Result{
			Success: false,
			Error:   fmt.Sprintf("a matching order for %s was already %s (%s)", order.Ticker, sibling.Status, sibling.ID),
			Status:  string(sibling.Status),
		}, nil
	}

	switch action {
	case "reject":
		return e.reject(order)
	case "approve":
		return e.approve(order, isServerCall)
	default:
		return nil, fmt.Errorf("unknown trade action %q", action)
	}
}

func (e *Executor) reject(order *domain.TradeOrder) (*Result, error) {
	meta := order.Metadata
	meta.RejectionReason = "rejected by user"
	if err := e.repo.ConditionalUpdateStatus(order.ID, domain.TradeOrderPending, domain.TradeOrderRejected, &meta); err != nil {
		if errors.Is(err, domain.ErrPreconditionFailed) {
			return &Result{Success: false, Error: "trade order already decided"}, nil
		}
		return nil, err
	}
	if _, err := e.repo.MarkDuplicatesRejected(order); err != nil {
		e.log.Error().Err(err).Str("trade_order_id", order.ID).Msg("Failed to clean up duplicate orders")
	}

	e.events.EmitTyped(events.TradeRejected, "trading", &events.TradeEventData{
		Type:         events.TradeRejected,
		TradeOrderID: order.ID,
		UserID:       order.UserID,
		Ticker:       order.Ticker,
		Action:       string(order.Action),
	})
	return &Result{Success: true, Status: string(domain.TradeOrderRejected)}, nil
}

func (e *Executor) approve(order *domain.TradeOrder, isServerCall bool) (*Result, error) {
	if order.Action == domain.TradeHold {
		return &Result{Success: false, Error: "HOLD orders are not executable"}, nil
	}

	settings, err := e.settings.GetUserSettings(order.UserID)
	if err != nil || settings.AlpacaAPIKey == "" || settings.AlpacaAPISecret == "" {
		return &Result{Success: false, Error: "brokerage credentials are not configured"}, nil
	}

	broker, err := e.brokers.ForUser(order.UserID)
	if err != nil {
		return &Result{Success: false, Error: "failed to build brokerage client", AlpacaError: err.Error()}, nil
	}

	meta := order.Metadata
	resolution := meta.AlpacaSymbols
	if resolution == nil {
		resolution, err = resolveSymbol(broker, order.Ticker)
		if err != nil {
			return &Result{Success: false, Error: "symbol resolution failed", AlpacaError: err.Error()}, nil
		}
		meta.AlpacaSymbols = resolution
	}

	// Dollar-denominated sells reconcile against the live position first.
	var position *domain.Position
	if order.Action == domain.TradeSell {
		position, err = broker.GetPosition(resolution.PositionSymbol)
		if err != nil && !domain.IsBrokerNotFound(err) {
			return &Result{Success: false, Error: "position lookup failed", AlpacaError: err.Error()}, nil
		}
		if order.DollarAmount > 0 {
			var posValue, posQty float64
			if position != nil {
				posValue, posQty = position.MarketValue, position.Qty
			}
			adj := validateSellOrder(order.DollarAmount, posValue, posQty, order.Ticker)
			if !adj.Valid {
				meta.AdjustmentReason = adj.AdjustmentReason
				meta.RejectionReason = adj.AdjustmentReason
				if err := e.repo.ConditionalUpdateStatus(order.ID, domain.TradeOrderPending, domain.TradeOrderRejected, &meta); err != nil && !errors.Is(err, domain.ErrPreconditionFailed) {
					return nil, err
				}
				return &Result{Success: false, Error: adj.AdjustmentReason}, nil
			}
			if adj.CloseFull {
				meta.ShouldClosePosition = true
				meta.IsFullPositionClose = true
				meta.AdjustmentReason = adj.AdjustmentReason
				order.Shares = adj.Shares
				order.DollarAmount = 0
			}
		}
	}

	useClose := order.Action == domain.TradeSell && order.Shares > 0 &&
		(meta.UseCloseEndpoint || meta.ShouldClosePosition || meta.IsFullPositionClose)
	if !useClose && order.Action == domain.TradeSell && order.Shares > 0 && position != nil &&
		qtyMatchesPosition(order.Shares, position.Qty) {
		useClose = true
		meta.IsFullPositionClose = true
	}

	var info *domain.BrokerOrderInfo
	if useClose {
		info, err = e.closePosition(broker, resolution.PositionSymbol, order.ID)
		if err != nil {
			return &Result{Success: false, Error: "position close failed", AlpacaError: err.Error()}, nil
		}
	} else {
		req := domain.OrderRequest{
			Symbol:        resolution.OrderSymbol,
			Side:          strings.ToLower(string(order.Action)),
			TimeInForce:   timeInForce(resolution),
			ClientOrderID: clientOrderID(order.ID, false),
		}
		if order.DollarAmount > 0 {
			req.Notional = order.DollarAmount
		} else {
			req.Qty = order.Shares
		}

		brokerOrder, err := broker.PlaceOrder(req)
		if err != nil {
			return &Result{
				Success:     false,
				Error:       "broker rejected order",
				AlpacaError: err.Error(),
				Request: map[string]interface{}{
					"symbol":        req.Symbol,
					"side":          req.Side,
					"qty":           req.Qty,
					"notional":      req.Notional,
					"time_in_force": req.TimeInForce,
				},
			}, nil
		}
		info = brokerInfo(brokerOrder, false)
	}

	meta.AlpacaOrder = info
	meta.ServerInitiated = isServerCall
	if err := e.repo.ConditionalUpdateStatus(order.ID, domain.TradeOrderPending, domain.TradeOrderApproved, &meta); err != nil {
		if errors.Is(err, domain.ErrPreconditionFailed) {
			return &Result{Success: false, Error: "trade order already decided"}, nil
		}
		return nil, err
	}
	if _, err := e.repo.MarkDuplicatesRejected(order); err != nil {
		e.log.Error().Err(err).Str("trade_order_id", order.ID).Msg("Failed to clean up duplicate orders")
	}

	e.log.Info().
		Str("trade_order_id", order.ID).
		Str("ticker", order.Ticker).
		Str("action", string(order.Action)).
		Bool("closed_position", info.ClosedPosition).
		Str("broker_order_id", info.ID).
		Msg("Trade order approved")

	e.events.EmitTyped(events.TradeExecuted, "trading", &events.TradeEventData{
		Type:         events.TradeExecuted,
		TradeOrderID: order.ID,
		UserID:       order.UserID,
		Ticker:       order.Ticker,
		Action:       string(order.Action),
		OrderID:      info.ID,
		ClosedFull:   info.ClosedPosition,
	})

	if info.ID != "" && !domain.IsBrokerOrderTerminal(info.Status) {
		go e.pollFill(order.ID, broker, info)
	}

	return &Result{
		Success:        true,
		OrderID:        info.ID,
		Status:         string(domain.TradeOrderApproved),
		ClosedPosition: info.ClosedPosition,
	}, nil
}

// closePosition flattens the holding. A broker 404 means the position is
// already gone and counts as success.
func (e *Executor) closePosition(broker domain.BrokerClient, positionSymbol, tradeOrderID string) (*domain.BrokerOrderInfo, error) {
	brokerOrder, err := broker.ClosePosition(positionSymbol)
	if err != nil {
		if domain.IsBrokerNotFound(err) {
			e.log.Info().Str("symbol", positionSymbol).Msg("Position already closed at broker")
			return &domain.BrokerOrderInfo{
				ClientOrderID:  clientOrderID(tradeOrderID, true),
				Status:         "closed",
				ClosedPosition: true,
				UpdatedAt:      time.Now().UTC(),
			}, nil
		}
		return nil, err
	}
	info := brokerInfo(brokerOrder, true)
	return info, nil
}

// pollFill tracks the broker order until it settles or the window closes.
// Each tick patches only metadata.alpaca_order; the top-level order status
// never tracks fills.
func (e *Executor) pollFill(tradeOrderID string, broker domain.BrokerClient, info *domain.BrokerOrderInfo) {
	deadline := time.Now().Add(pollTimeout)
	for time.Now().Before(deadline) {
		time.Sleep(pollInterval)

		brokerOrder, err := broker.GetOrder(info.ID)
		if err != nil {
			e.log.Warn().Err(err).Str("broker_order_id", info.ID).Msg("Order status poll failed")
			continue
		}

		updated := brokerInfo(brokerOrder, info.ClosedPosition)
		updated.ClientOrderID = info.ClientOrderID
		if err := e.repo.UpdateBrokerOrder(tradeOrderID, updated); err != nil {
			e.log.Error().Err(err).Str("trade_order_id", tradeOrderID).Msg("Failed to persist order status")
			return
		}
		if domain.IsBrokerOrderTerminal(updated.Status) {
			e.log.Debug().
				Str("trade_order_id", tradeOrderID).
				Str("status", updated.Status).
				Float64("filled_qty", updated.FilledQty).
				Msg("Broker order settled")
			return
		}
	}
}

// CreateFromDecision turns a completed standalone analysis into a pending
// trade order using the portfolio manager's sizing. HOLD decisions create
// nothing.
func (e *Executor) CreateFromDecision(run *domain.AnalysisRun) (*domain.TradeOrder, error) {
	if run.Decision != domain.DecisionBuy && run.Decision != domain.DecisionSell {
		return nil, nil
	}

	pm := run.AgentInsights[domain.AgentPortfolioMgr]
	shares, _ := pm["shares"].(float64)
	dollars, _ := pm["dollarAmount"].(float64)
	reasoning, _ := pm["reasoning"].(string)
	if shares <= 0 && dollars <= 0 {
		return nil, fmt.Errorf("portfolio manager insight has no order size for %s", run.Ticker)
	}

	order := &domain.TradeOrder{
		ID:           uuid.New().String(),
		UserID:       run.UserID,
		Ticker:       run.Ticker,
		Action:       domain.TradeAction(run.Decision),
		Shares:       shares,
		DollarAmount: dollars,
		Status:       domain.TradeOrderPending,
		AnalysisID:   run.ID,
		SourceType:   domain.SourceIndividualAnalysis,
		Metadata: domain.TradeOrderMetadata{
			SourceRecommendation: reasoning,
		},
	}
	if err := e.repo.Create(order); err != nil {
		return nil, err
	}
	return order, nil
}

func brokerInfo(o *domain.Order, closed bool) *domain.BrokerOrderInfo {
	return &domain.BrokerOrderInfo{
		ID:             o.ID,
		ClientOrderID:  o.ClientOrderID,
		Status:         o.Status,
		FilledQty:      o.FilledQty,
		FilledAvgPrice: o.FilledAvgPrice,
		UpdatedAt:      time.Now().UTC(),
		ClosedPosition: closed,
	}
}

// clientOrderID builds the idempotency key sent to the broker.
func clientOrderID(tradeOrderID string, close bool) string {
	prefix := "ai"
	if close {
		prefix = "ai_close"
	}
	return fmt.Sprintf("%s_%s_%d", prefix, tradeOrderID, time.Now().UnixMilli())
}
