package trading

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradepilot/tradepilot/internal/domain"
	"github.com/tradepilot/tradepilot/internal/events"
)

type fakeBroker struct {
	mu        sync.Mutex
	assets    map[string]*domain.Asset
	positions map[string]*domain.Position
	placed    []domain.OrderRequest
	closed    []string
	placeErr  error
	closeErr  error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		assets:    map[string]*domain.Asset{},
		positions: map[string]*domain.Position{},
	}
}

func (b *fakeBroker) GetAccount() (*domain.Account, error) {
	return &domain.Account{Equity: 10000, Cash: 5000}, nil
}

func (b *fakeBroker) GetPositions() ([]domain.Position, error) {
	var out []domain.Position
	for _, p := range b.positions {
		out = append(out, *p)
	}
	return out, nil
}

func (b *fakeBroker) GetPosition(symbol string) (*domain.Position, error) {
	if p, ok := b.positions[symbol]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, &domain.BrokerError{StatusCode: 404, Message: "position does not exist"}
}

func (b *fakeBroker) GetAsset(symbol string) (*domain.Asset, error) {
	if a, ok := b.assets[symbol]; ok {
		cp := *a
		return &cp, nil
	}
	return nil, &domain.BrokerError{StatusCode: 404, Message: "asset not found"}
}

func (b *fakeBroker) PlaceOrder(req domain.OrderRequest) (*domain.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.placeErr != nil {
		return nil, b.placeErr
	}
	b.placed = append(b.placed, req)
	return &domain.Order{
		ID:            fmt.Sprintf("broker-%d", len(b.placed)),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Status:        domain.BrokerOrderFilled,
		FilledQty:     req.Qty,
	}, nil
}

func (b *fakeBroker) GetOrder(orderID string) (*domain.Order, error) {
	return &domain.Order{ID: orderID, Status: domain.BrokerOrderFilled}, nil
}

func (b *fakeBroker) ClosePosition(symbol string) (*domain.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closeErr != nil {
		return nil, b.closeErr
	}
	b.closed = append(b.closed, symbol)
	return &domain.Order{
		ID:     fmt.Sprintf("close-%d", len(b.closed)),
		Symbol: symbol,
		Status: domain.BrokerOrderFilled,
	}, nil
}

func (b *fakeBroker) placeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.placed)
}

type fakeFactory struct {
	broker domain.BrokerClient
}

func (f fakeFactory) ForUser(userID string) (domain.BrokerClient, error) {
	return f.broker, nil
}

type stubSettings struct {
	settings domain.UserSettings
}

func (s stubSettings) GetUserSettings(userID string) (*domain.UserSettings, error) {
	cp := s.settings
	cp.UserID = userID
	return &cp, nil
}

func tradingSettings() domain.UserSettings {
	return domain.UserSettings{
		AlpacaAPIKey:    "key",
		AlpacaAPISecret: "secret",
	}
}

func setupExecutor(t *testing.T, broker *fakeBroker, settings domain.UserSettings) (*Executor, *Repository) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := zerolog.Nop()
	repo := NewRepository(db, log)
	require.NoError(t, repo.InitSchema())

	executor := NewExecutor(repo, fakeFactory{broker: broker}, stubSettings{settings: settings}, events.NewManager(log), log)
	return executor, repo
}

func pendingOrder(ticker string, action domain.TradeAction) *domain.TradeOrder {
	return &domain.TradeOrder{
		ID:         "order-" + strings.ToLower(ticker) + "-" + strings.ToLower(string(action)),
		UserID:     "user-1",
		Ticker:     ticker,
		Action:     action,
		Status:     domain.TradeOrderPending,
		AnalysisID: "analysis-1",
		SourceType: domain.SourceIndividualAnalysis,
	}
}

func TestApprovePlacesBuyOrder(t *testing.T) {
	broker := newFakeBroker()
	broker.assets["AAPL"] = &domain.Asset{Symbol: "AAPL", Class: "us_equity", Tradable: true, Fractionable: true}
	executor, repo := setupExecutor(t, broker, tradingSettings())

	order := pendingOrder("AAPL", domain.TradeBuy)
	order.Shares = 5
	require.NoError(t, repo.Create(order))

	result, err := executor.Execute(order.ID, "approve", "user-1", false)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, string(domain.TradeOrderApproved), result.Status)

	require.Len(t, broker.placed, 1)
	req := broker.placed[0]
	assert.Equal(t, "AAPL", req.Symbol)
	assert.Equal(t, "buy", req.Side)
	assert.Equal(t, 5.0, req.Qty)
	assert.Equal(t, "day", req.TimeInForce)
	assert.True(t, strings.HasPrefix(req.ClientOrderID, "ai_"+order.ID))

	stored, err := repo.Get(order.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TradeOrderApproved, stored.Status)
	require.NotNil(t, stored.Metadata.AlpacaOrder)
	assert.Equal(t, domain.BrokerOrderFilled, stored.Metadata.AlpacaOrder.Status)
	require.NotNil(t, stored.Metadata.AlpacaSymbols)
	assert.Equal(t, "AAPL", stored.Metadata.AlpacaSymbols.OrderSymbol)
}

func TestApproveTwiceShortCircuits(t *testing.T) {
	broker := newFakeBroker()
	broker.assets["AAPL"] = &domain.Asset{Symbol: "AAPL", Class: "us_equity", Tradable: true}
	executor, repo := setupExecutor(t, broker, tradingSettings())

	order := pendingOrder("AAPL", domain.TradeBuy)
	order.Shares = 5
	require.NoError(t, repo.Create(order))

	first, err := executor.Execute(order.ID, "approve", "user-1", false)
	require.NoError(t, err)
	require.True(t, first.Success)

	second, err := executor.Execute(order.ID, "approve", "user-1", false)
	require.NoError(t, err)
	assert.False(t, second.Success)
	assert.Contains(t, second.Error, "already approved")
	assert.Equal(t, 1, broker.placeCount())
}

func TestRejectMarksDuplicatesRejected(t *testing.T) {
	broker := newFakeBroker()
	executor, repo := setupExecutor(t, broker, tradingSettings())

	order := pendingOrder("MSFT", domain.TradeBuy)
	order.Shares = 2
	require.NoError(t, repo.Create(order))

	dup := pendingOrder("MSFT", domain.TradeBuy)
	dup.ID = "order-msft-dup"
	dup.Shares = 2
	require.NoError(t, repo.Create(dup))

	result, err := executor.Execute(order.ID, "reject", "user-1", false)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, string(domain.TradeOrderRejected), result.Status)

	stored, err := repo.Get(dup.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TradeOrderRejected, stored.Status)
	assert.Equal(t, order.ID, stored.Metadata.DuplicateOfActionID)
	assert.Equal(t, 0, broker.placeCount())
}

func TestDecidedSiblingBlocksApproval(t *testing.T) {
	broker := newFakeBroker()
	broker.assets["NVDA"] = &domain.Asset{Symbol: "NVDA", Class: "us_equity", Tradable: true}
	executor, repo := setupExecutor(t, broker, tradingSettings())

	order := pendingOrder("NVDA", domain.TradeBuy)
	order.Shares = 1
	require.NoError(t, repo.Create(order))

	first, err := executor.Execute(order.ID, "approve", "user-1", false)
	require.NoError(t, err)
	require.True(t, first.Success)

	// A fresh duplicate created after the decision must not reach the broker.
	late := pendingOrder("NVDA", domain.TradeBuy)
	late.ID = "order-nvda-late"
	late.Shares = 1
	require.NoError(t, repo.Create(late))

	result, err := executor.Execute(late.ID, "approve", "user-1", false)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "already approved")
	assert.Equal(t, 1, broker.placeCount())

	stored, err := repo.Get(late.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TradeOrderRejected, stored.Status)
}

func TestHoldOrdersAreNotExecutable(t *testing.T) {
	broker := newFakeBroker()
	executor, repo := setupExecutor(t, broker, tradingSettings())

	order := pendingOrder("AAPL", domain.TradeHold)
	require.NoError(t, repo.Create(order))

	result, err := executor.Execute(order.ID, "approve", "user-1", false)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "HOLD orders are not executable")
	assert.Equal(t, 0, broker.placeCount())
}

func TestApproveWithoutCredentials(t *testing.T) {
	broker := newFakeBroker()
	executor, repo := setupExecutor(t, broker, domain.UserSettings{})

	order := pendingOrder("AAPL", domain.TradeBuy)
	order.Shares = 1
	require.NoError(t, repo.Create(order))

	result, err := executor.Execute(order.ID, "approve", "user-1", false)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "brokerage credentials are not configured")

	stored, err := repo.Get(order.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TradeOrderPending, stored.Status)
}

func TestDollarSellWithoutPositionRejectsOrder(t *testing.T) {
	broker := newFakeBroker()
	broker.assets["TSLA"] = &domain.Asset{Symbol: "TSLA", Class: "us_equity", Tradable: true}
	executor, repo := setupExecutor(t, broker, tradingSettings())

	order := pendingOrder("TSLA", domain.TradeSell)
	order.DollarAmount = 500
	require.NoError(t, repo.Create(order))

	result, err := executor.Execute(order.ID, "approve", "user-1", false)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "downgrading to HOLD")

	stored, err := repo.Get(order.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TradeOrderRejected, stored.Status)
	assert.Contains(t, stored.Metadata.AdjustmentReason, "no open position")
	assert.Equal(t, 0, broker.placeCount())
}

func TestDollarSellNearPositionValueClosesFull(t *testing.T) {
	broker := newFakeBroker()
	broker.assets["AAPL"] = &domain.Asset{Symbol: "AAPL", Class: "us_equity", Tradable: true}
	broker.positions["AAPL"] = &domain.Position{Symbol: "AAPL", Qty: 4, MarketValue: 1000}
	executor, repo := setupExecutor(t, broker, tradingSettings())

	order := pendingOrder("AAPL", domain.TradeSell)
	order.DollarAmount = 980
	require.NoError(t, repo.Create(order))

	result, err := executor.Execute(order.ID, "approve", "user-1", false)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, result.ClosedPosition)
	assert.Equal(t, []string{"AAPL"}, broker.closed)
	assert.Equal(t, 0, broker.placeCount())

	stored, err := repo.Get(order.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TradeOrderApproved, stored.Status)
	assert.True(t, stored.Metadata.IsFullPositionClose)
	assert.Contains(t, stored.Metadata.AdjustmentReason, "closing full position")
}

func TestSellQtyMatchingPositionUsesClose(t *testing.T) {
	broker := newFakeBroker()
	broker.assets["MSFT"] = &domain.Asset{Symbol: "MSFT", Class: "us_equity", Tradable: true}
	broker.positions["MSFT"] = &domain.Position{Symbol: "MSFT", Qty: 4.0001, MarketValue: 1200}
	executor, repo := setupExecutor(t, broker, tradingSettings())

	order := pendingOrder("MSFT", domain.TradeSell)
	order.Shares = 4
	require.NoError(t, repo.Create(order))

	result, err := executor.Execute(order.ID, "approve", "user-1", false)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, result.ClosedPosition)
	assert.Equal(t, []string{"MSFT"}, broker.closed)
	assert.Equal(t, 0, broker.placeCount())
}

func TestCloseOn404CountsAsSuccess(t *testing.T) {
	broker := newFakeBroker()
	broker.assets["MSFT"] = &domain.Asset{Symbol: "MSFT", Class: "us_equity", Tradable: true}
	broker.positions["MSFT"] = &domain.Position{Symbol: "MSFT", Qty: 4, MarketValue: 1200}
	broker.closeErr = &domain.BrokerError{StatusCode: 404, Message: "position does not exist"}
	executor, repo := setupExecutor(t, broker, tradingSettings())

	order := pendingOrder("MSFT", domain.TradeSell)
	order.Shares = 4
	require.NoError(t, repo.Create(order))

	result, err := executor.Execute(order.ID, "approve", "user-1", false)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, result.ClosedPosition)

	stored, err := repo.Get(order.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TradeOrderApproved, stored.Status)
	require.NotNil(t, stored.Metadata.AlpacaOrder)
	assert.Equal(t, "closed", stored.Metadata.AlpacaOrder.Status)
	assert.True(t, stored.Metadata.AlpacaOrder.ClosedPosition)
}

func TestBrokerRejectionKeepsOrderPending(t *testing.T) {
	broker := newFakeBroker()
	broker.assets["AAPL"] = &domain.Asset{Symbol: "AAPL", Class: "us_equity", Tradable: true}
	broker.placeErr = &domain.BrokerError{StatusCode: 403, Message: "insufficient buying power"}
	executor, repo := setupExecutor(t, broker, tradingSettings())

	order := pendingOrder("AAPL", domain.TradeBuy)
	order.Shares = 100
	require.NoError(t, repo.Create(order))

	result, err := executor.Execute(order.ID, "approve", "user-1", false)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.AlpacaError, "insufficient buying power")
	require.NotNil(t, result.Request)
	assert.Equal(t, "AAPL", result.Request["symbol"])

	stored, err := repo.Get(order.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TradeOrderPending, stored.Status)
}

func TestUnknownActionErrors(t *testing.T) {
	broker := newFakeBroker()
	executor, repo := setupExecutor(t, broker, tradingSettings())

	order := pendingOrder("AAPL", domain.TradeBuy)
	order.Shares = 1
	require.NoError(t, repo.Create(order))

	_, err := executor.Execute(order.ID, "defer", "user-1", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown trade action")
}

func TestCreateFromDecision(t *testing.T) {
	broker := newFakeBroker()
	executor, repo := setupExecutor(t, broker, tradingSettings())

	run := &domain.AnalysisRun{
		ID:       "analysis-9",
		UserID:   "user-1",
		Ticker:   "AAPL",
		Decision: domain.DecisionBuy,
		AgentInsights: map[string]map[string]interface{}{
			domain.AgentPortfolioMgr: {
				"shares":    10.0,
				"reasoning": "strong momentum",
			},
		},
	}

	order, err := executor.CreateFromDecision(run)
	require.NoError(t, err)
	require.NotNil(t, order)
	assert.Equal(t, domain.TradeBuy, order.Action)
	assert.Equal(t, 10.0, order.Shares)
	assert.Equal(t, domain.SourceIndividualAnalysis, order.SourceType)
	assert.Equal(t, "strong momentum", order.Metadata.SourceRecommendation)

	stored, err := repo.Get(order.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TradeOrderPending, stored.Status)

	// HOLD decisions create nothing.
	run.Decision = domain.DecisionHold
	order, err = executor.CreateFromDecision(run)
	require.NoError(t, err)
	assert.Nil(t, order)

	// A BUY without portfolio manager sizing is an error.
	run.Decision = domain.DecisionBuy
	run.AgentInsights = map[string]map[string]interface{}{}
	_, err = executor.CreateFromDecision(run)
	require.Error(t, err)
}

func TestAutoTradeApprovesRebalanceBatch(t *testing.T) {
	broker := newFakeBroker()
	broker.assets["AAPL"] = &domain.Asset{Symbol: "AAPL", Class: "us_equity", Tradable: true}
	broker.assets["MSFT"] = &domain.Asset{Symbol: "MSFT", Class: "us_equity", Tradable: true}

	settings := tradingSettings()
	settings.AutoExecuteTrades = true
	executor, repo := setupExecutor(t, broker, settings)

	for _, ticker := range []string{"AAPL", "MSFT"} {
		order := pendingOrder(ticker, domain.TradeBuy)
		order.Shares = 1
		order.AnalysisID = ""
		order.RebalanceRequestID = "reb-1"
		order.SourceType = domain.SourceRebalance
		require.NoError(t, repo.Create(order))
	}

	enabled, executed, errs := executor.RunAutoTradeForRebalance("user-1", "reb-1")
	assert.True(t, enabled)
	assert.Equal(t, 2, executed)
	assert.Empty(t, errs)
	assert.Equal(t, 2, broker.placeCount())
}

func TestAutoTradeRespectsOptOut(t *testing.T) {
	broker := newFakeBroker()
	executor, repo := setupExecutor(t, broker, tradingSettings())

	order := pendingOrder("AAPL", domain.TradeBuy)
	order.Shares = 1
	order.AnalysisID = ""
	order.RebalanceRequestID = "reb-1"
	order.SourceType = domain.SourceRebalance
	require.NoError(t, repo.Create(order))

	enabled, executed, errs := executor.RunAutoTradeForRebalance("user-1", "reb-1")
	assert.False(t, enabled)
	assert.Equal(t, 0, executed)
	assert.Empty(t, errs)
	assert.Equal(t, 0, broker.placeCount())
}
