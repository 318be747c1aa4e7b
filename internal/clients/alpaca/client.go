// Package alpaca adapts the Alpaca trading SDK to the domain broker
// contract. One client per user: credentials and the paper/live choice come
// from the user's stored settings.
package alpaca

import (
	"errors"
	"fmt"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/tradepilot/tradepilot/internal/domain"
)

// SettingsProvider supplies the per-user brokerage credentials.
type SettingsProvider interface {
	GetUserSettings(userID string) (*domain.UserSettings, error)
}

// Factory builds per-user broker clients.
type Factory struct {
	settings SettingsProvider
	paperURL string
	liveURL  string
	log      zerolog.Logger
}

// NewFactory creates a new broker client factory.
func NewFactory(settings SettingsProvider, paperURL, liveURL string, log zerolog.Logger) *Factory {
	return &Factory{
		settings: settings,
		paperURL: paperURL,
		liveURL:  liveURL,
		log:      log.With().Str("component", "alpaca_factory").Logger(),
	}
}

var _ domain.BrokerFactory = (*Factory)(nil)

// ForUser builds a client with the user's keys, pointed at the paper or live
// endpoint per their settings.
func (f *Factory) ForUser(userID string) (domain.BrokerClient, error) {
	settings, err := f.settings.GetUserSettings(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user settings: %w", err)
	}
	if settings.AlpacaAPIKey == "" || settings.AlpacaAPISecret == "" {
		return nil, fmt.Errorf("brokerage credentials are not configured for user %s", userID)
	}

	baseURL := f.liveURL
	if settings.PaperTrading {
		baseURL = f.paperURL
	}

	return &Client{
		api: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    settings.AlpacaAPIKey,
			APISecret: settings.AlpacaAPISecret,
			BaseURL:   baseURL,
		}),
		log: f.log.With().Str("component", "alpaca_client").Logger(),
	}, nil
}

// Client implements domain.BrokerClient over the Alpaca SDK.
type Client struct {
	api *alpaca.Client
	log zerolog.Logger
}

var _ domain.BrokerClient = (*Client)(nil)

// GetAccount returns the account summary.
func (c *Client) GetAccount() (*domain.Account, error) {
	acct, err := c.api.GetAccount()
	if err != nil {
		return nil, wrapErr(err)
	}
	return &domain.Account{
		Equity: acct.Equity.InexactFloat64(),
		Cash:   acct.Cash.InexactFloat64(),
	}, nil
}

// GetPositions returns all open positions.
func (c *Client) GetPositions() ([]domain.Position, error) {
	positions, err := c.api.GetPositions()
	if err != nil {
		return nil, wrapErr(err)
	}
	out := make([]domain.Position, 0, len(positions))
	for i := range positions {
		out = append(out, mapPosition(&positions[i]))
	}
	return out, nil
}

// GetPosition returns one position by symbol.
func (c *Client) GetPosition(symbol string) (*domain.Position, error) {
	position, err := c.api.GetPosition(symbol)
	if err != nil {
		return nil, wrapErr(err)
	}
	p := mapPosition(position)
	return &p, nil
}

// GetAsset looks a symbol up in the asset directory.
func (c *Client) GetAsset(symbol string) (*domain.Asset, error) {
	asset, err := c.api.GetAsset(symbol)
	if err != nil {
		return nil, wrapErr(err)
	}
	return &domain.Asset{
		Symbol:       asset.Symbol,
		Name:         asset.Name,
		Class:        string(asset.Class),
		Tradable:     asset.Tradable,
		Fractionable: asset.Fractionable,
	}, nil
}

// PlaceOrder submits a market order.
func (c *Client) PlaceOrder(req domain.OrderRequest) (*domain.Order, error) {
	placeReq := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Side:          alpaca.Side(req.Side),
		Type:          alpaca.Market,
		TimeInForce:   alpaca.TimeInForce(req.TimeInForce),
		ClientOrderID: req.ClientOrderID,
	}
	if req.Notional > 0 {
		notional := decimal.NewFromFloat(req.Notional)
		placeReq.Notional = &notional
	} else {
		qty := decimal.NewFromFloat(req.Qty)
		placeReq.Qty = &qty
	}

	order, err := c.api.PlaceOrder(placeReq)
	if err != nil {
		return nil, wrapErr(err)
	}
	return mapOrder(order), nil
}

// GetOrder fetches the broker's view of an order.
func (c *Client) GetOrder(orderID string) (*domain.Order, error) {
	order, err := c.api.GetOrder(orderID)
	if err != nil {
		return nil, wrapErr(err)
	}
	return mapOrder(order), nil
}

// ClosePosition flattens the entire holding.
func (c *Client) ClosePosition(symbol string) (*domain.Order, error) {
	order, err := c.api.ClosePosition(symbol, alpaca.ClosePositionRequest{})
	if err != nil {
		return nil, wrapErr(err)
	}
	return mapOrder(order), nil
}

func mapPosition(p *alpaca.Position) domain.Position {
	out := domain.Position{
		Symbol:        p.Symbol,
		Qty:           p.Qty.InexactFloat64(),
		AvgEntryPrice: p.AvgEntryPrice.InexactFloat64(),
	}
	if p.MarketValue != nil {
		out.MarketValue = p.MarketValue.InexactFloat64()
	}
	if p.UnrealizedPLPC != nil {
		out.UnrealizedPLPC = p.UnrealizedPLPC.InexactFloat64()
	}
	return out
}

func mapOrder(o *alpaca.Order) *domain.Order {
	out := &domain.Order{
		ID:            o.ID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Status:        o.Status,
		FilledQty:     o.FilledQty.InexactFloat64(),
		UpdatedAt:     o.UpdatedAt,
	}
	if o.FilledAvgPrice != nil {
		out.FilledAvgPrice = o.FilledAvgPrice.InexactFloat64()
	}
	return out
}

// wrapErr converts SDK errors into BrokerError so callers can branch on the
// status code without importing the SDK.
func wrapErr(err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		return &domain.BrokerError{
			StatusCode: apiErr.StatusCode,
			Message:    apiErr.Message,
		}
	}
	return err
}
