package domain

import (
	"errors"
	"time"
)

// Position is one open holding at the brokerage.
type Position struct {
	Symbol         string  `msgpack:"symbol" json:"symbol"`
	Qty            float64 `msgpack:"qty" json:"qty"`
	MarketValue    float64 `msgpack:"market_value" json:"market_value"`
	AvgEntryPrice  float64 `msgpack:"avg_entry_price" json:"avg_entry_price"`
	UnrealizedPLPC float64 `msgpack:"unrealized_plpc" json:"unrealized_plpc"` // fraction, e.g. 0.15 = +15%
}

// Asset is a tradable instrument in the broker's asset directory.
type Asset struct {
	Symbol       string
	Name         string
	Class        string // "us_equity", "crypto", ...
	Tradable     bool
	Fractionable bool
}

// OrderRequest is a market order submission.
type OrderRequest struct {
	Symbol        string
	Side          string // "buy" | "sell"
	Qty           float64
	Notional      float64
	TimeInForce   string // "day" | "gtc"
	ClientOrderID string
}

// Order is the broker's view of a submitted order.
type Order struct {
	ID             string
	ClientOrderID  string
	Symbol         string
	Status         string
	FilledQty      float64
	FilledAvgPrice float64
	UpdatedAt      time.Time
}

// Account is the broker account summary.
type Account struct {
	Equity float64
	Cash   float64
}

// BrokerClient is the brokerage operations contract used by the coordinators
// and the trade executor. Implemented by clients/alpaca; mocked in tests.
type BrokerClient interface {
	GetAccount() (*Account, error)
	GetPositions() ([]Position, error)
	GetPosition(symbol string) (*Position, error)
	GetAsset(symbol string) (*Asset, error)
	PlaceOrder(req OrderRequest) (*Order, error)
	GetOrder(orderID string) (*Order, error)
	// ClosePosition flattens the entire holding in one request.
	ClosePosition(symbol string) (*Order, error)
}

// BrokerFactory builds a broker client for one user's stored credentials and
// paper/live preference.
type BrokerFactory interface {
	ForUser(userID string) (BrokerClient, error)
}

// ErrNotFound-style broker errors are surfaced through BrokerError so callers
// can branch on the HTTP status (404 on close == already closed).
type BrokerError struct {
	StatusCode int
	Message    string
}

func (e *BrokerError) Error() string { return e.Message }

// IsBrokerNotFound reports whether err is a broker 404.
func IsBrokerNotFound(err error) bool {
	var be *BrokerError
	return errors.As(err, &be) && be.StatusCode == 404
}
