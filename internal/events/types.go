// Package events provides event management functionality.
package events

// EventType identifies a system event.
type EventType string

const (
	AnalysisStarted     EventType = "ANALYSIS_STARTED"
	AnalysisCompleted   EventType = "ANALYSIS_COMPLETED"
	AnalysisFailed      EventType = "ANALYSIS_FAILED"
	AnalysisCancelled   EventType = "ANALYSIS_CANCELLED"
	AnalysisReactivated EventType = "ANALYSIS_REACTIVATED"
	RebalanceStarted    EventType = "REBALANCE_STARTED"
	RebalanceCompleted  EventType = "REBALANCE_COMPLETED"
	RebalanceFailed     EventType = "REBALANCE_FAILED"
	RebalanceCancelled  EventType = "REBALANCE_CANCELLED"
	TradeExecuted       EventType = "TRADE_EXECUTED"
	TradeRejected       EventType = "TRADE_REJECTED"
	ScheduleTriggered   EventType = "SCHEDULE_TRIGGERED"
	ErrorOccurred       EventType = "ERROR_OCCURRED"
)

// EventData is the interface that all typed event payloads implement.
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}

// AnalysisEventData carries analysis lifecycle changes.
type AnalysisEventData struct {
	Type       EventType `json:"-"`
	AnalysisID string    `json:"analysis_id"`
	UserID     string    `json:"user_id"`
	Ticker     string    `json:"ticker"`
	Status     string    `json:"status"`
	Decision   string    `json:"decision,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
}

// EventType returns the event type for AnalysisEventData
func (d *AnalysisEventData) EventType() EventType { return d.Type }

// RebalanceEventData carries rebalance lifecycle changes.
type RebalanceEventData struct {
	Type           EventType `json:"-"`
	RebalanceID    string    `json:"rebalance_id"`
	UserID         string    `json:"user_id"`
	Status         string    `json:"status"`
	StocksAnalyzed int       `json:"stocks_analyzed,omitempty"`
	TotalStocks    int       `json:"total_stocks,omitempty"`
}

// EventType returns the event type for RebalanceEventData
func (d *RebalanceEventData) EventType() EventType { return d.Type }

// TradeEventData carries trade execution outcomes.
type TradeEventData struct {
	Type         EventType `json:"-"`
	TradeOrderID string    `json:"trade_order_id"`
	UserID       string    `json:"user_id"`
	Ticker       string    `json:"ticker"`
	Action       string    `json:"action"`
	OrderID      string    `json:"order_id,omitempty"`
	ClosedFull   bool      `json:"closed_full,omitempty"`
}

// EventType returns the event type for TradeEventData
func (d *TradeEventData) EventType() EventType { return d.Type }

// ScheduleEventData carries schedule execution outcomes.
type ScheduleEventData struct {
	ScheduleID  string `json:"schedule_id"`
	UserID      string `json:"user_id"`
	RebalanceID string `json:"rebalance_id,omitempty"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
}

// EventType returns the event type for ScheduleEventData
func (d *ScheduleEventData) EventType() EventType { return ScheduleTriggered }
