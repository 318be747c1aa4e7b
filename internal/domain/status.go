// Package domain contains the core types shared across modules: run statuses,
// workflow models, the agent catalog and the broker client contract.
// The domain layer is pure - no infrastructure dependencies.
package domain

// AnalysisStatus is the lifecycle state of an analysis run.
type AnalysisStatus string

const (
	AnalysisPending   AnalysisStatus = "pending"
	AnalysisRunning   AnalysisStatus = "running"
	AnalysisCompleted AnalysisStatus = "completed"
	AnalysisError     AnalysisStatus = "error"
	AnalysisCancelled AnalysisStatus = "cancelled"
)

// IsAnalysisFinished reports whether the status is terminal.
// Cancelled is absorbing: no write may ever replace it.
func IsAnalysisFinished(s AnalysisStatus) bool {
	return s == AnalysisCompleted || s == AnalysisError || s == AnalysisCancelled
}

// RebalanceStatus is the lifecycle state of a rebalance request.
type RebalanceStatus string

const (
	RebalancePending   RebalanceStatus = "pending"
	RebalanceRunning   RebalanceStatus = "running"
	RebalanceCompleted RebalanceStatus = "completed"
	RebalanceError     RebalanceStatus = "error"
	RebalanceCancelled RebalanceStatus = "cancelled"
)

// IsRebalanceFinished reports whether the status is terminal.
func IsRebalanceFinished(s RebalanceStatus) bool {
	return s == RebalanceCompleted || s == RebalanceError || s == RebalanceCancelled
}

// TradeOrderStatus is the approval state of a proposed trade.
// Broker fill state lives in metadata.alpaca_order, never here.
type TradeOrderStatus string

const (
	TradeOrderPending  TradeOrderStatus = "pending"
	TradeOrderApproved TradeOrderStatus = "approved"
	TradeOrderRejected TradeOrderStatus = "rejected"
)

// IsTradeOrderFinished reports whether the order has been decided.
func IsTradeOrderFinished(s TradeOrderStatus) bool {
	return s == TradeOrderApproved || s == TradeOrderRejected
}

// AgentStatus is the state of a single agent step inside a workflow phase.
type AgentStatus string

const (
	AgentPending   AgentStatus = "pending"
	AgentRunning   AgentStatus = "running"
	AgentCompleted AgentStatus = "completed"
	AgentError     AgentStatus = "error"
	AgentSkipped   AgentStatus = "skipped"
	AgentCancelled AgentStatus = "cancelled"
)

// IsAgentFinished reports whether the step needs no further dispatch.
func IsAgentFinished(s AgentStatus) bool {
	return s == AgentCompleted || s == AgentError || s == AgentSkipped || s == AgentCancelled
}

// Decision is the final verdict of an analysis run.
type Decision string

const (
	DecisionBuy     Decision = "BUY"
	DecisionSell    Decision = "SELL"
	DecisionHold    Decision = "HOLD"
	DecisionPending Decision = "PENDING"
)

// Broker order statuses as reported by Alpaca.
const (
	BrokerOrderNew             = "new"
	BrokerOrderAccepted        = "accepted"
	BrokerOrderPartiallyFilled = "partially_filled"
	BrokerOrderFilled          = "filled"
	BrokerOrderCanceled        = "canceled"
	BrokerOrderExpired         = "expired"
	BrokerOrderRejected        = "rejected"
	BrokerOrderDoneForDay      = "done_for_day"
)

// IsBrokerOrderTerminal reports whether the broker will not mutate the order further.
func IsBrokerOrderTerminal(status string) bool {
	switch status {
	case BrokerOrderFilled, BrokerOrderCanceled, BrokerOrderExpired,
		BrokerOrderRejected, BrokerOrderDoneForDay:
		return true
	}
	return false
}

// IsBrokerOrderFilled reports whether any quantity has been executed.
func IsBrokerOrderFilled(status string) bool {
	return status == BrokerOrderFilled || status == BrokerOrderPartiallyFilled
}
