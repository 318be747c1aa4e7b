package domain

import (
	"strings"
	"time"
)

// AgentStep is the persisted state of a single agent inside a workflow phase.
type AgentStep struct {
	Name         string      `json:"name"`
	FunctionName string      `json:"functionName,omitempty"`
	Status       AgentStatus `json:"status"`
	Progress     int         `json:"progress"`
	UpdatedAt    time.Time   `json:"updatedAt"`
	Error        string      `json:"error,omitempty"`
}

// PhaseSteps groups the ordered agent steps of one phase.
type PhaseSteps struct {
	Phase  Phase       `json:"phase"`
	Agents []AgentStep `json:"agents"`
}

// FullAnalysis is the workflow-step sub-document of an analysis run.
// It is only mutated through the repository's conditional update primitives.
type FullAnalysis struct {
	WorkflowSteps   []PhaseSteps           `json:"workflowSteps"`
	CurrentRound    int                    `json:"currentRound"`
	MaxRounds       int                    `json:"maxRounds"`
	Messages        []AnalysisMessage      `json:"messages,omitempty"`
	AnalysisContext map[string]interface{} `json:"analysisContext,omitempty"`
}

// AnalysisMessage is one log line in the run transcript.
type AnalysisMessage struct {
	Timestamp time.Time `json:"timestamp"`
	Agent     string    `json:"agent,omitempty"`
	Text      string    `json:"text"`
}

// NewFullAnalysis builds the initial workflow-step document from the agent
// catalog. Rebalance children have their portfolio phase marked skipped up
// front: the rebalance portfolio manager runs once for the whole batch.
func NewFullAnalysis(maxRounds int, partOfRebalance bool) *FullAnalysis {
	if maxRounds <= 0 {
		maxRounds = DefaultMaxDebateRounds
	}
	now := time.Now().UTC()
	fa := &FullAnalysis{CurrentRound: 1, MaxRounds: maxRounds}
	for _, phase := range Phases {
		ps := PhaseSteps{Phase: phase}
		for _, spec := range AgentsForPhase(phase) {
			status := AgentPending
			if phase == PhasePortfolio && partOfRebalance {
				status = AgentSkipped
			}
			ps.Agents = append(ps.Agents, AgentStep{
				Name:         spec.DisplayName,
				FunctionName: spec.FunctionName,
				Status:       status,
				UpdatedAt:    now,
			})
		}
		fa.WorkflowSteps = append(fa.WorkflowSteps, ps)
	}
	return fa
}

// Step returns a pointer to the named step, or nil.
func (fa *FullAnalysis) Step(phase Phase, name string) *AgentStep {
	for i := range fa.WorkflowSteps {
		if fa.WorkflowSteps[i].Phase != phase {
			continue
		}
		for j := range fa.WorkflowSteps[i].Agents {
			if fa.WorkflowSteps[i].Agents[j].Name == name {
				return &fa.WorkflowSteps[i].Agents[j]
			}
		}
	}
	return nil
}

// AllStepsDone reports whether every agent in every phase is completed or skipped.
func (fa *FullAnalysis) AllStepsDone() bool {
	for _, ps := range fa.WorkflowSteps {
		for _, a := range ps.Agents {
			if a.Status != AgentCompleted && a.Status != AgentSkipped {
				return false
			}
		}
	}
	return true
}

// AnalysisMetadata is the free-form metadata block of an analysis run.
type AnalysisMetadata struct {
	ReactivationAttempts  int    `json:"reactivation_attempts,omitempty"`
	MaxReactivationsReach bool   `json:"max_reactivations_reached,omitempty"`
	ErrorReason           string `json:"error_reason,omitempty"`
	FailureReason         string `json:"failure_reason,omitempty"`
	CancelledDuring       string `json:"cancelled_during,omitempty"`
}

// AnalysisRun is one row of analysis_history: one (user, ticker, attempt).
type AnalysisRun struct {
	ID                 string
	UserID             string
	Ticker             string
	AnalysisDate       string
	Status             AnalysisStatus
	Decision           Decision
	Confidence         float64
	RebalanceRequestID string // empty for standalone runs
	FullAnalysis       *FullAnalysis
	AgentInsights      map[string]map[string]interface{}
	Metadata           AnalysisMetadata
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// PartOfRebalance reports whether the run is a rebalance child.
func (r *AnalysisRun) PartOfRebalance() bool { return r.RebalanceRequestID != "" }

// RebalanceConstraints carries the per-request tuning knobs.
type RebalanceConstraints struct {
	RebalanceThreshold   float64 `json:"rebalanceThreshold"`
	MinPositionPct       float64 `json:"minPosition"`
	MaxPositionPct       float64 `json:"maxPosition"`
	SkipThresholdCheck   bool    `json:"skipThresholdCheck"`
	SkipOpportunityAgent bool    `json:"skipOpportunityAgent"`
	AutoExecuteTrades    bool    `json:"autoExecuteTrades"`
}

// Rebalance workflow step keys.
const (
	StepThresholdCheck      = "threshold_check"
	StepOpportunityAnalysis = "opportunity_analysis"
	StepParallelAnalysis    = "parallel_analysis"
	StepPortfolioManager    = "portfolio_manager"
)

// RebalanceStep is one entry of the rebalance workflow_steps object.
type RebalanceStep struct {
	Status    AgentStatus            `json:"status"`
	UpdatedAt time.Time              `json:"updatedAt"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// OpportunityEvaluation records why tickers were (or were not) selected.
type OpportunityEvaluation struct {
	TriggeredBy    string   `json:"triggeredBy"` // "threshold_check" | "opportunity_agent"
	MaxDriftPct    float64  `json:"maxDriftPct,omitempty"`
	SelectedStocks []string `json:"selectedStocks,omitempty"`
	Reasoning      string   `json:"reasoning,omitempty"`
}

// RebalanceMetadata is the free-form metadata block of a rebalance request.
type RebalanceMetadata struct {
	RoleLimitApplied   bool     `json:"role_limit_applied,omitempty"`
	ExcludedTickers    []string `json:"excluded_tickers,omitempty"`
	Recommendation     string   `json:"recommendation,omitempty"`
	ErrorMessage       string   `json:"error_message,omitempty"`
	AutoTradeEnabled   bool     `json:"autoTradeEnabled,omitempty"`
	OrdersAutoExecuted int      `json:"ordersAutoExecuted,omitempty"`
	AutoTradeErrors    []string `json:"autoTradeErrors,omitempty"`
}

// RebalanceRun is one row of rebalance_requests.
type RebalanceRun struct {
	ID                    string
	UserID                string
	Status                RebalanceStatus
	TargetAllocations     map[string]float64
	PortfolioSnapshot     *PortfolioSnapshot
	Constraints           RebalanceConstraints
	SelectedStocks        []string
	AnalysisIDs           []string
	TotalStocks           int
	StocksAnalyzed        int
	WorkflowSteps         map[string]RebalanceStep
	OpportunityEvaluation *OpportunityEvaluation
	RebalancePlan         map[string]interface{}
	Metadata              RebalanceMetadata
	CreatedAt             time.Time
	UpdatedAt             time.Time
	CompletedAt           *time.Time
}

// PortfolioSnapshot is the broker account state captured at rebalance start.
// Persisted as a msgpack blob.
type PortfolioSnapshot struct {
	Equity    float64            `msgpack:"equity" json:"equity"`
	Cash      float64            `msgpack:"cash" json:"cash"`
	Positions []Position         `msgpack:"positions" json:"positions"`
	TakenAt   time.Time          `msgpack:"taken_at" json:"taken_at"`
	Weights   map[string]float64 `msgpack:"weights,omitempty" json:"weights,omitempty"`
}

// TradeAction is the direction of a proposed trade.
type TradeAction string

const (
	TradeBuy  TradeAction = "BUY"
	TradeSell TradeAction = "SELL"
	TradeHold TradeAction = "HOLD"
)

// BrokerOrderInfo mirrors the broker's view of a submitted order. Lives in
// TradeOrder metadata only - the top-level order status never tracks fills.
type BrokerOrderInfo struct {
	ID             string    `json:"id"`
	ClientOrderID  string    `json:"client_order_id,omitempty"`
	Status         string    `json:"status"`
	FilledQty      float64   `json:"filled_qty"`
	FilledAvgPrice float64   `json:"filled_avg_price,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
	ClosedPosition bool      `json:"closed_position,omitempty"`
}

// SymbolResolution caches the broker symbol lookup for a ticker.
type SymbolResolution struct {
	OrderSymbol    string `json:"orderSymbol"`
	PositionSymbol string `json:"positionSymbol"`
	IsCrypto       bool   `json:"isCrypto"`
}

// PositionDelta describes the before/after of a proposed trade.
type PositionDelta struct {
	Shares      float64 `json:"shares"`
	MarketValue float64 `json:"market_value"`
	WeightPct   float64 `json:"weight_pct"`
}

// TradeOrderMetadata is the metadata block of a trading action.
type TradeOrderMetadata struct {
	BeforePosition       *PositionDelta         `json:"beforePosition,omitempty"`
	AfterPosition        *PositionDelta         `json:"afterPosition,omitempty"`
	Changes              map[string]interface{} `json:"changes,omitempty"`
	UseCloseEndpoint     bool                   `json:"useCloseEndpoint,omitempty"`
	ShouldClosePosition  bool                   `json:"shouldClosePosition,omitempty"`
	IsFullPositionClose  bool                   `json:"isFullPositionClosure,omitempty"`
	AdjustmentReason     string                 `json:"adjustmentReason,omitempty"`
	AlpacaOrder          *BrokerOrderInfo       `json:"alpaca_order,omitempty"`
	AlpacaSymbols        *SymbolResolution      `json:"alpaca_symbol_resolution,omitempty"`
	RejectionReason      string                 `json:"rejection_reason,omitempty"`
	ExecutionError       string                 `json:"execution_error,omitempty"`
	DuplicateOfActionID  string                 `json:"duplicate_of_action_id,omitempty"`
	ServerInitiated      bool                   `json:"server_initiated,omitempty"`
	SourceRecommendation string                 `json:"source_recommendation,omitempty"`
}

/// TradeOrder is one row of trading_actions: a proposed trade awaiting decision.
// Exactly one of Shares or DollarAmount is positive, except HOLD where both
// are zero.
type TradeOrder struct {
	ID                 string
	UserID             string
	Ticker             string
	Action             TradeAction
	Shares             float64
	DollarAmount       float64
	Status             TradeOrderStatus
	AnalysisID         string
	RebalanceRequestID string
	SourceType         string // "individual_analysis" | "rebalance"
	Metadata           TradeOrderMetadata
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Trade order source types.
const (
	SourceIndividualAnalysis = "individual_analysis"
	SourceRebalance          = "rebalance"
)

// SourceID returns the owning run id, preferring the rebalance request.
func (t *TradeOrder) SourceID() string {
	if t.RebalanceRequestID != "" {
		return t.RebalanceRequestID
	}
	return t.AnalysisID
}

// UserQuotas are the effective limits derived from the user's highest-priority
// active role.
type UserQuotas struct {
	MaxParallelAnalysis     int
	MaxRebalanceStocks      int
	ScheduleResolution      string // comma-set of Day,Week,Month
	RebalanceAccess         bool
	OpportunityAgentAccess  bool
	EnableLiveTrading       bool
	EnableAutoTrading       bool
	MaxDebateRounds         int
	NearLimitAnalysisAccess bool
}

// DefaultQuotas are the safe fallbacks when a user has no active role.
func DefaultQuotas() UserQuotas {
	return UserQuotas{
		MaxParallelAnalysis: 1,
		MaxRebalanceStocks:  5,
		ScheduleResolution:  "Month",
		MaxDebateRounds:     DefaultMaxDebateRounds,
	}
}

// AllowsResolution reports whether the quota grants a schedule interval unit.
func (q UserQuotas) AllowsResolution(resolution string) bool {
	for _, part := range strings.Split(q.ScheduleResolution, ",") {
		if strings.TrimSpace(part) == resolution {
			return true
		}
	}
	return false
}

// ScheduleRule drives recurring rebalances for a user.
type ScheduleRule struct {
	ID               string
	UserID           string
	Enabled          bool
	IntervalValue    int
	IntervalUnit     string // days | weeks | months
	TimeOfDay        string // HH:MM with minutes 00 or 30
	Timezone         string
	SelectedTickers  []string
	IncludeWatchlist bool
	DayOfWeek        []int // 0=Sunday .. 6=Saturday
	LastExecutedAt   *time.Time
	Constraints      RebalanceConstraints
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ResolutionName maps the interval unit to the role resolution vocabulary.
func (s *ScheduleRule) ResolutionName() string {
	switch s.IntervalUnit {
	case "days":
		return "Day"
	case "weeks":
		return "Week"
	case "months":
		return "Month"
	}
	return ""
}

// UserSettings are the per-user trading preferences consulted by the
// coordinators and the trade executor.
type UserSettings struct {
	UserID                    string
	AutoExecuteTrades         bool
	PaperTrading              bool
	AlpacaAPIKey              string
	AlpacaAPISecret           string
	Watchlist                 []string
	DefaultRebalanceThreshold float64
	AutoNearLimitAnalysis     bool
	APISettings               map[string]interface{} // AI provider glue, passed through to agents
}
