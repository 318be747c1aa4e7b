package domain

// Phase is an ordered group of agents within an analysis run.
type Phase string

const (
	PhaseAnalysis  Phase = "analysis"
	PhaseResearch  Phase = "research"
	PhaseTrading   Phase = "trading"
	PhaseRisk      Phase = "risk"
	PhasePortfolio Phase = "portfolio"
)

// Phases is the fixed execution order of workflow phases.
var Phases = []Phase{PhaseAnalysis, PhaseResearch, PhaseTrading, PhaseRisk, PhasePortfolio}

// AgentSpec describes one invokable agent. The catalog is data, not code:
// dispatch iterates this table rather than switching on agent names.
type AgentSpec struct {
	Phase        Phase
	Order        int
	DisplayName  string
	FunctionName string
	// Critical agents abort the run when they fail; optional agents are
	// recorded as errored and the workflow continues.
	Critical bool
}

// Agent display names. Used as keys in workflow steps and agent_insights.
const (
	AgentMacro           = "Macro Analyst"
	AgentMarket          = "Market Analyst"
	AgentNews            = "News Analyst"
	AgentSocial          = "Social Media Analyst"
	AgentFundamentals    = "Fundamentals Analyst"
	AgentBull            = "Bull Researcher"
	AgentBear            = "Bear Researcher"
	AgentResearchManager = "Research Manager"
	AgentTrader          = "Trader"
	AgentRisky           = "Risky Analyst"
	AgentSafe            = "Safe Analyst"
	AgentNeutral         = "Neutral Analyst"
	AgentRiskManager     = "Risk Manager"
	AgentPortfolioMgr    = "Portfolio Manager"
	AgentOpportunity     = "Opportunity Agent"
	AgentRebalancePM     = "Rebalance Portfolio Manager"
)

// AgentCatalog is the fixed per-phase agent ordering for an analysis run.
var AgentCatalog = []AgentSpec{
	{PhaseAnalysis, 0, AgentMacro, "agent-macro-analyst", false},
	{PhaseAnalysis, 1, AgentMarket, "agent-market-analyst", true},
	{PhaseAnalysis, 2, AgentNews, "agent-news-analyst", false},
	{PhaseAnalysis, 3, AgentSocial, "agent-social-media-analyst", false},
	{PhaseAnalysis, 4, AgentFundamentals, "agent-fundamentals-analyst", false},

	{PhaseResearch, 0, AgentBull, "agent-bull-researcher", false},
	{PhaseResearch, 1, AgentBear, "agent-bear-researcher", false},
	{PhaseResearch, 2, AgentResearchManager, "agent-research-manager", false},

	{PhaseTrading, 0, AgentTrader, "agent-trader", true},

	{PhaseRisk, 0, AgentRisky, "agent-risky-analyst", false},
	{PhaseRisk, 1, AgentSafe, "agent-safe-analyst", false},
	{PhaseRisk, 2, AgentNeutral, "agent-neutral-analyst", false},
	{PhaseRisk, 3, AgentRiskManager, "agent-risk-manager", true},

	{PhasePortfolio, 0, AgentPortfolioMgr, "agent-portfolio-manager", true},
}

// DefaultMaxDebateRounds bounds the bull/bear loop when neither the run nor
// the user's role specifies a limit.
const DefaultMaxDebateRounds = 2

// AgentsForPhase returns the catalog entries for a phase, in dispatch order.
func AgentsForPhase(phase Phase) []AgentSpec {
	var out []AgentSpec
	for _, a := range AgentCatalog {
		if a.Phase == phase {
			out = append(out, a)
		}
	}
	return out
}

// LookupAgent finds an agent by display name within a phase.
func LookupAgent(phase Phase, displayName string) (AgentSpec, bool) {
	for _, a := range AgentCatalog {
		if a.Phase == phase && a.DisplayName == displayName {
			return a, true
		}
	}
	return AgentSpec{}, false
}

// IsCriticalAgent reports whether a failed agent aborts the run.
// The portfolio manager is only critical for standalone runs: rebalance
// children skip the portfolio phase entirely.
func IsCriticalAgent(displayName string, partOfRebalance bool) bool {
	if displayName == AgentPortfolioMgr {
		return !partOfRebalance
	}
	for _, a := range AgentCatalog {
		if a.DisplayName == displayName {
			return a.Critical
		}
	}
	return false
}

// NextPhase returns the phase following p, or "" when p is the last phase.
// Rebalance children stop after the risk phase.
func NextPhase(p Phase, partOfRebalance bool) Phase {
	for i, ph := range Phases {
		if ph != p {
			continue
		}
		if i+1 >= len(Phases) {
			return ""
		}
		next := Phases[i+1]
		if next == PhasePortfolio && partOfRebalance {
			return ""
		}
		return next
	}
	return ""
}
