package analysis

import (
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tradepilot/tradepilot/internal/agents"
	"github.com/tradepilot/tradepilot/internal/domain"
	"github.com/tradepilot/tradepilot/internal/events"
)

type invocation struct {
	Function string
	Payload  agents.Payload
}

type fakeInvoker struct {
	mu    sync.Mutex
	calls []invocation
}

func (f *fakeInvoker) Invoke(functionName string, payload agents.Payload) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, invocation{Function: functionName, Payload: payload})
}

func (f *fakeInvoker) functions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Function
	}
	return out
}

func (f *fakeInvoker) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type stubSettings struct{}

func (stubSettings) GetUserSettings(userID string) (*domain.UserSettings, error) {
	return &domain.UserSettings{UserID: userID, PaperTrading: true}, nil
}

type stubQuotas struct {
	quotas domain.UserQuotas
}

func (s stubQuotas) GetUserQuotas(string) (domain.UserQuotas, error) {
	return s.quotas, nil
}

type recordingSink struct {
	mu     sync.Mutex
	orders []*domain.AnalysisRun
}

func (r *recordingSink) CreateFromDecision(run *domain.AnalysisRun) (*domain.TradeOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders = append(r.orders, run)
	return &domain.TradeOrder{ID: "order-1"}, nil
}

func (r *recordingSink) RunAutoTradeForAnalysis(string, string) {}

func setupCoordinator(t *testing.T) (*Coordinator, *Repository, *fakeInvoker, *recordingSink) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := zerolog.Nop()
	repo := NewRepository(db, log)
	require.NoError(t, repo.InitSchema())

	inv := &fakeInvoker{}
	sink := &recordingSink{}
	c := NewCoordinator(repo, inv, stubSettings{}, stubQuotas{quotas: domain.DefaultQuotas()}, events.NewManager(log), 210*time.Second, log)
	c.SetTradeOrderSink(sink)
	return c, repo, inv, sink
}

func complete(t *testing.T, c *Coordinator, id string, phase domain.Phase, agent string, insight map[string]interface{}) {
	t.Helper()
	require.NoError(t, c.OnAgentCompleted(id, phase, agent, true, "", insight))
}

func TestWorkflowRunsAllPhasesInOrder(t *testing.T) {
	c, repo, inv, sink := setupCoordinator(t)

	run, err := c.CreateRun("user-1", "aapl", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "AAPL", run.Ticker)
	assert.Equal(t, domain.AnalysisPending, run.Status)

	require.NoError(t, c.Start(run.ID))

	for _, agent := range []string{domain.AgentMacro, domain.AgentMarket, domain.AgentNews, domain.AgentSocial, domain.AgentFundamentals} {
		complete(t, c, run.ID, domain.PhaseAnalysis, agent, map[string]interface{}{"summary": "ok"})
	}
	// Two debate rounds with the default quota
	complete(t, c, run.ID, domain.PhaseResearch, domain.AgentBull, map[string]interface{}{"stance": "bull"})
	complete(t, c, run.ID, domain.PhaseResearch, domain.AgentBear, map[string]interface{}{"stance": "bear"})
	complete(t, c, run.ID, domain.PhaseResearch, domain.AgentBull, map[string]interface{}{"stance": "bull"})
	complete(t, c, run.ID, domain.PhaseResearch, domain.AgentBear, map[string]interface{}{"stance": "bear"})
	complete(t, c, run.ID, domain.PhaseResearch, domain.AgentResearchManager, map[string]interface{}{"verdict": "bullish"})
	complete(t, c, run.ID, domain.PhaseTrading, domain.AgentTrader, map[string]interface{}{"plan": "accumulate"})
	for _, agent := range []string{domain.AgentRisky, domain.AgentSafe, domain.AgentNeutral} {
		complete(t, c, run.ID, domain.PhaseRisk, agent, map[string]interface{}{"view": "ok"})
	}
	complete(t, c, run.ID, domain.PhaseRisk, domain.AgentRiskManager, map[string]interface{}{
		"decision":   "BUY",
		"confidence": 82.0,
	})
	complete(t, c, run.ID, domain.PhasePortfolio, domain.AgentPortfolioMgr, map[string]interface{}{
		"shares":    10.0,
		"reasoning": "sizing",
	})

	assert.Equal(t, []string{
		"agent-macro-analyst",
		"agent-market-analyst",
		"agent-news-analyst",
		"agent-social-media-analyst",
		"agent-fundamentals-analyst",
		"agent-bull-researcher",
		"agent-bear-researcher",
		"agent-bull-researcher",
		"agent-bear-researcher",
		"agent-research-manager",
		"agent-trader",
		"agent-risky-analyst",
		"agent-safe-analyst",
		"agent-neutral-analyst",
		"agent-risk-manager",
		"agent-portfolio-manager",
	}, inv.functions())

	got, err := repo.Get(run.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.AnalysisCompleted, got.Status)
	assert.Equal(t, domain.DecisionBuy, got.Decision)
	assert.InDelta(t, 82.0, got.Confidence, 0.001)
	assert.True(t, got.FullAnalysis.AllStepsDone())

	require.Len(t, sink.orders, 1)
	assert.Equal(t, run.ID, sink.orders[0].ID)
}

func TestDuplicateCompletionIsIdempotent(t *testing.T) {
	c, _, inv, _ := setupCoordinator(t)

	run, err := c.CreateRun("user-1", "MSFT", "", nil)
	require.NoError(t, err)
	require.NoError(t, c.Start(run.ID))

	complete(t, c, run.ID, domain.PhaseAnalysis, domain.AgentMacro, nil)
	before := inv.count()

	// The agent retried its callback: no second dispatch may happen
	complete(t, c, run.ID, domain.PhaseAnalysis, domain.AgentMacro, nil)
	assert.Equal(t, before, inv.count())
}

func TestCriticalAgentFailureFailsRun(t *testing.T) {
	c, repo, _, _ := setupCoordinator(t)

	run, err := c.CreateRun("user-1", "NVDA", "", nil)
	require.NoError(t, err)
	require.NoError(t, c.Start(run.ID))

	complete(t, c, run.ID, domain.PhaseAnalysis, domain.AgentMacro, nil)
	require.NoError(t, c.OnAgentCompleted(run.ID, domain.PhaseAnalysis, domain.AgentMarket, false, "rate limited", nil))

	got, err := repo.Get(run.ID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.AnalysisError, got.Status)
	assert.Contains(t, got.Metadata.ErrorReason, domain.AgentMarket)
}

func TestOptionalAgentFailureContinues(t *testing.T) {
	c, repo, inv, _ := setupCoordinator(t)

	run, err := c.CreateRun("user-1", "TSLA", "", nil)
	require.NoError(t, err)
	require.NoError(t, c.Start(run.ID))

	// Macro is optional: the workflow records the error and moves on
	require.NoError(t, c.OnAgentCompleted(run.ID, domain.PhaseAnalysis, domain.AgentMacro, false, "upstream 500", nil))

	got, err := repo.Get(run.ID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.AnalysisRunning, got.Status)
	assert.Equal(t, domain.AgentError, got.FullAnalysis.Step(domain.PhaseAnalysis, domain.AgentMacro).Status)
	assert.Equal(t, "agent-market-analyst", inv.functions()[inv.count()-1])
}

func TestRetryResumesFromCriticalFailure(t *testing.T) {
	c, repo, inv, _ := setupCoordinator(t)

	run, err := c.CreateRun("user-1", "AMD", "", nil)
	require.NoError(t, err)
	require.NoError(t, c.Start(run.ID))

	// Optional failure first, then a critical one that kills the run
	require.NoError(t, c.OnAgentCompleted(run.ID, domain.PhaseAnalysis, domain.AgentMacro, false, "flaky", nil))
	require.NoError(t, c.OnAgentCompleted(run.ID, domain.PhaseAnalysis, domain.AgentMarket, false, "hard down", nil))

	got, err := repo.Get(run.ID, "")
	require.NoError(t, err)
	require.Equal(t, domain.AnalysisError, got.Status)

	require.NoError(t, c.Retry(run.ID, "user-1"))

	got, err = repo.Get(run.ID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.AnalysisRunning, got.Status)
	assert.Empty(t, got.Metadata.ErrorReason)
	assert.Zero(t, got.Metadata.ReactivationAttempts)

	// Both failed steps reset; the critical one is re-dispatched first
	assert.Equal(t, domain.AgentPending, got.FullAnalysis.Step(domain.PhaseAnalysis, domain.AgentMacro).Status)
	assert.Equal(t, domain.AgentRunning, got.FullAnalysis.Step(domain.PhaseAnalysis, domain.AgentMarket).Status)
	assert.Equal(t, "agent-market-analyst", inv.functions()[inv.count()-1])
}

func TestRetryRejectsNonErroredRun(t *testing.T) {
	c, _, _, _ := setupCoordinator(t)

	run, err := c.CreateRun("user-1", "GOOG", "", nil)
	require.NoError(t, err)
	require.NoError(t, c.Start(run.ID))

	err = c.Retry(run.ID, "user-1")
	assert.ErrorIs(t, err, domain.ErrPreconditionFailed)
}

func TestCancelAbsorbsLateCompletions(t *testing.T) {
	c, repo, inv, _ := setupCoordinator(t)

	run, err := c.CreateRun("user-1", "AAPL", "", nil)
	require.NoError(t, err)
	require.NoError(t, c.Start(run.ID))
	require.NoError(t, c.Cancel(run.ID, "user-1"))

	before := inv.count()

	// A straggler callback for the cancelled run must be swallowed
	require.NoError(t, c.OnAgentCompleted(run.ID, domain.PhaseAnalysis, domain.AgentMacro, true, "", map[string]interface{}{"late": true}))

	got, err := repo.Get(run.ID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.AnalysisCancelled, got.Status)
	assert.Equal(t, before, inv.count())
	assert.Empty(t, got.AgentInsights)

	// In-flight steps were marked cancelled before the run flipped
	assert.Equal(t, domain.AgentCancelled, got.FullAnalysis.Step(domain.PhaseAnalysis, domain.AgentMacro).Status)
}

func TestReactivateRequiresStaleness(t *testing.T) {
	c, _, inv, _ := setupCoordinator(t)

	run, err := c.CreateRun("user-1", "META", "", nil)
	require.NoError(t, err)
	require.NoError(t, c.Start(run.ID))

	// Freshly updated: without force the reactivation is refused
	err = c.Reactivate(run.ID, "user-1", false)
	assert.ErrorIs(t, err, domain.ErrPreconditionFailed)

	// Forced: the first unfinished agent is re-dispatched
	before := inv.count()
	require.NoError(t, c.Reactivate(run.ID, "user-1", true))
	require.Equal(t, before+1, inv.count())
	assert.Equal(t, "agent-macro-analyst", inv.functions()[inv.count()-1])
}

func TestRebalanceChildSkipsPortfolioPhase(t *testing.T) {
	c, repo, inv, _ := setupCoordinator(t)
	notifier := &captureNotifier{}
	c.SetRebalanceNotifier(notifier)

	run, err := c.CreateRun("user-1", "AAPL", "reb-1", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentSkipped, run.FullAnalysis.Step(domain.PhasePortfolio, domain.AgentPortfolioMgr).Status)

	require.NoError(t, c.Start(run.ID))
	for _, agent := range []string{domain.AgentMacro, domain.AgentMarket, domain.AgentNews, domain.AgentSocial, domain.AgentFundamentals} {
		complete(t, c, run.ID, domain.PhaseAnalysis, agent, nil)
	}
	complete(t, c, run.ID, domain.PhaseResearch, domain.AgentBull, nil)
	complete(t, c, run.ID, domain.PhaseResearch, domain.AgentBear, nil)
	complete(t, c, run.ID, domain.PhaseResearch, domain.AgentBull, nil)
	complete(t, c, run.ID, domain.PhaseResearch, domain.AgentBear, nil)
	complete(t, c, run.ID, domain.PhaseResearch, domain.AgentResearchManager, nil)
	complete(t, c, run.ID, domain.PhaseTrading, domain.AgentTrader, nil)
	for _, agent := range []string{domain.AgentRisky, domain.AgentSafe, domain.AgentNeutral} {
		complete(t, c, run.ID, domain.PhaseRisk, agent, nil)
	}
	complete(t, c, run.ID, domain.PhaseRisk, domain.AgentRiskManager, map[string]interface{}{
		"decision":   "HOLD",
		"confidence": 55.0,
	})

	// The run finalises after the risk phase; no portfolio manager dispatch
	assert.NotContains(t, inv.functions(), "agent-portfolio-manager")

	got, err := repo.Get(run.ID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.AnalysisCompleted, got.Status)
	assert.Equal(t, domain.DecisionHold, got.Decision)

	require.Len(t, notifier.completions, 1)
	assert.Equal(t, "reb-1", notifier.completions[0].rebalanceID)
	assert.True(t, notifier.completions[0].success)
}

type childCompletion struct {
	rebalanceID string
	analysisID  string
	ticker      string
	success     bool
	errMsg      string
}

type captureNotifier struct {
	mu          sync.Mutex
	completions []childCompletion
}

func (n *captureNotifier) OnAnalysisCompleted(rebalanceID, analysisID, ticker string, success bool, errMsg string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completions = append(n.completions, childCompletion{rebalanceID, analysisID, ticker, success, errMsg})
	return nil
}
