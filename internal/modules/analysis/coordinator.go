package analysis

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tradepilot/tradepilot/internal/agents"
	"github.com/tradepilot/tradepilot/internal/domain"
	"github.com/tradepilot/tradepilot/internal/events"
)

// AgentInvoker dispatches one agent without waiting for its work product.
type AgentInvoker interface {
	Invoke(functionName string, payload agents.Payload)
}

// RebalanceNotifier receives child-run completion signals. Implemented by the
// rebalance coordinator; wired after construction to break the cycle between
// the two coordinators.
type RebalanceNotifier interface {
	OnAnalysisCompleted(rebalanceID, analysisID, ticker string, success bool, errMsg string) error
}

// TradeOrderSink turns a finished standalone run into a pending trade order
// and triggers the auto-trade check. Implemented by the trading module.
type TradeOrderSink interface {
	CreateFromDecision(run *domain.AnalysisRun) (*domain.TradeOrder, error)
	RunAutoTradeForAnalysis(userID, analysisID string)
}

// SettingsProvider supplies per-user trading preferences and AI settings.
type SettingsProvider interface {
	GetUserSettings(userID string) (*domain.UserSettings, error)
}

// QuotaResolver resolves effective role limits for a user.
type QuotaResolver interface {
	GetUserQuotas(userID string) (domain.UserQuotas, error)
}

// Coordinator drives one analysis workflow: start, advance on agent
// completion, retry failed runs, reactivate stale ones, cancel.
//
// The coordinator holds no in-process state between requests: every operation
// reads the run, applies a conditional update, and dispatches at most one
// agent. Races between concurrent completions resolve through the
// repository's conditional primitives.
type Coordinator struct {
	repo     *Repository
	invoker  AgentInvoker
	settings SettingsProvider
	quotas   QuotaResolver
	notifier RebalanceNotifier
	trades   TradeOrderSink
	events   *events.Manager

	staleThreshold time.Duration
	log            zerolog.Logger
}

// NewCoordinator creates a new analysis coordinator.
func NewCoordinator(
	repo *Repository,
	invoker AgentInvoker,
	settings SettingsProvider,
	quotas QuotaResolver,
	eventManager *events.Manager,
	staleThreshold time.Duration,
	log zerolog.Logger,
) *Coordinator {
	return &Coordinator{
		repo:           repo,
		invoker:        invoker,
		settings:       settings,
		quotas:         quotas,
		events:         eventManager,
		staleThreshold: staleThreshold,
		log:            log.With().Str("service", "analysis_coordinator").Logger(),
	}
}

// SetRebalanceNotifier wires the rebalance coordinator callback.
func (c *Coordinator) SetRebalanceNotifier(n RebalanceNotifier) { c.notifier = n }

// SetTradeOrderSink wires the trading module hook for standalone runs.
func (c *Coordinator) SetTradeOrderSink(s TradeOrderSink) { c.trades = s }

// CreateRun inserts a new pending run with an initialized workflow-step
// document. Used by the standalone start endpoint and the rebalance fan-out.
func (c *Coordinator) CreateRun(userID, ticker, rebalanceID string, analysisContext map[string]interface{}) (*domain.AnalysisRun, error) {
	quotas, err := c.quotas.GetUserQuotas(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve quotas: %w", err)
	}
	maxRounds := quotas.MaxDebateRounds
	if maxRounds <= 0 || maxRounds > domain.DefaultMaxDebateRounds {
		maxRounds = domain.DefaultMaxDebateRounds
	}

	fa := domain.NewFullAnalysis(maxRounds, rebalanceID != "")
	fa.AnalysisContext = analysisContext

	run := &domain.AnalysisRun{
		ID:                 uuid.New().String(),
		UserID:             userID,
		Ticker:             strings.ToUpper(strings.TrimSpace(ticker)),
		AnalysisDate:       time.Now().UTC().Format("2006-01-02"),
		Status:             domain.AnalysisPending,
		Decision:           domain.DecisionPending,
		RebalanceRequestID: rebalanceID,
		FullAnalysis:       fa,
	}
	if err := c.repo.Create(run); err != nil {
		return nil, err
	}
	return run, nil
}

// Start transitions pending -> running and dispatches the first agent.
// Losing the pending->running race is reported as ErrPreconditionFailed;
// callers doing lazy admission treat that as a benign no-op.
func (c *Coordinator) Start(analysisID string) error {
	run, err := c.repo.Get(analysisID, "")
	if err != nil {
		return err
	}

	if err := c.repo.ConditionalUpdateStatus(analysisID, domain.AnalysisPending, domain.AnalysisRunning, StatusPatch{}); err != nil {
		return err
	}
	run.Status = domain.AnalysisRunning

	c.events.EmitTyped(events.AnalysisStarted, "analysis", &events.AnalysisEventData{
		Type:       events.AnalysisStarted,
		AnalysisID: run.ID,
		UserID:     run.UserID,
		Ticker:     run.Ticker,
		Status:     string(run.Status),
	})

	first, ok := nextAgentInPhase(run.FullAnalysis, domain.PhaseAnalysis, "")
	if !ok {
		// Nothing dispatchable in the first phase; walk forward
		return c.advance(run, domain.PhaseAnalysis, "")
	}
	return c.dispatch(run, first)
}

// OnAgentCompleted records an agent result and advances the workflow.
// Idempotent: a second completion for the same (phase, agent) no-ops.
func (c *Coordinator) OnAgentCompleted(analysisID string, phase domain.Phase, agentName string, success bool, errMsg string, insight map[string]interface{}) error {
	run, err := c.repo.Get(analysisID, "")
	if err != nil {
		return err
	}
	if run.Status == domain.AnalysisCancelled {
		return nil
	}

	if success && insight != nil {
		if err := c.repo.SaveInsight(analysisID, agentName, insight); err != nil && !errors.Is(err, domain.ErrPreconditionFailed) {
			return err
		}
	}

	stepStatus := domain.AgentCompleted
	if !success {
		stepStatus = domain.AgentError
	}
	changed, err := c.repo.SetAgentStepStatus(analysisID, phase, agentName, stepStatus, errMsg)
	if errors.Is(err, domain.ErrPreconditionFailed) {
		return nil // cancelled underneath us
	}
	if err != nil {
		return err
	}
	if !changed {
		// Duplicate completion: the first caller already dispatched the next agent
		return nil
	}

	if !success && domain.IsCriticalAgent(agentName, run.PartOfRebalance()) {
		return c.failRun(run, fmt.Sprintf("%s failed: %s", agentName, errMsg))
	}
	if !success {
		c.log.Warn().
			Str("analysis_id", analysisID).
			Str("agent", agentName).
			Str("error", errMsg).
			Msg("Optional agent failed, continuing workflow")
	}

	// Reload for fresh step state before advancing
	run, err = c.repo.Get(analysisID, "")
	if err != nil {
		return err
	}
	if run.Status != domain.AnalysisRunning {
		return nil
	}
	return c.advance(run, phase, agentName)
}

// advance dispatches the next agent after (phase, agentName), or finalises
// the run when the pipeline is exhausted.
func (c *Coordinator) advance(run *domain.AnalysisRun, phase domain.Phase, agentName string) error {
	fa := run.FullAnalysis

	// Bounded bull/bear debate inside the research phase
	if phase == domain.PhaseResearch && agentName == domain.AgentBear {
		if fa.CurrentRound < fa.MaxRounds {
			if err := c.nextDebateRound(run); err != nil {
				return err
			}
			bull, _ := domain.LookupAgent(domain.PhaseResearch, domain.AgentBull)
			return c.dispatch(run, bull)
		}
		// Debate exhausted: fall through to the research manager
	}

	if next, ok := nextAgentInPhase(fa, phase, agentName); ok {
		return c.dispatch(run, next)
	}

	for nextPhase := domain.NextPhase(phase, run.PartOfRebalance()); nextPhase != ""; nextPhase = domain.NextPhase(nextPhase, run.PartOfRebalance()) {
		if next, ok := nextAgentInPhase(fa, nextPhase, ""); ok {
			return c.dispatch(run, next)
		}
	}

	return c.finalize(run)
}

// nextDebateRound increments the round counter and resets the bull/bear steps
// so the pair runs again.
func (c *Coordinator) nextDebateRound(run *domain.AnalysisRun) error {
	err := c.repo.UpdateSteps(run.ID, func(fa *domain.FullAnalysis, _ map[string]map[string]interface{}) (bool, error) {
		fa.CurrentRound++
		now := time.Now().UTC()
		for _, name := range []string{domain.AgentBull, domain.AgentBear} {
			if step := fa.Step(domain.PhaseResearch, name); step != nil {
				step.Status = domain.AgentPending
				step.Progress = 0
				step.UpdatedAt = now
			}
		}
		run.FullAnalysis.CurrentRound = fa.CurrentRound
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("failed to advance debate round: %w", err)
	}
	return nil
}

// dispatch marks the step running and fires the agent invocation.
func (c *Coordinator) dispatch(run *domain.AnalysisRun, spec domain.AgentSpec) error {
	if _, err := c.repo.SetAgentStepStatus(run.ID, spec.Phase, spec.DisplayName, domain.AgentRunning, ""); err != nil {
		if errors.Is(err, domain.ErrPreconditionFailed) {
			return nil // cancelled
		}
		return err
	}

	payload := agents.Payload{
		AnalysisID:         run.ID,
		Ticker:             run.Ticker,
		UserID:             run.UserID,
		Phase:              spec.Phase,
		Agent:              spec.DisplayName,
		AnalysisContext:    run.FullAnalysis.AnalysisContext,
		RebalanceRequestID: run.RebalanceRequestID,
	}
	if spec.Phase == domain.PhaseResearch {
		payload.DebateRound = run.FullAnalysis.CurrentRound
	}
	if spec.Phase == domain.PhasePortfolio {
		payload.RiskManagerDecision = riskDecisionFromInsights(run.AgentInsights)
	}
	if settings, err := c.settings.GetUserSettings(run.UserID); err == nil {
		payload.APISettings = settings.APISettings
	}

	c.invoker.Invoke(spec.FunctionName, payload)

	c.log.Info().
		Str("analysis_id", run.ID).
		Str("ticker", run.Ticker).
		Str("phase", string(spec.Phase)).
		Str("agent", spec.DisplayName).
		Msg("Agent dispatched")
	return nil
}

// finalize writes the top-level decision and confidence from the risk
// manager's insight, then hands off: standalone runs generate a pending trade
// order, rebalance children notify the parent.
func (c *Coordinator) finalize(run *domain.AnalysisRun) error {
	decision, confidence := decisionFromInsights(run.AgentInsights)

	err := c.repo.ConditionalUpdateStatus(run.ID, domain.AnalysisRunning, domain.AnalysisCompleted, StatusPatch{
		Decision:   &decision,
		Confidence: &confidence,
	})
	if errors.Is(err, domain.ErrPreconditionFailed) {
		return nil // cancelled or already finalised by a racing completion
	}
	if err != nil {
		return err
	}

	c.log.Info().
		Str("analysis_id", run.ID).
		Str("ticker", run.Ticker).
		Str("decision", string(decision)).
		Float64("confidence", confidence).
		Msg("Analysis completed")

	c.events.EmitTyped(events.AnalysisCompleted, "analysis", &events.AnalysisEventData{
		Type:       events.AnalysisCompleted,
		AnalysisID: run.ID,
		UserID:     run.UserID,
		Ticker:     run.Ticker,
		Status:     string(domain.AnalysisCompleted),
		Decision:   string(decision),
		Confidence: confidence,
	})

	if run.PartOfRebalance() {
		if c.notifier == nil {
			return fmt.Errorf("rebalance notifier not wired")
		}
		return c.notifier.OnAnalysisCompleted(run.RebalanceRequestID, run.ID, run.Ticker, true, "")
	}

	run.Decision = decision
	run.Confidence = confidence
	if c.trades != nil {
		if _, err := c.trades.CreateFromDecision(run); err != nil {
			c.log.Error().Err(err).Str("analysis_id", run.ID).Msg("Failed to create trade order from decision")
		} else {
			c.trades.RunAutoTradeForAnalysis(run.UserID, run.ID)
		}
	}
	return nil
}

// failRun transitions the run to error after a critical agent failure.
func (c *Coordinator) failRun(run *domain.AnalysisRun, reason string) error {
	meta := run.Metadata
	meta.ErrorReason = reason
	err := c.repo.ConditionalUpdateStatus(run.ID, domain.AnalysisRunning, domain.AnalysisError, StatusPatch{Metadata: &meta})
	if errors.Is(err, domain.ErrPreconditionFailed) {
		return nil
	}
	if err != nil {
		return err
	}

	c.log.Warn().
		Str("analysis_id", run.ID).
		Str("ticker", run.Ticker).
		Str("reason", reason).
		Msg("Analysis failed")

	c.events.EmitTyped(events.AnalysisFailed, "analysis", &events.AnalysisEventData{
		Type:       events.AnalysisFailed,
		AnalysisID: run.ID,
		UserID:     run.UserID,
		Ticker:     run.Ticker,
		Status:     string(domain.AnalysisError),
	})

	if run.PartOfRebalance() && c.notifier != nil {
		return c.notifier.OnAnalysisCompleted(run.RebalanceRequestID, run.ID, run.Ticker, false, reason)
	}
	return nil
}

// Retry resumes an errored run. Critical failures take priority over
// optional ones; all failed steps (and their insights) reset to pending and
// the resume agent is re-dispatched. Automatic reactivation attempts reset.
func (c *Coordinator) Retry(analysisID, userID string) error {
	run, err := c.repo.Get(analysisID, userID)
	if err != nil {
		return err
	}
	if run.Status != domain.AnalysisError {
		return fmt.Errorf("retry is only valid for errored runs (status=%s): %w", run.Status, domain.ErrPreconditionFailed)
	}

	critical, optional := failedSteps(run.FullAnalysis, run.PartOfRebalance())
	failed := append(append([]domain.AgentSpec{}, critical...), optional...)
	if len(failed) == 0 {
		return fmt.Errorf("no failed agents to retry: %w", domain.ErrPreconditionFailed)
	}
	resume := optional[0:]
	if len(critical) > 0 {
		resume = critical
	}
	resumeAgent := resume[0]

	err = c.repo.UpdateSteps(analysisID, func(fa *domain.FullAnalysis, insights map[string]map[string]interface{}) (bool, error) {
		now := time.Now().UTC()
		for _, spec := range failed {
			if step := fa.Step(spec.Phase, spec.DisplayName); step != nil {
				step.Status = domain.AgentPending
				step.Progress = 0
				step.Error = ""
				step.UpdatedAt = now
			}
			delete(insights, spec.DisplayName)
		}
		return true, nil
	})
	if err != nil {
		return err
	}

	meta := run.Metadata
	meta.ReactivationAttempts = 0
	meta.MaxReactivationsReach = false
	meta.ErrorReason = ""
	if err := c.repo.ConditionalUpdateStatus(analysisID, domain.AnalysisError, domain.AnalysisRunning, StatusPatch{Metadata: &meta}); err != nil {
		return err
	}
	run.Status = domain.AnalysisRunning

	c.log.Info().
		Str("analysis_id", analysisID).
		Str("resume_agent", resumeAgent.DisplayName).
		Int("failed_agents", len(failed)).
		Msg("Retrying analysis")

	return c.dispatch(run, resumeAgent)
}

// Reactivate restarts a stale running run from its first unfinished agent.
// Without force the run must have been idle past the stale threshold.
func (c *Coordinator) Reactivate(analysisID, userID string, force bool) error {
	run, err := c.repo.Get(analysisID, userID)
	if err != nil {
		return err
	}
	if run.Status != domain.AnalysisRunning {
		return fmt.Errorf("reactivate is only valid for running runs (status=%s): %w", run.Status, domain.ErrPreconditionFailed)
	}
	if !force && time.Since(run.UpdatedAt) < c.staleThreshold {
		return fmt.Errorf("run is not stale yet: %w", domain.ErrPreconditionFailed)
	}

	if run.FullAnalysis.AllStepsDone() {
		// Everything finished but the run never got promoted
		return c.finalize(run)
	}

	spec, ok := firstDispatchableAgent(run.FullAnalysis, run.AgentInsights)
	if !ok {
		return c.finalize(run)
	}

	c.log.Info().
		Str("analysis_id", analysisID).
		Str("agent", spec.DisplayName).
		Bool("forced", force).
		Msg("Reactivating stale analysis")

	c.events.EmitTyped(events.AnalysisReactivated, "analysis", &events.AnalysisEventData{
		Type:       events.AnalysisReactivated,
		AnalysisID: run.ID,
		UserID:     run.UserID,
		Ticker:     run.Ticker,
		Status:     string(run.Status),
	})

	return c.dispatch(run, spec)
}

// Cancel marks the run cancelled. Cancellation is unconditional and
// absorbing: no later write may replace it.
func (c *Coordinator) Cancel(analysisID, userID string) error {
	run, err := c.repo.Get(analysisID, userID)
	if err != nil {
		return err
	}
	if run.Status == domain.AnalysisCancelled {
		return nil
	}

	// Best-effort marker on in-flight steps, before the status flips and the
	// step document becomes immutable
	_ = c.repo.UpdateSteps(analysisID, func(fa *domain.FullAnalysis, _ map[string]map[string]interface{}) (bool, error) {
		changed := false
		now := time.Now().UTC()
		for i := range fa.WorkflowSteps {
			for j := range fa.WorkflowSteps[i].Agents {
				step := &fa.WorkflowSteps[i].Agents[j]
				if step.Status == domain.AgentRunning || step.Status == domain.AgentPending {
					step.Status = domain.AgentCancelled
					step.UpdatedAt = now
					changed = true
				}
			}
		}
		return changed, nil
	})

	if err := c.repo.Cancel(analysisID, userID); err != nil {
		return err
	}

	c.log.Info().Str("analysis_id", analysisID).Msg("Analysis cancelled")
	c.events.EmitTyped(events.AnalysisCancelled, "analysis", &events.AnalysisEventData{
		Type:       events.AnalysisCancelled,
		AnalysisID: run.ID,
		UserID:     run.UserID,
		Ticker:     run.Ticker,
		Status:     string(domain.AnalysisCancelled),
	})

	if run.PartOfRebalance() && c.notifier != nil {
		return c.notifier.OnAnalysisCompleted(run.RebalanceRequestID, run.ID, run.Ticker, false, "cancelled")
	}
	return nil
}

// riskDecisionFromInsights extracts the risk manager verdict for the
// portfolio-phase hand-off.
func riskDecisionFromInsights(insights map[string]map[string]interface{}) *agents.RiskDecision {
	rm, ok := insights[domain.AgentRiskManager]
	if !ok {
		return nil
	}
	rd := &agents.RiskDecision{}
	if v, ok := rm["decision"].(string); ok {
		rd.Decision = v
	}
	if v, ok := rm["confidence"].(float64); ok {
		rd.Confidence = v
	}
	if v, ok := rm["assessment"].(string); ok {
		rd.Assessment = v
	}
	return rd
}

// decisionFromInsights derives the final decision and confidence from the
// risk manager insight. Missing or malformed insights leave the run PENDING
// with zero confidence rather than inventing a verdict.
func decisionFromInsights(insights map[string]map[string]interface{}) (domain.Decision, float64) {
	rm, ok := insights[domain.AgentRiskManager]
	if !ok {
		return domain.DecisionPending, 0
	}
	decision := domain.DecisionPending
	if v, ok := rm["decision"].(string); ok {
		switch strings.ToUpper(v) {
		case "BUY":
			decision = domain.DecisionBuy
		case "SELL":
			decision = domain.DecisionSell
		case "HOLD":
			decision = domain.DecisionHold
		}
	}
	confidence := 0.0
	if v, ok := rm["confidence"].(float64); ok {
		confidence = v
	}
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 100 {
		confidence = 100
	}
	return decision, confidence
}
