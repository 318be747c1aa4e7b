package rebalance

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tradepilot/tradepilot/internal/agents"
	"github.com/tradepilot/tradepilot/internal/domain"
	"github.com/tradepilot/tradepilot/internal/events"
	"github.com/tradepilot/tradepilot/internal/modules/analysis"
)

// Rebalance-level agents. These run outside the per-ticker pipeline.
const (
	funcOpportunityAgent = "agent-opportunity"
	funcRebalancePM      = "agent-rebalance-portfolio-manager"
)

// AutoTrader executes approved trade orders after a rebalance completes.
// Implemented by the trading module; wired via setter.
type AutoTrader interface {
	RunAutoTradeForRebalance(userID, rebalanceID string) (enabled bool, executed int, errs []string)
}

// StartParams are the inputs of a new rebalance request.
type StartParams struct {
	UserID            string
	Tickers           []string
	TargetAllocations map[string]float64
	Constraints       domain.RebalanceConstraints
}

// Coordinator drives one rebalance workflow end to end: snapshot, threshold
// check, optional opportunity selection, the fan-out of child analyses under
// the user's parallelism cap, and the final portfolio-manager pass.
type Coordinator struct {
	repo     *Repository
	analyses *analysis.Coordinator
	children *analysis.Repository
	invoker  analysis.AgentInvoker
	brokers  domain.BrokerFactory
	settings analysis.SettingsProvider
	quotas   analysis.QuotaResolver
	trader   AutoTrader
	events   *events.Manager
	log      zerolog.Logger
}

// NewCoordinator creates a new rebalance coordinator.
func NewCoordinator(
	repo *Repository,
	analyses *analysis.Coordinator,
	children *analysis.Repository,
	invoker analysis.AgentInvoker,
	brokers domain.BrokerFactory,
	settings analysis.SettingsProvider,
	quotas analysis.QuotaResolver,
	eventManager *events.Manager,
	log zerolog.Logger,
) *Coordinator {
	return &Coordinator{
		repo:     repo,
		analyses: analyses,
		children: children,
		invoker:  invoker,
		brokers:  brokers,
		settings: settings,
		quotas:   quotas,
		events:   eventManager,
		log:      log.With().Str("service", "rebalance_coordinator").Logger(),
	}
}

// SetAutoTrader wires the trading module hook.
func (c *Coordinator) SetAutoTrader(t AutoTrader) { c.trader = t }

var _ analysis.RebalanceNotifier = (*Coordinator)(nil)

// Start creates (or resumes) a rebalance request and runs the decision
// pipeline up to either early completion, the opportunity agent dispatch, or
// the child-analysis fan-out.
func (c *Coordinator) Start(params StartParams) (*domain.RebalanceRun, error) {
	quotas, err := c.quotas.GetUserQuotas(params.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve quotas: %w", err)
	}
	if !quotas.RebalanceAccess {
		return nil, fmt.Errorf("rebalancing is not enabled for this account: %w", domain.ErrUnauthorized)
	}

	run := &domain.RebalanceRun{
		ID:                uuid.New().String(),
		UserID:            params.UserID,
		Status:            domain.RebalanceRunning,
		TargetAllocations: params.TargetAllocations,
		Constraints:       params.Constraints,
		SelectedStocks:    dedupeTickers(params.Tickers),
		WorkflowSteps:     map[string]domain.RebalanceStep{},
	}

	// Caller-supplied snapshots are ignored: the snapshot is always refetched
	// so the threshold check and the portfolio manager see the same account.
	snapshot, err := c.fetchSnapshot(params.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot portfolio: %w", err)
	}
	run.PortfolioSnapshot = snapshot

	if err := c.repo.Create(run); err != nil {
		return nil, err
	}

	c.events.EmitTyped(events.RebalanceStarted, "rebalance", &events.RebalanceEventData{
		Type:        events.RebalanceStarted,
		RebalanceID: run.ID,
		UserID:      run.UserID,
		Status:      string(run.Status),
	})

	if err := c.runDecisionPipeline(run, quotas); err != nil {
		c.failRun(run.ID, err.Error())
		return run, err
	}
	return run, nil
}

// runDecisionPipeline performs the threshold check and branches into early
// completion, the opportunity agent, or the fan-out.
func (c *Coordinator) runDecisionPipeline(run *domain.RebalanceRun, quotas domain.UserQuotas) error {
	cons := run.Constraints

	if cons.SkipThresholdCheck {
		c.setStep(run.ID, domain.StepThresholdCheck, domain.AgentSkipped, nil)
		c.setStep(run.ID, domain.StepOpportunityAnalysis, domain.AgentSkipped, nil)
		return c.fanOut(run, run.SelectedStocks, quotas, &domain.OpportunityEvaluation{
			TriggeredBy:    "threshold_check",
			SelectedStocks: run.SelectedStocks,
			Reasoning:      "threshold check skipped by request",
		})
	}

	maxDrift := maxDriftPct(run.PortfolioSnapshot)
	triggered := maxDrift >= cons.RebalanceThreshold
	c.setStep(run.ID, domain.StepThresholdCheck, domain.AgentCompleted, map[string]interface{}{
		"maxDriftPct": maxDrift,
		"threshold":   cons.RebalanceThreshold,
		"triggered":   triggered,
	})

	if triggered {
		c.setStep(run.ID, domain.StepOpportunityAnalysis, domain.AgentSkipped, nil)
		return c.fanOut(run, run.SelectedStocks, quotas, &domain.OpportunityEvaluation{
			TriggeredBy:    "threshold_check",
			MaxDriftPct:    maxDrift,
			SelectedStocks: run.SelectedStocks,
		})
	}

	if cons.SkipOpportunityAgent || !quotas.OpportunityAgentAccess {
		return c.completeNoAction(run, maxDrift)
	}

	// Below threshold with the opportunity agent available: ask it whether
	// anything on the watchlist is worth a look anyway.
	c.setStep(run.ID, domain.StepOpportunityAnalysis, domain.AgentRunning, nil)

	watchlist := []string{}
	if settings, err := c.settings.GetUserSettings(run.UserID); err == nil {
		watchlist = settings.Watchlist
	}
	c.invoker.Invoke(funcOpportunityAgent, agents.Payload{
		UserID:             run.UserID,
		RebalanceRequestID: run.ID,
		Watchlist:          watchlist,
		AnalysisContext: map[string]interface{}{
			"maxDriftPct": maxDrift,
			"threshold":   cons.RebalanceThreshold,
		},
	})

	c.log.Info().
		Str("rebalance_id", run.ID).
		Float64("max_drift_pct", maxDrift).
		Msg("Below threshold, opportunity agent dispatched")
	return nil
}

// OnOpportunityCompleted consumes the opportunity agent callback: continue
// with its selected subset, or finish with no action when it selects nothing.
func (c *Coordinator) OnOpportunityCompleted(rebalanceID string, selected []string, reasoning string) error {
	run, err := c.repo.Get(rebalanceID, "")
	if err != nil {
		return err
	}
	if run.Status != domain.RebalanceRunning {
		return nil
	}

	quotas, err := c.quotas.GetUserQuotas(run.UserID)
	if err != nil {
		return fmt.Errorf("failed to resolve quotas: %w", err)
	}

	opp := &domain.OpportunityEvaluation{
		TriggeredBy:    "opportunity_agent",
		SelectedStocks: selected,
		Reasoning:      reasoning,
	}
	c.setStep(rebalanceID, domain.StepOpportunityAnalysis, domain.AgentCompleted, map[string]interface{}{
		"selected":  selected,
		"reasoning": reasoning,
	})

	if len(selected) == 0 {
		_ = c.repo.SetSelection(rebalanceID, nil, nil, opp)
		return c.completeNoAction(run, 0)
	}

	if err := c.fanOut(run, selected, quotas, opp); err != nil {
		c.failRun(rebalanceID, err.Error())
		return err
	}
	return nil
}

// OnOpportunityError consumes the opportunity agent failure callback.
func (c *Coordinator) OnOpportunityError(rebalanceID, errMsg string) error {
	c.setStep(rebalanceID, domain.StepOpportunityAnalysis, domain.AgentError, map[string]interface{}{"error": errMsg})
	c.failRun(rebalanceID, "opportunity agent failed: "+errMsg)
	return nil
}

// fanOut inserts one child analysis per ticker, capped by the role's stock
// limit, and starts the first max_parallel_analysis of them. The rest stay
// pending and are admitted as siblings finish.
func (c *Coordinator) fanOut(run *domain.RebalanceRun, tickers []string, quotas domain.UserQuotas, opp *domain.OpportunityEvaluation) error {
	tickers = dedupeTickers(tickers)
	if len(tickers) == 0 {
		return c.completeNoAction(run, 0)
	}

	capN := quotas.MaxRebalanceStocks
	if capN <= 0 {
		capN = 1
	}
	var excluded []string
	if len(tickers) > capN {
		excluded = tickers[capN:]
		tickers = tickers[:capN]
	}
	if len(excluded) > 0 {
		c.log.Warn().
			Str("rebalance_id", run.ID).
			Strs("excluded", excluded).
			Int("cap", capN).
			Msg("Role stock limit applied")
	}

	// Sequential inserts: exactly one child per (rebalance, ticker)
	var analysisIDs []string
	for _, ticker := range tickers {
		child, err := c.analyses.CreateRun(run.UserID, ticker, run.ID, nil)
		if err != nil {
			return fmt.Errorf("failed to create analysis for %s: %w", ticker, err)
		}
		analysisIDs = append(analysisIDs, child.ID)
	}

	if err := c.repo.SetSelection(run.ID, tickers, analysisIDs, opp); err != nil {
		return err
	}
	if len(excluded) > 0 {
		meta := run.Metadata
		meta.RoleLimitApplied = true
		meta.ExcludedTickers = excluded
		if err := c.repo.ConditionalUpdateStatus(run.ID, domain.RebalanceRunning, domain.RebalanceRunning, StatusPatch{Metadata: &meta}); err != nil && !errors.Is(err, domain.ErrPreconditionFailed) {
			return err
		}
	}

	c.setStep(run.ID, domain.StepParallelAnalysis, domain.AgentRunning, map[string]interface{}{
		"total": len(analysisIDs),
	})

	quota := quotas.MaxParallelAnalysis
	if quota <= 0 {
		quota = 1
	}
	started := 0
	for _, id := range analysisIDs {
		if started >= quota {
			break
		}
		if err := c.analyses.Start(id); err != nil {
			if errors.Is(err, domain.ErrPreconditionFailed) {
				continue // someone else admitted it
			}
			c.log.Error().Err(err).Str("analysis_id", id).Msg("Failed to start child analysis")
			continue
		}
		started++
	}

	c.log.Info().
		Str("rebalance_id", run.ID).
		Int("children", len(analysisIDs)).
		Int("started", started).
		Msg("Analysis fan-out dispatched")
	return nil
}

// OnAnalysisCompleted is the child-completion callback from the analysis
// coordinator. It admits the next pending sibling and, once every child has
// finished, hands off to the rebalance portfolio manager.
func (c *Coordinator) OnAnalysisCompleted(rebalanceID, analysisID, ticker string, success bool, errMsg string) error {
	count, err := c.repo.IncrementStocksAnalyzed(rebalanceID)
	if errors.Is(err, domain.ErrPreconditionFailed) {
		return nil // cancelled
	}
	if err != nil {
		return err
	}

	run, err := c.repo.Get(rebalanceID, "")
	if err != nil {
		return err
	}
	if run.Status != domain.RebalanceRunning {
		return nil
	}

	if !success {
		c.log.Warn().
			Str("rebalance_id", rebalanceID).
			Str("ticker", ticker).
			Str("error", errMsg).
			Msg("Child analysis failed")
	}

	children, err := c.children.ListByRebalance(rebalanceID)
	if err != nil {
		return err
	}

	// Lazy admission: promote the oldest pending sibling. Start's conditional
	// pending->running flip makes concurrent promotions collapse to one.
	allDone := true
	var succeeded, failed int
	var failures []string
	for _, child := range children {
		switch {
		case child.Status == domain.AnalysisCompleted:
			succeeded++
		case child.Status == domain.AnalysisError || child.Status == domain.AnalysisCancelled:
			failed++
			if child.Metadata.ErrorReason != "" {
				failures = append(failures, child.Ticker+": "+child.Metadata.ErrorReason)
			} else {
				failures = append(failures, child.Ticker+": "+string(child.Status))
			}
		default:
			allDone = false
		}
	}
	for _, child := range children {
		if allDone {
			break
		}
		if child.Status != domain.AnalysisPending {
			continue
		}
		if err := c.analyses.Start(child.ID); err != nil {
			if errors.Is(err, domain.ErrPreconditionFailed) {
				break // a racing completion already admitted it
			}
			c.log.Error().Err(err).Str("analysis_id", child.ID).Msg("Failed to admit pending child")
		}
		break
	}

	c.log.Debug().
		Str("rebalance_id", rebalanceID).
		Int("analyzed", count).
		Int("total", run.TotalStocks).
		Msg("Child analysis accounted")

	if !allDone {
		return nil
	}

	c.setStep(rebalanceID, domain.StepParallelAnalysis, domain.AgentCompleted, map[string]interface{}{
		"succeeded": succeeded,
		"failed":    failed,
	})

	if succeeded == 0 {
		c.failRun(rebalanceID, "all analyses failed: "+strings.Join(failures, "; "))
		return nil
	}
	return c.dispatchPortfolioManager(run)
}

// dispatchPortfolioManager hands the finished batch to the rebalance
// portfolio manager. The step precondition makes the dispatch single-shot:
// only the caller that flips the step to running sends the invocation.
func (c *Coordinator) dispatchPortfolioManager(run *domain.RebalanceRun) error {
	changed, err := c.repo.SetStep(run.ID, domain.StepPortfolioManager, domain.AgentRunning, nil,
		domain.AgentStatus(""), domain.AgentPending, domain.AgentError)
	if err != nil {
		if errors.Is(err, domain.ErrPreconditionFailed) {
			return nil
		}
		return err
	}
	if !changed {
		return nil // a racing completion got there first
	}

	var apiSettings map[string]interface{}
	if settings, err := c.settings.GetUserSettings(run.UserID); err == nil {
		apiSettings = settings.APISettings
	}
	c.invoker.Invoke(funcRebalancePM, agents.Payload{
		UserID:             run.UserID,
		RebalanceRequestID: run.ID,
		APISettings:        apiSettings,
	})

	c.log.Info().Str("rebalance_id", run.ID).Msg("Rebalance portfolio manager dispatched")
	return nil
}

// Complete consumes the portfolio manager's completion callback: persist the
// plan, mark the run completed, then run the auto-trade checker.
func (c *Coordinator) Complete(rebalanceID string, plan map[string]interface{}, recommendation string) error {
	changed, err := c.repo.SetStep(rebalanceID, domain.StepPortfolioManager, domain.AgentCompleted, nil,
		domain.AgentRunning)
	if err != nil {
		if errors.Is(err, domain.ErrPreconditionFailed) {
			return nil
		}
		return err
	}
	if !changed {
		return nil // duplicate callback
	}

	run, err := c.repo.Get(rebalanceID, "")
	if err != nil {
		return err
	}

	meta := run.Metadata
	meta.Recommendation = recommendation
	now := time.Now()
	err = c.repo.ConditionalUpdateStatus(rebalanceID, domain.RebalanceRunning, domain.RebalanceCompleted, StatusPatch{
		Metadata:    &meta,
		Plan:        plan,
		CompletedAt: &now,
	})
	if errors.Is(err, domain.ErrPreconditionFailed) {
		return nil
	}
	if err != nil {
		return err
	}

	c.log.Info().
		Str("rebalance_id", rebalanceID).
		Str("recommendation", recommendation).
		Msg("Rebalance completed")

	c.events.EmitTyped(events.RebalanceCompleted, "rebalance", &events.RebalanceEventData{
		Type:        events.RebalanceCompleted,
		RebalanceID: rebalanceID,
		UserID:      run.UserID,
		Status:      string(domain.RebalanceCompleted),
	})

	c.runAutoTrade(run.UserID, rebalanceID, meta)
	return nil
}

// runAutoTrade executes approved orders when the user opted in, recording the
// outcome in metadata. Auto-trade failures never fail the rebalance.
func (c *Coordinator) runAutoTrade(userID, rebalanceID string, meta domain.RebalanceMetadata) {
	if c.trader == nil {
		return
	}
	enabled, executed, errs := c.trader.RunAutoTradeForRebalance(userID, rebalanceID)
	meta.AutoTradeEnabled = enabled
	meta.OrdersAutoExecuted = executed
	meta.AutoTradeErrors = errs
	if err := c.repo.ConditionalUpdateStatus(rebalanceID, domain.RebalanceCompleted, domain.RebalanceCompleted, StatusPatch{Metadata: &meta}); err != nil {
		c.log.Error().Err(err).Str("rebalance_id", rebalanceID).Msg("Failed to record auto-trade outcome")
	}
}

// Fail is the rebalance-error callback from agents.
func (c *Coordinator) Fail(rebalanceID, errMsg string) error {
	c.setStep(rebalanceID, domain.StepPortfolioManager, domain.AgentError, map[string]interface{}{"error": errMsg})
	c.failRun(rebalanceID, errMsg)
	return nil
}

// Retry resumes an errored rebalance. Priority order: a failed opportunity
// step restarts the whole decision pipeline; failed children retry before
// the portfolio manager; a PM-only failure re-dispatches just the PM.
func (c *Coordinator) Retry(rebalanceID, userID string) error {
	run, err := c.repo.Get(rebalanceID, userID)
	if err != nil {
		return err
	}
	if run.Status != domain.RebalanceError {
		return fmt.Errorf("retry is only valid for errored rebalances (status=%s): %w", run.Status, domain.ErrPreconditionFailed)
	}

	quotas, err := c.quotas.GetUserQuotas(run.UserID)
	if err != nil {
		return fmt.Errorf("failed to resolve quotas: %w", err)
	}

	meta := run.Metadata
	meta.ErrorMessage = ""
	if err := c.repo.ConditionalUpdateStatus(rebalanceID, domain.RebalanceError, domain.RebalanceRunning, StatusPatch{Metadata: &meta}); err != nil {
		return err
	}
	run.Status = domain.RebalanceRunning

	if step, ok := run.WorkflowSteps[domain.StepOpportunityAnalysis]; ok && step.Status == domain.AgentError {
		c.log.Info().Str("rebalance_id", rebalanceID).Msg("Retrying from decision pipeline")
		if err := c.runDecisionPipeline(run, quotas); err != nil {
			c.failRun(rebalanceID, err.Error())
			return err
		}
		return nil
	}

	children, err := c.children.ListByRebalance(rebalanceID)
	if err != nil {
		return err
	}
	var retried int
	for _, child := range children {
		if child.Status != domain.AnalysisError {
			continue
		}
		if err := c.analyses.Retry(child.ID, ""); err != nil {
			c.log.Error().Err(err).Str("analysis_id", child.ID).Msg("Failed to retry child analysis")
			continue
		}
		retried++
	}
	if retried > 0 {
		c.log.Info().Str("rebalance_id", rebalanceID).Int("retried", retried).Msg("Retrying failed child analyses")
		return nil
	}

	if step, ok := run.WorkflowSteps[domain.StepPortfolioManager]; ok && step.Status == domain.AgentError {
		for _, child := range children {
			if child.Status != domain.AnalysisCompleted {
				return fmt.Errorf("portfolio manager retry requires all analyses completed: %w", domain.ErrPreconditionFailed)
			}
		}
		return c.dispatchPortfolioManager(run)
	}

	return fmt.Errorf("nothing to retry: %w", domain.ErrPreconditionFailed)
}

// Cancel marks the rebalance and all unfinished children cancelled.
func (c *Coordinator) Cancel(rebalanceID, userID string) error {
	if err := c.repo.Cancel(rebalanceID, userID); err != nil {
		return err
	}

	children, err := c.children.ListByRebalance(rebalanceID)
	if err != nil {
		return err
	}
	for _, child := range children {
		if domain.IsAnalysisFinished(child.Status) {
			continue
		}
		// Children notify back on cancel; the parent is already cancelled so
		// those callbacks no-op.
		if err := c.analyses.Cancel(child.ID, ""); err != nil && !errors.Is(err, domain.ErrNotFound) {
			c.log.Error().Err(err).Str("analysis_id", child.ID).Msg("Failed to cancel child analysis")
		}
	}

	c.log.Info().Str("rebalance_id", rebalanceID).Msg("Rebalance cancelled")
	return nil
}

// completeNoAction finishes a run that needs no trades.
func (c *Coordinator) completeNoAction(run *domain.RebalanceRun, maxDrift float64) error {
	meta := run.Metadata
	meta.Recommendation = "no_action_needed"
	now := time.Now()
	err := c.repo.ConditionalUpdateStatus(run.ID, domain.RebalanceRunning, domain.RebalanceCompleted, StatusPatch{
		Metadata:    &meta,
		CompletedAt: &now,
	})
	if errors.Is(err, domain.ErrPreconditionFailed) {
		return nil
	}
	if err != nil {
		return err
	}

	c.log.Info().
		Str("rebalance_id", run.ID).
		Float64("max_drift_pct", maxDrift).
		Msg("Rebalance completed, no action needed")

	c.events.EmitTyped(events.RebalanceCompleted, "rebalance", &events.RebalanceEventData{
		Type:        events.RebalanceCompleted,
		RebalanceID: run.ID,
		UserID:      run.UserID,
		Status:      string(domain.RebalanceCompleted),
	})
	return nil
}

// failRun pushes the run to error through the degrading writer and emits.
func (c *Coordinator) failRun(rebalanceID, errMsg string) {
	run, err := c.repo.Get(rebalanceID, "")
	if err != nil {
		c.repo.SetError(rebalanceID, domain.RebalanceMetadata{ErrorMessage: errMsg})
		return
	}
	if run.Status == domain.RebalanceCancelled {
		return
	}
	meta := run.Metadata
	meta.ErrorMessage = errMsg
	c.repo.SetError(rebalanceID, meta)

	c.log.Warn().Str("rebalance_id", rebalanceID).Str("error", errMsg).Msg("Rebalance failed")
	c.events.EmitTyped(events.RebalanceFailed, "rebalance", &events.RebalanceEventData{
		Type:        events.RebalanceFailed,
		RebalanceID: rebalanceID,
		UserID:      run.UserID,
		Status:      string(domain.RebalanceError),
	})
}

// setStep writes a workflow step, logging instead of propagating failures:
// step bookkeeping never blocks the pipeline.
func (c *Coordinator) setStep(rebalanceID, key string, status domain.AgentStatus, details map[string]interface{}) {
	if _, err := c.repo.SetStep(rebalanceID, key, status, details); err != nil && !errors.Is(err, domain.ErrPreconditionFailed) {
		c.log.Error().Err(err).Str("rebalance_id", rebalanceID).Str("step", key).Msg("Failed to record workflow step")
	}
}

// fetchSnapshot captures the broker account state.
func (c *Coordinator) fetchSnapshot(userID string) (*domain.PortfolioSnapshot, error) {
	broker, err := c.brokers.ForUser(userID)
	if err != nil {
		return nil, err
	}
	account, err := broker.GetAccount()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch account: %w", err)
	}
	positions, err := broker.GetPositions()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch positions: %w", err)
	}

	snapshot := &domain.PortfolioSnapshot{
		Equity:    account.Equity,
		Cash:      account.Cash,
		Positions: positions,
		TakenAt:   time.Now().UTC(),
	}
	if account.Equity > 0 {
		snapshot.Weights = map[string]float64{}
		for _, p := range positions {
			snapshot.Weights[p.Symbol] = p.MarketValue / account.Equity * 100
		}
	}
	return snapshot, nil
}

// maxDriftPct returns the largest absolute unrealized P/L across positions,
// in percent. unrealized_plpc arrives as a fraction.
func maxDriftPct(snapshot *domain.PortfolioSnapshot) float64 {
	if snapshot == nil {
		return 0
	}
	var max float64
	for _, p := range snapshot.Positions {
		drift := math.Abs(p.UnrealizedPLPC) * 100
		if drift > max {
			max = drift
		}
	}
	return max
}

// dedupeTickers uppercases, trims and dedupes while keeping first-seen order
// stable for the cap cutoff.
func dedupeTickers(tickers []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range tickers {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
