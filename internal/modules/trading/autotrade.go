package trading

import (
	"sync"

	"github.com/tradepilot/tradepilot/internal/domain"
)

// maxAutoTradeWorkers bounds the approval fan-out when auto-trading a batch.
const maxAutoTradeWorkers = 4

// RunAutoTradeForRebalance approves the pending orders of a completed
// rebalance when the user opted into auto-execution. Returns whether the
// opt-in was set, how many orders went through, and the per-order failures.
func (e *Executor) RunAutoTradeForRebalance(userID, rebalanceID string) (enabled bool, executed int, errs []string) {
	settings, err := e.settings.GetUserSettings(userID)
	if err != nil {
		return false, 0, []string{"failed to load user settings: " + err.Error()}
	}
	if !settings.AutoExecuteTrades {
		return false, 0, nil
	}
	executed, errs = e.autoApprove(userID, domain.SourceRebalance, rebalanceID)
	return true, executed, errs
}

// RunAutoTradeForAnalysis approves the pending order of a completed
// standalone analysis when the user opted in. Fire-and-forget from the
// analysis coordinator: failures are logged, not propagated.
func (e *Executor) RunAutoTradeForAnalysis(userID, analysisID string) {
	settings, err := e.settings.GetUserSettings(userID)
	if err != nil || !settings.AutoExecuteTrades {
		return
	}
	executed, errs := e.autoApprove(userID, domain.SourceIndividualAnalysis, analysisID)
	if len(errs) > 0 {
		e.log.Warn().
			Str("analysis_id", analysisID).
			Int("executed", executed).
			Strs("errors", errs).
			Msg("Auto-trade finished with failures")
	}
}

// autoApprove dispatches approve for every pending order of a source through
// a bounded worker pool.
func (e *Executor) autoApprove(userID, sourceType, sourceID string) (executed int, errs []string) {
	orders, err := e.repo.ListPendingBySource(userID, sourceType, sourceID)
	if err != nil {
		return 0, []string{"failed to list pending orders: " + err.Error()}
	}
	if len(orders) == 0 {
		return 0, nil
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, maxAutoTradeWorkers)

	for i := range orders {
		order := orders[i]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			result, err := e.Execute(order.ID, "approve", userID, true)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				errs = append(errs, order.Ticker+": "+err.Error())
			case !result.Success:
				errs = append(errs, order.Ticker+": "+result.Error)
			default:
				executed++
			}
		}()
	}
	wg.Wait()

	e.log.Info().
		Str("source_type", sourceType).
		Str("source_id", sourceID).
		Int("executed", executed).
		Int("failed", len(errs)).
		Msg("Auto-trade pass finished")
	return executed, errs
}
