package schedules

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/tradepilot/tradepilot/internal/domain"
	"github.com/tradepilot/tradepilot/internal/events"
	"github.com/tradepilot/tradepilot/internal/modules/rebalance"
)

const (
	// dueWindow looks ahead one runner period so a schedule is never missed
	// between ticks; grace tolerates a late tick.
	dueWindow = 35 * time.Minute
	dueGrace  = 5 * time.Minute
)

// RebalanceStarter is the slice of the rebalance coordinator the runner uses.
type RebalanceStarter interface {
	Start(params rebalance.StartParams) (*domain.RebalanceRun, error)
}

// SettingsProvider supplies the user preferences folded into the resolved
// constraints.
type SettingsProvider interface {
	GetUserSettings(userID string) (*domain.UserSettings, error)
}

// Runner fires due schedule rules into the rebalance coordinator.
type Runner struct {
	repo     *Repository
	starter  RebalanceStarter
	settings SettingsProvider
	events   *events.Manager
	log      zerolog.Logger
}

// NewRunner creates a new schedule runner.
func NewRunner(repo *Repository, starter RebalanceStarter, settings SettingsProvider, eventManager *events.Manager, log zerolog.Logger) *Runner {
	return &Runner{
		repo:     repo,
		starter:  starter,
		settings: settings,
		events:   eventManager,
		log:      log.With().Str("service", "schedule_runner").Logger(),
	}
}

// Run executes one runner tick: every enabled rule whose next occurrence
// falls inside the due window fires a rebalance.
func (r *Runner) Run(now time.Time) {
	rules, err := r.repo.ListEnabled()
	if err != nil {
		r.log.Error().Err(err).Msg("Failed to list schedules")
		return
	}

	horizon := now.Add(dueWindow)
	for i := range rules {
		rule := rules[i]
		next, err := NextRun(&rule, now, dueGrace)
		if err != nil {
			r.log.Error().Err(err).Str("schedule_id", rule.ID).Msg("Failed to derive next run")
			continue
		}
		if next.After(horizon) {
			continue
		}
		r.fire(&rule, next)
	}
}

// fire resolves the ticker set and constraints, starts the rebalance, and
// records the execution so the next occurrence derives from this one.
func (r *Runner) fire(rule *domain.ScheduleRule, occurrence time.Time) {
	settings, err := r.settings.GetUserSettings(rule.UserID)
	if err != nil {
		r.log.Error().Err(err).Str("schedule_id", rule.ID).Msg("Failed to load user settings")
		r.recordExecution(rule, occurrence, "", false, "failed to load user settings: "+err.Error())
		return
	}

	tickers := append([]string{}, rule.SelectedTickers...)
	if rule.IncludeWatchlist {
		tickers = append(tickers, settings.Watchlist...)
	}

	constraints := rule.Constraints
	if constraints.RebalanceThreshold <= 0 {
		constraints.RebalanceThreshold = settings.DefaultRebalanceThreshold
	}
	constraints.AutoExecuteTrades = settings.AutoExecuteTrades

	run, err := r.starter.Start(rebalance.StartParams{
		UserID:      rule.UserID,
		Tickers:     tickers,
		Constraints: constraints,
	})
	if err != nil {
		r.log.Error().Err(err).Str("schedule_id", rule.ID).Msg("Scheduled rebalance failed to start")
		r.recordExecution(rule, occurrence, "", false, err.Error())
		return
	}

	r.log.Info().
		Str("schedule_id", rule.ID).
		Str("rebalance_id", run.ID).
		Time("occurrence", occurrence).
		Msg("Scheduled rebalance started")
	r.recordExecution(rule, occurrence, run.ID, true, "")
}

// recordExecution stamps last_executed_at with the scheduled occurrence (not
// the wall clock) so the stride stays aligned, and emits the outcome.
func (r *Runner) recordExecution(rule *domain.ScheduleRule, occurrence time.Time, rebalanceID string, success bool, errMsg string) {
	if err := r.repo.MarkExecuted(rule.ID, occurrence); err != nil {
		r.log.Error().Err(err).Str("schedule_id", rule.ID).Msg("Failed to mark schedule executed")
	}
	r.events.EmitTyped(events.ScheduleTriggered, "schedules", &events.ScheduleEventData{
		ScheduleID:  rule.ID,
		UserID:      rule.UserID,
		RebalanceID: rebalanceID,
		Success:     success,
		Error:       errMsg,
	})
}
