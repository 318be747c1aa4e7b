// Package sweeper recovers analysis runs that stopped making progress:
// agents whose completion callback was lost leave the run idle in running
// until the sweep re-dispatches or gives up on them.
package sweeper

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradepilot/tradepilot/internal/domain"
	"github.com/tradepilot/tradepilot/internal/modules/analysis"
)

// maxReactivationAttempts caps automatic recoveries per run. Manual
// reactivations are not counted.
const maxReactivationAttempts = 3

// Sweeper finds and reactivates stale analysis runs.
type Sweeper struct {
	repo        *analysis.Repository
	coordinator *analysis.Coordinator
	threshold   time.Duration
	maxAttempts int
	log         zerolog.Logger
}

// New creates a new stale-analysis sweeper.
func New(repo *analysis.Repository, coordinator *analysis.Coordinator, threshold time.Duration, maxAttempts int, log zerolog.Logger) *Sweeper {
	if maxAttempts <= 0 {
		maxAttempts = maxReactivationAttempts
	}
	return &Sweeper{
		repo:        repo,
		coordinator: coordinator,
		threshold:   threshold,
		maxAttempts: maxAttempts,
		log:         log.With().Str("service", "stale_sweeper").Logger(),
	}
}

// Sweep runs one pass. Returns how many runs were reactivated and how many
// were retired to error.
func (s *Sweeper) Sweep() (reactivated, retired int, err error) {
	stale, err := s.repo.FindStaleRunning(s.threshold)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to query stale runs: %w", err)
	}
	if len(stale) == 0 {
		return 0, 0, nil
	}

	s.log.Info().Int("candidates", len(stale)).Msg("Stale analysis sweep started")

	for i := range stale {
		candidate := stale[i]

		// Re-verify: the run may have advanced between the query and now
		run, err := s.repo.Get(candidate.ID, "")
		if err != nil {
			continue
		}
		if run.Status != domain.AnalysisRunning || time.Since(run.UpdatedAt) < s.threshold {
			continue
		}

		if run.Metadata.ReactivationAttempts >= s.maxAttempts {
			s.retire(run)
			retired++
			continue
		}

		if err := s.reactivate(run); err != nil {
			s.fail(run, fmt.Sprintf("reactivation failed: %v", err))
			retired++
			continue
		}
		reactivated++
	}

	s.log.Info().
		Int("reactivated", reactivated).
		Int("retired", retired).
		Msg("Stale analysis sweep finished")
	return reactivated, retired, nil
}

// reactivate bumps the attempt counter, then forces a re-dispatch.
func (s *Sweeper) reactivate(run *domain.AnalysisRun) error {
	err := s.repo.UpdateMetadata(run.ID, func(m *domain.AnalysisMetadata) {
		m.ReactivationAttempts++
	})
	if err != nil {
		return fmt.Errorf("failed to count attempt: %w", err)
	}

	s.log.Info().
		Str("analysis_id", run.ID).
		Str("ticker", run.Ticker).
		Int("attempt", run.Metadata.ReactivationAttempts+1).
		Msg("Reactivating stale analysis")

	return s.coordinator.Reactivate(run.ID, "", true)
}

// retire moves a run past its attempt budget to error.
func (s *Sweeper) retire(run *domain.AnalysisRun) {
	meta := run.Metadata
	meta.MaxReactivationsReach = true
	meta.ErrorReason = fmt.Sprintf("stale after %d reactivation attempts", meta.ReactivationAttempts)
	if err := s.repo.ConditionalUpdateStatus(run.ID, domain.AnalysisRunning, domain.AnalysisError, analysis.StatusPatch{Metadata: &meta}); err != nil {
		s.log.Warn().Err(err).Str("analysis_id", run.ID).Msg("Failed to retire stale run")
		return
	}
	s.log.Warn().
		Str("analysis_id", run.ID).
		Str("ticker", run.Ticker).
		Msg("Stale analysis retired, reactivation budget exhausted")
}

// fail records a sweep-time failure on the run itself.
func (s *Sweeper) fail(run *domain.AnalysisRun, reason string) {
	meta := run.Metadata
	meta.FailureReason = reason
	if err := s.repo.ConditionalUpdateStatus(run.ID, domain.AnalysisRunning, domain.AnalysisError, analysis.StatusPatch{Metadata: &meta}); err != nil {
		s.log.Error().Err(err).Str("analysis_id", run.ID).Msg("Failed to record sweep failure")
	}
}
