package roles

import (
	"github.com/rs/zerolog"

	"github.com/tradepilot/tradepilot/internal/domain"
)

// ScheduleStore is the slice of the schedules module the consistency sweep
// needs.
type ScheduleStore interface {
	ListByUser(userID string) ([]domain.ScheduleRule, error)
	SetEnabled(id string, enabled bool) error
}

// SettingsStore is the slice of the user-settings module the sweep needs.
type SettingsStore interface {
	GetUserSettings(userID string) (*domain.UserSettings, error)
	SetAutoNearLimitAnalysis(userID string, enabled bool) error
}

// Service resolves quotas and keeps user configuration consistent with role
// downgrades.
type Service struct {
	repo      *Repository
	schedules ScheduleStore
	settings  SettingsStore
	log       zerolog.Logger
}

// NewService creates a new roles service.
func NewService(repo *Repository, schedules ScheduleStore, settings SettingsStore, log zerolog.Logger) *Service {
	return &Service{
		repo:      repo,
		schedules: schedules,
		settings:  settings,
		log:       log.With().Str("service", "roles").Logger(),
	}
}

// GetUserQuotas returns the effective limits for a user.
func (s *Service) GetUserQuotas(userID string) (domain.UserQuotas, error) {
	return s.repo.GetUserQuotas(userID)
}

// SweepConsistency walks every user with roles and disables configuration
// their current role no longer grants: schedules at a revoked resolution, and
// the auto near-limit analysis opt-in.
func (s *Service) SweepConsistency() error {
	users, err := s.repo.ListUsersWithRoles()
	if err != nil {
		return err
	}

	for _, userID := range users {
		quotas, err := s.repo.GetUserQuotas(userID)
		if err != nil {
			s.log.Error().Err(err).Str("user_id", userID).Msg("Failed to resolve quotas during sweep")
			continue
		}

		rules, err := s.schedules.ListByUser(userID)
		if err != nil {
			s.log.Error().Err(err).Str("user_id", userID).Msg("Failed to list schedules during sweep")
		}
		for _, rule := range rules {
			if !rule.Enabled {
				continue
			}
			resolution := rule.ResolutionName()
			if resolution == "" || quotas.AllowsResolution(resolution) {
				continue
			}
			if err := s.schedules.SetEnabled(rule.ID, false); err != nil {
				s.log.Error().Err(err).Str("schedule_id", rule.ID).Msg("Failed to disable schedule")
				continue
			}
			s.log.Info().
				Str("user_id", userID).
				Str("schedule_id", rule.ID).
				Str("resolution", resolution).
				Msg("Schedule disabled, role no longer grants its resolution")
		}

		if !quotas.NearLimitAnalysisAccess {
			settings, err := s.settings.GetUserSettings(userID)
			if err != nil {
				continue
			}
			if settings.AutoNearLimitAnalysis {
				if err := s.settings.SetAutoNearLimitAnalysis(userID, false); err != nil {
					s.log.Error().Err(err).Str("user_id", userID).Msg("Failed to disable near-limit analysis")
					continue
				}
				s.log.Info().Str("user_id", userID).Msg("Auto near-limit analysis disabled, role access revoked")
			}
		}
	}
	return nil
}
