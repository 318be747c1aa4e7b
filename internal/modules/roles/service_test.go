package roles

import (
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradepilot/tradepilot/internal/domain"
	"github.com/tradepilot/tradepilot/internal/modules/schedules"
)

type stubSettingsStore struct {
	settings map[string]*domain.UserSettings
	disabled []string
}

func (s *stubSettingsStore) GetUserSettings(userID string) (*domain.UserSettings, error) {
	if st, ok := s.settings[userID]; ok {
		cp := *st
		return &cp, nil
	}
	return &domain.UserSettings{UserID: userID}, nil
}

func (s *stubSettingsStore) SetAutoNearLimitAnalysis(userID string, enabled bool) error {
	if !enabled {
		s.disabled = append(s.disabled, userID)
	}
	if st, ok := s.settings[userID]; ok {
		st.AutoNearLimitAnalysis = enabled
	}
	return nil
}

func setupRoles(t *testing.T) (*Service, *Repository, *schedules.Repository, *stubSettingsStore) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := zerolog.Nop()
	repo := NewRepository(db, log)
	require.NoError(t, repo.InitSchema())
	scheduleRepo := schedules.NewRepository(db, log)
	require.NoError(t, scheduleRepo.InitSchema())

	settings := &stubSettingsStore{settings: map[string]*domain.UserSettings{}}
	service := NewService(repo, scheduleRepo, settings, log)
	return service, repo, scheduleRepo, settings
}

func TestQuotasDefaultWithoutRole(t *testing.T) {
	service, _, _, _ := setupRoles(t)

	quotas, err := service.GetUserQuotas("nobody")
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultQuotas(), quotas)
}

func TestHighestPriorityRoleWins(t *testing.T) {
	service, repo, _, _ := setupRoles(t)

	require.NoError(t, repo.UpsertRoleLimits("basic", 1, domain.UserQuotas{
		MaxParallelAnalysis: 1,
		MaxRebalanceStocks:  5,
		ScheduleResolution:  "Month",
		MaxDebateRounds:     1,
	}))
	require.NoError(t, repo.UpsertRoleLimits("pro", 10, domain.UserQuotas{
		MaxParallelAnalysis: 4,
		MaxRebalanceStocks:  20,
		ScheduleResolution:  "Day,Week,Month",
		RebalanceAccess:     true,
		MaxDebateRounds:     2,
	}))
	require.NoError(t, repo.AssignRole("user-1", "basic", nil))
	require.NoError(t, repo.AssignRole("user-1", "pro", nil))

	quotas, err := service.GetUserQuotas("user-1")
	require.NoError(t, err)
	assert.Equal(t, 4, quotas.MaxParallelAnalysis)
	assert.Equal(t, 20, quotas.MaxRebalanceStocks)
	assert.True(t, quotas.RebalanceAccess)
	assert.True(t, quotas.AllowsResolution("Day"))
}

func TestExpiredRoleFallsBackToDefaults(t *testing.T) {
	service, repo, _, _ := setupRoles(t)

	require.NoError(t, repo.UpsertRoleLimits("pro", 10, domain.UserQuotas{
		MaxParallelAnalysis: 4,
		ScheduleResolution:  "Day,Week,Month",
		RebalanceAccess:     true,
	}))
	expired := time.Now().Add(-time.Hour)
	require.NoError(t, repo.AssignRole("user-1", "pro", &expired))

	quotas, err := service.GetUserQuotas("user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultQuotas(), quotas)
}

func TestSweepDisablesSchedulesAtRevokedResolution(t *testing.T) {
	service, repo, scheduleRepo, _ := setupRoles(t)

	require.NoError(t, repo.UpsertRoleLimits("basic", 1, domain.UserQuotas{
		MaxParallelAnalysis: 1,
		ScheduleResolution:  "Month",
	}))
	require.NoError(t, repo.AssignRole("user-1", "basic", nil))

	daily := &domain.ScheduleRule{
		UserID: "user-1", Enabled: true,
		IntervalValue: 1, IntervalUnit: "days", TimeOfDay: "09:00",
	}
	monthly := &domain.ScheduleRule{
		UserID: "user-1", Enabled: true,
		IntervalValue: 1, IntervalUnit: "months", TimeOfDay: "09:00",
	}
	require.NoError(t, scheduleRepo.Create(daily))
	require.NoError(t, scheduleRepo.Create(monthly))

	require.NoError(t, service.SweepConsistency())

	got, err := scheduleRepo.Get(daily.ID, "user-1")
	require.NoError(t, err)
	assert.False(t, got.Enabled, "daily schedule exceeds the Month-only resolution")

	got, err = scheduleRepo.Get(monthly.ID, "user-1")
	require.NoError(t, err)
	assert.True(t, got.Enabled)
}

func TestSweepDisablesNearLimitOptIn(t *testing.T) {
	service, repo, _, settings := setupRoles(t)

	require.NoError(t, repo.UpsertRoleLimits("basic", 1, domain.UserQuotas{
		ScheduleResolution: "Month",
	}))
	require.NoError(t, repo.AssignRole("user-1", "basic", nil))
	settings.settings["user-1"] = &domain.UserSettings{
		UserID:                "user-1",
		AutoNearLimitAnalysis: true,
	}

	require.NoError(t, service.SweepConsistency())
	assert.Equal(t, []string{"user-1"}, settings.disabled)

	// A second pass is a no-op once the opt-in is off.
	require.NoError(t, service.SweepConsistency())
	assert.Equal(t, []string{"user-1"}, settings.disabled)
}
