package schedules

import (
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradepilot/tradepilot/internal/domain"
	"github.com/tradepilot/tradepilot/internal/events"
	"github.com/tradepilot/tradepilot/internal/modules/rebalance"
)

type fakeStarter struct {
	mu     sync.Mutex
	calls  []rebalance.StartParams
	err    error
	nextID int
}

func (f *fakeStarter) Start(params rebalance.StartParams) (*domain.RebalanceRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.nextID++
	f.calls = append(f.calls, params)
	return &domain.RebalanceRun{ID: uuid.New().String(), UserID: params.UserID}, nil
}

func (f *fakeStarter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type stubSettings struct {
	settings domain.UserSettings
}

func (s stubSettings) GetUserSettings(userID string) (*domain.UserSettings, error) {
	cp := s.settings
	cp.UserID = userID
	return &cp, nil
}

func setupRunner(t *testing.T, starter *fakeStarter, settings domain.UserSettings) (*Runner, *Repository) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := zerolog.Nop()
	repo := NewRepository(db, log)
	require.NoError(t, repo.InitSchema())

	runner := NewRunner(repo, starter, stubSettings{settings: settings}, events.NewManager(log), log)
	return runner, repo
}

func dailyRule(userID string) *domain.ScheduleRule {
	return &domain.ScheduleRule{
		UserID:          userID,
		Enabled:         true,
		IntervalValue:   1,
		IntervalUnit:    "days",
		TimeOfDay:       "09:00",
		Timezone:        "UTC",
		SelectedTickers: []string{"AAPL"},
	}
}

func TestRunnerFiresDueRule(t *testing.T) {
	starter := &fakeStarter{}
	runner, repo := setupRunner(t, starter, domain.UserSettings{
		Watchlist:                 []string{"SPY"},
		DefaultRebalanceThreshold: 10,
		AutoExecuteTrades:         true,
	})

	rule := dailyRule("user-1")
	rule.IncludeWatchlist = true
	require.NoError(t, repo.Create(rule))
	require.NoError(t, repo.MarkExecuted(rule.ID, utc(2026, time.March, 1, 9, 0)))

	runner.Run(utc(2026, time.March, 2, 8, 50))

	require.Equal(t, 1, starter.count())
	params := starter.calls[0]
	assert.Equal(t, "user-1", params.UserID)
	assert.Equal(t, []string{"AAPL", "SPY"}, params.Tickers)
	assert.Equal(t, 10.0, params.Constraints.RebalanceThreshold)
	assert.True(t, params.Constraints.AutoExecuteTrades)

	// last_executed_at carries the scheduled occurrence, not the wall clock.
	stored, err := repo.Get(rule.ID, "user-1")
	require.NoError(t, err)
	require.NotNil(t, stored.LastExecutedAt)
	assert.True(t, stored.LastExecutedAt.Equal(utc(2026, time.March, 2, 9, 0)))

	// The next occurrence is a day out: the same tick must not double-fire.
	runner.Run(utc(2026, time.March, 2, 8, 50))
	assert.Equal(t, 1, starter.count())
}

func TestRunnerSkipsRuleOutsideWindow(t *testing.T) {
	starter := &fakeStarter{}
	runner, repo := setupRunner(t, starter, domain.UserSettings{})

	rule := dailyRule("user-1")
	require.NoError(t, repo.Create(rule))
	require.NoError(t, repo.MarkExecuted(rule.ID, utc(2026, time.March, 2, 9, 0)))

	// Tomorrow 09:00 is far beyond the 35 minute window.
	runner.Run(utc(2026, time.March, 2, 10, 0))
	assert.Equal(t, 0, starter.count())
}

func TestRunnerKeepsRuleConstraints(t *testing.T) {
	starter := &fakeStarter{}
	runner, repo := setupRunner(t, starter, domain.UserSettings{
		DefaultRebalanceThreshold: 10,
	})

	rule := dailyRule("user-1")
	rule.Constraints.RebalanceThreshold = 25
	require.NoError(t, repo.Create(rule))
	require.NoError(t, repo.MarkExecuted(rule.ID, utc(2026, time.March, 1, 9, 0)))

	runner.Run(utc(2026, time.March, 2, 8, 50))

	require.Equal(t, 1, starter.count())
	assert.Equal(t, 25.0, starter.calls[0].Constraints.RebalanceThreshold)
}

func TestRunnerRecordsFailedStart(t *testing.T) {
	starter := &fakeStarter{err: errors.New("quota exhausted")}
	runner, repo := setupRunner(t, starter, domain.UserSettings{})

	rule := dailyRule("user-1")
	require.NoError(t, repo.Create(rule))
	require.NoError(t, repo.MarkExecuted(rule.ID, utc(2026, time.March, 1, 9, 0)))

	runner.Run(utc(2026, time.March, 2, 8, 50))

	// The occurrence is consumed even on failure: no retry storm next tick.
	stored, err := repo.Get(rule.ID, "user-1")
	require.NoError(t, err)
	require.NotNil(t, stored.LastExecutedAt)
	assert.True(t, stored.LastExecutedAt.Equal(utc(2026, time.March, 2, 9, 0)))
	assert.Equal(t, 0, starter.count())
}
