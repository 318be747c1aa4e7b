package sweeper

import (
	"database/sql"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradepilot/tradepilot/internal/agents"
	"github.com/tradepilot/tradepilot/internal/domain"
	"github.com/tradepilot/tradepilot/internal/events"
	"github.com/tradepilot/tradepilot/internal/modules/analysis"
)

type fakeInvoker struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeInvoker) Invoke(functionName string, payload agents.Payload) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, functionName)
}

func (f *fakeInvoker) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type stubSettings struct{}

func (stubSettings) GetUserSettings(userID string) (*domain.UserSettings, error) {
	return &domain.UserSettings{UserID: userID}, nil
}

type stubQuotas struct{}

func (stubQuotas) GetUserQuotas(userID string) (domain.UserQuotas, error) {
	return domain.DefaultQuotas(), nil
}

func setupSweeper(t *testing.T) (*Sweeper, *analysis.Repository, *analysis.Coordinator, *fakeInvoker, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := zerolog.Nop()
	repo := analysis.NewRepository(db, log)
	require.NoError(t, repo.InitSchema())

	inv := &fakeInvoker{}
	coordinator := analysis.NewCoordinator(repo, inv, stubSettings{}, stubQuotas{}, events.NewManager(log), 210*time.Second, log)
	sw := New(repo, coordinator, 210*time.Second, 3, log)
	return sw, repo, coordinator, inv, db
}

func startRunningAnalysis(t *testing.T, coordinator *analysis.Coordinator) *domain.AnalysisRun {
	t.Helper()
	run, err := coordinator.CreateRun("user-1", "AAPL", "", nil)
	require.NoError(t, err)
	require.NoError(t, coordinator.Start(run.ID))
	return run
}

func backdate(t *testing.T, db *sql.DB, analysisID string, age time.Duration) {
	t.Helper()
	_, err := db.Exec("UPDATE analysis_history SET updated_at = ? WHERE id = ?",
		time.Now().Add(-age).Unix(), analysisID)
	require.NoError(t, err)
}

func TestSweepReactivatesStaleRun(t *testing.T) {
	sw, repo, coordinator, inv, db := setupSweeper(t)

	run := startRunningAnalysis(t, coordinator)
	dispatched := inv.count()
	backdate(t, db, run.ID, 10*time.Minute)

	reactivated, retired, err := sw.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, reactivated)
	assert.Equal(t, 0, retired)

	got, err := repo.Get(run.ID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.AnalysisRunning, got.Status)
	assert.Equal(t, 1, got.Metadata.ReactivationAttempts)
	assert.Greater(t, inv.count(), dispatched, "reactivation re-dispatches the stuck agent")
}

func TestSweepRetiresRunPastAttemptBudget(t *testing.T) {
	sw, repo, coordinator, _, db := setupSweeper(t)

	run := startRunningAnalysis(t, coordinator)
	require.NoError(t, repo.UpdateMetadata(run.ID, func(m *domain.AnalysisMetadata) {
		m.ReactivationAttempts = 3
	}))
	backdate(t, db, run.ID, 10*time.Minute)

	reactivated, retired, err := sw.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 0, reactivated)
	assert.Equal(t, 1, retired)

	got, err := repo.Get(run.ID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.AnalysisError, got.Status)
	assert.True(t, got.Metadata.MaxReactivationsReach)
	assert.Contains(t, got.Metadata.ErrorReason, "3 reactivation attempts")
}

func TestSweepSkipsFreshRuns(t *testing.T) {
	sw, repo, coordinator, _, _ := setupSweeper(t)

	run := startRunningAnalysis(t, coordinator)

	reactivated, retired, err := sw.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 0, reactivated)
	assert.Equal(t, 0, retired)

	got, err := repo.Get(run.ID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.AnalysisRunning, got.Status)
	assert.Zero(t, got.Metadata.ReactivationAttempts)
}

func TestSweepIgnoresFinishedRuns(t *testing.T) {
	sw, repo, coordinator, _, db := setupSweeper(t)

	run := startRunningAnalysis(t, coordinator)
	require.NoError(t, repo.Cancel(run.ID, ""))
	backdate(t, db, run.ID, 10*time.Minute)

	reactivated, retired, err := sw.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 0, reactivated)
	assert.Equal(t, 0, retired)

	got, err := repo.Get(run.ID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.AnalysisCancelled, got.Status)
}
