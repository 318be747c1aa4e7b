// Package analysis implements the per-ticker analysis workflow: persistence
// of analysis runs and the coordinator that drives agents through the staged
// pipeline.
package analysis

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradepilot/tradepilot/internal/database"
	"github.com/tradepilot/tradepilot/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS analysis_history (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	ticker TEXT NOT NULL,
	analysis_date TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	decision TEXT NOT NULL DEFAULT 'PENDING',
	confidence REAL NOT NULL DEFAULT 0,
	rebalance_request_id TEXT,
	full_analysis TEXT NOT NULL DEFAULT '{}',
	agent_insights TEXT NOT NULL DEFAULT '{}',
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_analysis_user ON analysis_history(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_analysis_rebalance ON analysis_history(rebalance_request_id);
CREATE INDEX IF NOT EXISTS idx_analysis_stale ON analysis_history(status, updated_at);
`

const analysisColumns = `id, user_id, ticker, analysis_date, status, decision, confidence,
	rebalance_request_id, full_analysis, agent_insights, metadata, created_at, updated_at`

// StatusPatch carries the optional fields written together with a status
// transition so the whole update stays one round-trip.
type StatusPatch struct {
	Decision   *domain.Decision
	Confidence *float64
	Metadata   *domain.AnalysisMetadata
}

// Repository handles analysis_history database operations.
// All mutations stamp updated_at; all status transitions are conditional and
// never overwrite a cancelled run.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new analysis repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "analysis").Logger(),
	}
}

// InitSchema creates the analysis tables if they do not exist.
func (r *Repository) InitSchema() error {
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create analysis schema: %w", err)
	}
	return nil
}

// Create inserts a new analysis run.
func (r *Repository) Create(run *domain.AnalysisRun) error {
	if run.FullAnalysis == nil {
		return fmt.Errorf("analysis run requires an initialized workflow-step document")
	}
	now := time.Now()
	run.CreatedAt = now
	run.UpdatedAt = now
	if run.Status == "" {
		run.Status = domain.AnalysisPending
	}
	if run.Decision == "" {
		run.Decision = domain.DecisionPending
	}

	fullJSON, err := json.Marshal(run.FullAnalysis)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow steps: %w", err)
	}
	insightsJSON, err := json.Marshal(orEmptyInsights(run.AgentInsights))
	if err != nil {
		return fmt.Errorf("failed to marshal agent insights: %w", err)
	}
	metaJSON, err := json.Marshal(run.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO analysis_history
		(id, user_id, ticker, analysis_date, status, decision, confidence,
		 rebalance_request_id, full_analysis, agent_insights, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.Exec(query,
		run.ID, run.UserID, run.Ticker, run.AnalysisDate,
		string(run.Status), string(run.Decision), run.Confidence,
		nullString(run.RebalanceRequestID),
		string(fullJSON), string(insightsJSON), string(metaJSON),
		now.Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to create analysis run: %w", err)
	}

	r.log.Info().
		Str("analysis_id", run.ID).
		Str("ticker", run.Ticker).
		Str("user_id", run.UserID).
		Msg("Analysis run created")
	return nil
}

// Get retrieves a run by id. An empty userID means service access (no
// ownership check); otherwise the run must belong to the user.
func (r *Repository) Get(id, userID string) (*domain.AnalysisRun, error) {
	query := "SELECT " + analysisColumns + " FROM analysis_history WHERE id = ?"
	args := []interface{}{id}
	if userID != "" {
		query += " AND user_id = ?"
		args = append(args, userID)
	}

	run, err := scanRun(r.db.QueryRow(query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get analysis run: %w", err)
	}
	return run, nil
}

// ConditionalUpdateStatus transitions a run from expected to next in a single
// statement. It fails with ErrPreconditionFailed when the current status
// differs, and never overwrites a cancelled run.
func (r *Repository) ConditionalUpdateStatus(id string, expected, next domain.AnalysisStatus, patch StatusPatch) error {
	set := "status = ?, updated_at = ?"
	args := []interface{}{string(next), time.Now().Unix()}

	if patch.Decision != nil {
		set += ", decision = ?"
		args = append(args, string(*patch.Decision))
	}
	if patch.Confidence != nil {
		set += ", confidence = ?"
		args = append(args, *patch.Confidence)
	}
	if patch.Metadata != nil {
		metaJSON, err := json.Marshal(patch.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata patch: %w", err)
		}
		set += ", metadata = ?"
		args = append(args, string(metaJSON))
	}

	query := "UPDATE analysis_history SET " + set +
		" WHERE id = ? AND status = ? AND status != 'cancelled'"
	args = append(args, id, string(expected))

	res, err := r.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to update analysis status: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		// Distinguish missing rows from lost races
		var exists int
		if err := r.db.QueryRow("SELECT COUNT(*) FROM analysis_history WHERE id = ?", id).Scan(&exists); err == nil && exists == 0 {
			return domain.ErrNotFound
		}
		return domain.ErrPreconditionFailed
	}
	return nil
}

// Cancel marks the run cancelled unconditionally. Cancellation always wins
// against any concurrent state-advancing write.
func (r *Repository) Cancel(id, userID string) error {
	query := "UPDATE analysis_history SET status = 'cancelled', updated_at = ? WHERE id = ?"
	args := []interface{}{time.Now().Unix(), id}
	if userID != "" {
		query += " AND user_id = ?"
		args = append(args, userID)
	}
	res, err := r.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to cancel analysis run: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// UpdateSteps performs an atomic read-modify-write of the workflow-step
// sub-document. The mutator returns false to signal a no-op (nothing is
// written). Runs that are already cancelled are never touched.
func (r *Repository) UpdateSteps(id string, mutate func(fa *domain.FullAnalysis, insights map[string]map[string]interface{}) (bool, error)) error {
	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		var status, fullJSON, insightsJSON string
		err := tx.QueryRow(
			"SELECT status, full_analysis, agent_insights FROM analysis_history WHERE id = ?", id,
		).Scan(&status, &fullJSON, &insightsJSON)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read workflow steps: %w", err)
		}
		if domain.AnalysisStatus(status) == domain.AnalysisCancelled {
			return domain.ErrPreconditionFailed
		}

		var fa domain.FullAnalysis
		if err := json.Unmarshal([]byte(fullJSON), &fa); err != nil {
			return fmt.Errorf("corrupted workflow steps for %s: %w", id, err)
		}
		insights := map[string]map[string]interface{}{}
		if err := json.Unmarshal([]byte(insightsJSON), &insights); err != nil {
			return fmt.Errorf("corrupted agent insights for %s: %w", id, err)
		}

		changed, err := mutate(&fa, insights)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}

		newFull, err := json.Marshal(&fa)
		if err != nil {
			return fmt.Errorf("failed to marshal workflow steps: %w", err)
		}
		newInsights, err := json.Marshal(insights)
		if err != nil {
			return fmt.Errorf("failed to marshal agent insights: %w", err)
		}

		_, err = tx.Exec(
			"UPDATE analysis_history SET full_analysis = ?, agent_insights = ?, updated_at = ? WHERE id = ? AND status != 'cancelled'",
			string(newFull), string(newInsights), time.Now().Unix(), id,
		)
		if err != nil {
			return fmt.Errorf("failed to write workflow steps: %w", err)
		}
		return nil
	})
}

// SetAgentStepStatus moves one agent step to newStatus. Returns changed=false
// when the step was already in a finished state (idempotent completions).
func (r *Repository) SetAgentStepStatus(id string, phase domain.Phase, agentName string, newStatus domain.AgentStatus, stepErr string) (changed bool, err error) {
	err = r.UpdateSteps(id, func(fa *domain.FullAnalysis, _ map[string]map[string]interface{}) (bool, error) {
		step := fa.Step(phase, agentName)
		if step == nil {
			return false, fmt.Errorf("unknown agent step %s/%s: %w", phase, agentName, domain.ErrNotFound)
		}
		// A racing duplicate completion sees the first write and no-ops
		if domain.IsAgentFinished(step.Status) && domain.IsAgentFinished(newStatus) {
			return false, nil
		}
		step.Status = newStatus
		step.UpdatedAt = time.Now().UTC()
		step.Error = stepErr
		if newStatus == domain.AgentCompleted {
			step.Progress = 100
			step.Error = ""
		}
		changed = true
		return true, nil
	})
	return changed, err
}

// SaveInsight merges an agent's insight document into agent_insights.
func (r *Repository) SaveInsight(id, agentName string, insight map[string]interface{}) error {
	return r.UpdateSteps(id, func(_ *domain.FullAnalysis, insights map[string]map[string]interface{}) (bool, error) {
		insights[agentName] = insight
		return true, nil
	})
}

// UpdateMetadata performs a read-modify-write of the metadata block.
func (r *Repository) UpdateMetadata(id string, mutate func(m *domain.AnalysisMetadata)) error {
	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		var metaJSON string
		err := tx.QueryRow("SELECT metadata FROM analysis_history WHERE id = ?", id).Scan(&metaJSON)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read metadata: %w", err)
		}

		var meta domain.AnalysisMetadata
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			return fmt.Errorf("corrupted metadata for %s: %w", id, err)
		}
		mutate(&meta)

		newMeta, err := json.Marshal(&meta)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		if _, err := tx.Exec(
			"UPDATE analysis_history SET metadata = ?, updated_at = ? WHERE id = ?",
			string(newMeta), time.Now().Unix(), id,
		); err != nil {
			return fmt.Errorf("failed to write metadata: %w", err)
		}
		return nil
	})
}

// ListByRebalance returns all child runs of a rebalance request, oldest first.
func (r *Repository) ListByRebalance(rebalanceID string) ([]domain.AnalysisRun, error) {
	query := "SELECT " + analysisColumns +
		" FROM analysis_history WHERE rebalance_request_id = ? ORDER BY created_at ASC, id ASC"
	rows, err := r.db.Query(query, rebalanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list child analyses: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// FindStaleRunning returns runs still marked running whose updated_at is
// older than the threshold.
func (r *Repository) FindStaleRunning(threshold time.Duration) ([]domain.AnalysisRun, error) {
	cutoff := time.Now().Add(-threshold).Unix()
	query := "SELECT " + analysisColumns +
		" FROM analysis_history WHERE status = 'running' AND updated_at < ? ORDER BY updated_at ASC"
	rows, err := r.db.Query(query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale analyses: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// Touch refreshes updated_at without any other change. Used after dispatching
// an agent so the sweeper clock restarts.
func (r *Repository) Touch(id string) error {
	_, err := r.db.Exec("UPDATE analysis_history SET updated_at = ? WHERE id = ?", time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to touch analysis run: %w", err)
	}
	return nil
}

// Delete removes a run. Cascade deletes of rebalance children go through the
// rebalance repository.
func (r *Repository) Delete(id, userID string) error {
	res, err := r.db.Exec("DELETE FROM analysis_history WHERE id = ? AND user_id = ?", id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete analysis run: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// scanRun reads one row into a domain.AnalysisRun.
func scanRun(row *sql.Row) (*domain.AnalysisRun, error) {
	var run domain.AnalysisRun
	var status, decision, fullJSON, insightsJSON, metaJSON string
	var rebalanceID sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(&run.ID, &run.UserID, &run.Ticker, &run.AnalysisDate,
		&status, &decision, &run.Confidence, &rebalanceID,
		&fullJSON, &insightsJSON, &metaJSON, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	return hydrateRun(&run, status, decision, rebalanceID, fullJSON, insightsJSON, metaJSON, createdAt, updatedAt)
}

func scanRuns(rows *sql.Rows) ([]domain.AnalysisRun, error) {
	var out []domain.AnalysisRun
	for rows.Next() {
		var run domain.AnalysisRun
		var status, decision, fullJSON, insightsJSON, metaJSON string
		var rebalanceID sql.NullString
		var createdAt, updatedAt int64

		err := rows.Scan(&run.ID, &run.UserID, &run.Ticker, &run.AnalysisDate,
			&status, &decision, &run.Confidence, &rebalanceID,
			&fullJSON, &insightsJSON, &metaJSON, &createdAt, &updatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan analysis run: %w", err)
		}
		hydrated, err := hydrateRun(&run, status, decision, rebalanceID, fullJSON, insightsJSON, metaJSON, createdAt, updatedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, *hydrated)
	}
	return out, rows.Err()
}

func hydrateRun(run *domain.AnalysisRun, status, decision string, rebalanceID sql.NullString,
	fullJSON, insightsJSON, metaJSON string, createdAt, updatedAt int64) (*domain.AnalysisRun, error) {

	run.Status = domain.AnalysisStatus(status)
	run.Decision = domain.Decision(decision)
	run.RebalanceRequestID = rebalanceID.String
	run.CreatedAt = time.Unix(createdAt, 0)
	run.UpdatedAt = time.Unix(updatedAt, 0)

	run.FullAnalysis = &domain.FullAnalysis{}
	if err := json.Unmarshal([]byte(fullJSON), run.FullAnalysis); err != nil {
		return nil, fmt.Errorf("corrupted workflow steps for %s: %w", run.ID, err)
	}
	run.AgentInsights = map[string]map[string]interface{}{}
	if err := json.Unmarshal([]byte(insightsJSON), &run.AgentInsights); err != nil {
		return nil, fmt.Errorf("corrupted agent insights for %s: %w", run.ID, err)
	}
	if err := json.Unmarshal([]byte(metaJSON), &run.Metadata); err != nil {
		return nil, fmt.Errorf("corrupted metadata for %s: %w", run.ID, err)
	}
	return run, nil
}

func orEmptyInsights(m map[string]map[string]interface{}) map[string]map[string]interface{} {
	if m == nil {
		return map[string]map[string]interface{}{}
	}
	return m
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
