// Package rebalance implements portfolio rebalancing: persistence of
// rebalance requests and the coordinator that fans analyses out across the
// selected tickers and folds the results into a rebalance plan.
package rebalance

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tradepilot/tradepilot/internal/database"
	"github.com/tradepilot/tradepilot/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS rebalance_requests (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	target_allocations TEXT NOT NULL DEFAULT '{}',
	portfolio_snapshot BLOB,
	constraints TEXT NOT NULL DEFAULT '{}',
	selected_stocks TEXT NOT NULL DEFAULT '[]',
	analysis_ids TEXT NOT NULL DEFAULT '[]',
	total_stocks INTEGER NOT NULL DEFAULT 0,
	stocks_analyzed INTEGER NOT NULL DEFAULT 0,
	workflow_steps TEXT NOT NULL DEFAULT '{}',
	opportunity_evaluation TEXT,
	rebalance_plan TEXT,
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	completed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_rebalance_user ON rebalance_requests(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_rebalance_status ON rebalance_requests(status, updated_at);
`

const rebalanceColumns = `id, user_id, status, target_allocations, portfolio_snapshot, constraints,
	selected_stocks, analysis_ids, total_stocks, stocks_analyzed, workflow_steps,
	opportunity_evaluation, rebalance_plan, metadata, created_at, updated_at, completed_at`

// StatusPatch carries the optional fields written together with a status
// transition.
type StatusPatch struct {
	Metadata    *domain.RebalanceMetadata
	Plan        map[string]interface{}
	CompletedAt *time.Time
}

// Repository handles rebalance_requests database operations.
// The portfolio snapshot is stored as a msgpack blob; everything else
// structured is JSON.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new rebalance repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "rebalance").Logger(),
	}
}

// InitSchema creates the rebalance tables if they do not exist.
func (r *Repository) InitSchema() error {
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create rebalance schema: %w", err)
	}
	return nil
}

// Create inserts a new rebalance request.
func (r *Repository) Create(run *domain.RebalanceRun) error {
	now := time.Now()
	run.CreatedAt = now
	run.UpdatedAt = now
	if run.Status == "" {
		run.Status = domain.RebalancePending
	}
	if run.WorkflowSteps == nil {
		run.WorkflowSteps = map[string]domain.RebalanceStep{}
	}

	allocJSON, err := json.Marshal(orEmptyMap(run.TargetAllocations))
	if err != nil {
		return fmt.Errorf("failed to marshal target allocations: %w", err)
	}
	constraintsJSON, err := json.Marshal(run.Constraints)
	if err != nil {
		return fmt.Errorf("failed to marshal constraints: %w", err)
	}
	stocksJSON, err := json.Marshal(orEmptyList(run.SelectedStocks))
	if err != nil {
		return fmt.Errorf("failed to marshal selected stocks: %w", err)
	}
	idsJSON, err := json.Marshal(orEmptyList(run.AnalysisIDs))
	if err != nil {
		return fmt.Errorf("failed to marshal analysis ids: %w", err)
	}
	stepsJSON, err := json.Marshal(run.WorkflowSteps)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow steps: %w", err)
	}
	metaJSON, err := json.Marshal(run.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	var snapshot interface{}
	if run.PortfolioSnapshot != nil {
		blob, err := msgpack.Marshal(run.PortfolioSnapshot)
		if err != nil {
			return fmt.Errorf("failed to encode portfolio snapshot: %w", err)
		}
		snapshot = blob
	}

	query := `
		INSERT INTO rebalance_requests
		(id, user_id, status, target_allocations, portfolio_snapshot, constraints,
		 selected_stocks, analysis_ids, total_stocks, stocks_analyzed, workflow_steps,
		 metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.Exec(query,
		run.ID, run.UserID, string(run.Status),
		string(allocJSON), snapshot, string(constraintsJSON),
		string(stocksJSON), string(idsJSON), run.TotalStocks, run.StocksAnalyzed,
		string(stepsJSON), string(metaJSON), now.Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to create rebalance request: %w", err)
	}

	r.log.Info().
		Str("rebalance_id", run.ID).
		Str("user_id", run.UserID).
		Msg("Rebalance request created")
	return nil
}

// Get retrieves a request by id. An empty userID means service access.
func (r *Repository) Get(id, userID string) (*domain.RebalanceRun, error) {
	query := "SELECT " + rebalanceColumns + " FROM rebalance_requests WHERE id = ?"
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
		return nil, fmt.Errorf("failed to get rebalance request: %w", err)
	}
	return run, nil
}

// ConditionalUpdateStatus transitions a request from expected to next in a
// single statement, never overwriting a cancelled request.
func (r *Repository) ConditionalUpdateStatus(id string, expected, next domain.RebalanceStatus, patch StatusPatch) error {
	set := "status = ?, updated_at = ?"
	args := []interface{}{string(next), time.Now().Unix()}

	if patch.Metadata != nil {
		metaJSON, err := json.Marshal(patch.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata patch: %w", err)
		}
		set += ", metadata = ?"
		args = append(args, string(metaJSON))
	}
	if patch.Plan != nil {
		planJSON, err := json.Marshal(patch.Plan)
		if err != nil {
			return fmt.Errorf("failed to marshal rebalance plan: %w", err)
		}
		set += ", rebalance_plan = ?"
		args = append(args, string(planJSON))
	}
	if patch.CompletedAt != nil {
		set += ", completed_at = ?"
		args = append(args, patch.CompletedAt.Unix())
	}

	query := "UPDATE rebalance_requests SET " + set +
		" WHERE id = ? AND status = ? AND status != 'cancelled'"
	args = append(args, id, string(expected))

	res, err := r.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to update rebalance status: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		var exists int
		if err := r.db.QueryRow("SELECT COUNT(*) FROM rebalance_requests WHERE id = ?", id).Scan(&exists); err == nil && exists == 0 {
			return domain.ErrNotFound
		}
		return domain.ErrPreconditionFailed
	}
	return nil
}

// Cancel marks the request cancelled unconditionally.
func (r *Repository) Cancel(id, userID string) error {
	query := "UPDATE rebalance_requests SET status = 'cancelled', updated_at = ? WHERE id = ?"
	args := []interface{}{time.Now().Unix(), id}
	if userID != "" {
		query += " AND user_id = ?"
		args = append(args, userID)
	}
	res, err := r.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to cancel rebalance request: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetStep upserts one workflow step inside the step document. The mutation is
// transactional and refuses cancelled requests. expectedStatuses, when
// non-empty, guards the write: the current step status (or absence, matched
// by "") must be listed, otherwise changed=false. That guard is what keeps
// the portfolio-manager dispatch single-shot under racing child completions.
func (r *Repository) SetStep(id, key string, newStatus domain.AgentStatus, details map[string]interface{}, expectedStatuses ...domain.AgentStatus) (changed bool, err error) {
	err = database.WithTransaction(r.db, func(tx *sql.Tx) error {
		var status, stepsJSON string
		err := tx.QueryRow("SELECT status, workflow_steps FROM rebalance_requests WHERE id = ?", id).Scan(&status, &stepsJSON)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read workflow steps: %w", err)
		}
		if domain.RebalanceStatus(status) == domain.RebalanceCancelled {
			return domain.ErrPreconditionFailed
		}

		steps := map[string]domain.RebalanceStep{}
		if err := json.Unmarshal([]byte(stepsJSON), &steps); err != nil {
			return fmt.Errorf("corrupted workflow steps for %s: %w", id, err)
		}

		if len(expectedStatuses) > 0 {
			current := domain.AgentStatus("")
			if step, ok := steps[key]; ok {
				current = step.Status
			}
			matched := false
			for _, want := range expectedStatuses {
				if current == want {
					matched = true
					break
				}
			}
			if !matched {
				return nil
			}
		}

		steps[key] = domain.RebalanceStep{
			Status:    newStatus,
			UpdatedAt: time.Now().UTC(),
			Details:   details,
		}
		newSteps, err := json.Marshal(steps)
		if err != nil {
			return fmt.Errorf("failed to marshal workflow steps: %w", err)
		}
		if _, err := tx.Exec(
			"UPDATE rebalance_requests SET workflow_steps = ?, updated_at = ? WHERE id = ? AND status != 'cancelled'",
			string(newSteps), time.Now().Unix(), id,
		); err != nil {
			return fmt.Errorf("failed to write workflow steps: %w", err)
		}
		changed = true
		return nil
	})
	return changed, err
}

// SetSelection records the fan-out result: selected tickers, child analysis
// ids, and the completion denominator.
func (r *Repository) SetSelection(id string, stocks, analysisIDs []string, opportunity *domain.OpportunityEvaluation) error {
	stocksJSON, err := json.Marshal(orEmptyList(stocks))
	if err != nil {
		return fmt.Errorf("failed to marshal selected stocks: %w", err)
	}
	idsJSON, err := json.Marshal(orEmptyList(analysisIDs))
	if err != nil {
		return fmt.Errorf("failed to marshal analysis ids: %w", err)
	}

	var oppJSON interface{}
	if opportunity != nil {
		b, err := json.Marshal(opportunity)
		if err != nil {
			return fmt.Errorf("failed to marshal opportunity evaluation: %w", err)
		}
		oppJSON = string(b)
	}

	_, err = r.db.Exec(`
		UPDATE rebalance_requests
		SET selected_stocks = ?, analysis_ids = ?, total_stocks = ?,
		    opportunity_evaluation = COALESCE(?, opportunity_evaluation), updated_at = ?
		WHERE id = ? AND status != 'cancelled'
	`, string(stocksJSON), string(idsJSON), len(analysisIDs), oppJSON, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to record stock selection: %w", err)
	}
	return nil
}

// IncrementStocksAnalyzed atomically bumps the completion counter and returns
// the new value. Concurrent child completions each observe a distinct count,
// so exactly one caller sees count == total.
func (r *Repository) IncrementStocksAnalyzed(id string) (int, error) {
	var count int
	err := r.db.QueryRow(`
		UPDATE rebalance_requests
		SET stocks_analyzed = stocks_analyzed + 1, updated_at = ?
		WHERE id = ? AND status != 'cancelled'
		RETURNING stocks_analyzed
	`, time.Now().Unix(), id).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrPreconditionFailed
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment analysis counter: %w", err)
	}
	return count, nil
}

// SetError transitions the request to error with degrading writes: the full
// metadata first, a plain message on marshal trouble, and a bare status flip
// as the floor. A rebalance must never be left running because its error
// report could not be persisted.
func (r *Repository) SetError(id string, meta domain.RebalanceMetadata) {
	now := time.Now().Unix()

	if metaJSON, err := json.Marshal(meta); err == nil {
		_, err = r.db.Exec(
			"UPDATE rebalance_requests SET status = 'error', metadata = ?, updated_at = ? WHERE id = ? AND status != 'cancelled'",
			string(metaJSON), now, id,
		)
		if err == nil {
			return
		}
		r.log.Error().Err(err).Str("rebalance_id", id).Msg("Full error write failed, degrading")
	}

	simple, _ := json.Marshal(map[string]string{"error_message": meta.ErrorMessage})
	if _, err := r.db.Exec(
		"UPDATE rebalance_requests SET status = 'error', metadata = ?, updated_at = ? WHERE id = ? AND status != 'cancelled'",
		string(simple), now, id,
	); err == nil {
		return
	}

	if _, err := r.db.Exec(
		"UPDATE rebalance_requests SET status = 'error', updated_at = ? WHERE id = ? AND status != 'cancelled'",
		now, id,
	); err != nil {
		r.log.Error().Err(err).Str("rebalance_id", id).Msg("Minimal error write failed, request may be stuck running")
	}
}

// ListByUser returns the user's requests, newest first.
func (r *Repository) ListByUser(userID string, limit int) ([]domain.RebalanceRun, error) {
	if limit <= 0 {
		limit = 50
	}
	query := "SELECT " + rebalanceColumns +
		" FROM rebalance_requests WHERE user_id = ? ORDER BY created_at DESC LIMIT ?"
	rows, err := r.db.Query(query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list rebalance requests: %w", err)
	}
	defer rows.Close()

	var out []domain.RebalanceRun
	for rows.Next() {
		run, err := scanRunFromRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row *sql.Row) (*domain.RebalanceRun, error)       { return scanAny(row) }
func scanRunFromRows(rows *sql.Rows) (*domain.RebalanceRun, error) { return scanAny(rows) }

func scanAny(row rowScanner) (*domain.RebalanceRun, error) {
	var run domain.RebalanceRun
	var status, allocJSON, constraintsJSON, stocksJSON, idsJSON, stepsJSON, metaJSON string
	var oppJSON, planJSON sql.NullString
	var snapshot []byte
	var createdAt, updatedAt int64
	var completedAt sql.NullInt64

	err := row.Scan(&run.ID, &run.UserID, &status, &allocJSON, &snapshot, &constraintsJSON,
		&stocksJSON, &idsJSON, &run.TotalStocks, &run.StocksAnalyzed, &stepsJSON,
		&oppJSON, &planJSON, &metaJSON, &createdAt, &updatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	run.Status = domain.RebalanceStatus(status)
	run.CreatedAt = time.Unix(createdAt, 0)
	run.UpdatedAt = time.Unix(updatedAt, 0)
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0)
		run.CompletedAt = &t
	}

	if err := json.Unmarshal([]byte(allocJSON), &run.TargetAllocations); err != nil {
		return nil, fmt.Errorf("corrupted target allocations for %s: %w", run.ID, err)
	}
	if err := json.Unmarshal([]byte(constraintsJSON), &run.Constraints); err != nil {
		return nil, fmt.Errorf("corrupted constraints for %s: %w", run.ID, err)
	}
	if err := json.Unmarshal([]byte(stocksJSON), &run.SelectedStocks); err != nil {
		return nil, fmt.Errorf("corrupted selected stocks for %s: %w", run.ID, err)
	}
	if err := json.Unmarshal([]byte(idsJSON), &run.AnalysisIDs); err != nil {
		return nil, fmt.Errorf("corrupted analysis ids for %s: %w", run.ID, err)
	}
	if err := json.Unmarshal([]byte(stepsJSON), &run.WorkflowSteps); err != nil {
		return nil, fmt.Errorf("corrupted workflow steps for %s: %w", run.ID, err)
	}
	if err := json.Unmarshal([]byte(metaJSON), &run.Metadata); err != nil {
		return nil, fmt.Errorf("corrupted metadata for %s: %w", run.ID, err)
	}
	if oppJSON.Valid && oppJSON.String != "" {
		run.OpportunityEvaluation = &domain.OpportunityEvaluation{}
		if err := json.Unmarshal([]byte(oppJSON.String), run.OpportunityEvaluation); err != nil {
			return nil, fmt.Errorf("corrupted opportunity evaluation for %s: %w", run.ID, err)
		}
	}
	if planJSON.Valid && planJSON.String != "" {
		if err := json.Unmarshal([]byte(planJSON.String), &run.RebalancePlan); err != nil {
			return nil, fmt.Errorf("corrupted rebalance plan for %s: %w", run.ID, err)
		}
	}
	if len(snapshot) > 0 {
		run.PortfolioSnapshot = &domain.PortfolioSnapshot{}
		if err := msgpack.Unmarshal(snapshot, run.PortfolioSnapshot); err != nil {
			return nil, fmt.Errorf("corrupted portfolio snapshot for %s: %w", run.ID, err)
		}
	}
	return &run, nil
}

func orEmptyMap(m map[string]float64) map[string]float64 {
	if m == nil {
		return map[string]float64{}
	}
	return m
}

func orEmptyList(l []string) []string {
	if l == nil {
		return []string{}
	}
	return l
}
