// Package roles implements role-based quota resolution: users are assigned
// roles, roles carry limits, and the highest-priority active role wins.
package roles

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradepilot/tradepilot/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS role_limits (
	role_name TEXT PRIMARY KEY,
	priority INTEGER NOT NULL DEFAULT 0,
	max_parallel_analysis INTEGER NOT NULL DEFAULT 1,
	max_rebalance_stocks INTEGER NOT NULL DEFAULT 5,
	schedule_resolution TEXT NOT NULL DEFAULT 'Month',
	rebalance_access INTEGER NOT NULL DEFAULT 0,
	opportunity_agent_access INTEGER NOT NULL DEFAULT 0,
	enable_live_trading INTEGER NOT NULL DEFAULT 0,
	enable_auto_trading INTEGER NOT NULL DEFAULT 0,
	max_debate_rounds INTEGER NOT NULL DEFAULT 2,
	near_limit_analysis_access INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS user_roles (
	user_id TEXT NOT NULL,
	role_name TEXT NOT NULL,
	active INTEGER NOT NULL DEFAULT 1,
	expires_at INTEGER,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (user_id, role_name)
);
CREATE INDEX IF NOT EXISTS idx_user_roles_user ON user_roles(user_id, active);
`

// Repository handles user_roles and role_limits database operations.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new roles repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "roles").Logger(),
	}
}

// InitSchema creates the role tables if they do not exist.
func (r *Repository) InitSchema() error {
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create roles schema: %w", err)
	}
	return nil
}

// GetUserQuotas resolves the effective limits for a user: the limits of the
// highest-priority active, non-expired role, or the safe defaults when the
// user has none.
func (r *Repository) GetUserQuotas(userID string) (domain.UserQuotas, error) {
	query := `
		SELECT rl.max_parallel_analysis, rl.max_rebalance_stocks, rl.schedule_resolution,
		       rl.rebalance_access, rl.opportunity_agent_access, rl.enable_live_trading,
		       rl.enable_auto_trading, rl.max_debate_rounds, rl.near_limit_analysis_access
		FROM user_roles ur
		JOIN role_limits rl ON rl.role_name = ur.role_name
		WHERE ur.user_id = ? AND ur.active = 1
		  AND (ur.expires_at IS NULL OR ur.expires_at > ?)
		ORDER BY rl.priority DESC
		LIMIT 1
	`
	var q domain.UserQuotas
	err := r.db.QueryRow(query, userID, time.Now().Unix()).Scan(
		&q.MaxParallelAnalysis, &q.MaxRebalanceStocks, &q.ScheduleResolution,
		&q.RebalanceAccess, &q.OpportunityAgentAccess, &q.EnableLiveTrading,
		&q.EnableAutoTrading, &q.MaxDebateRounds, &q.NearLimitAnalysisAccess,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DefaultQuotas(), nil
	}
	if err != nil {
		return domain.DefaultQuotas(), fmt.Errorf("failed to resolve quotas: %w", err)
	}
	return q, nil
}

// AssignRole grants a role to a user.
func (r *Repository) AssignRole(userID, roleName string, expiresAt *time.Time) error {
	var expires interface{}
	if expiresAt != nil {
		expires = expiresAt.Unix()
	}
	_, err := r.db.Exec(`
		INSERT INTO user_roles (user_id, role_name, active, expires_at, created_at)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(user_id, role_name) DO UPDATE SET active = 1, expires_at = excluded.expires_at
	`, userID, roleName, expires, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to assign role: %w", err)
	}
	return nil
}

// UpsertRoleLimits writes one role definition.
func (r *Repository) UpsertRoleLimits(roleName string, priority int, q domain.UserQuotas) error {
	_, err := r.db.Exec(`
		INSERT INTO role_limits
		(role_name, priority, max_parallel_analysis, max_rebalance_stocks, schedule_resolution,
		 rebalance_access, opportunity_agent_access, enable_live_trading, enable_auto_trading,
		 max_debate_rounds, near_limit_analysis_access)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(role_name) DO UPDATE SET
			priority = excluded.priority,
			max_parallel_analysis = excluded.max_parallel_analysis,
			max_rebalance_stocks = excluded.max_rebalance_stocks,
			schedule_resolution = excluded.schedule_resolution,
			rebalance_access = excluded.rebalance_access,
			opportunity_agent_access = excluded.opportunity_agent_access,
			enable_live_trading = excluded.enable_live_trading,
			enable_auto_trading = excluded.enable_auto_trading,
			max_debate_rounds = excluded.max_debate_rounds,
			near_limit_analysis_access = excluded.near_limit_analysis_access
	`, roleName, priority, q.MaxParallelAnalysis, q.MaxRebalanceStocks, q.ScheduleResolution,
		q.RebalanceAccess, q.OpportunityAgentAccess, q.EnableLiveTrading, q.EnableAutoTrading,
		q.MaxDebateRounds, q.NearLimitAnalysisAccess)
	if err != nil {
		return fmt.Errorf("failed to upsert role limits: %w", err)
	}
	return nil
}

// ListUsersWithRoles returns the distinct user ids that have any role row.
// Drives the consistency sweep.
func (r *Repository) ListUsersWithRoles() ([]string, error) {
	rows, err := r.db.Query("SELECT DISTINCT user_id FROM user_roles")
	if err != nil {
		return nil, fmt.Errorf("failed to list role users: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		out = append(out, userID)
	}
	return out, rows.Err()
}
