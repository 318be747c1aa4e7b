// Package schedules implements recurring rebalance rules: persistence,
// next-run derivation, and the periodic runner that fires due rules into the
// rebalance coordinator.
package schedules

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tradepilot/tradepilot/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS schedules (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	interval_value INTEGER NOT NULL,
	interval_unit TEXT NOT NULL,
	time_of_day TEXT NOT NULL,
	timezone TEXT NOT NULL DEFAULT 'UTC',
	selected_tickers TEXT NOT NULL DEFAULT '[]',
	include_watchlist INTEGER NOT NULL DEFAULT 0,
	day_of_week TEXT NOT NULL DEFAULT '[]',
	last_executed_at INTEGER,
	constraints TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_schedules_user ON schedules(user_id);
CREATE INDEX IF NOT EXISTS idx_schedules_enabled ON schedules(enabled);
`

const scheduleColumns = `id, user_id, enabled, interval_value, interval_unit, time_of_day,
	timezone, selected_tickers, include_watchlist, day_of_week, last_executed_at,
	constraints, created_at, updated_at`

// Repository handles schedules database operations.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new schedules repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "schedules").Logger(),
	}
}

// InitSchema creates the schedule tables if they do not exist.
func (r *Repository) InitSchema() error {
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schedules schema: %w", err)
	}
	return nil
}

// Create inserts a new schedule rule after validating its invariants.
func (r *Repository) Create(rule *domain.ScheduleRule) error {
	if err := validateRule(rule); err != nil {
		return err
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	now := time.Now()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	tickersJSON, err := json.Marshal(orEmptyList(rule.SelectedTickers))
	if err != nil {
		return fmt.Errorf("failed to marshal tickers: %w", err)
	}
	daysJSON, err := json.Marshal(orEmptyInts(rule.DayOfWeek))
	if err != nil {
		return fmt.Errorf("failed to marshal weekdays: %w", err)
	}
	constraintsJSON, err := json.Marshal(rule.Constraints)
	if err != nil {
		return fmt.Errorf("failed to marshal constraints: %w", err)
	}

	_, err = r.db.Exec(`
		INSERT INTO schedules
		(id, user_id, enabled, interval_value, interval_unit, time_of_day, timezone,
		 selected_tickers, include_watchlist, day_of_week, constraints, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rule.ID, rule.UserID, rule.Enabled, rule.IntervalValue, rule.IntervalUnit,
		rule.TimeOfDay, rule.Timezone, string(tickersJSON), rule.IncludeWatchlist,
		string(daysJSON), string(constraintsJSON), now.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("failed to create schedule: %w", err)
	}

	r.log.Info().
		Str("schedule_id", rule.ID).
		Str("user_id", rule.UserID).
		Int("interval", rule.IntervalValue).
		Str("unit", rule.IntervalUnit).
		Msg("Schedule created")
	return nil
}

// Get retrieves a rule by id, scoped to the user unless userID is empty.
func (r *Repository) Get(id, userID string) (*domain.ScheduleRule, error) {
	query := "SELECT " + scheduleColumns + " FROM schedules WHERE id = ?"
	args := []interface{}{id}
	if userID != "" {
		query += " AND user_id = ?"
		args = append(args, userID)
	}
	rule, err := scanRule(r.db.QueryRow(query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}
	return rule, nil
}

// ListByUser returns all of a user's rules.
func (r *Repository) ListByUser(userID string) ([]domain.ScheduleRule, error) {
	query := "SELECT " + scheduleColumns + " FROM schedules WHERE user_id = ? ORDER BY created_at ASC"
	rows, err := r.db.Query(query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()
	return scanRules(rows)
}

// ListEnabled returns every enabled rule. The runner derives due-ness itself.
func (r *Repository) ListEnabled() ([]domain.ScheduleRule, error) {
	query := "SELECT " + scheduleColumns + " FROM schedules WHERE enabled = 1"
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list enabled schedules: %w", err)
	}
	defer rows.Close()
	return scanRules(rows)
}

// SetEnabled flips a rule on or off.
func (r *Repository) SetEnabled(id string, enabled bool) error {
	res, err := r.db.Exec(
		"UPDATE schedules SET enabled = ?, updated_at = ? WHERE id = ?",
		enabled, time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update schedule: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MarkExecuted stamps last_executed_at; the next run derives from it.
func (r *Repository) MarkExecuted(id string, at time.Time) error {
	res, err := r.db.Exec(
		"UPDATE schedules SET last_executed_at = ?, updated_at = ? WHERE id = ?",
		at.Unix(), time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark schedule executed: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Delete removes a rule.
func (r *Repository) Delete(id, userID string) error {
	res, err := r.db.Exec("DELETE FROM schedules WHERE id = ? AND user_id = ?", id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// validateRule enforces the storage invariants: half-hour time slots, known
// interval units, weekdays in range.
func validateRule(rule *domain.ScheduleRule) error {
	switch rule.IntervalUnit {
	case "days", "weeks", "months":
	default:
		return fmt.Errorf("interval_unit must be days, weeks or months, got %q", rule.IntervalUnit)
	}
	if rule.IntervalValue < 1 {
		return fmt.Errorf("interval_value must be at least 1")
	}

	var hour, minute int
	if _, err := fmt.Sscanf(rule.TimeOfDay, "%d:%d", &hour, &minute); err != nil {
		return fmt.Errorf("time_of_day must be HH:MM, got %q", rule.TimeOfDay)
	}
	if hour < 0 || hour > 23 || (minute != 0 && minute != 30) {
		return fmt.Errorf("time_of_day minutes must be :00 or :30, got %q", rule.TimeOfDay)
	}

	for _, day := range rule.DayOfWeek {
		if day < 0 || day > 6 {
			return fmt.Errorf("day_of_week entries must be 0-6, got %d", day)
		}
	}

	if rule.Timezone != "" {
		if _, err := time.LoadLocation(rule.Timezone); err != nil {
			return fmt.Errorf("unknown timezone %q: %w", rule.Timezone, err)
		}
	}
	return nil
}

func scanRule(row *sql.Row) (*domain.ScheduleRule, error) {
	return scanAny(row)
}

func scanRules(rows *sql.Rows) ([]domain.ScheduleRule, error) {
	var out []domain.ScheduleRule
	for rows.Next() {
		rule, err := scanAny(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rule)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAny(row rowScanner) (*domain.ScheduleRule, error) {
	var rule domain.ScheduleRule
	var tickersJSON, daysJSON, constraintsJSON string
	var lastExecuted sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(&rule.ID, &rule.UserID, &rule.Enabled, &rule.IntervalValue,
		&rule.IntervalUnit, &rule.TimeOfDay, &rule.Timezone,
		&tickersJSON, &rule.IncludeWatchlist, &daysJSON, &lastExecuted,
		&constraintsJSON, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	rule.CreatedAt = time.Unix(createdAt, 0)
	rule.UpdatedAt = time.Unix(updatedAt, 0)
	if lastExecuted.Valid {
		t := time.Unix(lastExecuted.Int64, 0)
		rule.LastExecutedAt = &t
	}

	if err := json.Unmarshal([]byte(tickersJSON), &rule.SelectedTickers); err != nil {
		return nil, fmt.Errorf("corrupted tickers for %s: %w", rule.ID, err)
	}
	if err := json.Unmarshal([]byte(daysJSON), &rule.DayOfWeek); err != nil {
		return nil, fmt.Errorf("corrupted weekdays for %s: %w", rule.ID, err)
	}
	if err := json.Unmarshal([]byte(constraintsJSON), &rule.Constraints); err != nil {
		return nil, fmt.Errorf("corrupted constraints for %s: %w", rule.ID, err)
	}
	return &rule, nil
}

func orEmptyList(l []string) []string {
	if l == nil {
		return []string{}
	}
	return l
}

func orEmptyInts(l []int) []int {
	if l == nil {
		return []int{}
	}
	return l
}
