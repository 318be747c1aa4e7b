// Package users stores per-user settings and the API tokens the auth
// middleware resolves bearer credentials against.
package users

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
CREATE TABLE IF NOT EXISTS user_settings (
	user_id TEXT PRIMARY KEY,
	auto_execute_trades INTEGER NOT NULL DEFAULT 0,
	paper_trading INTEGER NOT NULL DEFAULT 1,
	alpaca_api_key TEXT NOT NULL DEFAULT '',
	alpaca_api_secret TEXT NOT NULL DEFAULT '',
	watchlist TEXT NOT NULL DEFAULT '[]',
	default_rebalance_threshold REAL NOT NULL DEFAULT 10,
	auto_near_limit_analysis INTEGER NOT NULL DEFAULT 0,
	api_settings TEXT NOT NULL DEFAULT '{}',
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS api_tokens (
	token TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	last_used_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_api_tokens_user ON api_tokens(user_id);
`

// Repository handles user_settings and api_tokens database operations.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new users repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "users").Logger(),
	}
}

// InitSchema creates the user tables if they do not exist.
func (r *Repository) InitSchema() error {
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create users schema: %w", err)
	}
	return nil
}

// GetUserSettings loads a user's settings, falling back to defaults for users
// that never saved any.
func (r *Repository) GetUserSettings(userID string) (*domain.UserSettings, error) {
	query := `
		SELECT auto_execute_trades, paper_trading, alpaca_api_key, alpaca_api_secret,
		       watchlist, default_rebalance_threshold, auto_near_limit_analysis, api_settings
		FROM user_settings WHERE user_id = ?
	`
	settings := &domain.UserSettings{UserID: userID}
	var watchlistJSON, apiJSON string
	err := r.db.QueryRow(query, userID).Scan(
		&settings.AutoExecuteTrades, &settings.PaperTrading,
		&settings.AlpacaAPIKey, &settings.AlpacaAPISecret,
		&watchlistJSON, &settings.DefaultRebalanceThreshold,
		&settings.AutoNearLimitAnalysis, &apiJSON,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.UserSettings{
			UserID:                    userID,
			PaperTrading:              true,
			DefaultRebalanceThreshold: 10,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user settings: %w", err)
	}

	if err := json.Unmarshal([]byte(watchlistJSON), &settings.Watchlist); err != nil {
		return nil, fmt.Errorf("corrupted watchlist for %s: %w", userID, err)
	}
	if err := json.Unmarshal([]byte(apiJSON), &settings.APISettings); err != nil {
		return nil, fmt.Errorf("corrupted api settings for %s: %w", userID, err)
	}
	return settings, nil
}

// SaveUserSettings upserts the full settings row.
func (r *Repository) SaveUserSettings(settings *domain.UserSettings) error {
	watchlistJSON, err := json.Marshal(orEmptyList(settings.Watchlist))
	if err != nil {
		return fmt.Errorf("failed to marshal watchlist: %w", err)
	}
	apiJSON, err := json.Marshal(orEmptyMap(settings.APISettings))
	if err != nil {
		return fmt.Errorf("failed to marshal api settings: %w", err)
	}

	_, err = r.db.Exec(`
		INSERT INTO user_settings
		(user_id, auto_execute_trades, paper_trading, alpaca_api_key, alpaca_api_secret,
		 watchlist, default_rebalance_threshold, auto_near_limit_analysis, api_settings, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			auto_execute_trades = excluded.auto_execute_trades,
			paper_trading = excluded.paper_trading,
			alpaca_api_key = excluded.alpaca_api_key,
			alpaca_api_secret = excluded.alpaca_api_secret,
			watchlist = excluded.watchlist,
			default_rebalance_threshold = excluded.default_rebalance_threshold,
			auto_near_limit_analysis = excluded.auto_near_limit_analysis,
			api_settings = excluded.api_settings,
			updated_at = excluded.updated_at
	`, settings.UserID, settings.AutoExecuteTrades, settings.PaperTrading,
		settings.AlpacaAPIKey, settings.AlpacaAPISecret,
		string(watchlistJSON), settings.DefaultRebalanceThreshold,
		settings.AutoNearLimitAnalysis, string(apiJSON), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save user settings: %w", err)
	}
	return nil
}

// SetAutoNearLimitAnalysis flips just the near-limit opt-in. Used by the role
// consistency sweep.
func (r *Repository) SetAutoNearLimitAnalysis(userID string, enabled bool) error {
	_, err := r.db.Exec(
		"UPDATE user_settings SET auto_near_limit_analysis = ?, updated_at = ? WHERE user_id = ?",
		enabled, time.Now().Unix(), userID,
	)
	if err != nil {
		return fmt.Errorf("failed to update near-limit setting: %w", err)
	}
	return nil
}

// LookupToken resolves a bearer token to a user id and stamps last_used_at.
func (r *Repository) LookupToken(token string) (string, error) {
	var userID string
	err := r.db.QueryRow("SELECT user_id FROM api_tokens WHERE token = ?", token).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrUnauthorized
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up token: %w", err)
	}

	if _, err := r.db.Exec("UPDATE api_tokens SET last_used_at = ? WHERE token = ?", time.Now().Unix(), token); err != nil {
		r.log.Warn().Err(err).Msg("Failed to stamp token use")
	}
	return userID, nil
}

// CreateToken mints a new API token for a user.
func (r *Repository) CreateToken(userID string) (string, error) {
	token := uuid.New().String()
	_, err := r.db.Exec(
		"INSERT INTO api_tokens (token, user_id, created_at) VALUES (?, ?, ?)",
		token, userID, time.Now().Unix(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create token: %w", err)
	}
	return token, nil
}

func orEmptyList(l []string) []string {
	if l == nil {
		return []string{}
	}
	return l
}

func orEmptyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
