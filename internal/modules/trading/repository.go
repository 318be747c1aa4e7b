// Package trading implements the trade execution pipeline: the persisted
// audit trail of proposed orders, approval and rejection against the
// brokerage, and the auto-trade checker.
package trading

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
CREATE TABLE IF NOT EXISTS trading_actions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	ticker TEXT NOT NULL,
	action TEXT NOT NULL,
	shares REAL NOT NULL DEFAULT 0,
	dollar_amount REAL NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'pending',
	analysis_id TEXT,
	rebalance_request_id TEXT,
	source_type TEXT NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trading_user ON trading_actions(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_trading_source ON trading_actions(user_id, source_type, analysis_id, rebalance_request_id);
CREATE INDEX IF NOT EXISTS idx_trading_status ON trading_actions(status);
`

const tradingColumns = `id, user_id, ticker, action, shares, dollar_amount, status,
	analysis_id, rebalance_request_id, source_type, metadata, created_at, updated_at`

// Repository handles trading_actions database operations. Lives in the
// ledger database: trade decisions are an audit trail, kept apart from the
// workflow store.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new trading repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "trading").Logger(),
	}
}

// InitSchema creates the trading tables if they do not exist.
func (r *Repository) InitSchema() error {
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create trading schema: %w", err)
	}
	return nil
}

// Create inserts a new trade order.
func (r *Repository) Create(order *domain.TradeOrder) error {
	now := time.Now()
	order.CreatedAt = now
	order.UpdatedAt = now
	if order.Status == "" {
		order.Status = domain.TradeOrderPending
	}

	metaJSON, err := json.Marshal(order.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal trade metadata: %w", err)
	}

	query := `
		INSERT INTO trading_actions
		(id, user_id, ticker, action, shares, dollar_amount, status,
		 analysis_id, rebalance_request_id, source_type, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.Exec(query,
		order.ID, order.UserID, order.Ticker, string(order.Action),
		order.Shares, order.DollarAmount, string(order.Status),
		nullString(order.AnalysisID), nullString(order.RebalanceRequestID),
		order.SourceType, string(metaJSON), now.Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to create trade order: %w", err)
	}

	r.log.Info().
		Str("trade_order_id", order.ID).
		Str("ticker", order.Ticker).
		Str("action", string(order.Action)).
		Str("source", order.SourceType).
		Msg("Trade order created")
	return nil
}

// Get retrieves an order by id. An empty userID means service access.
func (r *Repository) Get(id, userID string) (*domain.TradeOrder, error) {
	query := "SELECT " + tradingColumns + " FROM trading_actions WHERE id = ?"
	args := []interface{}{id}
	if userID != "" {
		query += " AND user_id = ?"
		args = append(args, userID)
	}

	order, err := scanOrder(r.db.QueryRow(query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get trade order: %w", err)
	}
	return order, nil
}

// ConditionalUpdateStatus transitions the order from expected to next,
// writing the merged metadata in the same statement.
func (r *Repository) ConditionalUpdateStatus(id string, expected, next domain.TradeOrderStatus, meta *domain.TradeOrderMetadata) error {
	set := "status = ?, updated_at = ?"
	args := []interface{}{string(next), time.Now().Unix()}
	if meta != nil {
		metaJSON, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("failed to marshal trade metadata: %w", err)
		}
		set += ", metadata = ?"
		args = append(args, string(metaJSON))
	}

	query := "UPDATE trading_actions SET " + set + " WHERE id = ? AND status = ?"
	args = append(args, id, string(expected))

	res, err := r.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to update trade order: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		var exists int
		if err := r.db.QueryRow("SELECT COUNT(*) FROM trading_actions WHERE id = ?", id).Scan(&exists); err == nil && exists == 0 {
			return domain.ErrNotFound
		}
		return domain.ErrPreconditionFailed
	}
	return nil
}

// UpdateBrokerOrder patches only metadata.alpaca_order. The poller uses this:
// fill tracking never touches the top-level status.
func (r *Repository) UpdateBrokerOrder(id string, info *domain.BrokerOrderInfo) error {
	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		var metaJSON string
		err := tx.QueryRow("SELECT metadata FROM trading_actions WHERE id = ?", id).Scan(&metaJSON)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read trade metadata: %w", err)
		}

		var meta domain.TradeOrderMetadata
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			return fmt.Errorf("corrupted trade metadata for %s: %w", id, err)
		}
		meta.AlpacaOrder = info

		newMeta, err := json.Marshal(&meta)
		if err != nil {
			return fmt.Errorf("failed to marshal trade metadata: %w", err)
		}
		if _, err := tx.Exec(
			"UPDATE trading_actions SET metadata = ?, updated_at = ? WHERE id = ?",
			string(newMeta), time.Now().Unix(), id,
		); err != nil {
			return fmt.Errorf("failed to write trade metadata: %w", err)
		}
		return nil
	})
}

// FindDecidedSibling returns an approved or rejected order for the same
// (user, ticker, source), excluding the given order id. Used to detect a
// prior decision before approving a duplicate.
func (r *Repository) FindDecidedSibling(order *domain.TradeOrder) (*domain.TradeOrder, error) {
	query := "SELECT " + tradingColumns + ` FROM trading_actions
		WHERE user_id = ? AND ticker = ? AND source_type = ? AND id != ?
		AND status IN ('approved', 'rejected')
		AND COALESCE(analysis_id, '') = ? AND COALESCE(rebalance_request_id, '') = ?
		ORDER BY updated_at DESC LIMIT 1`

	sibling, err := scanOrder(r.db.QueryRow(query,
		order.UserID, order.Ticker, order.SourceType, order.ID,
		order.AnalysisID, order.RebalanceRequestID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find sibling order: %w", err)
	}
	return sibling, nil
}

// MarkDuplicatesRejected rejects every still-pending sibling of a decided
// order, recording which decision superseded them.
func (r *Repository) MarkDuplicatesRejected(order *domain.TradeOrder) (int, error) {
	meta, err := json.Marshal(domain.TradeOrderMetadata{DuplicateOfActionID: order.ID})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal duplicate metadata: %w", err)
	}
	res, err := r.db.Exec(`
		UPDATE trading_actions SET status = 'rejected', metadata = ?, updated_at = ?
		WHERE user_id = ? AND ticker = ? AND source_type = ? AND id != ? AND status = 'pending'
		AND COALESCE(analysis_id, '') = ? AND COALESCE(rebalance_request_id, '') = ?
	`, string(meta), time.Now().Unix(),
		order.UserID, order.Ticker, order.SourceType, order.ID,
		order.AnalysisID, order.RebalanceRequestID)
	if err != nil {
		return 0, fmt.Errorf("failed to reject duplicate orders: %w", err)
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}

// ListPendingBySource returns the pending orders created by one analysis or
// rebalance, oldest first. Drives the auto-trade checker.
func (r *Repository) ListPendingBySource(userID, sourceType, sourceID string) ([]domain.TradeOrder, error) {
	column := "analysis_id"
	if sourceType == domain.SourceRebalance {
		column = "rebalance_request_id"
	}
	query := "SELECT " + tradingColumns + ` FROM trading_actions
		WHERE user_id = ? AND source_type = ? AND status = 'pending' AND ` + column + ` = ?
		ORDER BY created_at ASC`

	rows, err := r.db.Query(query, userID, sourceType, sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending orders: %w", err)
	}
	defer rows.Close()

	var out []domain.TradeOrder
	for rows.Next() {
		order, err := scanOrderFromRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *order)
	}
	return out, rows.Err()
}

// ListByUser returns the user's orders, newest first.
func (r *Repository) ListByUser(userID string, limit int) ([]domain.TradeOrder, error) {
	if limit <= 0 {
		limit = 100
	}
	query := "SELECT " + tradingColumns +
		" FROM trading_actions WHERE user_id = ? ORDER BY created_at DESC LIMIT ?"
	rows, err := r.db.Query(query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list trade orders: %w", err)
	}
	defer rows.Close()

	var out []domain.TradeOrder
	for rows.Next() {
		order, err := scanOrderFromRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *order)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row *sql.Row) (*domain.TradeOrder, error) { return scanOrderAny(row) }

func scanOrderFromRows(rows *sql.Rows) (*domain.TradeOrder, error) { return scanOrderAny(rows) }

func scanOrderAny(row rowScanner) (*domain.TradeOrder, error) {
	var order domain.TradeOrder
	var action, status, metaJSON string
	var analysisID, rebalanceID sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(&order.ID, &order.UserID, &order.Ticker, &action,
		&order.Shares, &order.DollarAmount, &status,
		&analysisID, &rebalanceID, &order.SourceType, &metaJSON, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	order.Action = domain.TradeAction(action)
	order.Status = domain.TradeOrderStatus(status)
	order.AnalysisID = analysisID.String
	order.RebalanceRequestID = rebalanceID.String
	order.CreatedAt = time.Unix(createdAt, 0)
	order.UpdatedAt = time.Unix(updatedAt, 0)

	if err := json.Unmarshal([]byte(metaJSON), &order.Metadata); err != nil {
		return nil, fmt.Errorf("corrupted trade metadata for %s: %w", order.ID, err)
	}
	return &order, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
