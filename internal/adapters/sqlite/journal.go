package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"trailStopBot/internal/domain"
	"trailStopBot/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Journal implements the ports.TradeJournal interface using SQLite.
type Journal struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite journal.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewJournal creates a new SQLite trade journal instance.
func NewJournal(cfg Config) (*Journal, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite journal")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/trades.db" // Default path
	}

	// Create data directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite journal initialization failed")
		return nil, err
	}

	// Open database connection
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000") // WAL mode for better concurrency
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite journal initialization failed")
		return nil, err
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close() // Close the connection if ping fails
		err = fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite journal initialization failed")
		return nil, err
	}

	// Set connection pool settings (important for SQLite)
	db.SetMaxOpenConns(1) // SQLite handles concurrency internally, but Go driver benefits from limiting connections
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	cfg.Logger.Info(context.Background(), "SQLite journal connection established", map[string]interface{}{"path": dbPath})

	j := &Journal{db: db, logger: cfg.Logger}

	if err := j.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize journal schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite journal initialization failed")
		return nil, err
	}

	return j, nil
}

// initializeSchema creates tables if they don't exist.
func (j *Journal) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS closed_trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		asset TEXT NOT NULL,
		strategy_id TEXT NOT NULL,
		direction TEXT NOT NULL,
		entry_price REAL NOT NULL,
		exit_price REAL NOT NULL,
		quantity REAL NOT NULL,
		leverage INTEGER NOT NULL,
		pnl REAL NOT NULL,
		roe REAL NOT NULL,
		close_reason TEXT NOT NULL,
		opened_at TIMESTAMP NOT NULL,
		closed_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_closed_trades_strategy_closed_at ON closed_trades (strategy_id, closed_at);
	`
	_, err := j.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	if j.db != nil {
		j.logger.Info(context.Background(), "Closing SQLite journal connection")
		return j.db.Close()
	}
	return nil
}

// RecordClose inserts one completed-trade row and returns its assigned ID.
func (j *Journal) RecordClose(ctx context.Context, trade *domain.ClosedTrade) (int64, error) {
	const query = `
	INSERT INTO closed_trades (asset, strategy_id, direction, entry_price, exit_price, quantity, leverage, pnl, roe, close_reason, opened_at, closed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := j.db.ExecContext(ctx, query,
		trade.Asset, trade.StrategyID, string(trade.Direction), trade.EntryPrice, trade.ExitPrice,
		trade.Size, trade.Leverage, trade.PNL, trade.ROE, string(trade.Reason), trade.OpenedAt, trade.ClosedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to insert closed trade for %s: %w: %w", trade.Asset, ports.ErrJournalFailed, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for closed trade %s: %w", trade.Asset, err)
	}
	trade.ID = id
	j.logger.Debug(ctx, "Closed trade recorded", map[string]interface{}{"tradeID": id, "asset": trade.Asset, "reason": trade.Reason})
	return id, nil
}

// FindRecent retrieves the most recent closed trades, newest first, up to
// limit. An empty strategyID matches all strategies.
func (j *Journal) FindRecent(ctx context.Context, strategyID string, limit int) ([]*domain.ClosedTrade, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
	SELECT id, asset, strategy_id, direction, entry_price, exit_price, quantity, leverage, pnl, roe, close_reason, opened_at, closed_at
	FROM closed_trades`
	args := make([]interface{}, 0, 2)
	if strategyID != "" {
		query += ` WHERE strategy_id = ?`
		args = append(args, strategyID)
	}
	query += ` ORDER BY closed_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query closed trades: %w", err)
	}
	defer rows.Close()

	trades := make([]*domain.ClosedTrade, 0, limit)
	for rows.Next() {
		var t domain.ClosedTrade
		var direction, reason string
		if err := rows.Scan(&t.ID, &t.Asset, &t.StrategyID, &direction, &t.EntryPrice, &t.ExitPrice,
			&t.Size, &t.Leverage, &t.PNL, &t.ROE, &reason, &t.OpenedAt, &t.ClosedAt); err != nil {
			return nil, fmt.Errorf("failed to scan closed trade row: %w", err)
		}
		t.Direction = domain.Direction(direction)
		t.Reason = domain.CloseReason(reason)
		trades = append(trades, &t)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating closed trade rows: %w", err)
	}
	return trades, nil
}
