package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gridbot/internal/events"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS grid_fills (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    instance_id     TEXT    NOT NULL,
    symbol          TEXT    NOT NULL,
    side            TEXT    NOT NULL,
    order_side      TEXT    NOT NULL,
    client_order_id TEXT,
    order_id        INTEGER NOT NULL,
    trade_id        INTEGER NOT NULL,
    price           REAL    NOT NULL,
    quantity        REAL    NOT NULL,
    realized_pnl    REAL    NOT NULL DEFAULT 0,
    fee             REAL    NOT NULL DEFAULT 0,
    fee_asset       TEXT,
    reduce_only     INTEGER NOT NULL DEFAULT 0,
    filled_at       DATETIME NOT NULL,
    UNIQUE (instance_id, symbol, trade_id)
);

CREATE TABLE IF NOT EXISTS grid_exits (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    instance_id TEXT    NOT NULL,
    side        TEXT    NOT NULL,
    reason      TEXT    NOT NULL,
    closed_qty  REAL    NOT NULL DEFAULT 0,
    price       REAL    NOT NULL DEFAULT 0,
    flat        INTEGER NOT NULL,
    attempts    INTEGER NOT NULL DEFAULT 0,
    exited_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS grid_stage_changes (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    instance_id TEXT    NOT NULL,
    side        TEXT    NOT NULL,
    from_stage  INTEGER NOT NULL,
    to_stage    INTEGER NOT NULL,
    notional    REAL    NOT NULL DEFAULT 0,
    changed_at  DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_fills_instance ON grid_fills(instance_id, filled_at DESC);
CREATE INDEX IF NOT EXISTS idx_exits_instance ON grid_exits(instance_id, exited_at DESC);
`

// SQLiteJournal is the local single-file journal (pure Go, no cgo)
type SQLiteJournal struct {
	db *sql.DB
}

var _ Journal = (*SQLiteJournal)(nil)

// NewSQLiteJournal opens (or creates) the journal at path and applies the schema
func NewSQLiteJournal(path string) (*SQLiteJournal, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("database: create dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("database: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("database: apply schema: %w", err)
	}
	return &SQLiteJournal{db: db}, nil
}

func (s *SQLiteJournal) Close() error {
	return s.db.Close()
}

func (s *SQLiteJournal) RecordFill(ctx context.Context, instanceID string, f events.Fill) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO grid_fills (instance_id, symbol, side, order_side, client_order_id, order_id, trade_id,
			price, quantity, realized_pnl, fee, fee_asset, reduce_only, filled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		instanceID, f.Symbol, f.Side, f.OrderSide, f.ClientOrderID, f.OrderID, f.TradeID,
		f.Price, f.Quantity, f.RealizedPNL, f.Fee, f.FeeAsset, f.ReduceOnly, f.Time.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert fill: %w", err)
	}
	return nil
}

func (s *SQLiteJournal) RecordExit(ctx context.Context, r ExitRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO grid_exits (instance_id, side, reason, closed_qty, price, flat, attempts, exited_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.InstanceID, r.Side, r.Reason, r.ClosedQty, r.Price, r.Flat, r.Attempts, r.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert exit: %w", err)
	}
	return nil
}

func (s *SQLiteJournal) RecordStage(ctx context.Context, r StageRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO grid_stage_changes (instance_id, side, from_stage, to_stage, notional, changed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.InstanceID, r.Side, r.From, r.To, r.Notional, r.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert stage change: %w", err)
	}
	return nil
}

func (s *SQLiteJournal) RecentFills(ctx context.Context, instanceID string, limit int) ([]events.Fill, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, side, order_side, COALESCE(client_order_id, ''), order_id, trade_id,
			price, quantity, realized_pnl, fee, COALESCE(fee_asset, ''), reduce_only, filled_at
		FROM grid_fills
		WHERE instance_id = ?
		ORDER BY filled_at DESC, id DESC
		LIMIT ?`, instanceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query fills: %w", err)
	}
	defer rows.Close()

	var out []events.Fill
	for rows.Next() {
		var (
			f  events.Fill
			at time.Time
		)
		if err := rows.Scan(&f.Symbol, &f.Side, &f.OrderSide, &f.ClientOrderID, &f.OrderID, &f.TradeID,
			&f.Price, &f.Quantity, &f.RealizedPNL, &f.Fee, &f.FeeAsset, &f.ReduceOnly, &at); err != nil {
			return nil, fmt.Errorf("scan fill: %w", err)
		}
		f.Time = at
		out = append(out, f)
	}
	return out, rows.Err()
}

