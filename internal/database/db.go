package database

import (
	"context"
	"fmt"
	"time"

	"gridbot/internal/events"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Config holds database configuration
type Config struct {
	Driver   string // postgres, sqlite or empty for no journal
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	Path     string // sqlite file
}

var _ Journal = (*DB)(nil)

// NewDB creates a new database connection
func NewDB(ctx context.Context, cfg Config, logger zerolog.Logger) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	// one engine per process writes a handful of rows per minute
	poolConfig.MaxConns = 4
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	db := &DB{Pool: pool, logger: logger.With().Str("component", "journal").Logger()}
	db.logger.Info().Str("database", cfg.Database).Msg("Connected to PostgreSQL")
	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("Database connection closed")
	}
	return nil
}

// RunMigrations creates the journal tables
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info().Msg("Running database migrations")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS grid_fills (
			id BIGSERIAL PRIMARY KEY,
			instance_id VARCHAR(64) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(5) NOT NULL,
			order_side VARCHAR(4) NOT NULL,
			client_order_id VARCHAR(64),
			order_id BIGINT NOT NULL,
			trade_id BIGINT NOT NULL,
			price DECIMAL(20, 8) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			realized_pnl DECIMAL(20, 8) NOT NULL DEFAULT 0,
			fee DECIMAL(20, 8) NOT NULL DEFAULT 0,
			fee_asset VARCHAR(10),
			reduce_only BOOLEAN NOT NULL DEFAULT FALSE,
			filled_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (instance_id, symbol, trade_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_grid_fills_instance ON grid_fills(instance_id, filled_at)`,

		`CREATE TABLE IF NOT EXISTS grid_exits (
			id BIGSERIAL PRIMARY KEY,
			instance_id VARCHAR(64) NOT NULL,
			side VARCHAR(5) NOT NULL,
			reason VARCHAR(32) NOT NULL,
			closed_qty DECIMAL(20, 8) NOT NULL DEFAULT 0,
			price DECIMAL(20, 8) NOT NULL DEFAULT 0,
			flat BOOLEAN NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			exited_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_grid_exits_instance ON grid_exits(instance_id, exited_at)`,

		`CREATE TABLE IF NOT EXISTS grid_stage_changes (
			id BIGSERIAL PRIMARY KEY,
			instance_id VARCHAR(64) NOT NULL,
			side VARCHAR(5) NOT NULL,
			from_stage INTEGER NOT NULL,
			to_stage INTEGER NOT NULL,
			notional DECIMAL(20, 8) NOT NULL DEFAULT 0,
			changed_at TIMESTAMP NOT NULL
		)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.logger.Info().Msg("Database migrations completed")
	return nil
}

// HealthCheck performs a database health check
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

func (db *DB) RecordFill(ctx context.Context, instanceID string, f events.Fill) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO grid_fills (instance_id, symbol, side, order_side, client_order_id, order_id, trade_id,
			price, quantity, realized_pnl, fee, fee_asset, reduce_only, filled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (instance_id, symbol, trade_id) DO NOTHING`,
		instanceID, f.Symbol, f.Side, f.OrderSide, f.ClientOrderID, f.OrderID, f.TradeID,
		f.Price, f.Quantity, f.RealizedPNL, f.Fee, f.FeeAsset, f.ReduceOnly, f.Time.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert fill: %w", err)
	}
	return nil
}

func (db *DB) RecordExit(ctx context.Context, r ExitRecord) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO grid_exits (instance_id, side, reason, closed_qty, price, flat, attempts, exited_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.InstanceID, r.Side, r.Reason, r.ClosedQty, r.Price, r.Flat, r.Attempts, r.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert exit: %w", err)
	}
	return nil
}

func (db *DB) RecordStage(ctx context.Context, r StageRecord) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO grid_stage_changes (instance_id, side, from_stage, to_stage, notional, changed_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		r.InstanceID, r.Side, r.From, r.To, r.Notional, r.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert stage change: %w", err)
	}
	return nil
}

func (db *DB) RecentFills(ctx context.Context, instanceID string, limit int) ([]events.Fill, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT symbol, side, order_side, COALESCE(client_order_id, ''), order_id, trade_id,
			price::float8, quantity::float8, realized_pnl::float8, fee::float8, COALESCE(fee_asset, ''), reduce_only, filled_at
		FROM grid_fills
		WHERE instance_id = $1
		ORDER BY filled_at DESC, id DESC
		LIMIT $2`, instanceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query fills: %w", err)
	}
	fills, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (events.Fill, error) {
		var f events.Fill
		err := row.Scan(&f.Symbol, &f.Side, &f.OrderSide, &f.ClientOrderID, &f.OrderID, &f.TradeID,
			&f.Price, &f.Quantity, &f.RealizedPNL, &f.Fee, &f.FeeAsset, &f.ReduceOnly, &f.Time)
		return f, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan fills: %w", err)
	}
	return fills, nil
}
