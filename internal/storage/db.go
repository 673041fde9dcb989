// Package storage persists emitted signals and their measured outcomes to
// PostgreSQL, fans signals out to the UI topic with a JSONL audit log, and
// mirrors the latest external levels into Redis for warm restarts.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Config holds database connection settings.
type Config struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// DB wraps the PostgreSQL connection pool.
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB opens a connection pool and verifies it with a ping.
func NewDB(ctx context.Context, cfg Config) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	poolConfig.MaxConns = 10
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
	return &DB{Pool: pool}, nil
}

// Close releases the pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// Migrate creates the signal tables.
func (db *DB) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS signals (
			id UUID PRIMARY KEY,
			inserted_ts BIGINT NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			tf VARCHAR(8) NOT NULL,
			direction VARCHAR(8) NOT NULL,
			fix_high DOUBLE PRECISION,
			fix_low DOUBLE PRECISION,
			break_ts BIGINT,
			break_price DOUBLE PRECISION,
			vol_fix DOUBLE PRECISION,
			ai_score INT,
			strength_pct INT,
			group_id VARCHAR(32),
			note TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_time ON signals(inserted_ts)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_sym_tf ON signals(symbol, tf)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_break ON signals(symbol, tf, break_ts)`,
		`CREATE TABLE IF NOT EXISTS signal_outcomes (
			id UUID PRIMARY KEY,
			signal_id TEXT NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			tf VARCHAR(8) NOT NULL,
			direction VARCHAR(8) NOT NULL,
			status VARCHAR(16) NOT NULL,
			entry DOUBLE PRECISION,
			sl DOUBLE PRECISION,
			tp1 DOUBLE PRECISION,
			tp2 DOUBLE PRECISION,
			mfe_r DOUBLE PRECISION,
			mae_r DOUBLE PRECISION,
			ts_entry BIGINT,
			elapsed_min BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_signal ON signal_outcomes(signal_id)`,
	}
	for _, m := range migrations {
		if _, err := db.Pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
