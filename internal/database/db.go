// Package database is the Postgres persistence sink: last-write-wins
// agent state, append-only transition events, and the durable strategy
// change ledger.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"trading-agent-scheduler/config"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewDB creates a new database connection
func NewDB(cfg config.DatabaseConfig, logger zerolog.Logger) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	db := &DB{Pool: pool, logger: logger.With().Str("component", "database").Logger()}
	db.logger.Info().Str("database", cfg.Database).Msg("connected to PostgreSQL")
	return db, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS agent_states (
			agent_id VARCHAR(64) PRIMARY KEY,
			current_mode VARCHAR(32) NOT NULL,
			mode_start_time TIMESTAMPTZ NOT NULL,
			active_scope_id VARCHAR(64),
			strategy_ref VARCHAR(255) NOT NULL,
			strategy_version VARCHAR(64) NOT NULL,
			performance JSONB,
			updated_at TIMESTAMPTZ NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS transition_events (
			id VARCHAR(64) PRIMARY KEY,
			agent_id VARCHAR(64) NOT NULL,
			from_mode VARCHAR(32) NOT NULL,
			to_mode VARCHAR(32) NOT NULL,
			event_time TIMESTAMPTZ NOT NULL,
			trigger VARCHAR(16) NOT NULL,
			reason TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transition_events_agent ON transition_events(agent_id, event_time)`,

		`CREATE TABLE IF NOT EXISTS strategy_change_records (
			id VARCHAR(64) PRIMARY KEY,
			agent_id VARCHAR(64) NOT NULL,
			change_time TIMESTAMPTZ NOT NULL,
			trigger_reason TEXT,
			change_type VARCHAR(32) NOT NULL,
			old_strategy_digest VARCHAR(64) NOT NULL,
			new_strategy_digest VARCHAR(64) NOT NULL,
			change_summary TEXT,
			performance_at_change JSONB,
			explanation TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_strategy_changes_agent ON strategy_change_records(agent_id, change_time)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	db.logger.Info().Int("count", len(migrations)).Msg("migrations applied")
	return nil
}
