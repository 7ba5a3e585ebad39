package database

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/shardfleet/internal/config"
)

// Schema creates the status history table.
const Schema = `
CREATE TABLE IF NOT EXISTS shard_status (
	instance_id TEXT        NOT NULL,
	shard_id    INTEGER     NOT NULL,
	shard_total INTEGER     NOT NULL,
	run_id      UUID        NOT NULL,
	stage       TEXT        NOT NULL,
	latency_us  BIGINT,
	exited      BOOLEAN     NOT NULL DEFAULT FALSE,
	recorded_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS shard_status_shard_time_idx
	ON shard_status (instance_id, shard_id, recorded_at DESC);
`

// Connect creates a connection pool and verifies it with a ping.
func Connect(ctx context.Context, cfg config.DBConfig, applicationName string, logger *slog.Logger) (*pgxpool.Pool, error) {
	if logger == nil {
		logger = slog.Default()
	}

	poolCfg, err := pgxpool.ParseConfig(BuildConnString(cfg, applicationName))
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info("database connected",
		"host", cfg.Host,
		"name", cfg.Name,
		"max_conns", cfg.MaxConns,
	)
	return pool, nil
}

// EnsureSchema creates the status tables if they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}
