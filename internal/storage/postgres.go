package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/KevinKickass/OpenTestStand/internal/config"
)

type PostgresClient struct {
	pool *pgxpool.Pool
}

func NewPostgresClient(ctx context.Context, cfg config.DatabaseConfig) (*PostgresClient, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse pool config: %w", err)
	}

	if cfg.MaxConnections > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConnections)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	// Connection testen
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{pool: pool}, nil
}

func (p *PostgresClient) Close() {
	p.pool.Close()
}

func (p *PostgresClient) Pool() *pgxpool.Pool {
	return p.pool
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS telemetry_frames (
	id          BIGSERIAL PRIMARY KEY,
	recorded_at TIMESTAMPTZ NOT NULL,
	pt1 DOUBLE PRECISION, pt2 DOUBLE PRECISION, pt3 DOUBLE PRECISION, pt4 DOUBLE PRECISION,
	flow1 DOUBLE PRECISION, flow2 DOUBLE PRECISION, tc1 DOUBLE PRECISION
);
CREATE INDEX IF NOT EXISTS telemetry_frames_recorded_at_idx ON telemetry_frames (recorded_at);

CREATE TABLE IF NOT EXISTS sent_commands (
	id      BIGSERIAL PRIMARY KEY,
	sent_at TIMESTAMPTZ NOT NULL,
	command TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sequence_runs (
	id           UUID PRIMARY KEY,
	name         TEXT NOT NULL,
	steps        INTEGER NOT NULL,
	started_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS interlock_events (
	id          BIGSERIAL PRIMARY KEY,
	occurred_at TIMESTAMPTZ NOT NULL,
	state       TEXT NOT NULL,
	readings    JSONB NOT NULL,
	start_error TEXT
);
`

// Migrate creates the archive tables if they do not exist.
func (p *PostgresClient) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}
