package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists runs in a PostgreSQL table. Stage outputs are kept
// as jsonb so a run's history is queryable without schema churn.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS workflow_runs (
    id UUID PRIMARY KEY,
    kind TEXT NOT NULL,
    current_stage TEXT NOT NULL DEFAULT '',
    stages JSONB NOT NULL DEFAULT '[]',
    status TEXT NOT NULL,
    error TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
`

// NewPostgresStore connects to Postgres using the DSN and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Save(ctx context.Context, run *Run) error {
	stages, err := json.Marshal(run.Stages)
	if err != nil {
		return fmt.Errorf("marshal stages: %w", err)
	}

	_, err = p.pool.Exec(ctx, `
INSERT INTO workflow_runs (id, kind, current_stage, stages, status, error, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO UPDATE
SET current_stage = EXCLUDED.current_stage,
    stages = EXCLUDED.stages,
    status = EXCLUDED.status,
    error = EXCLUDED.error,
    updated_at = EXCLUDED.updated_at
`, run.ID, run.Kind, run.CurrentStage, stages, run.Status, run.Error, run.CreatedAt, run.UpdatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Run, error) {
	row := p.pool.QueryRow(ctx, `
SELECT id, kind, current_stage, stages, status, error, created_at, updated_at
FROM workflow_runs
WHERE id = $1
`, id)

	var run Run
	var stages []byte
	if err := row.Scan(&run.ID, &run.Kind, &run.CurrentStage, &stages, &run.Status, &run.Error, &run.CreatedAt, &run.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(stages, &run.Stages); err != nil {
		return nil, fmt.Errorf("unmarshal stages: %w", err)
	}
	return &run, nil
}
