package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/agroflow/agroflow/internal/persistence"
)

type runStateRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewRunStateRepo creates the collector run-state repository.
func NewRunStateRepo(db *sqlx.DB) persistence.RunStateRepo {
	return &runStateRepo{db: db, timeout: defaultTimeout}
}

func (r *runStateRepo) Get(ctx context.Context, source string) (*persistence.CollectorRunState, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var state persistence.CollectorRunState
	query := `
		SELECT source_name, last_run, last_success, consecutive_failures, request_count
		FROM silver.collector_run_state
		WHERE source_name = $1`
	if err := r.db.GetContext(ctx, &state, query, source); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query run state: %w", err)
	}
	return &state, nil
}

func (r *runStateRepo) RecordRun(ctx context.Context, source string, success bool, requests int, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// consecutive_failures resets on success, increments on failure;
	// last_success only moves forward on success.
	query := `
		INSERT INTO silver.collector_run_state
			(source_name, last_run, last_success, consecutive_failures, request_count)
		VALUES ($1, $2, CASE WHEN $3 THEN $2 ELSE NULL END, CASE WHEN $3 THEN 0 ELSE 1 END, $4)
		ON CONFLICT (source_name) DO UPDATE SET
			last_run = EXCLUDED.last_run,
			last_success = COALESCE(EXCLUDED.last_success, silver.collector_run_state.last_success),
			consecutive_failures = CASE WHEN $3 THEN 0 ELSE silver.collector_run_state.consecutive_failures + 1 END,
			request_count = silver.collector_run_state.request_count + $4`
	if _, err := r.db.ExecContext(ctx, query, source, at, success, requests); err != nil {
		return fmt.Errorf("record run for %s: %w", source, err)
	}
	return nil
}

func (r *runStateRepo) All(ctx context.Context) ([]persistence.CollectorRunState, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var states []persistence.CollectorRunState
	query := `
		SELECT source_name, last_run, last_success, consecutive_failures, request_count
		FROM silver.collector_run_state
		ORDER BY source_name`
	if err := r.db.SelectContext(ctx, &states, query); err != nil {
		return nil, fmt.Errorf("query all run states: %w", err)
	}
	return states, nil
}

type modelRunRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewModelRunRepo creates the silver.yield_model_run repository.
func NewModelRunRepo(db *sqlx.DB) persistence.ModelRunRepo {
	return &modelRunRepo{db: db, timeout: defaultTimeout}
}

func (r *modelRunRepo) Insert(ctx context.Context, run persistence.ModelRun) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO silver.yield_model_run
			(run_id, model_version, model_type, crops_processed, forecast_week, feature_count, duration_sec, created_at)
		VALUES (:run_id, :model_version, :model_type, :crops_processed, :forecast_week, :feature_count, :duration_sec, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, run); err != nil {
		return fmt.Errorf("insert model run %s: %w", run.RunID, err)
	}
	return nil
}
