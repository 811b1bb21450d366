package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/maltedev/listing-harvester/internal/crawl"
	"github.com/maltedev/listing-harvester/internal/database"
)

const runColumns = `
	id, mode, params, status, COALESCE(outcome, ''),
	unique_count, saved_count, deactivated_count,
	warnings, COALESCE(error, ''), created_at, started_at, completed_at`

// PostgresRunStore keeps runs in the crawl_runs table.
type PostgresRunStore struct {
	db *database.DB
}

func NewPostgresRunStore(db *database.DB) *PostgresRunStore {
	return &PostgresRunStore{db: db}
}

func (s *PostgresRunStore) Insert(ctx context.Context, run *Run) error {
	params, err := json.Marshal(run.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO crawl_runs (id, mode, params, status, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		run.ID, string(run.Mode), params, run.Status, run.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

func (s *PostgresRunStore) Get(ctx context.Context, id uuid.UUID) (*Run, error) {
	run, err := scanRun(s.db.QueryRow(ctx, `SELECT `+runColumns+` FROM crawl_runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

func (s *PostgresRunStore) List(ctx context.Context, limit int) ([]*Run, error) {
	rows, err := s.db.Query(ctx, `SELECT `+runColumns+` FROM crawl_runs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]*Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// ClaimNext locks the oldest pending row so concurrent workers never pick
// the same run.
func (s *PostgresRunStore) ClaimNext(ctx context.Context) (*Run, error) {
	run, err := scanRun(s.db.QueryRow(ctx, `
		UPDATE crawl_runs SET status = $1, started_at = NOW()
		WHERE id = (
			SELECT id FROM crawl_runs
			WHERE status = $2
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+runColumns,
		StatusRunning, StatusPending))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoPendingRun
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim run: %w", err)
	}
	return run, nil
}

func (s *PostgresRunStore) Finish(ctx context.Context, run *Run) error {
	warnings, err := json.Marshal(run.Warnings)
	if err != nil {
		return fmt.Errorf("failed to marshal warnings: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		UPDATE crawl_runs
		SET status = $1, outcome = $2, unique_count = $3, saved_count = $4,
		    deactivated_count = $5, warnings = $6, error = NULLIF($7, ''), completed_at = $8
		WHERE id = $9`,
		run.Status, run.Outcome, run.Unique, run.Saved,
		run.Deactivated, warnings, run.Error, run.CompletedAt, run.ID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return nil
}

func (s *PostgresRunStore) FailRunning(ctx context.Context, reason string) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE crawl_runs
		SET status = $1, error = $2, completed_at = NOW()
		WHERE status = $3`,
		StatusFailed, reason, StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to fail running runs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanRun(row pgx.Row) (*Run, error) {
	var (
		run      Run
		mode     string
		params   []byte
		warnings []byte
	)
	err := row.Scan(
		&run.ID, &mode, &params, &run.Status, &run.Outcome,
		&run.Unique, &run.Saved, &run.Deactivated,
		&warnings, &run.Error, &run.CreatedAt, &run.StartedAt, &run.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	run.Mode = crawl.Mode(mode)
	if err := json.Unmarshal(params, &run.Params); err != nil {
		return nil, fmt.Errorf("failed to decode params: %w", err)
	}
	if len(warnings) > 0 {
		if err := json.Unmarshal(warnings, &run.Warnings); err != nil {
			return nil, fmt.Errorf("failed to decode warnings: %w", err)
		}
	}
	return &run, nil
}
