package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/tandem/internal/domain"
)

// RunRepo — хранилище runs в PostgreSQL.
type RunRepo struct {
	pool *pgxpool.Pool
}

// NewRunRepo создаёт новый RunRepo.
func NewRunRepo(pool *pgxpool.Pool) *RunRepo {
	return &RunRepo{pool: pool}
}

// Create создаёт новый run вместе с записями стадий.
func (r *RunRepo) Create(ctx context.Context, run *domain.Run) error {
	failureJSON, err := marshalFailure(run.Failure)
	if err != nil {
		return err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO runs (id, status, request, output, failure, started_at, finished_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`
	result, err := tx.Exec(ctx, query,
		run.ID,
		run.Status,
		[]byte(run.Request),
		nullJSON(run.Output),
		failureJSON,
		run.StartedAt,
		run.FinishedAt,
		run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrAlreadyExists
	}

	if err := upsertStages(ctx, tx, run); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Get возвращает run по ID вместе со стадиями.
func (r *RunRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	query := `
		SELECT id, status, request, output, failure, started_at, finished_at, created_at
		FROM runs
		WHERE id = $1
	`
	run, err := scanRun(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, err
	}

	if err := r.loadStages(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// Update сохраняет статус run и записи стадий в одной транзакции.
func (r *RunRepo) Update(ctx context.Context, run *domain.Run) error {
	failureJSON, err := marshalFailure(run.Failure)
	if err != nil {
		return err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE runs
		SET status = $2, output = $3, failure = $4, started_at = $5, finished_at = $6
		WHERE id = $1
	`
	result, err := tx.Exec(ctx, query,
		run.ID,
		run.Status,
		nullJSON(run.Output),
		failureJSON,
		run.StartedAt,
		run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	if err := upsertStages(ctx, tx, run); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Claim переводит run в RUNNING условным UPDATE по status = 'PENDING'.
// Записи стадий при захвате не меняются: все они ещё PENDING.
func (r *RunRepo) Claim(ctx context.Context, run *domain.Run) error {
	query := `
		UPDATE runs
		SET status = $2, started_at = $3
		WHERE id = $1 AND status = 'PENDING'
	`
	result, err := r.pool.Exec(ctx, query, run.ID, run.Status, run.StartedAt)
	if err != nil {
		return fmt.Errorf("claim run: %w", err)
	}
	if result.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM runs WHERE id = $1)`, run.ID).Scan(&exists); err != nil {
		return fmt.Errorf("claim run: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrNotPending
}

// ListPending возвращает runs в статусе PENDING (старые первыми).
func (r *RunRepo) ListPending(ctx context.Context, limit int) ([]domain.Run, error) {
	query := `
		SELECT id, status, request, output, failure, started_at, finished_at, created_at
		FROM runs
		WHERE status = 'PENDING'
		ORDER BY created_at ASC
		LIMIT $1
	`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending runs: %w", err)
	}

	var runs []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		runs = append(runs, *run)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list pending runs: %w", err)
	}

	for i := range runs {
		if err := r.loadStages(ctx, &runs[i]); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

// --- Stages ---

// loadStages загружает записи стадий run.
func (r *RunRepo) loadStages(ctx context.Context, run *domain.Run) error {
	query := `
		SELECT idx, name, stage, status, attempts, output, error, started_at, finished_at
		FROM run_stages
		WHERE run_id = $1
		ORDER BY idx ASC
	`
	rows, err := r.pool.Query(ctx, query, run.ID)
	if err != nil {
		return fmt.Errorf("list stages: %w", err)
	}
	defer rows.Close()

	run.Stages = run.Stages[:0]
	for rows.Next() {
		var s domain.StageRecord
		var output []byte
		var stageErr *string

		if err := rows.Scan(
			&s.Index,
			&s.Name,
			&s.Stage,
			&s.Status,
			&s.Attempts,
			&output,
			&stageErr,
			&s.StartedAt,
			&s.FinishedAt,
		); err != nil {
			return fmt.Errorf("scan stage: %w", err)
		}

		if output != nil {
			s.Output = json.RawMessage(output)
		}
		if stageErr != nil {
			s.Error = *stageErr
		}
		run.Stages = append(run.Stages, s)
	}
	return rows.Err()
}

// upsertStages сохраняет все записи стадий run.
func upsertStages(ctx context.Context, tx pgx.Tx, run *domain.Run) error {
	query := `
		INSERT INTO run_stages (run_id, idx, name, stage, status, attempts, output, error, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (run_id, idx) DO UPDATE
		SET status = EXCLUDED.status,
		    attempts = EXCLUDED.attempts,
		    output = EXCLUDED.output,
		    error = EXCLUDED.error,
		    started_at = EXCLUDED.started_at,
		    finished_at = EXCLUDED.finished_at
	`

	batch := &pgx.Batch{}
	for _, s := range run.Stages {
		batch.Queue(query,
			run.ID,
			s.Index,
			s.Name,
			s.Stage,
			s.Status,
			s.Attempts,
			nullJSON(s.Output),
			nullString(s.Error),
			s.StartedAt,
			s.FinishedAt,
		)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert stages: %w", err)
	}
	return nil
}

// --- Helpers ---

// scanRun сканирует одну строку в Run.
func scanRun(row pgx.Row) (*domain.Run, error) {
	var run domain.Run
	var request, output, failure []byte

	err := row.Scan(
		&run.ID,
		&run.Status,
		&request,
		&output,
		&failure,
		&run.StartedAt,
		&run.FinishedAt,
		&run.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}

	run.Request = json.RawMessage(request)
	if output != nil {
		run.Output = json.RawMessage(output)
	}
	if failure != nil {
		run.Failure = &domain.StageFailure{}
		if err := json.Unmarshal(failure, run.Failure); err != nil {
			return nil, fmt.Errorf("unmarshal failure: %w", err)
		}
	}

	return &run, nil
}

// marshalFailure сериализует причину падения (nil → NULL).
func marshalFailure(f *domain.StageFailure) ([]byte, error) {
	if f == nil {
		return nil, nil
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal failure: %w", err)
	}
	return data, nil
}
