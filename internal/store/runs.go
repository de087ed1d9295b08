package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/buildit/core/internal/model"
)

const createRunMaxAttempts = 5

// CreateRun inserts a new Run with a monotonically assigned number and a
// pending StageResult for every named stage, all in one transaction (spec
// §4.B: "creating a run and its stage results" must be atomic). The
// (pipeline_id, number) uniqueness constraint forces serialization among
// concurrent triggers of the same pipeline; on conflict, CreateRun retries
// with a freshly computed number rather than surfacing the race to the
// caller (spec §4.B ordering guarantee).
func (s *Store) CreateRun(ctx context.Context, run model.Run, stageNames []string) (model.Run, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}

	var lastErr error
	for attempt := 0; attempt < createRunMaxAttempts; attempt++ {
		created, err := s.tryCreateRun(ctx, run, stageNames)
		if err == nil {
			return created, nil
		}
		if !isUniqueViolation(err) {
			return model.Run{}, err
		}
		lastErr = err
	}
	return model.Run{}, fmt.Errorf("create run: exhausted retries on run-number conflict: %w", lastErr)
}

func (s *Store) tryCreateRun(ctx context.Context, run model.Run, stageNames []string) (model.Run, error) {
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var maxNumber int
		err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(number), 0) FROM runs WHERE pipeline_id = $1`,
			run.PipelineID,
		).Scan(&maxNumber)
		if err != nil {
			return fmt.Errorf("compute next run number: %w", err)
		}
		run.Number = maxNumber + 1

		_, err = tx.Exec(ctx,
			`INSERT INTO runs (id, pipeline_id, number, status, trigger_kind, trigger_user,
			                   git_sha, git_branch, git_message, git_author, created_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			run.ID, run.PipelineID, run.Number, run.Status,
			run.Trigger.Kind, run.Trigger.User,
			run.Git.SHA, run.Git.Branch, run.Git.Message, run.Git.Author,
			run.CreatedAt,
		)
		if err != nil {
			return err
		}

		for _, name := range stageNames {
			_, err := tx.Exec(ctx,
				`INSERT INTO stage_results (run_id, stage_name, status) VALUES ($1, $2, $3)`,
				run.ID, name, model.StagePending,
			)
			if err != nil {
				return fmt.Errorf("insert stage result %q: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return model.Run{}, err
	}
	return run, nil
}

// GetRun fetches a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (model.Run, error) {
	row := s.pool.QueryRow(ctx, selectRunSQL+` WHERE id = $1`, id)
	return scanRun(row)
}

const selectRunSQL = `SELECT id, pipeline_id, number, status, trigger_kind, trigger_user,
	git_sha, git_branch, git_message, git_author, created_at, started_at, finished_at
	FROM runs`

func scanRun(row pgx.Row) (model.Run, error) {
	var r model.Run
	err := row.Scan(
		&r.ID, &r.PipelineID, &r.Number, &r.Status, &r.Trigger.Kind, &r.Trigger.User,
		&r.Git.SHA, &r.Git.Branch, &r.Git.Message, &r.Git.Author,
		&r.CreatedAt, &r.StartedAt, &r.FinishedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.Run{}, ErrNotFound
		}
		return model.Run{}, fmt.Errorf("scan run: %w", err)
	}
	return r, nil
}

// ListRuns returns a pipeline's runs ordered most-recent-first, the history
// query named in spec §4.B.
func (s *Store) ListRuns(ctx context.Context, pipelineID string, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		selectRunSQL+` WHERE pipeline_id = $1 ORDER BY number DESC LIMIT $2`,
		pipelineID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RequestCancel marks a run cancelled out-of-process, for callers (such as
// the CLI's cancel command) that are not the Orchestrator instance actually
// driving the run. It is a Store-only fallback: it cannot reach into a live
// Backend job the way Orchestrator.CancelRun does, so it should be treated
// as "stop recording further progress, the in-flight backend job is leaked
// until it exits on its own" rather than a true kill. Idempotent: a run
// already terminal is left untouched (spec §8 invariant 7).
func (s *Store) RequestCancel(ctx context.Context, runID string, at time.Time) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var status model.RunStatus
		if err := tx.QueryRow(ctx, `SELECT status FROM runs WHERE id = $1 FOR UPDATE`, runID).Scan(&status); err != nil {
			if err == pgx.ErrNoRows {
				return ErrNotFound
			}
			return fmt.Errorf("lookup run: %w", err)
		}
		if status.Terminal() {
			return nil
		}

		if _, err := tx.Exec(ctx,
			`UPDATE runs SET status = $1, finished_at = $2 WHERE id = $3`,
			model.RunCancelled, at, runID,
		); err != nil {
			return fmt.Errorf("cancel run: %w", err)
		}

		_, err := tx.Exec(ctx,
			`UPDATE stage_results SET status = $1, finished_at = $2, error = $3
			 WHERE run_id = $4 AND status NOT IN ($5,$6,$7,$8)`,
			model.StageCancelled, at, "run cancelled",
			runID, model.StageSucceeded, model.StageFailed, model.StageSkipped, model.StageCancelled,
		)
		if err != nil {
			return fmt.Errorf("cancel stages: %w", err)
		}
		return nil
	})
}

// StartRun transitions a run to running and stamps started_at.
func (s *Store) StartRun(ctx context.Context, id string, startedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, started_at = $2 WHERE id = $3`,
		model.RunRunning, startedAt, id,
	)
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FinishRun transitions a run to a terminal status and stamps finished_at
// (spec §3 invariant: finished_at non-null iff status is terminal).
func (s *Store) FinishRun(ctx context.Context, id string, status model.RunStatus, finishedAt time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("finish run: status %q is not terminal", status)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, finished_at = $2 WHERE id = $3`,
		status, finishedAt, id,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
