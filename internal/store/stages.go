package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/buildit/core/internal/model"
)

const selectStageResultSQL = `SELECT run_id, stage_name, status, started_at, finished_at, error, job_id
	FROM stage_results`

// GetStageResults returns every StageResult for a run, used by the
// orchestrator to reconstruct in-memory DAG state after a crash (spec §4.G
// recovery, scenario S6).
func (s *Store) GetStageResults(ctx context.Context, runID string) ([]model.StageResult, error) {
	rows, err := s.pool.Query(ctx, selectStageResultSQL+` WHERE run_id = $1`, runID)
	if err != nil {
		return nil, fmt.Errorf("list stage results: %w", err)
	}
	defer rows.Close()

	var out []model.StageResult
	for rows.Next() {
		sr, err := scanStageResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

func scanStageResult(row pgx.Row) (model.StageResult, error) {
	var sr model.StageResult
	err := row.Scan(&sr.RunID, &sr.StageName, &sr.Status, &sr.StartedAt, &sr.FinishedAt, &sr.Error, &sr.JobID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.StageResult{}, ErrNotFound
		}
		return model.StageResult{}, fmt.Errorf("scan stage result: %w", err)
	}
	return sr, nil
}

// StartStage transitions a stage result to running and stamps started_at,
// recording the claimed job_id as a denormalized hint for debugging (spec
// §9 open question: JobID is never assumed unique with JobQueueEntry.ID).
func (s *Store) StartStage(ctx context.Context, runID, stageName, jobID string, startedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE stage_results SET status = $1, started_at = $2, job_id = $3
		 WHERE run_id = $4 AND stage_name = $5`,
		model.StageRunning, startedAt, jobID, runID, stageName,
	)
	if err != nil {
		return fmt.Errorf("start stage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FinishStage transitions a stage result to a terminal status (succeeded,
// failed, skipped, or cancelled) and stamps finished_at.
func (s *Store) FinishStage(ctx context.Context, runID, stageName string, status model.StageStatus, finishedAt time.Time, stageErr string) error {
	if !status.Terminal() {
		return fmt.Errorf("finish stage: status %q is not terminal", status)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE stage_results SET status = $1, finished_at = $2, error = $3
		 WHERE run_id = $4 AND stage_name = $5`,
		status, finishedAt, stageErr, runID, stageName,
	)
	if err != nil {
		return fmt.Errorf("finish stage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SkipStage marks a stage skipped without ever having run, used when a
// failed dependency makes it unreachable or a whole run's plan was invalid
// (spec §4.G failure propagation, scenario S5); reason is recorded as the
// stage's error text.
func (s *Store) SkipStage(ctx context.Context, runID, stageName string, at time.Time, reason string) error {
	return s.FinishStage(ctx, runID, stageName, model.StageSkipped, at, reason)
}

// StageDurationStats reports the average and p95 duration (milliseconds) of
// a stage across its terminal occurrences, the percentile-duration history
// query the teacher computes in internal/analytics/analytics.go.
type StageDurationStats struct {
	StageName string
	Count     int
	AvgMs     float64
	P95Ms     float64
}

// StageDurations computes, per stage name, duration statistics across every
// stage result of a pipeline's runs that has both started_at and
// finished_at set, whatever its status. Percentile computation is done in
// SQL via percentile_cont, the Postgres-native analogue of the teacher's
// in-process sort-and-index approach (it cannot sort in Go without pulling
// every row into memory first, and the query already has the full set).
func (s *Store) StageDurations(ctx context.Context, pipelineID string) ([]StageDurationStats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT sr.stage_name,
		       COUNT(*),
		       AVG(EXTRACT(EPOCH FROM (sr.finished_at - sr.started_at)) * 1000),
		       percentile_cont(0.95) WITHIN GROUP (
		           ORDER BY EXTRACT(EPOCH FROM (sr.finished_at - sr.started_at)) * 1000
		       )
		FROM stage_results sr
		JOIN runs r ON r.id = sr.run_id
		WHERE r.pipeline_id = $1 AND sr.started_at IS NOT NULL AND sr.finished_at IS NOT NULL
		GROUP BY sr.stage_name
		ORDER BY sr.stage_name`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("stage durations: %w", err)
	}
	defer rows.Close()

	var out []StageDurationStats
	for rows.Next() {
		var st StageDurationStats
		if err := rows.Scan(&st.StageName, &st.Count, &st.AvgMs, &st.P95Ms); err != nil {
			return nil, fmt.Errorf("scan stage duration stats: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
