package orchestrator

import (
	"context"
	"time"

	"github.com/buildit/core/internal/model"
)

// runStore is the subset of *store.Store the driver loop depends on. Kept
// as an interface (rather than the concrete type) so scenario tests can
// drive the orchestrator against an in-memory fake instead of a live
// Postgres instance — the persistence engine itself is exercised directly
// against a real Postgres in internal/store's own tests.
type runStore interface {
	CreateRun(ctx context.Context, run model.Run, stageNames []string) (model.Run, error)
	GetRun(ctx context.Context, id string) (model.Run, error)
	ListRuns(ctx context.Context, pipelineID string, limit int) ([]model.Run, error)
	StartRun(ctx context.Context, id string, startedAt time.Time) error
	FinishRun(ctx context.Context, id string, status model.RunStatus, finishedAt time.Time) error
	RequestCancel(ctx context.Context, runID string, at time.Time) error

	GetStageResults(ctx context.Context, runID string) ([]model.StageResult, error)
	StartStage(ctx context.Context, runID, stageName, jobID string, startedAt time.Time) error
	FinishStage(ctx context.Context, runID, stageName string, status model.StageStatus, finishedAt time.Time, stageErr string) error
	SkipStage(ctx context.Context, runID, stageName string, at time.Time, reason string) error

	AppendLogLine(ctx context.Context, l model.LogLine) error
	ListLogLines(ctx context.Context, runID, stageName string) ([]model.LogLine, error)
}

// runQueue is the subset of *queue.Queue the driver loop depends on. Kept as
// an interface for the same reason as runStore: scenario tests drive the
// orchestrator against an in-memory fake instead of a live Postgres
// instance — the lease protocol itself is exercised directly against a real
// Postgres in internal/queue's own tests.
type runQueue interface {
	Enqueue(ctx context.Context, runID, stageName string, priority int) (model.JobQueueEntry, error)
	Claim(ctx context.Context, workerID string) (model.JobQueueEntry, error)
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, id, errText string) error
}
