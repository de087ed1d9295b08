package orchestrator

import (
	"context"

	"github.com/buildit/core/internal/eventbus"
	"github.com/buildit/core/internal/model"
)

// GetRun fetches a run by ID (spec §6: get_run).
func (o *Orchestrator) GetRun(ctx context.Context, runID string) (model.Run, error) {
	return o.store.GetRun(ctx, runID)
}

// GetStageResults fetches every StageResult for a run, completing the
// get_run contract's "+ [StageResult]" half.
func (o *Orchestrator) GetStageResults(ctx context.Context, runID string) ([]model.StageResult, error) {
	return o.store.GetStageResults(ctx, runID)
}

// ListRuns lists a pipeline's runs, newest first by number (spec §6:
// list_runs).
func (o *Orchestrator) ListRuns(ctx context.Context, pipelineID string, limit int) ([]model.Run, error) {
	return o.store.ListRuns(ctx, pipelineID, limit)
}

// Subscribe returns a live event feed for a run, backpressured with
// drop-on-lag (spec §6: subscribe).
func (o *Orchestrator) Subscribe(runID string) *eventbus.Subscription {
	return o.bus.Subscribe(runID)
}

// Logs returns a stage's log lines from the Store (spec §6: logs).
func (o *Orchestrator) Logs(ctx context.Context, runID, stageName string) ([]model.LogLine, error) {
	return o.store.ListLogLines(ctx, runID, stageName)
}

// RequestCancelByID cancels a run this Orchestrator instance is not
// currently driving (e.g. a prior CLI invocation's trigger), falling back
// to the Store-only cancel path. Prefer CancelRun when the Run was started
// by this same instance.
func (o *Orchestrator) RequestCancelByID(ctx context.Context, runID string) error {
	return o.store.RequestCancel(ctx, runID, o.clock.Now())
}
