package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/buildit/core/internal/backend"
	"github.com/buildit/core/internal/dag"
	"github.com/buildit/core/internal/eventbus"
	"github.com/buildit/core/internal/model"
	"github.com/buildit/core/internal/variables"
)

// inflightStage tracks the live Backend handle for one running stage so the
// driver loop can cancel it from outside executeStage's goroutine.
type inflightStage struct {
	mu     sync.Mutex
	handle backend.Handle
}

// stageOutcome is what executeStage reports back to the driver loop once a
// stage reaches a terminal state.
type stageOutcome struct {
	name       string
	status     model.StageStatus
	errText    string
	startedAt  time.Time
	finishedAt time.Time
}

// executeStage resolves a stage's command and env templates, spawns it on
// the Backend, streams its logs into the Store and Bus, waits for a
// terminal result (enforcing the stage's timeout authoritatively), and
// persists the outcome (spec §4.G steps 4-6).
func (o *Orchestrator) executeStage(ctx context.Context, run model.Run, opts TriggerOpts, plan *dag.Plan, stage model.Stage, slot *inflightStage, resultsCh chan<- stageOutcome) {
	startedAt := o.clock.Now()

	resolver := variables.New(variables.StandardScopes(variables.BuildOpts{
		Pipeline:   opts.Pipeline,
		Run:        run,
		StageName:  stage.Name,
		StageIndex: plan.IndexOf(stage.Name),
		Env:        opts.Env,
		Secrets:    opts.Secrets,
		Custom:     opts.Custom,
	}))

	commands, env, warnings, err := resolveStage(resolver, stage, opts.Env)
	if err != nil {
		o.finishStage(ctx, run, stage.Name, model.StageFailed, startedAt, o.clock.Now(), err.Error(), resultsCh)
		return
	}
	for _, w := range warnings {
		o.bus.Publish(eventbus.Event{
			Kind: eventbus.KindVariableWarning, RunID: run.ID, StageName: stage.Name,
			Scope: w.Scope, Key: w.Key, Timestamp: startedAt.UnixNano(),
		})
	}

	_, err = o.queue.Enqueue(ctx, run.ID, stage.Name, stage.Priority)
	if err != nil {
		o.finishStage(ctx, run, stage.Name, model.StageFailed, startedAt, o.clock.Now(), fmt.Sprintf("enqueue stage: %v", err), resultsCh)
		return
	}
	// Claim is the queue's generic "pop highest-priority oldest pending row"
	// primitive (spec §4.C steps 1-3); calling it immediately after Enqueue
	// can, under concurrent dispatch of multiple ready stages, claim a
	// sibling's row instead of the one just enqueued here. That only
	// mis-labels which job_queue row this stage's lease bookkeeping points
	// at (StartStage's jobID, and the Complete/Fail call below) — it never
	// affects which command runs, since execution is driven by the stage
	// value already resolved above, not by the claimed entry. Every
	// dispatched stage still claims and resolves exactly one row.
	claimed, err := o.queue.Claim(ctx, o.workerID)
	if err != nil {
		o.finishStage(ctx, run, stage.Name, model.StageFailed, startedAt, o.clock.Now(), fmt.Sprintf("claim stage: %v", err), resultsCh)
		return
	}

	if err := o.withStoreRetry(ctx, func() error {
		return o.store.StartStage(ctx, run.ID, stage.Name, claimed.ID, startedAt)
	}); err != nil {
		o.failQueueEntry(claimed.ID, err.Error())
		o.finishStage(ctx, run, stage.Name, model.StageFailed, startedAt, o.clock.Now(), fmt.Sprintf("persist stage start: %v", err), resultsCh)
		return
	}
	o.bus.Publish(eventbus.Event{Kind: eventbus.KindStageStarted, RunID: run.ID, StageName: stage.Name, Timestamp: startedAt.UnixNano()})

	h, err := o.backend.Spawn(ctx, backend.JobSpec{
		Image:   stage.Image,
		Command: commands,
		Env:     env,
		Timeout: stage.Timeout,
	})
	if err != nil {
		o.failQueueEntry(claimed.ID, err.Error())
		o.finishStage(ctx, run, stage.Name, model.StageFailed, startedAt, o.clock.Now(), err.Error(), resultsCh)
		return
	}
	slot.mu.Lock()
	slot.handle = h
	slot.mu.Unlock()

	logsDone := o.drainLogs(run, stage.Name, h)

	result := o.waitWithTimeout(h, stage.Timeout)

	// Block until every buffered log line up to termination has been
	// persisted and published before this stage is declared complete, so
	// StageLog events for this stage always precede its StageCompleted
	// (spec §4.G step 6, §5 ordering guarantee).
	<-logsDone

	finishedAt := o.clock.Now()
	status := translateStatus(result.Status)
	if err := o.withStoreRetry(ctx, func() error {
		return o.store.FinishStage(context.Background(), run.ID, stage.Name, status, finishedAt, result.Reason)
	}); err != nil {
		o.log.Sugar().Errorw("persist stage finish failed", "stage", stage.Name, "error", err)
	}
	if status == model.StageSucceeded {
		if err := o.queue.Complete(context.Background(), claimed.ID); err != nil {
			o.log.Sugar().Warnw("mark queue entry complete failed", "queue_id", claimed.ID, "error", err)
		}
	} else {
		o.failQueueEntry(claimed.ID, result.Reason)
	}
	resultsCh <- stageOutcome{name: stage.Name, status: status, errText: result.Reason, startedAt: startedAt, finishedAt: finishedAt}
}

// failQueueEntry marks a claimed job_queue row failed, logging rather than
// propagating: a failure to record the queue-side outcome must never stop
// the stage's own terminal status (already decided) from reaching the
// driver loop. Shared by every path that abandons a claimed row before or
// after the backend ran (spec §4.C completion: "fail(id, error) sets
// status = failed, error = ...").
func (o *Orchestrator) failQueueEntry(id, errText string) {
	if err := o.queue.Fail(context.Background(), id, errText); err != nil {
		o.log.Sugar().Warnw("mark queue entry failed failed", "queue_id", id, "error", err)
	}
}

// resolveStage expands every command and env value through the resolver,
// merging run-level env under stage-level env (stage values win), and
// collects every unknown-key warning encountered along the way (spec §4.E:
// "Unknown keys in a known scope expand to empty string with a warning
// event").
func resolveStage(resolver *variables.Resolver, stage model.Stage, runEnv map[string]string) ([]string, map[string]string, []variables.Warning, error) {
	var allWarnings []variables.Warning

	commands := make([]string, len(stage.Commands))
	for i, c := range stage.Commands {
		expanded, warnings, err := resolver.Expand(c)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("resolve command %d of stage %q: %w", i, stage.Name, err)
		}
		commands[i] = expanded
		allWarnings = append(allWarnings, warnings...)
	}

	merged := make(map[string]string, len(runEnv)+len(stage.Env))
	for k, v := range runEnv {
		merged[k] = v
	}
	for k, v := range stage.Env {
		merged[k] = v
	}
	env, warnings, err := resolver.ExpandEnv(merged)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("resolve env of stage %q: %w", stage.Name, err)
	}
	allWarnings = append(allWarnings, warnings...)
	return commands, env, allWarnings, nil
}

// finishStage is the shortcut path used when a stage never gets a running
// backend job (resolver, queue or persistence failure, or a failed Spawn).
func (o *Orchestrator) finishStage(ctx context.Context, run model.Run, name string, status model.StageStatus, startedAt, finishedAt time.Time, errText string, resultsCh chan<- stageOutcome) {
	if err := o.withStoreRetry(ctx, func() error {
		return o.store.FinishStage(context.Background(), run.ID, name, status, finishedAt, errText)
	}); err != nil {
		o.log.Sugar().Errorw("persist stage finish failed", "stage", name, "error", err)
	}
	resultsCh <- stageOutcome{name: name, status: status, errText: errText, startedAt: startedAt, finishedAt: finishedAt}
}

// drainLogs copies every line the Backend produces into the Store and
// publishes it on the Bus, returning a channel that closes once the
// Backend's log stream has ended (spec §4.A: "logs ... terminates when the
// job reaches a terminal state and all buffered output has been drained").
// A log-stream error is recorded as a warning and never fails the stage on
// its own (spec §4.G failure semantics: "does not by itself fail the stage;
// the terminal status still comes from wait").
func (o *Orchestrator) drainLogs(run model.Run, stageName string, h backend.Handle) <-chan struct{} {
	logCh, errCh := o.backend.Logs(context.Background(), h)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for line := range logCh {
			ll := model.LogLine{
				RunID: run.ID, StageName: stageName, Timestamp: line.Timestamp,
				Stream: model.LogStream(line.Stream), Content: line.Content,
			}
			if err := o.store.AppendLogLine(context.Background(), ll); err != nil {
				o.log.Sugar().Warnw("append log line failed", "run_id", run.ID, "stage", stageName, "error", err)
			}
			o.bus.Publish(eventbus.Event{
				Kind: eventbus.KindStageLog, RunID: run.ID, StageName: stageName,
				Stream: string(line.Stream), Content: line.Content, Timestamp: line.Timestamp.UnixNano(),
			})
		}
		// errCh is a buffered, best-effort side channel: a Backend writes to
		// it only on a stream error and otherwise never sends or closes it,
		// so this read must not block waiting for a value that may never
		// arrive.
		select {
		case err := <-errCh:
			if err != nil {
				o.log.Sugar().Warnw("log stream ended with error", "run_id", run.ID, "stage", stageName, "error", err)
			}
		default:
		}
	}()
	return done
}

// waitWithTimeout blocks for the job's terminal result, enforcing the
// stage's timeout authoritatively: the Orchestrator — not the Backend — is
// the source of truth for when a stage has overrun (spec §5: "per-stage
// timeout in the stage definition bounds wait"). Wait itself is always
// called with a background context so a caller-cancelled run context
// doesn't discard the real terminal result out from under us; cancellation
// is driven explicitly through Backend.Cancel instead.
func (o *Orchestrator) waitWithTimeout(h backend.Handle, timeout time.Duration) backend.JobResult {
	doneCh := make(chan backend.JobResult, 1)
	go func() {
		r, err := o.backend.Wait(context.Background(), h)
		if err != nil {
			r = backend.JobResult{Status: backend.JobFailed, ExitCode: -1, Reason: err.Error()}
		}
		doneCh <- r
	}()

	if timeout <= 0 {
		return <-doneCh
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-doneCh:
		return r
	case <-timer.C:
		_ = o.backend.Cancel(context.Background(), h)
		r := <-doneCh
		r.Status = backend.JobFailed
		r.Reason = "Timeout"
		return r
	}
}

// translateStatus maps a Backend's terminal JobStatus to the corresponding
// StageResult status.
func translateStatus(s backend.JobStatus) model.StageStatus {
	switch s {
	case backend.JobSucceeded:
		return model.StageSucceeded
	case backend.JobCancelled:
		return model.StageCancelled
	default:
		return model.StageFailed
	}
}
