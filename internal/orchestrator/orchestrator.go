// Package orchestrator drives one Run to completion: it validates the
// stage DAG, dispatches ready stages to a Backend, persists state
// transitions, fans out lifecycle events, and handles failure propagation,
// cancellation, and per-stage timeouts (spec §4.G).
//
// The teacher's internal/orchestrator.Orchestrator is the direct ancestor
// of this type's shape: a struct holding its collaborators (store, queue,
// session manager, engine, ...), a Create/Advance-style entry point, and
// state transitions expressed as store.Update closures logged through
// LogPipelineEvent. That orchestrator drives a single linear pipeline one
// stage at a time via polling (Advance is called again per check-in); this
// one generalizes the same collaborator-struct shape to concurrent
// DAG-ordered execution of a whole run in a single call, because the spec's
// ready-set/fan-out semantics have no linear "next stage" to advance to.
package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/buildit/core/internal/backend"
	"github.com/buildit/core/internal/clockutil"
	"github.com/buildit/core/internal/dag"
	"github.com/buildit/core/internal/eventbus"
	"github.com/buildit/core/internal/model"
	"github.com/buildit/core/internal/variables"
)

// Orchestrator composes the collaborators needed to drive runs: a Store for
// durable state, a Queue for lease bookkeeping, a Bus for live events, a
// Backend for stage execution, and a Clock for testable timestamps.
type Orchestrator struct {
	store    runStore
	queue    runQueue
	bus      *eventbus.Bus
	backend  backend.Backend
	clock    clockutil.Clock
	workerID string
	log      *zap.Logger
	retry    RetryPolicy

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates an Orchestrator. log may be nil (a no-op logger is used). q
// accepts any runQueue, so production callers pass a *queue.Queue and tests
// pass a fake.
func New(st runStore, q runQueue, bus *eventbus.Bus, be backend.Backend, clock clockutil.Clock, workerID string, log *zap.Logger) *Orchestrator {
	if clock == nil {
		clock = clockutil.Real{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		store:    st,
		queue:    q,
		bus:      bus,
		backend:  be,
		clock:    clock,
		workerID: workerID,
		log:      log,
		retry:    DefaultRetryPolicy,
		cancels:  make(map[string]context.CancelFunc),
	}
}

// TriggerOpts holds everything needed to create and drive a new Run.
type TriggerOpts struct {
	Pipeline model.Pipeline
	Trigger  model.TriggerInfo
	Git      model.GitInfo
	Secrets  variables.SecretProvider
	Custom   map[string]string
	Env      map[string]string

	// OnCreated, if set, is called once the Run is persisted and its
	// CancelRun hook is registered, but before TriggerRun starts driving it
	// to completion. It lets a caller that needs the Run's ID before
	// TriggerRun returns — e.g. a CLI command bridging SIGINT to
	// CancelRun — observe it without a second round trip to the Store.
	OnCreated func(model.Run)
}

// TriggerRun persists a new Run and its pending StageResults, then drives
// it to a terminal state, returning the final Run (spec §6: trigger_run
// "persists a new Run ... schedules Orchestrator"). Concurrent runs are
// achieved by the caller invoking TriggerRun from multiple goroutines — one
// Orchestrator instance conceptually owns one Run's execution, exactly as
// spec §4.G states.
func (o *Orchestrator) TriggerRun(ctx context.Context, opts TriggerOpts) (model.Run, error) {
	stageNames := make([]string, 0, len(opts.Pipeline.Config.Stages))
	for _, s := range opts.Pipeline.Config.Stages {
		stageNames = append(stageNames, s.Name)
	}

	run := model.Run{
		PipelineID: opts.Pipeline.ID,
		Status:     model.RunQueued,
		Trigger:    opts.Trigger,
		Git:        opts.Git,
		CreatedAt:  o.clock.Now(),
	}
	created, err := o.store.CreateRun(ctx, run, stageNames)
	if err != nil {
		return model.Run{}, fmt.Errorf("trigger run: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.cancels[created.ID] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.cancels, created.ID)
		o.mu.Unlock()
		cancel()
	}()

	if opts.OnCreated != nil {
		opts.OnCreated(created)
	}

	return o.drive(runCtx, created, opts)
}

// CancelRun requests termination of a running run. Idempotent: a run that
// is unknown (already finished and unregistered) or already cancelled is a
// no-op, matching spec §8 invariant 7 and §4.G's "cancel_run ... idempotent;
// no-op if already terminal".
func (o *Orchestrator) CancelRun(runID string) {
	o.mu.Lock()
	cancel, ok := o.cancels[runID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
}

// drive runs the §4.G contract for one Run from "queued" to a terminal
// status.
func (o *Orchestrator) drive(ctx context.Context, run model.Run, opts TriggerOpts) (model.Run, error) {
	plan, err := dag.Build(opts.Pipeline.Config.Stages)
	if err != nil {
		return o.failPlan(ctx, run, opts, err), nil
	}

	startedAt := o.clock.Now()
	if err := o.withStoreRetry(ctx, func() error { return o.store.StartRun(ctx, run.ID, startedAt) }); err != nil {
		return run, fmt.Errorf("start run: %w", err)
	}
	run.Status = model.RunRunning
	run.StartedAt = &startedAt
	o.bus.Publish(eventbus.Event{
		Kind: eventbus.KindRunStarted, RunID: run.ID, PipelineID: run.PipelineID,
		Number: run.Number, Timestamp: startedAt.UnixNano(),
	})

	order := plan.TopologicalOrder()
	return o.runLoop(ctx, run, opts, plan, make(map[string]bool, len(order)), make(map[string]bool, len(order)), false), nil
}

// Resume reconstructs a Run's in-memory DAG state from the Store and drives
// it the rest of the way to completion (spec §4.G Store-error recovery
// note, scenario S6: "a new Orchestrator re-plans from the Store ...
// stage[0] (already succeeded) is not re-run"). The run must already be in
// the `running` status (trigger_run got far enough to start it before the
// owning process died); stages the Store still shows as `running` are
// re-dispatched from scratch, which is safe because stage execution is
// required to be idempotent at the reaper boundary (spec §4.C).
func (o *Orchestrator) Resume(ctx context.Context, runID string, opts TriggerOpts) (model.Run, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return model.Run{}, fmt.Errorf("resume: get run: %w", err)
	}
	if run.Status.Terminal() {
		return run, nil
	}

	plan, err := dag.Build(opts.Pipeline.Config.Stages)
	if err != nil {
		return o.failPlan(ctx, run, opts, err), nil
	}

	results, err := o.store.GetStageResults(ctx, run.ID)
	if err != nil {
		return model.Run{}, fmt.Errorf("resume: get stage results: %w", err)
	}

	completed := make(map[string]bool, len(results))
	succeeded := make(map[string]bool, len(results))
	anyFailed := false
	for _, r := range results {
		if r.Status == model.StageRunning {
			continue // crashed mid-flight: re-dispatch, not yet completed
		}
		if r.Status.Terminal() {
			completed[r.StageName] = true
			switch r.Status {
			case model.StageSucceeded:
				succeeded[r.StageName] = true
			case model.StageFailed:
				anyFailed = true
			}
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.cancels[run.ID] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.cancels, run.ID)
		o.mu.Unlock()
		cancel()
	}()

	return o.runLoop(runCtx, run, opts, plan, completed, succeeded, anyFailed), nil
}

// runLoop drives a Run from a given completion snapshot to a terminal
// state (spec §4.G steps 3-9), shared by a fresh TriggerRun (empty
// snapshot, anyFailed=false) and Resume (a snapshot reconstructed from the
// Store, anyFailed reflecting any stage that had already failed before the
// crash).
func (o *Orchestrator) runLoop(ctx context.Context, run model.Run, opts TriggerOpts, plan *dag.Plan, completed, succeeded map[string]bool, anyFailed bool) model.Run {
	order := plan.TopologicalOrder()
	inFlight := make(map[string]*inflightStage, len(order))
	resultsCh := make(chan stageOutcome, len(order))

	dispatch := func(names []string) {
		for _, name := range names {
			st, _ := plan.Stage(name)
			slot := &inflightStage{}
			inFlight[name] = slot
			go o.executeStage(ctx, run, opts, plan, st, slot, resultsCh)
		}
	}
	dispatch(readyExcluding(plan, succeeded, completed, inFlight))

	cancelled := false

	for len(completed) < len(order) {
		var res stageOutcome
		if cancelled {
			// Cancellation already handled once; just drain remaining
			// in-flight resolutions without re-selecting on the now-closed
			// ctx.Done() (which would otherwise spin the loop hot).
			res = <-resultsCh
		} else {
			select {
			case <-ctx.Done():
				cancelled = true
				o.cancelInFlight(inFlight)
				o.skipPendingAsCancelled(ctx, run, order, completed, inFlight)
				continue
			case res = <-resultsCh:
			}
		}

		delete(inFlight, res.name)
		completed[res.name] = true
		if res.status == model.StageSucceeded {
			succeeded[res.name] = true
		}
		o.bus.Publish(eventbus.Event{
			Kind: eventbus.KindStageCompleted, RunID: run.ID, StageName: res.name,
			Status: string(res.status), Error: res.errText, Timestamp: res.finishedAt.UnixNano(),
		})

		if res.status == model.StageFailed {
			anyFailed = true
			o.skipTransitiveDependents(ctx, run, plan, res.name, completed, inFlight)
		}

		if !cancelled {
			dispatch(readyExcluding(plan, succeeded, completed, inFlight))
		}
	}

	finishedAt := o.clock.Now()
	status := model.RunSucceeded
	switch {
	case cancelled:
		status = model.RunCancelled
	case anyFailed:
		status = model.RunFailed
	}

	if err := o.withStoreRetry(ctx, func() error {
		return o.store.FinishRun(context.Background(), run.ID, status, finishedAt)
	}); err != nil {
		o.log.Sugar().Errorw("finish run failed after retries", "run_id", run.ID, "error", err)
	}
	run.Status = status
	run.FinishedAt = &finishedAt
	o.bus.Publish(eventbus.Event{Kind: eventbus.KindRunCompleted, RunID: run.ID, Status: string(status), Timestamp: finishedAt.UnixNano()})
	o.bus.CloseRun(run.ID)

	return run
}

// readyExcluding computes the ready set and strips stages already in flight
// (plan.Ready only excludes `completed`).
func readyExcluding(plan *dag.Plan, succeeded, completed map[string]bool, inFlight map[string]*inflightStage) []string {
	var out []string
	for _, name := range plan.Ready(succeeded, completed) {
		if _, busy := inFlight[name]; !busy {
			out = append(out, name)
		}
	}
	return out
}

// cancelInFlight issues exactly one Backend.Cancel per currently in-flight
// stage (spec scenario S4: "at most one backend cancel issued per
// in-flight stage").
func (o *Orchestrator) cancelInFlight(inFlight map[string]*inflightStage) {
	for _, slot := range inFlight {
		slot.mu.Lock()
		h := slot.handle
		slot.mu.Unlock()
		if h != nil {
			_ = o.backend.Cancel(context.Background(), h)
		}
	}
}

// bulkFinishLimit bounds how many Store writes a bulk skip/cancel fan-out
// issues concurrently, mirroring the SetLimit pattern the ingestion
// pipeline's batch writers use to avoid saturating the pool.
const bulkFinishLimit = 8

// skipPendingAsCancelled marks every stage that is neither completed nor
// in flight as cancelled directly, without ever running it (spec §4.G step
// 9: "mark remaining pending stages cancelled"). The writes are independent
// per stage, so they fan out concurrently instead of serializing one
// round-trip at a time.
func (o *Orchestrator) skipPendingAsCancelled(ctx context.Context, run model.Run, order []string, completed map[string]bool, inFlight map[string]*inflightStage) {
	at := o.clock.Now()
	g, gctx := errgroup.WithContext(context.Background())
	g.SetLimit(bulkFinishLimit)

	for _, name := range order {
		if completed[name] {
			continue
		}
		if _, busy := inFlight[name]; busy {
			continue
		}
		name := name
		completed[name] = true
		g.Go(func() error {
			if err := o.withStoreRetry(gctx, func() error {
				return o.store.FinishStage(context.Background(), run.ID, name, model.StageCancelled, at, "run cancelled")
			}); err != nil {
				o.log.Sugar().Errorw("mark stage cancelled failed", "stage", name, "error", err)
			}
			o.bus.Publish(eventbus.Event{
				Kind: eventbus.KindStageCompleted, RunID: run.ID, StageName: name,
				Status: string(model.StageCancelled), Error: "run cancelled", Timestamp: at.UnixNano(),
			})
			return nil
		})
	}
	_ = g.Wait()
}

// skipTransitiveDependents marks every not-yet-started stage depending
// transitively on a failed stage as skipped (spec §4.G step 7, §8 invariant
// 3), fanned out the same way as skipPendingAsCancelled.
func (o *Orchestrator) skipTransitiveDependents(ctx context.Context, run model.Run, plan *dag.Plan, failedStage string, completed map[string]bool, inFlight map[string]*inflightStage) {
	at := o.clock.Now()
	g, gctx := errgroup.WithContext(context.Background())
	g.SetLimit(bulkFinishLimit)

	for _, name := range plan.TransitiveDependents(failedStage) {
		if completed[name] {
			continue
		}
		if _, busy := inFlight[name]; busy {
			continue
		}
		name := name
		completed[name] = true
		g.Go(func() error {
			errText := fmt.Sprintf("skipped: dependency %q failed", failedStage)
			if err := o.withStoreRetry(gctx, func() error {
				return o.store.SkipStage(context.Background(), run.ID, name, at, errText)
			}); err != nil {
				o.log.Sugar().Errorw("mark stage skipped failed", "stage", name, "error", err)
			}
			o.bus.Publish(eventbus.Event{
				Kind: eventbus.KindStageCompleted, RunID: run.ID, StageName: name,
				Status: string(model.StageSkipped), Error: errText, Timestamp: at.UnixNano(),
			})
			return nil
		})
	}
	_ = g.Wait()
}

// failPlan handles an invalid DAG: the run transitions directly to failed
// with every stage skipped, and no queue entries or backend spawns ever
// occur (spec §4.G step 1, scenario S5).
func (o *Orchestrator) failPlan(ctx context.Context, run model.Run, opts TriggerOpts, planErr error) model.Run {
	at := o.clock.Now()
	if err := o.withStoreRetry(ctx, func() error {
		return o.store.FinishRun(ctx, run.ID, model.RunFailed, at)
	}); err != nil {
		o.log.Sugar().Errorw("finish failed-plan run failed", "run_id", run.ID, "error", err)
	}
	for _, s := range opts.Pipeline.Config.Stages {
		errText := fmt.Sprintf("invalid plan: %v", planErr)
		if err := o.withStoreRetry(ctx, func() error {
			return o.store.SkipStage(ctx, run.ID, s.Name, at, errText)
		}); err != nil {
			o.log.Sugar().Errorw("skip stage after plan failure failed", "stage", s.Name, "error", err)
		}
		o.bus.Publish(eventbus.Event{
			Kind: eventbus.KindStageCompleted, RunID: run.ID, StageName: s.Name,
			Status: string(model.StageSkipped), Error: errText, Timestamp: at.UnixNano(),
		})
	}

	run.Status = model.RunFailed
	run.FinishedAt = &at
	o.bus.Publish(eventbus.Event{Kind: eventbus.KindRunCompleted, RunID: run.ID, Status: string(model.RunFailed), Timestamp: at.UnixNano()})
	o.bus.CloseRun(run.ID)
	return run
}
