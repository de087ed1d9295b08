package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/buildit/core/internal/backend"
	"github.com/buildit/core/internal/model"
)

// fakeStore is an in-memory runStore, letting scenario tests drive the
// orchestrator without a live Postgres instance (spec §9's design note
// calls out in-memory fakes of Store/Queue/Backend/Clock as the intended
// way to test Run Orchestrator scenarios).
type fakeStore struct {
	mu      sync.Mutex
	runs    map[string]model.Run
	stages  map[string]map[string]model.StageResult // runID -> stageName -> result
	numbers map[string]int                           // pipelineID -> last assigned number
	logs    map[string][]model.LogLine
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		runs:    make(map[string]model.Run),
		stages:  make(map[string]map[string]model.StageResult),
		numbers: make(map[string]int),
		logs:    make(map[string][]model.LogLine),
	}
}

func (s *fakeStore) CreateRun(ctx context.Context, run model.Run, stageNames []string) (model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	s.numbers[run.PipelineID]++
	run.Number = s.numbers[run.PipelineID]
	s.runs[run.ID] = run

	st := make(map[string]model.StageResult, len(stageNames))
	for _, name := range stageNames {
		st[name] = model.StageResult{RunID: run.ID, StageName: name, Status: model.StagePending}
	}
	s.stages[run.ID] = st
	return run, nil
}

func (s *fakeStore) GetRun(ctx context.Context, id string) (model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return model.Run{}, fmt.Errorf("fake store: run %q not found", id)
	}
	return r, nil
}

func (s *fakeStore) ListRuns(ctx context.Context, pipelineID string, limit int) ([]model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Run
	for _, r := range s.runs {
		if r.PipelineID == pipelineID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeStore) StartRun(ctx context.Context, id string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.runs[id]
	r.Status = model.RunRunning
	r.StartedAt = &startedAt
	s.runs[id] = r
	return nil
}

func (s *fakeStore) FinishRun(ctx context.Context, id string, status model.RunStatus, finishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.runs[id]
	r.Status = status
	r.FinishedAt = &finishedAt
	s.runs[id] = r
	return nil
}

func (s *fakeStore) RequestCancel(ctx context.Context, runID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("fake store: run %q not found", runID)
	}
	if r.Status.Terminal() {
		return nil
	}
	r.Status = model.RunCancelled
	r.FinishedAt = &at
	s.runs[runID] = r
	return nil
}

func (s *fakeStore) GetStageResults(ctx context.Context, runID string) ([]model.StageResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.StageResult
	for _, r := range s.stages[runID] {
		out = append(out, r)
	}
	return out, nil
}

func (s *fakeStore) StartStage(ctx context.Context, runID, stageName, jobID string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.stages[runID][stageName]
	r.RunID, r.StageName = runID, stageName
	r.Status = model.StageRunning
	r.StartedAt = &startedAt
	r.JobID = jobID
	s.stages[runID][stageName] = r
	return nil
}

func (s *fakeStore) FinishStage(ctx context.Context, runID, stageName string, status model.StageStatus, finishedAt time.Time, stageErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.stages[runID][stageName]
	r.RunID, r.StageName = runID, stageName
	r.Status = status
	r.FinishedAt = &finishedAt
	r.Error = stageErr
	s.stages[runID][stageName] = r
	return nil
}

func (s *fakeStore) SkipStage(ctx context.Context, runID, stageName string, at time.Time, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.stages[runID][stageName]
	r.RunID, r.StageName = runID, stageName
	r.Status = model.StageSkipped
	r.FinishedAt = &at
	r.Error = reason
	s.stages[runID][stageName] = r
	return nil
}

func (s *fakeStore) AppendLogLine(ctx context.Context, l model.LogLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := l.RunID + "/" + l.StageName
	s.logs[key] = append(s.logs[key], l)
	return nil
}

func (s *fakeStore) ListLogLines(ctx context.Context, runID, stageName string) ([]model.LogLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.LogLine(nil), s.logs[runID+"/"+stageName]...), nil
}

func (s *fakeStore) stageStatus(runID, stageName string) model.StageStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stages[runID][stageName].Status
}

// fakeHandle is the fakeBackend's opaque job identifier.
type fakeHandle string

func (h fakeHandle) String() string { return string(h) }

// fakeJob describes one stage's scripted outcome for fakeBackend.
type fakeJob struct {
	delay     time.Duration // how long Wait blocks before resolving
	result    backend.JobResult
	onCancel  backend.JobResult // result Wait resolves to if Cancel is called first
	cancelled bool
}

// fakeBackend is a scripted, in-memory Backend: each Spawn is matched to a
// pre-registered fakeJob by the stage's single command string (tests set
// the command to the stage name for this purpose).
type fakeBackend struct {
	mu         sync.Mutex
	jobs       map[string]*fakeJob // command -> script
	cancelled  map[string]bool
	spawnCount map[string]int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		jobs:       make(map[string]*fakeJob),
		cancelled:  make(map[string]bool),
		spawnCount: make(map[string]int),
	}
}

func (b *fakeBackend) script(name string, j fakeJob) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.jobs[name] = &j
}

func (b *fakeBackend) Spawn(ctx context.Context, spec backend.JobSpec) (backend.Handle, error) {
	name := spec.Command[0]
	b.mu.Lock()
	b.spawnCount[name]++
	b.mu.Unlock()
	return fakeHandle(name), nil
}

func (b *fakeBackend) Logs(ctx context.Context, h backend.Handle) (<-chan backend.LogLine, <-chan error) {
	logCh := make(chan backend.LogLine)
	errCh := make(chan error, 1)
	close(logCh)
	close(errCh)
	return logCh, errCh
}

func (b *fakeBackend) Status(ctx context.Context, h backend.Handle) (backend.JobStatus, error) {
	return backend.JobRunning, nil
}

func (b *fakeBackend) Wait(ctx context.Context, h backend.Handle) (backend.JobResult, error) {
	name := h.String()
	b.mu.Lock()
	j, ok := b.jobs[name]
	b.mu.Unlock()
	if !ok {
		return backend.JobResult{Status: backend.JobSucceeded}, nil
	}

	timer := time.NewTimer(j.delay)
	defer timer.Stop()
	<-timer.C

	b.mu.Lock()
	defer b.mu.Unlock()
	if j.cancelled {
		return j.onCancel, nil
	}
	return j.result, nil
}

func (b *fakeBackend) Cancel(ctx context.Context, h backend.Handle) error {
	name := h.String()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelled[name] = true
	if j, ok := b.jobs[name]; ok {
		j.cancelled = true
	}
	return nil
}

func (b *fakeBackend) wasCancelled(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancelled[name]
}

func (b *fakeBackend) spawns(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spawnCount[name]
}

// fakeQueue is an in-memory runQueue: Enqueue/Claim/Complete/Fail against a
// map rather than Postgres's SELECT ... FOR UPDATE SKIP LOCKED, since
// scenario tests only need the lease bookkeeping to be internally
// consistent, not concurrency-safe under real contention (that's exercised
// directly against Postgres in internal/queue's own tests).
type fakeQueue struct {
	mu      sync.Mutex
	entries map[string]model.JobQueueEntry
	seq     int
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{entries: make(map[string]model.JobQueueEntry)}
}

func (q *fakeQueue) Enqueue(ctx context.Context, runID, stageName string, priority int) (model.JobQueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	e := model.JobQueueEntry{
		ID: fmt.Sprintf("fake-queue-%d", q.seq), RunID: runID, StageName: stageName,
		Priority: priority, Status: model.QueuePending, CreatedAt: time.Now(),
	}
	q.entries[e.ID] = e
	return e, nil
}

func (q *fakeQueue) Claim(ctx context.Context, workerID string) (model.JobQueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, e := range q.entries {
		if e.Status != model.QueuePending {
			continue
		}
		e.Status = model.QueueRunning
		e.ClaimedBy = workerID
		q.entries[id] = e
		return e, nil
	}
	return model.JobQueueEntry{}, fmt.Errorf("fake queue: no pending entries")
}

func (q *fakeQueue) Complete(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return fmt.Errorf("fake queue: entry %q not found", id)
	}
	e.Status = model.QueueCompleted
	q.entries[id] = e
	return nil
}

func (q *fakeQueue) Fail(ctx context.Context, id, errText string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return fmt.Errorf("fake queue: entry %q not found", id)
	}
	e.Status = model.QueueFailed
	e.Error = errText
	q.entries[id] = e
	return nil
}
