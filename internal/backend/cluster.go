package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// WorkloadManager is the narrow surface ClusterBackend needs from whatever
// cluster scheduler actually runs the container (a Kubernetes Job API, a
// Nomad client, a Swarm service, ...). Splitting the dependency out as an
// interface — rather than importing a client SDK directly into
// ClusterBackend — mirrors the teacher's session.TmuxRunner: the manager
// talks to the narrow interface, and a real implementation of that
// interface is wired in at the call site, keeping this package free of any
// particular scheduler's SDK.
type WorkloadManager interface {
	// Submit creates a remote job and returns a scheduler-assigned
	// identifier used for every subsequent call.
	Submit(ctx context.Context, spec JobSpec) (string, error)
	// Poll returns the scheduler's current view of a job's status.
	Poll(ctx context.Context, remoteID string) (JobStatus, *JobResult, error)
	// FetchLogs returns any log lines produced since the given cursor, plus
	// the cursor to resume from on the next call.
	FetchLogs(ctx context.Context, remoteID string, since string) ([]LogLine, string, error)
	// Terminate requests the scheduler stop the job. Idempotent.
	Terminate(ctx context.Context, remoteID string) error
}

// ClusterHandle identifies a job running under a WorkloadManager.
type ClusterHandle string

func (h ClusterHandle) String() string { return string(h) }

type clusterJob struct {
	remoteID string
	done     chan struct{}

	mu     sync.Mutex
	status JobStatus
	result JobResult
}

// ClusterBackend runs jobs through an externally-managed WorkloadManager,
// polling it for status and logs rather than owning a process directly
// (spec §4.A: "a deployment may mix local and cluster backends by stage").
type ClusterBackend struct {
	wm           WorkloadManager
	pollInterval time.Duration

	mu   sync.Mutex
	jobs map[ClusterHandle]*clusterJob
}

// NewClusterBackend creates a ClusterBackend that polls wm on the given
// interval for status and log updates.
func NewClusterBackend(wm WorkloadManager, pollInterval time.Duration) *ClusterBackend {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &ClusterBackend{wm: wm, pollInterval: pollInterval, jobs: make(map[ClusterHandle]*clusterJob)}
}

func (b *ClusterBackend) Spawn(ctx context.Context, spec JobSpec) (Handle, error) {
	remoteID, err := b.wm.Submit(ctx, spec)
	if err != nil {
		return nil, &CreationError{Err: err}
	}

	job := &clusterJob{remoteID: remoteID, status: JobPending, done: make(chan struct{})}
	handle := ClusterHandle(uuid.NewString())

	b.mu.Lock()
	b.jobs[handle] = job
	b.mu.Unlock()

	go b.watch(job, spec.Timeout)

	return handle, nil
}

// watch polls the workload manager until the job reaches a terminal state,
// honoring spec.Timeout by cancelling the remote job if it overruns.
func (b *ClusterBackend) watch(job *clusterJob, timeout time.Duration) {
	ctx := context.Background()
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			_ = b.wm.Terminate(ctx, job.remoteID)
			job.mu.Lock()
			job.status = JobCancelled
			job.result = JobResult{Status: JobCancelled, ExitCode: -1, Reason: "stage timeout exceeded"}
			job.mu.Unlock()
			close(job.done)
			return
		case <-ticker.C:
			status, result, err := b.wm.Poll(ctx, job.remoteID)
			if err != nil {
				continue
			}
			job.mu.Lock()
			job.status = status
			if result != nil {
				job.result = *result
			}
			terminal := status.Terminal()
			job.mu.Unlock()
			if terminal {
				close(job.done)
				return
			}
		}
	}
}

func (b *ClusterBackend) lookup(h Handle) (*clusterJob, error) {
	ch, ok := h.(ClusterHandle)
	if !ok {
		return nil, ErrUnknownHandle
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.jobs[ch]
	if !ok {
		return nil, ErrUnknownHandle
	}
	return job, nil
}

// Logs polls the workload manager for new log lines on an interval and
// forwards them onto a channel until the job becomes terminal and the final
// poll drains.
func (b *ClusterBackend) Logs(ctx context.Context, h Handle) (<-chan LogLine, <-chan error) {
	logCh := make(chan LogLine, 256)
	errCh := make(chan error, 1)

	job, err := b.lookup(h)
	if err != nil {
		errCh <- err
		close(errCh)
		close(logCh)
		return logCh, errCh
	}

	go func() {
		defer close(logCh)
		ticker := time.NewTicker(b.pollInterval)
		defer ticker.Stop()
		cursor := ""
		for {
			lines, next, err := b.wm.FetchLogs(ctx, job.remoteID, cursor)
			if err != nil {
				errCh <- fmt.Errorf("fetch logs: %w", err)
				return
			}
			for _, l := range lines {
				logCh <- l
			}
			cursor = next

			select {
			case <-job.done:
				// One last fetch picks up lines produced after the previous poll.
				lines, _, err := b.wm.FetchLogs(ctx, job.remoteID, cursor)
				if err != nil {
					errCh <- fmt.Errorf("fetch logs: %w", err)
					return
				}
				for _, l := range lines {
					logCh <- l
				}
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return logCh, errCh
}

func (b *ClusterBackend) Status(ctx context.Context, h Handle) (JobStatus, error) {
	job, err := b.lookup(h)
	if err != nil {
		return "", err
	}
	job.mu.Lock()
	defer job.mu.Unlock()
	return job.status, nil
}

func (b *ClusterBackend) Wait(ctx context.Context, h Handle) (JobResult, error) {
	job, err := b.lookup(h)
	if err != nil {
		return JobResult{}, err
	}
	select {
	case <-job.done:
		job.mu.Lock()
		defer job.mu.Unlock()
		return job.result, nil
	case <-ctx.Done():
		return JobResult{}, ctx.Err()
	}
}

func (b *ClusterBackend) Cancel(ctx context.Context, h Handle) error {
	job, err := b.lookup(h)
	if err != nil {
		return err
	}
	job.mu.Lock()
	terminal := job.status.Terminal()
	job.mu.Unlock()
	if terminal {
		return nil
	}
	return b.wm.Terminate(ctx, job.remoteID)
}
