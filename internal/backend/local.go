package backend

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LocalHandle identifies a job running as a local OS process.
type LocalHandle string

func (h LocalHandle) String() string { return string(h) }

// localJob tracks one spawned process's live state. Grounded on the
// teacher's checks.ExecRunner, which shells a command out via
// exec.CommandContext and captures stdout/stderr into buffers; here the
// buffers are replaced with a log channel so output can be streamed rather
// than collected after the fact.
type localJob struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc

	logCh chan LogLine
	errCh chan error

	mu       sync.Mutex
	status   JobStatus
	result   JobResult
	done     chan struct{}
}

// LocalBackend runs jobs as local OS processes via sh -c, the same
// execution primitive as the teacher's ExecRunner, extended with log
// streaming and lifecycle tracking per spec §4.A.
type LocalBackend struct {
	mu   sync.Mutex
	jobs map[LocalHandle]*localJob
}

// NewLocalBackend creates an empty LocalBackend.
func NewLocalBackend() *LocalBackend {
	return &LocalBackend{jobs: make(map[LocalHandle]*localJob)}
}

func (b *LocalBackend) Spawn(ctx context.Context, spec JobSpec) (Handle, error) {
	if len(spec.Command) == 0 {
		return nil, &CreationError{Err: fmt.Errorf("empty command")}
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	if spec.Timeout > 0 {
		jobCtx, cancel = context.WithTimeout(jobCtx, spec.Timeout)
	}

	// The stage's ordered commands run in one shell, stopping at the first
	// one that fails.
	cmd := exec.CommandContext(jobCtx, "sh", "-c", strings.Join(spec.Command, " && "))
	cmd.Dir = spec.Workspace
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, &CreationError{Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, &CreationError{Err: err}
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, &CreationError{Err: err}
	}

	job := &localJob{
		cmd:    cmd,
		cancel: cancel,
		logCh:  make(chan LogLine, 256),
		errCh:  make(chan error, 1),
		status: JobRunning,
		done:   make(chan struct{}),
	}

	handle := LocalHandle(uuid.NewString())

	b.mu.Lock()
	b.jobs[handle] = job
	b.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go job.pump(&wg, stdout, StreamStdout)
	go job.pump(&wg, stderr, StreamStderr)

	go func() {
		wg.Wait()
		close(job.logCh)
		waitErr := cmd.Wait()
		job.finish(waitErr)
	}()

	return handle, nil
}

// pump copies lines from a pipe into the job's log channel, tagging each
// with its stream and arrival time.
func (j *localJob) pump(wg *sync.WaitGroup, r io.Reader, stream Stream) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		j.logCh <- LogLine{Timestamp: time.Now(), Stream: stream, Content: scanner.Text()}
	}
	if err := scanner.Err(); err != nil {
		select {
		case j.errCh <- fmt.Errorf("reading %s: %w", stream, err):
		default:
		}
	}
}

func (j *localJob) finish(waitErr error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	switch {
	case waitErr == nil:
		j.status = JobSucceeded
		j.result = JobResult{Status: JobSucceeded, ExitCode: 0}
	default:
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			j.status = JobFailed
			j.result = JobResult{Status: JobFailed, ExitCode: exitErr.ExitCode(), Reason: waitErr.Error()}
		} else if j.cmd.ProcessState == nil {
			j.status = JobCancelled
			j.result = JobResult{Status: JobCancelled, ExitCode: -1, Reason: waitErr.Error()}
		} else {
			j.status = JobFailed
			j.result = JobResult{Status: JobFailed, ExitCode: -1, Reason: waitErr.Error()}
		}
	}
	close(j.done)
}

func (b *LocalBackend) lookup(h Handle) (*localJob, error) {
	lh, ok := h.(LocalHandle)
	if !ok {
		return nil, ErrUnknownHandle
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.jobs[lh]
	if !ok {
		return nil, ErrUnknownHandle
	}
	return job, nil
}

// Logs returns the job's single live log channel. Every line reaches that
// channel once, so the first caller receives the whole stream; lines already
// received by an earlier caller are not replayed to a later one.
func (b *LocalBackend) Logs(ctx context.Context, h Handle) (<-chan LogLine, <-chan error) {
	errCh := make(chan error, 1)
	job, err := b.lookup(h)
	if err != nil {
		errCh <- err
		close(errCh)
		empty := make(chan LogLine)
		close(empty)
		return empty, errCh
	}
	return job.logCh, job.errCh
}

func (b *LocalBackend) Status(ctx context.Context, h Handle) (JobStatus, error) {
	job, err := b.lookup(h)
	if err != nil {
		return "", err
	}
	job.mu.Lock()
	defer job.mu.Unlock()
	return job.status, nil
}

func (b *LocalBackend) Wait(ctx context.Context, h Handle) (JobResult, error) {
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

// Cancel kills the job's shell process by cancelling its context; processes
// that the shell itself started are not signalled. Idempotent: cancelling an
// already-terminal job is a no-op.
func (b *LocalBackend) Cancel(ctx context.Context, h Handle) error {
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
	job.cancel()
	return nil
}
