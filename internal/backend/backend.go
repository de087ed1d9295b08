// Package backend abstracts over the place a stage's container actually
// runs (spec §4.A). The Orchestrator is backend-agnostic: it spawns a job,
// drains its logs, waits for a terminal status, and cancels on timeout or
// run cancellation, never caring whether the job ran as a local process or
// on a cluster workload manager.
//
// The interface split mirrors the teacher's two execution-surface
// abstractions: internal/checks.CommandRunner (a narrow, swappable
// exec.CommandContext wrapper used for local execution) and
// internal/session.TmuxRunner (a wider interface fronting a long-lived,
// externally-managed execution surface). Backend generalizes both shapes
// into one contract with two concrete implementations.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// JobStatus is a point-in-time snapshot of a spawned job (spec §4.A).
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status will never change again.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// JobSpec describes one unit of work to spawn.
type JobSpec struct {
	Image       string
	Command     []string
	Env         map[string]string
	Workspace   string
	Timeout     time.Duration
	CancelToken string
}

// Stream tags a LogLine as belonging to stdout or stderr.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// LogLine is one line of output produced by a running job.
type LogLine struct {
	Timestamp time.Time
	Stream    Stream
	Content   string
}

// JobResult is the terminal outcome handed back by Wait.
type JobResult struct {
	Status   JobStatus
	ExitCode int
	Reason   string
}

// ImagePullError reports a failure to obtain the requested image.
type ImagePullError struct {
	Image string
	Err   error
}

func (e *ImagePullError) Error() string {
	return fmt.Sprintf("pull image %q: %v", e.Image, e.Err)
}
func (e *ImagePullError) Unwrap() error { return e.Err }

// CreationError reports a failure to create the job itself (after the image
// was available).
type CreationError struct {
	Err error
}

func (e *CreationError) Error() string { return fmt.Sprintf("create job: %v", e.Err) }
func (e *CreationError) Unwrap() error { return e.Err }

// BackendUnavailable reports that the backend cannot currently accept work
// (e.g. the cluster scheduler is unreachable).
type BackendUnavailable struct {
	Reason string
}

func (e *BackendUnavailable) Error() string { return fmt.Sprintf("backend unavailable: %s", e.Reason) }

// ErrUnknownHandle is returned by Logs/Status/Wait/Cancel for a handle the
// backend does not recognize (never spawned, or its record has been
// garbage-collected).
var ErrUnknownHandle = errors.New("backend: unknown job handle")

// Handle opaquely identifies a spawned job. Backends define their own
// concrete values; callers must treat it as opaque.
type Handle interface {
	String() string
}

// Backend is the polymorphic container-execution contract shared by every
// variant (spec §4.A). Each spawn is at-most-once: a Backend implementation
// must never duplicate work for a handle it already returned.
type Backend interface {
	// Spawn launches a job and returns a handle identifying it.
	Spawn(ctx context.Context, spec JobSpec) (Handle, error)

	// Logs streams every log line produced by the job, from the start of
	// the job, terminating once the job is in a terminal state and all
	// buffered output has drained. The returned channel is closed when the
	// stream ends; a non-nil error from the error channel means buffering
	// failed partway and the log stream is incomplete.
	Logs(ctx context.Context, h Handle) (<-chan LogLine, <-chan error)

	// Status returns a point-in-time snapshot of the job's state.
	Status(ctx context.Context, h Handle) (JobStatus, error)

	// Wait blocks until the job reaches a terminal status and returns its
	// result exactly once.
	Wait(ctx context.Context, h Handle) (JobResult, error)

	// Cancel requests termination of the job. It is idempotent and must
	// cause a pending Wait to resolve within the backend's grace window.
	Cancel(ctx context.Context, h Handle) error
}
