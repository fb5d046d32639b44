package taskqueue

import (
	"context"
	"errors"
	"time"
)

// JobState is the queue backend's view of a job.
type JobState int

const (
	JobQueued JobState = iota
	JobStarted
	JobFinished
	JobFailed
	JobDeferred
	JobCanceled
)

func (s JobState) String() string {
	switch s {
	case JobQueued:
		return "queued"
	case JobStarted:
		return "started"
	case JobFinished:
		return "finished"
	case JobFailed:
		return "failed"
	case JobDeferred:
		return "deferred"
	case JobCanceled:
		return "canceled"
	}
	return "unknown"
}

var (
	// ErrJobNotFound is returned by Fetch when the backend has no record of
	// the job, either never enqueued or past its retention.
	ErrJobNotFound = errors.New("job not found")
	// ErrDuplicate is returned when a caller-pinned id is already in use.
	ErrDuplicate = errors.New("task id already in use")
)

// Job is a snapshot of one queued unit of work.
type Job struct {
	ID     string
	State  JobState
	Result []byte
	Err    string
}

// EnqueueOptions controls one Enqueue call.
type EnqueueOptions struct {
	// ID pins the job id; required.
	ID string
	// Timeout is the hard wall-clock bound after which the job is failed.
	Timeout time.Duration
	// ResultTTL is how long a finished job stays fetchable.
	ResultTTL time.Duration
}

// JobQueue is an at-least-once job queue.
type JobQueue interface {
	Enqueue(ctx context.Context, payload []byte, opts EnqueueOptions) (string, error)
	Fetch(ctx context.Context, jobID string) (Job, error)
	// Cancel reports whether the job was removed from the queue or signalled
	// to stop.
	Cancel(ctx context.Context, jobID string) (bool, error)
}

// Handler executes one job and returns its result payload.
type Handler func(ctx context.Context, jobID string, payload []byte) ([]byte, error)
