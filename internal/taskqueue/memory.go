package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrJobTimeout is the error recorded on jobs that exceed their timeout.
var ErrJobTimeout = errors.New("job exceeded its timeout")

type memJob struct {
	Job
	payload []byte
	timeout time.Duration
}

// MemoryQueue is an in-process JobQueue for tests and single-process mode.
// Jobs run one at a time through RunNext or Run.
type MemoryQueue struct {
	mu      sync.Mutex
	jobs    map[string]*memJob
	pending []string
	notify  chan struct{}
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{jobs: map[string]*memJob{}, notify: make(chan struct{}, 1)}
}

func (q *MemoryQueue) Enqueue(_ context.Context, payload []byte, opts EnqueueOptions) (string, error) {
	if opts.ID == "" {
		return "", fmt.Errorf("enqueue: job id required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.jobs[opts.ID]; ok {
		return "", ErrDuplicate
	}
	q.jobs[opts.ID] = &memJob{Job: Job{ID: opts.ID, State: JobQueued}, payload: payload, timeout: opts.Timeout}
	q.pending = append(q.pending, opts.ID)
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return opts.ID, nil
}

func (q *MemoryQueue) Fetch(_ context.Context, jobID string) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return j.Job, nil
}

// Cancel drops a queued job. A started job keeps running and is reported
// as not canceled.
func (q *MemoryQueue) Cancel(_ context.Context, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok {
		return false, ErrJobNotFound
	}
	if j.State != JobQueued && j.State != JobDeferred {
		return false, nil
	}
	j.State = JobCanceled
	return true, nil
}

// Len returns the number of jobs waiting to run.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, id := range q.pending {
		if q.jobs[id].State == JobQueued {
			n++
		}
	}
	return n
}

func (q *MemoryQueue) next() *memJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.pending) > 0 {
		id := q.pending[0]
		q.pending = q.pending[1:]
		if j := q.jobs[id]; j.State == JobQueued {
			j.State = JobStarted
			return j
		}
	}
	return nil
}

func (q *MemoryQueue) finish(j *memJob, res []byte, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if j.State != JobStarted {
		return
	}
	if err != nil {
		j.State = JobFailed
		j.Err = err.Error()
		return
	}
	j.State = JobFinished
	j.Result = res
}

// RunNext runs the oldest queued job and reports whether one ran. A job
// that outlives its timeout is marked failed right away, but RunNext still
// waits for the handler to return so the queue never runs two handlers at
// once.
func (q *MemoryQueue) RunNext(ctx context.Context, h Handler) bool {
	j := q.next()
	if j == nil {
		return false
	}
	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if j.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, j.timeout)
	}
	defer cancel()

	type outcome struct {
		res []byte
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		res, err := h(runCtx, j.ID, j.payload)
		done <- outcome{res: res, err: err}
	}()
	select {
	case o := <-done:
		q.finish(j, o.res, o.err)
	case <-runCtx.Done():
		err := runCtx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = ErrJobTimeout
		}
		q.finish(j, nil, err)
		<-done
	}
	return true
}

// Run processes jobs until ctx is done.
func (q *MemoryQueue) Run(ctx context.Context, h Handler) {
	for {
		for q.RunNext(ctx, h) {
		}
		select {
		case <-ctx.Done():
			return
		case <-q.notify:
		}
	}
}
