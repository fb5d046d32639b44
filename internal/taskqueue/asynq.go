package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

// TaskType is the asynq task type name for transcription jobs.
const TaskType = "scribed:transcribe"

// DefaultQueue is used when no queue name is configured.
const DefaultQueue = "transcription"

// AsynqQueue is a JobQueue backed by asynq on Redis. Jobs are never retried.
type AsynqQueue struct {
	client *asynq.Client
	insp   *asynq.Inspector
	queue  string
}

var _ JobQueue = (*AsynqQueue)(nil)

// NewAsynqQueue connects a client and an inspector to the queue.
func NewAsynqQueue(opt asynq.RedisConnOpt, queue string) *AsynqQueue {
	if queue == "" {
		queue = DefaultQueue
	}
	return &AsynqQueue{
		client: asynq.NewClient(opt),
		insp:   asynq.NewInspector(opt),
		queue:  queue,
	}
}

// RedisOpt parses a redis:// URL into asynq connection options.
func RedisOpt(url string) (asynq.RedisConnOpt, error) {
	opt, err := asynq.ParseRedisURI(url)
	if err != nil {
		return nil, fmt.Errorf("parse queue redis url: %w", err)
	}
	return opt, nil
}

func (q *AsynqQueue) Enqueue(ctx context.Context, payload []byte, opts EnqueueOptions) (string, error) {
	taskOpts := []asynq.Option{
		asynq.Queue(q.queue),
		asynq.TaskID(opts.ID),
		asynq.MaxRetry(0),
	}
	if opts.Timeout > 0 {
		taskOpts = append(taskOpts, asynq.Timeout(opts.Timeout))
	}
	if opts.ResultTTL > 0 {
		taskOpts = append(taskOpts, asynq.Retention(opts.ResultTTL))
	}
	info, err := q.client.EnqueueContext(ctx, asynq.NewTask(TaskType, payload), taskOpts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return "", ErrDuplicate
	}
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return info.ID, nil
}

func (q *AsynqQueue) Fetch(_ context.Context, jobID string) (Job, error) {
	info, err := q.insp.GetTaskInfo(q.queue, jobID)
	if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		return Job{}, ErrJobNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("fetch job %s: %w", jobID, err)
	}
	return Job{ID: info.ID, State: stateOf(info.State), Result: info.Result, Err: info.LastErr}, nil
}

// Cancel deletes a job that has not started and signals an active one.
// The active handler keeps running until it observes its context.
func (q *AsynqQueue) Cancel(_ context.Context, jobID string) (bool, error) {
	info, err := q.insp.GetTaskInfo(q.queue, jobID)
	if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		return false, ErrJobNotFound
	}
	if err != nil {
		return false, fmt.Errorf("cancel job %s: %w", jobID, err)
	}
	switch info.State {
	case asynq.TaskStatePending, asynq.TaskStateScheduled, asynq.TaskStateRetry, asynq.TaskStateAggregating:
		if err := q.insp.DeleteTask(q.queue, jobID); err != nil {
			return false, fmt.Errorf("cancel job %s: %w", jobID, err)
		}
		return true, nil
	case asynq.TaskStateActive:
		if err := q.insp.CancelProcessing(jobID); err != nil {
			return false, fmt.Errorf("cancel job %s: %w", jobID, err)
		}
		return true, nil
	}
	return false, nil
}

// Close releases the client and inspector connections.
func (q *AsynqQueue) Close() error {
	return errors.Join(q.client.Close(), q.insp.Close())
}

func stateOf(s asynq.TaskState) JobState {
	switch s {
	case asynq.TaskStatePending:
		return JobQueued
	case asynq.TaskStateActive:
		return JobStarted
	case asynq.TaskStateCompleted:
		return JobFinished
	case asynq.TaskStateArchived:
		return JobFailed
	case asynq.TaskStateScheduled, asynq.TaskStateRetry, asynq.TaskStateAggregating:
		return JobDeferred
	}
	return JobQueued
}

// ServerConfig configures NewAsynqServer.
type ServerConfig struct {
	Queue           string
	ShutdownTimeout time.Duration
	Logger          *zerolog.Logger
}

// NewAsynqServer builds a worker server that runs one job at a time.
func NewAsynqServer(opt asynq.RedisConnOpt, cfg ServerConfig) *asynq.Server {
	queue := cfg.Queue
	if queue == "" {
		queue = DefaultQueue
	}
	l := zerolog.Nop()
	if cfg.Logger != nil {
		l = cfg.Logger.With().Str("component", "asynq").Logger()
	}
	return asynq.NewServer(opt, asynq.Config{
		Concurrency:     1,
		Queues:          map[string]int{queue: 1},
		Logger:          asynqLogger{l: l},
		ShutdownTimeout: cfg.ShutdownTimeout,
		// Jobs are created with MaxRetry(0); failures go straight to archived.
		RetryDelayFunc: func(int, error, *asynq.Task) time.Duration { return 0 },
	})
}

// NewServeMux routes transcription tasks to h. Handler errors skip retries.
func NewServeMux(h Handler) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskType, func(ctx context.Context, t *asynq.Task) error {
		id, _ := asynq.GetTaskID(ctx)
		res, err := h(ctx, id, t.Payload())
		if err != nil {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		if len(res) > 0 {
			if _, err := t.ResultWriter().Write(res); err != nil {
				return fmt.Errorf("write result: %w", err)
			}
		}
		return nil
	})
	return mux
}

// asynqLogger routes asynq's logs into zerolog.
type asynqLogger struct{ l zerolog.Logger }

func (a asynqLogger) Debug(args ...interface{}) { a.l.Debug().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...interface{})  { a.l.Info().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...interface{})  { a.l.Warn().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...interface{}) { a.l.Error().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Fatal(args ...interface{}) { a.l.Fatal().Msg(fmt.Sprint(args...)) }
