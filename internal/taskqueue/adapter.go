// Package taskqueue wraps a job queue with per-task metadata (status,
// progress, message, eta) kept in the coordination store.
package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"scribed/internal/coord"
	"scribed/internal/model"
)

// Defaults applied when corresponding Config fields are unset.
const (
	DefaultMetadataTTL = 24 * time.Hour
	DefaultJobTimeout  = time.Hour
	DefaultResultTTL   = 24 * time.Hour
)

var (
	// ErrNotFound is returned when a task has no metadata record, either
	// expired or never created.
	ErrNotFound = errors.New("task not found")
	// ErrCanceled is returned by MarkProcessing for a canceled task.
	ErrCanceled = errors.New("task canceled")
)

// WorkParams is everything a worker needs to run one task.
type WorkParams struct {
	FilePath         string `json:"file_path"`
	Language         string `json:"language,omitempty"`
	Model            string `json:"model,omitempty"`
	Format           string `json:"format,omitempty"`
	Diarization      bool   `json:"diarization"`
	Identity         string `json:"identity,omitempty"`
	OriginalFilename string `json:"original_filename,omitempty"`
	FileSizeBytes    int64  `json:"file_size_bytes,omitempty"`
}

// Payload is the job body handed to workers.
type Payload struct {
	TaskID string     `json:"task_id"`
	Params WorkParams `json:"params"`
}

// Task is the merged view of queue state and metadata.
type Task struct {
	ID        string
	Status    model.Status
	Progress  float64
	Message   string
	CreatedAt time.Time
	UpdatedAt *time.Time
	ETA       *int
	Result    json.RawMessage
	Error     string
	Params    WorkParams
}

// Config encapsulates all tunables for Adapter construction.
type Config struct {
	Client      *redis.Client
	Keys        coord.Keys
	Queue       JobQueue
	MetadataTTL time.Duration
	JobTimeout  time.Duration
	ResultTTL   time.Duration
	Now         func() time.Time
	Logger      *zerolog.Logger
}

// Adapter is the task lifecycle API over a JobQueue.
type Adapter struct {
	rdb        *redis.Client
	keys       coord.Keys
	queue      JobQueue
	metaTTL    time.Duration
	jobTimeout time.Duration
	resultTTL  time.Duration
	now        func() time.Time
	log        zerolog.Logger
}

// New constructs an Adapter from Config.
func New(cfg Config) (*Adapter, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("taskqueue: nil store client")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("taskqueue: nil job queue")
	}
	a := &Adapter{
		rdb:        cfg.Client,
		keys:       cfg.Keys,
		queue:      cfg.Queue,
		metaTTL:    cfg.MetadataTTL,
		jobTimeout: cfg.JobTimeout,
		resultTTL:  cfg.ResultTTL,
		now:        cfg.Now,
	}
	if a.metaTTL <= 0 {
		a.metaTTL = DefaultMetadataTTL
	}
	if a.jobTimeout <= 0 {
		a.jobTimeout = DefaultJobTimeout
	}
	if a.resultTTL <= 0 {
		a.resultTTL = DefaultResultTTL
	}
	if a.now == nil {
		a.now = time.Now
	}
	if cfg.Logger != nil {
		a.log = cfg.Logger.With().Str("component", "taskqueue").Logger()
	} else {
		a.log = zerolog.Nop()
	}
	return a, nil
}

// claimTaskScript creates the queued metadata hash together with its expiry
// and active-set entry, or returns 0 if the id is already taken.
var claimTaskScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'progress', '0', 'message', ARGV[2], 'created_at', ARGV[3], 'params', ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
redis.call('SADD', KEYS[2], ARGV[6])
return 1
`)

// Submit writes the queued metadata record and enqueues the job. An empty
// id gets a generated one. The metadata is removed if enqueue fails.
func (a *Adapter) Submit(ctx context.Context, params WorkParams, id string) (string, error) {
	if id == "" {
		id = model.NewTaskID()
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("encode params: %w", err)
	}
	claimed, err := claimTaskScript.Run(ctx, a.rdb,
		[]string{a.keys.TaskMeta(id), a.keys.ActiveTasks()},
		string(model.StatusQueued), "Task queued for processing",
		a.now().UTC().Format(time.RFC3339Nano), string(paramsJSON),
		a.metaTTL.Milliseconds(), id,
	).Int()
	if err != nil {
		return "", coord.Unavailable("write task metadata", err)
	}
	if claimed == 0 {
		return "", ErrDuplicate
	}

	payload, err := json.Marshal(Payload{TaskID: id, Params: params})
	if err != nil {
		a.dropMeta(ctx, id)
		return "", fmt.Errorf("encode payload: %w", err)
	}
	if _, err := a.queue.Enqueue(ctx, payload, EnqueueOptions{ID: id, Timeout: a.jobTimeout, ResultTTL: a.resultTTL}); err != nil {
		a.dropMeta(ctx, id)
		return "", err
	}
	a.log.Info().Str("event", "submit").Str("task_id", id).Str("model", params.Model).Msg("task queued")
	return id, nil
}

func (a *Adapter) dropMeta(ctx context.Context, id string) {
	ctx = context.WithoutCancel(ctx)
	if err := a.rdb.Del(ctx, a.keys.TaskMeta(id)).Err(); err != nil {
		a.log.Warn().Err(err).Str("task_id", id).Msg("metadata cleanup failed")
	}
	_ = a.rdb.SRem(ctx, a.keys.ActiveTasks(), id).Err()
}

type metadata struct {
	status    model.Status
	progress  float64
	message   string
	createdAt time.Time
	updatedAt *time.Time
	eta       *int
	err       string
	params    WorkParams
}

func (a *Adapter) readMeta(ctx context.Context, id string) (metadata, bool, error) {
	var m metadata
	fields, err := a.rdb.HGetAll(ctx, a.keys.TaskMeta(id)).Result()
	if err != nil {
		return m, false, coord.Unavailable("read task metadata", err)
	}
	if len(fields) == 0 {
		return m, false, nil
	}
	m.status, err = model.ParseStatus(fields["status"])
	if err != nil {
		m.status = model.StatusQueued
	}
	m.progress, _ = strconv.ParseFloat(fields["progress"], 64)
	m.message = fields["message"]
	m.err = fields["error"]
	if t, err := time.Parse(time.RFC3339Nano, fields["created_at"]); err == nil {
		m.createdAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["updated_at"]); err == nil {
		m.updatedAt = &t
	}
	if v, err := strconv.Atoi(fields["eta"]); err == nil {
		m.eta = &v
	}
	if raw := fields["params"]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &m.params)
	}
	return m, true, nil
}

// GetStatus merges live queue state with the metadata record. found is
// false when no metadata exists.
func (a *Adapter) GetStatus(ctx context.Context, id string) (Task, bool, error) {
	m, ok, err := a.readMeta(ctx, id)
	if err != nil || !ok {
		return Task{}, false, err
	}
	t := Task{
		ID:        id,
		Status:    m.status,
		Progress:  m.progress,
		Message:   m.message,
		CreatedAt: m.createdAt,
		UpdatedAt: m.updatedAt,
		ETA:       m.eta,
		Error:     m.err,
		Params:    m.params,
	}
	if m.status == model.StatusCanceled {
		return t, true, nil
	}
	job, err := a.queue.Fetch(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrJobNotFound) {
			a.log.Warn().Err(err).Str("task_id", id).Msg("queue state unavailable, using metadata")
		}
		return t, true, nil
	}
	t.Status = statusOf(job.State)
	switch job.State {
	case JobFinished:
		if len(job.Result) > 0 && json.Valid(job.Result) {
			t.Result = json.RawMessage(job.Result)
		}
	case JobFailed, JobCanceled:
		if job.Err != "" {
			t.Error = job.Err
		}
	}
	return t, true, nil
}

func statusOf(s JobState) model.Status {
	switch s {
	case JobQueued, JobDeferred:
		return model.StatusQueued
	case JobStarted:
		return model.StatusProcessing
	case JobFinished:
		return model.StatusCompleted
	case JobFailed, JobCanceled:
		return model.StatusFailed
	}
	return model.StatusQueued
}

var updateProgressScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'progress', ARGV[1], 'message', ARGV[2], 'updated_at', ARGV[3])
if ARGV[4] ~= '' then
  redis.call('HSET', KEYS[1], 'eta', ARGV[4])
end
return 1
`)

// UpdateProgress overwrites progress, message and optionally eta. A task
// without metadata yields ErrNotFound and is not recreated.
func (a *Adapter) UpdateProgress(ctx context.Context, id string, progress float64, message string, eta *int) error {
	etaArg := ""
	if eta != nil {
		etaArg = strconv.Itoa(*eta)
	}
	n, err := updateProgressScript.Run(ctx, a.rdb, []string{a.keys.TaskMeta(id)},
		strconv.FormatFloat(progress, 'f', -1, 64), message, a.now().UTC().Format(time.RFC3339Nano), etaArg).Int()
	if err != nil {
		return coord.Unavailable("update progress", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// setStatus moves the metadata status forward inside a WATCH transaction.
// Re-applying the current status is a no-op.
func (a *Adapter) setStatus(ctx context.Context, id string, to model.Status, fields ...any) (model.Status, error) {
	key := a.keys.TaskMeta(id)
	var from model.Status
	txf := func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, key, "status").Result()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		from = model.Status(raw)
		if from == to {
			return nil
		}
		if from == model.StatusCanceled {
			return ErrCanceled
		}
		if !model.ValidTransition(from, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			args := append([]any{"status", string(to), "updated_at", a.now().UTC().Format(time.RFC3339Nano)}, fields...)
			p.HSet(ctx, key, args...)
			if to.Terminal() {
				p.SRem(ctx, a.keys.ActiveTasks(), id)
			}
			return nil
		})
		return err
	}
	for attempt := 0; attempt < 8; attempt++ {
		err := a.rdb.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return from, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrCanceled), errors.Is(err, ErrInvalidTransition):
			return from, err
		default:
			return from, coord.Unavailable("set task status", err)
		}
	}
	return from, fmt.Errorf("set task status %s: too much contention", id)
}

// ErrInvalidTransition is returned when a status change would reopen a
// finished task.
var ErrInvalidTransition = errors.New("invalid task transition")

// MarkProcessing records that a worker claimed the task. It fails with
// ErrCanceled for a canceled task and never reopens a finished one.
func (a *Adapter) MarkProcessing(ctx context.Context, id string) error {
	_, err := a.setStatus(ctx, id, model.StatusProcessing, "progress", "0", "message", "Processing started")
	return err
}

// MarkFinished records the terminal status in metadata so it survives the
// queue's own retention. A canceled task stays canceled.
func (a *Adapter) MarkFinished(ctx context.Context, id string, status model.Status, message string) error {
	if !status.Terminal() {
		return fmt.Errorf("mark finished: %q is not terminal", status)
	}
	fields := []any{"message", message}
	if status == model.StatusCompleted {
		fields = append(fields, "progress", "100")
	}
	if status == model.StatusFailed {
		fields = append(fields, "error", message)
	}
	_, err := a.setStatus(ctx, id, status, fields...)
	if errors.Is(err, ErrCanceled) {
		return nil
	}
	return err
}

// Cancel marks a queued or processing task canceled and asks the queue to
// drop it. It reports false when the task already finished. In-flight
// inference is not interrupted.
func (a *Adapter) Cancel(ctx context.Context, id string) (bool, error) {
	from, err := a.setStatus(ctx, id, model.StatusCanceled, "message", "Task canceled by user")
	if errors.Is(err, ErrInvalidTransition) {
		return false, nil
	}
	if errors.Is(err, ErrCanceled) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if from == model.StatusCanceled {
		return false, nil
	}
	if _, err := a.queue.Cancel(ctx, id); err != nil && !errors.Is(err, ErrJobNotFound) {
		a.log.Warn().Err(err).Str("task_id", id).Msg("queue cancel failed")
	}
	a.log.Info().Str("event", "cancel").Str("task_id", id).Str("from", string(from)).Msg("task canceled")
	return true, nil
}

// IsCanceled reports whether the task's metadata records a user cancel.
func (a *Adapter) IsCanceled(ctx context.Context, id string) (bool, error) {
	raw, err := a.rdb.HGet(ctx, a.keys.TaskMeta(id), "status").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, coord.Unavailable("read task status", err)
	}
	return model.Status(raw) == model.StatusCanceled, nil
}

// CleanupOldTasks deletes metadata created more than maxAge ago and drops
// those ids from the active set. It returns how many records were removed.
func (a *Adapter) CleanupOldTasks(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := a.now().Add(-maxAge)
	removed := 0
	iter := a.rdb.Scan(ctx, 0, a.keys.TaskMetaPattern(), 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := a.rdb.HGet(ctx, key, "created_at").Result()
		if err != nil {
			continue
		}
		created, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil || !created.Before(cutoff) {
			continue
		}
		id := a.keys.TaskIDFromMeta(key)
		if _, err := a.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, key)
			p.SRem(ctx, a.keys.ActiveTasks(), id)
			return nil
		}); err != nil {
			return removed, coord.Unavailable("cleanup tasks", err)
		}
		removed++
	}
	if err := iter.Err(); err != nil {
		return removed, coord.Unavailable("scan tasks", err)
	}
	if removed > 0 {
		a.log.Info().Str("event", "cleanup").Int("removed", removed).Msg("old task metadata removed")
	}
	return removed, nil
}

// ActiveTasks returns the number of tasks not yet finished.
func (a *Adapter) ActiveTasks(ctx context.Context) (int64, error) {
	n, err := a.rdb.SCard(ctx, a.keys.ActiveTasks()).Result()
	if err != nil {
		return 0, coord.Unavailable("count active tasks", err)
	}
	return n, nil
}
