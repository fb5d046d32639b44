// Package worker runs one transcription task end to end: claim, model
// acquisition, inference, persistence and resource release.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"scribed/internal/common/fsutil"
	"scribed/internal/inference"
	"scribed/internal/model"
	"scribed/internal/modelcache"
	"scribed/internal/resource"
	"scribed/internal/results"
	"scribed/internal/store"
	"scribed/internal/taskqueue"
	"scribed/pkg/types"
)

// Tasks is the task metadata surface the processor drives.
type Tasks interface {
	IsCanceled(ctx context.Context, id string) (bool, error)
	MarkProcessing(ctx context.Context, id string) error
	UpdateProgress(ctx context.Context, id string, progress float64, message string, eta *int) error
	MarkFinished(ctx context.Context, id string, status model.Status, message string) error
}

// Results persists task outcomes.
type Results interface {
	MarkProcessing(ctx context.Context, taskID string) error
	StoreSuccess(ctx context.Context, taskID, identity string, tr types.Transcript, meta types.ResultMetadata) error
	StoreFailure(ctx context.Context, taskID, identity, message string, meta types.ResultMetadata) error
}

// Models hands out scoped model handles.
type Models interface {
	Acquire(ctx context.Context, name string, onAccelerator bool) (*modelcache.Handle, func(), error)
}

// Planner picks an admissible model when the requested one does not fit.
type Planner interface {
	SuggestFallback(ctx context.Context, requested string, onAccelerator bool) (string, string)
}

// Config wires a Processor.
type Config struct {
	Tasks          Tasks
	Results        Results
	Models         Models
	Planner        Planner
	Transcriber    inference.Transcriber
	DefaultModel   string
	UseAccelerator bool
	// CooperativeCancel checks for a user cancel on every progress report
	// and stops the engine when one is found.
	CooperativeCancel bool
	// RemoveInput deletes the audio file once the task reaches a terminal
	// state.
	RemoveInput bool
	Fs          afero.Fs
	Now         func() time.Time
	Logger      *zerolog.Logger
}

// Processor executes tasks. It is not safe to run two tasks at once in one
// process; each worker process handles a single job at a time.
type Processor struct {
	tasks       Tasks
	results     Results
	models      Models
	planner     Planner
	transcriber inference.Transcriber
	defModel    string
	useAcc      bool
	coopCancel  bool
	removeInput bool
	fs          afero.Fs
	now         func() time.Time
	log         zerolog.Logger
}

// New validates cfg and returns a Processor.
func New(cfg Config) (*Processor, error) {
	if cfg.Tasks == nil || cfg.Results == nil || cfg.Models == nil {
		return nil, fmt.Errorf("worker: tasks, results and models are required")
	}
	p := &Processor{
		tasks:       cfg.Tasks,
		results:     cfg.Results,
		models:      cfg.Models,
		planner:     cfg.Planner,
		transcriber: cfg.Transcriber,
		defModel:    cfg.DefaultModel,
		useAcc:      cfg.UseAccelerator,
		coopCancel:  cfg.CooperativeCancel,
		removeInput: cfg.RemoveInput,
		fs:          cfg.Fs,
		now:         cfg.Now,
	}
	if p.transcriber == nil {
		p.transcriber = inference.Unavailable{}
	}
	if p.fs == nil {
		p.fs = afero.NewOsFs()
	}
	if p.now == nil {
		p.now = time.Now
	}
	if cfg.Logger != nil {
		p.log = cfg.Logger.With().Str("component", "worker").Logger()
	} else {
		p.log = zerolog.Nop()
	}
	return p, nil
}

// Handler adapts Process to a queue handler decoding taskqueue.Payload.
func (p *Processor) Handler() taskqueue.Handler {
	return func(ctx context.Context, jobID string, payload []byte) ([]byte, error) {
		var pl taskqueue.Payload
		if err := json.Unmarshal(payload, &pl); err != nil {
			return nil, fmt.Errorf("decode payload for %s: %w", jobID, err)
		}
		if pl.TaskID == "" {
			pl.TaskID = jobID
		}
		return p.Process(ctx, pl.TaskID, pl.Params)
	}
}

// run holds per-task state for one Process call.
type run struct {
	p       *Processor
	id      string
	params  taskqueue.WorkParams
	log     zerolog.Logger
	started time.Time
	model   string
}

// Process runs one task. The returned bytes are the transcript JSON kept as
// the queue result. A task canceled before or during the run returns no
// result and no error.
func (p *Processor) Process(ctx context.Context, taskID string, params taskqueue.WorkParams) ([]byte, error) {
	r := &run{
		p:      p,
		id:     taskID,
		params: params,
		log:    p.log.With().Str("task_id", taskID).Logger(),
		model:  params.Model,
	}
	if r.model == "" {
		r.model = p.defModel
	}
	if skip := r.claim(ctx); skip {
		return nil, nil
	}
	r.started = p.now()
	r.progress(ctx, 0, "Starting transcription...", nil)

	if params.FilePath == "" || !fsutil.PathExists(p.fs, params.FilePath) {
		return nil, r.fail(ctx, fmt.Sprintf("audio file not found: %s", params.FilePath))
	}

	onAcc := p.useAcc
	if p.planner != nil {
		chosen, reason := p.planner.SuggestFallback(ctx, r.model, onAcc)
		if chosen != "" && chosen != r.model {
			r.log.Info().Str("event", "model_fallback").Str("requested", r.model).Str("model", chosen).Msg(reason)
			r.model = chosen
		}
	}

	r.progress(ctx, 10, "Loading model "+r.model+"...", nil)
	h, release, err := p.models.Acquire(ctx, r.model, onAcc)
	if err != nil && onAcc && resource.IsResourceExhausted(err) {
		r.log.Info().Str("event", "device_fallback").Str("model", r.model).Err(err).Msg("running on host")
		onAcc = false
		h, release, err = p.models.Acquire(ctx, r.model, false)
	}
	if err != nil {
		return nil, r.fail(ctx, "Transcription failed: "+err.Error())
	}
	defer release()

	tr, canceled, err := r.infer(ctx, h)
	// Persistence must complete even when the job context is gone.
	bg := context.WithoutCancel(ctx)
	switch {
	case canceled:
		r.log.Info().Str("event", "canceled").Msg("task canceled during inference")
		r.cleanupInput()
		return nil, nil
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return nil, r.fail(bg, "Transcription failed: job timed out")
	case err != nil:
		return nil, r.fail(bg, "Transcription failed: "+err.Error())
	}

	r.progress(bg, 95, "Storing results...", nil)
	meta := r.metadata()
	err = p.results.StoreSuccess(bg, taskID, params.Identity, tr, meta)
	switch {
	case errors.Is(err, store.ErrInvalidTransition):
		r.log.Info().Str("event", "result_discarded").Msg("task canceled before results were stored")
		r.cleanupInput()
		return nil, nil
	case err != nil:
		r.log.Error().Err(err).Str("event", "store_failed").Msg("storing result failed")
		return nil, r.fail(bg, "Failed to store transcription result")
	}

	r.progress(bg, 100, "Transcription completed successfully", nil)
	if err := p.tasks.MarkFinished(bg, taskID, model.StatusCompleted, "Transcription completed successfully"); err != nil {
		r.log.Warn().Err(err).Msg("mark finished failed")
	}
	r.cleanupInput()
	r.log.Info().Str("event", "completed").Str("model", r.model).
		Float64("processing_seconds", meta.ProcessingSeconds).Msg("transcription completed")
	out, err := json.Marshal(tr)
	if err != nil {
		return nil, fmt.Errorf("encode transcript: %w", err)
	}
	return out, nil
}

// claim moves the task to processing in both stores. It reports true when
// the task must be skipped.
func (r *run) claim(ctx context.Context) bool {
	p := r.p
	if canceled, err := p.tasks.IsCanceled(ctx, r.id); err == nil && canceled {
		r.log.Info().Str("event", "skip").Msg("task canceled before start")
		return true
	}
	if err := p.tasks.MarkProcessing(ctx, r.id); err != nil {
		switch {
		case errors.Is(err, taskqueue.ErrCanceled), errors.Is(err, taskqueue.ErrInvalidTransition):
			r.log.Info().Str("event", "skip").Err(err).Msg("task not runnable")
			return true
		default:
			r.log.Warn().Err(err).Msg("task metadata unavailable, continuing")
		}
	}
	if err := p.results.MarkProcessing(ctx, r.id); err != nil {
		switch {
		case errors.Is(err, store.ErrInvalidTransition):
			r.log.Info().Str("event", "skip").Msg("durable record already finished or canceled")
			return true
		case errors.Is(err, results.ErrNotFound):
			r.log.Debug().Msg("no durable record yet; result write will create it")
		default:
			r.log.Warn().Err(err).Msg("durable status update failed, continuing")
		}
	}
	return false
}

// infer runs the engine on a context detached from job cancellation.
// canceled reports a cooperative stop after a user cancel.
func (r *run) infer(ctx context.Context, h *modelcache.Handle) (types.Transcript, bool, error) {
	inferCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	defer stop()
	var canceled bool
	report := func(pr inference.Progress) {
		pct := 10 + pr.Percent*0.8
		if pct > 90 {
			pct = 90
		}
		r.progress(ctx, pct, pr.Message, pr.ETA)
		if r.p.coopCancel && !canceled {
			if c, err := r.p.tasks.IsCanceled(inferCtx, r.id); err == nil && c {
				canceled = true
				stop()
			}
		}
	}
	tr, err := r.p.transcriber.Transcribe(inferCtx, inference.Request{
		FilePath:      r.params.FilePath,
		Language:      r.params.Language,
		Model:         r.model,
		ModelPath:     h.Path,
		Diarization:   r.params.Diarization,
		OnAccelerator: h.Placement() == modelcache.PlacementDevice,
	}, report)
	if canceled {
		return types.Transcript{}, true, nil
	}
	return tr, false, err
}

func (r *run) progress(ctx context.Context, pct float64, msg string, eta *int) {
	if err := r.p.tasks.UpdateProgress(context.WithoutCancel(ctx), r.id, pct, msg, eta); err != nil {
		r.log.Debug().Err(err).Float64("progress", pct).Msg("progress update dropped")
	}
}

func (r *run) metadata() types.ResultMetadata {
	completed := r.p.now()
	started := r.started
	return types.ResultMetadata{
		OriginalFilename:  r.params.OriginalFilename,
		FileSizeBytes:     r.params.FileSizeBytes,
		Language:          r.params.Language,
		Model:             r.model,
		Format:            r.params.Format,
		Diarization:       r.params.Diarization,
		StoragePath:       r.params.FilePath,
		StartedAt:         &started,
		CompletedAt:       &completed,
		ProcessingSeconds: completed.Sub(started).Seconds(),
	}
}

// fail records msg as the task's failure and returns it as the job error.
func (r *run) fail(ctx context.Context, msg string) error {
	ctx = context.WithoutCancel(ctx)
	if r.started.IsZero() {
		r.started = r.p.now()
	}
	r.log.Warn().Str("event", "failed").Str("model", r.model).Msg(msg)
	r.progress(ctx, 0, msg, nil)
	err := r.p.results.StoreFailure(ctx, r.id, r.params.Identity, msg, r.metadata())
	if err != nil && !errors.Is(err, store.ErrInvalidTransition) {
		r.log.Error().Err(err).Msg("storing failure failed")
	}
	if err := r.p.tasks.MarkFinished(ctx, r.id, model.StatusFailed, msg); err != nil {
		r.log.Warn().Err(err).Msg("mark failed failed")
	}
	r.cleanupInput()
	return errors.New(msg)
}

func (r *run) cleanupInput() {
	if !r.p.removeInput || r.params.FilePath == "" {
		return
	}
	if err := r.p.fs.Remove(r.params.FilePath); err != nil && !errors.Is(err, afero.ErrFileNotFound) {
		r.log.Warn().Err(err).Str("path", r.params.FilePath).Msg("input cleanup failed")
	}
}
