package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"scribed/internal/httpapi"
	"scribed/internal/model"
	"scribed/internal/resource"
	"scribed/internal/results"
	"scribed/internal/store"
	"scribed/internal/taskqueue"
	"scribed/pkg/types"
)

var _ httpapi.Service = (*App)(nil)

type invalidRequestError struct{ msg string }

func (e invalidRequestError) Error() string   { return e.msg }
func (e invalidRequestError) StatusCode() int { return http.StatusBadRequest }

// Submit records the durable queued row, then enqueues the job under the
// same id. A failed enqueue leaves the row marked failed.
func (a *App) Submit(ctx context.Context, identity string, req types.TranscribeRequest) (types.SubmitResponse, error) {
	if req.FilePath == "" {
		return types.SubmitResponse{}, invalidRequestError{msg: "file_path is required"}
	}
	if req.Model == "" {
		req.Model = a.Config.DefaultModel
	}
	if _, ok := a.Catalog.Lookup(req.Model); !ok {
		return types.SubmitResponse{}, resource.ErrModelNotFound(req.Model)
	}
	id := req.TaskID
	if id == "" {
		id = model.NewTaskID()
	}
	req.TaskID = id

	err := a.Results.CreateInitial(ctx, results.InitialRecord{TaskID: id, Identity: identity, Request: req})
	if errors.Is(err, store.ErrDuplicate) {
		return types.SubmitResponse{}, fmt.Errorf("%w: %s", taskqueue.ErrDuplicate, id)
	}
	if err != nil {
		return types.SubmitResponse{}, err
	}

	params := taskqueue.WorkParams{
		FilePath:         req.FilePath,
		Language:         req.Language,
		Model:            req.Model,
		Format:           req.Format,
		Diarization:      req.Diarization,
		Identity:         identity,
		OriginalFilename: req.OriginalFilename,
		FileSizeBytes:    req.FileSizeBytes,
	}
	if _, err := a.Tasks.Submit(ctx, params, id); err != nil {
		if ferr := a.Results.StoreFailure(ctx, id, identity, "Failed to enqueue task", types.ResultMetadata{}); ferr != nil {
			a.log.Warn().Err(ferr).Str("task_id", id).Msg("could not mark unqueued task failed")
		}
		return types.SubmitResponse{}, err
	}
	a.log.Info().Str("event", "task_submitted").Str("task_id", id).Str("model", req.Model).Msg("task queued")
	return types.SubmitResponse{TaskID: id, Status: string(model.StatusQueued), Message: "Transcription task queued"}, nil
}

// TaskStatus prefers the live queue view and falls back to the durable
// record once metadata has expired.
func (a *App) TaskStatus(ctx context.Context, taskID string) (types.TaskStatus, error) {
	t, ok, err := a.Tasks.GetStatus(ctx, taskID)
	if err != nil {
		a.log.Warn().Err(err).Str("task_id", taskID).Msg("task metadata unavailable, reading durable record")
	}
	if err == nil && ok {
		return types.TaskStatus{
			TaskID:    t.ID,
			Status:    string(t.Status),
			Progress:  t.Progress,
			Message:   t.Message,
			CreatedAt: t.CreatedAt,
			UpdatedAt: t.UpdatedAt,
			ETA:       t.ETA,
			Result:    t.Result,
			Error:     t.Error,
		}, nil
	}
	ts, rerr := a.Results.GetStatus(ctx, taskID)
	if rerr != nil && err != nil && errors.Is(rerr, results.ErrNotFound) {
		return types.TaskStatus{}, err
	}
	return ts, rerr
}

func (a *App) Result(ctx context.Context, taskID string) (types.ResultView, error) {
	return a.Results.GetResult(ctx, taskID)
}

func (a *App) History(ctx context.Context, identity string, limit, offset int) (types.HistoryResponse, error) {
	return a.Results.List(ctx, identity, limit, offset)
}

func (a *App) DeleteResult(ctx context.Context, taskID, identity string) (bool, error) {
	return a.Results.Delete(ctx, taskID, identity)
}

// Cancel cancels the queued or running task and records the cancel
// durably. A running engine is not interrupted unless cooperative
// cancellation is enabled; its result is discarded.
func (a *App) Cancel(ctx context.Context, taskID string) (bool, error) {
	ok, err := a.Tasks.Cancel(ctx, taskID)
	if errors.Is(err, taskqueue.ErrNotFound) {
		return false, nil
	}
	if err != nil || !ok {
		return false, err
	}
	if err := a.Results.MarkCanceled(ctx, taskID); err != nil {
		if !errors.Is(err, results.ErrNotFound) && !errors.Is(err, store.ErrInvalidTransition) {
			return true, err
		}
		a.log.Debug().Err(err).Str("task_id", taskID).Msg("durable cancel skipped")
	}
	a.log.Info().Str("event", "task_canceled").Str("task_id", taskID).Msg("task canceled")
	return true, nil
}

func (a *App) Resources(ctx context.Context) (types.ResourceStatus, error) {
	return a.Coord.Status(ctx)
}

func (a *App) Models() types.ModelsResponse {
	return types.ModelsResponse{Models: a.Catalog.List()}
}

func (a *App) Usage(ctx context.Context, identity string, days int) (types.UsageResponse, error) {
	rows, err := a.Results.Usage(ctx, identity, days)
	if err != nil {
		return types.UsageResponse{}, err
	}
	active, err := a.Tasks.ActiveTasks(ctx)
	if err != nil {
		a.log.Warn().Err(err).Msg("active task count unavailable")
	}
	return types.UsageResponse{Days: rows, ActiveTasks: active}, nil
}

func (a *App) CleanupWorkers(ctx context.Context) (types.CleanupResponse, error) {
	n, err := a.Coord.ReclaimStale(ctx)
	if err != nil {
		return types.CleanupResponse{}, err
	}
	return types.CleanupResponse{Reclaimed: n}, nil
}

// Ready reports whether both stores answer.
func (a *App) Ready(ctx context.Context) bool {
	if err := a.rdb.Ping(ctx).Err(); err != nil {
		return false
	}
	return a.Results.Ping(ctx) == nil
}
