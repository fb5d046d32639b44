// Package results persists finished transcriptions: a durable SQLite record
// plus a short-lived read-through projection in the coordination store.
package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"scribed/internal/coord"
	"scribed/internal/model"
	"scribed/internal/store"
	"scribed/pkg/types"
)

// Defaults applied when corresponding Config fields are unset.
const (
	DefaultCacheTTL    = 24 * time.Hour
	DefaultPageSize    = 20
	DefaultMaxPageSize = 100
)

// Source tags on ResultView.
const (
	SourceCache = "cache"
	SourceStore = "store"
)

// Config encapsulates all tunables for Repository construction.
type Config struct {
	Client      *redis.Client
	Keys        coord.Keys
	Store       store.Store
	CacheTTL    time.Duration
	MaxPageSize int
	Now         func() time.Time
	Logger      *zerolog.Logger
}

// Repository writes results through to the durable store and caches
// terminal ones.
type Repository struct {
	rdb     *redis.Client
	keys    coord.Keys
	store   store.Store
	ttl     time.Duration
	maxPage int
	now     func() time.Time
	log     zerolog.Logger
}

// cacheEntry is the cached projection of a terminal record.
type cacheEntry struct {
	TaskID   string               `json:"task_id"`
	Status   string               `json:"status"`
	Identity string               `json:"identity"`
	Result   *types.Transcript    `json:"result,omitempty"`
	Error    string               `json:"error,omitempty"`
	Metadata types.ResultMetadata `json:"metadata"`
	Created  time.Time            `json:"created_at"`
}

// New constructs a Repository from Config.
func New(cfg Config) (*Repository, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("results: nil cache client")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("results: nil durable store")
	}
	r := &Repository{
		rdb:     cfg.Client,
		keys:    cfg.Keys,
		store:   cfg.Store,
		ttl:     cfg.CacheTTL,
		maxPage: cfg.MaxPageSize,
		now:     cfg.Now,
	}
	if r.ttl <= 0 {
		r.ttl = DefaultCacheTTL
	}
	if r.maxPage <= 0 {
		r.maxPage = DefaultMaxPageSize
	}
	if r.now == nil {
		r.now = time.Now
	}
	if cfg.Logger != nil {
		r.log = cfg.Logger.With().Str("component", "results").Logger()
	} else {
		r.log = zerolog.Nop()
	}
	return r, nil
}

// InitialRecord is the queued row written at submit time.
type InitialRecord struct {
	TaskID    string
	Identity  string
	Request   types.TranscribeRequest
	CreatedAt time.Time
}

// CreateInitial writes the queued durable record for a new task.
func (r *Repository) CreateInitial(ctx context.Context, rec InitialRecord) error {
	created := rec.CreatedAt
	if created.IsZero() {
		created = r.now()
	}
	err := r.store.CreateTranscription(ctx, &store.Transcription{
		TaskID:           rec.TaskID,
		Identity:         rec.Identity,
		OriginalFilename: rec.Request.OriginalFilename,
		FileSizeBytes:    rec.Request.FileSizeBytes,
		Language:         rec.Request.Language,
		Model:            rec.Request.Model,
		Format:           rec.Request.Format,
		Diarization:      rec.Request.Diarization,
		StoragePath:      rec.Request.FilePath,
		Status:           model.StatusQueued,
		CreatedAt:        created,
	})
	if err != nil {
		return &DurableWriteError{TaskID: rec.TaskID, Err: err}
	}
	return nil
}

// MarkProcessing records that a worker started the task. A record already
// canceled or finished yields store.ErrInvalidTransition.
func (r *Repository) MarkProcessing(ctx context.Context, taskID string) error {
	err := r.store.UpdateTranscriptionStatus(ctx, taskID, model.StatusProcessing, r.now())
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// MarkCanceled records a user cancel durably and drops any cached view.
func (r *Repository) MarkCanceled(ctx context.Context, taskID string) error {
	err := r.store.UpdateTranscriptionStatus(ctx, taskID, model.StatusCanceled, r.now())
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	r.evict(ctx, taskID)
	return nil
}

// StoreSuccess persists a completed transcript: durable record first, then
// the cache entry, then usage aggregates. Only the durable write can fail
// the call. A record already canceled is left alone and
// store.ErrInvalidTransition is returned.
func (r *Repository) StoreSuccess(ctx context.Context, taskID, identity string, tr types.Transcript, meta types.ResultMetadata) error {
	now := r.now()
	payload, err := json.Marshal(tr)
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}
	rec := r.terminalRecord(taskID, identity, model.StatusCompleted, meta, now)
	rec.Text = tr.Text
	rec.Result = payload
	rec.WordCount = len(strings.Fields(tr.Text))
	rec.DetectedLanguage = tr.Language
	if tr.DurationSeconds > 0 {
		d := tr.DurationSeconds
		rec.AudioDurationSeconds = &d
	}
	if err := r.finish(ctx, rec); err != nil {
		return err
	}
	r.cacheStored(ctx, taskID)
	r.recordUsage(ctx, store.UsageDelta{
		Identity: identity, At: now, Successful: true,
		ProcessingSeconds: meta.ProcessingSeconds, AudioDurationSeconds: tr.DurationSeconds,
		FileSizeBytes: meta.FileSizeBytes,
	})
	return nil
}

// StoreFailure is the failed counterpart of StoreSuccess.
func (r *Repository) StoreFailure(ctx context.Context, taskID, identity, message string, meta types.ResultMetadata) error {
	now := r.now()
	rec := r.terminalRecord(taskID, identity, model.StatusFailed, meta, now)
	rec.Error = message
	if err := r.finish(ctx, rec); err != nil {
		return err
	}
	r.cacheStored(ctx, taskID)
	r.recordUsage(ctx, store.UsageDelta{
		Identity: identity, At: now, Successful: false,
		ProcessingSeconds: meta.ProcessingSeconds, FileSizeBytes: meta.FileSizeBytes,
	})
	return nil
}

func (r *Repository) terminalRecord(taskID, identity string, status model.Status, meta types.ResultMetadata, now time.Time) *store.Transcription {
	completed := now
	if meta.CompletedAt != nil {
		completed = *meta.CompletedAt
	}
	rec := &store.Transcription{
		TaskID:           taskID,
		Identity:         identity,
		OriginalFilename: meta.OriginalFilename,
		FileSizeBytes:    meta.FileSizeBytes,
		Language:         meta.Language,
		Model:            meta.Model,
		Format:           meta.Format,
		Diarization:      meta.Diarization,
		StoragePath:      meta.StoragePath,
		Status:           status,
		CreatedAt:        now,
		StartedAt:        meta.StartedAt,
		CompletedAt:      &completed,
	}
	if meta.ProcessingSeconds > 0 {
		p := meta.ProcessingSeconds
		rec.ProcessingSeconds = &p
	}
	return rec
}

func (r *Repository) finish(ctx context.Context, rec *store.Transcription) error {
	err := r.store.FinishTranscription(ctx, rec)
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrInvalidTransition) {
		r.log.Info().Str("event", "result_discarded").Str("task_id", rec.TaskID).
			Str("status", string(rec.Status)).Msg("task already finished or canceled")
		return fmt.Errorf("store %s result for %s: %w", rec.Status, rec.TaskID, err)
	}
	r.log.Error().Err(err).Str("event", "durable_write_failed").Str("task_id", rec.TaskID).Msg("durable write failed")
	return &DurableWriteError{TaskID: rec.TaskID, Err: err}
}

// cacheStored caches the durable row as merged by the store, so a cache hit
// and a store read return the same view. A failed read leaves the cache
// empty; the next GetResult backfills it.
func (r *Repository) cacheStored(ctx context.Context, taskID string) {
	rec, err := r.store.GetTranscription(ctx, taskID)
	if err != nil {
		r.log.Warn().Err(err).Str("event", "cache_write_failed").Str("task_id", taskID).Msg("re-read after finish failed")
		r.evict(ctx, taskID)
		return
	}
	r.cache(ctx, entryOf(rec))
}

func (r *Repository) cache(ctx context.Context, e cacheEntry) {
	b, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := r.rdb.Set(ctx, r.keys.Result(e.TaskID), b, r.ttl).Err(); err != nil {
		r.log.Warn().Err(err).Str("event", "cache_write_failed").Str("task_id", e.TaskID).Msg("result cache write failed")
	}
}

func (r *Repository) evict(ctx context.Context, taskID string) {
	if err := r.rdb.Del(ctx, r.keys.Result(taskID)).Err(); err != nil {
		r.log.Warn().Err(err).Str("task_id", taskID).Msg("result cache evict failed")
	}
}

func (r *Repository) recordUsage(ctx context.Context, d store.UsageDelta) {
	if d.Identity == "" {
		return
	}
	if err := r.store.RecordUsage(ctx, d); err != nil {
		r.log.Warn().Err(err).Str("event", "usage_write_failed").Str("identity", d.Identity).Msg("usage update failed")
	}
}

func (r *Repository) readCache(ctx context.Context, taskID string) (cacheEntry, bool) {
	var e cacheEntry
	raw, err := r.rdb.Get(ctx, r.keys.Result(taskID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.log.Warn().Err(err).Str("task_id", taskID).Msg("result cache read failed")
		}
		cacheLookupsTotal.WithLabelValues("miss").Inc()
		return e, false
	}
	if err := json.Unmarshal(raw, &e); err != nil {
		cacheLookupsTotal.WithLabelValues("miss").Inc()
		return e, false
	}
	cacheLookupsTotal.WithLabelValues("hit").Inc()
	return e, true
}

// GetResult reads the cache, falling back to the durable store. Terminal
// durable records are written back to the cache.
func (r *Repository) GetResult(ctx context.Context, taskID string) (types.ResultView, error) {
	if e, ok := r.readCache(ctx, taskID); ok {
		return types.ResultView{
			TaskID: e.TaskID, Status: e.Status, Result: e.Result, Error: e.Error,
			Metadata: e.Metadata, Source: SourceCache,
		}, nil
	}
	rec, err := r.store.GetTranscription(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return types.ResultView{}, ErrNotFound
	}
	if err != nil {
		return types.ResultView{}, err
	}
	e := entryOf(rec)
	if rec.Status.Terminal() {
		r.cache(ctx, e)
	}
	return types.ResultView{
		TaskID: e.TaskID, Status: e.Status, Result: e.Result, Error: e.Error,
		Metadata: e.Metadata, Source: SourceStore,
	}, nil
}

// GetStatus is the status-only projection of GetResult.
func (r *Repository) GetStatus(ctx context.Context, taskID string) (types.TaskStatus, error) {
	e, ok := r.readCache(ctx, taskID)
	if !ok {
		rec, err := r.store.GetTranscription(ctx, taskID)
		if errors.Is(err, store.ErrNotFound) {
			return types.TaskStatus{}, ErrNotFound
		}
		if err != nil {
			return types.TaskStatus{}, err
		}
		e = entryOf(rec)
	}
	ts := types.TaskStatus{
		TaskID:    e.TaskID,
		Status:    e.Status,
		CreatedAt: e.Created,
		UpdatedAt: e.Metadata.CompletedAt,
		Error:     e.Error,
	}
	if e.Status == string(model.StatusCompleted) {
		ts.Progress = 100
	}
	return ts, nil
}

// List returns one identity's results, newest first. limit is clamped to
// [1, MaxPageSize]; zero or negative selects DefaultPageSize.
func (r *Repository) List(ctx context.Context, identity string, limit, offset int) (types.HistoryResponse, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	limit = min(limit, r.maxPage)
	offset = max(offset, 0)
	recs, total, err := r.store.ListTranscriptions(ctx, identity, limit, offset)
	if err != nil {
		return types.HistoryResponse{}, err
	}
	out := types.HistoryResponse{Results: make([]types.ResultSummary, 0, len(recs)), Total: total, Limit: limit, Offset: offset}
	for _, rec := range recs {
		out.Results = append(out.Results, types.ResultSummary{
			TaskID:               rec.TaskID,
			Status:               string(rec.Status),
			OriginalFilename:     rec.OriginalFilename,
			Language:             rec.Language,
			DetectedLanguage:     rec.DetectedLanguage,
			Model:                rec.Model,
			CreatedAt:            rec.CreatedAt,
			CompletedAt:          rec.CompletedAt,
			ProcessingSeconds:    rec.ProcessingSeconds,
			AudioDurationSeconds: rec.AudioDurationSeconds,
			WordCount:            rec.WordCount,
			FileSizeBytes:        rec.FileSizeBytes,
		})
	}
	return out, nil
}

// Delete evicts the cache entry and removes the durable record if identity
// owns it. Missing and not-owned both report false.
func (r *Repository) Delete(ctx context.Context, taskID, identity string) (bool, error) {
	if e, ok := r.readCache(ctx, taskID); ok && e.Identity == identity {
		r.evict(ctx, taskID)
	}
	ok, err := r.store.DeleteTranscription(ctx, taskID, identity)
	if err != nil {
		return false, err
	}
	if ok {
		r.evict(ctx, taskID)
	}
	return ok, nil
}

// Usage returns identity's daily aggregates for the last days days,
// including today.
func (r *Repository) Usage(ctx context.Context, identity string, days int) ([]types.UsageDay, error) {
	if days <= 0 {
		days = 30
	}
	since := r.now().UTC().AddDate(0, 0, -(days - 1))
	rows, err := r.store.GetUsage(ctx, identity, since)
	if err != nil {
		return nil, err
	}
	out := make([]types.UsageDay, 0, len(rows))
	for _, u := range rows {
		out = append(out, types.UsageDay{
			Day: u.Day, Requests: u.Requests, Successful: u.Successful, Failed: u.Failed,
			ProcessingSeconds: u.ProcessingSeconds, AudioDurationSeconds: u.AudioDurationSeconds,
			FileSizeBytes: u.FileSizeBytes,
		})
	}
	return out, nil
}

// Ping checks the durable store.
func (r *Repository) Ping(ctx context.Context) error {
	return r.store.Ping(ctx)
}

func metadataOf(rec *store.Transcription) types.ResultMetadata {
	m := types.ResultMetadata{
		OriginalFilename: rec.OriginalFilename,
		FileSizeBytes:    rec.FileSizeBytes,
		Language:         rec.Language,
		Model:            rec.Model,
		Format:           rec.Format,
		Diarization:      rec.Diarization,
		StoragePath:      rec.StoragePath,
		StartedAt:        rec.StartedAt,
		CompletedAt:      rec.CompletedAt,
	}
	if rec.ProcessingSeconds != nil {
		m.ProcessingSeconds = *rec.ProcessingSeconds
	}
	return m
}

func entryOf(rec *store.Transcription) cacheEntry {
	e := cacheEntry{
		TaskID:   rec.TaskID,
		Status:   string(rec.Status),
		Identity: rec.Identity,
		Error:    rec.Error,
		Metadata: metadataOf(rec),
		Created:  rec.CreatedAt,
	}
	if len(rec.Result) > 0 {
		var tr types.Transcript
		if err := json.Unmarshal(rec.Result, &tr); err == nil {
			e.Result = &tr
		}
	}
	return e
}
