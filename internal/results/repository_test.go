package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"scribed/internal/coord"
	"scribed/internal/model"
	"scribed/internal/store"
	"scribed/pkg/types"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	repo  *Repository
	mr    *miniredis.Miniredis
	store *store.SQLiteStore
	now   time.Time
}

func newFixture(t *testing.T, mut func(*Config)) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	f := &fixture{mr: mr, store: s, now: t0}
	cfg := Config{
		Client:   rdb,
		Keys:     coord.Keys{Prefix: "test"},
		Store:    s,
		CacheTTL: time.Hour,
		Now:      func() time.Time { return f.now },
	}
	if mut != nil {
		mut(&cfg)
	}
	r, err := New(cfg)
	if err != nil {
		t.Fatalf("new repository: %v", err)
	}
	f.repo = r
	return f
}

func (f *fixture) submit(t *testing.T, id, identity string) {
	t.Helper()
	err := f.repo.CreateInitial(context.Background(), InitialRecord{
		TaskID:    id,
		Identity:  identity,
		Request:   types.TranscribeRequest{FilePath: "/data/" + id + ".wav", Model: "small", Language: "auto", OriginalFilename: id + ".wav", FileSizeBytes: 10},
		CreatedAt: f.now,
	})
	if err != nil {
		t.Fatalf("create initial %s: %v", id, err)
	}
}

func TestStoreSuccessThenReadFromCacheAndStore(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.submit(t, "t1", "alice")

	f.now = t0.Add(time.Minute)
	if err := f.repo.MarkProcessing(ctx, "t1"); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	f.now = t0.Add(3 * time.Minute)
	workerStart := t0.Add(2 * time.Minute)
	tr := types.Transcript{Text: "hello there world", Language: "en", DurationSeconds: 12.5}
	if err := f.repo.StoreSuccess(ctx, "t1", "alice", tr, types.ResultMetadata{Model: "small", ProcessingSeconds: 3, StartedAt: &workerStart}); err != nil {
		t.Fatalf("StoreSuccess: %v", err)
	}

	cached, err := f.repo.GetResult(ctx, "t1")
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if cached.Source != SourceCache || cached.Status != "completed" || cached.Result == nil || cached.Result.Text != tr.Text {
		t.Fatalf("cache view: %+v", cached)
	}
	cachedStatus, err := f.repo.GetStatus(ctx, "t1")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}

	f.mr.FastForward(2 * time.Hour)
	stored, err := f.repo.GetResult(ctx, "t1")
	if err != nil {
		t.Fatalf("GetResult after expiry: %v", err)
	}
	if stored.Source != SourceStore {
		t.Fatalf("store view source = %q", stored.Source)
	}
	cached.Source, stored.Source = "", ""
	if a, b := mustJSON(t, cached), mustJSON(t, stored); a != b {
		t.Fatalf("cache and store views differ:\ncache=%s\nstore=%s", a, b)
	}
	if !f.mr.Exists("test:result:t1") {
		t.Errorf("terminal store read should backfill the cache")
	}

	f.mr.Del("test:result:t1")
	storedStatus, err := f.repo.GetStatus(ctx, "t1")
	if err != nil {
		t.Fatalf("GetStatus after expiry: %v", err)
	}
	if a, b := mustJSON(t, cachedStatus), mustJSON(t, storedStatus); a != b {
		t.Fatalf("cache and store status differ:\ncache=%s\nstore=%s", a, b)
	}

	m := stored.Metadata
	if m.OriginalFilename != "t1.wav" || m.FileSizeBytes != 10 || m.Language != "auto" || m.StoragePath != "/data/t1.wav" {
		t.Errorf("request metadata lost: %+v", m)
	}
	if m.StartedAt == nil || !m.StartedAt.Equal(t0.Add(time.Minute)) {
		t.Errorf("started_at = %v, want the claim time", m.StartedAt)
	}
	if !storedStatus.CreatedAt.Equal(t0) {
		t.Errorf("created_at = %v, want submit time", storedStatus.CreatedAt)
	}

	rec, err := f.store.GetTranscription(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.WordCount != 3 || rec.AudioDurationSeconds == nil || *rec.AudioDurationSeconds != 12.5 {
		t.Errorf("durable record: %+v", rec)
	}
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}

func TestNonTerminalRecordNotCached(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.submit(t, "t1", "alice")
	v, err := f.repo.GetResult(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if v.Status != "queued" || v.Source != SourceStore {
		t.Errorf("view: %+v", v)
	}
	if f.mr.Exists("test:result:t1") {
		t.Errorf("queued record must not be cached")
	}
	if _, err := f.repo.GetResult(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing = %v, want ErrNotFound", err)
	}
}

func TestCanceledRecordNeverOverwritten(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.submit(t, "t1", "alice")
	if err := f.repo.MarkCanceled(ctx, "t1"); err != nil {
		t.Fatalf("MarkCanceled: %v", err)
	}
	err := f.repo.StoreSuccess(ctx, "t1", "alice", types.Transcript{Text: "late"}, types.ResultMetadata{})
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("StoreSuccess after cancel = %v", err)
	}
	if IsDurableWriteFailure(err) {
		t.Errorf("a refused transition is not a durable write failure")
	}
	v, err := f.repo.GetResult(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if v.Status != "canceled" || v.Result != nil {
		t.Errorf("view after cancel: %+v", v)
	}
	if err := f.repo.MarkProcessing(ctx, "t1"); !errors.Is(err, store.ErrInvalidTransition) {
		t.Errorf("MarkProcessing after cancel = %v", err)
	}
}

func TestDurableWriteFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.store.Close()
	err := f.repo.StoreFailure(context.Background(), "t1", "alice", "boom", types.ResultMetadata{})
	if !IsDurableWriteFailure(err) {
		t.Fatalf("want durable write failure, got %v", err)
	}
	if f.mr.Exists("test:result:t1") {
		t.Errorf("cache must not be written when the durable write fails")
	}
}

func TestCacheFailureDoesNotFailStore(t *testing.T) {
	f := newFixture(t, nil)
	f.submit(t, "t1", "alice")
	f.mr.Close()
	if err := f.repo.StoreFailure(context.Background(), "t1", "alice", "boom", types.ResultMetadata{}); err != nil {
		t.Fatalf("StoreFailure with cache down: %v", err)
	}
	rec, err := f.store.GetTranscription(context.Background(), "t1")
	if err != nil || rec.Status != model.StatusFailed || rec.Error != "boom" {
		t.Fatalf("durable record: %+v %v", rec, err)
	}
	v, err := f.repo.GetResult(context.Background(), "t1")
	if err != nil || v.Source != SourceStore {
		t.Fatalf("read with cache down: %+v %v", v, err)
	}
}

func TestListClampsAndOrders(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxPageSize = 3 })
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		f.submit(t, fmt.Sprintf("t%d", i), "alice")
		f.now = f.now.Add(time.Minute)
	}
	f.submit(t, "other", "bob")

	page, err := f.repo.List(ctx, "alice", 50, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if page.Limit != 3 || len(page.Results) != 3 || page.Total != 5 {
		t.Fatalf("page: %+v", page)
	}
	if page.Results[0].TaskID != "t4" || page.Results[2].TaskID != "t2" {
		t.Errorf("order: %+v", page.Results)
	}

	page, err = f.repo.List(ctx, "alice", 0, -4)
	if err != nil {
		t.Fatal(err)
	}
	if page.Limit != 3 || page.Offset != 0 {
		t.Errorf("default limit must still clamp: %+v", page)
	}
}

func TestDeleteOwnerScoped(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.submit(t, "t1", "alice")
	if err := f.repo.StoreSuccess(ctx, "t1", "alice", types.Transcript{Text: "x"}, types.ResultMetadata{}); err != nil {
		t.Fatal(err)
	}
	ok, err := f.repo.Delete(ctx, "t1", "mallory")
	if err != nil || ok {
		t.Fatalf("non-owner delete = %v, %v", ok, err)
	}
	if !f.mr.Exists("test:result:t1") {
		t.Fatalf("non-owner must not evict the cache")
	}
	ok, err = f.repo.Delete(ctx, "t1", "alice")
	if err != nil || !ok {
		t.Fatalf("owner delete = %v, %v", ok, err)
	}
	if _, err := f.repo.GetResult(ctx, "t1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("after delete = %v", err)
	}
}

func TestUsageAndStatus(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.submit(t, "t1", "alice")
	f.submit(t, "t2", "alice")
	if err := f.repo.MarkProcessing(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if err := f.repo.StoreSuccess(ctx, "t1", "alice", types.Transcript{Text: "a b", DurationSeconds: 4}, types.ResultMetadata{ProcessingSeconds: 2, FileSizeBytes: 10}); err != nil {
		t.Fatal(err)
	}
	if err := f.repo.StoreFailure(ctx, "t2", "alice", "bad audio", types.ResultMetadata{}); err != nil {
		t.Fatal(err)
	}
	days, err := f.repo.Usage(ctx, "alice", 7)
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if len(days) != 1 || days[0].Requests != 2 || days[0].Successful != 1 || days[0].Failed != 1 || days[0].AudioDurationSeconds != 4 {
		t.Fatalf("usage: %+v", days)
	}

	st, err := f.repo.GetStatus(ctx, "t1")
	if err != nil || st.Status != "completed" || st.Progress != 100 {
		t.Fatalf("status t1: %+v %v", st, err)
	}
	st, err = f.repo.GetStatus(ctx, "t2")
	if err != nil || st.Status != "failed" || st.Error != "bad audio" {
		t.Fatalf("status t2: %+v %v", st, err)
	}
	if _, err := f.repo.GetStatus(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing status = %v", err)
	}
}
