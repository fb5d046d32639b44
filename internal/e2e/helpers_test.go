package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"scribed/internal/bootstrap"
	"scribed/internal/config"
	"scribed/internal/httpapi"
	"scribed/internal/resource"
)

const apiKey = "e2e-key"

// testEnv is an API server plus an in-process worker sharing one miniredis
// and one SQLite file. The transcriber is a real subprocess.
type testEnv struct {
	srv     *httptest.Server
	app     *bootstrap.App
	mr      *miniredis.Miniredis
	audio   string
	fetches atomic.Int32
}

// writeEngine writes an executable shell script standing in for the
// transcription engine.
func writeEngine(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell engine requires a POSIX shell")
	}
	p := filepath.Join(t.TempDir(), "engine.sh")
	if err := os.WriteFile(p, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write engine: %v", err)
	}
	return p
}

const okEngine = `echo '{"progress": 40, "message": "decoding"}' >&2
echo '{"text": "hello e2e", "language": "en", "duration": 1.5}'`

func newEnv(t *testing.T, engine string, mut func(*config.Config)) *testEnv {
	t.Helper()
	env := &testEnv{}
	env.mr = miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: env.mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	weights := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env.fetches.Add(1)
		_, _ = io.WriteString(w, "weights for "+strings.TrimPrefix(r.URL.Path, "/"))
	}))
	t.Cleanup(weights.Close)

	dir := t.TempDir()
	env.audio = filepath.Join(dir, "interview.wav")
	if err := os.WriteFile(env.audio, []byte("RIFF0000WAVE"), 0o644); err != nil {
		t.Fatalf("write audio: %v", err)
	}

	cfg := config.Default()
	cfg.KeyPrefix = "e2e"
	cfg.QueueBackend = "memory"
	cfg.DatabasePath = filepath.Join(dir, "scribed.db")
	cfg.ModelCacheDir = filepath.Join(dir, "models")
	cfg.ModelSourceURL = weights.URL
	cfg.DefaultModel = "base"
	cfg.TranscriberCommand = writeEngine(t, engine)
	cfg.UseAccelerator = true
	if mut != nil {
		mut(&cfg)
	}

	app, err := bootstrap.New(context.Background(), bootstrap.Options{
		Config:     cfg,
		Client:     rdb,
		WorkerID:   "e2e-worker",
		HostMemory: func() (resource.HostMemory, error) { return resource.HostMemory{UsedPercent: 20}, nil },
	})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	env.app = app
	t.Cleanup(func() { _ = app.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = app.RunWorker(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	httpapi.SetAPIKeys([]string{apiKey})
	t.Cleanup(func() { httpapi.SetAPIKeys(nil) })
	env.srv = httptest.NewServer(httpapi.NewMux(app))
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, payload any) (*http.Response, []byte) {
	t.Helper()
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, e.srv.URL+path, body)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, b
}

func (e *testEnv) decode(t *testing.T, method, path string, payload any, wantStatus int, out any) {
	t.Helper()
	resp, body := e.do(t, method, path, payload)
	if resp.StatusCode != wantStatus {
		t.Fatalf("%s %s: status=%d body=%s", method, path, resp.StatusCode, body)
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, path, body, err)
		}
	}
}

// waitStatus polls /status/{id} until it reports want.
func (e *testEnv) waitStatus(t *testing.T, id, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, body := e.do(t, http.MethodGet, "/status/"+id, nil)
		var st struct {
			Status string `json:"status"`
		}
		if resp.StatusCode == http.StatusOK && json.Unmarshal(body, &st) == nil && st.Status == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %s never reached %s; last=%d %s", id, want, resp.StatusCode, body)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
