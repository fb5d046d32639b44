package e2e

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"scribed/internal/config"
	"scribed/pkg/types"
)

// TestE2E_TranscribeLifecycle drives one task from submit to delete through
// the HTTP API with a real engine subprocess and a model fetched over HTTP.
func TestE2E_TranscribeLifecycle(t *testing.T) {
	env := newEnv(t, okEngine, nil)

	var sub types.SubmitResponse
	env.decode(t, http.MethodPost, "/transcribe", types.TranscribeRequest{
		FilePath:         env.audio,
		OriginalFilename: "interview.wav",
		FileSizeBytes:    12,
		Format:           "json",
	}, http.StatusAccepted, &sub)
	if sub.TaskID == "" || sub.Status != "queued" {
		t.Fatalf("submit = %+v", sub)
	}

	env.waitStatus(t, sub.TaskID, "completed")

	var view types.ResultView
	env.decode(t, http.MethodGet, "/result/"+sub.TaskID, nil, http.StatusOK, &view)
	if view.Result == nil || view.Result.Text != "hello e2e" || view.Metadata.Model != "base" {
		t.Fatalf("result = %+v", view)
	}
	if n := env.fetches.Load(); n != 1 {
		t.Fatalf("model fetched %d times, want 1", n)
	}

	var hist types.HistoryResponse
	env.decode(t, http.MethodGet, "/history?limit=5", nil, http.StatusOK, &hist)
	if hist.Total != 1 || hist.Results[0].TaskID != sub.TaskID {
		t.Fatalf("history = %+v", hist)
	}

	var usage types.UsageResponse
	env.decode(t, http.MethodGet, "/stats?days=1", nil, http.StatusOK, &usage)
	if len(usage.Days) != 1 || usage.Days[0].Successful != 1 {
		t.Fatalf("usage = %+v", usage)
	}

	var res types.ResourceStatus
	env.decode(t, http.MethodGet, "/resources", nil, http.StatusOK, &res)
	if res.ActiveWorkers != 1 || res.Workers[0].WorkerID != "e2e-worker" {
		t.Fatalf("resources = %+v", res)
	}

	env.decode(t, http.MethodDelete, "/result/"+sub.TaskID, nil, http.StatusOK, nil)
	env.decode(t, http.MethodGet, "/result/"+sub.TaskID, nil, http.StatusNotFound, nil)
}

func TestE2E_EngineFailureIsStored(t *testing.T) {
	env := newEnv(t, `echo "cuda init failed" >&2; exit 3`, nil)
	var sub types.SubmitResponse
	env.decode(t, http.MethodPost, "/transcribe", types.TranscribeRequest{FilePath: env.audio}, http.StatusAccepted, &sub)
	env.waitStatus(t, sub.TaskID, "failed")

	var view types.ResultView
	env.decode(t, http.MethodGet, "/result/"+sub.TaskID, nil, http.StatusOK, &view)
	if view.Status != "failed" || view.Error == "" {
		t.Fatalf("view = %+v", view)
	}
}

// TestE2E_CancelDuringInference cancels while the engine runs. The engine
// finishes, but its transcript is discarded and the task stays canceled.
func TestE2E_CancelDuringInference(t *testing.T) {
	env := newEnv(t, `echo '{"progress": 10}' >&2; sleep 1; echo '{"text": "too late"}'`, nil)
	var sub types.SubmitResponse
	env.decode(t, http.MethodPost, "/transcribe", types.TranscribeRequest{FilePath: env.audio}, http.StatusAccepted, &sub)
	env.waitStatus(t, sub.TaskID, "processing")

	env.decode(t, http.MethodDelete, "/cancel/"+sub.TaskID, nil, http.StatusOK, nil)
	env.waitStatus(t, sub.TaskID, "canceled")

	time.Sleep(1500 * time.Millisecond)
	var view types.ResultView
	env.decode(t, http.MethodGet, "/result/"+sub.TaskID, nil, http.StatusOK, &view)
	if view.Status != "canceled" || view.Result != nil {
		t.Fatalf("canceled task kept a result: %+v", view)
	}
	env.decode(t, http.MethodDelete, "/cancel/"+sub.TaskID, nil, http.StatusNotFound, nil)
}

func TestE2E_DeviceExhaustionFallsBackToHost(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args")
	env := newEnv(t, `echo "$@" > '`+argsFile+`'; echo '{"text": "ok"}'`, func(c *config.Config) {
		c.MaxVRAMMB = 100
	})
	var sub types.SubmitResponse
	env.decode(t, http.MethodPost, "/transcribe", types.TranscribeRequest{FilePath: env.audio}, http.StatusAccepted, &sub)
	env.waitStatus(t, sub.TaskID, "completed")

	args, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatalf("engine args: %v", err)
	}
	if !strings.Contains(string(args), "--device cpu") {
		t.Fatalf("engine ran with %q, want host placement", args)
	}
	var res types.ResourceStatus
	env.decode(t, http.MethodGet, "/resources", nil, http.StatusOK, &res)
	if res.Usage.VRAMMB != 0 {
		t.Fatalf("device pool still charged: %+v", res.Usage)
	}
}

func TestE2E_RequestErrors(t *testing.T) {
	env := newEnv(t, okEngine, nil)
	env.decode(t, http.MethodPost, "/transcribe", types.TranscribeRequest{FilePath: env.audio, Model: "gigantic"}, http.StatusNotFound, nil)
	env.decode(t, http.MethodPost, "/transcribe", types.TranscribeRequest{}, http.StatusBadRequest, nil)
	env.decode(t, http.MethodGet, "/status/nope", nil, http.StatusNotFound, nil)
	env.decode(t, http.MethodGet, "/stats?days=0", nil, http.StatusBadRequest, nil)

	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/history", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated history: %d", resp.StatusCode)
	}
}
