package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"scribed/internal/coord"
	"scribed/internal/resource"
	"scribed/internal/results"
	"scribed/internal/taskqueue"
	"scribed/pkg/types"
)

type mockService struct {
	submitErr   error
	statusErr   error
	resultErr   error
	resourceErr error
	canceled    bool
	deleted     bool
	ready       bool

	gotIdentity string
	gotLimit    int
	gotOffset   int
	gotDays     int
	gotReq      types.TranscribeRequest
}

func (m *mockService) Submit(_ context.Context, identity string, req types.TranscribeRequest) (types.SubmitResponse, error) {
	m.gotIdentity, m.gotReq = identity, req
	if m.submitErr != nil {
		return types.SubmitResponse{}, m.submitErr
	}
	return types.SubmitResponse{TaskID: "t1", Status: "queued"}, nil
}

func (m *mockService) TaskStatus(_ context.Context, id string) (types.TaskStatus, error) {
	if m.statusErr != nil {
		return types.TaskStatus{}, m.statusErr
	}
	return types.TaskStatus{TaskID: id, Status: "processing", Progress: 42}, nil
}

func (m *mockService) Result(_ context.Context, id string) (types.ResultView, error) {
	if m.resultErr != nil {
		return types.ResultView{}, m.resultErr
	}
	return types.ResultView{TaskID: id, Status: "completed", Result: &types.Transcript{Text: "hi"}, Source: "cache"}, nil
}

func (m *mockService) History(_ context.Context, identity string, limit, offset int) (types.HistoryResponse, error) {
	m.gotIdentity, m.gotLimit, m.gotOffset = identity, limit, offset
	return types.HistoryResponse{Results: []types.ResultSummary{}, Limit: 20, Offset: offset}, nil
}

func (m *mockService) DeleteResult(_ context.Context, _, identity string) (bool, error) {
	m.gotIdentity = identity
	return m.deleted, nil
}

func (m *mockService) Cancel(context.Context, string) (bool, error) { return m.canceled, nil }

func (m *mockService) Resources(context.Context) (types.ResourceStatus, error) {
	if m.resourceErr != nil {
		return types.ResourceStatus{}, m.resourceErr
	}
	return types.ResourceStatus{Limits: types.ResourceLimits{MaxVRAMMB: 16000, MaxRAMMB: 8000}}, nil
}

func (m *mockService) Models() types.ModelsResponse {
	return types.ModelsResponse{Models: []types.ModelSpec{{Name: "tiny"}, {Name: "base"}}}
}

func (m *mockService) Usage(_ context.Context, identity string, days int) (types.UsageResponse, error) {
	m.gotIdentity, m.gotDays = identity, days
	return types.UsageResponse{Days: []types.UsageDay{}}, nil
}

func (m *mockService) CleanupWorkers(context.Context) (types.CleanupResponse, error) {
	return types.CleanupResponse{Reclaimed: 2}, nil
}

func (m *mockService) Ready(context.Context) bool { return m.ready }

type mockHTTPError struct {
	msg  string
	code int
}

func (e mockHTTPError) Error() string   { return e.msg }
func (e mockHTTPError) StatusCode() int { return e.code }

func do(t *testing.T, h http.Handler, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) types.ErrorResponse {
	t.Helper()
	var e types.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil {
		t.Fatalf("error body: %v (%s)", err, w.Body.String())
	}
	return e
}

func TestSubmitAccepted(t *testing.T) {
	svc := &mockService{}
	w := do(t, NewMux(svc), http.MethodPost, "/transcribe", `{"file_path":"/data/a.wav","model":"base","format":"srt"}`, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var resp types.SubmitResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.TaskID != "t1" {
		t.Fatalf("resp=%+v err=%v", resp, err)
	}
	if svc.gotIdentity != AnonymousIdentity || svc.gotReq.Model != "base" {
		t.Fatalf("identity=%q req=%+v", svc.gotIdentity, svc.gotReq)
	}
}

func TestSubmitValidation(t *testing.T) {
	r := NewMux(&mockService{})
	cases := []struct {
		name, body string
		want       int
	}{
		{"bad json", "not-json", http.StatusBadRequest},
		{"missing path", `{"model":"base"}`, http.StatusBadRequest},
		{"bad format", `{"file_path":"/a.wav","format":"docx"}`, http.StatusBadRequest},
		{"negative size", `{"file_path":"/a.wav","file_size_bytes":-1}`, http.StatusBadRequest},
	}
	for _, c := range cases {
		if w := do(t, r, http.MethodPost, "/transcribe", c.body, nil); w.Code != c.want {
			t.Errorf("%s: status=%d want %d", c.name, w.Code, c.want)
		}
	}
	req := httptest.NewRequest(http.MethodPost, "/transcribe", strings.NewReader(`{"file_path":"/a.wav"}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("missing content type status=%d", w.Code)
	}
}

func TestSubmitBodyLimit(t *testing.T) {
	SetMaxBodyBytes(16)
	defer SetMaxBodyBytes(0)
	w := do(t, NewMux(&mockService{}), http.MethodPost, "/transcribe", `{"file_path":"/a/very/long/path.wav"}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"exhausted", &resource.ExhaustedError{Pool: resource.PoolDevice, Model: "large", RequestedMB: 10, AvailableMB: 1}, http.StatusTooManyRequests},
		{"unknown model", resource.ErrModelNotFound("huge"), http.StatusNotFound},
		{"store down", coord.Unavailable("write task metadata", errors.New("dial tcp: refused")), http.StatusServiceUnavailable},
		{"duplicate", taskqueue.ErrDuplicate, http.StatusConflict},
		{"http error", mockHTTPError{msg: "nope", code: http.StatusTeapot}, http.StatusTeapot},
		{"generic", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		w := do(t, NewMux(&mockService{submitErr: c.err}), http.MethodPost, "/transcribe", `{"file_path":"/a.wav"}`, nil)
		if w.Code != c.want {
			t.Errorf("%s: status=%d want %d", c.name, w.Code, c.want)
			continue
		}
		if e := decodeError(t, w); e.Code != c.want {
			t.Errorf("%s: body code=%d", c.name, e.Code)
		}
	}
}

func TestInternalErrorsAreNotLeaked(t *testing.T) {
	w := do(t, NewMux(&mockService{submitErr: errors.New("sql: password=hunter2")}), http.MethodPost, "/transcribe", `{"file_path":"/a.wav"}`, nil)
	if strings.Contains(w.Body.String(), "hunter2") {
		t.Fatalf("internal error leaked: %s", w.Body.String())
	}
}

func TestStatusAndResultNotFound(t *testing.T) {
	r := NewMux(&mockService{statusErr: taskqueue.ErrNotFound, resultErr: results.ErrNotFound})
	if w := do(t, r, http.MethodGet, "/status/missing", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("status code=%d", w.Code)
	}
	if w := do(t, r, http.MethodGet, "/result/missing", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("result code=%d", w.Code)
	}
}

func TestStatusAndResult(t *testing.T) {
	r := NewMux(&mockService{})
	w := do(t, r, http.MethodGet, "/status/t1", "", nil)
	var st types.TaskStatus
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil || st.TaskID != "t1" || st.Progress != 42 {
		t.Fatalf("status=%+v err=%v", st, err)
	}
	w = do(t, r, http.MethodGet, "/result/t1", "", nil)
	var view types.ResultView
	if err := json.Unmarshal(w.Body.Bytes(), &view); err != nil || view.Result == nil || view.Result.Text != "hi" {
		t.Fatalf("view=%+v err=%v", view, err)
	}
}

func TestCancelAndDelete(t *testing.T) {
	svc := &mockService{}
	r := NewMux(svc)
	if w := do(t, r, http.MethodDelete, "/cancel/t1", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("cancel finished task status=%d", w.Code)
	}
	svc.canceled = true
	if w := do(t, r, http.MethodDelete, "/cancel/t1", "", nil); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "canceled") {
		t.Fatalf("cancel status=%d body=%s", w.Code, w.Body.String())
	}
	if w := do(t, r, http.MethodDelete, "/result/t1", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("delete missing status=%d", w.Code)
	}
	svc.deleted = true
	if w := do(t, r, http.MethodDelete, "/result/t1", "", nil); w.Code != http.StatusOK {
		t.Fatalf("delete status=%d", w.Code)
	}
}

func TestHistoryQuery(t *testing.T) {
	svc := &mockService{}
	r := NewMux(svc)
	if w := do(t, r, http.MethodGet, "/history?limit=5&offset=10", "", nil); w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if svc.gotLimit != 5 || svc.gotOffset != 10 {
		t.Fatalf("limit=%d offset=%d", svc.gotLimit, svc.gotOffset)
	}
	for _, q := range []string{"limit=x", "offset=-1", "offset=y"} {
		if w := do(t, r, http.MethodGet, "/history?"+q, "", nil); w.Code != http.StatusBadRequest {
			t.Errorf("%s: status=%d", q, w.Code)
		}
	}
}

func TestStatsDays(t *testing.T) {
	svc := &mockService{}
	r := NewMux(svc)
	if w := do(t, r, http.MethodGet, "/stats", "", nil); w.Code != http.StatusOK || svc.gotDays != 30 {
		t.Fatalf("status=%d days=%d", w.Code, svc.gotDays)
	}
	if w := do(t, r, http.MethodGet, "/stats?days=0", "", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("days=0 status=%d", w.Code)
	}
}

func TestResourcesModelsCleanup(t *testing.T) {
	r := NewMux(&mockService{})
	w := do(t, r, http.MethodGet, "/resources", "", nil)
	var st types.ResourceStatus
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil || st.Limits.MaxVRAMMB != 16000 {
		t.Fatalf("resources=%+v err=%v", st, err)
	}
	w = do(t, r, http.MethodGet, "/models", "", nil)
	var models types.ModelsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &models); err != nil || len(models.Models) != 2 {
		t.Fatalf("models=%+v err=%v", models, err)
	}
	w = do(t, r, http.MethodPost, "/workers/cleanup", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"reclaimed":2`) {
		t.Fatalf("cleanup status=%d body=%s", w.Code, w.Body.String())
	}

	r = NewMux(&mockService{resourceErr: coord.Unavailable("read usage", errors.New("eof"))})
	if w := do(t, r, http.MethodGet, "/resources", "", nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("resources unavailable status=%d", w.Code)
	}
}

func TestReadyz(t *testing.T) {
	if w := do(t, NewMux(&mockService{ready: true}), http.MethodGet, "/readyz", "", nil); w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	w := do(t, NewMux(&mockService{}), http.MethodGet, "/readyz", "", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", w.Code)
	}
	if w := do(t, NewMux(&mockService{}), http.MethodGet, "/healthz", "", nil); w.Code != http.StatusOK {
		t.Fatalf("healthz status=%d", w.Code)
	}
}

func TestSecurityHeader(t *testing.T) {
	w := do(t, NewMux(&mockService{}), http.MethodGet, "/models", "", nil)
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("X-Content-Type-Options=%q", got)
	}
}
