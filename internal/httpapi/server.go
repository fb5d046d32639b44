package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"scribed/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Submit(ctx context.Context, identity string, req types.TranscribeRequest) (types.SubmitResponse, error)
	TaskStatus(ctx context.Context, taskID string) (types.TaskStatus, error)
	Result(ctx context.Context, taskID string) (types.ResultView, error)
	History(ctx context.Context, identity string, limit, offset int) (types.HistoryResponse, error)
	DeleteResult(ctx context.Context, taskID, identity string) (bool, error)
	// Cancel reports false when the task is unknown or already finished.
	Cancel(ctx context.Context, taskID string) (bool, error)
	Resources(ctx context.Context) (types.ResourceStatus, error)
	Models() types.ModelsResponse
	Usage(ctx context.Context, identity string, days int) (types.UsageResponse, error)
	CleanupWorkers(ctx context.Context) (types.CleanupResponse, error)
	Ready(ctx context.Context) bool
}

// NewMux builds the router for svc.
func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	r.Use(RequestLogger)
	r.Use(middleware.Compress(5))
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if corsOptions != nil {
		r.Use(cors.Handler(*corsOptions))
	}

	h := &handlers{svc: svc}
	r.Group(func(r chi.Router) {
		r.Use(inflight)
		r.Get("/models", h.models)
		r.Get("/resources", h.resources)

		r.Group(func(r chi.Router) {
			r.Use(requireIdentity)
			r.Post("/transcribe", h.submit)
			r.Get("/status/{id}", h.status)
			r.Get("/result/{id}", h.result)
			r.Delete("/result/{id}", h.deleteResult)
			r.Get("/history", h.history)
			r.Delete("/cancel/{id}", h.cancel)
			r.Get("/stats", h.stats)
			r.Post("/workers/cleanup", h.cleanup)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready(r.Context()) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("unavailable"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)
	return r
}

type handlers struct {
	svc Service
}

func (h *handlers) models(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Models())
}

func (h *handlers) resources(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := handlerContext(r)
	defer cancel()
	st, err := h.svc.Resources(ctx)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// validFormats are the output format labels accepted on submit.
var validFormats = map[string]bool{"": true, "json": true, "txt": true, "srt": true, "vtt": true}

func (h *handlers) submit(w http.ResponseWriter, r *http.Request) {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req types.TranscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.FilePath) == "" {
		writeJSONError(w, http.StatusBadRequest, "file_path is required")
		return
	}
	if !validFormats[strings.ToLower(req.Format)] {
		writeJSONError(w, http.StatusBadRequest, "format must be one of json, txt, srt, vtt")
		return
	}
	if req.FileSizeBytes < 0 {
		writeJSONError(w, http.StatusBadRequest, "file_size_bytes must not be negative")
		return
	}
	ctx, cancel := handlerContext(r)
	defer cancel()
	resp, err := h.svc.Submit(ctx, IdentityFrom(r.Context()), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := handlerContext(r)
	defer cancel()
	st, err := h.svc.TaskStatus(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *handlers) result(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := handlerContext(r)
	defer cancel()
	view, err := h.svc.Result(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *handlers) deleteResult(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := handlerContext(r)
	defer cancel()
	id := chi.URLParam(r, "id")
	ok, err := h.svc.DeleteResult(ctx, id, IdentityFrom(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if !ok {
		writeJSONError(w, http.StatusNotFound, "transcription not found or access denied")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "deleted": true})
}

func (h *handlers) history(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		writeJSONError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}
	ctx, cancel := handlerContext(r)
	defer cancel()
	page, err := h.svc.History(ctx, IdentityFrom(r.Context()), limit, offset)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *handlers) cancel(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := handlerContext(r)
	defer cancel()
	id := chi.URLParam(r, "id")
	ok, err := h.svc.Cancel(ctx, id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if !ok {
		writeJSONError(w, http.StatusNotFound, "task not found or cannot be canceled")
		return
	}
	writeJSON(w, http.StatusOK, types.SubmitResponse{TaskID: id, Status: "canceled", Message: "Task canceled"})
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "days", 30)
	if err != nil || days <= 0 {
		writeJSONError(w, http.StatusBadRequest, "days must be a positive integer")
		return
	}
	ctx, cancel := handlerContext(r)
	defer cancel()
	u, err := h.svc.Usage(ctx, IdentityFrom(r.Context()), days)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *handlers) cleanup(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := handlerContext(r)
	defer cancel()
	res, err := h.svc.CleanupWorkers(ctx)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
