package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"scribed/internal/coord"
	"scribed/internal/inference"
	"scribed/internal/resource"
	"scribed/internal/results"
	"scribed/internal/taskqueue"
	"scribed/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}

// statusFor maps well-known service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case resource.IsModelNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, results.ErrNotFound), errors.Is(err, taskqueue.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, taskqueue.ErrDuplicate):
		return http.StatusConflict
	case coord.IsUnavailable(err), inference.IsDependencyUnavailable(err):
		return http.StatusServiceUnavailable
	}
	var he HTTPError
	if errors.As(err, &he) {
		return he.StatusCode()
	}
	return http.StatusInternalServerError
}

// writeServiceError maps err and writes it. 429s are counted as backpressure.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusTooManyRequests {
		var ex *resource.ExhaustedError
		if errors.As(err, &ex) {
			countExhausted(string(ex.Pool))
		} else {
			countExhausted("")
		}
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logError(r, err)
		msg = "internal server error"
	}
	writeJSONError(w, status, msg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
