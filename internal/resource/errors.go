package resource

import (
	"errors"
	"fmt"
	"net/http"
)

// Pool names a resource pool that can refuse admission.
type Pool string

const (
	PoolDevice     Pool = "vram"
	PoolHost       Pool = "ram"
	PoolHostMemory Pool = "host_memory"
)

// ExhaustedError is returned when a pool cannot fit the requested model.
type ExhaustedError struct {
	Pool        Pool
	Model       string
	RequestedMB int
	AvailableMB int
	Reason      string
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("resource exhausted: %s pool: model %s needs %d MB, %d MB available: %s",
		e.Pool, e.Model, e.RequestedMB, e.AvailableMB, e.Reason)
}

// StatusCode maps exhaustion to 429 for the HTTP layer.
func (e *ExhaustedError) StatusCode() int { return http.StatusTooManyRequests }

// IsResourceExhausted reports whether err is an *ExhaustedError.
func IsResourceExhausted(err error) bool {
	var e *ExhaustedError
	return errors.As(err, &e)
}

type modelNotFoundError struct{ name string }

func (e modelNotFoundError) Error() string { return "unknown model: " + e.name }

// ErrModelNotFound returns an error for a model missing from the catalog.
func ErrModelNotFound(name string) error { return modelNotFoundError{name: name} }

// IsModelNotFound reports whether err names a model missing from the catalog.
func IsModelNotFound(err error) bool {
	var e modelNotFoundError
	return errors.As(err, &e)
}

// ErrContention is returned when an accounting transaction kept losing
// optimistic-lock races and gave up.
var ErrContention = errors.New("resource accounting contention")
