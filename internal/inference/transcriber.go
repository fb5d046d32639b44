// Package inference defines the contract between workers and the speech
// engine, plus a subprocess implementation.
package inference

import (
	"context"
	"errors"

	"scribed/pkg/types"
)

// Request describes one transcription run. ModelPath is the cached artifact for
// Model; OnAccelerator is set when the model was placed on the device.
type Request struct {
	FilePath      string
	Language      string
	Model         string
	ModelPath     string
	Diarization   bool
	OnAccelerator bool
}

// Progress is one report from a running transcription.
type Progress struct {
	Percent float64 `json:"progress"`
	Message string  `json:"message"`
	ETA     *int    `json:"eta,omitempty"`
}

// ProgressFunc receives progress reports. Implementations must not block
// for long; errors are logged by the caller and do not stop inference.
type ProgressFunc func(Progress)

// Transcriber runs speech recognition synchronously.
type Transcriber interface {
	Transcribe(ctx context.Context, req Request, progress ProgressFunc) (types.Transcript, error)
}

// dependencyUnavailableError signals a missing engine binary or runtime so
// the task can be failed with a clear message instead of a generic error.
type dependencyUnavailableError struct{ msg string }

func (e dependencyUnavailableError) Error() string { return e.msg }

// ErrDependencyUnavailable constructs a dependencyUnavailableError.
func ErrDependencyUnavailable(msg string) error { return dependencyUnavailableError{msg: msg} }

// IsDependencyUnavailable reports whether err indicates a missing engine.
func IsDependencyUnavailable(err error) bool {
	var e dependencyUnavailableError
	return errors.As(err, &e)
}

// Unavailable is the Transcriber used when no engine is configured.
type Unavailable struct{}

func (Unavailable) Transcribe(context.Context, Request, ProgressFunc) (types.Transcript, error) {
	return types.Transcript{}, ErrDependencyUnavailable("no transcription engine configured")
}
