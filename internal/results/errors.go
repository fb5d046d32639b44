package results

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when neither the cache nor the durable store has
// the task.
var ErrNotFound = errors.New("result not found")

// DurableWriteError reports that a terminal record could not be persisted.
// The cache is not written in that case.
type DurableWriteError struct {
	TaskID string
	Err    error
}

func (e *DurableWriteError) Error() string {
	return fmt.Sprintf("durable write for task %s failed: %v", e.TaskID, e.Err)
}

func (e *DurableWriteError) Unwrap() error { return e.Err }

// IsDurableWriteFailure reports whether err is a *DurableWriteError.
func IsDurableWriteFailure(err error) bool {
	var e *DurableWriteError
	return errors.As(err, &e)
}
