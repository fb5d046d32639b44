package model

import "fmt"

// Status is the lifecycle state of a transcription task.
type Status string

// Task status constants.
const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// validTransitions maps each status to the set of statuses it may move to.
// Terminal statuses have no entry.
var validTransitions = map[Status]map[Status]bool{
	StatusQueued: {
		StatusProcessing: true,
		StatusCompleted:  true,
		StatusFailed:     true,
		StatusCanceled:   true,
	},
	StatusProcessing: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCanceled:  true,
	},
}

// ValidTransition reports whether moving from one status to another is allowed.
func ValidTransition(from, to Status) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether s can no longer change.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	case StatusQueued, StatusProcessing:
		return false
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// ParseStatus converts a stored string back into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown task status %q", s)
	}
	return st, nil
}

func (s Status) String() string { return string(s) }
