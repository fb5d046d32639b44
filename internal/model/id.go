package model

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewTaskID generates a new ULID string for use as a task identifier.
func NewTaskID() string {
	return ulid.Make().String()
}

// NewWorkerID generates a random worker identifier.
func NewWorkerID() string {
	return "worker-" + uuid.NewString()
}
