package store

import (
	"context"
	"errors"
	"time"

	"scribed/internal/model"
)

// ErrNotFound is returned when a transcription record is not found.
var ErrNotFound = errors.New("transcription not found")

// ErrDuplicate is returned when a record with the same task id exists.
var ErrDuplicate = errors.New("transcription already exists")

// ErrInvalidTransition is returned when a status change would reopen or
// overwrite a finished record.
var ErrInvalidTransition = errors.New("invalid status transition")

// Transcription is the durable record of one task.
type Transcription struct {
	TaskID           string
	Identity         string
	OriginalFilename string
	FileSizeBytes    int64
	Language         string
	Model            string
	Format           string
	Diarization      bool
	StoragePath      string

	Status      model.Status
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	ProcessingSeconds    *float64
	AudioDurationSeconds *float64
	DetectedLanguage     string
	Text                 string
	// Result is the full structured payload as JSON.
	Result    []byte
	WordCount int
	Error     string
}

// UsageDelta is added to an identity's aggregates for one UTC day.
type UsageDelta struct {
	Identity             string
	At                   time.Time
	Successful           bool
	ProcessingSeconds    float64
	AudioDurationSeconds float64
	FileSizeBytes        int64
}

// UsageRow is one identity's aggregates for one day.
type UsageRow struct {
	Day                  string
	Requests             int
	Successful           int
	Failed               int
	ProcessingSeconds    float64
	AudioDurationSeconds float64
	FileSizeBytes        int64
}

// Store defines the persistence operations for transcriptions.
type Store interface {
	CreateTranscription(ctx context.Context, t *Transcription) error
	GetTranscription(ctx context.Context, id string) (*Transcription, error)
	ListTranscriptions(ctx context.Context, identity string, limit, offset int) ([]*Transcription, int, error)
	// FinishTranscription writes a terminal record, inserting it if absent.
	FinishTranscription(ctx context.Context, t *Transcription) error
	UpdateTranscriptionStatus(ctx context.Context, id string, status model.Status, at time.Time) error
	DeleteTranscription(ctx context.Context, id, identity string) (bool, error)
	RecordUsage(ctx context.Context, d UsageDelta) error
	GetUsage(ctx context.Context, identity string, since time.Time) ([]UsageRow, error)
	Ping(ctx context.Context) error
	Close() error
}
