package types

import (
	"encoding/json"
	"time"
)

// TranscribeRequest is the POST /transcribe payload. The audio must already
// be reachable by workers at FilePath.
type TranscribeRequest struct {
	// Path of the stored audio file, as seen by workers.
	// example: /data/uploads/interview.wav
	FilePath string `json:"file_path" example:"/data/uploads/interview.wav"`
	// Language code or "auto".
	// example: auto
	Language string `json:"language,omitempty" example:"auto"`
	// Requested catalog model. The worker may fall back to a smaller one.
	// example: large-v3
	Model string `json:"model,omitempty" example:"large-v3"`
	// Output format label stored with the result.
	// example: json
	Format string `json:"format,omitempty" example:"json"`
	// Run speaker diarization.
	// example: true
	Diarization bool `json:"diarization" example:"true"`
	// Original upload name, kept for history listings.
	// example: interview.wav
	OriginalFilename string `json:"original_filename,omitempty" example:"interview.wav"`
	// Size of the uploaded file in bytes.
	// example: 1048576
	FileSizeBytes int64 `json:"file_size_bytes,omitempty" example:"1048576"`
	// Optional caller-chosen task id.
	TaskID string `json:"task_id,omitempty"`
}

// SubmitResponse is returned after a task is queued.
type SubmitResponse struct {
	// example: 01HZX3Q4N5J7K8M9P0R1S2T3V4
	TaskID string `json:"task_id" example:"01HZX3Q4N5J7K8M9P0R1S2T3V4"`
	// example: queued
	Status  string `json:"status" example:"queued"`
	Message string `json:"message,omitempty"`
}

// TaskStatus is the live view of a queued or running task.
type TaskStatus struct {
	TaskID string `json:"task_id"`
	// One of queued, processing, completed, failed, canceled.
	// example: processing
	Status string `json:"status" example:"processing"`
	// Progress percentage 0..100.
	// example: 42.5
	Progress  float64         `json:"progress" example:"42.5"`
	Message   string          `json:"message,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt *time.Time      `json:"updated_at,omitempty"`
	ETA       *int            `json:"eta_seconds,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// ResultMetadata carries processing details persisted with a result.
type ResultMetadata struct {
	OriginalFilename  string     `json:"original_filename,omitempty"`
	FileSizeBytes     int64      `json:"file_size_bytes,omitempty"`
	Language          string     `json:"language,omitempty"`
	Model             string     `json:"model,omitempty"`
	Format            string     `json:"format,omitempty"`
	Diarization       bool       `json:"diarization"`
	StoragePath       string     `json:"storage_path,omitempty"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	ProcessingSeconds float64    `json:"processing_time_seconds,omitempty"`
}

// ResultView is a finished task as served by GET /result/{id}.
type ResultView struct {
	TaskID   string         `json:"task_id"`
	Status   string         `json:"status"`
	Result   *Transcript    `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata ResultMetadata `json:"metadata"`
	// Where the view was read from: cache or store.
	// example: cache
	Source string `json:"source" example:"cache"`
}

// ResultSummary is one row of GET /history.
type ResultSummary struct {
	TaskID               string     `json:"task_id"`
	Status               string     `json:"status"`
	OriginalFilename     string     `json:"original_filename,omitempty"`
	Language             string     `json:"language,omitempty"`
	DetectedLanguage     string     `json:"detected_language,omitempty"`
	Model                string     `json:"model,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
	ProcessingSeconds    *float64   `json:"processing_time_seconds,omitempty"`
	AudioDurationSeconds *float64   `json:"audio_duration_seconds,omitempty"`
	WordCount            int        `json:"word_count"`
	FileSizeBytes        int64      `json:"file_size_bytes,omitempty"`
}

// HistoryResponse wraps a page of results.
type HistoryResponse struct {
	Results []ResultSummary `json:"results"`
	Total   int             `json:"total"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

// ModelsResponse wraps the catalog returned by GET /models.
type ModelsResponse struct {
	Models []ModelSpec `json:"models"`
}

// ResourceLimits are the configured pool ceilings.
type ResourceLimits struct {
	MaxVRAMMB int `json:"max_vram_mb" example:"16000"`
	MaxRAMMB  int `json:"max_ram_mb" example:"8000"`
}

// ResourceUsage is the aggregate of all live leases.
type ResourceUsage struct {
	VRAMMB      int     `json:"vram_mb"`
	RAMMB       int     `json:"ram_mb"`
	VRAMPercent float64 `json:"vram_percent"`
	RAMPercent  float64 `json:"ram_percent"`
}

// SystemMemory is sampled from the local host.
type SystemMemory struct {
	TotalRAMMB     int     `json:"total_ram_mb"`
	UsedRAMPercent float64 `json:"used_ram_percent"`
	AvailableRAMMB int     `json:"available_ram_mb"`
}

// WorkerInfo describes one registered worker.
type WorkerInfo struct {
	WorkerID      string    `json:"worker_id"`
	PID           int       `json:"pid"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Leases        int       `json:"leases"`
}

// ResourceStatus is returned by GET /resources.
type ResourceStatus struct {
	Limits        ResourceLimits `json:"limits"`
	Usage         ResourceUsage  `json:"usage"`
	System        *SystemMemory  `json:"system,omitempty"`
	ActiveWorkers int            `json:"active_workers"`
	Workers       []WorkerInfo   `json:"workers"`
}

// UsageDay aggregates one identity's requests for one UTC day.
type UsageDay struct {
	Day                  string  `json:"day" example:"2024-05-01"`
	Requests             int     `json:"requests"`
	Successful           int     `json:"successful"`
	Failed               int     `json:"failed"`
	ProcessingSeconds    float64 `json:"processing_seconds"`
	AudioDurationSeconds float64 `json:"audio_duration_seconds"`
	FileSizeBytes        int64   `json:"file_size_bytes"`
}

// UsageResponse is returned by GET /stats.
type UsageResponse struct {
	Days        []UsageDay `json:"days"`
	ActiveTasks int64      `json:"active_tasks"`
}

// CleanupResponse is returned by POST /workers/cleanup.
type CleanupResponse struct {
	Reclaimed int `json:"reclaimed"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}
