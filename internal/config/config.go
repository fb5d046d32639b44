// Package config holds the runtime parameters shared by the API server and
// workers.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Config holds runtime parameters for the service.
type Config struct {
	Addr           string `json:"addr" yaml:"addr" toml:"addr"`
	RedisURL       string `json:"redis_url" yaml:"redis_url" toml:"redis_url"`
	KeyPrefix      string `json:"key_prefix" yaml:"key_prefix" toml:"key_prefix"`
	DatabasePath   string `json:"database_path" yaml:"database_path" toml:"database_path"`
	ModelCacheDir  string `json:"model_cache_dir" yaml:"model_cache_dir" toml:"model_cache_dir"`
	CatalogPath    string `json:"catalog_path" yaml:"catalog_path" toml:"catalog_path"`
	ModelSourceURL string `json:"model_source_url" yaml:"model_source_url" toml:"model_source_url"`
	DefaultModel   string `json:"default_model" yaml:"default_model" toml:"default_model"`

	// QueueBackend is "asynq" (Redis-backed, separate worker processes) or
	// "memory" (in-process worker, single node).
	QueueBackend string `json:"queue_backend" yaml:"queue_backend" toml:"queue_backend"`
	QueueName    string `json:"queue_name" yaml:"queue_name" toml:"queue_name"`

	MaxVRAMMB int `json:"max_vram_mb" yaml:"max_vram_mb" toml:"max_vram_mb"`
	MaxRAMMB  int `json:"max_ram_mb" yaml:"max_ram_mb" toml:"max_ram_mb"`
	// AuxVRAMMB is added to every device claim; negative disables it.
	AuxVRAMMB           int     `json:"aux_vram_mb" yaml:"aux_vram_mb" toml:"aux_vram_mb"`
	HostMemThresholdPct float64 `json:"host_mem_threshold_pct" yaml:"host_mem_threshold_pct" toml:"host_mem_threshold_pct"`

	WorkerLivenessSeconds  int `json:"worker_liveness_seconds" yaml:"worker_liveness_seconds" toml:"worker_liveness_seconds"`
	CacheTTLSeconds        int `json:"cache_ttl_seconds" yaml:"cache_ttl_seconds" toml:"cache_ttl_seconds"`
	TaskMetadataTTLSeconds int `json:"task_metadata_ttl_seconds" yaml:"task_metadata_ttl_seconds" toml:"task_metadata_ttl_seconds"`
	JobTimeoutSeconds      int `json:"job_timeout_seconds" yaml:"job_timeout_seconds" toml:"job_timeout_seconds"`
	ResultTTLSeconds       int `json:"result_ttl_seconds" yaml:"result_ttl_seconds" toml:"result_ttl_seconds"`
	MaxPageSize            int `json:"max_page_size" yaml:"max_page_size" toml:"max_page_size"`
	MaxWorkers             int `json:"max_workers" yaml:"max_workers" toml:"max_workers"`
	MaxCachedModels        int `json:"max_cached_models" yaml:"max_cached_models" toml:"max_cached_models"`

	UseAccelerator    bool `json:"use_accelerator" yaml:"use_accelerator" toml:"use_accelerator"`
	CooperativeCancel bool `json:"cooperative_cancel" yaml:"cooperative_cancel" toml:"cooperative_cancel"`
	RemoveInput       bool `json:"remove_input" yaml:"remove_input" toml:"remove_input"`

	// CleanupSchedule is a cron spec for pruning task metadata.
	CleanupSchedule string `json:"cleanup_schedule" yaml:"cleanup_schedule" toml:"cleanup_schedule"`
	TaskMaxAgeHours int    `json:"task_max_age_hours" yaml:"task_max_age_hours" toml:"task_max_age_hours"`

	APIKeys  []string `json:"api_keys" yaml:"api_keys" toml:"api_keys"`
	LogLevel string   `json:"log_level" yaml:"log_level" toml:"log_level"`
	// RequestLogLevel is off|error|info|debug; empty keeps the HTTP layer's
	// own default.
	RequestLogLevel string `json:"request_log_level" yaml:"request_log_level" toml:"request_log_level"`
	MaxBodyBytes    int64  `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`

	TranscriberCommand string   `json:"transcriber_command" yaml:"transcriber_command" toml:"transcriber_command"`
	TranscriberArgs    []string `json:"transcriber_args" yaml:"transcriber_args" toml:"transcriber_args"`

	CORSEnabled        bool     `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled"`
	CORSAllowedOrigins []string `json:"cors_allowed_origins" yaml:"cors_allowed_origins" toml:"cors_allowed_origins"`
	CORSAllowedMethods []string `json:"cors_allowed_methods" yaml:"cors_allowed_methods" toml:"cors_allowed_methods"`
	CORSAllowedHeaders []string `json:"cors_allowed_headers" yaml:"cors_allowed_headers" toml:"cors_allowed_headers"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Addr:                   ":8080",
		RedisURL:               "redis://localhost:6379/0",
		KeyPrefix:              "scribed",
		DatabasePath:           "scribed.db",
		ModelCacheDir:          "~/.cache/scribed/models",
		DefaultModel:           "base",
		QueueBackend:           "asynq",
		QueueName:              "transcription",
		MaxVRAMMB:              16000,
		MaxRAMMB:               8000,
		AuxVRAMMB:              1500,
		HostMemThresholdPct:    85,
		WorkerLivenessSeconds:  300,
		CacheTTLSeconds:        86400,
		TaskMetadataTTLSeconds: 86400,
		JobTimeoutSeconds:      3600,
		ResultTTLSeconds:       86400,
		MaxPageSize:            100,
		MaxWorkers:             3,
		MaxCachedModels:        4,
		UseAccelerator:         true,
		CleanupSchedule:        "@hourly",
		TaskMaxAgeHours:        24,
		LogLevel:               "info",
		MaxBodyBytes:           1 << 20,
		CORSAllowedMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		CORSAllowedHeaders:     []string{"Authorization", "Content-Type", "X-API-Key"},
	}
}

// ApplyEnv overlays SCRIBED_* variables read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	list := func(key string, dst *[]string) {
		if v := getenv(key); v != "" {
			*dst = splitCSV(v)
		}
	}

	str("SCRIBED_ADDR", &c.Addr)
	str("SCRIBED_REDIS_URL", &c.RedisURL)
	str("SCRIBED_KEY_PREFIX", &c.KeyPrefix)
	str("SCRIBED_DATABASE_PATH", &c.DatabasePath)
	str("SCRIBED_MODEL_CACHE_DIR", &c.ModelCacheDir)
	str("SCRIBED_CATALOG", &c.CatalogPath)
	str("SCRIBED_MODEL_SOURCE_URL", &c.ModelSourceURL)
	str("SCRIBED_DEFAULT_MODEL", &c.DefaultModel)
	str("SCRIBED_QUEUE_BACKEND", &c.QueueBackend)
	str("SCRIBED_QUEUE_NAME", &c.QueueName)
	num("SCRIBED_MAX_VRAM_MB", &c.MaxVRAMMB)
	num("SCRIBED_MAX_RAM_MB", &c.MaxRAMMB)
	num("SCRIBED_AUX_VRAM_MB", &c.AuxVRAMMB)
	if v := strings.TrimSpace(getenv("SCRIBED_HOST_MEM_THRESHOLD")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("SCRIBED_HOST_MEM_THRESHOLD: %w", err))
		} else {
			c.HostMemThresholdPct = f
		}
	}
	num("SCRIBED_WORKER_LIVENESS_SECONDS", &c.WorkerLivenessSeconds)
	num("SCRIBED_CACHE_TTL_SECONDS", &c.CacheTTLSeconds)
	num("SCRIBED_TASK_METADATA_TTL_SECONDS", &c.TaskMetadataTTLSeconds)
	num("SCRIBED_JOB_TIMEOUT_SECONDS", &c.JobTimeoutSeconds)
	num("SCRIBED_RESULT_TTL_SECONDS", &c.ResultTTLSeconds)
	num("SCRIBED_MAX_PAGE_SIZE", &c.MaxPageSize)
	num("SCRIBED_MAX_WORKERS", &c.MaxWorkers)
	num("SCRIBED_MAX_CACHED_MODELS", &c.MaxCachedModels)
	flag("SCRIBED_USE_ACCELERATOR", &c.UseAccelerator)
	flag("SCRIBED_COOPERATIVE_CANCEL", &c.CooperativeCancel)
	flag("SCRIBED_REMOVE_INPUT", &c.RemoveInput)
	str("SCRIBED_CLEANUP_SCHEDULE", &c.CleanupSchedule)
	list("SCRIBED_API_KEYS", &c.APIKeys)
	str("SCRIBED_LOG_LEVEL", &c.LogLevel)
	str("SCRIBED_REQUEST_LOG", &c.RequestLogLevel)
	str("SCRIBED_TRANSCRIBER", &c.TranscriberCommand)
	list("SCRIBED_TRANSCRIBER_ARGS", &c.TranscriberArgs)
	flag("SCRIBED_CORS_ENABLED", &c.CORSEnabled)
	list("SCRIBED_CORS_ORIGINS", &c.CORSAllowedOrigins)
	return errors.Join(errs...)
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	check(strings.TrimSpace(c.RedisURL) != "", "redis_url is required")
	check(strings.TrimSpace(c.DatabasePath) != "", "database_path is required")
	check(strings.TrimSpace(c.ModelCacheDir) != "", "model_cache_dir is required")
	check(c.QueueBackend == "asynq" || c.QueueBackend == "memory", "queue_backend must be asynq or memory, got %q", c.QueueBackend)
	check(c.QueueName != "", "queue_name is required")
	check(c.MaxVRAMMB > 0, "max_vram_mb must be positive")
	check(c.MaxRAMMB > 0, "max_ram_mb must be positive")
	check(c.HostMemThresholdPct > 0 && c.HostMemThresholdPct <= 100, "host_mem_threshold_pct must be in (0, 100]")
	check(c.WorkerLivenessSeconds > 0, "worker_liveness_seconds must be positive")
	check(c.CacheTTLSeconds > 0, "cache_ttl_seconds must be positive")
	check(c.TaskMetadataTTLSeconds > 0, "task_metadata_ttl_seconds must be positive")
	check(c.JobTimeoutSeconds > 0, "job_timeout_seconds must be positive")
	check(c.ResultTTLSeconds > 0, "result_ttl_seconds must be positive")
	check(c.MaxPageSize > 0, "max_page_size must be positive")
	check(c.MaxWorkers > 0, "max_workers must be positive")
	check(c.MaxCachedModels > 0, "max_cached_models must be positive")
	check(c.TaskMaxAgeHours > 0, "task_max_age_hours must be positive")
	if c.CleanupSchedule != "" {
		if _, err := cron.ParseStandard(c.CleanupSchedule); err != nil {
			errs = append(errs, fmt.Errorf("cleanup_schedule: %w", err))
		}
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	return errors.Join(errs...)
}

// LivenessWindow is the heartbeat age after which a worker is presumed dead.
func (c Config) LivenessWindow() time.Duration { return seconds(c.WorkerLivenessSeconds) }

func (c Config) CacheTTL() time.Duration        { return seconds(c.CacheTTLSeconds) }
func (c Config) TaskMetadataTTL() time.Duration { return seconds(c.TaskMetadataTTLSeconds) }
func (c Config) JobTimeout() time.Duration      { return seconds(c.JobTimeoutSeconds) }
func (c Config) ResultTTL() time.Duration       { return seconds(c.ResultTTLSeconds) }
func (c Config) TaskMaxAge() time.Duration      { return time.Duration(c.TaskMaxAgeHours) * time.Hour }

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// splitCSV splits a comma-separated list, trimming blanks.
func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
