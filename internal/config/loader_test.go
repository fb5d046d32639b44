package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func envOf(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadYAML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.yaml", "addr: :9999\nredis_url: redis://r:6379/1\nmax_vram_mb: 8000\napi_keys: [a, b]\nuse_accelerator: false\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9999" || cfg.RedisURL != "redis://r:6379/1" || cfg.MaxVRAMMB != 8000 || len(cfg.APIKeys) != 2 || cfg.UseAccelerator {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	// Keys absent from the file keep their defaults.
	if cfg.MaxRAMMB != 8000 || cfg.WorkerLivenessSeconds != 300 || cfg.QueueName != "transcription" {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestLoadJSON(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.json", `{"addr":":7070","queue_backend":"memory","aux_vram_mb":-1,"host_mem_threshold_pct":90.5}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":7070" || cfg.QueueBackend != "memory" || cfg.AuxVRAMMB != -1 || cfg.HostMemThresholdPct != 90.5 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadTOML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.toml", "addr=\":8081\"\nmodel_cache_dir=\"/x\"\njob_timeout_seconds=60\ntranscriber_args=[\"--fast\"]\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8081" || cfg.ModelCacheDir != "/x" || cfg.JobTimeout() != time.Minute || len(cfg.TranscriberArgs) != 1 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error on empty path")
	}
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.txt", "not supported")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected unsupported extension error")
	}
	if _, err := Load("/definitely/not/a/real/file-12345.yaml"); err == nil {
		t.Fatalf("expected error for nonexistent file")
	}
	for name, body := range map[string]string{
		"bad.yaml": "addr: :8080\n: broken\n",
		"bad.json": `{ "addr": ":8080", "redis_url": }`,
		"bad.toml": "addr=:8080\nredis_url\n",
	} {
		if _, err := Load(writeTempFile(t, d, name, body)); err == nil {
			t.Errorf("%s: expected parse error", name)
		}
	}
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	c := Default()
	if c.LivenessWindow() != 5*time.Minute || c.CacheTTL() != 24*time.Hour || c.TaskMaxAge() != 24*time.Hour {
		t.Fatalf("durations: %v %v %v", c.LivenessWindow(), c.CacheTTL(), c.TaskMaxAge())
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	c := Default()
	c.MaxVRAMMB = 0
	c.QueueBackend = "rabbit"
	c.HostMemThresholdPct = 150
	c.LogLevel = "loud"
	c.CleanupSchedule = "every tuesday"
	err := c.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"max_vram_mb", "queue_backend", "host_mem_threshold_pct", "log_level", "cleanup_schedule"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %s", err, want)
		}
	}
}

func TestApplyEnv(t *testing.T) {
	c := Default()
	err := c.ApplyEnv(envOf(map[string]string{
		"SCRIBED_REDIS_URL":          "redis://env:6379/2",
		"SCRIBED_MAX_RAM_MB":         "4096",
		"SCRIBED_HOST_MEM_THRESHOLD": "70",
		"SCRIBED_USE_ACCELERATOR":    "false",
		"SCRIBED_API_KEYS":           " k1 , ,k2 ",
		"SCRIBED_QUEUE_BACKEND":      "memory",
	}))
	if err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if c.RedisURL != "redis://env:6379/2" || c.MaxRAMMB != 4096 || c.HostMemThresholdPct != 70 || c.UseAccelerator || c.QueueBackend != "memory" {
		t.Fatalf("unexpected cfg: %+v", c)
	}
	if len(c.APIKeys) != 2 || c.APIKeys[0] != "k1" || c.APIKeys[1] != "k2" {
		t.Fatalf("api keys = %q", c.APIKeys)
	}
}

func TestApplyEnvRejectsBadNumbers(t *testing.T) {
	c := Default()
	err := c.ApplyEnv(envOf(map[string]string{"SCRIBED_MAX_VRAM_MB": "lots", "SCRIBED_USE_ACCELERATOR": "maybe"}))
	if err == nil || !strings.Contains(err.Error(), "SCRIBED_MAX_VRAM_MB") || !strings.Contains(err.Error(), "SCRIBED_USE_ACCELERATOR") {
		t.Fatalf("err = %v", err)
	}
	if c.MaxVRAMMB != 16000 {
		t.Fatalf("bad value applied: %d", c.MaxVRAMMB)
	}
}

func TestResolve(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.yaml", "max_workers: 5\n")
	cfg, err := Resolve(p, envOf(map[string]string{"SCRIBED_MAX_WORKERS": "7"}))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.MaxWorkers != 7 {
		t.Fatalf("env must override file: %d", cfg.MaxWorkers)
	}
	if _, err := Resolve("", envOf(map[string]string{"SCRIBED_MAX_PAGE_SIZE": "0"})); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestSplitCSV(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"a,b,c", []string{"a", "b", "c"}},
		{" a , b , c ", []string{"a", "b", "c"}},
		{"a,,c", []string{"a", "c"}},
		{"", nil},
	}
	for _, c := range cases {
		got := splitCSV(c.in)
		if len(got) != len(c.want) {
			t.Fatalf("%q -> %v, want %v", c.in, got, c.want)
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Fatalf("%q -> %v, want %v", c.in, got, c.want)
			}
		}
	}
}
