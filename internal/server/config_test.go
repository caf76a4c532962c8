package server

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault_MatchesManagerDefaults(t *testing.T) {
	cfg := Default()
	mgr := cfg.ManagerConfig()

	if mgr.Retry.BaseDelay != time.Second || mgr.Retry.MaxDelay != 16*time.Second {
		t.Errorf("retry delays = %v/%v, want 1s/16s", mgr.Retry.BaseDelay, mgr.Retry.MaxDelay)
	}
	if mgr.Retry.MaxRetries != 24 {
		t.Errorf("MaxRetries = %d, want 24", mgr.Retry.MaxRetries)
	}
	if mgr.OOMBackoff != time.Minute || mgr.OOMJitter != time.Minute {
		t.Errorf("oom backoff = %v+%v, want 1m+1m", mgr.OOMBackoff, mgr.OOMJitter)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadConfig_YAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logbackup.yaml")
	yaml := `
port: "8181"
metadata_backend: pebble
data_dir: /tmp/lb
retry_base_delay: 2s
retry_max_delay: 30s
resolve_interval: 10s
tasks:
  - name: orders
    start_ts: 42
    ranges:
      - start: a
        end: m
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("LOGBACKUP_HTTP_PORT", "9191")
	t.Setenv("LOGBACKUP_MAX_RETRIES", "5")
	t.Setenv("LOGBACKUP_RESOLVE_WAIT_TIMEOUT", "250ms")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Port != "9191" {
		t.Errorf("Port = %q, want env override 9191", cfg.Port)
	}
	if cfg.MetadataBackend != BackendPebble || cfg.DataDir != "/tmp/lb" {
		t.Errorf("backend = %q at %q", cfg.MetadataBackend, cfg.DataDir)
	}
	if cfg.RetryBaseDelay.Duration() != 2*time.Second {
		t.Errorf("RetryBaseDelay = %v, want 2s", cfg.RetryBaseDelay.Duration())
	}
	if cfg.ResolveInterval.Duration() != 10*time.Second {
		t.Errorf("ResolveInterval = %v, want 10s", cfg.ResolveInterval.Duration())
	}
	if cfg.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want 5", cfg.MaxRetries)
	}
	if cfg.ResolveWaitTimeout.Duration() != 250*time.Millisecond {
		t.Errorf("ResolveWaitTimeout = %v, want 250ms", cfg.ResolveWaitTimeout.Duration())
	}
	if cfg.GRPCPort != "9090" {
		t.Errorf("GRPCPort = %q, want default 9090", cfg.GRPCPort)
	}

	if len(cfg.Tasks) != 1 {
		t.Fatalf("Tasks = %d, want 1", len(cfg.Tasks))
	}
	info := cfg.Tasks[0].TaskInfo()
	if info.Name != "orders" || info.StartTS != 42 || string(info.Ranges[0].End) != "m" {
		t.Errorf("task = %+v", info)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadConfig() should fail on a missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("retry_base_delay: soon\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("LoadConfig() should reject an unparsable duration")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.MetadataBackend = "etcd" }},
		{"pebble without dir", func(c *Config) { c.MetadataBackend = BackendPebble; c.DataDir = "" }},
		{"no retries", func(c *Config) { c.MaxRetries = 0 }},
		{"inverted delays", func(c *Config) { c.RetryMaxDelay = Duration(time.Millisecond) }},
		{"unnamed task", func(c *Config) { c.Tasks = []TaskConfig{{}} }},
		{"task name with slash", func(c *Config) { c.Tasks = []TaskConfig{{Name: "orders/eu"}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() should fail")
			}
		})
	}
}

func TestSlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := (Config{LogLevel: in}).SlogLevel(); got != want {
			t.Errorf("SlogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
