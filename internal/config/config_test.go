package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sample = `
app:
  name: lead-call-engine
  env: test
stream:
  port: 8081
rotation:
  max_attempts: 4
kafka:
  brokers: [localhost:9092]
  retry_topics: [r1, r2]
`

func TestLoadAppliesDefaultsAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("LEADCALL_STREAM_PATH", "/media")
	t.Setenv("LEADCALL_ROTATION_RETRY_DELAY", "90s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.App.Env != "test" {
		t.Fatalf("expected env test, got %q", cfg.App.Env)
	}
	if cfg.Stream.Path != "/media" {
		t.Fatalf("expected env override for stream path, got %q", cfg.Stream.Path)
	}
	if cfg.Rotation.RetryDelay != 90*time.Second {
		t.Fatalf("expected 90s retry delay, got %s", cfg.Rotation.RetryDelay)
	}
	if cfg.Rotation.MaxAttempts != 4 {
		t.Fatalf("expected max attempts 4, got %d", cfg.Rotation.MaxAttempts)
	}
	if cfg.Rotation.CycleDelay != 4*time.Hour {
		t.Fatalf("expected default cycle delay, got %s", cfg.Rotation.CycleDelay)
	}
	if cfg.Bridge.DuplicatePolicy != "replace" {
		t.Fatalf("expected default duplicate policy, got %q", cfg.Bridge.DuplicatePolicy)
	}
	if len(cfg.Kafka.RetryTopics) != 2 {
		t.Fatalf("expected 2 retry topics, got %v", cfg.Kafka.RetryTopics)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
