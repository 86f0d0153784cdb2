package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("GIN_MODE", "debug")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.HardTimeLimit() != 300*time.Second {
		t.Fatalf("unexpected hard limit: %s", cfg.HardTimeLimit())
	}
	if cfg.SoftTimeLimit() != 270*time.Second {
		t.Fatalf("unexpected soft limit: %s", cfg.SoftTimeLimit())
	}
	if cfg.MaxJobsPerWorker != 50 {
		t.Fatalf("unexpected max jobs per worker: %d", cfg.MaxJobsPerWorker)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("TASK_TIME_LIMIT_SECONDS", "60")
	t.Setenv("TASK_SOFT_TIME_LIMIT_SECONDS", "50")
	t.Setenv("WORKER_CONCURRENCY", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.TaskTimeLimitSeconds != 60 || cfg.TaskSoftLimitSeconds != 50 {
		t.Fatalf("unexpected limits: %d/%d", cfg.TaskTimeLimitSeconds, cfg.TaskSoftLimitSeconds)
	}
	if cfg.WorkerConcurrency != 2 {
		t.Fatalf("invalid integer should fall back to default, got %d", cfg.WorkerConcurrency)
	}
}

func TestValidateSoftLimitAboveHardLimit(t *testing.T) {
	t.Setenv("TASK_TIME_LIMIT_SECONDS", "30")
	t.Setenv("TASK_SOFT_TIME_LIMIT_SECONDS", "40")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when soft limit exceeds hard limit")
	}
}

func TestValidateReleaseRequiresCredentials(t *testing.T) {
	t.Setenv("GIN_MODE", "release")
	t.Setenv("APP_USERNAME", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error in release mode without credentials")
	}
}
