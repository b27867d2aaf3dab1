package config_test

import (
	"errors"
	"testing"
	"time"

	"enforcement-queue/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if cfg.PollInterval != time.Second || cfg.TransientBackoff != 5*time.Second || cfg.MissingRPCBackoff != 2*time.Second {
		t.Fatalf("unexpected timing defaults: %+v", cfg)
	}
	if cfg.WorkerMaxFailures != 5 || cfg.TableMaxAttempts != 3 || cfg.ReclaimAfter != 5*time.Minute {
		t.Fatalf("unexpected retry defaults: max_failures=%d max_attempts=%d reclaim=%s",
			cfg.WorkerMaxFailures, cfg.TableMaxAttempts, cfg.ReclaimAfter)
	}
	if !errors.Is(cfg.RequireDB(), config.ErrMissingDSN) {
		t.Fatalf("expected ErrMissingDSN")
	}
}

func TestLoad_HandlerEndpointsAndOverrides(t *testing.T) {
	t.Setenv("HANDLER_ENDPOINTS", "enrich=http://enrich.local/run,outreach=http://outreach.local/run")
	t.Setenv("WORKER_MAX_FAILURES", "7")
	t.Setenv("RECLAIM_AFTER", "90s")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if cfg.HandlerEndpoints["enrich"] != "http://enrich.local/run" || len(cfg.HandlerEndpoints) != 2 {
		t.Fatalf("unexpected endpoints: %#v", cfg.HandlerEndpoints)
	}
	if cfg.WorkerMaxFailures != 7 || cfg.ReclaimAfter != 90*time.Second {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
}

func TestRequireRPC(t *testing.T) {
	cfg := &config.Config{}
	if !errors.Is(cfg.RequireRPC(), config.ErrMissingRPCURL) {
		t.Fatalf("expected ErrMissingRPCURL")
	}
	cfg.QueueRPCURL = "http://queue.local/rest/v1"
	if !errors.Is(cfg.RequireRPC(), config.ErrMissingKind) {
		t.Fatalf("expected ErrMissingKind")
	}
	cfg.WorkerKind = "enrich"
	if err := cfg.RequireRPC(); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
}

func TestRedactDSN(t *testing.T) {
	got := config.RedactDSN("postgres://app:s3cret@db:5432/jobs?sslmode=disable")
	if got != "postgres://app:****@db:5432/jobs?sslmode=disable" {
		t.Fatalf("unexpected redaction: %s", got)
	}
	if got := config.RedactDSN("postgres://db/jobs"); got != "postgres://db/jobs" {
		t.Fatalf("dsn without password must be unchanged, got %s", got)
	}
}
