package doctor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/go-crew/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	home := t.TempDir()
	cfg := &config.Config{HomeDir: home}
	cfg.LLM.Provider = "anthropic"
	cfg.Scheduler.SweepSchedule = "@every 30s"
	cfg.Scheduler.MaxConcurrentWorkers = 3
	cfg.Scheduler.MaxTaskRetries = 3
	return cfg
}

func TestRun_NilConfigSkips(t *testing.T) {
	d := Run(context.Background(), nil, "dev", checkAPIKey, checkDatabase, checkPermissions, checkSchedule, checkBackends, checkNetwork)
	for _, r := range d.Results {
		if r.Status != Skip {
			t.Fatalf("%s: expected SKIP for nil config, got %s", r.Name, r.Status)
		}
	}
	if d.System.Version != "dev" {
		t.Fatalf("version = %q", d.System.Version)
	}
	if !Run(context.Background(), nil, "dev", checkConfig).Failed() {
		t.Fatal("missing config should fail")
	}
}

func TestCheckConfig_WarnsWithoutFile(t *testing.T) {
	cfg := testConfig(t)
	if r := checkConfig(context.Background(), cfg); r.Status != Warn {
		t.Fatalf("expected WARN, got %+v", r)
	}
	if err := os.WriteFile(filepath.Join(cfg.HomeDir, "config.yaml"), []byte("log_level: info\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if r := checkConfig(context.Background(), cfg); r.Status != Pass {
		t.Fatalf("expected PASS, got %+v", r)
	}
}

func TestCheckAPIKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	cfg := testConfig(t)
	if r := checkAPIKey(context.Background(), cfg); r.Status != Fail {
		t.Fatalf("expected FAIL without key, got %+v", r)
	}
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	if r := checkAPIKey(context.Background(), cfg); r.Status != Pass {
		t.Fatalf("expected PASS with env key, got %+v", r)
	}
	cfg.LLM.Provider = "openai_compatible"
	cfg.LLM.BaseURL = "http://localhost:11434/v1"
	t.Setenv("OPENAI_API_KEY", "")
	if r := checkAPIKey(context.Background(), cfg); r.Status != Warn {
		t.Fatalf("expected WARN for keyless compatible endpoint, got %+v", r)
	}
}

func TestCheckDatabase(t *testing.T) {
	cfg := testConfig(t)
	r := checkDatabase(context.Background(), cfg)
	if r.Status != Pass {
		t.Fatalf("expected PASS, got %+v", r)
	}
	if r.Detail != filepath.Join(cfg.HomeDir, "crew.db") {
		t.Fatalf("detail = %q", r.Detail)
	}
}

func TestCheckSchedule_BadExpression(t *testing.T) {
	cfg := testConfig(t)
	if r := checkSchedule(context.Background(), cfg); r.Status != Pass {
		t.Fatalf("expected PASS, got %+v", r)
	}
	cfg.Scheduler.SweepSchedule = "every now and then"
	if r := checkSchedule(context.Background(), cfg); r.Status != Fail {
		t.Fatalf("expected FAIL, got %+v", r)
	}
}

func TestCheckBackends(t *testing.T) {
	orig := lookPath
	t.Cleanup(func() { lookPath = orig })
	lookPath = func(bin string) (string, error) {
		if bin == "codex" {
			return "/usr/bin/codex", nil
		}
		return "", errors.New("not found")
	}

	cfg := testConfig(t)
	if r := checkBackends(context.Background(), cfg); r.Status != Pass {
		t.Fatalf("expected PASS with no backends, got %+v", r)
	}
	cfg.Backends.Codex = true
	if r := checkBackends(context.Background(), cfg); r.Status != Pass || r.Detail != "codex: ok" {
		t.Fatalf("unexpected result %+v", r)
	}
	cfg.Backends.OpenCode = true
	r := checkBackends(context.Background(), cfg)
	if r.Status != Warn || r.Detail != "opencode: missing, codex: ok" {
		t.Fatalf("unexpected result %+v", r)
	}
}

func TestProviderHost(t *testing.T) {
	cfg := testConfig(t)
	if h := providerHost(cfg); h != "api.anthropic.com" {
		t.Fatalf("host = %q", h)
	}
	cfg.LLM.Provider = "openai_compatible"
	cfg.LLM.BaseURL = "http://llm.internal:8080/v1"
	if h := providerHost(cfg); h != "llm.internal" {
		t.Fatalf("host = %q", h)
	}
}

func TestCheckNetwork_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if r := checkNetwork(ctx, testConfig(t)); r.Status != Fail {
		t.Fatalf("expected FAIL for canceled context, got %s", r.Status)
	}
}
