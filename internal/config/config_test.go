package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/go-crew/internal/config"
)

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(config.ConfigPath(home), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoad_DefaultsWhenNoConfig(t *testing.T) {
	home := filepath.Join(t.TempDir(), "crew")
	t.Setenv("CREW_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HomeDir != home {
		t.Fatalf("home = %q, want %q", cfg.HomeDir, home)
	}
	if cfg.Scheduler.MaxTaskRetries != 3 {
		t.Fatalf("max_task_retries = %d, want 3", cfg.Scheduler.MaxTaskRetries)
	}
	if cfg.Scheduler.MaxConcurrentWorkers != 3 {
		t.Fatalf("max_concurrent_workers = %d, want 3", cfg.Scheduler.MaxConcurrentWorkers)
	}
	if cfg.Runtime.FirstChunkTimeoutSeconds != 30 || cfg.Runtime.ChunkTimeoutSeconds != 120 {
		t.Fatalf("unexpected stream timeouts: %+v", cfg.Runtime)
	}
	if cfg.Runtime.RequestTimeoutSeconds != 30 || cfg.Runtime.MaxMarkupDepth != 5 {
		t.Fatalf("unexpected runtime defaults: %+v", cfg.Runtime)
	}
	if cfg.Scheduler.SweepSchedule != config.DefaultSweepSchedule {
		t.Fatalf("sweep schedule = %q", cfg.Scheduler.SweepSchedule)
	}
	if got := cfg.ResolvedDBPath(); got != filepath.Join(home, "crew.db") {
		t.Fatalf("db path = %q", got)
	}
}

func TestLoad_FromFile(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, `
log_level: debug
llm:
  provider: openrouter
  model: moonshotai/kimi-k2
  text_tool_calls: true
scheduler:
  max_task_retries: 5
  max_concurrent_workers: 2
backends:
  opencode: true
projects:
  - id: web
    name: Website
    parent_agent_id: coo
`)
	t.Setenv("CREW_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LLM.Provider != "openrouter" || cfg.LLM.Model != "moonshotai/kimi-k2" {
		t.Fatalf("unexpected llm config: %+v", cfg.LLM)
	}
	if cfg.LLM.TextToolCalls == nil || !*cfg.LLM.TextToolCalls {
		t.Fatalf("expected text_tool_calls=true")
	}
	if cfg.Scheduler.MaxTaskRetries != 5 || cfg.Scheduler.MaxConcurrentWorkers != 2 {
		t.Fatalf("unexpected scheduler config: %+v", cfg.Scheduler)
	}
	if !cfg.Backends.OpenCode || cfg.Backends.ClaudeCode {
		t.Fatalf("unexpected backends: %+v", cfg.Backends)
	}
	if len(cfg.Projects) != 1 || cfg.Projects[0].ParentAgentID != "coo" {
		t.Fatalf("unexpected projects: %+v", cfg.Projects)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "scheduler:\n  max_task_retries: 5\n")
	t.Setenv("CREW_HOME", home)
	t.Setenv("CREW_MAX_TASK_RETRIES", "2")
	t.Setenv("CREW_MAX_CONCURRENT_WORKERS", "7")
	t.Setenv("CREW_BACKEND_CLAUDE_CODE", "true")
	t.Setenv("CREW_LLM_PROVIDER", "Gemini")
	t.Setenv("CREW_LOG_LEVEL", "warn")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Scheduler.MaxTaskRetries != 2 {
		t.Fatalf("env override for retries not applied: %d", cfg.Scheduler.MaxTaskRetries)
	}
	if cfg.Scheduler.MaxConcurrentWorkers != 7 {
		t.Fatalf("env override for workers not applied: %d", cfg.Scheduler.MaxConcurrentWorkers)
	}
	if !cfg.Backends.ClaudeCode {
		t.Fatalf("env override for claude_code not applied")
	}
	if cfg.LLM.Provider != "google" {
		t.Fatalf("expected gemini to normalize to google, got %q", cfg.LLM.Provider)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("log level = %q", cfg.LogLevel)
	}
}

func TestLoad_NonPositiveValuesNormalized(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "scheduler:\n  max_task_retries: 0\n  max_concurrent_workers: -1\nruntime:\n  chunk_timeout_seconds: 0\n")
	t.Setenv("CREW_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Scheduler.MaxTaskRetries != 3 || cfg.Scheduler.MaxConcurrentWorkers != 3 {
		t.Fatalf("expected defaults restored, got %+v", cfg.Scheduler)
	}
	if cfg.Runtime.ChunkTimeout().Seconds() != 120 {
		t.Fatalf("chunk timeout = %v", cfg.Runtime.ChunkTimeout())
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	cases := map[string]string{
		"unknown provider":      "llm:\n  provider: clippy\n",
		"compat without url":    "llm:\n  provider: openai_compatible\n",
		"empty project id":      "projects:\n  - name: nameless\n",
		"duplicate project ids": "projects:\n  - id: a\n  - id: a\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			home := t.TempDir()
			writeConfig(t, home, body)
			if _, err := config.LoadFile(home, config.ConfigPath(home)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoad_ParseError(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "llm: [not, a, map\n")
	_, err := config.LoadFile(home, config.ConfigPath(home))
	if err == nil || !strings.Contains(err.Error(), "parse config.yaml") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestLLMAPIKey_EnvWins(t *testing.T) {
	cfg := config.Config{LLM: config.LLMConfig{Provider: "anthropic", APIKey: "from-file"}}
	t.Setenv("ANTHROPIC_API_KEY", "")
	if got := cfg.LLMAPIKey(); got != "from-file" {
		t.Fatalf("expected file key, got %q", got)
	}
	t.Setenv("ANTHROPIC_API_KEY", "from-env")
	if got := cfg.LLMAPIKey(); got != "from-env" {
		t.Fatalf("expected env key, got %q", got)
	}
}

func TestFingerprint_ChangesWithBackends(t *testing.T) {
	a := config.Config{}
	b := config.Config{Backends: config.BackendsConfig{Codex: true}}
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatalf("expected fingerprint to differ")
	}
	if a.Fingerprint() != (config.Config{}).Fingerprint() {
		t.Fatalf("expected stable fingerprint")
	}
}
