package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"

	"github.com/basket/go-crew/internal/audit"
	"github.com/basket/go-crew/internal/config"
	"github.com/basket/go-crew/internal/kanban"
	"github.com/basket/go-crew/internal/persistence"
	"github.com/basket/go-crew/internal/telemetry"
)

// cliEnv is what the short-lived subcommands need.
type cliEnv struct {
	cfg    config.Config
	logger *slog.Logger
	store  *persistence.Store
	audit  *audit.Log

	closers []io.Closer
}

// openEnv loads config and opens the store. Logs stay in the log file when
// stdout is a terminal so command output is not interleaved with JSON.
func openEnv() (*cliEnv, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}
	quiet := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}
	env := &cliEnv{cfg: cfg, logger: logger, closers: []io.Closer{logCloser}}

	env.store, err = persistence.Open(cfg.ResolvedDBPath())
	if err != nil {
		env.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	env.closers = append(env.closers, env.store)

	env.audit, err = audit.Open(cfg.HomeDir)
	if err != nil {
		env.Close()
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	env.closers = append(env.closers, env.audit)
	return env, nil
}

func (e *cliEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		_ = e.closers[i].Close()
	}
}

// scheduler returns an offline scheduler for projectID. No workers are live
// outside the daemon, so nothing is spawned from here.
func (e *cliEnv) scheduler(projectID string) *kanban.Scheduler {
	return kanban.New(e.store, offline{}, offline{}, kanban.Config{
		ProjectID:            projectID,
		MaxTaskRetries:       e.cfg.Scheduler.MaxTaskRetries,
		MaxConcurrentWorkers: e.cfg.Scheduler.MaxConcurrentWorkers,
		Backends:             backendFlags(e.cfg.Backends),
		Audit:                e.audit,
		Logger:               e.logger,
	})
}

// defaultProject is the first configured project, or "default".
func (e *cliEnv) defaultProject() string {
	if len(e.cfg.Projects) > 0 {
		return e.cfg.Projects[0].ID
	}
	return defaultProjectID
}

const defaultProjectID = "default"

func backendFlags(b config.BackendsConfig) kanban.BackendFlags {
	return kanban.BackendFlags{OpenCode: b.OpenCode, ClaudeCode: b.ClaudeCode, Codex: b.Codex}
}

type offline struct{}

func (offline) IsLive(string) bool { return false }

func (offline) WorkerBackends(string) []string { return nil }

func (offline) SpawnWorker(context.Context, persistence.Task, kanban.Backend) (string, error) {
	return "", fmt.Errorf("workers only run inside crew run")
}

func (offline) AssignWorker(context.Context, string, persistence.Task) error { return nil }

func (offline) DestroyWorker(string) {}
