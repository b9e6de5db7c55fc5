package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/go-crew/internal/agent"
	"github.com/basket/go-crew/internal/audit"
	"github.com/basket/go-crew/internal/bus"
	"github.com/basket/go-crew/internal/config"
	"github.com/basket/go-crew/internal/cron"
	"github.com/basket/go-crew/internal/llm"
	otelPkg "github.com/basket/go-crew/internal/otel"
	"github.com/basket/go-crew/internal/persistence"
	"github.com/basket/go-crew/internal/pricing"
	"github.com/basket/go-crew/internal/teamlead"
	"github.com/basket/go-crew/internal/telemetry"
)

const shutdownTimeout = 15 * time.Second

func newRunCmd() *cobra.Command {
	var directive string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the team leads, workers and board sweep until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, directive)
		},
	}
	cmd.Flags().StringVar(&directive, "directive", "", "send this directive to the first project's team lead at startup")
	return cmd
}

func runDaemon(ctx context.Context, directive string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	for model, p := range cfg.Pricing {
		pricing.Register(model, pricing.ModelPricing{PromptPer1M: p.PromptPer1M, CompletionPer1M: p.CompletionPer1M})
	}

	tel, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		return fmt.Errorf("otel init: %w", err)
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	store, err := persistence.Open(cfg.ResolvedDBPath())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.ResolvedDBPath())

	auditLog, err := audit.Open(cfg.HomeDir)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer auditLog.Close()

	provider, err := llm.NewGenkitProvider(ctx, llm.GenkitConfig{
		Provider:           cfg.LLM.Provider,
		Model:              cfg.LLM.Model,
		APIKey:             cfg.LLMAPIKey(),
		BaseURL:            cfg.LLM.BaseURL,
		CompatibleProvider: cfg.LLM.CompatibleProvider,
	}, logger)
	if err != nil {
		return fmt.Errorf("llm provider: %w", err)
	}

	msgBus := bus.New(store, logger, bus.WithMetrics(tel.Metrics))
	defer msgBus.Close()

	agentCtx, stopAgents := context.WithCancel(context.Background())
	defer stopAgents()
	registry := agent.NewRegistry(agentCtx, msgBus, store, logger, tel)

	projects := cfg.Projects
	if len(projects) == 0 {
		projects = []config.ProjectConfig{{ID: defaultProjectID}}
	}
	leads := make([]*teamlead.TeamLead, 0, len(projects))
	targets := make([]cron.Target, 0, len(projects))
	for _, p := range projects {
		tl, err := teamlead.New(ctx, store, registry, msgBus, teamlead.Config{
			ProjectID:            p.ID,
			Name:                 p.Name,
			ParentID:             p.ParentAgentID,
			LLM:                  provider,
			ProviderName:         cfg.LLM.Provider,
			Model:                provider.Model(),
			TextToolCalls:        cfg.LLM.TextToolCalls,
			FirstChunkTimeout:    cfg.Runtime.FirstChunkTimeout(),
			ChunkTimeout:         cfg.Runtime.ChunkTimeout(),
			MaxMarkupDepth:       cfg.Runtime.MaxMarkupDepth,
			MaxTaskRetries:       cfg.Scheduler.MaxTaskRetries,
			MaxConcurrentWorkers: cfg.Scheduler.MaxConcurrentWorkers,
			Backends:             backendFlags(cfg.Backends),
			Activity:             store,
			Audit:                auditLog,
			Logger:               logger,
			Telemetry:            tel,
		})
		if err != nil {
			return err
		}
		leads = append(leads, tl)
		targets = append(targets, tl)
	}
	logger.Info("startup phase", "phase", "team_leads_spawned", "projects", len(leads))

	sweeper, err := cron.NewSweeper(cron.Config{Schedule: cfg.Scheduler.SweepSchedule, Targets: targets, Logger: logger})
	if err != nil {
		return err
	}
	sweeper.Start(ctx)

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher disabled", "error", err)
	} else {
		go applyReloads(watcher.Events(), leads, sweeper, logger)
	}

	status := msgBus.Observe(bus.TypeStatus)
	go func() {
		for msg := range status.Ch() {
			logger.Info("task status", "project_id", msg.ProjectID, "task_id", msg.Meta(bus.MetaTaskID),
				"action", msg.Meta(bus.MetaAction), "content", msg.Content)
		}
	}()

	if directive != "" {
		msgBus.Send(ctx, bus.SendParams{
			From:      "operator",
			To:        leads[0].ID(),
			Type:      bus.TypeDirective,
			Content:   directive,
			ProjectID: leads[0].ProjectID(),
		})
	}

	logger.Info("crew running", "projects", len(leads), "sweep_schedule", sweeper.Schedule())
	<-ctx.Done()
	logger.Info("shutdown requested")

	sweeper.Stop()
	var errs []error
	for _, tl := range leads {
		if err := tl.Shutdown(); err != nil {
			errs = append(errs, err)
		}
	}
	stopAgents()
	if err := registry.DrainAll(shutdownTimeout); err != nil {
		errs = append(errs, err)
	}
	msgBus.Unobserve(status)
	if err := errors.Join(errs...); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	logger.Info("crew stopped")
	return nil
}

// applyReloads re-applies the settings that can change without a restart.
func applyReloads(events <-chan config.ReloadEvent, leads []*teamlead.TeamLead, sweeper *cron.Sweeper, logger *slog.Logger) {
	for ev := range events {
		if ev.Err != nil {
			continue
		}
		for _, tl := range leads {
			tl.Scheduler().SetLimits(ev.Config.Scheduler.MaxTaskRetries, ev.Config.Scheduler.MaxConcurrentWorkers)
			tl.Scheduler().SetBackends(backendFlags(ev.Config.Backends))
		}
		if err := sweeper.Reschedule(ev.Config.Scheduler.SweepSchedule); err != nil {
			logger.Warn("sweep schedule not reloaded", "error", err)
		}
		logger.Info("config applied", "fingerprint", ev.Config.Fingerprint())
	}
}
