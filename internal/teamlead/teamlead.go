// Package teamlead wires one project's board to its agents: the team lead
// model that plans work, the workers it hands tasks to, and the reconciling
// of worker reports back onto the board.
package teamlead

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/go-crew/internal/agent"
	"github.com/basket/go-crew/internal/audit"
	"github.com/basket/go-crew/internal/bus"
	"github.com/basket/go-crew/internal/kanban"
	"github.com/basket/go-crew/internal/llm"
	otelPkg "github.com/basket/go-crew/internal/otel"
	"github.com/basket/go-crew/internal/persistence"
	"github.com/basket/go-crew/internal/safety"
	"github.com/basket/go-crew/internal/shared"
	"github.com/basket/go-crew/internal/tools"
)

const DefaultShutdownTimeout = 10 * time.Second

type Config struct {
	ProjectID string
	Name      string
	// ParentID receives status messages about finished tasks. Optional.
	ParentID string
	// LeadID defaults to "team-lead-<project>".
	LeadID string

	LLM           llm.Provider
	ProviderName  string
	Model         string
	TextToolCalls *bool

	FirstChunkTimeout time.Duration
	ChunkTimeout      time.Duration
	MaxMarkupDepth    int

	MaxTaskRetries       int
	MaxConcurrentWorkers int
	Backends             kanban.BackendFlags

	// WorkerTools are registered on every worker next to send_message.
	WorkerTools []tools.Tool

	Activity        agent.ActivityRecorder
	Hooks           agent.Hooks
	Audit           *audit.Log
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
	Telemetry       *otelPkg.Provider
}

// TeamLead runs one project.
type TeamLead struct {
	cfg      Config
	bus      agent.Sender
	registry *agent.Registry
	sched    *kanban.Scheduler
	lead     *agent.Agent
	logger   *slog.Logger
}

// New builds the project's scheduler and spawns the team lead agent on reg.
func New(ctx context.Context, store kanban.TaskStore, reg *agent.Registry, b agent.Sender, cfg Config) (*TeamLead, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("team lead: project id is required")
	}
	if cfg.LLM == nil {
		return nil, fmt.Errorf("team lead %s: no LLM provider", cfg.ProjectID)
	}
	if cfg.LeadID == "" {
		cfg.LeadID = "team-lead-" + cfg.ProjectID
	}
	if cfg.Name == "" {
		cfg.Name = cfg.ProjectID
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tl := &TeamLead{
		cfg:      cfg,
		bus:      b,
		registry: reg,
		logger:   logger.With("component", "teamlead", "project_id", cfg.ProjectID),
	}
	tl.sched = kanban.New(store, reg, tl, kanban.Config{
		ProjectID:            cfg.ProjectID,
		MaxTaskRetries:       cfg.MaxTaskRetries,
		MaxConcurrentWorkers: cfg.MaxConcurrentWorkers,
		Backends:             cfg.Backends,
		Audit:                cfg.Audit,
		Logger:               logger,
		Telemetry:            cfg.Telemetry,
	})

	leadTools := tools.NewRegistry(tools.WithLogger(logger), tools.WithTelemetry(cfg.Telemetry))
	for _, t := range append(tl.sched.Tools(), tools.SendMessageTool(b)) {
		if err := leadTools.Register(t); err != nil {
			return nil, fmt.Errorf("team lead %s: %w", cfg.ProjectID, err)
		}
	}

	lead, err := reg.Spawn(ctx, tl.agentConfig(agent.Config{
		ID:           cfg.LeadID,
		Role:         agent.RoleTeamLead,
		ParentID:     cfg.ParentID,
		SystemPrompt: leadPrompt(cfg.Name),
		Tools:        leadTools,
		Handle:       tl.dispatch,
	}))
	if err != nil {
		return nil, fmt.Errorf("team lead %s: %w", cfg.ProjectID, err)
	}
	tl.lead = lead
	return tl, nil
}

// agentConfig fills the provider, runtime and wiring fields shared by the
// lead and its workers.
func (tl *TeamLead) agentConfig(c agent.Config) agent.Config {
	c.ProjectID = tl.cfg.ProjectID
	c.LLM = tl.cfg.LLM
	c.ProviderName = tl.cfg.ProviderName
	c.Model = tl.cfg.Model
	c.TextToolCalls = tl.cfg.TextToolCalls
	c.Bus = tl.bus
	c.Activity = tl.cfg.Activity
	c.Hooks = tl.cfg.Hooks
	c.FirstChunkTimeout = tl.cfg.FirstChunkTimeout
	c.ChunkTimeout = tl.cfg.ChunkTimeout
	c.MaxMarkupDepth = tl.cfg.MaxMarkupDepth
	return c
}

func (tl *TeamLead) ID() string { return tl.cfg.LeadID }

func (tl *TeamLead) ProjectID() string { return tl.cfg.ProjectID }

func (tl *TeamLead) Scheduler() *kanban.Scheduler { return tl.sched }

func (tl *TeamLead) Agent() *agent.Agent { return tl.lead }

// dispatch handles every message delivered to the team lead, one at a time.
func (tl *TeamLead) dispatch(ctx context.Context, a *agent.Agent, msg bus.Message) {
	switch msg.Type {
	case bus.TypeReport:
		tl.handleReport(ctx, msg)
	case bus.TypeDirective, bus.TypeChat:
		if v := tl.screen(ctx, msg); v.Action == safety.Block {
			a.Reply(ctx, msg, agent.Result{Text: v.Err().Error()})
			return
		}
		a.Reply(ctx, msg, a.Think(ctx, msg.Content))
	default:
		shared.Logger(ctx, tl.logger).Debug("ignoring message", "type", msg.Type, "from", msg.FromAgentID)
	}
}

// screen checks an inbound directive. Blocked directives never reach the model.
func (tl *TeamLead) screen(ctx context.Context, msg bus.Message) safety.Verdict {
	v := safety.ScreenDirective(msg.Content)
	if v.Action == safety.Allow {
		return v
	}
	decision := audit.DecisionDirectiveWarn
	if v.Action == safety.Block {
		decision = audit.DecisionDirectiveBlock
	}
	shared.Logger(ctx, tl.logger).Warn("directive flagged", "from", msg.FromAgentID, "action", v.Action, "reason", v.Reason)
	tl.cfg.Audit.Record(ctx, audit.Entry{
		Decision:  decision,
		ProjectID: tl.cfg.ProjectID,
		AgentID:   msg.FromAgentID,
		Reason:    v.Reason,
	})
	return v
}

// handleReport reconciles a worker's report with the board, retires the
// worker, tells the parent and refills the pool.
func (tl *TeamLead) handleReport(ctx context.Context, msg bus.Message) {
	logger := shared.Logger(ctx, tl.logger).With("from", msg.FromAgentID)
	taskID := msg.Meta(bus.MetaTaskID)
	if taskID == "" {
		if w := tl.registry.Get(msg.FromAgentID); w != nil {
			taskID = w.TaskID()
		}
	}

	if taskID == "" {
		logger.Warn("report without task id")
	} else {
		ctx = shared.WithTaskID(ctx, taskID)
		report, leaks := safety.ScrubReport(msg.Content)
		if len(leaks) > 0 {
			logger.Warn("secrets redacted from worker report", "task_id", taskID, "leaks", len(leaks), "first_kind", leaks[0].Kind)
			tl.cfg.Audit.Record(ctx, audit.Entry{
				Decision:  audit.DecisionReportRedacted,
				ProjectID: tl.cfg.ProjectID,
				TaskID:    taskID,
				AgentID:   msg.FromAgentID,
				Reason:    fmt.Sprintf("%d secrets (%s)", len(leaks), leaks[0].Kind),
			})
		}
		res, err := tl.sched.EnsureTaskMoved(ctx, taskID, msg.FromAgentID, report)
		if err != nil {
			logger.Error("reconcile worker report failed", "task_id", taskID, "error", err)
		} else {
			tl.notifyParent(ctx, msg, taskID, res)
		}
	}

	if w := tl.registry.Get(msg.FromAgentID); w != nil && w.Role() == agent.RoleWorker {
		tl.registry.Destroy(msg.FromAgentID)
	}
	if _, err := tl.sched.AutoSpawnUnblockedTasks(ctx); err != nil {
		logger.Error("auto-spawn after report failed", "error", err)
	}
}

func (tl *TeamLead) notifyParent(ctx context.Context, msg bus.Message, taskID string, res kanban.SafetyNetResult) {
	if tl.cfg.ParentID == "" {
		return
	}
	guard := ""
	if res.Guard != nil {
		guard = string(res.Guard.Status)
	}
	content := fmt.Sprintf("task %s: %s", taskID, res.Action)
	if res.Task != nil {
		content = fmt.Sprintf("task %s (%s): %s, now in %s", taskID, res.Task.Title, res.Action, res.Task.Column)
	}
	tl.bus.Send(ctx, bus.SendParams{
		From:           tl.cfg.LeadID,
		To:             tl.cfg.ParentID,
		Type:           bus.TypeStatus,
		Content:        content,
		Metadata:       bus.StatusMeta(taskID, string(res.Action), msg.FromAgentID, guard),
		ProjectID:      tl.cfg.ProjectID,
		ConversationID: msg.ConversationID,
	})
}

// Sweep returns orphaned tasks to backlog and fills free worker slots.
func (tl *TeamLead) Sweep(ctx context.Context) error {
	ctx = shared.WithProjectID(ctx, tl.cfg.ProjectID)
	recovered, err := tl.sched.RecoverOrphans(ctx)
	if err != nil {
		return fmt.Errorf("sweep %s: %w", tl.cfg.ProjectID, err)
	}
	spawned, err := tl.sched.AutoSpawnUnblockedTasks(ctx)
	if err != nil {
		return fmt.Errorf("sweep %s: %w", tl.cfg.ProjectID, err)
	}
	if len(recovered) > 0 || len(spawned) > 0 {
		tl.logger.Info("board swept", "orphans_recovered", len(recovered), "workers_spawned", len(spawned))
	}
	return nil
}

// SpawnWorker implements kanban.Spawner.
func (tl *TeamLead) SpawnWorker(ctx context.Context, task persistence.Task, backend kanban.Backend) (string, error) {
	reg := tools.NewRegistry(tools.WithLogger(tl.logger), tools.WithTelemetry(tl.cfg.Telemetry))
	for _, t := range append([]tools.Tool{tools.SendMessageTool(tl.bus)}, tl.cfg.WorkerTools...) {
		if err := reg.Register(t); err != nil {
			return "", fmt.Errorf("worker tools: %w", err)
		}
	}
	id := fmt.Sprintf("worker-%s-%s", backend, shared.NewID()[:8])
	w, err := tl.registry.Spawn(ctx, tl.agentConfig(agent.Config{
		ID:           id,
		Role:         agent.RoleWorker,
		ParentID:     tl.cfg.LeadID,
		Backend:      string(backend),
		TaskID:       task.ID,
		SystemPrompt: workerPrompt(backend),
		Tools:        reg,
	}))
	if err != nil {
		return "", err
	}
	return w.ID(), nil
}

// AssignWorker implements kanban.Spawner by sending the task to the worker.
func (tl *TeamLead) AssignWorker(ctx context.Context, agentID string, task persistence.Task) error {
	if !tl.registry.IsLive(agentID) {
		return fmt.Errorf("assign task %s: worker %s is not live", task.ID, agentID)
	}
	tl.bus.Send(ctx, bus.SendParams{
		From:      tl.cfg.LeadID,
		To:        agentID,
		Type:      bus.TypeTaskAssignment,
		Content:   taskPrompt(task),
		Metadata:  map[string]string{bus.MetaTaskID: task.ID},
		ProjectID: tl.cfg.ProjectID,
	})
	return nil
}

// DestroyWorker implements kanban.Spawner.
func (tl *TeamLead) DestroyWorker(agentID string) {
	tl.registry.Destroy(agentID)
}

// Shutdown stops the lead first so no report spawns a replacement, then
// destroys the project's workers in parallel.
func (tl *TeamLead) Shutdown() error {
	tl.registry.Destroy(tl.cfg.LeadID)
	workers := tl.registry.LiveWorkers(tl.cfg.ProjectID)
	ids := make([]string, 0, len(workers))
	for _, w := range workers {
		ids = append(ids, w.ID())
	}
	err := tl.registry.DestroyAll(ids, tl.cfg.ShutdownTimeout)
	if !tl.lead.Wait(tl.cfg.ShutdownTimeout) {
		err = errors.Join(err, fmt.Errorf("team lead %s did not stop within %s", tl.cfg.LeadID, tl.cfg.ShutdownTimeout))
	}
	return err
}
