// Package agent runs LLM-backed crew members. Each agent owns a FIFO inbox
// drained by a single goroutine and thinks through a streaming provider,
// executing structured or text-markup tool calls along the way.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/go-crew/internal/bus"
	"github.com/basket/go-crew/internal/llm"
	otelPkg "github.com/basket/go-crew/internal/otel"
	"github.com/basket/go-crew/internal/persistence"
	"github.com/basket/go-crew/internal/shared"
	"github.com/basket/go-crew/internal/tools"
)

type Role string

const (
	RoleCOO      Role = "coo"
	RoleTeamLead Role = "team_lead"
	RoleWorker   Role = "worker"
)

type Status string

const (
	StatusIdle     Status = "idle"
	StatusThinking Status = "thinking"
	StatusError    Status = "error"
	StatusDone     Status = "done"
)

const (
	DefaultFirstChunkTimeout = 30 * time.Second
	DefaultChunkTimeout      = 120 * time.Second
	DefaultMaxMarkupDepth    = 5

	// usageWait bounds how long the detached usage capture waits on a stream.
	usageWait = 2 * time.Minute
)

// Sender is the slice of the bus agents reply through.
type Sender interface {
	Send(ctx context.Context, p bus.SendParams) bus.Message
}

// ActivityRecorder persists per-message activity and token usage.
type ActivityRecorder interface {
	RecordActivity(ctx context.Context, a persistence.Activity) error
	RecordUsage(ctx context.Context, u persistence.UsageRecord) error
}

// AgentStore persists agent rows.
type AgentStore interface {
	UpsertAgent(ctx context.Context, rec persistence.AgentRecord) error
	UpdateAgentStatus(ctx context.Context, id, status string) error
}

// Hooks receive streamed deltas as they arrive. Visible tokens stop once
// tool-call markup starts.
type Hooks struct {
	OnToken     func(agentID, delta string)
	OnReasoning func(agentID, delta string)
}

// MessageHandler replaces the default think-and-reply handling of inbound messages.
type MessageHandler func(ctx context.Context, a *Agent, msg bus.Message)

// Result is the outcome of one Think call. Failures are reported in Text
// as "[error:CLASS] message".
type Result struct {
	Text         string
	Thinking     string
	HadToolCalls bool
}

type Config struct {
	ID        string
	Role      Role
	ParentID  string
	ProjectID string
	Backend   string
	TaskID    string

	ProviderName  string
	Model         string
	SystemPrompt  string
	TextToolCalls *bool

	LLM      llm.Provider
	Tools    *tools.Registry
	Bus      Sender
	Activity ActivityRecorder
	Store    AgentStore
	Hooks    Hooks
	Handle   MessageHandler

	FirstChunkTimeout time.Duration
	ChunkTimeout      time.Duration
	MaxMarkupDepth    int

	Logger    *slog.Logger
	Telemetry *otelPkg.Provider
}

// Agent is one running crew member.
type Agent struct {
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otelPkg.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	queue     []bus.Message
	draining  bool
	destroyed bool
	status    Status

	// history is appended by the drain goroutine only; histMu lets
	// observers snapshot it.
	histMu  sync.RWMutex
	history []llm.Message
}

// New builds an idle agent. Cancelling ctx abandons in-flight work.
func New(ctx context.Context, cfg Config) (*Agent, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("agent id must be non-empty")
	}
	if cfg.LLM == nil && cfg.Handle == nil {
		return nil, fmt.Errorf("agent %s: no LLM provider", cfg.ID)
	}
	if cfg.FirstChunkTimeout <= 0 {
		cfg.FirstChunkTimeout = DefaultFirstChunkTimeout
	}
	if cfg.ChunkTimeout <= 0 {
		cfg.ChunkTimeout = DefaultChunkTimeout
	}
	if cfg.MaxMarkupDepth <= 0 {
		cfg.MaxMarkupDepth = DefaultMaxMarkupDepth
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &Agent{
		cfg:    cfg,
		logger: logger.With("agent_id", cfg.ID, "role", string(cfg.Role)),
		tracer: nooptrace.NewTracerProvider().Tracer("agent"),
		status: StatusIdle,
	}
	if cfg.Telemetry != nil {
		a.tracer = cfg.Telemetry.Tracer
		a.metrics = cfg.Telemetry.Metrics
	}
	a.ctx, a.cancel = context.WithCancel(ctx)
	if cfg.SystemPrompt != "" {
		a.history = append(a.history, llm.Message{Role: llm.RoleSystem, Content: cfg.SystemPrompt})
	}
	return a, nil
}

func (a *Agent) ID() string { return a.cfg.ID }
func (a *Agent) Role() Role { return a.cfg.Role }
func (a *Agent) ParentID() string { return a.cfg.ParentID }
func (a *Agent) ProjectID() string { return a.cfg.ProjectID }
func (a *Agent) Backend() string { return a.cfg.Backend }
func (a *Agent) TaskID() string { return a.cfg.TaskID }
func (a *Agent) Model() string { return a.cfg.Model }
func (a *Agent) Tools() *tools.Registry { return a.cfg.Tools }

func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// QueueLen returns the number of messages waiting behind the one in flight.
func (a *Agent) QueueLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

// History returns a copy of the conversation history.
func (a *Agent) History() []llm.Message {
	a.histMu.RLock()
	defer a.histMu.RUnlock()
	out := make([]llm.Message, len(a.history))
	copy(out, a.history)
	return out
}

// Record returns the durable row for the agent in its current state.
func (a *Agent) Record() persistence.AgentRecord {
	return persistence.AgentRecord{
		ID:        a.cfg.ID,
		Role:      string(a.cfg.Role),
		ParentID:  a.cfg.ParentID,
		ProjectID: a.cfg.ProjectID,
		Backend:   a.cfg.Backend,
		TaskID:    a.cfg.TaskID,
		Provider:  a.cfg.ProviderName,
		Model:     a.cfg.Model,
		Status:    string(a.Status()),
	}
}

// Handler adapts the agent to a bus subscription.
func (a *Agent) Handler() bus.Handler {
	return func(_ context.Context, msg bus.Message) error {
		if !a.Enqueue(msg) {
			a.logger.Debug("message dropped by destroyed agent", "message_id", msg.ID)
		}
		return nil
	}
}

// Enqueue appends msg to the inbox and starts the drain goroutine if none
// is running. It reports false once the agent is destroyed.
func (a *Agent) Enqueue(msg bus.Message) bool {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return false
	}
	a.queue = append(a.queue, msg)
	if a.draining {
		a.mu.Unlock()
		return true
	}
	a.draining = true
	a.wg.Add(1)
	a.mu.Unlock()

	go a.drain()
	return true
}

func (a *Agent) drain() {
	defer a.wg.Done()
	for {
		a.mu.Lock()
		if len(a.queue) == 0 || a.destroyed {
			a.queue = nil
			a.draining = false
			a.mu.Unlock()
			return
		}
		msg := a.queue[0]
		a.queue = a.queue[1:]
		a.mu.Unlock()

		a.process(msg)
	}
}

func (a *Agent) process(msg bus.Message) {
	taskID := msg.Meta(bus.MetaTaskID)
	if taskID == "" {
		taskID = a.cfg.TaskID
	}
	projectID := msg.ProjectID
	if projectID == "" {
		projectID = a.cfg.ProjectID
	}
	ctx := shared.WithTraceID(a.ctx, shared.NewID())
	ctx = shared.WithAgentID(ctx, a.cfg.ID)
	ctx = shared.WithProjectID(ctx, projectID)
	ctx = shared.WithTaskID(ctx, taskID)
	ctx = shared.WithMessageID(ctx, msg.ID)
	logger := shared.Logger(ctx, a.logger)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("message handling panicked", "message_id", msg.ID, "panic", fmt.Sprint(r))
			a.setStatus(ctx, StatusError)
		}
	}()

	logger.Debug("processing message", "message_id", msg.ID, "type", msg.Type, "from", msg.FromAgentID)
	if a.cfg.Handle != nil {
		a.cfg.Handle(ctx, a, msg)
		return
	}
	a.Reply(ctx, msg, a.Think(ctx, msg.Content))
}

// Reply answers msg with res. Workers answering a task assignment send a
// report; everything else gets a response. The correlation id and task id
// carry over.
func (a *Agent) Reply(ctx context.Context, msg bus.Message, res Result) {
	if msg.FromAgentID == "" || a.cfg.Bus == nil {
		return
	}
	typ := bus.TypeResponse
	if a.cfg.Role == RoleWorker && msg.Type == bus.TypeTaskAssignment {
		typ = bus.TypeReport
	}
	var meta map[string]string
	if taskID := msg.Meta(bus.MetaTaskID); taskID != "" {
		meta = map[string]string{bus.MetaTaskID: taskID}
	}
	projectID := msg.ProjectID
	if projectID == "" {
		projectID = a.cfg.ProjectID
	}
	a.cfg.Bus.Send(ctx, bus.SendParams{
		From:           a.cfg.ID,
		To:             msg.FromAgentID,
		Type:           typ,
		Content:        res.Text,
		Metadata:       meta,
		ProjectID:      projectID,
		ConversationID: msg.ConversationID,
		CorrelationID:  msg.CorrelationID,
	})
}

// Destroy marks the agent done, drops queued messages and cancels in-flight
// work. It does not wait; use Wait for that.
func (a *Agent) Destroy() {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return
	}
	a.destroyed = true
	a.queue = nil
	a.mu.Unlock()

	a.cancel()
	a.setStatus(context.WithoutCancel(a.ctx), StatusDone)
}

// Wait blocks until the drain goroutine and any usage capture finish, or
// timeout elapses. It reports whether everything finished.
func (a *Agent) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (a *Agent) setStatus(ctx context.Context, s Status) {
	a.mu.Lock()
	if a.status == StatusDone {
		a.mu.Unlock()
		return
	}
	a.status = s
	a.mu.Unlock()

	if a.cfg.Store == nil {
		return
	}
	if err := a.cfg.Store.UpdateAgentStatus(context.WithoutCancel(ctx), a.cfg.ID, string(s)); err != nil {
		a.logger.Warn("persist agent status failed", "status", string(s), "error", err)
	}
}

func (a *Agent) appendHistory(msgs ...llm.Message) {
	a.histMu.Lock()
	a.history = append(a.history, msgs...)
	a.histMu.Unlock()
}

func (a *Agent) removeHistoryAt(i int) {
	a.histMu.Lock()
	defer a.histMu.Unlock()
	if i < 0 || i >= len(a.history) {
		return
	}
	a.history = append(a.history[:i], a.history[i+1:]...)
}
