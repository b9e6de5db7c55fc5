// Package kanban owns one project's board: the guarded column state machine,
// the worker report safety net, orphan detection and the auto-spawn loop
// that keeps the worker pool busy with unblocked backlog tasks.
package kanban

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/go-crew/internal/audit"
	otelPkg "github.com/basket/go-crew/internal/otel"
	"github.com/basket/go-crew/internal/persistence"
)

const (
	DefaultMaxTaskRetries       = 3
	DefaultMaxConcurrentWorkers = 3
)

// TaskStore is the slice of persistence the scheduler needs.
type TaskStore interface {
	InsertTask(ctx context.Context, t *persistence.Task) error
	GetTask(ctx context.Context, id string) (*persistence.Task, error)
	ListTasks(ctx context.Context, f persistence.TaskFilter) ([]persistence.Task, error)
	NextTaskPosition(ctx context.Context, projectID string) (int, error)
	MutateTask(ctx context.Context, id string, fn func(t *persistence.Task) (bool, error)) (*persistence.Task, error)
}

// Supervisor reports which workers are live.
type Supervisor interface {
	IsLive(agentID string) bool
	// WorkerBackends returns the backend of each live worker in the project.
	WorkerBackends(projectID string) []string
}

// Spawner creates workers for tasks. SpawnWorker only creates the agent;
// AssignWorker hands it the task once the board says it owns it.
type Spawner interface {
	SpawnWorker(ctx context.Context, task persistence.Task, backend Backend) (agentID string, err error)
	AssignWorker(ctx context.Context, agentID string, task persistence.Task) error
	DestroyWorker(agentID string)
}

type Config struct {
	ProjectID            string
	MaxTaskRetries       int
	MaxConcurrentWorkers int
	Backends             BackendFlags
	Audit                *audit.Log
	Logger               *slog.Logger
	Telemetry            *otelPkg.Provider
}

// Scheduler is the task scheduler for one project.
type Scheduler struct {
	projectID  string
	store      TaskStore
	supervisor Supervisor
	spawner    Spawner
	audit      *audit.Log
	logger     *slog.Logger
	tracer     trace.Tracer
	metrics    *otelPkg.Metrics

	mu         sync.RWMutex
	maxRetries int
	maxWorkers int
	backends   BackendFlags

	// spawnMu serializes auto-spawn passes so the worker cap holds.
	spawnMu sync.Mutex
}

func New(store TaskStore, sup Supervisor, sp Spawner, cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		projectID:  cfg.ProjectID,
		store:      store,
		supervisor: sup,
		spawner:    sp,
		audit:      cfg.Audit,
		logger:     logger.With("component", "kanban", "project_id", cfg.ProjectID),
		tracer:     nooptrace.NewTracerProvider().Tracer("kanban"),
	}
	if cfg.Telemetry != nil {
		s.tracer = cfg.Telemetry.Tracer
		s.metrics = cfg.Telemetry.Metrics
	}
	s.SetLimits(cfg.MaxTaskRetries, cfg.MaxConcurrentWorkers)
	s.SetBackends(cfg.Backends)
	return s
}

func (s *Scheduler) ProjectID() string {
	return s.projectID
}

// SetLimits updates the retry cap and worker cap. Non-positive values reset
// to the defaults.
func (s *Scheduler) SetLimits(maxRetries, maxWorkers int) {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxTaskRetries
	}
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxConcurrentWorkers
	}
	s.mu.Lock()
	s.maxRetries = maxRetries
	s.maxWorkers = maxWorkers
	s.mu.Unlock()
}

func (s *Scheduler) SetBackends(f BackendFlags) {
	s.mu.Lock()
	s.backends = f
	s.mu.Unlock()
}

func (s *Scheduler) limits() (maxRetries, maxWorkers int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxRetries, s.maxWorkers
}

func (s *Scheduler) backendFlags() BackendFlags {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backends
}

// getTask loads a task of this project. Tasks of other projects read as
// persistence.ErrTaskNotFound.
func (s *Scheduler) getTask(ctx context.Context, id string) (*persistence.Task, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.ProjectID != s.projectID {
		return nil, fmt.Errorf("task %s: %w", id, persistence.ErrTaskNotFound)
	}
	return t, nil
}

// mutateTask is MutateTask scoped to this project. The project is checked
// inside the transaction, before fn sees the row.
func (s *Scheduler) mutateTask(ctx context.Context, id string, fn func(t *persistence.Task) (bool, error)) (*persistence.Task, error) {
	return s.store.MutateTask(ctx, id, func(t *persistence.Task) (bool, error) {
		if t.ProjectID != s.projectID {
			return false, fmt.Errorf("task %s: %w", id, persistence.ErrTaskNotFound)
		}
		return fn(t)
	})
}
