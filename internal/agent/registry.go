package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/basket/go-crew/internal/bus"
	otelPkg "github.com/basket/go-crew/internal/otel"
)

// ErrAgentExists is returned when spawning an id that is already live.
var ErrAgentExists = errors.New("agent already exists")

// Subscriber is the slice of the bus the registry wires agents into.
type Subscriber interface {
	Subscribe(agentID string, h bus.Handler)
	Unsubscribe(agentID string)
}

// Registry supervises live agents. It is the only place agents are created
// and destroyed, so liveness checks against it are authoritative.
type Registry struct {
	ctx     context.Context
	bus     Subscriber
	store   AgentStore
	logger  *slog.Logger
	tel     *otelPkg.Provider
	metrics *otelPkg.Metrics

	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewRegistry creates a registry. Agents it spawns run under ctx; once ctx
// ends, Spawn fails.
func NewRegistry(ctx context.Context, b Subscriber, store AgentStore, logger *slog.Logger, tel *otelPkg.Provider) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		ctx:    ctx,
		bus:    b,
		store:  store,
		logger: logger,
		tel:    tel,
		agents: make(map[string]*Agent),
	}
	if tel != nil {
		r.metrics = tel.Metrics
	}
	return r
}

// Spawn creates an agent from cfg, persists its row and subscribes it to the
// bus. Unset Store, Logger and Telemetry are filled from the registry.
func (r *Registry) Spawn(ctx context.Context, cfg Config) (*Agent, error) {
	if cfg.Store == nil {
		cfg.Store = r.store
	}
	if cfg.Logger == nil {
		cfg.Logger = r.logger
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = r.tel
	}
	if err := r.ctx.Err(); err != nil {
		return nil, fmt.Errorf("spawn %s: registry stopped: %w", cfg.ID, err)
	}
	a, err := New(r.ctx, cfg)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, dup := r.agents[cfg.ID]; dup {
		r.mu.Unlock()
		a.Destroy()
		return nil, fmt.Errorf("spawn %s: %w", cfg.ID, ErrAgentExists)
	}
	r.agents[cfg.ID] = a
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.UpsertAgent(ctx, a.Record()); err != nil {
			r.mu.Lock()
			delete(r.agents, cfg.ID)
			r.mu.Unlock()
			a.Destroy()
			return nil, fmt.Errorf("persist agent %s: %w", cfg.ID, err)
		}
	}
	if r.bus != nil {
		r.bus.Subscribe(cfg.ID, a.Handler())
	}
	if cfg.Role == RoleWorker && r.metrics != nil {
		attrs := metric.WithAttributes(attribute.String("backend", cfg.Backend))
		r.metrics.WorkersSpawned.Add(ctx, 1, attrs)
		r.metrics.ActiveWorkers.Add(ctx, 1, attrs)
	}
	r.logger.Info("agent spawned",
		"agent_id", cfg.ID, "role", string(cfg.Role), "project_id", cfg.ProjectID,
		"backend", cfg.Backend, "task_id", cfg.TaskID, "model", cfg.Model)
	return a, nil
}

// Destroy unsubscribes the agent and marks it done. It reports whether the
// agent was live.
func (r *Registry) Destroy(id string) bool {
	r.mu.Lock()
	a, ok := r.agents[id]
	delete(r.agents, id)
	r.mu.Unlock()
	if !ok {
		return false
	}

	if r.bus != nil {
		r.bus.Unsubscribe(id)
	}
	a.Destroy()
	if a.Role() == RoleWorker && r.metrics != nil {
		r.metrics.ActiveWorkers.Add(context.Background(), -1,
			metric.WithAttributes(attribute.String("backend", a.Backend())))
	}
	r.logger.Info("agent destroyed", "agent_id", id, "role", string(a.Role()))
	return true
}

// Get returns a live agent by id, or nil.
func (r *Registry) Get(id string) *Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agents[id]
}

func (r *Registry) IsLive(id string) bool {
	return r.Get(id) != nil
}

// List returns all live agents ordered by id.
func (r *Registry) List() []*Agent {
	r.mu.RLock()
	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// LiveWorkers returns the live workers of one project ordered by id. An
// empty projectID matches every project.
func (r *Registry) LiveWorkers(projectID string) []*Agent {
	var out []*Agent
	for _, a := range r.List() {
		if a.Role() != RoleWorker {
			continue
		}
		if projectID != "" && a.ProjectID() != projectID {
			continue
		}
		out = append(out, a)
	}
	return out
}

// WorkerBackends returns the backend of each live worker in the project.
func (r *Registry) WorkerBackends(projectID string) []string {
	workers := r.LiveWorkers(projectID)
	out := make([]string, 0, len(workers))
	for _, a := range workers {
		out = append(out, a.Backend())
	}
	return out
}

// DestroyAll destroys the given agents in parallel and waits up to timeout
// for each to finish its in-flight message.
func (r *Registry) DestroyAll(ids []string, timeout time.Duration) error {
	var g errgroup.Group
	for _, id := range ids {
		a := r.Get(id)
		if a == nil {
			continue
		}
		g.Go(func() error {
			r.Destroy(id)
			if !a.Wait(timeout) {
				return fmt.Errorf("agent %s did not stop within %s", id, timeout)
			}
			return nil
		})
	}
	return g.Wait()
}

// DrainAll destroys every live agent in parallel, waiting up to timeout for each.
func (r *Registry) DrainAll(timeout time.Duration) error {
	live := r.List()
	ids := make([]string, 0, len(live))
	for _, a := range live {
		ids = append(ids, a.ID())
	}
	err := r.DestroyAll(ids, timeout)
	if err != nil {
		r.logger.Warn("agent drain incomplete", "error", err)
	}
	return err
}
