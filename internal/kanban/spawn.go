package kanban

import (
	"context"
	"fmt"
	"sort"

	"github.com/basket/go-crew/internal/audit"
	otelPkg "github.com/basket/go-crew/internal/otel"
	"github.com/basket/go-crew/internal/persistence"
	"github.com/basket/go-crew/internal/shared"
)

// Assignment is one task handed to a freshly spawned worker.
type Assignment struct {
	TaskID  string  `json:"task_id"`
	AgentID string  `json:"agent_id"`
	Backend Backend `json:"backend"`
}

// OrphanedTasks returns the project's in_progress tasks whose assignee is not
// a live worker.
func (s *Scheduler) OrphanedTasks(ctx context.Context) ([]persistence.Task, error) {
	tasks, err := s.store.ListTasks(ctx, persistence.TaskFilter{
		ProjectID: s.projectID,
		Column:    persistence.ColumnInProgress,
	})
	if err != nil {
		return nil, fmt.Errorf("orphaned tasks: %w", err)
	}
	var out []persistence.Task
	for _, t := range tasks {
		if t.AssigneeAgentID == "" || !s.supervisor.IsLive(t.AssigneeAgentID) {
			out = append(out, t)
		}
	}
	return out, nil
}

// RecoverOrphans moves every orphaned task back to backlog through the guard,
// so the lost attempt counts against the retry cap.
func (s *Scheduler) RecoverOrphans(ctx context.Context) ([]GuardResult, error) {
	orphans, err := s.OrphanedTasks(ctx)
	if err != nil {
		return nil, err
	}
	var out []GuardResult
	for _, t := range orphans {
		reason := "assigned worker is no longer running"
		if t.AssigneeAgentID != "" {
			reason = fmt.Sprintf("assigned worker %s is no longer running", t.AssigneeAgentID)
		}
		res, err := s.UpdateTask(ctx, t.ID, TaskUpdate{
			Column: ColumnPtr(persistence.ColumnBacklog),
			Reason: reason,
		})
		if err != nil {
			return out, err
		}
		s.audit.Record(ctx, audit.Entry{
			Decision:  audit.DecisionOrphanRecovered,
			ProjectID: t.ProjectID,
			TaskID:    t.ID,
			AgentID:   t.AssigneeAgentID,
			From:      string(persistence.ColumnInProgress),
			To:        string(res.To),
			Reason:    reason,
		})
		out = append(out, res)
	}
	return out, nil
}

// AutoSpawnUnblockedTasks fills free worker slots with unblocked backlog
// tasks, lowest position first. Passes are serialized so concurrent callers
// cannot overshoot the cap. Browser workers do not take a slot.
func (s *Scheduler) AutoSpawnUnblockedTasks(ctx context.Context) ([]Assignment, error) {
	s.spawnMu.Lock()
	defer s.spawnMu.Unlock()

	ctx, span := otelPkg.StartSpan(ctx, s.tracer, "kanban.auto_spawn", otelPkg.AttrProjectID.String(s.projectID))
	defer span.End()

	_, maxWorkers := s.limits()
	capacity := maxWorkers - s.liveCodingWorkers()
	if capacity <= 0 {
		return nil, nil
	}

	eligible, err := s.unblockedBacklog(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	flags := s.backendFlags()
	logger := shared.Logger(ctx, s.logger)
	var out []Assignment
	for _, task := range eligible {
		if capacity <= 0 {
			break
		}
		backend := SelectBackend(task.Title, task.Description, flags)
		agentID, err := s.spawner.SpawnWorker(ctx, task, backend)
		if err != nil {
			logger.Error("spawn worker failed", "task_id", task.ID, "backend", string(backend), "error", err)
			continue
		}
		res, err := s.UpdateTask(ctx, task.ID, TaskUpdate{
			Column:          ColumnPtr(persistence.ColumnInProgress),
			AssigneeAgentID: StringPtr(agentID),
		})
		if err != nil || res.Status != GuardApplied {
			s.spawner.DestroyWorker(agentID)
			if err != nil {
				return out, err
			}
			logger.Warn("task not claimed, worker discarded", "task_id", task.ID, "guard", res.Status)
			continue
		}
		if err := s.spawner.AssignWorker(ctx, agentID, *res.Task); err != nil {
			logger.Error("assign worker failed", "task_id", task.ID, "agent_id", agentID, "error", err)
		}
		if IsCodingBackend(backend) {
			capacity--
		}
		out = append(out, Assignment{TaskID: task.ID, AgentID: agentID, Backend: backend})
		logger.Info("worker spawned for task", "task_id", task.ID, "agent_id", agentID, "backend", string(backend))
	}
	return out, nil
}

func (s *Scheduler) liveCodingWorkers() int {
	n := 0
	for _, b := range s.supervisor.WorkerBackends(s.projectID) {
		if IsCodingBackend(Backend(b)) {
			n++
		}
	}
	return n
}

// unblockedBacklog returns backlog tasks whose blockers are all done or gone,
// ordered by position, then creation time, then id.
func (s *Scheduler) unblockedBacklog(ctx context.Context) ([]persistence.Task, error) {
	all, err := s.store.ListTasks(ctx, persistence.TaskFilter{ProjectID: s.projectID})
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	columns := make(map[string]persistence.Column, len(all))
	for _, t := range all {
		columns[t.ID] = t.Column
	}

	var out []persistence.Task
	for _, t := range all {
		if t.Column != persistence.ColumnBacklog {
			continue
		}
		blocked := false
		for _, dep := range t.BlockedBy {
			if col, ok := columns[dep]; ok && col != persistence.ColumnDone {
				blocked = true
				break
			}
		}
		if !blocked {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Position != b.Position {
			return a.Position < b.Position
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return out, nil
}
