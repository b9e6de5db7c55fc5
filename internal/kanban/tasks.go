package kanban

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/go-crew/internal/persistence"
	"github.com/basket/go-crew/internal/shared"
)

// ErrCycle is returned when blockers would make a task wait on itself.
var ErrCycle = errors.New("blocker cycle")

// NewTask is the input to CreateTask. ID is generated when empty.
type NewTask struct {
	ID          string
	Title       string
	Description string
	Column      persistence.Column
	BlockedBy   []string
}

// CreateTask adds a task at the end of the board. New tasks may only start in
// triage or backlog.
func (s *Scheduler) CreateTask(ctx context.Context, nt NewTask) (*persistence.Task, error) {
	title := strings.TrimSpace(nt.Title)
	if title == "" {
		return nil, fmt.Errorf("create task: title is required")
	}
	col := nt.Column
	if col == "" {
		col = persistence.ColumnBacklog
	}
	if col != persistence.ColumnTriage && col != persistence.ColumnBacklog {
		return nil, fmt.Errorf("create task: new tasks start in triage or backlog, not %q", col)
	}
	id := nt.ID
	if id == "" {
		id = shared.NewID()
	}

	all, err := s.store.ListTasks(ctx, persistence.TaskFilter{ProjectID: s.projectID})
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	blockers := dedupe(nt.BlockedBy)
	if err := checkBlockers(id, blockers, all); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	pos, err := s.store.NextTaskPosition(ctx, s.projectID)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	t := &persistence.Task{
		ID:          id,
		ProjectID:   s.projectID,
		Title:       title,
		Description: strings.TrimSpace(nt.Description),
		Column:      col,
		Position:    pos,
		BlockedBy:   blockers,
	}
	if err := s.store.InsertTask(ctx, t); err != nil {
		return nil, err
	}
	shared.Logger(ctx, s.logger).Info("task created", "task_id", id, "column", string(col), "position", pos)
	return t, nil
}

// SetBlockers replaces a task's blockers.
func (s *Scheduler) SetBlockers(ctx context.Context, taskID string, blockedBy []string) (*persistence.Task, error) {
	all, err := s.store.ListTasks(ctx, persistence.TaskFilter{ProjectID: s.projectID})
	if err != nil {
		return nil, fmt.Errorf("set blockers: %w", err)
	}
	blockers := dedupe(blockedBy)
	if err := checkBlockers(taskID, blockers, all); err != nil {
		return nil, fmt.Errorf("set blockers on %s: %w", taskID, err)
	}
	t, err := s.mutateTask(ctx, taskID, func(t *persistence.Task) (bool, error) {
		t.BlockedBy = blockers
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("set blockers on %s: %w", taskID, err)
	}
	return t, nil
}

func (s *Scheduler) GetTask(ctx context.Context, id string) (*persistence.Task, error) {
	return s.getTask(ctx, id)
}

// ListTasks lists the project's tasks, optionally in one column.
func (s *Scheduler) ListTasks(ctx context.Context, col persistence.Column) ([]persistence.Task, error) {
	return s.store.ListTasks(ctx, persistence.TaskFilter{ProjectID: s.projectID, Column: col})
}

// BoardColumn is one column of the board, in position order.
type BoardColumn struct {
	Column persistence.Column `json:"column"`
	Tasks  []persistence.Task `json:"tasks"`
}

// Board groups the project's tasks by column, in display order.
func (s *Scheduler) Board(ctx context.Context) ([]BoardColumn, error) {
	all, err := s.store.ListTasks(ctx, persistence.TaskFilter{ProjectID: s.projectID})
	if err != nil {
		return nil, fmt.Errorf("board: %w", err)
	}
	board := make([]BoardColumn, len(persistence.Columns))
	idx := make(map[persistence.Column]int, len(persistence.Columns))
	for i, c := range persistence.Columns {
		board[i] = BoardColumn{Column: c, Tasks: []persistence.Task{}}
		idx[c] = i
	}
	for _, t := range all {
		if i, ok := idx[t.Column]; ok {
			board[i].Tasks = append(board[i].Tasks, t)
		}
	}
	return board, nil
}

// checkBlockers verifies every blocker exists in the project and that giving
// id these blockers keeps the dependency graph acyclic.
func checkBlockers(id string, blockers []string, all []persistence.Task) error {
	graph := make(map[string][]string, len(all)+1)
	for _, t := range all {
		graph[t.ID] = t.BlockedBy
	}
	for _, b := range blockers {
		if b == id {
			return fmt.Errorf("task %s cannot block itself: %w", id, ErrCycle)
		}
		if _, ok := graph[b]; !ok {
			return fmt.Errorf("unknown blocker %q", b)
		}
	}
	graph[id] = blockers

	// Walk everything reachable from id; reaching id again is a cycle.
	seen := map[string]bool{}
	stack := append([]string(nil), blockers...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == id {
			return fmt.Errorf("task %s would wait on itself: %w", id, ErrCycle)
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, graph[n]...)
	}
	return nil
}

func dedupe(ids []string) []string {
	var out []string
	seen := map[string]bool{}
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
