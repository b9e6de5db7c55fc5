package kanban

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/basket/go-crew/internal/persistence"
	"github.com/basket/go-crew/internal/tools"
)

// Tools returns the board tools the team lead model drives the project with.
// Guard outcomes come back as text so the model sees REJECTED and NOOP.
func (s *Scheduler) Tools() []tools.Tool {
	return []tools.Tool{
		{
			Name:        "update_kanban_task",
			Description: "Move a task between columns (triage, backlog, in_progress, done) or edit its fields. done is terminal.",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"task_id": {"type": "string", "minLength": 1},
					"column": {"type": "string"},
					"title": {"type": "string"},
					"description": {"type": "string"},
					"completion_report": {"type": "string"},
					"reason": {"type": "string"}
				},
				"required": ["task_id"]
			}`),
			Execute: s.updateTaskTool,
		},
		{
			Name:        "create_task",
			Description: "Create a task in backlog (or triage). blocked_by lists task ids that must be done first.",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"title": {"type": "string", "minLength": 1},
					"description": {"type": "string"},
					"column": {"type": "string", "enum": ["triage", "backlog"]},
					"blocked_by": {"type": "array", "items": {"type": "string"}}
				},
				"required": ["title"]
			}`),
			Execute: func(ctx context.Context, args map[string]any) (string, error) {
				col := persistence.Column("")
				if raw := tools.StringArg(args, "column"); raw != "" {
					c, err := persistence.ParseColumn(raw)
					if err != nil {
						return "", err
					}
					col = c
				}
				t, err := s.CreateTask(ctx, NewTask{
					Title:       tools.StringArg(args, "title"),
					Description: tools.StringArg(args, "description"),
					Column:      col,
					BlockedBy:   tools.StringSliceArg(args, "blocked_by"),
				})
				if err != nil {
					return "", err
				}
				return tools.JSONResult(t)
			},
		},
		{
			Name:        "list_tasks",
			Description: "List the project's tasks, optionally only those in one column.",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {"column": {"type": "string"}}
			}`),
			Execute: func(ctx context.Context, args map[string]any) (string, error) {
				col := persistence.Column("")
				if raw := tools.StringArg(args, "column"); raw != "" {
					c, err := persistence.ParseColumn(raw)
					if err != nil {
						return "", err
					}
					col = c
				}
				ts, err := s.ListTasks(ctx, col)
				if err != nil {
					return "", err
				}
				if ts == nil {
					ts = []persistence.Task{}
				}
				return tools.JSONResult(ts)
			},
		},
		{
			Name:        "search_registry",
			Description: "Search the worker kinds available for tasks by name or description.",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {"query": {"type": "string"}}
			}`),
			Execute: func(_ context.Context, args map[string]any) (string, error) {
				return tools.JSONResult(s.SearchRegistry(tools.StringArg(args, "query")))
			},
		},
	}
}

func (s *Scheduler) updateTaskTool(ctx context.Context, args map[string]any) (string, error) {
	id := tools.StringArg(args, "task_id")
	upd := TaskUpdate{Reason: tools.StringArg(args, "reason")}
	if raw := tools.StringArg(args, "column"); raw != "" {
		c, err := persistence.ParseColumn(raw)
		if err != nil {
			return "", err
		}
		upd.Column = &c
	}
	for key, dst := range map[string]**string{
		"title":             &upd.Title,
		"description":       &upd.Description,
		"completion_report": &upd.CompletionReport,
	} {
		if _, ok := args[key]; ok {
			v := tools.StringArg(args, key)
			*dst = &v
		}
	}
	res, err := s.UpdateTask(ctx, id, upd)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s (column=%s retry_count=%d)", res.Message, res.Task.Column, res.Task.RetryCount), nil
}
