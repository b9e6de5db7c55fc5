package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Column is a kanban lifecycle stage.
type Column string

const (
	ColumnTriage     Column = "triage"
	ColumnBacklog    Column = "backlog"
	ColumnInProgress Column = "in_progress"
	ColumnDone       Column = "done"
)

// Columns lists the board columns in display order.
var Columns = []Column{ColumnTriage, ColumnBacklog, ColumnInProgress, ColumnDone}

func (c Column) Valid() bool {
	switch c {
	case ColumnTriage, ColumnBacklog, ColumnInProgress, ColumnDone:
		return true
	}
	return false
}

// ParseColumn accepts the canonical names plus "in-progress" and "inprogress".
func ParseColumn(s string) (Column, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.ReplaceAll(norm, "-", "_")
	if norm == "inprogress" {
		norm = string(ColumnInProgress)
	}
	c := Column(norm)
	if !c.Valid() {
		return "", fmt.Errorf("unknown column %q", s)
	}
	return c, nil
}

// ErrTaskNotFound is returned by task lookups for unknown ids.
var ErrTaskNotFound = errors.New("task not found")

type Task struct {
	ID               string    `json:"id"`
	ProjectID        string    `json:"project_id"`
	Title            string    `json:"title"`
	Description      string    `json:"description"`
	Column           Column    `json:"column"`
	Position         int       `json:"position"`
	AssigneeAgentID  string    `json:"assignee_agent_id,omitempty"`
	BlockedBy        []string  `json:"blocked_by,omitempty"`
	RetryCount       int       `json:"retry_count"`
	CompletionReport string    `json:"completion_report,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// TaskFilter narrows ListTasks. Empty fields match everything.
type TaskFilter struct {
	ProjectID string
	Column    Column
}

const taskColumns = `id, project_id, title, description, kanban_column, position, assignee_agent_id,
	blocked_by, retry_count, completion_report, created_at, updated_at`

func scanTask(r rowScanner) (*Task, error) {
	var t Task
	var blocked string
	if err := r.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.Column, &t.Position,
		&t.AssigneeAgentID, &blocked, &t.RetryCount, &t.CompletionReport, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if isNoRows(err) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	if blocked != "" && blocked != "[]" {
		if err := json.Unmarshal([]byte(blocked), &t.BlockedBy); err != nil {
			return nil, fmt.Errorf("decode blocked_by for task %s: %w", t.ID, err)
		}
	}
	return &t, nil
}

func encodeBlockedBy(ids []string) (string, error) {
	if len(ids) == 0 {
		return "[]", nil
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("encode blocked_by: %w", err)
	}
	return string(raw), nil
}

// InsertTask stores a new task. ID, column and timestamps must already be set by the caller.
func (s *Store) InsertTask(ctx context.Context, t *Task) error {
	if !t.Column.Valid() {
		return fmt.Errorf("insert task: invalid column %q", t.Column)
	}
	blocked, err := encodeBlockedBy(t.BlockedBy)
	if err != nil {
		return err
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	t.UpdatedAt = t.CreatedAt
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (`+taskColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, t.ID, t.ProjectID, t.Title, t.Description, t.Column, t.Position, t.AssigneeAgentID,
			blocked, t.RetryCount, t.CompletionReport, t.CreatedAt, t.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		return nil
	})
}

// GetTask returns the task or ErrTaskNotFound.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	return scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id))
}

// ListTasks returns tasks ordered by position, then creation time, then id.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]Task, error) {
	var where []string
	var args []any
	if f.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, f.ProjectID)
	}
	if f.Column != "" {
		where = append(where, "kanban_column = ?")
		args = append(args, f.Column)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY position ASC, created_at ASC, id ASC;"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: iterate: %w", err)
	}
	return out, nil
}

// NextTaskPosition returns one past the highest position on the project's board.
func (s *Store) NextTaskPosition(ctx context.Context, projectID string) (int, error) {
	var pos int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position) + 1, 0) FROM tasks WHERE project_id = ?;`, projectID).Scan(&pos); err != nil {
		return 0, fmt.Errorf("next task position: %w", err)
	}
	return pos, nil
}

// MutateTask runs fn on the current row inside one transaction and writes the
// result back when fn reports a change. fn must not call back into the Store:
// the pool holds a single connection, which the transaction owns.
func (s *Store) MutateTask(ctx context.Context, id string, fn func(t *Task) (bool, error)) (*Task, error) {
	var out *Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		t, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id))
		if err != nil {
			return err
		}
		changed, err := fn(t)
		if err != nil {
			return err
		}
		if !changed {
			out = t
			return nil
		}
		if !t.Column.Valid() {
			return fmt.Errorf("mutate task %s: invalid column %q", id, t.Column)
		}
		blocked, err := encodeBlockedBy(t.BlockedBy)
		if err != nil {
			return err
		}
		t.UpdatedAt = s.now()
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET title = ?, description = ?, kanban_column = ?, position = ?,
				assignee_agent_id = ?, blocked_by = ?, retry_count = ?, completion_report = ?, updated_at = ?
			WHERE id = ?;
		`, t.Title, t.Description, t.Column, t.Position, t.AssigneeAgentID, blocked,
			t.RetryCount, t.CompletionReport, t.UpdatedAt, t.ID); err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit task tx: %w", err)
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
