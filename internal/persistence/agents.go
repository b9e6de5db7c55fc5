package persistence

import (
	"context"
	"fmt"
	"time"
)

// AgentRecord is the durable row for a spawned agent.
type AgentRecord struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	ParentID  string    `json:"parent_id,omitempty"`
	ProjectID string    `json:"project_id,omitempty"`
	Backend   string    `json:"backend,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	Model     string    `json:"model,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UpsertAgent inserts the agent or refreshes its mutable fields.
func (s *Store) UpsertAgent(ctx context.Context, rec AgentRecord) error {
	now := s.now()
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agents (id, role, parent_id, project_id, backend, task_id, provider, model, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				backend = excluded.backend,
				task_id = excluded.task_id,
				provider = excluded.provider,
				model = excluded.model,
				status = excluded.status,
				updated_at = excluded.updated_at;
		`, rec.ID, rec.Role, rec.ParentID, rec.ProjectID, rec.Backend, rec.TaskID,
			rec.Provider, rec.Model, rec.Status, now, now)
		if err != nil {
			return fmt.Errorf("upsert agent: %w", err)
		}
		return nil
	})
}

// UpdateAgentStatus sets the status of an agent. Unknown ids are an error.
func (s *Store) UpdateAgentStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET status = ?, updated_at = ? WHERE id = ?;`, status, s.now(), id)
	if err != nil {
		return fmt.Errorf("update agent status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update agent status: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("agent %q not found", id)
	}
	return nil
}

// GetAgent returns the agent with the given id, or nil if not found.
func (s *Store) GetAgent(ctx context.Context, id string) (*AgentRecord, error) {
	var rec AgentRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT id, role, parent_id, project_id, backend, task_id, provider, model, status, created_at, updated_at
		FROM agents WHERE id = ?;
	`, id).Scan(&rec.ID, &rec.Role, &rec.ParentID, &rec.ProjectID, &rec.Backend, &rec.TaskID,
		&rec.Provider, &rec.Model, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return &rec, nil
}

// ListAgents returns agents for a project (all projects when projectID is empty), oldest first.
func (s *Store) ListAgents(ctx context.Context, projectID string) ([]AgentRecord, error) {
	query := `
		SELECT id, role, parent_id, project_id, backend, task_id, provider, model, status, created_at, updated_at
		FROM agents`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY created_at ASC, id ASC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []AgentRecord
	for rows.Next() {
		var rec AgentRecord
		if err := rows.Scan(&rec.ID, &rec.Role, &rec.ParentID, &rec.ProjectID, &rec.Backend, &rec.TaskID,
			&rec.Provider, &rec.Model, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list agents: iterate: %w", err)
	}
	return out, nil
}
