package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Activity kinds recorded while an agent handles a message.
const (
	ActivityReasoning  = "reasoning"
	ActivityText       = "text"
	ActivityToolCall   = "tool_call"
	ActivityToolResult = "tool_result"
)

// Activity is one step of an agent's work on a single inbound message.
type Activity struct {
	ID         string    `json:"id"`
	MessageID  string    `json:"message_id"`
	AgentID    string    `json:"agent_id"`
	ProjectID  string    `json:"project_id,omitempty"`
	Kind       string    `json:"kind"`
	Content    string    `json:"content,omitempty"`
	ToolName   string    `json:"tool_name,omitempty"`
	ToolArgs   string    `json:"tool_args,omitempty"`
	ToolResult string    `json:"tool_result,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func (s *Store) RecordActivity(ctx context.Context, a Activity) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO activities (id, message_id, agent_id, project_id, kind, content, tool_name, tool_args, tool_result, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, a.ID, a.MessageID, a.AgentID, a.ProjectID, a.Kind, a.Content, a.ToolName, a.ToolArgs, a.ToolResult, a.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert activity: %w", err)
		}
		return nil
	})
}

// ListActivities returns the activities for one message in recording order.
func (s *Store) ListActivities(ctx context.Context, messageID string) ([]Activity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, agent_id, project_id, kind, content, tool_name, tool_args, tool_result, created_at
		FROM activities WHERE message_id = ?
		ORDER BY created_at ASC, rowid ASC;
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()

	var out []Activity
	for rows.Next() {
		var a Activity
		if err := rows.Scan(&a.ID, &a.MessageID, &a.AgentID, &a.ProjectID, &a.Kind, &a.Content,
			&a.ToolName, &a.ToolArgs, &a.ToolResult, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list activities: iterate: %w", err)
	}
	return out, nil
}

// UsageRecord is the token accounting for one LLM stream.
type UsageRecord struct {
	ID           string
	MessageID    string
	AgentID      string
	ProjectID    string
	Model        string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	CreatedAt    time.Time
}

func (s *Store) RecordUsage(ctx context.Context, u UsageRecord) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now()
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO llm_usage (id, message_id, agent_id, project_id, model, input_tokens, output_tokens, cost_usd, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, u.ID, u.MessageID, u.AgentID, u.ProjectID, u.Model, u.InputTokens, u.OutputTokens, u.CostUSD, u.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert usage: %w", err)
		}
		return nil
	})
}

// UsageTotals sums the recorded usage for a project (all projects when empty).
type UsageTotals struct {
	Calls        int
	InputTokens  int
	OutputTokens int
	CostUSD      float64
}

func (s *Store) UsageTotals(ctx context.Context, projectID string) (UsageTotals, error) {
	query := `SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0) FROM llm_usage`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id = ?`
		args = append(args, projectID)
	}
	var t UsageTotals
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&t.Calls, &t.InputTokens, &t.OutputTokens, &t.CostUSD); err != nil {
		return UsageTotals{}, fmt.Errorf("usage totals: %w", err)
	}
	return t, nil
}
