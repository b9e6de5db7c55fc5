package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/go-crew/internal/bus"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

// AppendMessage inserts a bus message. Insertion order is the history order.
func (s *Store) AppendMessage(ctx context.Context, msg bus.Message) error {
	meta := "{}"
	if len(msg.Metadata) > 0 {
		raw, err := json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("encode message metadata: %w", err)
		}
		meta = string(raw)
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO messages (id, from_agent_id, to_agent_id, type, content, metadata,
				project_id, conversation_id, correlation_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, msg.ID, msg.FromAgentID, msg.ToAgentID, msg.Type, msg.Content, meta,
			msg.ProjectID, msg.ConversationID, msg.CorrelationID, ts)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return nil
	})
}

// ListMessages returns the tail of the history matching q, oldest first.
func (s *Store) ListMessages(ctx context.Context, q bus.HistoryQuery) ([]bus.Message, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	var where []string
	var args []any
	if q.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, q.ProjectID)
	}
	if q.AgentID != "" {
		where = append(where, "(from_agent_id = ? OR to_agent_id = ?)")
		args = append(args, q.AgentID, q.AgentID)
	}
	clause := ""
	if len(where) > 0 {
		clause = "WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, from_agent_id, to_agent_id, type, content, metadata,
			project_id, conversation_id, correlation_id, created_at
		FROM (
			SELECT * FROM messages `+clause+`
			ORDER BY seq DESC
			LIMIT ?
		)
		ORDER BY seq ASC;
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []bus.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message rows: %w", err)
	}
	return out, nil
}

// GetMessage returns the message with the given id, or nil if absent.
func (s *Store) GetMessage(ctx context.Context, id string) (*bus.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, from_agent_id, to_agent_id, type, content, metadata,
			project_id, conversation_id, correlation_id, created_at
		FROM messages WHERE id = ?;
	`, id)
	msg, err := scanMessage(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return &msg, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (bus.Message, error) {
	var msg bus.Message
	var meta string
	if err := r.Scan(&msg.ID, &msg.FromAgentID, &msg.ToAgentID, &msg.Type, &msg.Content, &meta,
		&msg.ProjectID, &msg.ConversationID, &msg.CorrelationID, &msg.Timestamp); err != nil {
		if isNoRows(err) {
			return msg, err
		}
		return msg, fmt.Errorf("scan message: %w", err)
	}
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &msg.Metadata); err != nil {
			return msg, fmt.Errorf("decode message metadata: %w", err)
		}
	}
	return msg, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
