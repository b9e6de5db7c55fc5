package bus

import (
	"context"
	"time"
)

// Message types exchanged between agents.
const (
	TypeDirective      = "directive"
	TypeTaskAssignment = "task_assignment"
	TypeReport         = "report"
	TypeResponse       = "response"
	TypeStatus         = "status"
	TypeChat           = "chat"
)

// MetaTaskID is the metadata key carrying the kanban task a message concerns.
const MetaTaskID = "taskId"

// Message is immutable once sent.
type Message struct {
	ID             string            `json:"id"`
	FromAgentID    string            `json:"from_agent_id,omitempty"`
	ToAgentID      string            `json:"to_agent_id,omitempty"`
	Type           string            `json:"type"`
	Content        string            `json:"content"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	ProjectID      string            `json:"project_id,omitempty"`
	ConversationID string            `json:"conversation_id,omitempty"`
	CorrelationID  string            `json:"correlation_id,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
}

// Meta returns a metadata value, or "" if absent.
func (m Message) Meta(key string) string {
	if m.Metadata == nil {
		return ""
	}
	return m.Metadata[key]
}

// SendParams describe a message to send; the bus fills in ID and Timestamp.
type SendParams struct {
	From           string
	To             string
	Type           string
	Content        string
	Metadata       map[string]string
	ProjectID      string
	ConversationID string
	CorrelationID  string
}

// HistoryQuery filters message history. AgentID matches either sender or
// recipient. Limit keeps the newest Limit messages, returned oldest first.
type HistoryQuery struct {
	ProjectID string
	AgentID   string
	Limit     int
}

// Log is the durable message log behind the bus.
type Log interface {
	AppendMessage(ctx context.Context, msg Message) error
	ListMessages(ctx context.Context, q HistoryQuery) ([]Message, error)
}

// Handler processes a message delivered to an agent.
type Handler func(ctx context.Context, msg Message) error
