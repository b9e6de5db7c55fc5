package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/basket/go-crew/internal/bus"
	"github.com/basket/go-crew/internal/shared"
)

// Sender is the slice of the bus the messaging tools need.
type Sender interface {
	Send(ctx context.Context, p bus.SendParams) bus.Message
}

// SendMessageTool lets an agent post a chat or status message to another
// agent. The sender and project come from the calling context.
func SendMessageTool(s Sender) Tool {
	return Tool{
		Name:        "send_message",
		Description: "Send a message to another agent by id. Use type \"status\" for progress updates.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"to_agent": {"type": "string", "minLength": 1},
				"content": {"type": "string", "minLength": 1},
				"type": {"type": "string", "enum": ["chat", "status"]}
			},
			"required": ["to_agent", "content"]
		}`),
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			to := StringArg(args, "to_agent")
			content := StringArg(args, "content")
			if content == "" {
				return "", fmt.Errorf("content must be non-empty")
			}
			typ := StringArg(args, "type")
			if typ == "" {
				typ = bus.TypeChat
			}
			var meta map[string]string
			if taskID := shared.TaskID(ctx); taskID != "" {
				meta = map[string]string{bus.MetaTaskID: taskID}
			}
			msg := s.Send(ctx, bus.SendParams{
				From:      shared.AgentID(ctx),
				To:        to,
				Type:      typ,
				Content:   content,
				Metadata:  meta,
				ProjectID: shared.ProjectID(ctx),
			})
			return fmt.Sprintf("sent %s to %s", msg.ID, to), nil
		},
	}
}
