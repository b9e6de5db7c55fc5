// Package llm defines the streaming provider contract agents think through,
// plus the genkit-backed implementation.
package llm

import (
	"context"
	"strings"

	"github.com/basket/go-crew/internal/tools"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type ToolResult struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Output  string `json:"output"`
	IsError bool   `json:"is_error,omitempty"`
}

// Message is one conversation history entry. Assistant messages may carry
// tool calls; tool messages carry their results.
type Message struct {
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

type ChunkKind int

const (
	ChunkReasoning ChunkKind = iota
	ChunkText
	ChunkToolCall
	ChunkToolResult
)

func (k ChunkKind) String() string {
	switch k {
	case ChunkReasoning:
		return "reasoning"
	case ChunkText:
		return "text"
	case ChunkToolCall:
		return "tool_call"
	case ChunkToolResult:
		return "tool_result"
	}
	return "unknown"
}

// Chunk is one streamed item. Text holds the delta for reasoning and text
// chunks; ToolCall and ToolResult are set for their kinds.
type Chunk struct {
	Kind       ChunkKind
	Text       string
	ToolCall   *ToolCall
	ToolResult *ToolResult
}

type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Request is one streaming round. Tools, when non-empty, are offered as
// structured tools and executed by the provider.
type Request struct {
	Model    string
	Messages []Message
	Tools    *tools.Registry
}

// Stream is an in-flight response. Chunks is closed when the response ends;
// Err is valid after that. Usage blocks until the provider reports totals.
type Stream interface {
	Chunks() <-chan Chunk
	Err() error
	Usage(ctx context.Context) (Usage, error)
}

// Provider starts streaming rounds. Cancelling ctx abandons the stream.
type Provider interface {
	Stream(ctx context.Context, req Request) (Stream, error)
}

// textToolModels call tools by writing markup into their text output.
// Their structured tool-call responses come back empty.
var textToolModels = []string{"kimi", "minimax", "glm-4"}

// UsesTextToolCalls reports whether model is known to call tools through
// text markup. override, when set, wins.
func UsesTextToolCalls(model string, override *bool) bool {
	if override != nil {
		return *override
	}
	name := strings.ToLower(model)
	for _, m := range textToolModels {
		if strings.Contains(name, m) {
			return true
		}
	}
	return false
}
