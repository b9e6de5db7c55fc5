// Package audit keeps an append-only JSONL trail of board decisions that
// overrode or refused what an agent asked for.
package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-crew/internal/shared"
)

// Decisions recorded by the scheduler and the team lead.
const (
	DecisionRejected        = "rejected"
	DecisionForcedDone      = "forced_done"
	DecisionSafetyNet       = "safety_net"
	DecisionOrphanRecovered = "orphan_recovered"
	DecisionReportRedacted  = "report_redacted"
	DecisionDirectiveWarn   = "directive_warn"
	DecisionDirectiveBlock  = "directive_block"
)

// FileName is the audit trail file under <home>/logs.
const FileName = "audit.jsonl"

// Entry is one audited decision.
type Entry struct {
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"trace_id,omitempty"`
	Decision  string `json:"decision"`
	ProjectID string `json:"project_id,omitempty"`
	TaskID    string `json:"task_id"`
	AgentID   string `json:"agent_id,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Reason    string `json:"reason"`
}

// Log appends entries to a JSONL file. A nil *Log discards everything.
type Log struct {
	mu     sync.Mutex
	file   *os.File
	counts sync.Map // decision -> *atomic.Int64
}

// Open creates <homeDir>/logs/audit.jsonl if needed and opens it for append.
func Open(homeDir string) (*Log, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, FileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Log{file: f}, nil
}

func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Record appends e, stamping time and trace id. Reasons are redacted.
func (l *Log) Record(ctx context.Context, e Entry) {
	if l == nil {
		return
	}
	l.count(e.Decision)

	e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	if e.TraceID == "" {
		if id := shared.TraceID(ctx); id != "-" {
			e.TraceID = id
		}
	}
	e.Reason = shared.Redact(e.Reason)
	b, err := json.Marshal(e)
	if err != nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		_, _ = l.file.Write(append(b, '\n'))
	}
}

// Count returns how many entries with decision were recorded since Open.
func (l *Log) Count(decision string) int64 {
	if l == nil {
		return 0
	}
	if v, ok := l.counts.Load(decision); ok {
		return v.(*atomic.Int64).Load()
	}
	return 0
}

func (l *Log) count(decision string) {
	v, _ := l.counts.LoadOrStore(decision, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
}
