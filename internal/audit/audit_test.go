package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/go-crew/internal/shared"
)

func openTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	home := t.TempDir()
	l, err := Open(home)
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l, filepath.Join(home, "logs", FileName)
}

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	var out []map[string]any
	for i, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		var e map[string]any
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", i, err)
		}
		out = append(out, e)
	}
	return out
}

func TestRecordWritesAuditEntry(t *testing.T) {
	l, path := openTestLog(t)
	ctx := shared.WithTraceID(context.Background(), "trace-1")

	l.Record(ctx, Entry{Decision: DecisionRejected, TaskID: "t1", From: "done", To: "backlog", Reason: "done is terminal"})
	l.Record(ctx, Entry{Decision: DecisionForcedDone, TaskID: "t2", From: "in_progress", To: "done", Reason: "retry cap reached"})

	lines := readLines(t, path)
	if len(lines) != 2 {
		t.Fatalf("expected two audit entries, got %d", len(lines))
	}
	first := lines[0]
	if first["decision"] != DecisionRejected || first["task_id"] != "t1" || first["trace_id"] != "trace-1" {
		t.Fatalf("unexpected first entry: %#v", first)
	}
	if first["timestamp"] == "" || first["from"] != "done" || first["to"] != "backlog" {
		t.Fatalf("missing fields in audit entry: %#v", first)
	}
	if l.Count(DecisionRejected) != 1 || l.Count(DecisionForcedDone) != 1 || l.Count(DecisionSafetyNet) != 0 {
		t.Fatal("decision counts mismatch")
	}
}

func TestAuditAppendOnly(t *testing.T) {
	l, path := openTestLog(t)
	ctx := context.Background()

	l.Record(ctx, Entry{Decision: DecisionRejected, TaskID: "a"})
	info1, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat audit file: %v", err)
	}
	l.Record(ctx, Entry{Decision: DecisionSafetyNet, TaskID: "b"})
	info2, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat audit file after append: %v", err)
	}
	if info2.Size() <= info1.Size() {
		t.Fatalf("expected file to grow, size before=%d after=%d", info1.Size(), info2.Size())
	}

	lines := readLines(t, path)
	if len(lines) != 2 || lines[0]["task_id"] != "a" || lines[1]["task_id"] != "b" {
		t.Fatalf("entries out of order: %#v", lines)
	}
}

func TestRecordRedactsReason(t *testing.T) {
	l, path := openTestLog(t)
	l.Record(context.Background(), Entry{
		Decision: DecisionForcedDone,
		TaskID:   "t1",
		Reason:   "worker said api_key=abcdef1234567890abcdef",
	})
	lines := readLines(t, path)
	if reason := lines[0]["reason"].(string); strings.Contains(reason, "abcdef1234567890abcdef") {
		t.Fatalf("secret not redacted: %q", reason)
	}
}

func TestNilLogIsNoop(t *testing.T) {
	var l *Log
	l.Record(context.Background(), Entry{Decision: DecisionRejected})
	if l.Count(DecisionRejected) != 0 {
		t.Fatal("nil log should count nothing")
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close nil log: %v", err)
	}
}
