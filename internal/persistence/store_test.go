package persistence_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/basket/go-crew/internal/persistence"
)

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "crew.db")
	store, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	if journal := queryOneString(t, db, "PRAGMA journal_mode;"); journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	var synchronous int
	if err := db.QueryRow("PRAGMA synchronous;").Scan(&synchronous); err != nil {
		t.Fatalf("pragma synchronous: %v", err)
	}
	if synchronous != 2 {
		t.Fatalf("expected synchronous FULL(2), got %d", synchronous)
	}

	for _, table := range []string{"messages", "agents", "tasks", "activities", "llm_usage", "schema_migrations"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?;`, table).Scan(&name)
		if err != nil {
			t.Fatalf("expected table %s: %v", table, err)
		}
	}

	v, err := store.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if v != 1 {
		t.Fatalf("expected schema version 1, got %d", v)
	}
}

func TestStore_ReopenIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "crew.db")
	for i := 0; i < 2; i++ {
		store, err := persistence.Open(dbPath)
		if err != nil {
			t.Fatalf("open #%d: %v", i, err)
		}
		if err := store.Close(); err != nil {
			t.Fatalf("close #%d: %v", i, err)
		}
	}
}

func TestStore_ChecksumMismatchRefusesOpen(t *testing.T) {
	store, dbPath := openTestStore(t)
	if _, err := store.DB().Exec(`UPDATE schema_migrations SET checksum = 'tampered' WHERE version = 1;`); err != nil {
		t.Fatalf("tamper checksum: %v", err)
	}
	_ = store.Close()

	if _, err := persistence.Open(dbPath); err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}

func TestStore_NewerSchemaRefusesOpen(t *testing.T) {
	store, dbPath := openTestStore(t)
	if _, err := store.DB().Exec(`INSERT INTO schema_migrations (version, checksum) VALUES (99, 'future');`); err != nil {
		t.Fatalf("insert future version: %v", err)
	}
	_ = store.Close()

	if _, err := persistence.Open(dbPath); err == nil {
		t.Fatal("expected newer schema error")
	}
}

func TestStore_Agents(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	rec := persistence.AgentRecord{ID: "w-1", Role: "worker", ParentID: "lead", ProjectID: "p1", Backend: "coder", TaskID: "t1", Status: "idle"}
	if err := store.UpsertAgent(ctx, rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.UpdateAgentStatus(ctx, "w-1", "destroyed"); err != nil {
		t.Fatalf("update status: %v", err)
	}
	got, err := store.GetAgent(ctx, "w-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.Status != "destroyed" || got.Backend != "coder" || got.ParentID != "lead" {
		t.Fatalf("unexpected agent: %+v", got)
	}

	missing, err := store.GetAgent(ctx, "nope")
	if err != nil || missing != nil {
		t.Fatalf("expected nil agent, got %+v err=%v", missing, err)
	}
	if err := store.UpdateAgentStatus(ctx, "nope", "idle"); err == nil {
		t.Fatal("expected error for unknown agent")
	}

	if err := store.UpsertAgent(ctx, persistence.AgentRecord{ID: "w-2", Role: "worker", ProjectID: "p2", Status: "idle"}); err != nil {
		t.Fatalf("upsert w-2: %v", err)
	}
	p1, err := store.ListAgents(ctx, "p1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(p1) != 1 || p1[0].ID != "w-1" {
		t.Fatalf("expected only w-1 in p1, got %+v", p1)
	}
	all, err := store.ListAgents(ctx, "")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(all))
	}
}

func TestStore_ActivityAndUsage(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	steps := []persistence.Activity{
		{MessageID: "m1", AgentID: "a", Kind: persistence.ActivityReasoning, Content: "thinking"},
		{MessageID: "m1", AgentID: "a", Kind: persistence.ActivityToolCall, ToolName: "list_tasks", ToolArgs: `{}`},
		{MessageID: "m1", AgentID: "a", Kind: persistence.ActivityToolResult, ToolName: "list_tasks", ToolResult: "[]"},
		{MessageID: "m2", AgentID: "a", Kind: persistence.ActivityText, Content: "other"},
	}
	for _, a := range steps {
		if err := store.RecordActivity(ctx, a); err != nil {
			t.Fatalf("record activity: %v", err)
		}
	}
	got, err := store.ListActivities(ctx, "m1")
	if err != nil {
		t.Fatalf("list activities: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 activities, got %d", len(got))
	}
	if got[0].Kind != persistence.ActivityReasoning || got[2].Kind != persistence.ActivityToolResult {
		t.Fatalf("activities out of order: %+v", got)
	}

	for _, u := range []persistence.UsageRecord{
		{MessageID: "m1", AgentID: "a", ProjectID: "p1", Model: "m", InputTokens: 100, OutputTokens: 10, CostUSD: 0.5},
		{MessageID: "m2", AgentID: "a", ProjectID: "p1", Model: "m", InputTokens: 50, OutputTokens: 5, CostUSD: 0.25},
		{MessageID: "m3", AgentID: "b", ProjectID: "p2", Model: "m", InputTokens: 1, OutputTokens: 1},
	} {
		if err := store.RecordUsage(ctx, u); err != nil {
			t.Fatalf("record usage: %v", err)
		}
	}
	totals, err := store.UsageTotals(ctx, "p1")
	if err != nil {
		t.Fatalf("usage totals: %v", err)
	}
	if totals.Calls != 2 || totals.InputTokens != 150 || totals.OutputTokens != 15 || totals.CostUSD != 0.75 {
		t.Fatalf("unexpected totals: %+v", totals)
	}
}
