package agent

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-crew/internal/bus"
	"github.com/basket/go-crew/internal/persistence"
)

type fakeSubscriber struct {
	mu       sync.Mutex
	handlers map[string]bus.Handler
}

func (f *fakeSubscriber) Subscribe(id string, h bus.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers == nil {
		f.handlers = map[string]bus.Handler{}
	}
	f.handlers[id] = h
}

func (f *fakeSubscriber) Unsubscribe(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, id)
}

func (f *fakeSubscriber) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.handlers[id]
	return ok
}

func setupTestRegistry(t *testing.T) (*Registry, *persistence.Store, *fakeSubscriber) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "crew.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	sub := &fakeSubscriber{}
	reg := NewRegistry(context.Background(), sub, store, nil, nil)
	t.Cleanup(func() { _ = reg.DrainAll(5 * time.Second) })
	return reg, store, sub
}

func workerConfig(id, project string) Config {
	return Config{
		ID:        id,
		Role:      RoleWorker,
		ProjectID: project,
		Backend:   "coder",
		TaskID:    "task-" + id,
		Model:     "claude-sonnet-4-5",
		LLM:       newScripted(text("ok")),
	}
}

func TestRegistry_SpawnPersistsAndSubscribes(t *testing.T) {
	reg, store, sub := setupTestRegistry(t)
	ctx := context.Background()

	a, err := reg.Spawn(ctx, workerConfig("w1", "p1"))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if !reg.IsLive("w1") || reg.Get("w1") != a {
		t.Fatal("spawned agent not live")
	}
	if !sub.has("w1") {
		t.Fatal("agent not subscribed")
	}

	rec, err := store.GetAgent(ctx, "w1")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if rec == nil || rec.Role != "worker" || rec.Backend != "coder" || rec.TaskID != "task-w1" || rec.Status != "idle" {
		t.Fatalf("unexpected agent row: %+v", rec)
	}
}

func TestRegistry_SpawnDuplicate(t *testing.T) {
	reg, _, _ := setupTestRegistry(t)
	ctx := context.Background()
	if _, err := reg.Spawn(ctx, workerConfig("w1", "p1")); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	_, err := reg.Spawn(ctx, workerConfig("w1", "p1"))
	if !errors.Is(err, ErrAgentExists) {
		t.Fatalf("expected ErrAgentExists, got %v", err)
	}
}

func TestRegistry_DestroyUnsubscribesAndMarksDone(t *testing.T) {
	reg, store, sub := setupTestRegistry(t)
	ctx := context.Background()
	a, err := reg.Spawn(ctx, workerConfig("w1", "p1"))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	if !reg.Destroy("w1") {
		t.Fatal("Destroy reported not live")
	}
	if reg.Destroy("w1") {
		t.Fatal("second Destroy should report false")
	}
	if reg.IsLive("w1") || sub.has("w1") {
		t.Fatal("destroyed agent still wired")
	}
	if a.Status() != StatusDone {
		t.Fatalf("status = %s, want done", a.Status())
	}
	rec, err := store.GetAgent(ctx, "w1")
	if err != nil || rec == nil || rec.Status != "done" {
		t.Fatalf("agent row not marked done: %+v err=%v", rec, err)
	}
}

func TestRegistry_LiveWorkersByProject(t *testing.T) {
	reg, _, _ := setupTestRegistry(t)
	ctx := context.Background()
	for _, cfg := range []Config{
		workerConfig("w2", "p1"),
		workerConfig("w1", "p1"),
		workerConfig("w3", "p2"),
		{ID: "lead-p1", Role: RoleTeamLead, ProjectID: "p1", LLM: newScripted(text("ok"))},
	} {
		if _, err := reg.Spawn(ctx, cfg); err != nil {
			t.Fatalf("Spawn %s: %v", cfg.ID, err)
		}
	}

	got := reg.LiveWorkers("p1")
	if len(got) != 2 || got[0].ID() != "w1" || got[1].ID() != "w2" {
		t.Fatalf("unexpected live workers: %d", len(got))
	}
	if n := len(reg.LiveWorkers("")); n != 3 {
		t.Fatalf("expected 3 workers across projects, got %d", n)
	}
	if b := reg.WorkerBackends("p2"); len(b) != 1 || b[0] != "coder" {
		t.Fatalf("unexpected worker backends for p2: %v", b)
	}
}

func TestRegistry_DrainAllWaitsForInFlightWork(t *testing.T) {
	reg, _, _ := setupTestRegistry(t)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	cfg := Config{
		ID:   "w1",
		Role: RoleWorker,
		Handle: func(context.Context, *Agent, bus.Message) {
			close(started)
			<-release
		},
	}
	a, err := reg.Spawn(ctx, cfg)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	a.Enqueue(bus.Message{ID: "m1"})
	<-started

	errc := make(chan error, 1)
	go func() { errc <- reg.DrainAll(2 * time.Second) }()
	time.Sleep(20 * time.Millisecond)
	close(release)

	if err := <-errc; err != nil {
		t.Fatalf("DrainAll: %v", err)
	}
	if len(reg.List()) != 0 {
		t.Fatal("agents left after DrainAll")
	}
}

func TestRegistry_SpawnAfterStopFails(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reg := NewRegistry(ctx, &fakeSubscriber{}, nil, nil, nil)
	cancel()
	if _, err := reg.Spawn(context.Background(), workerConfig("w1", "p1")); err == nil {
		t.Fatal("expected spawn on a stopped registry to fail")
	}
	if reg.IsLive("w1") {
		t.Fatal("agent registered on stopped registry")
	}
}
