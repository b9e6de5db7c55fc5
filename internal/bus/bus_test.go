package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type memLog struct {
	mu   sync.Mutex
	msgs []Message
	fail bool
}

func (l *memLog) AppendMessage(_ context.Context, msg Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail {
		return errors.New("disk full")
	}
	l.msgs = append(l.msgs, msg)
	return nil
}

func (l *memLog) ListMessages(_ context.Context, q HistoryQuery) ([]Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Message
	for _, m := range l.msgs {
		if q.AgentID != "" && m.FromAgentID != q.AgentID && m.ToAgentID != q.AgentID {
			continue
		}
		out = append(out, m)
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out, nil
}

func (l *memLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.msgs)
}

func newTestBus(t *testing.T) (*Bus, *memLog) {
	t.Helper()
	log := &memLog{}
	b := New(log, nil)
	t.Cleanup(b.Close)
	return b, log
}

func TestBus_PointToPointDelivery(t *testing.T) {
	b, log := newTestBus(t)
	got := make(chan Message, 1)
	b.Subscribe("w1", func(_ context.Context, msg Message) error {
		got <- msg
		return nil
	})

	sent := b.Send(context.Background(), SendParams{From: "lead", To: "w1", Type: TypeChat, Content: "hi"})
	if sent.ID == "" || sent.Timestamp.IsZero() {
		t.Fatalf("send did not stamp message: %+v", sent)
	}

	select {
	case msg := <-got:
		if msg.ID != sent.ID || msg.Content != "hi" {
			t.Fatalf("unexpected delivery: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for delivery")
	}
	if log.len() != 1 {
		t.Fatalf("expected message persisted, log has %d", log.len())
	}
}

func TestBus_UnroutableStillPersistedAndBroadcast(t *testing.T) {
	b, log := newTestBus(t)
	sub := b.Observe("")
	defer b.Unobserve(sub)

	msg := b.Send(context.Background(), SendParams{From: "lead", To: "ghost", Type: TypeDirective, Content: "x"})

	select {
	case seen := <-sub.Ch():
		if seen.ID != msg.ID {
			t.Fatalf("observer saw %s, want %s", seen.ID, msg.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for broadcast")
	}

	hist, err := b.History(context.Background(), HistoryQuery{AgentID: "ghost"})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 1 || hist[0].ID != msg.ID {
		t.Fatalf("expected message in history, got %+v", hist)
	}
	if log.len() != 1 {
		t.Fatalf("log has %d messages", log.len())
	}
}

func TestBus_PersistFailureDoesNotBlockRouting(t *testing.T) {
	log := &memLog{fail: true}
	b := New(log, nil)
	defer b.Close()

	got := make(chan struct{}, 1)
	b.Subscribe("w1", func(context.Context, Message) error {
		got <- struct{}{}
		return nil
	})
	b.Send(context.Background(), SendParams{To: "w1", Type: TypeChat})

	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for delivery despite persist failure")
	}
}

func TestBus_PerAgentOrdering(t *testing.T) {
	b, _ := newTestBus(t)
	const n = 50

	var mu sync.Mutex
	var seen []string
	done := make(chan struct{})
	b.Subscribe("w1", func(_ context.Context, msg Message) error {
		mu.Lock()
		seen = append(seen, msg.Content)
		count := len(seen)
		mu.Unlock()
		if count == n {
			close(done)
		}
		return nil
	})

	for i := 0; i < n; i++ {
		b.Send(context.Background(), SendParams{To: "w1", Type: TypeChat, Content: fmt.Sprintf("%d", i)})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for all deliveries")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, c := range seen {
		if c != fmt.Sprintf("%d", i) {
			t.Fatalf("delivery %d out of order: %q", i, c)
		}
	}
}

func TestBus_HandlerPanicAndErrorAreContained(t *testing.T) {
	b, _ := newTestBus(t)
	var calls int
	var mu sync.Mutex
	done := make(chan struct{})
	b.Subscribe("w1", func(_ context.Context, msg Message) error {
		mu.Lock()
		calls++
		c := calls
		mu.Unlock()
		switch c {
		case 1:
			panic("boom")
		case 2:
			return errors.New("handler failed")
		default:
			close(done)
			return nil
		}
	})

	for i := 0; i < 3; i++ {
		b.Send(context.Background(), SendParams{To: "w1", Type: TypeChat})
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("mailbox stopped after handler panic")
	}
}

func TestBus_ResubscribeReplacesHandler(t *testing.T) {
	b, _ := newTestBus(t)
	first := make(chan struct{}, 1)
	second := make(chan struct{}, 1)
	b.Subscribe("w1", func(context.Context, Message) error { first <- struct{}{}; return nil })
	b.Subscribe("w1", func(context.Context, Message) error { second <- struct{}{}; return nil })

	if b.HandlerCount() != 1 {
		t.Fatalf("handler count = %d, want 1", b.HandlerCount())
	}
	b.Send(context.Background(), SendParams{To: "w1", Type: TypeChat})

	select {
	case <-second:
	case <-first:
		t.Fatal("old handler invoked after resubscribe")
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}
}

func TestBus_UnsubscribeDropsSilently(t *testing.T) {
	b, _ := newTestBus(t)
	got := make(chan struct{}, 1)
	b.Subscribe("w1", func(context.Context, Message) error { got <- struct{}{}; return nil })
	b.Unsubscribe("w1")
	b.Unsubscribe("w1")

	if b.HandlerCount() != 0 {
		t.Fatalf("handler count = %d, want 0", b.HandlerCount())
	}
	b.Send(context.Background(), SendParams{To: "w1", Type: TypeChat})

	select {
	case <-got:
		t.Fatal("unsubscribed handler invoked")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_ObserverPrefixAndNonBlocking(t *testing.T) {
	b, _ := newTestBus(t)
	reports := b.Observe(TypeReport)
	defer b.Unobserve(reports)

	for i := 0; i < defaultBufferSize+10; i++ {
		b.Send(context.Background(), SendParams{Type: TypeReport})
	}
	b.Send(context.Background(), SendParams{Type: TypeChat})

	count := 0
	for {
		select {
		case msg := <-reports.Ch():
			if msg.Type != TypeReport {
				t.Fatalf("observer received %q", msg.Type)
			}
			count++
			continue
		default:
		}
		break
	}
	if count != defaultBufferSize {
		t.Fatalf("received %d messages, expected %d (buffer size)", count, defaultBufferSize)
	}
}

func TestBus_UnobserveClosesChannel(t *testing.T) {
	b, _ := newTestBus(t)
	sub := b.Observe("")
	if b.ObserverCount() != 1 {
		t.Fatalf("count = %d, want 1", b.ObserverCount())
	}
	b.Unobserve(sub)
	if b.ObserverCount() != 0 {
		t.Fatalf("count = %d, want 0", b.ObserverCount())
	}
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel")
	}
}

func TestBus_RequestReply(t *testing.T) {
	b, _ := newTestBus(t)
	b.Subscribe("w1", func(ctx context.Context, msg Message) error {
		b.Send(ctx, SendParams{From: "w1", To: msg.FromAgentID, Type: TypeResponse, Content: "pong", CorrelationID: msg.CorrelationID})
		return nil
	})

	reply := b.Request(context.Background(), SendParams{From: "lead", To: "w1", Type: TypeChat, Content: "ping"}, time.Second)
	if reply == nil {
		t.Fatal("expected reply")
	}
	if reply.Content != "pong" || reply.FromAgentID != "w1" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}

func TestBus_RequestIgnoresEchoFromRequester(t *testing.T) {
	b, _ := newTestBus(t)
	b.Subscribe("w1", func(ctx context.Context, msg Message) error {
		// Same sender as the requester: must not resolve the request.
		b.Send(ctx, SendParams{From: "lead", Type: TypeResponse, CorrelationID: msg.CorrelationID})
		return nil
	})

	start := time.Now()
	reply := b.Request(context.Background(), SendParams{From: "lead", To: "w1", Type: TypeChat}, 100*time.Millisecond)
	if reply != nil {
		t.Fatalf("expected nil reply, got %+v", reply)
	}
	if time.Since(start) < 100*time.Millisecond {
		t.Fatal("request returned before timeout")
	}

	b.mu.RLock()
	pending := len(b.pending)
	b.mu.RUnlock()
	if pending != 0 {
		t.Fatalf("pending requests not cleared: %d", pending)
	}
}

func TestBus_RequestContextCancel(t *testing.T) {
	b, _ := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if reply := b.Request(ctx, SendParams{From: "lead", To: "nobody", Type: TypeChat}, time.Minute); reply != nil {
		t.Fatalf("expected nil reply, got %+v", reply)
	}
}

func TestBus_HistoryWithoutLog(t *testing.T) {
	b := New(nil, nil)
	defer b.Close()
	if _, err := b.History(context.Background(), HistoryQuery{}); !errors.Is(err, ErrNoLog) {
		t.Fatalf("expected ErrNoLog, got %v", err)
	}
}

func TestBus_CloseWaitsForHandlers(t *testing.T) {
	b := New(nil, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	finished := make(chan struct{})
	b.Subscribe("w1", func(context.Context, Message) error {
		close(started)
		<-release
		close(finished)
		return nil
	})
	b.Send(context.Background(), SendParams{To: "w1", Type: TypeChat})
	<-started

	closed := make(chan struct{})
	go func() {
		b.Close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatal("Close returned while handler was running")
	case <-time.After(30 * time.Millisecond):
	}
	close(release)
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close did not return")
	}
	<-finished
}

func TestMessage_Meta(t *testing.T) {
	var m Message
	if m.Meta(MetaTaskID) != "" {
		t.Fatal("expected empty meta on nil map")
	}
	m.Metadata = map[string]string{MetaTaskID: "t1"}
	if m.Meta(MetaTaskID) != "t1" {
		t.Fatalf("meta = %q", m.Meta(MetaTaskID))
	}
}

func TestStatusMeta_SkipsEmpty(t *testing.T) {
	meta := StatusMeta("t1", "completed", "", "APPLIED")
	if len(meta) != 3 || meta[MetaTaskID] != "t1" || meta[MetaAction] != "completed" || meta[MetaGuard] != "APPLIED" {
		t.Fatalf("unexpected status meta: %v", meta)
	}
	if _, ok := meta[MetaAgentID]; ok {
		t.Fatal("empty agent id should be omitted")
	}
}
