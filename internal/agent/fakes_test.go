package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/basket/go-crew/internal/bus"
	"github.com/basket/go-crew/internal/llm"
	"github.com/basket/go-crew/internal/persistence"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// step produces one streamed response.
type step func(ctx context.Context, req llm.Request, p *llm.Pipe)

// scriptedProvider answers the n-th Stream call with script[n]; the last
// step repeats once the script runs out.
type scriptedProvider struct {
	mu       sync.Mutex
	script   []step
	requests []llm.Request
	active   int
	peak     int
}

func newScripted(steps ...step) *scriptedProvider {
	return &scriptedProvider{script: steps}
}

func (s *scriptedProvider) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	s.mu.Lock()
	i := len(s.requests)
	if i >= len(s.script) {
		i = len(s.script) - 1
	}
	st := s.script[i]
	s.requests = append(s.requests, req)
	s.active++
	if s.active > s.peak {
		s.peak = s.active
	}
	s.mu.Unlock()

	p := llm.NewPipe(0)
	go func() {
		defer func() {
			s.mu.Lock()
			s.active--
			s.mu.Unlock()
		}()
		st(ctx, req, p)
	}()
	return p, nil
}

func (s *scriptedProvider) calls() []llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.Request, len(s.requests))
	copy(out, s.requests)
	return out
}

func (s *scriptedProvider) peakConcurrency() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak
}

func sendAll(ctx context.Context, p *llm.Pipe, chunks ...llm.Chunk) bool {
	for _, c := range chunks {
		if !p.Send(ctx, c) {
			p.Close(llm.Usage{}, ctx.Err())
			return false
		}
	}
	return true
}

func text(parts ...string) step {
	return func(ctx context.Context, _ llm.Request, p *llm.Pipe) {
		chunks := make([]llm.Chunk, 0, len(parts))
		for _, t := range parts {
			chunks = append(chunks, llm.Chunk{Kind: llm.ChunkText, Text: t})
		}
		if sendAll(ctx, p, chunks...) {
			p.Close(llm.Usage{InputTokens: 10, OutputTokens: 5}, nil)
		}
	}
}

func reasoningThenText(reasoning, answer string) step {
	return func(ctx context.Context, _ llm.Request, p *llm.Pipe) {
		if sendAll(ctx, p,
			llm.Chunk{Kind: llm.ChunkReasoning, Text: reasoning},
			llm.Chunk{Kind: llm.ChunkText, Text: answer},
		) {
			p.Close(llm.Usage{InputTokens: 10, OutputTokens: 5}, nil)
		}
	}
}

// echoLastUser replies with "re:" plus the latest user message.
func echoLastUser() step {
	return func(ctx context.Context, req llm.Request, p *llm.Pipe) {
		last := ""
		for _, m := range req.Messages {
			if m.Role == llm.RoleUser {
				last = m.Content
			}
		}
		time.Sleep(2 * time.Millisecond)
		if sendAll(ctx, p, llm.Chunk{Kind: llm.ChunkText, Text: "re:" + last}) {
			p.Close(llm.Usage{}, nil)
		}
	}
}

func silent() step {
	return func(_ context.Context, _ llm.Request, p *llm.Pipe) {
		p.Close(llm.Usage{}, nil)
	}
}

func failing(err error) step {
	return func(_ context.Context, _ llm.Request, p *llm.Pipe) {
		p.Close(llm.Usage{}, err)
	}
}

// hangAfter streams parts, then blocks until the consumer abandons it.
func hangAfter(parts ...string) step {
	return func(ctx context.Context, _ llm.Request, p *llm.Pipe) {
		for _, t := range parts {
			if !sendAll(ctx, p, llm.Chunk{Kind: llm.ChunkText, Text: t}) {
				return
			}
		}
		<-ctx.Done()
		p.Close(llm.Usage{}, ctx.Err())
	}
}

// structuredCall runs a tool the way a provider with native tool calling
// would, producing no text.
func structuredCall(name string, args map[string]any) step {
	return func(ctx context.Context, req llm.Request, p *llm.Pipe) {
		call := llm.ToolCall{ID: "tc-1", Name: name, Args: args}
		out, isErr := req.Tools.Execute(ctx, name, args)
		if sendAll(ctx, p,
			llm.Chunk{Kind: llm.ChunkToolCall, ToolCall: &call},
			llm.Chunk{Kind: llm.ChunkToolResult, ToolResult: &llm.ToolResult{CallID: "tc-1", Name: name, Output: out, IsError: isErr}},
		) {
			p.Close(llm.Usage{InputTokens: 7, OutputTokens: 3}, nil)
		}
	}
}

type memRecorder struct {
	mu         sync.Mutex
	activities []persistence.Activity
	usage      []persistence.UsageRecord
}

func (r *memRecorder) RecordActivity(_ context.Context, a persistence.Activity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activities = append(r.activities, a)
	return nil
}

func (r *memRecorder) RecordUsage(_ context.Context, u persistence.UsageRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.usage = append(r.usage, u)
	return nil
}

func (r *memRecorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.activities))
	for _, a := range r.activities {
		out = append(out, a.Kind)
	}
	return out
}

func (r *memRecorder) usageRecords() []persistence.UsageRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]persistence.UsageRecord(nil), r.usage...)
}

type recordingSender struct {
	mu   sync.Mutex
	sent []bus.SendParams
	ch   chan bus.SendParams
}

func newRecordingSender() *recordingSender {
	return &recordingSender{ch: make(chan bus.SendParams, 64)}
}

func (s *recordingSender) Send(_ context.Context, p bus.SendParams) bus.Message {
	s.mu.Lock()
	s.sent = append(s.sent, p)
	s.mu.Unlock()
	s.ch <- p
	return bus.Message{ID: "m", FromAgentID: p.From, ToAgentID: p.To, Type: p.Type, Content: p.Content}
}

func (s *recordingSender) next(t *testing.T) bus.SendParams {
	t.Helper()
	select {
	case p := <-s.ch:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
		return bus.SendParams{}
	}
}

type tokenLog struct {
	mu     sync.Mutex
	tokens []string
}

func (l *tokenLog) hook(_ string, delta string) {
	l.mu.Lock()
	l.tokens = append(l.tokens, delta)
	l.mu.Unlock()
}

func (l *tokenLog) joined() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := ""
	for _, t := range l.tokens {
		out += t
	}
	return out
}

func newTestAgent(t *testing.T, cfg Config) *Agent {
	t.Helper()
	if cfg.ID == "" {
		cfg.ID = "agent-1"
	}
	if cfg.Role == "" {
		cfg.Role = RoleWorker
	}
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-5"
	}
	a, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	t.Cleanup(func() {
		a.Destroy()
		if !a.Wait(5 * time.Second) {
			t.Errorf("agent %s did not stop", a.ID())
		}
	})
	return a
}
