package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	otelPkg "github.com/basket/go-crew/internal/otel"
	"github.com/basket/go-crew/internal/shared"
)

const (
	defaultBufferSize     = 100
	defaultRequestTimeout = 30 * time.Second
)

// ErrNoLog is returned by History when the bus has no durable log.
var ErrNoLog = errors.New("bus: no message log configured")

// Subscription is a broadcast observer. It sees every message whose type
// starts with its prefix, regardless of routing.
type Subscription struct {
	id     int
	prefix string
	ch     chan Message
}

// Ch returns the channel to receive messages on.
func (s *Subscription) Ch() <-chan Message {
	return s.ch
}

type pendingRequest struct {
	from string
	ch   chan Message
}

// Bus routes messages between agents: point-to-point through per-agent
// mailboxes, broadcast to observers, and request/reply by correlation id.
type Bus struct {
	log     Log
	logger  *slog.Logger
	metrics *otelPkg.Metrics

	mu        sync.RWMutex
	mailboxes map[string]*mailbox
	observers map[int]*Subscription
	pending   map[string]*pendingRequest
	nextID    int
	closed    bool

	wg sync.WaitGroup
}

type Option func(*Bus)

// WithMetrics records message counts on m.
func WithMetrics(m *otelPkg.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// New creates a Bus that persists every message to log before routing.
// log may be nil, in which case nothing is persisted and History fails.
func New(log Log, logger *slog.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		log:       log,
		logger:    logger,
		mailboxes: make(map[string]*mailbox),
		observers: make(map[int]*Subscription),
		pending:   make(map[string]*pendingRequest),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers the handler for agentID, replacing any previous one.
// Messages already queued for the agent are delivered to the new handler.
func (b *Bus) Subscribe(agentID string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if mb, ok := b.mailboxes[agentID]; ok {
		mb.setHandler(h)
		return
	}
	b.mailboxes[agentID] = newMailbox(agentID, h, b)
}

// Unsubscribe removes the agent's handler. Future sends to it are dropped.
func (b *Bus) Unsubscribe(agentID string) {
	b.mu.Lock()
	mb, ok := b.mailboxes[agentID]
	delete(b.mailboxes, agentID)
	b.mu.Unlock()
	if ok {
		mb.stop()
	}
}

// HandlerCount returns the number of subscribed agents.
func (b *Bus) HandlerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.mailboxes)
}

// Observe creates a broadcast subscription for message types matching
// typePrefix. An empty prefix matches everything. The channel buffers 100
// messages; a slow observer misses messages rather than blocking senders.
func (b *Bus) Observe(typePrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: typePrefix,
		ch:     make(chan Message, defaultBufferSize),
	}
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.observers[sub.id] = sub
	return sub
}

// Unobserve removes a subscription and closes its channel.
func (b *Bus) Unobserve(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.observers[sub.id]; ok {
		delete(b.observers, sub.id)
		close(sub.ch)
	}
}

// ObserverCount returns the number of active broadcast subscriptions.
func (b *Bus) ObserverCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.observers)
}

// Send stamps, persists and routes a message. It never fails: persistence
// and routing problems are logged.
func (b *Bus) Send(ctx context.Context, p SendParams) Message {
	msg := Message{
		ID:             shared.NewID(),
		FromAgentID:    p.From,
		ToAgentID:      p.To,
		Type:           p.Type,
		Content:        p.Content,
		Metadata:       copyMetadata(p.Metadata),
		ProjectID:      p.ProjectID,
		ConversationID: p.ConversationID,
		CorrelationID:  p.CorrelationID,
		Timestamp:      time.Now().UTC(),
	}
	logger := shared.Logger(ctx, b.logger).With("message_id", msg.ID, "type", msg.Type)

	if b.log != nil {
		if err := b.log.AppendMessage(ctx, msg); err != nil {
			logger.Error("persist message failed", "error", err)
		}
	}
	if b.metrics != nil {
		b.metrics.BusMessages.Add(ctx, 1, metric.WithAttributes(otelPkg.AttrMessageType.String(msg.Type)))
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		logger.Warn("bus closed, message not routed", "to", msg.ToAgentID)
		return msg
	}
	if msg.CorrelationID != "" {
		if pr, ok := b.pending[msg.CorrelationID]; ok && pr.from != msg.FromAgentID {
			delete(b.pending, msg.CorrelationID)
			pr.ch <- msg
		}
	}
	var target *mailbox
	if msg.ToAgentID != "" {
		target = b.mailboxes[msg.ToAgentID]
	}
	for _, sub := range b.observers {
		if sub.prefix == "" || strings.HasPrefix(msg.Type, sub.prefix) {
			select {
			case sub.ch <- msg:
			default:
				logger.Debug("observer buffer full, message dropped", "observer", sub.id)
			}
		}
	}
	b.mu.Unlock()

	if msg.ToAgentID != "" {
		if target == nil {
			logger.Warn("no handler registered for recipient", "to", msg.ToAgentID)
			if b.metrics != nil {
				b.metrics.BusUndelivered.Add(ctx, 1)
			}
		} else {
			target.deliver(context.WithoutCancel(ctx), msg)
		}
	}
	return msg
}

// Request sends p with a fresh correlation id and waits for the first reply
// carrying that id from a sender other than p.From. It returns nil when
// timeout (30s if zero) elapses or ctx ends first.
func (b *Bus) Request(ctx context.Context, p SendParams, timeout time.Duration) *Message {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	corr := uuid.NewString()
	p.CorrelationID = corr
	pr := &pendingRequest{from: p.From, ch: make(chan Message, 1)}

	b.mu.Lock()
	b.pending[corr] = pr
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, corr)
		b.mu.Unlock()
	}()

	b.Send(ctx, p)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-pr.ch:
		return &reply
	case <-timer.C:
		shared.Logger(ctx, b.logger).Info("request timed out", "correlation_id", corr, "to", p.To, "timeout", timeout)
		return nil
	case <-ctx.Done():
		return nil
	}
}

// History returns persisted messages matching q, oldest first.
func (b *Bus) History(ctx context.Context, q HistoryQuery) ([]Message, error) {
	if b.log == nil {
		return nil, ErrNoLog
	}
	msgs, err := b.log.ListMessages(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("bus history: %w", err)
	}
	return msgs, nil
}

// Close stops routing, closes observer channels and waits for in-flight
// handler invocations to return.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, sub := range b.observers {
		close(sub.ch)
		delete(b.observers, id)
	}
	for id, mb := range b.mailboxes {
		mb.stop()
		delete(b.mailboxes, id)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

func copyMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

type envelope struct {
	ctx context.Context
	msg Message
}

// mailbox preserves send order for one agent. A drain goroutine runs only
// while the queue is non-empty.
type mailbox struct {
	agentID string
	bus     *Bus

	mu       sync.Mutex
	handler  Handler
	queue    []envelope
	draining bool
	stopped  bool
}

func newMailbox(agentID string, h Handler, b *Bus) *mailbox {
	return &mailbox{agentID: agentID, handler: h, bus: b}
}

func (m *mailbox) setHandler(h Handler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

func (m *mailbox) stop() {
	m.mu.Lock()
	m.stopped = true
	m.queue = nil
	m.mu.Unlock()
}

func (m *mailbox) deliver(ctx context.Context, msg Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.queue = append(m.queue, envelope{ctx: ctx, msg: msg})
	if m.draining {
		return
	}
	m.draining = true
	m.bus.wg.Add(1)
	go m.drain()
}

func (m *mailbox) drain() {
	defer m.bus.wg.Done()
	for {
		m.mu.Lock()
		if m.stopped || len(m.queue) == 0 {
			m.draining = false
			m.mu.Unlock()
			return
		}
		env := m.queue[0]
		m.queue = m.queue[1:]
		h := m.handler
		m.mu.Unlock()

		m.invoke(h, env)
	}
}

func (m *mailbox) invoke(h Handler, env envelope) {
	logger := shared.Logger(env.ctx, m.bus.logger).With("agent_id", m.agentID, "message_id", env.msg.ID)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("handler panic", "panic", fmt.Sprint(r))
		}
	}()
	if err := h(env.ctx, env.msg); err != nil {
		logger.Error("handler failed", "error", err)
	}
}
