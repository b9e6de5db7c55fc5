package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the crew instruments.
type Metrics struct {
	BusMessages       metric.Int64Counter
	BusUndelivered    metric.Int64Counter
	LLMCallDuration   metric.Float64Histogram
	TokensUsed        metric.Int64Counter
	CostUSD           metric.Float64Counter
	StreamTokens      metric.Int64Counter
	StreamTimeouts    metric.Int64Counter
	ToolCallDuration  metric.Float64Histogram
	ToolCallErrors    metric.Int64Counter
	MarkupRounds      metric.Int64Counter
	KanbanTransitions metric.Int64Counter
	WorkersSpawned    metric.Int64Counter
	ActiveWorkers     metric.Int64UpDownCounter
}

// NewMetrics creates all instruments from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.BusMessages, err = meter.Int64Counter("crew.bus.messages",
		metric.WithDescription("Messages accepted by the bus"),
	); err != nil {
		return nil, err
	}
	if m.BusUndelivered, err = meter.Int64Counter("crew.bus.undelivered",
		metric.WithDescription("Point-to-point messages with no registered handler"),
	); err != nil {
		return nil, err
	}
	if m.LLMCallDuration, err = meter.Float64Histogram("crew.llm.duration",
		metric.WithDescription("Streaming LLM round duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.TokensUsed, err = meter.Int64Counter("crew.llm.tokens",
		metric.WithDescription("Total tokens consumed"),
	); err != nil {
		return nil, err
	}
	if m.CostUSD, err = meter.Float64Counter("crew.llm.cost",
		metric.WithDescription("Estimated LLM spend"),
		metric.WithUnit("USD"),
	); err != nil {
		return nil, err
	}
	if m.StreamTokens, err = meter.Int64Counter("crew.stream.tokens",
		metric.WithDescription("Visible streaming tokens delivered to observers"),
	); err != nil {
		return nil, err
	}
	if m.StreamTimeouts, err = meter.Int64Counter("crew.stream.timeouts",
		metric.WithDescription("Streams abandoned on first-chunk or per-chunk timeout"),
	); err != nil {
		return nil, err
	}
	if m.ToolCallDuration, err = meter.Float64Histogram("crew.tool.duration",
		metric.WithDescription("Tool call duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.ToolCallErrors, err = meter.Int64Counter("crew.tool.errors",
		metric.WithDescription("Tool call error count"),
	); err != nil {
		return nil, err
	}
	if m.MarkupRounds, err = meter.Int64Counter("crew.markup.rounds",
		metric.WithDescription("Text-markup tool execution rounds"),
	); err != nil {
		return nil, err
	}
	if m.KanbanTransitions, err = meter.Int64Counter("crew.kanban.transitions",
		metric.WithDescription("Task guard outcomes by status"),
	); err != nil {
		return nil, err
	}
	if m.WorkersSpawned, err = meter.Int64Counter("crew.workers.spawned",
		metric.WithDescription("Worker agents spawned by backend"),
	); err != nil {
		return nil, err
	}
	if m.ActiveWorkers, err = meter.Int64UpDownCounter("crew.workers.active",
		metric.WithDescription("Currently live worker agents"),
	); err != nil {
		return nil, err
	}
	return m, nil
}
