package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
var (
	AttrAgentID     = attribute.Key("crew.agent.id")
	AttrAgentRole   = attribute.Key("crew.agent.role")
	AttrProjectID   = attribute.Key("crew.project.id")
	AttrTaskID      = attribute.Key("crew.task.id")
	AttrColumn      = attribute.Key("crew.task.column")
	AttrGuardStatus = attribute.Key("crew.guard.status")
	AttrBackend     = attribute.Key("crew.worker.backend")
	AttrToolName    = attribute.Key("crew.tool.name")
	AttrModel       = attribute.Key("crew.llm.model")
	AttrMarkupDepth = attribute.Key("crew.markup.depth")
	AttrMessageType = attribute.Key("crew.message.type")
)

// StartSpan starts an internal span with the given attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (LLM provider).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
