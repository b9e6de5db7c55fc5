// Package tools holds the named tool registry agents call into. Each entry
// carries a JSON schema for its arguments and an executor; lookups are by name.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	otelPkg "github.com/basket/go-crew/internal/otel"
	"github.com/basket/go-crew/internal/shared"
)

// ExecuteFunc runs a tool. Returned errors become "error: ..." results.
type ExecuteFunc func(ctx context.Context, args map[string]any) (string, error)

// Tool is a registry entry. Schema is a JSON schema for the arguments
// object; an empty Schema accepts any object.
type Tool struct {
	Name        string
	Description string
	Schema      json.RawMessage
	Execute     ExecuteFunc
}

type entry struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry maps tool names to tools. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otelPkg.Metrics
}

type Option func(*Registry)

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithTelemetry wraps every execution in a span and records duration and errors.
func WithTelemetry(p *otelPkg.Provider) Option {
	return func(r *Registry) {
		if p == nil {
			return
		}
		r.tracer = p.Tracer
		r.metrics = p.Metrics
	}
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{entries: make(map[string]*entry)}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Register adds t, compiling its schema. Registering an existing name replaces it.
func (r *Registry) Register(t Tool) error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("register tool: empty name")
	}
	if t.Execute == nil {
		return fmt.Errorf("register tool %q: nil executor", t.Name)
	}
	e := &entry{tool: t}
	if len(t.Schema) > 0 {
		schema, err := compileSchema(t.Name, t.Schema)
		if err != nil {
			return err
		}
		e.schema = schema
	}
	r.mu.Lock()
	r.entries[t.Name] = e
	r.mu.Unlock()
	return nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("tool %q: unmarshal schema JSON: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	url := name + ".schema.json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("tool %q: add schema resource: %w", name, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("tool %q: compile schema: %w", name, err)
	}
	return schema, nil
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Tool{}, false
	}
	return e.tool, true
}

// List returns the tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	out := make([]Tool, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.tool)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Subset returns a registry holding only the named tools. Unknown names are skipped.
func (r *Registry) Subset(names ...string) *Registry {
	out := &Registry{
		entries: make(map[string]*entry, len(names)),
		logger:  r.logger,
		tracer:  r.tracer,
		metrics: r.metrics,
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, n := range names {
		if e, ok := r.entries[n]; ok {
			out.entries[n] = e
		}
	}
	return out
}

// Validate checks args against the tool's schema.
func (r *Registry) Validate(name string, args map[string]any) error {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown tool %q", name)
	}
	return e.validate(args)
}

func (e *entry) validate(args map[string]any) error {
	if e.schema == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	// Re-decode through jsonschema so numbers arrive as json.Number.
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	if err := e.schema.Validate(doc); err != nil {
		return fmt.Errorf("invalid arguments for %s: %w", e.tool.Name, err)
	}
	return nil
}

// Execute runs the named tool. It never panics and never returns a Go error:
// failures come back as an "error: ..." string with isErr set.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (result string, isErr bool) {
	logger := shared.Logger(ctx, r.logger).With("tool", name)
	start := time.Now()

	if r.tracer != nil {
		var span trace.Span
		ctx, span = otelPkg.StartSpan(ctx, r.tracer, "tool."+name, otelPkg.AttrToolName.String(name))
		defer func() {
			if isErr {
				span.SetStatus(codes.Error, result)
			}
			span.End()
		}()
	}
	defer func() {
		if r.metrics == nil {
			return
		}
		attrs := metric.WithAttributes(attribute.String("tool", name))
		r.metrics.ToolCallDuration.Record(ctx, time.Since(start).Seconds(), attrs)
		if isErr {
			r.metrics.ToolCallErrors.Add(ctx, 1, attrs)
		}
	}()
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("tool panic", "panic", fmt.Sprint(rec))
			result, isErr = fmt.Sprintf("error: tool %s panicked: %v", name, rec), true
		}
	}()

	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		logger.Warn("unknown tool requested")
		return fmt.Sprintf("error: unknown tool %q", name), true
	}
	if err := e.validate(args); err != nil {
		logger.Info("tool arguments rejected", "error", err)
		return "error: " + err.Error(), true
	}

	out, err := e.tool.Execute(ctx, args)
	if err != nil {
		logger.Info("tool failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
		return "error: " + err.Error(), true
	}
	logger.Debug("tool completed", "duration_ms", time.Since(start).Milliseconds())
	return out, false
}

// Catalog renders the tools as a system prompt for models that call tools
// through text markup instead of structured calls.
func (r *Registry) Catalog() string {
	list := r.List()
	if len(list) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("You can call tools. To call one, reply with a block of this exact form:\n")
	sb.WriteString("<tool_call>{\"name\": \"TOOL_NAME\", \"arguments\": {\"param\": \"value\"}}</tool_call>\n")
	sb.WriteString("Emit one block per call. Results are returned in the next message.\n\nAvailable tools:\n")
	for _, t := range list {
		fmt.Fprintf(&sb, "- %s: %s\n", t.Name, t.Description)
		if len(t.Schema) > 0 {
			fmt.Fprintf(&sb, "  parameters: %s\n", compactJSON(t.Schema))
		}
	}
	return sb.String()
}

func compactJSON(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(out)
}

// StringArg returns args[key] as a trimmed string, or "" when missing.
func StringArg(args map[string]any, key string) string {
	v, ok := args[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	default:
		return strings.TrimSpace(fmt.Sprint(s))
	}
}

// StringSliceArg returns args[key] as a string slice. A single string is
// accepted as a one-element slice.
func StringSliceArg(args map[string]any, key string) []string {
	switch v := args[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s := strings.TrimSpace(fmt.Sprint(item)); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if s := strings.TrimSpace(v); s != "" {
			return []string{s}
		}
	}
	return nil
}

// JSONResult marshals v for returning from a tool.
func JSONResult(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(raw), nil
}
