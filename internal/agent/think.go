package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/go-crew/internal/llm"
	"github.com/basket/go-crew/internal/markup"
	otelPkg "github.com/basket/go-crew/internal/otel"
	"github.com/basket/go-crew/internal/persistence"
	"github.com/basket/go-crew/internal/pricing"
	"github.com/basket/go-crew/internal/shared"
	"github.com/basket/go-crew/internal/tools"
)

// ToolCallsPlaceholder stands in for the text of a round that only called tools.
const ToolCallsPlaceholder = "(completed tool calls)"

// round is what one streaming call produced.
type round struct {
	text        string
	thinking    string
	toolCalls   []llm.ToolCall
	toolResults []llm.ToolResult
}

// Think runs the full inference protocol for one user message and always
// returns a usable Result. Errors come back as error-tagged text with the
// agent left in StatusError.
func (a *Agent) Think(ctx context.Context, userMessage string) (res Result) {
	ctx, span := otelPkg.StartSpan(ctx, a.tracer, "agent.think",
		otelPkg.AttrAgentID.String(a.cfg.ID),
		otelPkg.AttrAgentRole.String(string(a.cfg.Role)),
		otelPkg.AttrModel.String(a.cfg.Model),
	)
	defer span.End()

	a.appendHistory(llm.Message{Role: llm.RoleUser, Content: userMessage})
	a.setStatus(ctx, StatusThinking)

	defer func() {
		if r := recover(); r != nil {
			res = a.fail(ctx, fmt.Errorf("think panicked: %v", r))
			span.SetStatus(codes.Error, res.Text)
		}
	}()

	out, err := a.think(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return a.fail(ctx, err)
	}
	a.appendHistory(llm.Message{Role: llm.RoleAssistant, Content: out.Text})
	a.setStatus(ctx, StatusIdle)
	return out
}

func (a *Agent) fail(ctx context.Context, err error) Result {
	shared.Logger(ctx, a.logger).Error("think failed", "class", string(llm.ClassifyError(err)), "error", err)
	a.setStatus(ctx, StatusError)
	return Result{Text: llm.ErrorText(err)}
}

func (a *Agent) think(ctx context.Context) (Result, error) {
	reg := a.cfg.Tools
	hasTools := reg.Len() > 0

	var r round
	if hasTools && llm.UsesTextToolCalls(a.cfg.Model, a.cfg.TextToolCalls) {
		shared.Logger(ctx, a.logger).Debug("structured tool call skipped for text-tool model", "model", a.cfg.Model)
	} else {
		var err error
		if r, err = a.runStream(ctx, reg); err != nil {
			return Result{}, err
		}
	}

	if hasTools && strings.TrimSpace(r.text) == "" && len(r.toolCalls) == 0 {
		retry, err := a.streamWithCatalog(ctx)
		if err != nil {
			return Result{}, err
		}
		retry.thinking = joinThinking(r.thinking, retry.thinking)
		r = retry
	}

	if hasTools && markup.Contains(r.text) {
		return a.runMarkup(ctx, r)
	}

	text := r.text
	if len(r.toolCalls) > 0 && strings.TrimSpace(text) == "" {
		text = ToolCallsPlaceholder
	}
	return Result{Text: text, Thinking: r.thinking, HadToolCalls: len(r.toolCalls) > 0}, nil
}

// streamWithCatalog runs a round without structured tools, with the tool
// catalog injected as a one-shot system message.
func (a *Agent) streamWithCatalog(ctx context.Context) (round, error) {
	a.histMu.Lock()
	a.history = append(a.history, llm.Message{Role: llm.RoleSystem, Content: a.cfg.Tools.Catalog()})
	injected := len(a.history) - 1
	a.histMu.Unlock()
	defer a.removeHistoryAt(injected)

	return a.runStream(ctx, nil)
}

// runMarkup executes text-markup tool calls and follows up until the model
// answers without markup or the depth limit is hit.
func (a *Agent) runMarkup(ctx context.Context, r round) (Result, error) {
	thinking := r.thinking
	hadCalls := len(r.toolCalls) > 0
	for depth := 0; ; depth++ {
		clean, calls := markup.Parse(r.text)
		if len(calls) == 0 {
			shared.Logger(ctx, a.logger).Debug("markup without parseable calls", "depth", depth)
			return Result{Text: r.text, Thinking: thinking, HadToolCalls: hadCalls}, nil
		}
		hadCalls = true
		if depth >= a.cfg.MaxMarkupDepth {
			shared.Logger(ctx, a.logger).Warn("markup depth limit reached", "depth", depth)
			return Result{Text: clean, Thinking: thinking, HadToolCalls: true}, nil
		}

		roundCtx, span := otelPkg.StartSpan(ctx, a.tracer, "agent.markup_round",
			otelPkg.AttrAgentID.String(a.cfg.ID),
			otelPkg.AttrMarkupDepth.Int(depth),
		)
		toolCalls, results := a.executeMarkupCalls(roundCtx, calls)
		a.appendHistory(
			llm.Message{Role: llm.RoleAssistant, Content: clean, ToolCalls: toolCalls},
			llm.Message{Role: llm.RoleTool, ToolResults: results},
		)
		if a.metrics != nil {
			a.metrics.MarkupRounds.Add(roundCtx, 1, metric.WithAttributes(attribute.String("model", a.cfg.Model)))
		}

		next, err := a.streamWithCatalog(roundCtx)
		span.End()
		if err != nil {
			return Result{}, err
		}
		thinking = joinThinking(thinking, next.thinking)
		if !markup.Contains(next.text) {
			text := next.text
			if strings.TrimSpace(text) == "" {
				text = ToolCallsPlaceholder
			}
			return Result{Text: text, Thinking: thinking, HadToolCalls: true}, nil
		}
		r = next
	}
}

func (a *Agent) executeMarkupCalls(ctx context.Context, calls []markup.Call) ([]llm.ToolCall, []llm.ToolResult) {
	toolCalls := make([]llm.ToolCall, 0, len(calls))
	results := make([]llm.ToolResult, 0, len(calls))
	for _, c := range calls {
		out, isErr := a.cfg.Tools.Execute(ctx, c.Name, c.Args)
		toolCalls = append(toolCalls, llm.ToolCall{ID: c.ID, Name: c.Name, Args: c.Args})
		results = append(results, llm.ToolResult{CallID: c.ID, Name: c.Name, Output: out, IsError: isErr})
		a.recordActivity(ctx, persistence.Activity{
			MessageID:  shared.MessageID(ctx),
			Kind:       persistence.ActivityToolCall,
			ToolName:   c.Name,
			ToolArgs:   encodeArgs(c.Args),
			ToolResult: out,
		})
	}
	return toolCalls, results
}

// runStream performs one streaming round. The first chunk must arrive within
// FirstChunkTimeout and each later one within ChunkTimeout; on a timeout the
// provider is abandoned and whatever arrived is returned without error.
func (a *Agent) runStream(ctx context.Context, reg *tools.Registry) (round, error) {
	var r round
	logger := shared.Logger(ctx, a.logger)

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	streamCtx, span := otelPkg.StartClientSpan(streamCtx, a.tracer, "llm.stream",
		otelPkg.AttrModel.String(a.cfg.Model),
		attribute.Bool("crew.llm.tools", reg.Len() > 0),
	)
	defer span.End()

	req := llm.Request{Model: a.cfg.Model, Messages: a.History(), Tools: reg}
	start := time.Now()
	stream, err := a.cfg.LLM.Stream(streamCtx, req)
	if err != nil {
		span.RecordError(err)
		return r, fmt.Errorf("start stream: %w", err)
	}

	var text, thinking strings.Builder
	var filter markup.Filter
	timer := time.NewTimer(a.cfg.FirstChunkTimeout)
	defer timer.Stop()
	gotChunk, timedOut := false, false
	chunks := stream.Chunks()

recv:
	for {
		select {
		case c, ok := <-chunks:
			if !ok {
				break recv
			}
			gotChunk = true
			resetTimer(timer, a.cfg.ChunkTimeout)
			switch c.Kind {
			case llm.ChunkReasoning:
				thinking.WriteString(c.Text)
				if a.cfg.Hooks.OnReasoning != nil {
					a.cfg.Hooks.OnReasoning(a.cfg.ID, c.Text)
				}
			case llm.ChunkText:
				text.WriteString(c.Text)
				a.emitToken(ctx, filter.Push(c.Text))
			case llm.ChunkToolCall:
				if c.ToolCall != nil {
					r.toolCalls = append(r.toolCalls, *c.ToolCall)
				}
			case llm.ChunkToolResult:
				if c.ToolResult != nil {
					r.toolResults = append(r.toolResults, *c.ToolResult)
				}
			}
		case <-timer.C:
			timedOut = true
			phase := "chunk"
			if !gotChunk {
				phase = "first_chunk"
			}
			logger.Warn("stream timed out", "phase", phase, "model", a.cfg.Model)
			if a.metrics != nil {
				a.metrics.StreamTimeouts.Add(ctx, 1, metric.WithAttributes(attribute.String("phase", phase)))
			}
			break recv
		case <-ctx.Done():
			return r, ctx.Err()
		}
	}
	a.emitToken(ctx, filter.Flush())

	if timedOut && !gotChunk {
		return round{}, nil
	}
	if !timedOut {
		if err := stream.Err(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return r, err
		}
	}

	r.text = text.String()
	r.thinking = thinking.String()
	if a.metrics != nil {
		a.metrics.LLMCallDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("model", a.cfg.Model)))
	}
	a.recordRound(ctx, r)

	promptTokens := 0
	for _, m := range req.Messages {
		promptTokens += pricing.EstimateTokens(m.Content)
	}
	a.wg.Add(1)
	go a.captureUsage(context.WithoutCancel(ctx), stream, r, promptTokens)
	return r, nil
}

func (a *Agent) emitToken(ctx context.Context, delta string) {
	if delta == "" {
		return
	}
	if a.cfg.Hooks.OnToken != nil {
		a.cfg.Hooks.OnToken(a.cfg.ID, delta)
	}
	if a.metrics != nil {
		a.metrics.StreamTokens.Add(ctx, int64(pricing.EstimateTokens(delta)))
	}
}

// recordRound persists the round's reasoning, text and structured tool
// calls under the in-flight message id.
func (a *Agent) recordRound(ctx context.Context, r round) {
	messageID := shared.MessageID(ctx)
	if r.thinking != "" {
		a.recordActivity(ctx, persistence.Activity{MessageID: messageID, Kind: persistence.ActivityReasoning, Content: r.thinking})
	}
	if r.text != "" {
		a.recordActivity(ctx, persistence.Activity{MessageID: messageID, Kind: persistence.ActivityText, Content: r.text})
	}
	for _, c := range r.toolCalls {
		act := persistence.Activity{
			MessageID: messageID,
			Kind:      persistence.ActivityToolCall,
			ToolName:  c.Name,
			ToolArgs:  encodeArgs(c.Args),
		}
		for _, res := range r.toolResults {
			if res.CallID == c.ID {
				act.ToolResult = res.Output
				break
			}
		}
		a.recordActivity(ctx, act)
	}
}

func (a *Agent) recordActivity(ctx context.Context, act persistence.Activity) {
	if a.cfg.Activity == nil {
		return
	}
	act.AgentID = a.cfg.ID
	act.ProjectID = shared.ProjectID(ctx)
	if act.ProjectID == "" {
		act.ProjectID = a.cfg.ProjectID
	}
	if err := a.cfg.Activity.RecordActivity(context.WithoutCancel(ctx), act); err != nil {
		shared.Logger(ctx, a.logger).Warn("record activity failed", "kind", act.Kind, "error", err)
	}
}

// captureUsage waits for the stream's token totals off the hot path and
// records them with an estimated cost. Failures are logged only.
func (a *Agent) captureUsage(ctx context.Context, stream llm.Stream, r round, promptTokens int) {
	defer a.wg.Done()
	logger := shared.Logger(ctx, a.logger)
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("usage capture panicked", "panic", fmt.Sprint(rec))
		}
	}()

	waitCtx, cancel := context.WithTimeout(ctx, usageWait)
	defer cancel()
	u, err := stream.Usage(waitCtx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.Debug("usage unavailable", "error", err)
		}
		return
	}
	if u.InputTokens == 0 && u.OutputTokens == 0 {
		u.InputTokens = promptTokens
		u.OutputTokens = pricing.EstimateTokens(r.text) + pricing.EstimateTokens(r.thinking)
	}
	cost := pricing.EstimateCost(a.cfg.Model, u.InputTokens, u.OutputTokens)

	if a.metrics != nil {
		attrs := metric.WithAttributes(attribute.String("model", a.cfg.Model))
		a.metrics.TokensUsed.Add(ctx, int64(u.InputTokens+u.OutputTokens), attrs)
		a.metrics.CostUSD.Add(ctx, cost, attrs)
	}
	if a.cfg.Activity == nil {
		return
	}
	projectID := shared.ProjectID(ctx)
	if projectID == "" {
		projectID = a.cfg.ProjectID
	}
	if err := a.cfg.Activity.RecordUsage(ctx, persistence.UsageRecord{
		MessageID:    shared.MessageID(ctx),
		AgentID:      a.cfg.ID,
		ProjectID:    projectID,
		Model:        a.cfg.Model,
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		CostUSD:      cost,
	}); err != nil {
		logger.Warn("record usage failed", "error", err)
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func joinThinking(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n")
}

func encodeArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprint(args)
	}
	return string(raw)
}
