package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"

	"github.com/basket/go-crew/internal/shared"
	"github.com/basket/go-crew/internal/tools"
)

const (
	defaultMaxToolTurns = 5
	openRouterBaseURL   = "https://openrouter.ai/api/v1"
)

// GenkitConfig selects the provider plugin behind a GenkitProvider.
type GenkitConfig struct {
	// Provider is one of google, anthropic, openai, openai_compatible, openrouter.
	Provider           string
	Model              string
	APIKey             string
	BaseURL            string
	CompatibleProvider string
	// MaxToolTurns caps structured tool round-trips genkit runs per stream.
	MaxToolTurns int
}

// GenkitProvider streams through a genkit instance. Registry tools are
// defined on the instance once per name; each stream binds the registry that
// executes them through its context.
type GenkitProvider struct {
	g        *genkit.Genkit
	provider string
	model    string
	maxTurns int
	logger   *slog.Logger

	mu    sync.Mutex
	tools map[string]ai.ToolRef
}

var _ Provider = (*GenkitProvider)(nil)

func NewGenkitProvider(ctx context.Context, cfg GenkitConfig, logger *slog.Logger) (*GenkitProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("llm: no API key for provider %q", provider)
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelForProvider(provider)
	}
	if model == "" {
		return nil, fmt.Errorf("llm: provider %q requires an explicit model", provider)
	}

	var g *genkit.Genkit
	switch provider {
	case "anthropic":
		g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
			APIKey:  apiKey,
			BaseURL: cfg.BaseURL,
		}))
	case "openai":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai",
			APIKey:   apiKey,
			BaseURL:  cfg.BaseURL,
		}))
	case "openai_compatible":
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("llm: openai_compatible requires a base URL")
		}
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: cfg.CompatibleProvider,
			APIKey:   apiKey,
			BaseURL:  cfg.BaseURL,
		}))
	case "openrouter":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = openRouterBaseURL
		}
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openrouter",
			APIKey:   apiKey,
			BaseURL:  baseURL,
		}))
	case "google":
		_ = os.Setenv("GEMINI_API_KEY", apiKey)
		g = genkit.Init(ctx,
			genkit.WithPlugins(&googlegenai.GoogleAI{}),
			genkit.WithDefaultModel(modelNameForProvider(provider, model)),
		)
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", provider)
	}

	maxTurns := cfg.MaxToolTurns
	if maxTurns <= 0 {
		maxTurns = defaultMaxToolTurns
	}
	logger.Info("llm provider initialized", "provider", provider, "model", modelNameForProvider(provider, model))
	return &GenkitProvider{
		g:        g,
		provider: provider,
		model:    model,
		maxTurns: maxTurns,
		logger:   logger,
		tools:    make(map[string]ai.ToolRef),
	}, nil
}

// Model returns the default model id (without provider prefix).
func (p *GenkitProvider) Model() string {
	return p.model
}

func (p *GenkitProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	opts := []ai.GenerateOption{ai.WithModelName(modelNameForProvider(p.provider, model))}

	system, msgs := toGenkitMessages(req.Messages)
	if system != "" {
		// WithSystem formats its text; escape literal percent signs.
		opts = append(opts, ai.WithSystem(strings.ReplaceAll(system, "%", "%%")))
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("llm: request has no conversation messages")
	}
	opts = append(opts, ai.WithMessages(msgs...))

	pipe := NewPipe(16)
	if req.Tools.Len() > 0 {
		opts = append(opts, ai.WithTools(p.toolRefs(req.Tools)...), ai.WithMaxTurns(p.maxTurns))
		ctx = context.WithValue(ctx, toolRunKey{}, &toolRun{registry: req.Tools, pipe: pipe})
	}

	go p.run(ctx, pipe, opts)
	return pipe, nil
}

func (p *GenkitProvider) run(ctx context.Context, pipe *Pipe, opts []ai.GenerateOption) {
	var usage Usage
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("genkit stream panic: %v", r)
		}
		pipe.Close(usage, err)
	}()

	sawText := false
	for streamVal, serr := range genkit.GenerateStream(ctx, p.g, opts...) {
		if serr != nil {
			err = fmt.Errorf("stream error: %w", serr)
			return
		}
		if streamVal.Chunk != nil {
			for _, part := range streamVal.Chunk.Content {
				if part.Text == "" {
					continue
				}
				var c Chunk
				switch part.Kind {
				case ai.PartText:
					sawText = true
					c = Chunk{Kind: ChunkText, Text: part.Text}
				case ai.PartReasoning:
					c = Chunk{Kind: ChunkReasoning, Text: part.Text}
				default:
					continue
				}
				if !pipe.Send(ctx, c) {
					err = ctx.Err()
					return
				}
			}
		}
		if streamVal.Done && streamVal.Response != nil {
			if !sawText {
				if text := streamVal.Response.Text(); text != "" && !pipe.Send(ctx, Chunk{Kind: ChunkText, Text: text}) {
					err = ctx.Err()
					return
				}
			}
			if u := streamVal.Response.Usage; u != nil {
				usage = Usage{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens}
			}
		}
	}
}

type toolRunKey struct{}

// toolRun binds one stream's registry and chunk sink to the shared tool definitions.
type toolRun struct {
	registry *tools.Registry
	pipe     *Pipe
}

func (p *GenkitProvider) toolRefs(reg *tools.Registry) []ai.ToolRef {
	p.mu.Lock()
	defer p.mu.Unlock()
	list := reg.List()
	refs := make([]ai.ToolRef, 0, len(list))
	for _, t := range list {
		ref, ok := p.tools[t.Name]
		if !ok {
			ref = p.defineTool(t)
			p.tools[t.Name] = ref
		}
		refs = append(refs, ref)
	}
	return refs
}

func (p *GenkitProvider) defineTool(t tools.Tool) ai.ToolRef {
	name := t.Name
	desc := t.Description
	if len(t.Schema) > 0 {
		desc += "\nArguments JSON schema: " + string(t.Schema)
	}
	return genkit.DefineTool(p.g, name, desc,
		func(ctx *ai.ToolContext, input map[string]any) (string, error) {
			run, _ := ctx.Value(toolRunKey{}).(*toolRun)
			if run == nil {
				return fmt.Sprintf("error: tool %s is not available in this request", name), nil
			}
			call := ToolCall{ID: shared.NewID(), Name: name, Args: input}
			run.pipe.Send(ctx, Chunk{Kind: ChunkToolCall, ToolCall: &call})
			out, isErr := run.registry.Execute(ctx, name, input)
			run.pipe.Send(ctx, Chunk{Kind: ChunkToolResult, ToolResult: &ToolResult{
				CallID: call.ID, Name: name, Output: out, IsError: isErr,
			}})
			return out, nil
		})
}

// toGenkitMessages folds system entries into one system prompt and renders
// markup tool calls and results as text, which is how text-tool models
// expect to see them.
func toGenkitMessages(history []Message) (string, []*ai.Message) {
	var system []string
	var out []*ai.Message
	for _, m := range history {
		switch m.Role {
		case RoleSystem:
			if s := strings.TrimSpace(m.Content); s != "" {
				system = append(system, s)
			}
		case RoleUser:
			out = appendText(out, ai.RoleUser, m.Content)
		case RoleAssistant:
			out = appendText(out, ai.RoleModel, renderAssistant(m))
		case RoleTool:
			out = appendText(out, ai.RoleUser, renderToolResults(m))
		}
	}
	return strings.Join(system, "\n\n"), out
}

func appendText(msgs []*ai.Message, role ai.Role, text string) []*ai.Message {
	if strings.TrimSpace(text) == "" {
		return msgs
	}
	return append(msgs, &ai.Message{
		Role:    role,
		Content: []*ai.Part{ai.NewTextPart(text)},
	})
}

func renderAssistant(m Message) string {
	if len(m.ToolCalls) == 0 {
		return m.Content
	}
	var sb strings.Builder
	sb.WriteString(m.Content)
	for _, c := range m.ToolCalls {
		raw, err := json.Marshal(map[string]any{"name": c.Name, "arguments": c.Args})
		if err != nil {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("<tool_call>")
		sb.Write(raw)
		sb.WriteString("</tool_call>")
	}
	return sb.String()
}

func renderToolResults(m Message) string {
	if len(m.ToolResults) == 0 {
		return m.Content
	}
	var sb strings.Builder
	sb.WriteString("Tool results:\n")
	for _, r := range m.ToolResults {
		fmt.Fprintf(&sb, "[%s #%s]\n%s\n", r.Name, r.CallID, r.Output)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func defaultModelForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5"
	case "openai":
		return "gpt-4o"
	case "google":
		return "gemini-2.5-flash"
	}
	return ""
}

func modelNameForProvider(provider, model string) string {
	model = strings.TrimSpace(model)
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible", "openrouter":
		// Full names like "moonshotai/kimi-k2" pass through.
		return model
	default:
		return "googleai/" + model
	}
}
