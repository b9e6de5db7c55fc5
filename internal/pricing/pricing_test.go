package pricing

import "testing"

func TestEstimateCost_KnownModel(t *testing.T) {
	cost := EstimateCost("gpt-4o", 1000, 500)
	if cost < 0.007 || cost > 0.008 {
		t.Fatalf("expected ~0.0075, got %f", cost)
	}
}

func TestEstimateCost_UnknownModel(t *testing.T) {
	if cost := EstimateCost("unknown-model-xyz", 1000, 500); cost != 0.0 {
		t.Fatalf("expected 0.0 for unknown model, got %f", cost)
	}
}

func TestLookup_PrefixAndVariants(t *testing.T) {
	p, ok := Lookup("anthropic/claude-sonnet-4-5-20250929")
	if !ok || p.PromptPer1M != 3.00 {
		t.Fatalf("expected sonnet pricing, got %+v ok=%v", p, ok)
	}
	// Longest base wins: gemini-2.5-flash-lite must not resolve to gemini-2.5-flash.
	p, ok = Lookup("googleai/gemini-2.5-flash-lite")
	if !ok || p.PromptPer1M != 0.10 {
		t.Fatalf("expected flash-lite pricing, got %+v ok=%v", p, ok)
	}
	if _, ok := Lookup("moonshotai/Kimi-K2-Instruct"); !ok {
		t.Fatal("expected kimi variant to resolve")
	}
}

func TestRegister_Override(t *testing.T) {
	Register("my-local-model", ModelPricing{PromptPer1M: 1, CompletionPer1M: 2})
	cost := EstimateCost("openai/my-local-model", 1_000_000, 1_000_000)
	if cost != 3 {
		t.Fatalf("expected 3, got %f", cost)
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{"empty string", "", 0},
		{"single word", "hello", 1},
		{"paragraph", "The quick brown fox jumps over the lazy dog near the river bank", 17},
		{"code snippet", `func main() { fmt.Println("hello") }`, 9},
		{"CJK text", "你好世界欢迎光临", 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimateTokens(tt.content); got != tt.want {
				t.Fatalf("EstimateTokens(%q) = %d, want %d", tt.content, got, tt.want)
			}
		})
	}
}
