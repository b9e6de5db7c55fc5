package markup

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParse_ToolCallTags(t *testing.T) {
	text := "Let me check.\n<tool_call>{\"name\": \"list_tasks\", \"arguments\": {\"column\": \"backlog\"}}</tool_call>\n" +
		"<tool_call>{\"name\":\"search_registry\",\"arguments\":\"{\\\"query\\\":\\\"code\\\"}\"}</tool_call>"

	clean, calls := Parse(text)
	if clean != "Let me check." {
		t.Fatalf("clean = %q", clean)
	}
	want := []Call{
		{ID: "call_0", Name: "list_tasks", Args: map[string]any{"column": "backlog"}},
		{ID: "call_1", Name: "search_registry", Args: map[string]any{"query": "code"}},
	}
	if diff := cmp.Diff(want, calls); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestParse_UnterminatedToolCall(t *testing.T) {
	clean, calls := Parse(`ok <tool_call>{"name": "list_tasks", "arguments": {}}`)
	if clean != "ok" {
		t.Fatalf("clean = %q", clean)
	}
	if len(calls) != 1 || calls[0].Name != "list_tasks" {
		t.Fatalf("calls = %+v", calls)
	}
}

func TestParse_KimiSection(t *testing.T) {
	text := "Working on it." +
		"<|tool_calls_section_begin|>" +
		"<|tool_call_begin|>functions.update_kanban_task:0<|tool_call_argument_begin|>{\"task_id\": \"t1\", \"column\": \"done\"}<|tool_call_end|>" +
		"<|tool_call_begin|>functions.list_tasks:1<|tool_call_argument_begin|>{}<|tool_call_end|>" +
		"<|tool_calls_section_end|>"

	clean, calls := Parse(text)
	if clean != "Working on it." {
		t.Fatalf("clean = %q", clean)
	}
	want := []Call{
		{ID: "functions.update_kanban_task:0", Name: "update_kanban_task", Args: map[string]any{"task_id": "t1", "column": "done"}},
		{ID: "functions.list_tasks:1", Name: "list_tasks", Args: map[string]any{}},
	}
	if diff := cmp.Diff(want, calls); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestParse_InvokeDialect(t *testing.T) {
	text := "Creating.\n<minimax:tool_call>\n<invoke name=\"create_task\">\n" +
		"<parameter name=\"title\">Write docs</parameter>\n" +
		"<parameter name=\"position\">4</parameter>\n" +
		"<parameter name=\"blocked_by\">[\"t1\"]</parameter>\n" +
		"</invoke>\n</minimax:tool_call>"

	clean, calls := Parse(text)
	if clean != "Creating." {
		t.Fatalf("clean = %q", clean)
	}
	want := []Call{{
		ID:   "call_0",
		Name: "create_task",
		Args: map[string]any{"title": "Write docs", "position": float64(4), "blocked_by": []any{"t1"}},
	}}
	if diff := cmp.Diff(want, calls); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestParse_MalformedYieldsNoCalls(t *testing.T) {
	for _, text := range []string{
		"<tool_call>not json</tool_call>",
		`<tool_call>{"arguments": {}}</tool_call>`,
		"<|tool_call_begin|>functions.x:0",
	} {
		if _, calls := Parse(text); len(calls) != 0 {
			t.Fatalf("Parse(%q) = %+v, want no calls", text, calls)
		}
	}
}

func TestParse_PlainText(t *testing.T) {
	clean, calls := Parse("  just prose with a < sign  ")
	if clean != "just prose with a < sign" || len(calls) != 0 {
		t.Fatalf("clean=%q calls=%+v", clean, calls)
	}
	if Contains("a < b") {
		t.Fatal("plain comparison should not count as markup")
	}
	if !Contains("x <invoke name=\"y\">") {
		t.Fatal("invoke should count as markup")
	}
}

func TestFilter_PassesProse(t *testing.T) {
	var f Filter
	var out strings.Builder
	for _, d := range []string{"Hello", ", ", "world", " a<b"} {
		out.WriteString(f.Push(d))
	}
	out.WriteString(f.Flush())
	if out.String() != "Hello, world a<b" {
		t.Fatalf("output = %q", out.String())
	}
	if f.Triggered() {
		t.Fatal("filter should not trigger on prose")
	}
}

func TestFilter_HoldsBackPartialMarker(t *testing.T) {
	var f Filter
	if got := f.Push("Sure <tool"); got != "Sure " {
		t.Fatalf("first push = %q, want %q", got, "Sure ")
	}
	if got := f.Push("_ca"); got != "" {
		t.Fatalf("second push = %q, want held", got)
	}
	if got := f.Push(`ll>{"name":"x"}`); got != "" {
		t.Fatalf("third push = %q, want swallowed", got)
	}
	if !f.Triggered() {
		t.Fatal("expected trigger")
	}
	if got := f.Push(" trailing prose"); got != "" {
		t.Fatalf("post-trigger push leaked %q", got)
	}
	if got := f.Flush(); got != "" {
		t.Fatalf("flush after trigger = %q", got)
	}
}

func TestFilter_ReleasesFalseAlarm(t *testing.T) {
	var f Filter
	if got := f.Push("x <to"); got != "x " {
		t.Fatalf("push = %q", got)
	}
	if got := f.Push("p secret>"); got != "<top secret>" {
		t.Fatalf("push = %q", got)
	}
}

func TestFilter_KimiMarkerSplitAcrossChunks(t *testing.T) {
	var f Filter
	visible := f.Push("Done.<|tool_calls_sec")
	visible += f.Push("tion_begin|><|tool_call_begin|>functions.x:0")
	if visible != "Done." {
		t.Fatalf("visible = %q", visible)
	}
	if !f.Triggered() {
		t.Fatal("expected trigger")
	}
}
