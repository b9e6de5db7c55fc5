// Package markup detects and parses tool calls that some models write into
// their text output instead of using structured tool calling.
//
// Three dialects are understood:
//
//	<tool_call>{"name": "x", "arguments": {...}}</tool_call>
//	<|tool_calls_section_begin|><|tool_call_begin|>functions.x:0<|tool_call_argument_begin|>{...}<|tool_call_end|><|tool_calls_section_end|>
//	<minimax:tool_call><invoke name="x"><parameter name="k">v</parameter></invoke></minimax:tool_call>
package markup

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Call is one tool invocation recovered from text.
type Call struct {
	ID   string
	Name string
	Args map[string]any
}

const (
	tagToolCall      = "<tool_call>"
	tagToolCallEnd   = "</tool_call>"
	tagSectionBegin  = "<|tool_calls_section_begin|>"
	tagSectionEnd    = "<|tool_calls_section_end|>"
	tagCallBegin     = "<|tool_call_begin|>"
	tagArgumentBegin = "<|tool_call_argument_begin|>"
	tagCallEnd       = "<|tool_call_end|>"
	tagMinimax       = "<minimax:tool_call>"
	tagMinimaxEnd    = "</minimax:tool_call>"
	tagInvoke        = "<invoke name="
	tagInvokeEnd     = "</invoke>"
)

// markers are the onset sequences; seeing any one means the rest of the
// output is protocol, not prose.
var markers = []string{tagToolCall, tagSectionBegin, tagCallBegin, tagMinimax, tagInvoke}

var maxMarkerLen = func() int {
	n := 0
	for _, m := range markers {
		if len(m) > n {
			n = len(m)
		}
	}
	return n
}()

var (
	invokeRe    = regexp.MustCompile(`(?s)<invoke name=["']?([^"'>\s]+)["']?\s*>(.*?)(?:</invoke>|$)`)
	parameterRe = regexp.MustCompile(`(?s)<parameter name=["']?([^"'>\s]+)["']?\s*>(.*?)</parameter>`)
)

// Index returns the byte offset of the earliest marker in text, or -1.
func Index(text string) int {
	best := -1
	for _, m := range markers {
		if i := strings.Index(text, m); i >= 0 && (best < 0 || i < best) {
			best = i
		}
	}
	return best
}

// Contains reports whether text holds any tool-call markup.
func Contains(text string) bool {
	return Index(text) >= 0
}

// Parse splits text into the prose around the markup and the calls it
// encodes. Blocks that fail to parse are dropped from clean but yield no
// call, so a caller seeing zero calls should fall back to the raw text.
func Parse(text string) (clean string, calls []Call) {
	rest := text
	rest, calls = parseToolCallTags(rest, calls)
	rest, calls = parseSections(rest, calls)
	rest, calls = parseInvokes(rest, calls)
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = fmt.Sprintf("call_%d", i)
		}
		if calls[i].Args == nil {
			calls[i].Args = map[string]any{}
		}
	}
	return tidy(rest), calls
}

func parseToolCallTags(text string, calls []Call) (string, []Call) {
	var out strings.Builder
	for {
		start := strings.Index(text, tagToolCall)
		if start < 0 {
			out.WriteString(text)
			break
		}
		out.WriteString(text[:start])
		body := text[start+len(tagToolCall):]
		end := strings.Index(body, tagToolCallEnd)
		next := ""
		if end >= 0 {
			next = body[end+len(tagToolCallEnd):]
			body = body[:end]
		}
		if c, ok := decodeJSONCall(body); ok {
			calls = append(calls, c)
		}
		text = next
	}
	return out.String(), calls
}

func decodeJSONCall(body string) (Call, bool) {
	i := strings.IndexByte(body, '{')
	if i < 0 {
		return Call{}, false
	}
	raw := extractBalanced(body[i:])
	if raw == "" {
		return Call{}, false
	}
	var payload struct {
		ID         string          `json:"id"`
		Name       string          `json:"name"`
		Arguments  json.RawMessage `json:"arguments"`
		Parameters json.RawMessage `json:"parameters"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil || strings.TrimSpace(payload.Name) == "" {
		return Call{}, false
	}
	args := payload.Arguments
	if len(args) == 0 {
		args = payload.Parameters
	}
	parsed, ok := decodeArgs(args)
	if !ok {
		return Call{}, false
	}
	return Call{ID: payload.ID, Name: strings.TrimSpace(payload.Name), Args: parsed}, true
}

// decodeArgs accepts an object or a JSON string holding an object.
func decodeArgs(raw json.RawMessage) (map[string]any, bool) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return map[string]any{}, true
	}
	if strings.HasPrefix(trimmed, `"`) {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, false
		}
		trimmed = strings.TrimSpace(inner)
		if trimmed == "" {
			return map[string]any{}, true
		}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(trimmed), &args); err != nil {
		return nil, false
	}
	return args, true
}

func parseSections(text string, calls []Call) (string, []Call) {
	var out strings.Builder
	for {
		sectionStart := strings.Index(text, tagSectionBegin)
		callStart := strings.Index(text, tagCallBegin)
		if sectionStart < 0 && callStart < 0 {
			out.WriteString(text)
			break
		}
		// A bare call block without the section wrapper is accepted too.
		start := sectionStart
		if start < 0 || (callStart >= 0 && callStart < start) {
			start = callStart
		}
		out.WriteString(text[:start])
		body := text[start:]
		end := strings.Index(body, tagSectionEnd)
		next := ""
		if end >= 0 {
			next = body[end+len(tagSectionEnd):]
			body = body[:end]
		}
		calls = append(calls, parseSectionCalls(body)...)
		text = next
	}
	return out.String(), calls
}

func parseSectionCalls(section string) []Call {
	var calls []Call
	for {
		i := strings.Index(section, tagCallBegin)
		if i < 0 {
			return calls
		}
		section = section[i+len(tagCallBegin):]
		j := strings.Index(section, tagArgumentBegin)
		if j < 0 {
			return calls
		}
		header := strings.TrimSpace(section[:j])
		section = section[j+len(tagArgumentBegin):]
		argText := section
		if k := strings.Index(section, tagCallEnd); k >= 0 {
			argText = section[:k]
			section = section[k+len(tagCallEnd):]
		} else {
			section = ""
		}
		name := functionName(header)
		if name == "" {
			continue
		}
		args, ok := decodeArgs(json.RawMessage(strings.TrimSpace(argText)))
		if !ok {
			continue
		}
		calls = append(calls, Call{ID: header, Name: name, Args: args})
	}
}

// functionName turns "functions.list_tasks:0" into "list_tasks".
func functionName(header string) string {
	name := strings.TrimPrefix(header, "functions.")
	if i := strings.LastIndexByte(name, ':'); i >= 0 {
		name = name[:i]
	}
	return strings.TrimSpace(name)
}

func parseInvokes(text string, calls []Call) (string, []Call) {
	if !strings.Contains(text, tagInvoke) {
		return text, calls
	}
	for _, m := range invokeRe.FindAllStringSubmatch(text, -1) {
		args := map[string]any{}
		for _, p := range parameterRe.FindAllStringSubmatch(m[2], -1) {
			args[p[1]] = parameterValue(p[2])
		}
		calls = append(calls, Call{Name: m[1], Args: args})
	}
	text = invokeRe.ReplaceAllString(text, "")
	text = strings.ReplaceAll(text, tagMinimax, "")
	text = strings.ReplaceAll(text, tagMinimaxEnd, "")
	return text, calls
}

// parameterValue decodes JSON scalars and objects and keeps anything else as text.
func parameterValue(raw string) any {
	v := strings.TrimSpace(raw)
	if v == "" {
		return ""
	}
	switch v[0] {
	case '{', '[', '"':
	default:
		if v != "true" && v != "false" && v != "null" && !looksNumeric(v) {
			return v
		}
	}
	var out any
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return v
	}
	return out
}

func looksNumeric(s string) bool {
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9', r == '.', r == 'e', r == 'E', r == '+':
		case r == '-' && i == 0:
		case r == '-' && i > 0 && (s[i-1] == 'e' || s[i-1] == 'E'):
		default:
			return false
		}
	}
	return true
}

var blankLines = regexp.MustCompile(`\n{3,}`)

func tidy(s string) string {
	return strings.TrimSpace(blankLines.ReplaceAllString(s, "\n\n"))
}

// extractBalanced returns the balanced JSON object or array at the start of s.
func extractBalanced(s string) string {
	if len(s) == 0 {
		return ""
	}
	open := s[0]
	var closer byte
	switch open {
	case '{':
		closer = '}'
	case '[':
		closer = ']'
	default:
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		if ch == open {
			depth++
		} else if ch == closer {
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}
