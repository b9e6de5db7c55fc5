// Package safety screens text crossing the trust boundary: operator
// directives going into the team lead and worker reports coming back out.
package safety

import (
	"fmt"
	"regexp"
	"strings"
)

type Action int

const (
	Allow Action = iota
	Warn
	Block
)

func (a Action) String() string {
	switch a {
	case Warn:
		return "warn"
	case Block:
		return "block"
	default:
		return "allow"
	}
}

// Verdict is the outcome of screening a directive.
type Verdict struct {
	Action Action
	Reason string
}

// Err returns an error for Block verdicts.
func (v Verdict) Err() error {
	if v.Action == Block {
		return fmt.Errorf("directive refused: %s", v.Reason)
	}
	return nil
}

type injectionPattern struct {
	re     *regexp.Regexp
	action Action
	reason string
}

// First match wins, so blocking patterns come before warnings.
var injectionPatterns = []injectionPattern{
	{
		re:     regexp.MustCompile(`(?i)\b(ignore\s+(all\s+)?(previous|above|prior)\s+(instructions?|prompts?|rules?))\b`),
		action: Block,
		reason: "role manipulation: ignore previous instructions",
	},
	{
		re:     regexp.MustCompile(`(?i)\b(you\s+are\s+now\s+(a|an|the)\s+\w+)`),
		action: Block,
		reason: "role manipulation: identity override",
	},
	{
		re:     regexp.MustCompile(`(?i)\b(override\s+(system\s+)?prompt|system\s+prompt\s+override)\b`),
		action: Block,
		reason: "role manipulation: system prompt override",
	},
	{
		re:     regexp.MustCompile(`(?i)\b(reveal|print|output|repeat)\s+(\w+\s+)?(your\s+)?system\s+(prompt|instructions?)\b`),
		action: Block,
		reason: "prompt leaking: system prompt extraction",
	},
	{
		re:     regexp.MustCompile(`(?i)\b(move|reopen|revive)\s+(all\s+)?(the\s+)?done\s+tasks?\b`),
		action: Warn,
		reason: "board manipulation: done tasks are terminal",
	},
	{
		re:     regexp.MustCompile(`(?i)\[\s*SYSTEM\s*\]`),
		action: Warn,
		reason: "injection marker: [SYSTEM] tag",
	},
	{
		re:     regexp.MustCompile(`(?i)<\s*\|?\s*(system|im_start|im_end)\s*\|?\s*>`),
		action: Warn,
		reason: "injection marker: chat template tag",
	},
}

// ScreenDirective checks a directive before it reaches the team lead model.
func ScreenDirective(text string) Verdict {
	if strings.TrimSpace(text) == "" {
		return Verdict{Action: Allow}
	}
	for _, p := range injectionPatterns {
		if p.re.MatchString(text) {
			return Verdict{Action: p.action, Reason: p.reason}
		}
	}
	return Verdict{Action: Allow}
}
