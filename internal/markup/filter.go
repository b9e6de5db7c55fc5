package markup

import "strings"

// Filter sits between a token stream and its observers. It passes prose
// through, holds back any tail that could be the start of a marker, and
// swallows everything from the first marker on.
type Filter struct {
	pending   string
	triggered bool
}

// Push feeds one streamed delta and returns the text safe to show now.
func (f *Filter) Push(delta string) string {
	if f.triggered {
		return ""
	}
	f.pending += delta
	if i := Index(f.pending); i >= 0 {
		f.triggered = true
		visible := f.pending[:i]
		f.pending = ""
		return visible
	}
	hold := holdFrom(f.pending)
	visible := f.pending[:hold]
	f.pending = f.pending[hold:]
	return visible
}

// Flush returns any held-back text once the stream has ended.
func (f *Filter) Flush() string {
	if f.triggered {
		return ""
	}
	out := f.pending
	f.pending = ""
	return out
}

// Triggered reports whether a marker has been seen.
func (f *Filter) Triggered() bool {
	return f.triggered
}

// holdFrom returns the offset of the earliest suffix of s that is a proper
// prefix of some marker, or len(s) when nothing needs holding.
func holdFrom(s string) int {
	from := len(s) - maxMarkerLen + 1
	if from < 0 {
		from = 0
	}
	for i := from; i < len(s); i++ {
		if s[i] != '<' {
			continue
		}
		if isMarkerPrefix(s[i:]) {
			return i
		}
	}
	return len(s)
}

func isMarkerPrefix(s string) bool {
	for _, m := range markers {
		if len(s) < len(m) && strings.HasPrefix(m, s) {
			return true
		}
	}
	return false
}
