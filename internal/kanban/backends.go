package kanban

import (
	"regexp"
	"strings"
)

// Backend is the kind of worker a task is handed to.
type Backend string

const (
	BackendCoder      Backend = "coder"
	BackendOpenCode   Backend = "opencode"
	BackendClaudeCode Backend = "claude_code"
	BackendCodex      Backend = "codex"
	BackendBrowser    Backend = "browser"
)

// IsCodingBackend reports whether workers on b count toward the worker cap.
func IsCodingBackend(b Backend) bool {
	return b != BackendBrowser
}

// BackendFlags enables external coding agents.
type BackendFlags struct {
	OpenCode   bool
	ClaudeCode bool
	Codex      bool
}

// Enabled returns the enabled external backends, highest precedence first.
func (f BackendFlags) Enabled() []Backend {
	var out []Backend
	if f.OpenCode {
		out = append(out, BackendOpenCode)
	}
	if f.ClaudeCode {
		out = append(out, BackendClaudeCode)
	}
	if f.Codex {
		out = append(out, BackendCodex)
	}
	return out
}

var browserTask = regexp.MustCompile(`(?i)\b(browser|browse|web ?page|website|screenshot|click|navigate|desktop|gui)\b`)

// SelectBackend picks the backend for a task. Browser or desktop work goes
// to the browser worker whatever the flags say; otherwise the first enabled
// external backend wins, falling back to the in-house coder.
func SelectBackend(title, description string, flags BackendFlags) Backend {
	if browserTask.MatchString(title) || browserTask.MatchString(description) {
		return BackendBrowser
	}
	if enabled := flags.Enabled(); len(enabled) > 0 {
		return enabled[0]
	}
	return BackendCoder
}

// RegistryEntry describes a worker kind the team lead may hand work to.
type RegistryEntry struct {
	Name        Backend `json:"name"`
	Description string  `json:"description"`
}

var backendDescriptions = map[Backend]string{
	BackendCoder:      "In-house coding worker with file and shell tools.",
	BackendOpenCode:   "OpenCode CLI agent for repository-scale coding work.",
	BackendClaudeCode: "Claude Code CLI agent for repository-scale coding work.",
	BackendCodex:      "Codex CLI agent for repository-scale coding work.",
	BackendBrowser:    "Browser and desktop automation worker for web pages and GUIs.",
}

// SearchRegistry lists the worker kinds visible under the current flags,
// filtered case-insensitively by query on name and description. The
// in-house coder is hidden whenever an external backend is enabled.
func (s *Scheduler) SearchRegistry(query string) []RegistryEntry {
	return searchRegistry(query, s.backendFlags())
}

func searchRegistry(query string, flags BackendFlags) []RegistryEntry {
	visible := flags.Enabled()
	if len(visible) == 0 {
		visible = []Backend{BackendCoder}
	}
	visible = append(visible, BackendBrowser)

	q := strings.ToLower(strings.TrimSpace(query))
	out := make([]RegistryEntry, 0, len(visible))
	for _, b := range visible {
		e := RegistryEntry{Name: b, Description: backendDescriptions[b]}
		if q != "" &&
			!strings.Contains(strings.ToLower(string(e.Name)), q) &&
			!strings.Contains(strings.ToLower(e.Description), q) {
			continue
		}
		out = append(out, e)
	}
	return out
}
