// Package doctor runs preflight checks for the crew daemon.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/go-crew/internal/config"
	"github.com/basket/go-crew/internal/cron"
	"github.com/basket/go-crew/internal/persistence"
)

type Status string

const (
	Pass Status = "PASS"
	Warn Status = "WARN"
	Fail Status = "FAIL"
	Skip Status = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == Fail {
			return true
		}
	}
	return false
}

// Check is one diagnostic. cfg is nil when the config could not be loaded.
type Check func(ctx context.Context, cfg *config.Config) CheckResult

// DefaultChecks are the checks Run performs. Network is last because it is
// the only one that leaves the machine.
var DefaultChecks = []Check{
	checkConfig,
	checkAPIKey,
	checkDatabase,
	checkPermissions,
	checkSchedule,
	checkBackends,
	checkNetwork,
}

// Run executes checks in order, or DefaultChecks when none are given.
func Run(ctx context.Context, cfg *config.Config, version string, checks ...Check) Diagnosis {
	if len(checks) == 0 {
		checks = DefaultChecks
	}
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: Fail, Message: "Configuration not loaded"}
	}
	path := config.ConfigPath(cfg.HomeDir)
	if _, err := os.Stat(path); err != nil {
		return CheckResult{Name: "Config", Status: Warn, Message: "No config.yaml, using defaults", Detail: path}
	}
	return CheckResult{Name: "Config", Status: Pass, Message: fmt.Sprintf("Loaded from %s", path), Detail: cfg.Fingerprint()}
}

var apiKeyEnv = map[string]string{
	"google":            "GEMINI_API_KEY",
	"anthropic":         "ANTHROPIC_API_KEY",
	"openai":            "OPENAI_API_KEY",
	"openai_compatible": "OPENAI_API_KEY",
	"openrouter":        "OPENROUTER_API_KEY",
}

func checkAPIKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "API Key", Status: Skip, Message: "Config missing"}
	}
	if cfg.LLMAPIKey() != "" {
		return CheckResult{Name: "API Key", Status: Pass, Message: fmt.Sprintf("Key configured for %s", cfg.LLM.Provider)}
	}
	if cfg.LLM.Provider == "openai_compatible" {
		return CheckResult{Name: "API Key", Status: Warn, Message: "No key set; fine for local endpoints", Detail: cfg.LLM.BaseURL}
	}
	return CheckResult{
		Name:    "API Key",
		Status:  Fail,
		Message: fmt.Sprintf("No key for %s provider", cfg.LLM.Provider),
		Detail:  fmt.Sprintf("Set %s or llm.api_key in config.yaml", apiKeyEnv[cfg.LLM.Provider]),
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: Skip, Message: "Config missing"}
	}
	path := cfg.ResolvedDBPath()
	store, err := persistence.Open(path)
	if err != nil {
		return CheckResult{Name: "Database", Status: Fail, Message: fmt.Sprintf("Open failed: %v", err), Detail: path}
	}
	defer store.Close()
	v, err := store.SchemaVersion(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: Fail, Message: fmt.Sprintf("Query failed: %v", err), Detail: path}
	}
	return CheckResult{Name: "Database", Status: Pass, Message: fmt.Sprintf("Schema version %d", v), Detail: path}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: Skip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: Fail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: Pass, Message: "Home directory writable"}
}

func checkSchedule(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Sweep", Status: Skip, Message: "Config missing"}
	}
	next, err := cron.NextRunTime(cfg.Scheduler.SweepSchedule, time.Now())
	if err != nil {
		return CheckResult{Name: "Sweep", Status: Fail, Message: err.Error()}
	}
	return CheckResult{
		Name:    "Sweep",
		Status:  Pass,
		Message: fmt.Sprintf("%q, next run %s", cfg.Scheduler.SweepSchedule, next.Format(time.RFC3339)),
		Detail:  fmt.Sprintf("max_workers=%d max_retries=%d", cfg.Scheduler.MaxConcurrentWorkers, cfg.Scheduler.MaxTaskRetries),
	}
}

// lookPath is swapped in tests.
var lookPath = exec.LookPath

func checkBackends(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Backends", Status: Skip, Message: "Config missing"}
	}
	wanted := []struct {
		enabled bool
		bin     string
	}{
		{cfg.Backends.OpenCode, "opencode"},
		{cfg.Backends.ClaudeCode, "claude"},
		{cfg.Backends.Codex, "codex"},
	}
	var details []string
	status := Pass
	for _, w := range wanted {
		if !w.enabled {
			continue
		}
		if _, err := lookPath(w.bin); err != nil {
			details = append(details, w.bin+": missing")
			status = Warn
		} else {
			details = append(details, w.bin+": ok")
		}
	}
	if len(details) == 0 {
		return CheckResult{Name: "Backends", Status: Pass, Message: "No external backends enabled, workers use the built-in coder"}
	}
	return CheckResult{
		Name:    "Backends",
		Status:  status,
		Message: fmt.Sprintf("Checked %d backend CLIs", len(details)),
		Detail:  strings.Join(details, ", "),
	}
}

var providerHosts = map[string]string{
	"google":     "generativelanguage.googleapis.com",
	"anthropic":  "api.anthropic.com",
	"openai":     "api.openai.com",
	"openrouter": "openrouter.ai",
}

func providerHost(cfg *config.Config) string {
	if cfg.LLM.BaseURL != "" {
		if u, err := url.Parse(cfg.LLM.BaseURL); err == nil && u.Hostname() != "" {
			return u.Hostname()
		}
	}
	if h, ok := providerHosts[cfg.LLM.Provider]; ok {
		return h
	}
	return providerHosts["anthropic"]
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: Skip, Message: "Config missing"}
	}
	host := providerHost(cfg)

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  Fail,
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("provider=%s, latency=%dms", cfg.LLM.Provider, latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  Pass,
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("provider=%s", cfg.LLM.Provider),
	}
}
