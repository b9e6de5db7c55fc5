package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/go-crew/internal/otel"
)

// LLMConfig selects the inference provider used by every agent.
type LLMConfig struct {
	// Provider is one of google, anthropic, openai, openai_compatible, openrouter.
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	// CompatibleProvider names the model prefix for openai_compatible endpoints.
	CompatibleProvider string `yaml:"compatible_provider"`
	// TextToolCalls forces text-markup tool invocation. Nil defers to the model table.
	TextToolCalls *bool `yaml:"text_tool_calls,omitempty"`
}

type RuntimeConfig struct {
	FirstChunkTimeoutSeconds int `yaml:"first_chunk_timeout_seconds"`
	ChunkTimeoutSeconds      int `yaml:"chunk_timeout_seconds"`
	RequestTimeoutSeconds    int `yaml:"request_timeout_seconds"`
	MaxMarkupDepth           int `yaml:"max_markup_depth"`
}

type SchedulerConfig struct {
	// MaxTaskRetries is reached at the increment: with 3, the third failed
	// in_progress -> backlog move forces the task to done.
	MaxTaskRetries       int    `yaml:"max_task_retries"`
	MaxConcurrentWorkers int    `yaml:"max_concurrent_workers"`
	SweepSchedule        string `yaml:"sweep_schedule"`
}

// BackendsConfig enables external agent delegation backends.
type BackendsConfig struct {
	OpenCode   bool `yaml:"opencode"`
	ClaudeCode bool `yaml:"claude_code"`
	Codex      bool `yaml:"codex"`
}

type ProjectConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	// ParentAgentID receives status messages from the project's team lead.
	ParentAgentID string `yaml:"parent_agent_id"`
}

// PriceOverride replaces or adds a pricing entry, in USD per million tokens.
type PriceOverride struct {
	PromptPer1M     float64 `yaml:"prompt_per_1m"`
	CompletionPer1M float64 `yaml:"completion_per_1m"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`

	LLM       LLMConfig                `yaml:"llm"`
	Runtime   RuntimeConfig            `yaml:"runtime"`
	Scheduler SchedulerConfig          `yaml:"scheduler"`
	Backends  BackendsConfig           `yaml:"backends"`
	Projects  []ProjectConfig          `yaml:"projects"`
	Pricing   map[string]PriceOverride `yaml:"pricing"`
	OTel      otel.Config              `yaml:"otel"`
}

const (
	DefaultMaxTaskRetries       = 3
	DefaultMaxConcurrentWorkers = 3
	DefaultSweepSchedule        = "@every 30s"
)

func (r RuntimeConfig) FirstChunkTimeout() time.Duration {
	return time.Duration(r.FirstChunkTimeoutSeconds) * time.Second
}

func (r RuntimeConfig) ChunkTimeout() time.Duration {
	return time.Duration(r.ChunkTimeoutSeconds) * time.Second
}

func (r RuntimeConfig) RequestTimeout() time.Duration {
	return time.Duration(r.RequestTimeoutSeconds) * time.Second
}

// ConfigPath returns the path to config.yaml within homeDir.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// ResolvedDBPath returns DBPath, or crew.db under the home directory.
func (c Config) ResolvedDBPath() string {
	if strings.TrimSpace(c.DBPath) != "" {
		return c.DBPath
	}
	return filepath.Join(c.HomeDir, "crew.db")
}

// LLMAPIKey returns the key for the configured provider. Provider env vars win over the file.
func (c Config) LLMAPIKey() string {
	envMap := map[string]string{
		"google":            "GEMINI_API_KEY",
		"anthropic":         "ANTHROPIC_API_KEY",
		"openai":            "OPENAI_API_KEY",
		"openai_compatible": "OPENAI_API_KEY",
		"openrouter":        "OPENROUTER_API_KEY",
	}
	if envVar, ok := envMap[c.LLM.Provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	return c.LLM.APIKey
}

// Fingerprint returns a stable hash of the settings that change runtime behavior.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "llm=%s/%s|rt=%d/%d/%d/%d|sched=%d/%d/%s|be=%v/%v/%v|projects=%d",
		c.LLM.Provider, c.LLM.Model,
		c.Runtime.FirstChunkTimeoutSeconds, c.Runtime.ChunkTimeoutSeconds, c.Runtime.RequestTimeoutSeconds, c.Runtime.MaxMarkupDepth,
		c.Scheduler.MaxTaskRetries, c.Scheduler.MaxConcurrentWorkers, c.Scheduler.SweepSchedule,
		c.Backends.OpenCode, c.Backends.ClaudeCode, c.Backends.Codex,
		len(c.Projects))
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		LLM: LLMConfig{
			Provider: "anthropic",
		},
		Runtime: RuntimeConfig{
			FirstChunkTimeoutSeconds: 30,
			ChunkTimeoutSeconds:      120,
			RequestTimeoutSeconds:    30,
			MaxMarkupDepth:           5,
		},
		Scheduler: SchedulerConfig{
			MaxTaskRetries:       DefaultMaxTaskRetries,
			MaxConcurrentWorkers: DefaultMaxConcurrentWorkers,
			SweepSchedule:        DefaultSweepSchedule,
		},
	}
}

// HomeDir returns CREW_HOME or ~/.crew.
func HomeDir() string {
	if override := os.Getenv("CREW_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".crew")
}

// Load reads config.yaml from the home directory and applies env overrides.
// A missing file yields the defaults.
func Load() (Config, error) {
	home := HomeDir()
	if err := os.MkdirAll(home, 0o755); err != nil {
		return defaultConfig(), fmt.Errorf("create crew home: %w", err)
	}
	return LoadFile(home, ConfigPath(home))
}

// LoadFile loads a specific config file, treating homeDir as the state directory.
func LoadFile(homeDir, path string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = "info"
	}
	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "anthropic"
	}
	if cfg.LLM.Provider == "gemini" {
		cfg.LLM.Provider = "google"
	}
	if cfg.Runtime.FirstChunkTimeoutSeconds <= 0 {
		cfg.Runtime.FirstChunkTimeoutSeconds = 30
	}
	if cfg.Runtime.ChunkTimeoutSeconds <= 0 {
		cfg.Runtime.ChunkTimeoutSeconds = 120
	}
	if cfg.Runtime.RequestTimeoutSeconds <= 0 {
		cfg.Runtime.RequestTimeoutSeconds = 30
	}
	if cfg.Runtime.MaxMarkupDepth <= 0 {
		cfg.Runtime.MaxMarkupDepth = 5
	}
	if cfg.Scheduler.MaxTaskRetries <= 0 {
		cfg.Scheduler.MaxTaskRetries = DefaultMaxTaskRetries
	}
	if cfg.Scheduler.MaxConcurrentWorkers <= 0 {
		cfg.Scheduler.MaxConcurrentWorkers = DefaultMaxConcurrentWorkers
	}
	if strings.TrimSpace(cfg.Scheduler.SweepSchedule) == "" {
		cfg.Scheduler.SweepSchedule = DefaultSweepSchedule
	}
}

func validate(cfg Config) error {
	switch cfg.LLM.Provider {
	case "google", "anthropic", "openai", "openai_compatible", "openrouter":
	default:
		return fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
	if cfg.LLM.Provider == "openai_compatible" && strings.TrimSpace(cfg.LLM.BaseURL) == "" {
		return errors.New("llm.base_url is required for openai_compatible")
	}
	seen := make(map[string]bool, len(cfg.Projects))
	for _, p := range cfg.Projects {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return errors.New("project id must be non-empty")
		}
		if seen[id] {
			return fmt.Errorf("duplicate project id %q", id)
		}
		seen[id] = true
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CREW_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CREW_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("CREW_LLM_PROVIDER"); raw != "" {
		cfg.LLM.Provider = raw
	}
	if raw := os.Getenv("CREW_LLM_MODEL"); raw != "" {
		cfg.LLM.Model = raw
	}
	if raw := os.Getenv("CREW_LLM_BASE_URL"); raw != "" {
		cfg.LLM.BaseURL = raw
	}
	if raw := os.Getenv("CREW_MAX_TASK_RETRIES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Scheduler.MaxTaskRetries = v
		}
	}
	if raw := os.Getenv("CREW_MAX_CONCURRENT_WORKERS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Scheduler.MaxConcurrentWorkers = v
		}
	}
	if raw := os.Getenv("CREW_SWEEP_SCHEDULE"); raw != "" {
		cfg.Scheduler.SweepSchedule = raw
	}
	for env, flag := range map[string]*bool{
		"CREW_BACKEND_OPENCODE":    &cfg.Backends.OpenCode,
		"CREW_BACKEND_CLAUDE_CODE": &cfg.Backends.ClaudeCode,
		"CREW_BACKEND_CODEX":       &cfg.Backends.Codex,
	} {
		if raw := os.Getenv(env); raw != "" {
			if v, err := strconv.ParseBool(raw); err == nil {
				*flag = v
			}
		}
	}
}
