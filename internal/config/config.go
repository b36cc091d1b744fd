package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a foreman project.
type Config struct {
	Version        int              `yaml:"version" mapstructure:"version"`
	Project        Project          `yaml:"project" mapstructure:"project"`
	Capacity       int              `yaml:"capacity" mapstructure:"capacity"`
	StallThreshold Duration         `yaml:"stall_threshold" mapstructure:"stall_threshold"`
	Autopilot      Autopilot        `yaml:"autopilot" mapstructure:"autopilot"`
	Learning       Learning         `yaml:"learning" mapstructure:"learning"`
	Store          Store            `yaml:"store" mapstructure:"store"`
	Worker         Worker           `yaml:"worker" mapstructure:"worker"`
	Agents         map[string]Agent `yaml:"agents" mapstructure:"agents"`
}

// Project describes what is being built; goals feed recommendation scoring.
type Project struct {
	Name       string   `yaml:"name" mapstructure:"name"`
	Type       string   `yaml:"type" mapstructure:"type"` // cli-tool, web-service, library, other
	Goals      []string `yaml:"goals" mapstructure:"goals"`
	QualityBar string   `yaml:"quality_bar" mapstructure:"quality_bar"` // strict, balanced, relaxed
}

// Autopilot tunes the decision cycle.
type Autopilot struct {
	Enabled       bool     `yaml:"enabled" mapstructure:"enabled"`
	MaxActions    int      `yaml:"max_actions" mapstructure:"max_actions"`
	MinConfidence float64  `yaml:"min_confidence" mapstructure:"min_confidence"`
	AgentRole     string   `yaml:"agent_role" mapstructure:"agent_role"`
	Interval      Duration `yaml:"interval" mapstructure:"interval"` // 0 = on demand
}

// Learning tunes the outcome tracker.
type Learning struct {
	Window             int `yaml:"window" mapstructure:"window"`
	MinSamples         int `yaml:"min_samples" mapstructure:"min_samples"`
	CategoryMinSamples int `yaml:"category_min_samples" mapstructure:"category_min_samples"`
}

// Store tunes persistence retries and retention.
type Store struct {
	MaxRetries        int      `yaml:"max_retries" mapstructure:"max_retries"`
	Backoff           Duration `yaml:"backoff" mapstructure:"backoff"`
	DecisionRetention int      `yaml:"decision_retention" mapstructure:"decision_retention"`
}

// Worker configures how delegated work is executed locally.
type Worker struct {
	Worktrees bool   `yaml:"worktrees" mapstructure:"worktrees"` // isolate each workstream in a git worktree
	RunsDir   string `yaml:"runs_dir" mapstructure:"runs_dir"`
}

// Agent describes a single AI agent and how to connect to it.
type Agent struct {
	Role       string   `yaml:"role" mapstructure:"role"`                         // builder, reviewer, tester, etc.
	Mode       string   `yaml:"mode" mapstructure:"mode"`                         // "cli" or "api"
	Cmd        string   `yaml:"cmd,omitempty" mapstructure:"cmd"`                 // CLI command to spawn
	Args       []string `yaml:"args,omitempty" mapstructure:"args"`               // CLI arguments
	Provider   string   `yaml:"provider,omitempty" mapstructure:"provider"`       // API provider: anthropic, bedrock, openai, google
	Model      string   `yaml:"model,omitempty" mapstructure:"model"`             // Model name for API mode
	APIKeyEnv  string   `yaml:"api_key_env,omitempty" mapstructure:"api_key_env"` // Env var name containing API key
	Region     string   `yaml:"region,omitempty" mapstructure:"region"`           // AWS region for bedrock
	TimeoutSec int      `yaml:"timeout_sec,omitempty" mapstructure:"timeout_sec"` // Timeout in seconds (0 = default 300)
	AutoAccept bool     `yaml:"auto_accept,omitempty" mapstructure:"auto_accept"` // Auto-accept all agent actions (skip permissions)
}

// EffectiveArgs returns the final args for a CLI agent, injecting
// non-interactive and auto-accept flags for known CLI tools:
//   - claude: --print, plus --dangerously-skip-permissions with auto_accept
//   - gemini: --yolo with auto_accept
//   - codex:  --full-auto with auto_accept
func (a Agent) EffectiveArgs() []string {
	if a.Mode != "cli" {
		return a.Args
	}

	args := make([]string, len(a.Args))
	copy(args, a.Args)

	switch a.Cmd {
	case "claude":
		if !containsAny(args, "-p", "--print") {
			args = appendFront(args, "--print")
		}
		if a.AutoAccept && !containsAny(args, "--dangerously-skip-permissions", "--permission-mode") {
			args = appendFront(args, "--dangerously-skip-permissions")
		}
	case "gemini":
		if a.AutoAccept && !containsAny(args, "-y", "--yolo") {
			args = appendFront(args, "--yolo")
		}
	case "codex":
		if a.AutoAccept && !containsAny(args, "--full-auto", "--approval-mode") {
			args = appendFront(args, "--full-auto")
		}
	}

	return args
}

// DefaultTimeout returns the effective timeout for the agent.
func (a Agent) DefaultTimeout() int {
	if a.TimeoutSec > 0 {
		return a.TimeoutSec
	}
	return 300
}

// Duration is a time.Duration written as "30m0s" rather than nanoseconds.
type Duration time.Duration

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// durationHook lets viper decode "30m" strings into Duration fields.
func durationHook(from, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(Duration(0)) {
		return data, nil
	}
	switch from.Kind() {
	case reflect.String:
		d, err := time.ParseDuration(data.(string))
		if err != nil {
			return nil, err
		}
		return Duration(d), nil
	case reflect.Int, reflect.Int64:
		return Duration(reflect.ValueOf(data).Int()), nil
	}
	return data, nil
}

// setDefaults registers every key so that FOREMAN_* env overrides resolve.
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("version", d.Version)
	v.SetDefault("project.name", d.Project.Name)
	v.SetDefault("project.type", d.Project.Type)
	v.SetDefault("project.goals", d.Project.Goals)
	v.SetDefault("project.quality_bar", d.Project.QualityBar)
	v.SetDefault("capacity", d.Capacity)
	v.SetDefault("stall_threshold", d.StallThreshold.String())
	v.SetDefault("autopilot.enabled", d.Autopilot.Enabled)
	v.SetDefault("autopilot.max_actions", d.Autopilot.MaxActions)
	v.SetDefault("autopilot.min_confidence", d.Autopilot.MinConfidence)
	v.SetDefault("autopilot.agent_role", d.Autopilot.AgentRole)
	v.SetDefault("autopilot.interval", d.Autopilot.Interval.String())
	v.SetDefault("learning.window", d.Learning.Window)
	v.SetDefault("learning.min_samples", d.Learning.MinSamples)
	v.SetDefault("learning.category_min_samples", d.Learning.CategoryMinSamples)
	v.SetDefault("store.max_retries", d.Store.MaxRetries)
	v.SetDefault("store.backoff", d.Store.Backoff.String())
	v.SetDefault("store.decision_retention", d.Store.DecisionRetention)
	v.SetDefault("worker.worktrees", d.Worker.Worktrees)
	v.SetDefault("worker.runs_dir", d.Worker.RunsDir)
}

// Load reads the config file at path, applies defaults for missing keys and
// FOREMAN_* environment overrides (FOREMAN_CAPACITY, FOREMAN_AUTOPILOT_MAX_ACTIONS, ...).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	v.SetEnvPrefix("FOREMAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationHook,
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Agents == nil {
		cfg.Agents = map[string]Agent{}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the config to the given path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// DefaultConfig returns a starter config with no agents.
func DefaultConfig() *Config {
	return &Config{
		Version: 1,
		Project: Project{
			Type:       "other",
			Goals:      []string{},
			QualityBar: "balanced",
		},
		Capacity:       5,
		StallThreshold: Duration(30 * time.Minute),
		Autopilot: Autopilot{
			Enabled:       true,
			MaxActions:    3,
			MinConfidence: 0.6,
			AgentRole:     "builder",
		},
		Learning: Learning{
			Window:             20,
			MinSamples:         5,
			CategoryMinSamples: 3,
		},
		Store: Store{
			MaxRetries:        3,
			Backoff:           Duration(10 * time.Millisecond),
			DecisionRetention: 1000,
		},
		Worker: Worker{RunsDir: "runs"},
		Agents: map[string]Agent{},
	}
}

func (c *Config) validate() error {
	switch {
	case c.Capacity < 1:
		return fmt.Errorf("capacity must be at least 1, got %d", c.Capacity)
	case c.StallThreshold <= 0:
		return fmt.Errorf("stall_threshold must be positive, got %s", c.StallThreshold)
	case c.Autopilot.MaxActions < 1:
		return fmt.Errorf("autopilot.max_actions must be at least 1, got %d", c.Autopilot.MaxActions)
	case c.Autopilot.MinConfidence < 0 || c.Autopilot.MinConfidence > 1:
		return fmt.Errorf("autopilot.min_confidence must be within [0,1], got %g", c.Autopilot.MinConfidence)
	case c.Autopilot.Interval < 0:
		return fmt.Errorf("autopilot.interval must not be negative")
	case c.Learning.Window < 1:
		return fmt.Errorf("learning.window must be at least 1, got %d", c.Learning.Window)
	}
	switch c.Project.QualityBar {
	case "strict", "balanced", "relaxed":
	default:
		return fmt.Errorf("project.quality_bar must be strict, balanced or relaxed, got %q", c.Project.QualityBar)
	}

	for name, agent := range c.Agents {
		if agent.Mode == "" {
			return fmt.Errorf("agent %q: mode is required (cli or api)", name)
		}
		if agent.Mode != "cli" && agent.Mode != "api" {
			return fmt.Errorf("agent %q: mode must be 'cli' or 'api', got %q", name, agent.Mode)
		}
		if agent.Mode == "cli" && agent.Cmd == "" {
			return fmt.Errorf("agent %q: cmd is required for cli mode", name)
		}
		if agent.Mode == "api" && agent.Provider == "" {
			return fmt.Errorf("agent %q: provider is required for api mode", name)
		}
		if agent.Role == "" {
			return fmt.Errorf("agent %q: role is required", name)
		}
	}
	return nil
}

// containsAny checks if any of the targets exist in the slice.
func containsAny(slice []string, targets ...string) bool {
	for _, s := range slice {
		for _, t := range targets {
			if s == t {
				return true
			}
		}
	}
	return false
}

// appendFront inserts a value at the beginning of a slice.
func appendFront(slice []string, val string) []string {
	return append([]string{val}, slice...)
}

// AgentForRole returns the first agent, by name, that has the given role.
func (c *Config) AgentForRole(role string) (string, Agent, bool) {
	var names []string
	for name, agent := range c.Agents {
		if agent.Role == role {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "", Agent{}, false
	}
	best := names[0]
	for _, n := range names[1:] {
		if n < best {
			best = n
		}
	}
	return best, c.Agents[best], true
}
