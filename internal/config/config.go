// Package config loads gateway configuration from YAML with environment
// variable overrides.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/openclaw/gateway/internal/policy"
)

// Config holds the full gateway configuration.
type Config struct {
	// ListenAddr is the HTTP listen address for the API and node endpoint.
	ListenAddr string `yaml:"listen_addr" env:"LISTEN_ADDR"`

	// StateDir is the root directory for persisted gateway state.
	StateDir string `yaml:"state_dir" env:"STATE_DIR"`

	// LogLevel is the zerolog level (trace, debug, info, warn, error).
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`

	// AllowedCommands is the gateway-side command allowlist intersected with
	// what each node declares. Empty allows every declared command.
	AllowedCommands []string `yaml:"allowed_commands" env:"ALLOWED_COMMANDS" envSeparator:","`

	// GPU configures the GPU job scheduler.
	GPU GPUSchedulerConfig `yaml:"gpu_scheduler" envPrefix:"GPU_"`

	// Proposal configures the pipeline orchestrator.
	Proposal ProposalConfig `yaml:"proposal_orchestrator" envPrefix:"PROPOSAL_"`

	// History configures the sqlite job/event index.
	History HistoryConfig `yaml:"history" envPrefix:"HISTORY_"`
}

// GPUSchedulerConfig configures the GPU job scheduler.
type GPUSchedulerConfig struct {
	// MaxConcurrentJobs caps jobs in the running state.
	MaxConcurrentJobs int `yaml:"max_concurrent_jobs" env:"MAX_CONCURRENT_JOBS"`

	// Persist enables durable job state.
	Persist bool `yaml:"persist" env:"PERSIST"`

	// PersistPath overrides the state file location. Empty uses
	// <state_dir>/gateway/gpu-scheduler/jobs.json.
	PersistPath string `yaml:"persist_path" env:"PERSIST_PATH"`

	// TerminalHistoryLimit bounds retained terminal jobs.
	TerminalHistoryLimit int `yaml:"terminal_history_limit" env:"TERMINAL_HISTORY_LIMIT"`

	// PollIntervalMs is the dispatcher poll interval.
	PollIntervalMs int `yaml:"poll_interval_ms" env:"POLL_INTERVAL_MS"`

	// Policy holds the default time-window policy applied to jobs that do
	// not carry their own.
	Policy PolicyConfig `yaml:"policy"`
}

// PolicyConfig configures the time-window policy ticker.
type PolicyConfig struct {
	// Enabled turns the policy ticker on.
	Enabled bool `yaml:"enabled" env:"POLICY_ENABLED"`

	// AutoPause pauses jobs outside their windows.
	AutoPause bool `yaml:"auto_pause" env:"POLICY_AUTO_PAUSE"`

	// AutoResume resumes policy-paused jobs back inside their windows.
	AutoResume bool `yaml:"auto_resume" env:"POLICY_AUTO_RESUME"`

	// Windows are the default run windows.
	Windows []policy.TimeWindow `yaml:"windows"`

	// IntervalMs is the evaluation cadence.
	IntervalMs int `yaml:"interval_ms" env:"POLICY_INTERVAL_MS"`
}

// ProposalConfig configures the pipeline orchestrator.
type ProposalConfig struct {
	// MaxConcurrentJobs caps concurrently running pipelines.
	MaxConcurrentJobs int `yaml:"max_concurrent_jobs" env:"MAX_CONCURRENT_JOBS"`

	// Persist enables durable pipeline job state.
	Persist bool `yaml:"persist" env:"PERSIST"`

	// PersistPath overrides the state file location. Empty uses
	// <state_dir>/gateway/proposal-orchestrator/jobs.json.
	PersistPath string `yaml:"persist_path" env:"PERSIST_PATH"`

	// TerminalHistoryLimit bounds retained terminal jobs.
	TerminalHistoryLimit int `yaml:"terminal_history_limit" env:"TERMINAL_HISTORY_LIMIT"`

	// EventLimit bounds the per-job event ring.
	EventLimit int `yaml:"event_limit" env:"EVENT_LIMIT"`
}

// HistoryConfig configures the sqlite job/event index.
type HistoryConfig struct {
	// Enabled turns the index on.
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	// Path overrides the database location. Empty uses
	// <state_dir>/gateway/history.db.
	Path string `yaml:"path" env:"PATH"`
}

// Load reads configuration from path, layering file values over defaults and
// environment variables over both. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}
