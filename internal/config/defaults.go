package config

const (
	DefaultListenAddr           = "127.0.0.1:7411"
	DefaultStateDir             = ".openclaw/state"
	DefaultLogLevel             = "info"
	DefaultMaxConcurrentJobs    = 1
	DefaultTerminalHistoryLimit = 200
	DefaultPollIntervalMs       = 250
	DefaultPolicyIntervalMs     = 30_000
	DefaultProposalConcurrency  = 1
	DefaultEventLimit           = 200
)

// DefaultConfig returns a Config with all default values applied.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr: DefaultListenAddr,
		StateDir:   DefaultStateDir,
		LogLevel:   DefaultLogLevel,
		GPU: GPUSchedulerConfig{
			MaxConcurrentJobs:    DefaultMaxConcurrentJobs,
			Persist:              true,
			TerminalHistoryLimit: DefaultTerminalHistoryLimit,
			PollIntervalMs:       DefaultPollIntervalMs,
			Policy: PolicyConfig{
				AutoPause:  true,
				AutoResume: true,
				IntervalMs: DefaultPolicyIntervalMs,
			},
		},
		Proposal: ProposalConfig{
			MaxConcurrentJobs:    DefaultProposalConcurrency,
			Persist:              true,
			TerminalHistoryLimit: DefaultTerminalHistoryLimit,
			EventLimit:           DefaultEventLimit,
		},
		History: HistoryConfig{
			Enabled: true,
		},
	}
}
