package config

import "fmt"

// MinPollIntervalMs is the floor for the dispatcher poll interval.
const MinPollIntervalMs = 25

// MinPolicyIntervalMs is the floor for the policy ticker interval.
const MinPolicyIntervalMs = 5_000

// Validate checks the configuration and clamps intervals to their floors.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if c.StateDir == "" {
		return fmt.Errorf("state_dir must not be empty")
	}

	if c.GPU.MaxConcurrentJobs < 1 {
		return fmt.Errorf("gpu_scheduler.max_concurrent_jobs must be >= 1, got %d", c.GPU.MaxConcurrentJobs)
	}
	if c.GPU.TerminalHistoryLimit < 0 {
		return fmt.Errorf("gpu_scheduler.terminal_history_limit must be >= 0, got %d", c.GPU.TerminalHistoryLimit)
	}
	if c.GPU.PollIntervalMs < MinPollIntervalMs {
		c.GPU.PollIntervalMs = MinPollIntervalMs
	}
	if c.GPU.Policy.IntervalMs < MinPolicyIntervalMs {
		c.GPU.Policy.IntervalMs = MinPolicyIntervalMs
	}
	for i, w := range c.GPU.Policy.Windows {
		if err := w.Validate(); err != nil {
			return fmt.Errorf("gpu_scheduler.policy.windows[%d]: %w", i, err)
		}
	}

	if c.Proposal.MaxConcurrentJobs < 1 {
		return fmt.Errorf("proposal_orchestrator.max_concurrent_jobs must be >= 1, got %d", c.Proposal.MaxConcurrentJobs)
	}
	if c.Proposal.TerminalHistoryLimit < 0 {
		return fmt.Errorf("proposal_orchestrator.terminal_history_limit must be >= 0, got %d", c.Proposal.TerminalHistoryLimit)
	}
	if c.Proposal.EventLimit < 1 {
		return fmt.Errorf("proposal_orchestrator.event_limit must be >= 1, got %d", c.Proposal.EventLimit)
	}

	return nil
}
