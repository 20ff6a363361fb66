package core

import "time"

// TaskEngineConfig holds configuration for the poll-driven task engine.
type TaskEngineConfig struct {
	// PollingInterval is the tick of the due-task scan.
	PollingInterval time.Duration `json:"polling_interval"`
	// DefaultTimeout bounds a handler invocation unless the handler overrides it.
	DefaultTimeout time.Duration `json:"default_timeout"`
	// StuckTimeout is the run_started_at age beyond which a running task is
	// considered stuck and reset.
	StuckTimeout time.Duration `json:"stuck_timeout"`
	// MaxConsecutiveFailures is the default disable threshold.
	MaxConsecutiveFailures int `json:"max_consecutive_failures"`
	// StartWait bounds how long Stop waits for an in-progress Start.
	StartWait time.Duration `json:"start_wait"`
	// DrainDeadline bounds how long Stop waits for running handlers to observe
	// cancellation before reporting stopped anyway.
	DrainDeadline time.Duration `json:"drain_deadline"`
}

// DefaultTaskEngineConfig returns a TaskEngineConfig with the standard defaults.
func DefaultTaskEngineConfig() TaskEngineConfig {
	return TaskEngineConfig{
		PollingInterval:        time.Second,
		DefaultTimeout:         5 * time.Minute,
		StuckTimeout:           time.Hour,
		MaxConsecutiveFailures: 5,
		StartWait:              5 * time.Second,
		DrainDeadline:          30 * time.Second,
	}
}

// Sanitize applies guardrails to zero or out-of-range values.
func (c *TaskEngineConfig) Sanitize() {
	d := DefaultTaskEngineConfig()
	if c.PollingInterval <= 0 {
		c.PollingInterval = d.PollingInterval
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = d.DefaultTimeout
	}
	if c.StuckTimeout <= 0 {
		c.StuckTimeout = d.StuckTimeout
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = d.MaxConsecutiveFailures
	}
	if c.StartWait <= 0 {
		c.StartWait = d.StartWait
	}
	if c.DrainDeadline <= 0 {
		c.DrainDeadline = d.DrainDeadline
	}
}
