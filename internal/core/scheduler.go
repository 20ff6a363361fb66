package core

import "time"

// maxTimerDelayMs is the widest delay a single timer arm may cover. Targets
// further out are clamped and the timer re-armed on expiry.
const maxTimerDelayMs = 1<<31 - 1

// ScheduleEngineConfig holds configuration for the timer-driven schedule engine.
type ScheduleEngineConfig struct {
	// MinRecalcInterval is the debounce window for reschedule requests.
	MinRecalcInterval time.Duration `json:"min_recalc_interval"`
	// MaxTimeout is the upper clamp for any armed timer delay.
	MaxTimeout time.Duration `json:"max_timeout"`
	// CompletionCheckInterval is the period of the poll-variant completion
	// router, used only when the push stream is unavailable.
	CompletionCheckInterval time.Duration `json:"completion_check_interval"`
	// DynamicRetryDelay is the retry delay applied when a dynamic schedule's
	// job fails below the failure threshold.
	DynamicRetryDelay time.Duration `json:"dynamic_retry_delay"`
	// ResultNextRunPath is the JMESPath expression extracting the next firing
	// time from a dynamic job's result document.
	ResultNextRunPath string `json:"result_next_run_path"`
	// MaxConsecutiveFailures is the default active -> error threshold.
	MaxConsecutiveFailures int `json:"max_consecutive_failures"`
}

// DefaultScheduleEngineConfig returns a ScheduleEngineConfig with the standard defaults.
func DefaultScheduleEngineConfig() ScheduleEngineConfig {
	return ScheduleEngineConfig{
		MinRecalcInterval:       100 * time.Millisecond,
		MaxTimeout:              maxTimerDelayMs * time.Millisecond,
		CompletionCheckInterval: time.Second,
		DynamicRetryDelay:       60 * time.Second,
		ResultNextRunPath:       "nextRunAt",
		MaxConsecutiveFailures:  5,
	}
}

// Sanitize applies guardrails to zero or out-of-range values.
func (c *ScheduleEngineConfig) Sanitize() {
	d := DefaultScheduleEngineConfig()
	if c.MinRecalcInterval <= 0 {
		c.MinRecalcInterval = d.MinRecalcInterval
	}
	if c.MaxTimeout <= 0 || c.MaxTimeout > d.MaxTimeout {
		c.MaxTimeout = d.MaxTimeout
	}
	if c.CompletionCheckInterval <= 0 {
		c.CompletionCheckInterval = d.CompletionCheckInterval
	}
	if c.DynamicRetryDelay <= 0 {
		c.DynamicRetryDelay = d.DynamicRetryDelay
	}
	if c.ResultNextRunPath == "" {
		c.ResultNextRunPath = d.ResultNextRunPath
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = d.MaxConsecutiveFailures
	}
}
