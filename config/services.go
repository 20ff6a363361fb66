package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fnrouter/fnrouter/internal/core"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeScheduler runs the timer-driven schedule engine.
	ServiceModeScheduler ServiceMode = "scheduler"
	// ServiceModeTasks runs the poll-driven task runner.
	ServiceModeTasks ServiceMode = "tasks"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeScheduler,
		ServiceModeTasks,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	parts := strings.Split(servicesStr, ",")
	for _, part := range parts {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeScheduler, ServiceModeTasks:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: scheduler, tasks)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// SchedulerConfig contains schedule engine configuration.
type SchedulerConfig struct {
	// MinRecalcInterval is the debounce window for timer recomputation requests.
	MinRecalcInterval time.Duration `env:"SCHEDULER_MIN_RECALC_INTERVAL" envDefault:"100ms"`

	// MaxTimeout is the upper clamp for any armed timer delay. Zero means
	// the engine's built-in maximum.
	MaxTimeout time.Duration `env:"SCHEDULER_MAX_TIMEOUT" envDefault:"0"`

	// CompletionCheckInterval is the tick of the poll-variant completion
	// router, used only when the Redis push stream is unavailable.
	CompletionCheckInterval time.Duration `env:"SCHEDULER_COMPLETION_CHECK_INTERVAL" envDefault:"1s"`

	// DynamicRetryDelay is the retry delay for dynamic schedules whose job
	// failed below the failure threshold.
	DynamicRetryDelay time.Duration `env:"SCHEDULER_DYNAMIC_RETRY_DELAY" envDefault:"60s"`

	// ResultNextRunPath is the JMESPath expression extracting the next firing
	// time from a dynamic job's result document.
	ResultNextRunPath string `env:"SCHEDULER_RESULT_NEXT_RUN_PATH" envDefault:"nextRunAt"`

	// MaxConsecutiveFailures is the default active -> error threshold.
	MaxConsecutiveFailures int `env:"SCHEDULER_MAX_CONSECUTIVE_FAILURES" envDefault:"5"`
}

// Sanitize applies guardrails to schedule engine configuration values.
func (s *SchedulerConfig) Sanitize() {
	ec := s.EngineConfig()
	s.MinRecalcInterval = ec.MinRecalcInterval
	s.MaxTimeout = ec.MaxTimeout
	s.CompletionCheckInterval = ec.CompletionCheckInterval
	s.DynamicRetryDelay = ec.DynamicRetryDelay
	s.ResultNextRunPath = ec.ResultNextRunPath
	s.MaxConsecutiveFailures = ec.MaxConsecutiveFailures
}

// EngineConfig maps the env-backed fields onto the engine's config type.
func (s *SchedulerConfig) EngineConfig() core.ScheduleEngineConfig {
	ec := core.ScheduleEngineConfig{
		MinRecalcInterval:       s.MinRecalcInterval,
		MaxTimeout:              s.MaxTimeout,
		CompletionCheckInterval: s.CompletionCheckInterval,
		DynamicRetryDelay:       s.DynamicRetryDelay,
		ResultNextRunPath:       s.ResultNextRunPath,
		MaxConsecutiveFailures:  s.MaxConsecutiveFailures,
	}
	ec.Sanitize()
	return ec
}

// TasksConfig contains task runner configuration.
type TasksConfig struct {
	// PollingInterval is the tick of the due-task scan.
	PollingInterval time.Duration `env:"TASKS_POLLING_INTERVAL" envDefault:"1s"`

	// DefaultTimeout bounds a handler invocation unless the handler overrides it.
	DefaultTimeout time.Duration `env:"TASKS_DEFAULT_TIMEOUT" envDefault:"5m"`

	// StuckTimeout is the run_started_at age beyond which a running task is
	// considered stuck and reset.
	StuckTimeout time.Duration `env:"TASKS_STUCK_TIMEOUT" envDefault:"1h"`

	// MaxConsecutiveFailures is the default disable threshold.
	MaxConsecutiveFailures int `env:"TASKS_MAX_CONSECUTIVE_FAILURES" envDefault:"5"`

	// DrainDeadline bounds how long shutdown waits for running handlers.
	DrainDeadline time.Duration `env:"TASKS_DRAIN_DEADLINE" envDefault:"30s"`
}

// Sanitize applies guardrails to task runner configuration values.
func (t *TasksConfig) Sanitize() {
	ec := t.EngineConfig()
	t.PollingInterval = ec.PollingInterval
	t.DefaultTimeout = ec.DefaultTimeout
	t.StuckTimeout = ec.StuckTimeout
	t.MaxConsecutiveFailures = ec.MaxConsecutiveFailures
	t.DrainDeadline = ec.DrainDeadline
}

// EngineConfig maps the env-backed fields onto the engine's config type.
func (t *TasksConfig) EngineConfig() core.TaskEngineConfig {
	ec := core.TaskEngineConfig{
		PollingInterval:        t.PollingInterval,
		DefaultTimeout:         t.DefaultTimeout,
		StuckTimeout:           t.StuckTimeout,
		MaxConsecutiveFailures: t.MaxConsecutiveFailures,
		DrainDeadline:          t.DrainDeadline,
	}
	ec.Sanitize()
	return ec
}

// QueueConfig contains job queue configuration.
type QueueConfig struct {
	// RetryDelay is the delay before a failed job with retries left becomes
	// eligible again.
	RetryDelay time.Duration `env:"QUEUE_RETRY_DELAY" envDefault:"30s"`

	// JobLease is the duration a reserved job is leased to a worker before
	// it is considered abandoned and requeued.
	JobLease time.Duration `env:"QUEUE_JOB_LEASE" envDefault:"60s"`
}

// Sanitize applies guardrails to queue configuration values.
func (q *QueueConfig) Sanitize() {
	if q.RetryDelay <= 0 {
		q.RetryDelay = 30 * time.Second
	}
	if q.JobLease < 5*time.Second {
		q.JobLease = 5 * time.Second
	}
}
