package config

import (
	"os"
	"strings"
)

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config
// files for details on available environment variables:
//   - database.go: Database and Redis configuration
//   - services.go: Service mode, scheduler, task runner, and queue configuration
//   - observability.go: Metrics configuration
type AppConfig struct {
	// IsDev controls development mode behavior (verbose logging, relaxed guardrails).
	// Set DEV=true or NODE_ENV=development for development mode.
	IsDev bool `env:"DEV" envDefault:"false"`

	// Database configuration
	Postgres DBConfig    `envPrefix:"DB_"`
	Redis    RedisConfig `envPrefix:"REDIS_"`

	// Service mode configuration
	Services string `env:"SERVICES" envDefault:"scheduler,tasks"`

	// Schedule engine configuration
	Scheduler SchedulerConfig

	// Task runner configuration
	Tasks TasksConfig

	// Job queue configuration
	Queue QueueConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment variables.
func (c *AppConfig) Sanitize() {
	c.Scheduler.Sanitize()
	c.Tasks.Sanitize()
	c.Queue.Sanitize()
	c.Observability.Sanitize()

	// Check NODE_ENV for dev mode
	c.detectDevMode()
}

// detectDevMode checks both DEV and NODE_ENV environment variables.
// This is called by Sanitize() to ensure IsDev is set correctly.
// NODE_ENV is checked as a fallback (common in frontend tooling).
func (c *AppConfig) detectDevMode() {
	if !c.IsDev {
		nodeEnv := strings.ToLower(os.Getenv("NODE_ENV"))
		c.IsDev = nodeEnv == "development" || nodeEnv == "dev"
	}
}

// GetEnabledServices returns the enabled services based on the Services field.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

// IsSchedulerEnabled returns true if the schedule engine service is enabled.
func (c *AppConfig) IsSchedulerEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeScheduler]
}

// IsTaskRunnerEnabled returns true if the task runner service is enabled.
func (c *AppConfig) IsTaskRunnerEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeTasks]
}
