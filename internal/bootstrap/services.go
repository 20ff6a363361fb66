package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fnrouter/fnrouter/config"
	"github.com/fnrouter/fnrouter/internal/adapters/queue"
	"github.com/fnrouter/fnrouter/internal/data"
	"github.com/fnrouter/fnrouter/internal/observability/statsd"
	"github.com/fnrouter/fnrouter/internal/service"
	"github.com/redis/go-redis/v9"
)

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Queue         *queue.PgQueue
	Completions   *queue.RedisCompletionStream
	Schedules     *service.ScheduleService
	Tasks         *service.TaskService
	Registry      *service.HandlerRegistry
	Observability ObservabilityContainer
}

// ObservabilityContainer groups shared observability dependencies.
type ObservabilityContainer struct {
	MetricsSink   *statsd.Client
	MetricsConfig config.ObservabilityMetricsConfig
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// buildObservability configures the metrics sink.
func buildObservability(logger *slog.Logger, cfg config.ObservabilityConfig) ObservabilityContainer {
	obsLogger := logger
	if obsLogger == nil {
		obsLogger = slog.Default()
	}

	var metricsSink *statsd.Client
	if cfg.Metrics.IsEnabled() {
		client, err := statsd.NewClient(statsd.Config{
			Enabled: true,
			Address: cfg.Metrics.StatsdAddress,
			Prefix:  "fnrouter",
			Logger:  obsLogger,
		})
		if err != nil {
			obsLogger.Error("failed to initialise statsd client", "error", err)
		} else {
			metricsSink = client
		}
	}

	return ObservabilityContainer{
		MetricsSink:   metricsSink,
		MetricsConfig: cfg.Metrics,
	}
}

// NewServices wires the queue, completion stream, and both engines.
func NewServices(deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil {
		return ServiceContainer{}, errors.New("service dependencies are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	appCfg := deps.Config
	if appCfg == nil {
		appCfg = &config.AppConfig{}
		appCfg.Sanitize()
	}

	observability := buildObservability(logger, appCfg.Observability)

	var completions *queue.RedisCompletionStream
	if deps.RedisClient != nil {
		completions = queue.NewRedisCompletionStream(deps.RedisClient, logger)
	}

	queueOpts := queue.Options{
		DB:         deps.DB,
		Logger:     logger,
		RetryDelay: appCfg.Queue.RetryDelay,
	}
	if completions != nil {
		queueOpts.Publisher = completions
	}
	jobQueue := queue.New(queueOpts)

	schedOpts := service.ScheduleServiceOptions{
		Repo:    data.NewScheduleRepo(deps.DB),
		Queue:   jobQueue,
		Logger:  logger,
		Metrics: observability.MetricsSink,
	}
	schedCfg := appCfg.Scheduler.EngineConfig()
	schedOpts.Config = &schedCfg
	if completions != nil {
		schedOpts.Completions = completions
	}
	schedules, err := service.NewScheduleService(schedOpts)
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create schedule service: %w", err)
	}

	registry := service.NewHandlerRegistry()
	taskCfg := appCfg.Tasks.EngineConfig()
	tasks, err := service.NewTaskService(service.TaskServiceOptions{
		Persisted: data.NewTaskRepo(deps.DB),
		Memory:    data.NewMemoryTaskRepo(),
		Registry:  registry,
		Instance:  service.NewInstanceIDService(),
		Config:    &taskCfg,
		Logger:    logger,
		Metrics:   observability.MetricsSink,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create task service: %w", err)
	}

	return ServiceContainer{
		Queue:         jobQueue,
		Completions:   completions,
		Schedules:     schedules,
		Tasks:         tasks,
		Registry:      registry,
		Observability: observability,
	}, nil
}

// ServiceOrchestrationConfig contains configuration for service orchestration.
type ServiceOrchestrationConfig struct {
	Config   *config.AppConfig
	Services ServiceContainer
	Logger   *slog.Logger
}

const (
	// shutdownWaitTimeout is the maximum time to wait for services to stop gracefully.
	shutdownWaitTimeout = 45 * time.Second
)

// serviceStartupDeps groups dependencies for service startup.
type serviceStartupDeps struct {
	ctx             context.Context
	cfg             *ServiceOrchestrationConfig
	logger          *slog.Logger
	enabledServices map[config.ServiceMode]bool
	errCh           chan error
}

// backgroundService describes a startable background component.
type backgroundService struct {
	mode  config.ServiceMode
	name  string
	start func(context.Context) error
}

// backgroundServiceHandle tracks a running background service.
type backgroundServiceHandle struct {
	mode config.ServiceMode
	name string
	done <-chan struct{}
}

func launchBackground(ctx context.Context, deps *serviceStartupDeps, descriptor backgroundService) <-chan struct{} {
	if deps == nil || !deps.enabledServices[descriptor.mode] {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := descriptor.start(ctx); err != nil {
			errMsg := fmt.Errorf("%s failed: %w", descriptor.name, err)
			select {
			case deps.errCh <- errMsg:
			case <-ctx.Done():
			default:
				deps.logger.WarnContext(ctx, "dropping background service error",
					"service", descriptor.name,
					"error", errMsg,
				)
			}
		}
	}()

	deps.logger.InfoContext(ctx, "background service started", "service", descriptor.name, "mode", descriptor.mode)

	return done
}

func startBackgroundServices(deps *serviceStartupDeps, services []backgroundService) []backgroundServiceHandle {
	if deps == nil {
		return nil
	}
	handles := make([]backgroundServiceHandle, 0, len(services))

	for _, svc := range services {
		done := launchBackground(deps.ctx, deps, svc)
		if done == nil {
			continue
		}

		handles = append(handles, backgroundServiceHandle{
			mode: svc.mode,
			name: svc.name,
			done: done,
		})
	}

	return handles
}

// runEngine starts a Start/Stop lifecycle service and keeps it running until
// the context is cancelled.
func runEngine(ctx context.Context, start func(context.Context) error, stop func(context.Context) error) error {
	if err := start(ctx); err != nil {
		return err
	}

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownWaitTimeout)
	defer cancel()
	return stop(stopCtx)
}

func newSchedulerBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeScheduler,
		name: "schedule engine",
		start: func(ctx context.Context) error {
			if deps == nil || deps.cfg == nil || deps.cfg.Services.Schedules == nil {
				return nil
			}
			svc := deps.cfg.Services.Schedules
			return runEngine(ctx, svc.Start, svc.Stop)
		},
	}
}

func newTaskRunnerBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeTasks,
		name: "task runner",
		start: func(ctx context.Context) error {
			if deps == nil || deps.cfg == nil || deps.cfg.Services.Tasks == nil {
				return nil
			}
			svc := deps.cfg.Services.Tasks
			return runEngine(ctx, svc.Start, svc.Stop)
		},
	}
}

func buildBackgroundServices(deps *serviceStartupDeps) []backgroundService {
	if deps == nil {
		return nil
	}
	return []backgroundService{
		newSchedulerBackgroundService(deps),
		newTaskRunnerBackgroundService(deps),
	}
}

// RunServicesWithShutdown starts all enabled services and manages their lifecycle.
// This function blocks until a shutdown signal is received or a service fails.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil {
		return errors.New("service orchestration config is required")
	}
	ctx := context.Background()
	serviceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Config == nil {
		return errors.New("service orchestration config missing AppConfig")
	}

	// Determine which services are enabled
	enabledServices, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}
	errCh := make(chan error, errorChannelBufferSize(enabledServices))

	deps := &serviceStartupDeps{
		ctx:             serviceCtx,
		cfg:             cfg,
		logger:          logger,
		enabledServices: enabledServices,
		errCh:           errCh,
	}
	handles := startBackgroundServices(deps, buildBackgroundServices(deps))

	// Wait for shutdown signal or error
	return waitForShutdown(shutdownConfig{
		ctx:         serviceCtx,
		cancel:      cancel,
		errCh:       errCh,
		logger:      logger,
		backgrounds: handles,
	})
}

func errorChannelBufferSize(enabled map[config.ServiceMode]bool) int {
	count := 0
	for _, mode := range ValidModes() {
		if enabled[mode] {
			count++
		}
	}
	if count < 1 {
		return 1
	}
	return count + 1
}

// ValidModes returns the service modes the orchestrator knows how to run.
func ValidModes() []config.ServiceMode {
	return []config.ServiceMode{
		config.ServiceModeScheduler,
		config.ServiceModeTasks,
	}
}

// shutdownConfig contains dependencies for graceful shutdown.
type shutdownConfig struct {
	ctx         context.Context
	cancel      context.CancelFunc
	errCh       <-chan error
	logger      *slog.Logger
	backgrounds []backgroundServiceHandle
}

// waitForShutdown waits for shutdown signal or service error.
func waitForShutdown(cfg shutdownConfig) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
		cfg.logger.Info("shutting down services...")
		cfg.cancel() // Cancel service context before waiting
		gracefulStop(cfg)
		return nil
	case err := <-cfg.errCh:
		cfg.logger.Error("service error", "error", err)
		cfg.cancel() // Cancel service context before waiting
		gracefulStop(cfg)
		return err
	}
}

// gracefulStop waits for background services to finish.
func gracefulStop(cfg shutdownConfig) {
	for _, svc := range cfg.backgrounds {
		waitForService(svc.done, svc.name, cfg.logger)
	}
}

// waitForService waits for a service to finish with timeout.
func waitForService(done <-chan struct{}, name string, logger *slog.Logger) {
	if done == nil {
		return
	}
	select {
	case <-done:
		logger.Info(name + " stopped")
	case <-time.After(shutdownWaitTimeout):
		logger.Warn("timeout waiting for " + name + " to stop")
	}
}
