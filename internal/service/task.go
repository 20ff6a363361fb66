package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fnrouter/fnrouter/internal/core"
	"github.com/fnrouter/fnrouter/internal/data"
	"github.com/fnrouter/fnrouter/internal/domain/model"
	"github.com/fnrouter/fnrouter/internal/observability/statsd"
)

// ErrNoHandler is returned when registering a task whose type has no handler.
var ErrNoHandler = errors.New("no handler registered for task type")

// TaskService runs tasks directly in-process: it polls both task stores for
// due rows, claims each before execution, invokes the registered handler
// under a timeout, and writes the outcome back. Persisted and in-memory
// tasks share one execution path.
type TaskService struct {
	persisted    core.TaskRepository
	memory       core.TaskRepository
	registry     *HandlerRegistry
	instance     core.InstanceIDProvider
	cfg          core.TaskEngineConfig
	timeProvider data.TimeProvider
	logger       *slog.Logger
	metrics      statsd.Sink

	// In-process running set: task name to abort function. Guards the
	// one-handler-per-name invariant and lets Stop abort every run.
	runMu   sync.Mutex
	running map[string]context.CancelFunc

	wg sync.WaitGroup

	lifecycleMu   sync.Mutex
	started       bool
	starting      bool
	stopRequested bool
	runCtx        context.Context
	runCancel     context.CancelFunc
	pollDone      chan struct{}
}

// TaskServiceOptions holds the dependencies for creating a TaskService.
type TaskServiceOptions struct {
	Persisted    core.TaskRepository
	Memory       core.TaskRepository
	Registry     *HandlerRegistry
	Instance     core.InstanceIDProvider
	Config       *core.TaskEngineConfig
	TimeProvider data.TimeProvider
	Logger       *slog.Logger
	Metrics      statsd.Sink
}

// NewTaskService creates a TaskService from the given options.
func NewTaskService(opts TaskServiceOptions) (*TaskService, error) {
	if opts.Persisted == nil {
		return nil, errors.New("persisted task repository is required")
	}
	if opts.Memory == nil {
		return nil, errors.New("in-memory task repository is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("handler registry is required")
	}
	if opts.Instance == nil {
		return nil, errors.New("instance id provider is required")
	}
	if opts.TimeProvider == nil {
		opts.TimeProvider = &data.RealTimeProvider{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	cfg := core.DefaultTaskEngineConfig()
	if opts.Config != nil {
		cfg = *opts.Config
	}
	cfg.Sanitize()

	return &TaskService{
		persisted:    opts.Persisted,
		memory:       opts.Memory,
		registry:     opts.Registry,
		instance:     opts.Instance,
		cfg:          cfg,
		timeProvider: opts.TimeProvider,
		logger:       opts.Logger.With("component", "task_service"),
		metrics:      opts.Metrics,
		running:      make(map[string]context.CancelFunc),
	}, nil
}

// Registry exposes the handler registry for late registrations.
func (s *TaskService) Registry() *HandlerRegistry {
	return s.registry
}

// RegisterTask validates and stores a new task in the store selected by its
// storage mode.
func (s *TaskService) RegisterTask(ctx context.Context, req *model.CreateTaskRequest) (*model.Task, error) {
	if req == nil {
		return nil, errors.New("create task request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if !s.registry.Has(req.Type) {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, req.Type)
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	draft := &model.Task{
		Name:         req.Name,
		Type:         req.Type,
		ScheduleType: req.ScheduleType,
		StorageMode:  req.StorageMode,
		Interval:     req.Interval,
		ScheduledAt:  req.ScheduledAt,
		Enabled:      enabled,
		Payload:      req.Payload,
		Status:       model.TaskStatusIdle,
		NextRunAt:    s.initialNextRun(req),
	}

	created, err := s.storeFor(req.StorageMode).Create(ctx, draft)
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "task registered",
		"name", created.Name,
		"type", created.Type,
		"schedule_type", created.ScheduleType,
		"storage_mode", created.StorageMode,
		"next_run_at", created.NextRunAt,
	)
	return created, nil
}

func (s *TaskService) initialNextRun(req *model.CreateTaskRequest) *time.Time {
	if req.NextRunAt != nil {
		return req.NextRunAt
	}
	switch req.ScheduleType {
	case model.TaskScheduleOneOff:
		return req.ScheduledAt
	case model.TaskScheduleInterval:
		next := s.timeProvider.Now().Add(req.Interval)
		return &next
	case model.TaskScheduleDynamic:
		// Waits for a caller or handler to supply the first run time.
		return nil
	}
	return nil
}

// GetTask returns the task by name, checking both stores.
func (s *TaskService) GetTask(ctx context.Context, name string) (*model.Task, error) {
	task, err := s.persisted.GetByName(ctx, name)
	if err == nil {
		return task, nil
	}
	if !errors.Is(err, data.ErrTaskNotFound) {
		return nil, err
	}
	return s.memory.GetByName(ctx, name)
}

// ListTasks returns the union of both stores, ordered by name.
func (s *TaskService) ListTasks(ctx context.Context) ([]*model.Task, error) {
	persisted, err := s.persisted.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	ephemeral, err := s.memory.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	tasks := make([]*model.Task, 0, len(persisted)+len(ephemeral))
	tasks = append(tasks, persisted...)
	tasks = append(tasks, ephemeral...)
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Name < tasks[j].Name })
	return tasks, nil
}

// UpdateTask applies a partial patch to the task, whichever store owns it.
func (s *TaskService) UpdateTask(ctx context.Context, name string, patch model.TaskPatch) (*model.Task, error) {
	task, err := s.GetTask(ctx, name)
	if err != nil {
		return nil, err
	}
	return s.storeFor(task.StorageMode).Update(ctx, name, patch)
}

// DeleteTask removes the task from whichever store owns it. Returns whether a
// row was removed.
func (s *TaskService) DeleteTask(ctx context.Context, name string) (bool, error) {
	removed, err := s.persisted.Delete(ctx, name)
	if err != nil {
		return false, err
	}
	if removed {
		return true, nil
	}
	return s.memory.Delete(ctx, name)
}

func (s *TaskService) storeFor(mode model.TaskStorageMode) core.TaskRepository {
	if mode == model.TaskStorageInMemory {
		return s.memory
	}
	return s.persisted
}

// Start resets orphaned rows left by a previous instance and launches the
// polling loop.
func (s *TaskService) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	if s.started || s.starting {
		s.lifecycleMu.Unlock()
		return errors.New("task service already started")
	}
	s.starting = true
	s.stopRequested = false
	runCtx, cancel := context.WithCancel(context.Background())
	s.runCtx = runCtx
	s.runCancel = cancel
	s.lifecycleMu.Unlock()

	defer func() {
		s.lifecycleMu.Lock()
		s.starting = false
		s.lifecycleMu.Unlock()
	}()

	if err := s.resetOrphans(ctx); err != nil {
		return err
	}

	s.lifecycleMu.Lock()
	stopRequested := s.stopRequested
	if !stopRequested {
		s.started = true
	}
	s.lifecycleMu.Unlock()
	if stopRequested {
		return nil
	}

	done := make(chan struct{})
	s.lifecycleMu.Lock()
	s.pollDone = done
	s.lifecycleMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(done)
		s.pollLoop(runCtx)
	}()

	s.logger.InfoContext(ctx, "task service started",
		"instance_id", s.instance.InstanceID(),
		"polling_interval", s.cfg.PollingInterval,
	)
	return nil
}

// resetOrphans returns running rows stamped by a previous instance to idle.
func (s *TaskService) resetOrphans(ctx context.Context) error {
	instanceID := s.instance.InstanceID()
	for _, store := range []core.TaskRepository{s.persisted, s.memory} {
		orphaned, err := store.FindOrphaned(ctx, instanceID)
		if err != nil {
			return fmt.Errorf("find orphaned tasks: %w", err)
		}
		for _, task := range orphaned {
			if _, resetErr := store.Reset(ctx, task.Name); resetErr != nil {
				s.logger.ErrorContext(ctx, "reset orphaned task failed",
					"name", task.Name,
					"error", resetErr,
				)
				continue
			}
			s.logger.InfoContext(ctx, "reset orphaned task",
				"name", task.Name,
				"previous_instance", task.ProcessInstanceID,
			)
		}
	}
	return nil
}

// Stop shuts the engine down cooperatively: the poll loop exits, every
// running handler gets its cancellation signal, and Stop waits out the drain
// deadline before reporting stopped regardless.
func (s *TaskService) Stop(ctx context.Context) error {
	s.lifecycleMu.Lock()
	s.stopRequested = true
	cancel := s.runCancel
	s.lifecycleMu.Unlock()

	s.waitForStart()

	if cancel != nil {
		cancel()
	}

	s.runMu.Lock()
	for _, abort := range s.running {
		abort()
	}
	s.runMu.Unlock()

	if !s.waitForDrain() {
		s.runMu.Lock()
		stillRunning := len(s.running)
		s.runMu.Unlock()
		s.logger.WarnContext(ctx, "handlers did not drain before deadline",
			"deadline", s.cfg.DrainDeadline,
			"still_running", stillRunning,
		)
	}

	s.lifecycleMu.Lock()
	s.started = false
	s.runCtx = nil
	s.runCancel = nil
	s.pollDone = nil
	s.lifecycleMu.Unlock()

	s.logger.InfoContext(ctx, "task service stopped")
	return nil
}

func (s *TaskService) waitForStart() {
	deadline := time.Now().Add(s.cfg.StartWait)
	for time.Now().Before(deadline) {
		s.lifecycleMu.Lock()
		starting := s.starting
		s.lifecycleMu.Unlock()
		if !starting {
			return
		}
		time.Sleep(drainPollInterval)
	}
}

func (s *TaskService) waitForDrain() bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(s.cfg.DrainDeadline):
		return false
	}
}

func (s *TaskService) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick is one pass of the poll loop: reconcile stuck rows, then fire every
// due task that has a handler and is not already running in this process.
func (s *TaskService) tick(ctx context.Context) {
	now := s.timeProvider.Now()

	s.reconcileStuck(ctx, now)

	due := s.collectDue(ctx, now)
	for _, task := range due {
		if ctx.Err() != nil {
			return
		}
		if !s.registry.Has(task.Type) {
			s.logger.WarnContext(ctx, "no handler for due task",
				"name", task.Name,
				"type", task.Type,
			)
			continue
		}
		if !s.markRunning(task.Name) {
			continue
		}

		s.wg.Add(1)
		go func(t *model.Task) {
			defer s.wg.Done()
			s.executeTask(ctx, t)
		}(task)
	}
}

// reconcileStuck resets running rows whose run started longer ago than the
// stuck timeout, unless this process is still tracking the run.
func (s *TaskService) reconcileStuck(ctx context.Context, now time.Time) {
	cutoff := now.Add(-s.cfg.StuckTimeout)
	for _, store := range []core.TaskRepository{s.persisted, s.memory} {
		stuck, err := store.FindStuck(ctx, cutoff)
		if err != nil {
			s.logger.ErrorContext(ctx, "find stuck tasks failed", "error", err)
			continue
		}
		for _, task := range stuck {
			if s.isRunning(task.Name) {
				continue
			}
			if _, resetErr := store.Reset(ctx, task.Name); resetErr != nil {
				s.logger.ErrorContext(ctx, "reset stuck task failed",
					"name", task.Name,
					"error", resetErr,
				)
				continue
			}
			s.logger.WarnContext(ctx, "reset stuck task",
				"name", task.Name,
				"run_started_at", task.RunStartedAt,
			)
		}
	}
}

func (s *TaskService) collectDue(ctx context.Context, now time.Time) []*model.Task {
	var due []*model.Task
	for _, store := range []core.TaskRepository{s.persisted, s.memory} {
		batch, err := store.GetDueBefore(ctx, now)
		if err != nil {
			s.logger.ErrorContext(ctx, "query due tasks failed", "error", err)
			continue
		}
		due = append(due, batch...)
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextRunAt.Before(*due[j].NextRunAt)
	})
	return due
}

func (s *TaskService) markRunning(name string) bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if _, ok := s.running[name]; ok {
		return false
	}
	s.running[name] = func() {}
	return true
}

func (s *TaskService) isRunning(name string) bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	_, ok := s.running[name]
	return ok
}

func (s *TaskService) setAbort(name string, abort context.CancelFunc) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if _, ok := s.running[name]; ok {
		s.running[name] = abort
	}
}

func (s *TaskService) clearRunning(name string) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	delete(s.running, name)
}
