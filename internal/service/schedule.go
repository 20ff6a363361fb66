package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	jmespath "github.com/jmespath-community/go-jmespath"

	"github.com/fnrouter/fnrouter/internal/core"
	"github.com/fnrouter/fnrouter/internal/data"
	"github.com/fnrouter/fnrouter/internal/domain/model"
	"github.com/fnrouter/fnrouter/internal/observability/statsd"
)

// Conflict errors surfaced by the schedule API. No state changes on conflict.
var (
	// ErrScheduleNotActive is returned when pausing a schedule that is not active.
	ErrScheduleNotActive = errors.New("schedule is not active")
	// ErrScheduleNotPaused is returned when resuming a schedule that is not paused.
	ErrScheduleNotPaused = errors.New("schedule is not paused")
	// ErrScheduleTerminal is returned when operating on a completed or errored schedule.
	ErrScheduleTerminal = errors.New("schedule is in a terminal state")
	// ErrJobInFlight is returned when triggering a schedule that is waiting on a job.
	ErrJobInFlight = errors.New("schedule has a job in flight")
)

// ScheduleService owns all schedule state: it validates and persists schedule
// definitions, runs the single-timer firing loop, and applies completion
// events from the job queue. Callers receive snapshots; the service is the
// only writer.
type ScheduleService struct {
	repo         core.ScheduleRepository
	queue        core.JobQueue
	completions  core.CompletionStream
	cfg          core.ScheduleEngineConfig
	timeProvider data.TimeProvider
	logger       *slog.Logger
	metrics      statsd.Sink
	nextRunPath  jmespath.JMESPath

	// Timer state. One armed fire timer and one pending debounce timer at most.
	timerMu           sync.Mutex
	fireTimer         *time.Timer
	rescheduleTimer   *time.Timer
	nextScheduledTime *time.Time

	// triggerMu serialises triggerDueSchedules; tryLock makes it idempotent.
	triggerMu  sync.Mutex
	triggering bool

	// Active push subscriptions, keyed by job id.
	subsMu sync.Mutex
	subs   map[string]func()

	lifecycleMu   sync.Mutex
	started       bool
	starting      bool
	stopRequested bool
	runCtx        context.Context
	runCancel     context.CancelFunc
	pollerDone    chan struct{}
}

// ScheduleServiceOptions holds the dependencies for creating a ScheduleService.
type ScheduleServiceOptions struct {
	Repo         core.ScheduleRepository
	Queue        core.JobQueue
	Completions  core.CompletionStream // optional; nil selects the poll router
	Config       *core.ScheduleEngineConfig
	TimeProvider data.TimeProvider
	Logger       *slog.Logger
	Metrics      statsd.Sink
}

// NewScheduleService creates a ScheduleService from the given options.
func NewScheduleService(opts ScheduleServiceOptions) (*ScheduleService, error) {
	if opts.Repo == nil {
		return nil, errors.New("schedule repository is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("job queue is required")
	}
	if opts.TimeProvider == nil {
		opts.TimeProvider = &data.RealTimeProvider{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	cfg := core.DefaultScheduleEngineConfig()
	if opts.Config != nil {
		cfg = *opts.Config
	}
	cfg.Sanitize()

	nextRunPath, err := jmespath.Compile(cfg.ResultNextRunPath)
	if err != nil {
		return nil, fmt.Errorf("compile result next-run path %q: %w", cfg.ResultNextRunPath, err)
	}

	return &ScheduleService{
		repo:         opts.Repo,
		queue:        opts.Queue,
		completions:  opts.Completions,
		cfg:          cfg,
		timeProvider: opts.TimeProvider,
		logger:       opts.Logger.With("component", "schedule_service"),
		metrics:      opts.Metrics,
		nextRunPath:  nextRunPath,
		subs:         make(map[string]func()),
	}, nil
}

// Register validates and persists a new schedule, then requests a timer
// recomputation.
func (s *ScheduleService) Register(ctx context.Context, req *model.CreateScheduleRequest) (*model.Schedule, error) {
	if req == nil {
		return nil, errors.New("create schedule request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	maxFailures := req.MaxConsecutiveFailures
	if maxFailures == 0 {
		maxFailures = s.cfg.MaxConsecutiveFailures
	}

	draft := &model.Schedule{
		Name:                   req.Name,
		Description:            req.Description,
		Type:                   req.Type,
		Status:                 model.ScheduleStatusActive,
		IsPersistent:           req.IsPersistent,
		NextRunAt:              req.NextRunAt,
		Interval:               req.Interval,
		Job:                    req.Job,
		MaxConsecutiveFailures: maxFailures,
	}
	if draft.NextRunAt == nil && req.Type.IsInterval() {
		next := s.timeProvider.Now().Add(req.Interval)
		draft.NextRunAt = &next
	}

	created, err := s.repo.Create(ctx, draft)
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "schedule registered",
		"name", created.Name,
		"type", created.Type,
		"next_run_at", created.NextRunAt,
	)
	s.requestReschedule()
	return created, nil
}

// Get returns the schedule by name.
func (s *ScheduleService) Get(ctx context.Context, name string) (*model.Schedule, error) {
	return s.repo.GetByName(ctx, name)
}

// GetByID returns the schedule by store id.
func (s *ScheduleService) GetByID(ctx context.Context, id string) (*model.Schedule, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns all schedules ordered by name.
func (s *ScheduleService) List(ctx context.Context) ([]*model.Schedule, error) {
	return s.repo.GetAll(ctx)
}

// Update applies a partial update. An interval change does not touch
// next_run_at while a job is in flight; the completion handler picks up the
// new interval. An empty patch only bumps updated_at.
func (s *ScheduleService) Update(ctx context.Context, name string, req *model.UpdateScheduleRequest) (*model.Schedule, error) {
	if req == nil {
		return nil, errors.New("update schedule request is required")
	}

	current, err := s.repo.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := req.Validate(current.Type); err != nil {
		return nil, err
	}

	patch := model.SchedulePatch{
		Description:      req.Description,
		ClearDescription: req.ClearDescription,
		Interval:         req.Interval,
		JobPayload:       req.JobPayload,
		JobPriority:      req.JobPriority,
		JobMaxRetries:    req.JobMaxRetries,
		MaxFailures:      req.MaxFailures,
	}

	if req.Interval != nil && current.ActiveJobID == nil {
		switch req.NextRunMode {
		case model.NextRunModePreserve:
			// keep the stored next_run_at
		case model.NextRunModeExplicit:
			patch.NextRunAt = req.NextRunAt
		default:
			next := s.timeProvider.Now().Add(*req.Interval)
			patch.NextRunAt = &next
		}
	} else if req.NextRunMode == model.NextRunModeExplicit {
		patch.NextRunAt = req.NextRunAt
	}

	updated, err := s.repo.Update(ctx, name, patch)
	if err != nil {
		return nil, err
	}

	s.requestReschedule()
	return updated, nil
}

// Pause suspends firing for an active schedule. The record and its
// next_run_at are retained so Resume can restore it.
func (s *ScheduleService) Pause(ctx context.Context, name string) (*model.Schedule, error) {
	current, err := s.repo.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if current.Status != model.ScheduleStatusActive {
		return nil, fmt.Errorf("pause %s: %w", name, ErrScheduleNotActive)
	}

	status := model.ScheduleStatusPaused
	updated, err := s.repo.Update(ctx, name, model.SchedulePatch{Status: &status})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "schedule paused", "name", name)
	s.requestReschedule()
	return updated, nil
}

// Resume reactivates a paused schedule. Interval types get a fresh
// next_run_at; one-off and dynamic keep their stored target.
func (s *ScheduleService) Resume(ctx context.Context, name string) (*model.Schedule, error) {
	current, err := s.repo.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if current.Status != model.ScheduleStatusPaused {
		return nil, fmt.Errorf("resume %s: %w", name, ErrScheduleNotPaused)
	}

	status := model.ScheduleStatusActive
	patch := model.SchedulePatch{Status: &status}
	if current.Type.IsInterval() && current.ActiveJobID == nil {
		next := s.timeProvider.Now().Add(current.Interval)
		patch.NextRunAt = &next
	}

	updated, err := s.repo.Update(ctx, name, patch)
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "schedule resumed", "name", name, "next_run_at", updated.NextRunAt)
	s.requestReschedule()
	return updated, nil
}

// Cancel stops a schedule for good: any in-flight job is cancelled in the
// queue and the record moves to completed.
func (s *ScheduleService) Cancel(ctx context.Context, name string) (*model.Schedule, error) {
	current, err := s.repo.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if current.Status.Terminal() {
		return nil, fmt.Errorf("cancel %s: %w", name, ErrScheduleTerminal)
	}

	if current.ActiveJobID != nil {
		jobID := *current.ActiveJobID
		s.dropSubscription(jobID)
		if cancelErr := s.queue.CancelJob(ctx, jobID, "schedule cancelled"); cancelErr != nil {
			s.logger.WarnContext(ctx, "cancel in-flight job failed",
				"name", name,
				"job_id", jobID,
				"error", cancelErr,
			)
		}
	}

	status := model.ScheduleStatusCompleted
	updated, err := s.repo.Update(ctx, name, model.SchedulePatch{
		Status:           &status,
		ClearNextRunAt:   true,
		ClearActiveJobID: true,
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "schedule cancelled", "name", name)
	s.requestReschedule()
	return updated, nil
}

// Delete removes the schedule. Any in-flight job is cancelled first.
func (s *ScheduleService) Delete(ctx context.Context, name string) (bool, error) {
	current, err := s.repo.GetByName(ctx, name)
	if err != nil {
		if errors.Is(err, data.ErrScheduleNotFound) {
			return false, nil
		}
		return false, err
	}

	if current.ActiveJobID != nil {
		jobID := *current.ActiveJobID
		s.dropSubscription(jobID)
		if cancelErr := s.queue.CancelJob(ctx, jobID, "schedule deleted"); cancelErr != nil {
			s.logger.WarnContext(ctx, "cancel in-flight job failed",
				"name", name,
				"job_id", jobID,
				"error", cancelErr,
			)
		}
	}

	removed, err := s.repo.Delete(ctx, name)
	if err != nil {
		return false, err
	}

	s.requestReschedule()
	return removed, nil
}

// TriggerNow fires the schedule immediately, bypassing next_run_at. Rejected
// for terminal schedules and for schedules already waiting on a job.
func (s *ScheduleService) TriggerNow(ctx context.Context, name string) (*model.Schedule, error) {
	current, err := s.repo.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if current.Status.Terminal() {
		return nil, fmt.Errorf("trigger %s: %w", name, ErrScheduleTerminal)
	}
	if current.ActiveJobID != nil {
		return nil, fmt.Errorf("trigger %s: %w", name, ErrJobInFlight)
	}

	if err := s.fireSchedule(ctx, current); err != nil {
		return nil, err
	}

	s.requestReschedule()
	return s.repo.GetByName(ctx, name)
}

func (s *ScheduleService) resultNextRun(result json.RawMessage) (*time.Time, error) {
	if len(result) == 0 {
		return nil, nil
	}

	var doc any
	if err := json.Unmarshal(result, &doc); err != nil {
		return nil, fmt.Errorf("decode job result: %w", err)
	}

	raw, err := s.nextRunPath.Search(doc)
	if err != nil {
		return nil, fmt.Errorf("evaluate result next-run path: %w", err)
	}
	if raw == nil {
		return nil, nil
	}

	str, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("result next-run value is %T, want RFC 3339 string", raw)
	}
	t, err := time.Parse(time.RFC3339, str)
	if err != nil {
		return nil, fmt.Errorf("parse result next-run time: %w", err)
	}
	return &t, nil
}
