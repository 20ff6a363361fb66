package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fnrouter/fnrouter/internal/data"
	"github.com/fnrouter/fnrouter/internal/domain/model"
)

const (
	scheduleStartWait     = 5 * time.Second
	scheduleDrainDeadline = 30 * time.Second
	drainPollInterval     = 50 * time.Millisecond
)

// Start runs the recovery protocol and arms the firing timer. Recovery order:
// purge ephemeral schedules, reconcile stale active job ids, re-subscribe to
// surviving in-flight jobs.
func (s *ScheduleService) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	if s.started || s.starting {
		s.lifecycleMu.Unlock()
		return errors.New("schedule service already started")
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

	purged, err := s.repo.DeleteEphemeral(ctx)
	if err != nil {
		return fmt.Errorf("purge ephemeral schedules: %w", err)
	}
	if purged > 0 {
		s.logger.InfoContext(ctx, "purged ephemeral schedules", "count", purged)
	}

	if err := s.reconcileActiveJobs(ctx); err != nil {
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

	s.scheduleNextTrigger(runCtx)
	if s.completions == nil {
		s.startCompletionPoller(runCtx)
	}

	s.logger.InfoContext(ctx, "schedule service started",
		"completion_router", s.completionRouterName(),
	)
	return nil
}

// reconcileActiveJobs clears stale active job ids left by a previous instance
// and re-subscribes to jobs that are still in flight.
func (s *ScheduleService) reconcileActiveJobs(ctx context.Context) error {
	inFlight, err := s.repo.ListWithActiveJob(ctx)
	if err != nil {
		return fmt.Errorf("list schedules with active job: %w", err)
	}

	now := s.timeProvider.Now()
	for _, sched := range inFlight {
		jobID := *sched.ActiveJobID

		job, jobErr := s.queue.GetJob(ctx, jobID)
		if jobErr != nil {
			s.logger.ErrorContext(ctx, "look up in-flight job failed",
				"name", sched.Name,
				"job_id", jobID,
				"error", jobErr,
			)
			continue
		}

		if job != nil && job.Status.InFlight() {
			s.subscribeToJob(jobID, sched.Name)
			continue
		}

		// The job is gone or already terminal: the completion event was lost
		// with the previous instance. Clear the marker; interval schedules get
		// a fresh next_run_at so they keep firing.
		patch := model.SchedulePatch{ClearActiveJobID: true}
		if sched.Type.IsInterval() && sched.Status == model.ScheduleStatusActive {
			next := now.Add(sched.Interval)
			patch.NextRunAt = &next
		}
		if _, updateErr := s.repo.Update(ctx, sched.Name, patch); updateErr != nil {
			s.logger.ErrorContext(ctx, "reset stale active job failed",
				"name", sched.Name,
				"job_id", jobID,
				"error", updateErr,
			)
			continue
		}
		s.logger.InfoContext(ctx, "reset stale active job",
			"name", sched.Name,
			"job_id", jobID,
		)
	}
	return nil
}

// Stop shuts the engine down: no new timer fires after it returns. Waits up
// to 5s for an in-progress Start, then up to 30s for a firing pass to drain.
// Cancellation is cooperative; an over-deadline pass keeps running in the
// background but the service reports stopped.
func (s *ScheduleService) Stop(ctx context.Context) error {
	s.lifecycleMu.Lock()
	s.stopRequested = true
	cancel := s.runCancel
	poller := s.pollerDone
	s.lifecycleMu.Unlock()

	s.waitForStart()

	if cancel != nil {
		cancel()
	}

	s.timerMu.Lock()
	if s.fireTimer != nil {
		s.fireTimer.Stop()
		s.fireTimer = nil
	}
	if s.rescheduleTimer != nil {
		s.rescheduleTimer.Stop()
		s.rescheduleTimer = nil
	}
	s.nextScheduledTime = nil
	s.timerMu.Unlock()

	s.dropAllSubscriptions()

	if !s.waitForTriggerDrain() {
		s.logger.WarnContext(ctx, "firing pass did not drain before deadline",
			"deadline", scheduleDrainDeadline,
		)
	}
	if poller != nil {
		<-poller
	}

	s.lifecycleMu.Lock()
	s.started = false
	s.runCtx = nil
	s.runCancel = nil
	s.pollerDone = nil
	s.lifecycleMu.Unlock()

	s.logger.InfoContext(ctx, "schedule service stopped")
	return nil
}

func (s *ScheduleService) waitForStart() {
	deadline := time.Now().Add(scheduleStartWait)
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

func (s *ScheduleService) waitForTriggerDrain() bool {
	deadline := time.Now().Add(scheduleDrainDeadline)
	for time.Now().Before(deadline) {
		s.triggerMu.Lock()
		triggering := s.triggering
		s.triggerMu.Unlock()
		if !triggering {
			return true
		}
		time.Sleep(drainPollInterval)
	}
	return false
}

func (s *ScheduleService) completionRouterName() string {
	if s.completions == nil {
		return "poll"
	}
	return "push"
}

// subscribeToJob registers for the job's terminal event on the push stream.
// A completion that raced the subscription is caught by checking the job row
// once after attaching.
func (s *ScheduleService) subscribeToJob(jobID, scheduleName string) {
	if s.completions == nil {
		return
	}

	ctx := s.runContext()
	if ctx == nil {
		ctx = context.Background()
	}

	unsubscribe, err := s.completions.SubscribeCompletion(ctx, jobID, func(event model.CompletionEvent) {
		s.handleCompletion(context.Background(), scheduleName, event)
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "subscribe to job completion failed",
			"name", scheduleName,
			"job_id", jobID,
			"error", err,
		)
		return
	}

	s.subsMu.Lock()
	if prev, ok := s.subs[jobID]; ok {
		prev()
	}
	s.subs[jobID] = unsubscribe
	s.subsMu.Unlock()

	job, err := s.queue.GetJob(ctx, jobID)
	if err != nil || job == nil || !job.Status.Terminal() {
		return
	}
	if event, ok := terminalEvent(job); ok {
		s.handleCompletion(ctx, scheduleName, event)
	}
}

func (s *ScheduleService) dropSubscription(jobID string) {
	s.subsMu.Lock()
	unsubscribe, ok := s.subs[jobID]
	delete(s.subs, jobID)
	s.subsMu.Unlock()
	if ok {
		unsubscribe()
	}
}

func (s *ScheduleService) dropAllSubscriptions() {
	s.subsMu.Lock()
	subs := s.subs
	s.subs = make(map[string]func())
	s.subsMu.Unlock()
	for _, unsubscribe := range subs {
		unsubscribe()
	}
}

// handleCompletion applies a job's terminal event to its schedule. Events
// whose job id no longer matches the schedule's active job id are stale
// (a race with delete or reset) and are dropped.
func (s *ScheduleService) handleCompletion(ctx context.Context, scheduleName string, event model.CompletionEvent) {
	if event.Job == nil {
		return
	}
	s.dropSubscription(event.Job.ID)

	sched, err := s.repo.GetByName(ctx, scheduleName)
	if err != nil {
		if !errors.Is(err, data.ErrScheduleNotFound) {
			s.logger.ErrorContext(ctx, "load schedule for completion failed",
				"name", scheduleName,
				"error", err,
			)
		}
		return
	}
	if sched.ActiveJobID == nil || *sched.ActiveJobID != event.Job.ID {
		s.logger.DebugContext(ctx, "dropping stale completion event",
			"name", scheduleName,
			"job_id", event.Job.ID,
		)
		return
	}

	var patch model.SchedulePatch
	if event.Type == model.CompletionCompleted {
		patch = s.completionPatch(ctx, sched, event.Job)
	} else {
		patch = s.failurePatch(sched, event)
	}

	if _, err := s.repo.Update(ctx, scheduleName, patch); err != nil {
		s.logger.ErrorContext(ctx, "apply completion event failed",
			"name", scheduleName,
			"job_id", event.Job.ID,
			"error", err,
		)
		return
	}

	s.logger.InfoContext(ctx, "completion event applied",
		"name", scheduleName,
		"job_id", event.Job.ID,
		"event", event.Type,
	)
	s.requestReschedule()
}

// completionPatch builds the state transition for a successful completion.
func (s *ScheduleService) completionPatch(ctx context.Context, sched *model.Schedule, job *model.Job) model.SchedulePatch {
	now := s.timeProvider.Now()
	zero := 0
	patch := model.SchedulePatch{
		ClearActiveJobID:    true,
		LastCompletedAt:     &now,
		ConsecutiveFailures: &zero,
		ClearLastError:      true,
	}

	switch sched.Type {
	case model.ScheduleTypeDynamic:
		next, err := s.resultNextRun(job.Result)
		if err != nil {
			s.logger.WarnContext(ctx, "read next run time from job result failed",
				"name", sched.Name,
				"job_id", job.ID,
				"error", err,
			)
		}
		if next == nil {
			status := model.ScheduleStatusCompleted
			patch.Status = &status
			patch.ClearNextRunAt = true
		} else {
			patch.NextRunAt = next
		}
	case model.ScheduleTypeSequentialInterval:
		next := now.Add(sched.Interval)
		patch.NextRunAt = &next
	case model.ScheduleTypeOneOff, model.ScheduleTypeConcurrentInterval:
		// Nothing to reschedule.
	}
	return patch
}

// failurePatch builds the state transition for a failed or cancelled job.
func (s *ScheduleService) failurePatch(sched *model.Schedule, event model.CompletionEvent) model.SchedulePatch {
	now := s.timeProvider.Now()
	failures := sched.ConsecutiveFailures + 1
	msg := failureMessage(event)

	patch := model.SchedulePatch{
		ClearActiveJobID:    true,
		ConsecutiveFailures: &failures,
		LastError:           &msg,
	}

	switch {
	case failures >= sched.MaxConsecutiveFailures:
		status := model.ScheduleStatusError
		patch.Status = &status
		patch.ClearNextRunAt = true
	case sched.Type == model.ScheduleTypeSequentialInterval:
		retry := now.Add(sched.Interval)
		patch.NextRunAt = &retry
	case sched.Type == model.ScheduleTypeDynamic:
		retry := now.Add(s.cfg.DynamicRetryDelay)
		patch.NextRunAt = &retry
	}
	return patch
}

func failureMessage(event model.CompletionEvent) string {
	if event.Job.LastError != nil && *event.Job.LastError != "" {
		return *event.Job.LastError
	}
	if event.Job.CancelReason != nil && *event.Job.CancelReason != "" {
		return *event.Job.CancelReason
	}
	return "job " + string(event.Type)
}

// startCompletionPoller runs the poll-variant completion router: a recurring
// scan over schedules with a job in flight, acting on any terminal status.
func (s *ScheduleService) startCompletionPoller(ctx context.Context) {
	done := make(chan struct{})
	s.lifecycleMu.Lock()
	s.pollerDone = done
	s.lifecycleMu.Unlock()

	go func() {
		defer close(done)

		ticker := time.NewTicker(s.cfg.CompletionCheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.pollCompletions(ctx)
			}
		}
	}()
}

func (s *ScheduleService) pollCompletions(ctx context.Context) {
	inFlight, err := s.repo.ListWithActiveJob(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "list schedules with active job failed", "error", err)
		return
	}

	now := s.timeProvider.Now()
	for _, sched := range inFlight {
		jobID := *sched.ActiveJobID

		job, jobErr := s.queue.GetJob(ctx, jobID)
		if jobErr != nil {
			s.logger.ErrorContext(ctx, "poll job failed",
				"name", sched.Name,
				"job_id", jobID,
				"error", jobErr,
			)
			continue
		}

		if job == nil {
			// Purged out from under us; same treatment as startup recovery.
			patch := model.SchedulePatch{ClearActiveJobID: true}
			if sched.Type.IsInterval() && sched.Status == model.ScheduleStatusActive {
				next := now.Add(sched.Interval)
				patch.NextRunAt = &next
			}
			if _, updateErr := s.repo.Update(ctx, sched.Name, patch); updateErr != nil {
				s.logger.ErrorContext(ctx, "reset purged job failed",
					"name", sched.Name,
					"job_id", jobID,
					"error", updateErr,
				)
			}
			continue
		}

		if event, ok := terminalEvent(job); ok {
			s.handleCompletion(ctx, sched.Name, event)
		}
	}
}

func terminalEvent(job *model.Job) (model.CompletionEvent, bool) {
	eventType, err := model.CompletionEventForStatus(job.Status)
	if err != nil {
		return model.CompletionEvent{}, false
	}
	return model.CompletionEvent{Type: eventType, Job: job}, true
}
