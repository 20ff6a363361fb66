package service

import (
	"context"
	"time"

	"github.com/fnrouter/fnrouter/internal/domain/model"
	"github.com/fnrouter/fnrouter/internal/observability/metrics"
)

// requestReschedule coalesces timer recomputation requests. Every mutation
// that can change the soonest-due schedule calls this; multiple calls within
// the debounce window collapse into a single recomputation that observes all
// of them.
func (s *ScheduleService) requestReschedule() {
	ctx := s.runContext()
	if ctx == nil {
		return
	}

	s.timerMu.Lock()
	defer s.timerMu.Unlock()

	if s.rescheduleTimer != nil {
		s.rescheduleTimer.Stop()
	}
	s.rescheduleTimer = time.AfterFunc(s.cfg.MinRecalcInterval, func() {
		s.scheduleNextTrigger(ctx)
	})
}

// scheduleNextTrigger clears the current fire timer, queries the soonest
// active next_run_at, and arms one new timer. The delay is clamped to the
// configured maximum; a clamped timer re-arms on expiry without firing
// anything early. At most one fire timer is live at any moment.
func (s *ScheduleService) scheduleNextTrigger(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	target, err := s.repo.NextWakeup(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "query next wakeup failed", "error", err)
		return
	}

	s.timerMu.Lock()
	defer s.timerMu.Unlock()

	if s.fireTimer != nil {
		s.fireTimer.Stop()
		s.fireTimer = nil
	}
	s.nextScheduledTime = nil

	if target == nil {
		return
	}

	delay := target.Sub(s.timeProvider.Now())
	if delay < 0 {
		delay = 0
	}
	if delay > s.cfg.MaxTimeout {
		delay = s.cfg.MaxTimeout
	}

	t := *target
	s.nextScheduledTime = &t
	s.fireTimer = time.AfterFunc(delay, func() {
		s.onTimerFire(ctx)
	})
}

func (s *ScheduleService) onTimerFire(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	s.triggerDueSchedules(ctx)
	// Re-arm regardless of whether anything fired; a clamped timer lands here
	// with nothing due and simply moves the clamp window forward.
	s.scheduleNextTrigger(ctx)
}

// triggerDueSchedules fires every active schedule whose next_run_at has
// passed, in next_run_at order. Idempotent: a firing pass already in progress
// makes this a no-op.
func (s *ScheduleService) triggerDueSchedules(ctx context.Context) {
	s.triggerMu.Lock()
	if s.triggering {
		s.triggerMu.Unlock()
		return
	}
	s.triggering = true
	s.triggerMu.Unlock()

	defer func() {
		s.triggerMu.Lock()
		s.triggering = false
		s.triggerMu.Unlock()
	}()

	now := s.timeProvider.Now()
	due, err := s.repo.GetDueBefore(ctx, now)
	if err != nil {
		s.logger.ErrorContext(ctx, "query due schedules failed", "error", err)
		return
	}

	for _, sched := range due {
		if ctx.Err() != nil {
			return
		}
		if err := s.fireSchedule(ctx, sched); err != nil {
			s.logger.ErrorContext(ctx, "fire schedule failed",
				"name", sched.Name,
				"type", sched.Type,
				"error", err,
			)
		}
	}
}

// fireSchedule enqueues the schedule's job and advances its state according
// to type. Enqueue failures are absorbed into the failure escalation path and
// never escape a trigger cycle.
func (s *ScheduleService) fireSchedule(ctx context.Context, sched *model.Schedule) error {
	now := s.timeProvider.Now()
	start := time.Now()

	job, err := s.queue.Enqueue(ctx, &model.EnqueueRequest{
		Type:          sched.Job.Type,
		Payload:       sched.Job.Payload,
		Priority:      sched.Job.Priority,
		MaxRetries:    sched.Job.MaxRetries,
		ExecutionMode: sched.Job.ExecutionMode,
		ReferenceType: sched.Job.ReferenceType,
		ReferenceID:   sched.Job.ReferenceID,
	})
	if err != nil {
		s.recordTriggerFailure(ctx, sched, err)
		metrics.EmitScheduleTrigger(s.metrics, metrics.TriggerMetric{
			ScheduleType: string(sched.Type),
			Result:       metrics.ResultError,
			Duration:     time.Since(start),
			Err:          err,
		})
		return nil
	}

	patch := model.SchedulePatch{LastTriggeredAt: &now}

	switch sched.Type {
	case model.ScheduleTypeOneOff:
		// One enqueue over the schedule's lifetime; terminal immediately.
		status := model.ScheduleStatusCompleted
		patch.Status = &status
		patch.ClearNextRunAt = true
		patch.ActiveJobID = &job.ID
	case model.ScheduleTypeDynamic, model.ScheduleTypeSequentialInterval:
		// The next firing time is only known after the job's terminal event.
		patch.ClearNextRunAt = true
		patch.ActiveJobID = &job.ID
	case model.ScheduleTypeConcurrentInterval:
		next := now.Add(sched.Interval)
		patch.NextRunAt = &next
	}

	if _, err := s.repo.Update(ctx, sched.Name, patch); err != nil {
		s.logger.ErrorContext(ctx, "record trigger failed",
			"name", sched.Name,
			"job_id", job.ID,
			"error", err,
		)
		return err
	}

	if sched.Type != model.ScheduleTypeConcurrentInterval {
		s.subscribeToJob(job.ID, sched.Name)
	}

	s.logger.InfoContext(ctx, "schedule fired",
		"name", sched.Name,
		"type", sched.Type,
		"job_id", job.ID,
		"job_type", sched.Job.Type,
	)
	metrics.EmitScheduleTrigger(s.metrics, metrics.TriggerMetric{
		ScheduleType: string(sched.Type),
		Result:       metrics.ResultSuccess,
		Duration:     time.Since(start),
	})
	return nil
}

// recordTriggerFailure applies the failure escalation rules when an enqueue
// attempt itself fails.
func (s *ScheduleService) recordTriggerFailure(ctx context.Context, sched *model.Schedule, cause error) {
	now := s.timeProvider.Now()
	failures := sched.ConsecutiveFailures + 1
	msg := cause.Error()

	patch := model.SchedulePatch{
		ConsecutiveFailures: &failures,
		LastError:           &msg,
	}

	if failures >= sched.MaxConsecutiveFailures {
		status := model.ScheduleStatusError
		patch.Status = &status
		patch.ClearNextRunAt = true
	} else {
		retry := now.Add(s.retryDelay(sched))
		patch.NextRunAt = &retry
	}

	if _, err := s.repo.Update(ctx, sched.Name, patch); err != nil {
		s.logger.ErrorContext(ctx, "record trigger failure failed",
			"name", sched.Name,
			"error", err,
		)
		return
	}

	s.logger.WarnContext(ctx, "schedule trigger failed",
		"name", sched.Name,
		"consecutive_failures", failures,
		"max_consecutive_failures", sched.MaxConsecutiveFailures,
		"error", cause,
	)
}

func (s *ScheduleService) retryDelay(sched *model.Schedule) time.Duration {
	if sched.Type.IsInterval() && sched.Interval > 0 {
		return sched.Interval
	}
	return s.cfg.DynamicRetryDelay
}

func (s *ScheduleService) runContext() context.Context {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	return s.runCtx
}
