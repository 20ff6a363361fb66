package service

import (
	"context"
	"fmt"
	"time"

	"github.com/fnrouter/fnrouter/internal/core"
	"github.com/fnrouter/fnrouter/internal/domain/model"
	"github.com/fnrouter/fnrouter/internal/observability/metrics"
)

// executeTask runs one due task end to end: precondition check, claim,
// handler invocation under timeout, outcome write-back. The caller has
// already placed the task name in the running set.
func (s *TaskService) executeTask(ctx context.Context, task *model.Task) {
	defer s.clearRunning(task.Name)

	store := s.storeFor(task.StorageMode)
	desc, ok := s.registry.Get(task.Type)
	if !ok {
		return
	}

	now := s.timeProvider.Now()

	if desc.ShouldRun != nil && !desc.ShouldRun(task) {
		// The schedule still advances on a skipped run; the handler is simply
		// not invoked. One-off tasks therefore consume their single slot.
		s.finishRun(ctx, finishRunParams{
			Store:    store,
			Task:     task,
			Desc:     desc,
			Result:   model.HandlerResult{Success: true},
			Started:  now,
			Executed: false,
		})
		metrics.EmitTaskRun(s.metrics, metrics.TaskRunMetric{
			TaskType: task.Type,
			Result:   metrics.ResultSkipped,
		})
		return
	}

	claimed, err := store.Claim(ctx, core.ClaimParams{
		Name:       task.Name,
		InstanceID: s.instance.InstanceID(),
		Now:        now,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "claim task failed",
			"name", task.Name,
			"error", err,
		)
		return
	}
	if claimed == nil {
		// Someone else won the row. Abandon without touching state.
		return
	}

	result, aborted := s.runHandler(ctx, claimed, desc)
	if aborted {
		// Shutdown interrupted the run. Put the row back the way the claim
		// found it, clearing only the claim markers, so the task fires again
		// after restart. The parent context is already cancelled here.
		if _, err := store.Reset(context.WithoutCancel(ctx), claimed.Name); err != nil {
			s.logger.ErrorContext(ctx, "reset aborted task failed",
				"name", claimed.Name,
				"error", err,
			)
		}
		return
	}

	s.finishRun(ctx, finishRunParams{
		Store:    store,
		Task:     claimed,
		Desc:     desc,
		Result:   result,
		Started:  now,
		Executed: true,
	})

	runResult := metrics.ResultSuccess
	var runErr error
	if !result.Success {
		runResult = metrics.ResultError
		runErr = fmt.Errorf("%s", result.Error)
		if result.Error == timeoutError {
			runResult = metrics.ResultTimeout
			runErr = nil
		}
	}
	metrics.EmitTaskRun(s.metrics, metrics.TaskRunMetric{
		TaskType: task.Type,
		Result:   runResult,
		Duration: s.timeProvider.Now().Sub(now),
		Err:      runErr,
	})
}

const timeoutError = "timeout"

// runHandler invokes the handler with a cancellation signal and an abort
// timer. A panic or a timeout both become an ordinary failure result; a
// cancellation caused by shutdown is reported as aborted instead.
func (s *TaskService) runHandler(ctx context.Context, task *model.Task, desc HandlerDescriptor) (model.HandlerResult, bool) {
	timeout := s.cfg.DefaultTimeout
	if desc.Timeout > 0 {
		timeout = desc.Timeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	s.setAbort(task.Name, cancel)

	resultCh := make(chan model.HandlerResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- model.HandlerResult{
					Success: false,
					Error:   fmt.Sprintf("handler panic: %v", r),
				}
			}
		}()
		resultCh <- desc.Run(runCtx, task.Clone())
	}()

	select {
	case result := <-resultCh:
		return result, false
	case <-runCtx.Done():
		if ctx.Err() != nil {
			// Service shutdown, not a per-run timeout. The handler keeps
			// running in the background until it observes the signal.
			return model.HandlerResult{}, true
		}
		s.logger.WarnContext(ctx, "task handler timed out",
			"name", task.Name,
			"timeout", timeout,
		)
		return model.HandlerResult{Success: false, Error: timeoutError}, false
	}
}

type finishRunParams struct {
	Store    core.TaskRepository
	Task     *model.Task
	Desc     HandlerDescriptor
	Result   model.HandlerResult
	Started  time.Time
	Executed bool
}

// finishRun computes the outcome write set and marks the task idle. The
// next_run_at chain: explicit handler override, then schedule type, then
// nothing (dynamic tasks wait to be rescheduled).
func (s *TaskService) finishRun(ctx context.Context, p finishRunParams) {
	now := s.timeProvider.Now()

	outcome := model.TaskOutcome{LastRunAt: p.Started}

	switch {
	case p.Result.NextRunAt != nil:
		outcome.NextRunAt = p.Result.NextRunAt
	case p.Task.ScheduleType == model.TaskScheduleInterval:
		next := now.Add(p.Task.Interval)
		outcome.NextRunAt = &next
	}

	if !p.Executed {
		// A skipped run advances the schedule but says nothing about health;
		// the failure counter carries over untouched.
		outcome.ConsecutiveFailures = p.Task.ConsecutiveFailures
		if p.Task.LastError != nil {
			msg := *p.Task.LastError
			outcome.LastError = &msg
		}
	} else if p.Result.Success {
		outcome.ConsecutiveFailures = 0
	} else {
		outcome.ConsecutiveFailures = p.Task.ConsecutiveFailures + 1
		msg := p.Result.Error
		if msg == "" {
			msg = "handler failed"
		}
		outcome.LastError = &msg

		threshold := s.cfg.MaxConsecutiveFailures
		if p.Desc.MaxConsecutiveFailures > 0 {
			threshold = p.Desc.MaxConsecutiveFailures
		}
		if outcome.ConsecutiveFailures >= threshold {
			outcome.Disable = true
			outcome.NextRunAt = nil
			s.logger.WarnContext(ctx, "task disabled after repeated failures",
				"name", p.Task.Name,
				"consecutive_failures", outcome.ConsecutiveFailures,
				"threshold", threshold,
			)
		}
	}

	if _, err := p.Store.MarkIdle(ctx, p.Task.Name, outcome); err != nil {
		s.logger.ErrorContext(ctx, "write task outcome failed",
			"name", p.Task.Name,
			"error", err,
		)
		return
	}

	if p.Executed {
		s.logger.DebugContext(ctx, "task run finished",
			"name", p.Task.Name,
			"success", p.Result.Success,
			"next_run_at", outcome.NextRunAt,
		)
	} else {
		s.logger.DebugContext(ctx, "task run skipped",
			"name", p.Task.Name,
			"next_run_at", outcome.NextRunAt,
		)
	}
}
