// Package metrics provides standardised metric emission helpers for the
// schedule and task engines.
package metrics

import (
	"time"

	obserrors "github.com/fnrouter/fnrouter/internal/observability/errors"
	"github.com/fnrouter/fnrouter/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
	ResultSkipped = "skipped"
	ResultTimeout = "timeout"
)

// TriggerMetric captures one schedule firing for metric emission.
type TriggerMetric struct {
	ScheduleType string
	Result       string
	Duration     time.Duration
	Err          error
}

// EmitScheduleTrigger emits standardised schedule firing metrics.
func EmitScheduleTrigger(sink statsd.Sink, in TriggerMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"schedule_type": in.ScheduleType,
		"result":        in.Result,
	}

	if in.Err != nil && in.Result == ResultError {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("schedule.trigger", 1, tags)

	if in.Duration > 0 {
		sink.Timing("schedule.trigger_duration", in.Duration, CloneTags(tags))
	}
}

// TaskRunMetric captures one task handler invocation for metric emission.
type TaskRunMetric struct {
	TaskType string
	Result   string
	Duration time.Duration
	Err      error
}

// EmitTaskRun emits standardised task run metrics.
func EmitTaskRun(sink statsd.Sink, in TaskRunMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"task_type": in.TaskType,
		"result":    in.Result,
	}

	if in.Err != nil && in.Result == ResultError {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("task.run", 1, tags)

	if in.Duration > 0 {
		sink.Timing("task.run_duration", in.Duration, CloneTags(tags))
	}
}

// CloneTags creates a shallow copy of a tag map, filtering out empty maps.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
