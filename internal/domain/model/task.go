package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// TaskScheduleType represents the firing strategy of a task.
type TaskScheduleType string

// TaskStorageMode selects which store owns the task row.
type TaskStorageMode string

// TaskStatus represents the execution state of a task.
type TaskStatus string

const (
	// TaskScheduleOneOff runs once at ScheduledAt.
	TaskScheduleOneOff TaskScheduleType = "one_off"
	// TaskScheduleInterval runs every Interval.
	TaskScheduleInterval TaskScheduleType = "interval"
	// TaskScheduleDynamic runs when the handler (or a caller) supplies the next time.
	TaskScheduleDynamic TaskScheduleType = "dynamic"

	// TaskStoragePersisted keeps the task in the row store across restarts.
	TaskStoragePersisted TaskStorageMode = "persisted"
	// TaskStorageInMemory keeps the task in process memory only.
	TaskStorageInMemory TaskStorageMode = "in_memory"

	// TaskStatusIdle indicates the task is waiting for its next run.
	TaskStatusIdle TaskStatus = "idle"
	// TaskStatusRunning indicates a handler invocation is in flight.
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusDisabled indicates the task was switched off, manually or by the failure threshold.
	TaskStatusDisabled TaskStatus = "disabled"
)

// Valid returns true if the TaskScheduleType is valid.
func (t TaskScheduleType) Valid() bool {
	return t == TaskScheduleOneOff || t == TaskScheduleInterval || t == TaskScheduleDynamic
}

// Valid returns true if the TaskStorageMode is valid.
func (m TaskStorageMode) Valid() bool {
	return m == TaskStoragePersisted || m == TaskStorageInMemory
}

// Valid returns true if the TaskStatus is valid.
func (s TaskStatus) Valid() bool {
	return s == TaskStatusIdle || s == TaskStatusRunning || s == TaskStatusDisabled
}

// Task is a lighter scheduled record whose handler is invoked directly by the
// task service, without going through the job queue. In-memory tasks carry
// negative synthetic ids so they never collide with persisted row ids.
type Task struct {
	ID                  int64            `json:"id"`
	Name                string           `json:"name"`
	Type                string           `json:"type"`
	ScheduleType        TaskScheduleType `json:"schedule_type"`
	StorageMode         TaskStorageMode  `json:"storage_mode"`
	Interval            time.Duration    `json:"interval_seconds,omitempty"`
	ScheduledAt         *time.Time       `json:"scheduled_at,omitempty"`
	Enabled             bool             `json:"enabled"`
	Payload             json.RawMessage  `json:"payload,omitempty"`
	Status              TaskStatus       `json:"status"`
	NextRunAt           *time.Time       `json:"next_run_at,omitempty"`
	LastRunAt           *time.Time       `json:"last_run_at,omitempty"`
	RunStartedAt        *time.Time       `json:"run_started_at,omitempty"`
	LastError           *string          `json:"last_error,omitempty"`
	ConsecutiveFailures int              `json:"consecutive_failures"`
	ProcessInstanceID   *string          `json:"process_instance_id,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// Clone returns a deep copy so callers cannot mutate service-owned state.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.ScheduledAt = cloneTimePtr(t.ScheduledAt)
	cp.Payload = append(json.RawMessage(nil), t.Payload...)
	cp.NextRunAt = cloneTimePtr(t.NextRunAt)
	cp.LastRunAt = cloneTimePtr(t.LastRunAt)
	cp.RunStartedAt = cloneTimePtr(t.RunStartedAt)
	cp.LastError = cloneStringPtr(t.LastError)
	cp.ProcessInstanceID = cloneStringPtr(t.ProcessInstanceID)
	return &cp
}

// CreateTaskRequest represents a request to register a new task.
type CreateTaskRequest struct {
	Name         string           `json:"name"`
	Type         string           `json:"type"`
	ScheduleType TaskScheduleType `json:"schedule_type"`
	StorageMode  TaskStorageMode  `json:"storage_mode"`
	Interval     time.Duration    `json:"interval_seconds,omitempty"`
	ScheduledAt  *time.Time       `json:"scheduled_at,omitempty"`
	NextRunAt    *time.Time       `json:"next_run_at,omitempty"`
	Enabled      *bool            `json:"enabled,omitempty"`
	Payload      json.RawMessage  `json:"payload,omitempty"`
}

// Validate validates the CreateTaskRequest fields.
func (r *CreateTaskRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("name is required")
	}
	if strings.TrimSpace(r.Type) == "" {
		return errors.New("type is required")
	}
	if !r.ScheduleType.Valid() {
		return fmt.Errorf("invalid schedule type: %q", r.ScheduleType)
	}
	if !r.StorageMode.Valid() {
		return fmt.Errorf("invalid storage mode: %q", r.StorageMode)
	}
	if r.ScheduleType == TaskScheduleInterval && r.Interval <= 0 {
		return errors.New("interval must be positive for interval tasks")
	}
	if r.ScheduleType == TaskScheduleOneOff && r.ScheduledAt == nil {
		return errors.New("scheduled_at is required for one-off tasks")
	}
	return nil
}

// TaskPatch is the repository-level partial update for a task. Nil fields keep
// their stored value. Status may be set to idle or disabled only; the
// idle -> running transition belongs exclusively to Claim so that orphan
// detection always sees a process instance id on running rows.
type TaskPatch struct {
	Enabled        *bool
	Payload        *json.RawMessage
	Interval       *time.Duration
	NextRunAt      *time.Time
	ClearNextRunAt bool
	Status         *TaskStatus
	LastError      *string
	ClearLastError bool
}

// Validate rejects patches that bypass the claim path.
func (p *TaskPatch) Validate() error {
	if p.Status != nil && *p.Status == TaskStatusRunning {
		return errors.New("status cannot be set to running through update; use claim")
	}
	if p.Interval != nil && *p.Interval <= 0 {
		return errors.New("interval must be positive")
	}
	return nil
}

// TaskOutcome is the write set applied by markIdle after a run (or a skipped
// run) finishes. It atomically clears the running markers.
type TaskOutcome struct {
	LastRunAt           time.Time
	NextRunAt           *time.Time
	LastError           *string
	ConsecutiveFailures int
	Disable             bool
}

// HandlerResult is what a task handler returns. NextRunAt, when set, overrides
// the schedule-type-derived next firing time.
type HandlerResult struct {
	Success   bool            `json:"success"`
	Error     string          `json:"error,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	NextRunAt *time.Time      `json:"next_run_at,omitempty"`
}
