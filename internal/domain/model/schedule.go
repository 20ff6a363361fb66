// Package model defines the core data types and structures used throughout the fnrouter scheduling system.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ScheduleType represents the firing strategy of a schedule.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type ScheduleType string

// ScheduleStatus represents the current lifecycle state of a schedule.
type ScheduleStatus string

const (
	// ScheduleTypeOneOff fires exactly once at NextRunAt.
	ScheduleTypeOneOff ScheduleType = "one_off"
	// ScheduleTypeDynamic fires at NextRunAt; the job result supplies the next firing time.
	ScheduleTypeDynamic ScheduleType = "dynamic"
	// ScheduleTypeSequentialInterval fires every Interval, waiting for job completion between firings.
	ScheduleTypeSequentialInterval ScheduleType = "sequential_interval"
	// ScheduleTypeConcurrentInterval fires every Interval without waiting for job completion.
	ScheduleTypeConcurrentInterval ScheduleType = "concurrent_interval"

	// ScheduleStatusActive indicates the schedule is eligible for firing.
	ScheduleStatusActive ScheduleStatus = "active"
	// ScheduleStatusPaused indicates firing is suspended but the record is retained.
	ScheduleStatusPaused ScheduleStatus = "paused"
	// ScheduleStatusCompleted is terminal: the schedule finished its work.
	ScheduleStatusCompleted ScheduleStatus = "completed"
	// ScheduleStatusError is terminal: too many consecutive failures.
	ScheduleStatusError ScheduleStatus = "error"
)

// DefaultMaxConsecutiveFailures is the failure threshold applied when a
// schedule or task does not specify its own.
const DefaultMaxConsecutiveFailures = 5

// UnmarshalText implements encoding.TextUnmarshaler for ScheduleType to allow env parsing.
func (t *ScheduleType) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	st := ScheduleType(v)
	if st.Valid() {
		*t = st
		return nil
	}
	return fmt.Errorf("invalid ScheduleType: %q", v)
}

// Valid returns true if the ScheduleType is valid.
func (t ScheduleType) Valid() bool {
	return t == ScheduleTypeOneOff || t == ScheduleTypeDynamic ||
		t == ScheduleTypeSequentialInterval || t == ScheduleTypeConcurrentInterval
}

// IsInterval returns true for the two interval-driven schedule types.
func (t ScheduleType) IsInterval() bool {
	return t == ScheduleTypeSequentialInterval || t == ScheduleTypeConcurrentInterval
}

// WaitsForCompletion returns true if the type holds off rescheduling until the
// enqueued job reaches a terminal state.
func (t ScheduleType) WaitsForCompletion() bool {
	return t == ScheduleTypeDynamic || t == ScheduleTypeSequentialInterval
}

// Valid returns true if the ScheduleStatus is valid.
func (s ScheduleStatus) Valid() bool {
	return s == ScheduleStatusActive || s == ScheduleStatusPaused ||
		s == ScheduleStatusCompleted || s == ScheduleStatusError
}

// Terminal returns true for statuses a schedule never leaves without external reset.
func (s ScheduleStatus) Terminal() bool {
	return s == ScheduleStatusCompleted || s == ScheduleStatusError
}

// JobTemplate carries the enqueue parameters a schedule forwards verbatim to the
// job queue on every firing. The payload is opaque to the scheduling core.
type JobTemplate struct {
	Type          string          `json:"type"                     db:"job_type"`
	Payload       json.RawMessage `json:"payload"                  db:"job_payload"`
	Priority      int             `json:"priority"                 db:"job_priority"`
	MaxRetries    int             `json:"max_retries"              db:"job_max_retries"`
	ExecutionMode string          `json:"execution_mode,omitempty" db:"job_execution_mode"`
	ReferenceType *string         `json:"reference_type,omitempty" db:"job_reference_type"`
	ReferenceID   *string         `json:"reference_id,omitempty"   db:"job_reference_id"`
}

// Schedule is a declarative, long-lived record describing when a job should be
// enqueued and what job template to use. All mutation goes through the schedule
// service; callers receive snapshots.
type Schedule struct {
	ID                     string          `json:"id"`
	Name                   string          `json:"name"`
	Description            *string         `json:"description,omitempty"`
	Type                   ScheduleType    `json:"type"`
	Status                 ScheduleStatus  `json:"status"`
	IsPersistent           bool            `json:"is_persistent"`
	NextRunAt              *time.Time      `json:"next_run_at,omitempty"`
	Interval               time.Duration   `json:"interval_ms,omitempty"`
	Job                    JobTemplate     `json:"job"`
	ActiveJobID            *string         `json:"active_job_id,omitempty"`
	ConsecutiveFailures    int             `json:"consecutive_failures"`
	MaxConsecutiveFailures int             `json:"max_consecutive_failures"`
	LastError              *string         `json:"last_error,omitempty"`
	LastTriggeredAt        *time.Time      `json:"last_triggered_at,omitempty"`
	LastCompletedAt        *time.Time      `json:"last_completed_at,omitempty"`
	CreatedAt              time.Time       `json:"created_at"`
	UpdatedAt              time.Time       `json:"updated_at"`
}

// Clone returns a deep copy so callers cannot mutate service-owned state.
func (s *Schedule) Clone() *Schedule {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Description = cloneStringPtr(s.Description)
	cp.NextRunAt = cloneTimePtr(s.NextRunAt)
	cp.ActiveJobID = cloneStringPtr(s.ActiveJobID)
	cp.LastError = cloneStringPtr(s.LastError)
	cp.LastTriggeredAt = cloneTimePtr(s.LastTriggeredAt)
	cp.LastCompletedAt = cloneTimePtr(s.LastCompletedAt)
	cp.Job.Payload = append(json.RawMessage(nil), s.Job.Payload...)
	cp.Job.ReferenceType = cloneStringPtr(s.Job.ReferenceType)
	cp.Job.ReferenceID = cloneStringPtr(s.Job.ReferenceID)
	return &cp
}

// CreateScheduleRequest represents a request to register a new schedule.
type CreateScheduleRequest struct {
	Name                   string        `json:"name"`
	Description            *string       `json:"description,omitempty"`
	Type                   ScheduleType  `json:"type"`
	IsPersistent           bool          `json:"is_persistent"`
	NextRunAt              *time.Time    `json:"next_run_at,omitempty"`
	Interval               time.Duration `json:"interval_ms,omitempty"`
	Job                    JobTemplate   `json:"job"`
	MaxConsecutiveFailures int           `json:"max_consecutive_failures,omitempty"`
}

// Validate validates the CreateScheduleRequest fields.
func (r *CreateScheduleRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("name is required")
	}
	if !r.Type.Valid() {
		return fmt.Errorf("invalid schedule type: %q", r.Type)
	}
	if strings.TrimSpace(r.Job.Type) == "" {
		return errors.New("job type is required")
	}
	if (r.Type == ScheduleTypeOneOff || r.Type == ScheduleTypeDynamic) && r.NextRunAt == nil {
		return fmt.Errorf("next_run_at is required for %s schedules", r.Type)
	}
	if r.Type.IsInterval() && r.Interval <= 0 {
		return fmt.Errorf("interval must be positive for %s schedules", r.Type)
	}
	if r.MaxConsecutiveFailures < 0 {
		return errors.New("max_consecutive_failures must be >= 0")
	}
	return nil
}

// NextRunMode selects how an interval change on update affects NextRunAt.
type NextRunMode string

const (
	// NextRunModeReset recomputes NextRunAt as now + the new interval (default).
	NextRunModeReset NextRunMode = "reset"
	// NextRunModePreserve keeps the stored NextRunAt untouched.
	NextRunModePreserve NextRunMode = "preserve"
	// NextRunModeExplicit uses the NextRunAt supplied with the update.
	NextRunModeExplicit NextRunMode = "explicit"
)

// Valid returns true if the NextRunMode is valid. The empty value means reset.
func (m NextRunMode) Valid() bool {
	return m == "" || m == NextRunModeReset || m == NextRunModePreserve || m == NextRunModeExplicit
}

// UpdateScheduleRequest is a partial patch applied to an existing schedule.
// Nil pointer fields are left untouched. Clearing a nullable column is explicit
// (ClearDescription) and never conflated with "leave as is".
type UpdateScheduleRequest struct {
	Description      *string          `json:"description,omitempty"`
	ClearDescription bool             `json:"clear_description,omitempty"`
	Interval         *time.Duration   `json:"interval_ms,omitempty"`
	NextRunMode      NextRunMode      `json:"next_run_mode,omitempty"`
	NextRunAt        *time.Time       `json:"next_run_at,omitempty"`
	JobPayload       *json.RawMessage `json:"job_payload,omitempty"`
	JobPriority      *int             `json:"job_priority,omitempty"`
	JobMaxRetries    *int             `json:"job_max_retries,omitempty"`
	MaxFailures      *int             `json:"max_consecutive_failures,omitempty"`
}

// Empty reports whether the patch carries no changes.
func (r *UpdateScheduleRequest) Empty() bool {
	return r.Description == nil && !r.ClearDescription && r.Interval == nil &&
		r.NextRunAt == nil && r.JobPayload == nil && r.JobPriority == nil &&
		r.JobMaxRetries == nil && r.MaxFailures == nil
}

// Validate checks the patch against the target schedule's type.
func (r *UpdateScheduleRequest) Validate(scheduleType ScheduleType) error {
	if r.Interval != nil {
		if !scheduleType.IsInterval() {
			return fmt.Errorf("interval is not applicable to %s schedules", scheduleType)
		}
		if *r.Interval <= 0 {
			return errors.New("interval must be positive")
		}
	}
	if !r.NextRunMode.Valid() {
		return fmt.Errorf("invalid next_run_mode: %q", r.NextRunMode)
	}
	if r.NextRunMode == NextRunModeExplicit && r.NextRunAt == nil {
		return errors.New("next_run_at is required when next_run_mode is explicit")
	}
	if r.Description != nil && r.ClearDescription {
		return errors.New("description and clear_description are mutually exclusive")
	}
	if r.MaxFailures != nil && *r.MaxFailures <= 0 {
		return errors.New("max_consecutive_failures must be positive")
	}
	return nil
}

// SchedulePatch is the repository-level write set produced by the service after
// validation. Nil fields keep their stored value; Clear* fields null the column.
type SchedulePatch struct {
	Description         *string
	ClearDescription    bool
	Status              *ScheduleStatus
	NextRunAt           *time.Time
	ClearNextRunAt      bool
	Interval            *time.Duration
	JobPayload          *json.RawMessage
	JobPriority         *int
	JobMaxRetries       *int
	ActiveJobID         *string
	ClearActiveJobID    bool
	ConsecutiveFailures *int
	MaxFailures         *int
	LastError           *string
	ClearLastError      bool
	LastTriggeredAt     *time.Time
	LastCompletedAt     *time.Time
}

func cloneStringPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
