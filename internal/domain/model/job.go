package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobStatus represents the current status of a queued job.
type JobStatus string

const (
	// JobStatusPending indicates a job is waiting to be picked up by a worker.
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning indicates a worker holds an unexpired lease on the job.
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted indicates the job finished successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job exhausted its retries.
	JobStatusFailed JobStatus = "failed"
	// JobStatusCancelled indicates the job was cancelled before completion.
	JobStatusCancelled JobStatus = "cancelled"
)

// ErrNoJobsAvailable is returned when no jobs are available for reservation.
var ErrNoJobsAvailable = errors.New("no jobs available")

// Valid returns true if the JobStatus is valid.
func (s JobStatus) Valid() bool {
	return s == JobStatusPending || s == JobStatusRunning || s == JobStatusCompleted ||
		s == JobStatusFailed || s == JobStatusCancelled
}

// Terminal returns true once a job can no longer change state.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// InFlight returns true while the queue still owns the job.
func (s JobStatus) InFlight() bool {
	return s == JobStatusPending || s == JobStatusRunning
}

// Job represents a job row in the queue. Payload and Result are opaque to the
// scheduling core; the dynamic-schedule completion handler is the single place
// that interprets Result.
type Job struct {
	ID             string          `json:"id"                         db:"id"`
	Type           string          `json:"type"                       db:"type"`
	Status         JobStatus       `json:"status"                     db:"status"`
	Priority       int             `json:"priority"                   db:"priority"`
	Payload        json.RawMessage `json:"payload"                    db:"payload"`
	Result         json.RawMessage `json:"result,omitempty"           db:"result"`
	ExecutionMode  string          `json:"execution_mode,omitempty"   db:"execution_mode"`
	ReferenceType  *string         `json:"reference_type,omitempty"   db:"reference_type"`
	ReferenceID    *string         `json:"reference_id,omitempty"     db:"reference_id"`
	RetryCount     int             `json:"retry_count"                db:"retry_count"`
	MaxRetries     int             `json:"max_retries"                db:"max_retries"`
	LastError      *string         `json:"last_error,omitempty"       db:"last_error"`
	CancelReason   *string         `json:"cancel_reason,omitempty"    db:"cancel_reason"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty" db:"lease_expires_at"`
	ScheduledAt    time.Time       `json:"scheduled_at"               db:"scheduled_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"       db:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"     db:"completed_at"`
	CreatedAt      time.Time       `json:"created_at"                 db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"                 db:"updated_at"`
}

// EnqueueRequest represents a request to enqueue a new job.
type EnqueueRequest struct {
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	Priority      int             `json:"priority,omitempty"`
	MaxRetries    int             `json:"max_retries"`
	ExecutionMode string          `json:"execution_mode,omitempty"`
	ReferenceType *string         `json:"reference_type,omitempty"`
	ReferenceID   *string         `json:"reference_id,omitempty"`
}

// Validate validates the EnqueueRequest fields.
func (r *EnqueueRequest) Validate() error {
	if strings.TrimSpace(r.Type) == "" {
		return errors.New("job type is required")
	}
	if r.Priority < 0 || r.Priority > 100 {
		return errors.New("priority must be between 0 and 100")
	}
	if r.MaxRetries < 0 {
		return errors.New("max retries must be >= 0")
	}
	return nil
}

// CompletionEventType classifies the terminal event delivered for a job.
type CompletionEventType string

const (
	// CompletionCompleted signals the job finished successfully.
	CompletionCompleted CompletionEventType = "completed"
	// CompletionFailed signals the job exhausted its retries.
	CompletionFailed CompletionEventType = "failed"
	// CompletionCancelled signals the job was cancelled.
	CompletionCancelled CompletionEventType = "cancelled"
)

// CompletionEvent is delivered at most once per enqueued job when it reaches a
// terminal state. Job carries the terminal row including Result and CancelReason.
type CompletionEvent struct {
	Type CompletionEventType `json:"type"`
	Job  *Job                `json:"job"`
}

// CompletionEventForStatus maps a terminal job status to its event type.
func CompletionEventForStatus(status JobStatus) (CompletionEventType, error) {
	switch status {
	case JobStatusCompleted:
		return CompletionCompleted, nil
	case JobStatusFailed:
		return CompletionFailed, nil
	case JobStatusCancelled:
		return CompletionCancelled, nil
	default:
		return "", fmt.Errorf("status %q is not terminal", status)
	}
}
