package data

import "errors"

// Shared sentinel errors for data-layer repositories.
var (
	// ErrScheduleNotFound is returned when a schedule is not found by name or id.
	ErrScheduleNotFound = errors.New("schedule not found")
	// ErrTaskNotFound is returned when a task is not found by name.
	ErrTaskNotFound = errors.New("task not found")
	// ErrDuplicateName is returned when a schedule or task name already exists.
	ErrDuplicateName = errors.New("name already exists")
)
