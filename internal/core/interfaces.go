// Package core provides the business logic contracts for the fnrouter scheduling system.
package core

import (
	"context"
	"time"

	"github.com/fnrouter/fnrouter/internal/domain/model"
)

// ScheduleRepository defines the interface for schedule row operations.
// All write-path operations run under the store's exclusive writer lock; reads
// are lock-free and may observe an in-progress writer's pre-image.
type ScheduleRepository interface {
	// Create persists a new schedule and returns the post-image.
	// Returns data.ErrDuplicateName if the name already exists.
	Create(ctx context.Context, sched *model.Schedule) (*model.Schedule, error)

	// GetByName returns the schedule or data.ErrScheduleNotFound.
	GetByName(ctx context.Context, name string) (*model.Schedule, error)

	// GetByID returns the schedule or data.ErrScheduleNotFound.
	GetByID(ctx context.Context, id string) (*model.Schedule, error)

	// GetAll returns every schedule, ordered by name.
	GetAll(ctx context.Context) ([]*model.Schedule, error)

	// GetDueBefore returns active schedules with next_run_at <= t, ordered by
	// next_run_at ascending with ties broken by id.
	GetDueBefore(ctx context.Context, t time.Time) ([]*model.Schedule, error)

	// NextWakeup returns the soonest next_run_at across active schedules, or
	// nil when no active schedule has one.
	NextWakeup(ctx context.Context) (*time.Time, error)

	// Update applies a partial patch and returns the post-image. Fields not set
	// in the patch retain their stored value; updated_at is always refreshed.
	Update(ctx context.Context, name string, patch model.SchedulePatch) (*model.Schedule, error)

	// Delete removes a schedule by name. Returns whether a row was removed.
	Delete(ctx context.Context, name string) (bool, error)

	// DeleteEphemeral removes every schedule with is_persistent = false.
	// Called once at service start.
	DeleteEphemeral(ctx context.Context) (int64, error)

	// ListWithActiveJob returns schedules with a non-null active job id,
	// regardless of status. Used by startup recovery and the poll router.
	ListWithActiveJob(ctx context.Context) ([]*model.Schedule, error)
}

// TaskRepository defines the interface shared by the persisted and the
// in-memory task stores. Claim is the only correct way to begin execution.
type TaskRepository interface {
	// Create persists a new task and returns the post-image.
	// Returns data.ErrDuplicateName if the name already exists.
	Create(ctx context.Context, task *model.Task) (*model.Task, error)

	// GetByName returns the task or data.ErrTaskNotFound.
	GetByName(ctx context.Context, name string) (*model.Task, error)

	// GetAll returns every task, ordered by name.
	GetAll(ctx context.Context) ([]*model.Task, error)

	// GetDueBefore returns enabled idle tasks with next_run_at <= t, ordered by
	// next_run_at ascending with ties broken by id.
	GetDueBefore(ctx context.Context, t time.Time) ([]*model.Task, error)

	// Update applies a partial patch and returns the post-image. A patch may
	// not set status to running; that transition belongs to Claim alone.
	Update(ctx context.Context, name string, patch model.TaskPatch) (*model.Task, error)

	// Delete removes a task by name. Returns whether a row was removed.
	Delete(ctx context.Context, name string) (bool, error)

	// Claim atomically transitions the task from idle to running, stamping
	// run_started_at = now and (persisted store) the instance id. Returns
	// (nil, nil) if the row was not idle.
	Claim(ctx context.Context, p ClaimParams) (*model.Task, error)

	// MarkIdle writes the run outcome and clears run_started_at and
	// process_instance_id in one step.
	MarkIdle(ctx context.Context, name string, outcome model.TaskOutcome) (*model.Task, error)

	// FindOrphaned returns running tasks stamped with a different instance id.
	FindOrphaned(ctx context.Context, currentInstanceID string) ([]*model.Task, error)

	// FindStuck returns running tasks whose run_started_at is older than cutoff.
	FindStuck(ctx context.Context, cutoff time.Time) ([]*model.Task, error)

	// Reset forcibly returns a task to idle, clearing the run fields.
	Reset(ctx context.Context, name string) (*model.Task, error)
}

// ClaimParams groups parameters for TaskRepository.Claim.
type ClaimParams struct {
	Name       string
	InstanceID string
	Now        time.Time
}

// JobQueue is the external queue dependency. Enqueue is synchronous and
// returns an identifier usable in subsequent calls.
type JobQueue interface {
	// Enqueue inserts a pending job and returns the created row.
	Enqueue(ctx context.Context, req *model.EnqueueRequest) (*model.Job, error)

	// GetJob returns the job or (nil, nil) if it was purged.
	GetJob(ctx context.Context, id string) (*model.Job, error)

	// CancelJob cancels a job. Already-terminal jobs are left untouched
	// without error.
	CancelJob(ctx context.Context, id, reason string) error
}

// CompletionStream delivers the terminal event for an enqueued job.
type CompletionStream interface {
	// SubscribeCompletion registers a callback invoked at most once with the
	// job's terminal event. The returned function cancels the subscription.
	SubscribeCompletion(ctx context.Context, jobID string, fn func(model.CompletionEvent)) (func(), error)
}

// InstanceIDProvider supplies the short string that distinguishes this
// process's in-flight rows from a previous instance's leftovers.
type InstanceIDProvider interface {
	InstanceID() string
}
