package data

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/fnrouter/fnrouter/internal/core"
	"github.com/fnrouter/fnrouter/internal/domain/model"
)

// MemoryTaskRepo is the process-local task store. Rows never survive a
// restart, which is the point: ephemeral tasks registered at boot re-register
// on the next boot. Synthetic ids are negative and strictly decreasing so they
// cannot collide with BIGSERIAL ids from the persisted store.
type MemoryTaskRepo struct {
	mu           sync.RWMutex
	tasks        map[string]*model.Task
	nextID       int64
	timeProvider TimeProvider
}

// NewMemoryTaskRepo creates an empty in-memory task store.
func NewMemoryTaskRepo() *MemoryTaskRepo {
	return &MemoryTaskRepo{
		tasks:        make(map[string]*model.Task),
		nextID:       -1,
		timeProvider: &RealTimeProvider{},
	}
}

// NewMemoryTaskRepoWithTimeProvider creates a MemoryTaskRepo with a custom TimeProvider (useful for testing).
func NewMemoryTaskRepoWithTimeProvider(timeProvider TimeProvider) *MemoryTaskRepo {
	return &MemoryTaskRepo{
		tasks:        make(map[string]*model.Task),
		nextID:       -1,
		timeProvider: timeProvider,
	}
}

// Create stores a new task and returns its snapshot.
// Returns ErrDuplicateName when the name is already taken.
func (r *MemoryTaskRepo) Create(_ context.Context, task *model.Task) (*model.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[task.Name]; ok {
		return nil, ErrDuplicateName
	}

	now := r.timeProvider.Now().UTC()

	stored := task.Clone()
	stored.ID = r.nextID
	r.nextID--
	stored.StorageMode = model.TaskStorageInMemory
	if len(stored.Payload) == 0 {
		stored.Payload = json.RawMessage(`{}`)
	}
	stored.CreatedAt = now
	stored.UpdatedAt = now

	r.tasks[stored.Name] = stored
	return stored.Clone(), nil
}

// GetByName returns the task or ErrTaskNotFound.
func (r *MemoryTaskRepo) GetByName(_ context.Context, name string) (*model.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[name]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return task.Clone(), nil
}

// GetAll returns every in-memory task ordered by name.
func (r *MemoryTaskRepo) GetAll(_ context.Context) ([]*model.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tasks := make([]*model.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t.Clone())
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Name < tasks[j].Name })
	return tasks, nil
}

// GetDueBefore returns enabled idle tasks whose next_run_at is at or before t,
// ordered by next_run_at with ties broken by id.
func (r *MemoryTaskRepo) GetDueBefore(_ context.Context, t time.Time) ([]*model.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var due []*model.Task
	for _, task := range r.tasks {
		if task.Status != model.TaskStatusIdle || !task.Enabled || task.NextRunAt == nil {
			continue
		}
		if task.NextRunAt.After(t) {
			continue
		}
		due = append(due, task.Clone())
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextRunAt.Equal(*due[j].NextRunAt) {
			return due[i].ID > due[j].ID // ids are negative; earlier rows have larger values
		}
		return due[i].NextRunAt.Before(*due[j].NextRunAt)
	})
	return due, nil
}

// Update applies a partial patch and returns the post-image.
func (r *MemoryTaskRepo) Update(_ context.Context, name string, patch model.TaskPatch) (*model.Task, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[name]
	if !ok {
		return nil, ErrTaskNotFound
	}

	if patch.Enabled != nil {
		task.Enabled = *patch.Enabled
	}
	if patch.Payload != nil {
		task.Payload = append(json.RawMessage(nil), *patch.Payload...)
	}
	if patch.Interval != nil {
		task.Interval = *patch.Interval
	}
	switch {
	case patch.ClearNextRunAt:
		task.NextRunAt = nil
	case patch.NextRunAt != nil:
		at := patch.NextRunAt.UTC()
		task.NextRunAt = &at
	}
	if patch.Status != nil {
		task.Status = *patch.Status
	}
	switch {
	case patch.ClearLastError:
		task.LastError = nil
	case patch.LastError != nil:
		msg := *patch.LastError
		task.LastError = &msg
	}
	task.UpdatedAt = r.timeProvider.Now().UTC()

	return task.Clone(), nil
}

// Delete removes a task by name. Returns whether a row was removed.
func (r *MemoryTaskRepo) Delete(_ context.Context, name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[name]; !ok {
		return false, nil
	}
	delete(r.tasks, name)
	return true, nil
}

// Claim transitions the task from idle to running under the writer lock.
// Returns (nil, nil) when the row exists but was not idle.
func (r *MemoryTaskRepo) Claim(_ context.Context, p core.ClaimParams) (*model.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[p.Name]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if task.Status != model.TaskStatusIdle {
		return nil, nil
	}

	now := p.Now.UTC()
	task.Status = model.TaskStatusRunning
	task.RunStartedAt = &now
	instanceID := p.InstanceID
	task.ProcessInstanceID = &instanceID
	task.UpdatedAt = now

	return task.Clone(), nil
}

// MarkIdle writes the run outcome and clears the running markers in one step.
func (r *MemoryTaskRepo) MarkIdle(_ context.Context, name string, outcome model.TaskOutcome) (*model.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[name]
	if !ok {
		return nil, ErrTaskNotFound
	}

	task.Status = model.TaskStatusIdle
	if outcome.Disable {
		task.Status = model.TaskStatusDisabled
	}
	lastRun := outcome.LastRunAt.UTC()
	task.LastRunAt = &lastRun
	task.NextRunAt = cloneUTC(outcome.NextRunAt)
	if outcome.LastError != nil {
		msg := *outcome.LastError
		task.LastError = &msg
	} else {
		task.LastError = nil
	}
	task.ConsecutiveFailures = outcome.ConsecutiveFailures
	task.RunStartedAt = nil
	task.ProcessInstanceID = nil
	task.UpdatedAt = r.timeProvider.Now().UTC()

	return task.Clone(), nil
}

// FindOrphaned returns running tasks stamped with a different instance id.
// An in-memory store cannot outlive its process, so this is normally empty,
// but the sweep runs against both stores through the shared contract.
func (r *MemoryTaskRepo) FindOrphaned(_ context.Context, currentInstanceID string) ([]*model.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var orphaned []*model.Task
	for _, task := range r.tasks {
		if task.Status != model.TaskStatusRunning {
			continue
		}
		if task.ProcessInstanceID == nil || *task.ProcessInstanceID != currentInstanceID {
			orphaned = append(orphaned, task.Clone())
		}
	}
	sort.Slice(orphaned, func(i, j int) bool { return orphaned[i].Name < orphaned[j].Name })
	return orphaned, nil
}

// FindStuck returns running tasks whose run_started_at is older than cutoff.
func (r *MemoryTaskRepo) FindStuck(_ context.Context, cutoff time.Time) ([]*model.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stuck []*model.Task
	for _, task := range r.tasks {
		if task.Status != model.TaskStatusRunning {
			continue
		}
		if task.RunStartedAt == nil || task.RunStartedAt.Before(cutoff) {
			stuck = append(stuck, task.Clone())
		}
	}
	sort.Slice(stuck, func(i, j int) bool { return stuck[i].Name < stuck[j].Name })
	return stuck, nil
}

// Reset forcibly returns a task to idle, clearing the run markers.
func (r *MemoryTaskRepo) Reset(_ context.Context, name string) (*model.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[name]
	if !ok {
		return nil, ErrTaskNotFound
	}

	task.Status = model.TaskStatusIdle
	task.RunStartedAt = nil
	task.ProcessInstanceID = nil
	task.UpdatedAt = r.timeProvider.Now().UTC()

	return task.Clone(), nil
}

func cloneUTC(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
