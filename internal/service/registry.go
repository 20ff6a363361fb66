// Package service provides the business logic services for the fnrouter
// scheduling system.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fnrouter/fnrouter/internal/domain/model"
)

// ErrDuplicateHandler is returned when a handler type is registered twice.
var ErrDuplicateHandler = errors.New("handler already registered")

// TaskHandler executes one run of a task. The context carries the per-run
// timeout and is cancelled on shutdown; handlers must observe it.
type TaskHandler func(ctx context.Context, task *model.Task) model.HandlerResult

// HandlerDescriptor binds a handler to its optional per-type overrides.
type HandlerDescriptor struct {
	// Run is the handler body. Required.
	Run TaskHandler
	// ShouldRun, when set, is consulted before each run. Returning false skips
	// the handler invocation; the task's schedule still advances.
	ShouldRun func(task *model.Task) bool
	// Timeout overrides the engine's default per-run timeout when positive.
	Timeout time.Duration
	// MaxConsecutiveFailures overrides the engine's disable threshold when positive.
	MaxConsecutiveFailures int
}

// HandlerRegistry maps task type strings to handler descriptors. Registration
// mostly happens before the task engine starts, but late registration while
// running is allowed.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerDescriptor
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]HandlerDescriptor)}
}

// Register adds a handler for the given task type.
// Returns ErrDuplicateHandler if the type is already taken.
func (r *HandlerRegistry) Register(taskType string, desc HandlerDescriptor) error {
	if taskType == "" {
		return errors.New("handler type is required")
	}
	if desc.Run == nil {
		return errors.New("handler run function is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handlers[taskType]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, taskType)
	}
	r.handlers[taskType] = desc
	return nil
}

// Unregister removes the handler for the given type. Idempotent.
func (r *HandlerRegistry) Unregister(taskType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, taskType)
}

// Has reports whether a handler is registered for the type.
func (r *HandlerRegistry) Has(taskType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[taskType]
	return ok
}

// Get returns the descriptor for the type and whether it exists.
func (r *HandlerRegistry) Get(taskType string) (HandlerDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.handlers[taskType]
	return desc, ok
}

// Types returns the registered task types in sorted order.
func (r *HandlerRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
