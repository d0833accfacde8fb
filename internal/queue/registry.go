package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/GiovanoMP/chatwootai-sub005/pkg/errors"
)

// Handler runs one task. The returned result is stored on the task when it completes.
// Errors typed as validation fail the task without retry.
type Handler interface {
	Handle(ctx context.Context, task *Task) (interface{}, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, task *Task) (interface{}, error)

// Handle calls f
func (f HandlerFunc) Handle(ctx context.Context, task *Task) (interface{}, error) {
	return f(ctx, task)
}

// Registry maps task types to handlers
type Registry struct {
	mu       sync.RWMutex
	handlers map[TaskType]Handler
}

// NewRegistry creates an empty handler registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[TaskType]Handler)}
}

// Register binds handler to taskType, replacing any earlier binding
func (r *Registry) Register(taskType TaskType, handler Handler) error {
	if taskType == "" {
		return errors.NewValidationError("task type is required")
	}
	if handler == nil {
		return errors.NewValidationError(fmt.Sprintf("handler for %s cannot be nil", taskType))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskType] = handler
	return nil
}

// Lookup returns the handler bound to taskType
func (r *Registry) Lookup(taskType TaskType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	return h, ok
}

// Types lists the registered task types in sorted order
func (r *Registry) Types() []TaskType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]TaskType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
