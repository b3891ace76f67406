package async

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/teranos/vigil/errors"
)

// JobHandler executes one job type. Name returns the job type it serves.
//
// Handlers must watch ctx.Done(): a running job is canceled when a user
// cancels it, when guardrails trip mid-run (the cause is a
// *guardrail.ViolationError) and on shutdown. Cleanup of partial output on
// cancellation is the handler's job.
type JobHandler interface {
	Execute(ctx context.Context, job *Job) (map[string]interface{}, error)
	Name() string
}

type handlerFunc struct {
	name string
	fn   func(ctx context.Context, job *Job) (map[string]interface{}, error)
}

func (h handlerFunc) Name() string { return h.name }

func (h handlerFunc) Execute(ctx context.Context, job *Job) (map[string]interface{}, error) {
	return h.fn(ctx, job)
}

// HandlerFunc adapts a function to JobHandler.
func HandlerFunc(name string, fn func(ctx context.Context, job *Job) (map[string]interface{}, error)) JobHandler {
	return handlerFunc{name: name, fn: fn}
}

// HandlerRegistry manages job handlers by job type.
// Safe for concurrent registration and lookup.
type HandlerRegistry struct {
	handlers map[string]JobHandler
	mu       sync.RWMutex
}

// NewHandlerRegistry creates an empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]JobHandler)}
}

// Register adds a handler under its name.
// Panics if a handler is already registered with that name.
func (r *HandlerRegistry) Register(handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := handler.Name()
	if _, exists := r.handlers[name]; exists {
		panic(fmt.Sprintf("handler already registered for job type: %s", name))
	}
	r.handlers[name] = handler
}

// Get retrieves the handler for a job type, or nil.
func (r *HandlerRegistry) Get(jobType string) JobHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[jobType]
}

// Has checks if a handler is registered for a job type.
func (r *HandlerRegistry) Has(jobType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[jobType]
	return ok
}

// Names returns all registered job types, sorted.
func (r *HandlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute dispatches job to its handler.
func (r *HandlerRegistry) Execute(ctx context.Context, job *Job) (map[string]interface{}, error) {
	h := r.Get(job.Type)
	if h == nil {
		return nil, errors.Newf("no handler registered for job type %q", job.Type)
	}
	return h.Execute(ctx, job)
}

type progressKey struct{}

// WithProgress attaches a progress sink that ReportProgress writes to.
func WithProgress(ctx context.Context, fn func(float64)) context.Context {
	return context.WithValue(ctx, progressKey{}, fn)
}

// ReportProgress lets a handler publish progress in 0..1. No-op outside a worker.
func ReportProgress(ctx context.Context, progress float64) {
	if fn, ok := ctx.Value(progressKey{}).(func(float64)); ok {
		fn(progress)
	}
}
