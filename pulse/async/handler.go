package async

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Result is what a successful attempt produced
type Result struct {
	Outputs []string `json:"outputs,omitempty"` // object-store keys of derived assets
	Message string   `json:"message,omitempty"`
}

// ProgressReporter is handed to handlers for phased progress.
// Report doubles as the cancellation checkpoint: once the job has been
// cancelled or timed out it returns an error wrapping errors.ErrCancelled,
// and the handler should stop and return it.
type ProgressReporter interface {
	Report(phase string, percent int, message string) error
}

// JobHandler is the processing function for one job type.
// The engine treats it as opaque: it gets parameters and asset ids, reports
// progress, and returns output keys or an error.
//
// Handlers MUST watch ctx.Done() (or check Report's error) at checkpoints
// and return promptly when cancelled.
type JobHandler interface {
	Execute(ctx context.Context, job *Job, progress ProgressReporter) (*Result, error)

	// Name is the job type this handler serves (e.g. "normalize", "stems")
	Name() string
}

// HandlerFunc adapts a function to JobHandler
type HandlerFunc struct {
	name string
	fn   func(ctx context.Context, job *Job, progress ProgressReporter) (*Result, error)
}

// NewHandlerFunc wraps fn as the handler for jobType
func NewHandlerFunc(jobType string, fn func(ctx context.Context, job *Job, progress ProgressReporter) (*Result, error)) *HandlerFunc {
	return &HandlerFunc{name: jobType, fn: fn}
}

// Name returns the job type
func (h *HandlerFunc) Name() string { return h.name }

// Execute calls the wrapped function
func (h *HandlerFunc) Execute(ctx context.Context, job *Job, progress ProgressReporter) (*Result, error) {
	return h.fn(ctx, job, progress)
}

// HandlerRegistry maps job types to handlers.
// Thread-safe for concurrent registration and lookup.
type HandlerRegistry struct {
	handlers map[string]JobHandler
	mu       sync.RWMutex
}

// NewHandlerRegistry creates an empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]JobHandler),
	}
}

// Register adds a handler using its name.
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
	_, exists := r.handlers[jobType]
	return exists
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
