package executor

import (
	"context"
	"maps"
	"sort"
	"sync"

	"github.com/kbukum/flowgraph/logger"
	"github.com/kbukum/flowgraph/txn"
)

// Handler executes one task. It may run more than once for the same task
// across retries and resumed executions.
type Handler interface {
	Execute(ctx context.Context, tc *TaskContext) (map[string]any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, tc *TaskContext) (map[string]any, error)

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, tc *TaskContext) (map[string]any, error) {
	return f(ctx, tc)
}

// TaskContext is what a handler sees of its execution.
type TaskContext struct {
	ExecutionID string
	DAGID       string
	TaskID      string
	Attempt     int
	Params      map[string]any
	// Unit stages the task's side effects; the executor commits or rolls it back.
	Unit *txn.Unit
	Log  *logger.Logger

	upstream map[string]map[string]any
	order    []string
}

// Upstream returns a copy of the result of a succeeded ancestor task.
func (tc *TaskContext) Upstream(taskID string) (map[string]any, bool) {
	r, ok := tc.upstream[taskID]
	if !ok {
		return nil, false
	}
	return maps.Clone(r), true
}

// UpstreamIDs lists the succeeded ancestors in insertion order.
func (tc *TaskContext) UpstreamIDs() []string {
	return append([]string(nil), tc.order...)
}

// Param returns a task parameter.
func (tc *TaskContext) Param(key string) (any, bool) {
	v, ok := tc.Params[key]
	return v, ok
}

// Registry maps handler references to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds or replaces a handler.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// RegisterFunc registers a function as a handler.
func (r *Registry) RegisterFunc(name string, fn HandlerFunc) {
	r.Register(name, fn)
}

// Get looks up a handler.
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// List returns the sorted handler names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
