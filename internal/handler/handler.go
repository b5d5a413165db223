package handler

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// ProgressFunc reports the handler's position in its pipeline. The
// dispatcher persists each call as the job's current progress; last
// write wins.
type ProgressFunc func(step string, current, total int, message string)

// InputSpec describes the payload a handler expects, for operator and
// client discovery.
type InputSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Example     json.RawMessage `json:"example,omitempty"`
}

// Handler executes one job. Handle receives the job payload unmodified
// and may call emit any number of times while running.
//
// A handler must tolerate re-invocation after a retryable failure:
// partial side effects from a prior attempt (half-written output files
// and the like) are not cleaned up by the queue.
type Handler interface {
	Handle(ctx context.Context, payload json.RawMessage, emit ProgressFunc) (json.RawMessage, error)
	DescribeInput() InputSpec
}

// Registry maps handler names to implementations. Registration happens
// explicitly at wiring time; there is no runtime code discovery.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler under name, replacing any previous entry.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Get looks up a handler by name.
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered handler names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Specs returns the input descriptions of every registered handler,
// ordered by name.
func (r *Registry) Specs() []InputSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	specs := make([]InputSpec, 0, len(names))
	for _, name := range names {
		specs = append(specs, r.handlers[name].DescribeInput())
	}
	return specs
}
