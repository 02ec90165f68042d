// Package jobs contains the job service facade and the work handler
// registry that maps a job type onto a pluggable handler implementation.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// ItemContext carries everything a handler needs to process one item: the
// item's identity, the opaque job-level and item-level payloads, the
// provider/model pair the batch targets, and the owning principal for
// downstream authorization.
type ItemContext struct {
	JobID     string
	Index     int
	OwnerID   string
	Provider  string
	Model     string
	JobInput  json.RawMessage
	ItemInput json.RawMessage
}

// Handler processes one item of a given job type. A non-nil error marks the
// item Failed with the error text; otherwise the returned payload becomes
// the item's output. Implementations must honor ctx cancellation since the
// invocation wrapper enforces the per-item timeout through it.
type Handler interface {
	Type() string
	ProcessItem(ctx context.Context, item ItemContext) (json.RawMessage, error)
}

// Registry resolves a job type to its handler. It is built once at process
// startup and immutable afterwards, so lookups need no locking. Dispatching
// an unregistered type is a configuration error, not a transient fault.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry builds a registry from the given handlers. A duplicate type
// registration is a programming error and panics at startup.
func NewRegistry(handlers ...Handler) *Registry {
	m := make(map[string]Handler, len(handlers))
	for _, h := range handlers {
		if _, exists := m[h.Type()]; exists {
			panic(fmt.Sprintf("jobs: duplicate handler for type %q", h.Type()))
		}
		m[h.Type()] = h
	}
	return &Registry{handlers: m}
}

// Get returns the handler for the given job type.
func (r *Registry) Get(jobType string) (Handler, bool) {
	h, ok := r.handlers[jobType]
	return h, ok
}

// Types returns all registered job types, sorted.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
