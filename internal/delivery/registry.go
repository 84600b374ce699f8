// internal/delivery/registry.go
package delivery

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/user/chordlog/internal/types"
)

// Handler writes one sealed set to a sink.
type Handler func(ctx context.Context, set types.ParallelActionSet) error

// Registry holds the named sinks sealed sets are delivered to.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty delivery registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds or replaces the handler for name.
func (r *Registry) Register(name string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = handler
}

// Names lists registered sinks in sorted order.
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

// Deliver sends set to the named sink.
func (r *Registry) Deliver(ctx context.Context, name string, set types.ParallelActionSet) error {
	r.mu.RLock()
	handler, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no delivery handler for sink: %s", name)
	}
	return handler(ctx, set)
}
