package shutdown

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"zimage_gateway/core"

	"github.com/samber/lo"
)

// Priorities used by the gateway. Lower values run first.
const (
	PriorityHTTPServer = 10
	PriorityEvents     = 15
	PrioritySupervisor = 20
	PriorityHistory    = 30
	PriorityLogger     = 90
)

type entry struct {
	name     string
	fn       core.ShutdownFunc
	priority int
	seq      int
}

// Registry holds cleanup handlers ordered by priority. Handlers with equal
// priority run in registration order.
type Registry struct {
	mu      sync.Mutex
	entries []entry
	closed  bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a handler. It is a no-op after Shutdown.
func (r *Registry) Register(name string, priority int, fn core.ShutdownFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.entries = append(r.entries, entry{name: name, fn: fn, priority: priority, seq: len(r.entries)})
}

func (r *Registry) sorted() []entry {
	out := make([]entry, len(r.entries))
	copy(out, r.entries)
	sort.Slice(out, func(i, j int) bool {
		if out[i].priority != out[j].priority {
			return out[i].priority < out[j].priority
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// Shutdown runs every handler in order, continuing past failures, and
// returns the errors it collected. Only the first call does anything.
func (r *Registry) Shutdown(ctx context.Context) []error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	entries := r.sorted()
	r.mu.Unlock()

	var errs []error
	for _, e := range entries {
		if err := e.fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
		}
	}
	return errs
}

// Names lists handler names in execution order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return lo.Map(r.sorted(), func(e entry, _ int) string { return e.name })
}

// Count returns the number of registered handlers.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
