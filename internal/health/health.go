// Package health aggregates named subsystem checks for the health endpoint.
package health

import (
	"context"
	"sync"
	"time"
)

// checkTimeout bounds a single subsystem check so one stuck dependency
// cannot hang the whole health endpoint.
const checkTimeout = 3 * time.Second

// Status is the result of one subsystem check.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker inspects one subsystem. The context carries the per-check
// deadline; implementations should honor it.
type Checker func(ctx context.Context) Status

// Registry holds named checkers and runs them on demand, in registration
// order.
type Registry struct {
	mu     sync.RWMutex
	order  []string
	byName map[string]Checker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Checker)}
}

// Register adds a checker under name. Re-registering a name replaces the
// previous checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	if _, exists := r.byName[name]; !exists {
		r.order = append(r.order, name)
	}
	r.byName[name] = check
	r.mu.Unlock()
}

// CheckAll runs every checker with a per-check timeout and returns the
// aggregate verdict plus individual results. A missing Name on a result is
// filled from the registration name.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	checks := make(map[string]Checker, len(r.byName))
	for k, v := range r.byName {
		checks[k] = v
	}
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, 0, len(names))

	for _, name := range names {
		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		st := checks[name](checkCtx)
		cancel()

		if st.Name == "" {
			st.Name = name
		}
		if !st.Healthy {
			healthy = false
		}
		statuses = append(statuses, st)
	}

	return healthy, statuses
}
