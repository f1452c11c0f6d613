// Package registry implements the explicit method table that replaces
// dynamic module loading by filesystem path (§9, "Dynamic module loading").
// Both the parent (for the local-execution path and Location-addressed
// master-calls) and the child (for the methods it actually executes)
// populate a Registry at startup.
package registry

import (
	"context"
	"fmt"
	"sync"
)

// Method is a single named, invocable unit of work. ctx carries
// cancellation for the surrounding call; args are already deserialized.
type Method func(ctx context.Context, args []any) (any, error)

// Registry is a name -> Method table. The zero value is ready to use.
type Registry struct {
	mu      sync.RWMutex
	methods map[string]Method
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{methods: map[string]Method{}}
}

// Register adds or replaces the method named name.
func (r *Registry) Register(name string, m Method) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.methods == nil {
		r.methods = map[string]Method{}
	}
	r.methods[name] = m
}

// Lookup returns the method named name, or an error if it isn't registered.
func (r *Registry) Lookup(name string) (Method, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.methods[name]
	if !ok {
		return nil, fmt.Errorf("no method registered for %q", name)
	}
	return m, nil
}

// Invoke resolves name and calls it. This is the path used when a request
// frame carries a Method: it is invoked on the registry entry itself
// (there is no longer an object to invoke it "on", per §9's redesign).
func (r *Registry) Invoke(ctx context.Context, name string, args []any) (any, error) {
	m, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	return m(ctx, args)
}
