package workflow

import (
	"fmt"
	"sort"
	"sync"
)

// Registry resolves "<module>:<flow>" names to a *Flow for the CLI
// surface (spec §6). Go has no runtime dynamic-import equivalent to the
// Python original's importlib-based resolution, so callers register
// their flows explicitly, typically from an init() in the package that
// defines them.
type Registry struct {
	mu    sync.RWMutex
	flows map[string]map[string]*Flow
}

var defaultRegistry = &Registry{flows: map[string]map[string]*Flow{}}

// DefaultRegistry returns the package-level registry that Register,
// Lookup, and List operate on, for callers (such as schedule.Scheduler)
// that need to hold a reference to it explicitly.
func DefaultRegistry() *Registry { return defaultRegistry }

// Register adds flow under module/name to the default registry.
func Register(module, name string, flow *Flow) {
	defaultRegistry.Register(module, name, flow)
}

// Lookup resolves "<module>:<name>" against the default registry.
func Lookup(qualified string) (*Flow, error) {
	return defaultRegistry.Lookup(qualified)
}

// List returns every registered "<module>:<name>" pair in the default
// registry, sorted.
func List() []string {
	return defaultRegistry.List()
}

// Register adds flow under module/name.
func (r *Registry) Register(module, name string, flow *Flow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.flows[module]; !ok {
		r.flows[module] = map[string]*Flow{}
	}
	r.flows[module][name] = flow
}

// Lookup resolves "<module>:<name>".
func (r *Registry) Lookup(qualified string) (*Flow, error) {
	module, name, err := splitQualified(qualified)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	byName, ok := r.flows[module]
	if !ok {
		return nil, &ValidationError{Message: fmt.Sprintf("unknown module %q", module)}
	}
	flow, ok := byName[name]
	if !ok {
		return nil, &ValidationError{Message: fmt.Sprintf("unknown flow %q in module %q", name, module)}
	}
	return flow, nil
}

// List returns every registered "<module>:<name>" pair, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for module, byName := range r.flows {
		for name := range byName {
			out = append(out, module+":"+name)
		}
	}
	sort.Strings(out)
	return out
}

func splitQualified(qualified string) (module, name string, err error) {
	for i := len(qualified) - 1; i >= 0; i-- {
		if qualified[i] == ':' {
			return qualified[:i], qualified[i+1:], nil
		}
	}
	return "", "", &ValidationError{Message: fmt.Sprintf("expected <module>:<flow>, got %q", qualified)}
}
