package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Plugin contributes actions (models, tools, retrievers, ...) to a registry.
type Plugin interface {
	Name() string
	Init(ctx context.Context, r *Registry) error
}

// Registry is a concurrency-safe store of actions, named values and plugins.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
	values  map[string]map[string]any // type -> name -> value

	plugins     []Plugin
	initialized map[string]bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		actions:     make(map[string]Action),
		values:      make(map[string]map[string]any),
		initialized: make(map[string]bool),
	}
}

// RegisterAction adds a. Registering a key twice fails with ALREADY_EXISTS.
func (r *Registry) RegisterAction(a Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actions[a.Key()]; exists {
		return NewError(StatusAlreadyExists, "action %s already registered", a.Key())
	}
	r.actions[a.Key()] = a
	return nil
}

// LookupAction returns the action registered under key.
func (r *Registry) LookupAction(key string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[key]
	return a, ok
}

// ListActions returns all action descriptions sorted by key.
func (r *Registry) ListActions() []ActionDesc {
	r.mu.RLock()
	descs := make([]ActionDesc, 0, len(r.actions))
	for _, a := range r.actions {
		descs = append(descs, a.Desc())
	}
	r.mu.RUnlock()

	sort.Slice(descs, func(i, j int) bool { return descs[i].Key < descs[j].Key })
	return descs
}

// RegisterValue stores a named value of the given type, e.g. ("defaultModel",
// "defaultModel", "openai/gpt-4o-mini").
func (r *Registry) RegisterValue(typ, name string, v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.values[typ] == nil {
		r.values[typ] = map[string]any{}
	}
	r.values[typ][name] = v
}

// LookupValue returns a named value.
func (r *Registry) LookupValue(typ, name string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.values[typ][name]
	return v, ok
}

// Values returns a copy of all values of typ.
func (r *Registry) Values(typ string) map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]any, len(r.values[typ]))
	for k, v := range r.values[typ] {
		out[k] = v
	}
	return out
}

// UsePlugin queues p for initialization.
func (r *Registry) UsePlugin(p Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins = append(r.plugins, p)
}

// InitPlugins initializes every queued plugin once, in registration order.
func (r *Registry) InitPlugins(ctx context.Context) error {
	r.mu.Lock()
	pending := make([]Plugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		if !r.initialized[p.Name()] {
			r.initialized[p.Name()] = true
			pending = append(pending, p)
		}
	}
	r.mu.Unlock()

	for _, p := range pending {
		if err := p.Init(ctx, r); err != nil {
			return fmt.Errorf("init plugin %s: %w", p.Name(), err)
		}
	}
	return nil
}
