package engine

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNotRegistered is returned when looking up an engine id that was never
// registered.
var ErrNotRegistered = errors.New("engine not registered")

// Registry maps engine ids to engines. It is populated once at process
// startup, before any worker claims a job, and never mutated after; there is
// exactly one default engine.
type Registry struct {
	mu        sync.RWMutex
	engines   map[string]Engine
	defaultID string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]Engine)}
}

// Register adds an engine by its id. The first registered engine becomes the
// default until SetDefault overrides it.
func (r *Registry) Register(e Engine) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := e.ID()
	if id == "" {
		return fmt.Errorf("engine id must not be empty")
	}
	if _, exists := r.engines[id]; exists {
		return fmt.Errorf("duplicate engine registration for %q", id)
	}
	r.engines[id] = e
	if r.defaultID == "" {
		r.defaultID = id
	}
	return nil
}

// SetDefault selects the default engine by id.
func (r *Registry) SetDefault(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.engines[id]; !ok {
		return fmt.Errorf("set default engine %q: %w", id, ErrNotRegistered)
	}
	r.defaultID = id
	return nil
}

// Get returns the engine registered under id.
func (r *Registry) Get(id string) (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.engines[id]
	if !ok {
		return nil, fmt.Errorf("engine %q: %w", id, ErrNotRegistered)
	}
	return e, nil
}

// Default returns the default engine.
func (r *Registry) Default() (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.defaultID == "" {
		return nil, fmt.Errorf("no default engine: %w", ErrNotRegistered)
	}
	return r.engines[r.defaultID], nil
}

// Resolve returns the engine for id, falling back to the default when id is
// empty.
func (r *Registry) Resolve(id string) (Engine, error) {
	if id == "" {
		return r.Default()
	}
	return r.Get(id)
}

// IDs returns the ids of all registered engines.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.engines))
	for id := range r.engines {
		ids = append(ids, id)
	}
	return ids
}
