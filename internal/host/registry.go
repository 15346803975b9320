package host

import (
	"fmt"
	"sync"
)

// Registry tracks the live nodes of a deployed flow, preserving the
// order they were defined in. Node ids are unique; registering a
// duplicate is a configuration error, not an override.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*Handle
	order []string
}

// NewRegistry creates an empty node registry
func NewRegistry() *Registry {
	return &Registry{
		nodes: make(map[string]*Handle),
	}
}

// Add registers a node handle under its id
func (r *Registry) Add(h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := h.Node.ID()
	if id == "" {
		return fmt.Errorf("node id cannot be empty")
	}
	if _, exists := r.nodes[id]; exists {
		return fmt.Errorf("node %q already registered", id)
	}

	r.nodes[id] = h
	r.order = append(r.order, id)
	return nil
}

// Get returns the handle for a node id, or nil when unknown
func (r *Registry) Get(id string) *Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nodes[id]
}

// Remove drops a node handle from the registry
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[id]; !ok {
		return
	}
	delete(r.nodes, id)

	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// List returns all handles in definition order
func (r *Registry) List() []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Handle, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.nodes[id])
	}
	return out
}

// Len returns the number of registered nodes
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}
