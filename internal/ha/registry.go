package ha

import "sync"

// ExposedNodes is the connection-scoped registry of node id -> last-known
// exposure flag. Every node writes its current exposure here on
// construction, which is how a recreated node detects the exposed->not
// exposed transition left behind by its previous incarnation.
//
// Writes are plain key assignment: last writer wins. That is intentional;
// node ids are unique per connection and each node only ever writes its
// own key.
type ExposedNodes struct {
	mu    sync.RWMutex
	nodes map[string]bool
}

// NewExposedNodes creates an empty registry
func NewExposedNodes() *ExposedNodes {
	return &ExposedNodes{
		nodes: make(map[string]bool),
	}
}

// Get returns the last-known exposure for a node id, and whether the node
// has ever recorded one.
func (r *ExposedNodes) Get(nodeID string) (exposed, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exposed, ok = r.nodes[nodeID]
	return exposed, ok
}

// Set records the current exposure for a node id
func (r *ExposedNodes) Set(nodeID string, exposed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[nodeID] = exposed
}

// Delete removes a node's entry entirely (node deleted from the flow)
func (r *ExposedNodes) Delete(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.nodes, nodeID)
}

// Snapshot returns a copy of the registry contents
func (r *ExposedNodes) Snapshot() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]bool, len(r.nodes))
	for id, exposed := range r.nodes {
		out[id] = exposed
	}
	return out
}
