package node

import "habridge/internal/ha"

// ShouldExpose reads the configured exposure flag; an unset flag means
// not exposed.
func ShouldExpose(flag *bool) bool {
	if flag == nil {
		return false
	}
	return *flag
}

// ComputeRemovalNeeded reports whether a hub-side entity removal is
// pending: true iff the node was exposed before and is not exposed now.
func ComputeRemovalNeeded(previous, current bool) bool {
	return previous && !current
}

// EvaluateExposure records the node's current exposure in the
// connection-scoped registry and reports whether the previous incarnation
// left an entity behind that must now be removed from the hub.
//
// The write-back is the whole mechanism: node instances are recreated on
// every configuration deploy, so the registry entry written here is what
// the next incarnation compares against.
func EvaluateExposure(registry *ha.ExposedNodes, nodeID string, exposed bool) bool {
	previous, known := registry.Get(nodeID)
	registry.Set(nodeID, exposed)

	if !known {
		return false
	}
	return ComputeRemovalNeeded(previous, exposed)
}
