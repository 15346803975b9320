package node

import (
	"errors"
	"sync"

	"habridge/internal/clock"
	"habridge/internal/ha"

	"go.uber.org/zap"
)

// RegState is the registration state of a node's entity against the hub
type RegState int

const (
	RegUnregistered RegState = iota
	RegRegistering
	RegRegistered
	RegDeregistering
)

// String returns the lowercase name of the state
func (s RegState) String() string {
	switch s {
	case RegUnregistered:
		return "unregistered"
	case RegRegistering:
		return "registering"
	case RegRegistered:
		return "registered"
	case RegDeregistering:
		return "deregistering"
	default:
		return "unknown"
	}
}

// Context carries the capabilities a node receives from its
// collaborators. Composition instead of a base-class hierarchy: the node
// owns its state exclusively and talks to the hub and the host runtime
// only through these injected interfaces.
type Context struct {
	// Hub is the hub-connection capability
	Hub ha.HubClient

	// Runtime is the host-runtime capability (send, status, debug/error)
	Runtime Runtime

	// Clock supplies timestamps for status text
	Clock clock.Clock

	// Logger is the structured logger; the node namespaces it by node id
	Logger *zap.Logger

	// TriggerHandler handles triggers that do not skip condition
	// evaluation. Optional; a nil handler drops such triggers silently.
	TriggerHandler TriggerHandler

	// RemovalFilter constrains which node types deregister their entity.
	// Nil means DefaultRemovalFilter.
	RemovalFilter RemovalFilter
}

// EventNode is a hub-aware flow node: it exposes itself to the hub as an
// entity when configured to, holds the single live event subscription
// that exposure implies, and turns inbound hub events into enabled-flag
// updates or trigger fan-out.
type EventNode struct {
	cfg     Config
	hub     ha.HubClient
	runtime Runtime
	clock   clock.Clock
	logger  *zap.Logger

	triggerHandler TriggerHandler
	removalFilter  RemovalFilter

	slot   *SubscriptionSlot
	intSub ha.Subscription

	mu            sync.Mutex
	enabled       bool
	exposed       bool
	removeFromHub bool
	regState      RegState
	lastPayload   interface{}
}

// NewEventNode constructs a node, records its exposure in the
// connection's registry, and immediately attempts registration without
// awaiting it.
func NewEventNode(cfg Config, ctx *Context) *EventNode {
	logger := ctx.Logger.Named("node").With(
		zap.String("node_id", cfg.ID),
		zap.String("node_type", string(cfg.Type)))

	removalFilter := ctx.RemovalFilter
	if removalFilter == nil {
		removalFilter = DefaultRemovalFilter
	}

	n := &EventNode{
		cfg:            cfg,
		hub:            ctx.Hub,
		runtime:        ctx.Runtime,
		clock:          ctx.Clock,
		logger:         logger,
		triggerHandler: ctx.TriggerHandler,
		removalFilter:  removalFilter,
		slot:           NewSubscriptionSlot(logger),
		enabled:        true,
	}

	n.exposed = ShouldExpose(cfg.Expose)
	n.removeFromHub = EvaluateExposure(ctx.Hub.ExposedNodes(), cfg.ID, n.exposed)

	n.intSub = ctx.Hub.OnIntegrationState(n.handleIntegrationState)

	// Registration is attempted at construction but never awaited; events
	// are causally ordered after it because the subscription that carries
	// them does not exist until it succeeds.
	go n.sync()

	return n
}

// ID returns the node id
func (n *EventNode) ID() string {
	return n.cfg.ID
}

// Type returns the node type
func (n *EventNode) Type() Type {
	return n.cfg.Type
}

// Exposed reports whether the node is configured for hub exposure
func (n *EventNode) Exposed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.exposed
}

// Enabled reports the entity's enabled flag as mirrored from the hub
func (n *EventNode) Enabled() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.enabled
}

func (n *EventNode) setEnabled(enabled bool) {
	n.mu.Lock()
	n.enabled = enabled
	n.mu.Unlock()
}

// RegistrationState returns the node's current registration state
func (n *EventNode) RegistrationState() RegState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.regState
}

// LastPayload returns the most recently cached payload
func (n *EventNode) LastPayload() interface{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastPayload
}

// SetLastPayload caches the most recently seen payload
func (n *EventNode) SetLastPayload(payload interface{}) {
	n.mu.Lock()
	n.lastPayload = payload
	n.mu.Unlock()
}

// sync drives the node toward its configured exposure: registering when
// exposed, or flushing a pending hub-side removal when not.
func (n *EventNode) sync() {
	n.mu.Lock()
	exposed := n.exposed
	n.mu.Unlock()

	if exposed {
		n.register()
		return
	}
	n.deregister(false)
}

// register attempts the Unregistered -> Registering -> Registered
// transition. Guards: the node must be exposed, not already past
// Unregistered, and the integration must be loaded. A subscribe failure
// reports status and leaves the node Unregistered; there is no retry loop
// here, the next integration-loaded event retries.
func (n *EventNode) register() {
	n.mu.Lock()
	if !n.exposed || n.regState != RegUnregistered {
		n.mu.Unlock()
		return
	}
	if !n.hub.IsIntegrationLoaded() {
		n.mu.Unlock()
		n.logger.Debug("Integration not loaded, deferring registration")
		return
	}
	n.regState = RegRegistering
	enabled := n.enabled
	n.mu.Unlock()

	payload := n.discoveryPayload(&enabled)

	err := n.slot.Acquire(func() (ha.Subscription, error) {
		return n.hub.SubscribeMessage(n.HandleEvent, payload, true)
	})

	if errors.Is(err, ErrSubscriptionReleased) {
		// Torn down while the subscribe was in flight. The slot already
		// unsubscribed the late handle; roll back so the next
		// integration-loaded event can register again.
		n.mu.Lock()
		n.regState = RegUnregistered
		n.mu.Unlock()

		n.logger.Debug("Registration abandoned, node torn down during subscribe")
		return
	}

	if err != nil {
		n.mu.Lock()
		n.regState = RegUnregistered
		n.mu.Unlock()

		n.runtime.Status(Status{Fill: StatusRed, Shape: StatusShapeRing, Text: "error registering"})
		n.runtime.Error(err)
		n.logger.Error("Failed to register entity with hub", zap.Error(err))
		return
	}

	n.mu.Lock()
	n.regState = RegRegistered
	n.mu.Unlock()

	n.logger.Info("Entity registered with hub")
}

// deregister attempts the transition to Unregistered via Deregistering.
// It proceeds only when the integration is loaded, the removal filter
// accepts this node's type, and either a removal is pending from a prior
// un-expose or the node itself is being deleted while registered. The
// removal flag is consumed exactly once, by the first attempt that
// proceeds.
func (n *EventNode) deregister(removed bool) {
	n.mu.Lock()

	proceed := n.hub.IsIntegrationLoaded() &&
		n.removalFilter(n.cfg.Type) &&
		(n.removeFromHub || (removed && n.regState != RegUnregistered))

	if !proceed {
		n.mu.Unlock()
		return
	}

	n.removeFromHub = false
	n.regState = RegDeregistering
	n.mu.Unlock()

	n.hub.Send(n.removalPayload())
	n.slot.Release()

	n.mu.Lock()
	if !n.cfg.Type.ManagesOwnEnableState() {
		// Once the entity is gone there is nothing left to toggle it off
		n.enabled = true
	}
	n.regState = RegUnregistered
	n.mu.Unlock()

	n.logger.Info("Entity removed from hub")
}

// handleIntegrationState reacts to hub integration transitions: loaded
// re-drives registration (or a pending removal), unloaded and not-loaded
// force the subscription down and reset the enabled flag.
func (n *EventNode) handleIntegrationState(state ha.IntegrationState) {
	switch state {
	case ha.IntegrationLoaded:
		n.sync()
	case ha.IntegrationUnloaded, ha.IntegrationNotLoaded:
		n.handleIntegrationLost()
	}
}

func (n *EventNode) handleIntegrationLost() {
	n.slot.Release()

	n.mu.Lock()
	if n.regState == RegUnregistered {
		n.mu.Unlock()
		return
	}
	n.regState = RegUnregistered
	if !n.cfg.Type.ManagesOwnEnableState() {
		// Connectivity is unknown; downstream consumers default to active
		n.enabled = true
	}
	n.mu.Unlock()

	n.logger.Info("Integration lost, entity deregistered")
}

// Close is the lifecycle hook for node teardown. removed reports whether
// the node was deleted from the flow (as opposed to a redeploy restart).
// Safe to call repeatedly.
func (n *EventNode) Close(removed bool) {
	n.deregister(removed)

	if n.intSub != nil {
		n.intSub.Unsubscribe()
		n.intSub = nil
	}

	// Belt and braces: deregister releases on success, but a guarded-off
	// deregistration must still not leak the subscription.
	n.slot.Release()

	if removed {
		n.hub.ExposedNodes().Delete(n.cfg.ID)
	}
}

// discoveryPayload builds the registration payload for this node
func (n *EventNode) discoveryPayload(state *bool) *ha.DiscoveryPayload {
	return &ha.DiscoveryPayload{
		Type:      ha.MessageTypeDiscovery,
		ServerID:  n.cfg.ServerID,
		NodeID:    n.cfg.ID,
		Component: n.cfg.Type.Component(),
		State:     state,
		Config:    n.cfg.EntityConfig,
	}
}

// removalPayload builds the remove-variant discovery payload: identity
// fields only, no state or config.
func (n *EventNode) removalPayload() *ha.DiscoveryPayload {
	return &ha.DiscoveryPayload{
		Type:      ha.MessageTypeDiscovery,
		ServerID:  n.cfg.ServerID,
		NodeID:    n.cfg.ID,
		Component: n.cfg.Type.Component(),
		Remove:    true,
	}
}
