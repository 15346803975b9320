package node

import (
	"habridge/internal/ha"
)

// Type identifies the flavor of hub-aware node
type Type string

const (
	// TypeSwitch exposes the node as a controllable switch entity
	TypeSwitch Type = "switch"

	// TypeTriggerState reacts to entity state transitions and manages its
	// own enabled flag.
	TypeTriggerState Type = "trigger-state"
)

// Component returns the hub entity component the node registers as
func (t Type) Component() string {
	return "switch"
}

// ManagesOwnEnableState reports whether the node type keeps control of
// its enabled flag when the entity disappears from the hub. Every type
// resets to enabled on deregistration except trigger-state, which owns
// its flag.
func (t Type) ManagesOwnEnableState() bool {
	return t == TypeTriggerState
}

// Valid reports whether t is a known node type
func (t Type) Valid() bool {
	switch t {
	case TypeSwitch, TypeTriggerState:
		return true
	}
	return false
}

// Config is a node's stored configuration, fixed for the lifetime of the
// node instance. Redeploying a flow recreates nodes rather than mutating
// them, so a change in Expose is observed by the next incarnation through
// the exposed-nodes registry.
type Config struct {
	// ID is the opaque node id assigned by the flow runtime
	ID string

	// Type is the node flavor
	Type Type

	// Name is the human-readable node label
	Name string

	// ServerID identifies the owning hub connection
	ServerID string

	// Expose is the exposeToHomeAssistant flag; nil means unset, which
	// reads as false.
	Expose *bool

	// EntityID is the default trigger target when an inbound trigger
	// carries none.
	EntityID string

	// Outputs is the number of connected output ports
	Outputs int

	// EntityConfig carries extra entity properties for the discovery
	// payload (name, icon, ...).
	EntityConfig map[string]interface{}
}

// StatusFill is the color of a node status indicator
type StatusFill string

const (
	StatusGreen  StatusFill = "green"
	StatusRed    StatusFill = "red"
	StatusYellow StatusFill = "yellow"
	StatusBlue   StatusFill = "blue"
)

// StatusShape is the shape of a node status indicator
type StatusShape string

const (
	StatusShapeDot  StatusShape = "dot"
	StatusShapeRing StatusShape = "ring"
)

// Status is the visible indicator the host runtime renders next to a node
type Status struct {
	Fill  StatusFill  `json:"fill"`
	Shape StatusShape `json:"shape"`
	Text  string      `json:"text"`
}

// Runtime is the host-runtime capability injected into every node:
// emitting messages on the node's output wires, updating its visible
// status, and the debug/error logging sinks.
type Runtime interface {
	// Send emits a computed payload through the host runtime. The payload
	// is either a single *Message (common single-output case) or a
	// per-port slice whose elements are *Message, []*Message or nil.
	Send(payload interface{})

	// Status updates the node's visible status indicator
	Status(status Status)

	// Debug records a debug-level diagnostic for the node
	Debug(msg string)

	// Error reports a user-visible node error
	Error(err error)
}

// Message is a flow message emitted on a node output port
type Message struct {
	Topic   string      `json:"topic,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// TriggerEnvelope is the synthetic event handed to the node's trigger
// handler or fanned out across output ports. Old and new state are
// deliberately identical: a manual trigger is not an observed change.
type TriggerEnvelope struct {
	EventType string       `json:"event_type"`
	EntityID  string       `json:"entity_id"`
	Event     TriggerEvent `json:"event"`
}

// TriggerEvent is the event body of a TriggerEnvelope
type TriggerEvent struct {
	EntityID string    `json:"entity_id"`
	OldState *ha.State `json:"old_state"`
	NewState *ha.State `json:"new_state"`
}

// TriggerHandler is the node's own trigger logic, invoked for triggers
// that do not skip condition evaluation. Its behavior is owned by the
// node implementation, not by this lifecycle layer.
type TriggerHandler func(envelope TriggerEnvelope)

// RemovalFilter constrains which node types remove their entity from the
// hub during deregistration.
type RemovalFilter func(t Type) bool

// DefaultRemovalFilter accepts nodes registered as switch entities
func DefaultRemovalFilter(t Type) bool {
	return t.Component() == "switch"
}
