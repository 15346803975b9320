package ha

import (
	"encoding/json"
	"time"
)

// Message types understood by the nodered custom integration on the hub.
const (
	MessageTypeDiscovery = "nodered/discovery"
	MessageTypeEntity    = "nodered/entity"
)

// Event types delivered on a node's message subscription.
const (
	EventTypeStateChanged        = "state_changed"
	EventTypeAutomationTriggered = "automation_triggered"
)

// Message represents a base WebSocket frame to/from the hub
type Message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Event   *Event          `json:"event,omitempty"`
}

// Error represents an error response from the hub
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AuthMessage represents an authentication request
type AuthMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token,omitempty"`
}

// Event represents an event frame from the hub
type Event struct {
	EventType string          `json:"event_type,omitempty"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin,omitempty"`
	TimeFired time.Time       `json:"time_fired,omitempty"`
}

// StateChangedEvent represents a state_changed event on the global
// event stream (feeds the entity state cache)
type StateChangedEvent struct {
	EntityID string `json:"entity_id"`
	NewState *State `json:"new_state"`
	OldState *State `json:"old_state"`
}

// State represents an entity state
type State struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes,omitempty"`
	LastChanged time.Time              `json:"last_changed,omitempty"`
	LastUpdated time.Time              `json:"last_updated,omitempty"`
}

// GetStatesRequest represents a get_states request
type GetStatesRequest struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
}

// SubscribeEventsRequest represents a subscribe_events request
type SubscribeEventsRequest struct {
	ID        int    `json:"id"`
	Type      string `json:"type"`
	EventType string `json:"event_type,omitempty"`
}

// UnsubscribeRequest tears down an event or message subscription
type UnsubscribeRequest struct {
	ID           int    `json:"id"`
	Type         string `json:"type"`
	Subscription int    `json:"subscription"`
}

// DiscoveryPayload registers (or, with Remove set, unregisters) a
// node-backed entity with the nodered integration. The removal variant
// carries only the identity fields plus Remove.
type DiscoveryPayload struct {
	ID        int                    `json:"id,omitempty"`
	Type      string                 `json:"type"`
	ServerID  string                 `json:"server_id"`
	NodeID    string                 `json:"node_id"`
	Component string                 `json:"component,omitempty"`
	State     *bool                  `json:"state,omitempty"`
	Config    map[string]interface{} `json:"config,omitempty"`
	Remove    bool                   `json:"remove,omitempty"`
}

// EntityPayload pushes a node's enabled state back to the hub entity
type EntityPayload struct {
	Type     string `json:"type"`
	ServerID string `json:"server_id"`
	NodeID   string `json:"node_id"`
	State    bool   `json:"state"`
}

// EntityEvent is an inbound event delivered on a node's message
// subscription. A missing Type means state_changed; that predates
// explicit typing and must keep working.
type EntityEvent struct {
	Type  string          `json:"type,omitempty"`
	State *bool           `json:"state,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// IntegrationState reflects whether the nodered custom integration is
// available on the hub.
type IntegrationState string

const (
	IntegrationLoaded    IntegrationState = "loaded"
	IntegrationUnloaded  IntegrationState = "unloaded"
	IntegrationNotLoaded IntegrationState = "notloaded"
)

// integrationEvent is the payload of a "nodered" event on the global
// event stream.
type integrationEvent struct {
	Type string `json:"type"`
}

// EntityEventHandler receives events for one node's message subscription
type EntityEventHandler func(event EntityEvent)

// IntegrationStateHandler is called when the integration state changes
type IntegrationStateHandler func(state IntegrationState)

// Subscription represents an active subscription against the hub
type Subscription interface {
	Unsubscribe() error
}

// HubClient is the hub-connection capability consumed by nodes.
// *Client implements it for production, MockHub for tests.
type HubClient interface {
	IsConnected() bool
	IsIntegrationLoaded() bool
	SubscribeMessage(handler EntityEventHandler, payload *DiscoveryPayload, resubscribe bool) (Subscription, error)
	OnIntegrationState(handler IntegrationStateHandler) Subscription
	Send(v interface{})
	GetCachedState(entityID string) (*State, bool)
	ExposedNodes() *ExposedNodes
}
