// Package testutil provides a mock Home Assistant WebSocket server that
// speaks just enough of the protocol for integration tests: the auth
// handshake, get_states, event subscriptions, and the nodered discovery
// and entity messages.
package testutil

import (
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Message is a WebSocket frame to/from the mock hub
type Message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Event   *Event          `json:"event,omitempty"`
}

// Event is an event frame body
type Event struct {
	EventType string          `json:"event_type,omitempty"`
	Data      json.RawMessage `json:"data"`
	TimeFired time.Time       `json:"time_fired,omitempty"`
}

// EntityState mirrors a hub entity state
type EntityState struct {
	EntityID   string                 `json:"entity_id"`
	State      string                 `json:"state"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// Discovery is a recorded nodered/discovery frame
type Discovery struct {
	ID        int                    `json:"id"`
	ServerID  string                 `json:"server_id"`
	NodeID    string                 `json:"node_id"`
	Component string                 `json:"component"`
	State     *bool                  `json:"state"`
	Config    map[string]interface{} `json:"config"`
	Remove    bool                   `json:"remove"`
}

// EntityUpdate is a recorded nodered/entity frame
type EntityUpdate struct {
	ServerID string `json:"server_id"`
	NodeID   string `json:"node_id"`
	State    bool   `json:"state"`
}

type connWrapper struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	// Subscription ids on this connection
	subsMu    sync.Mutex
	eventSubs map[string]int // event_type -> subscription id
	nodeSubs  map[string]int // node_id -> subscription id
}

func (w *connWrapper) write(v interface{}) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.WriteJSON(v)
}

func (w *connWrapper) ack(id int) {
	success := true
	w.write(Message{ID: id, Type: "result", Success: &success})
}

// MockHubServer simulates the hub's WebSocket endpoint
type MockHubServer struct {
	server *httptest.Server
	token  string

	statesMu sync.RWMutex
	states   map[string]*EntityState

	connsMu sync.Mutex
	conns   []*connWrapper

	recordMu    sync.Mutex
	discoveries []Discovery
	updates     []EntityUpdate
}

// NewMockHubServer starts a mock hub accepting the given token
func NewMockHubServer(token string) *MockHubServer {
	s := &MockHubServer{
		token:  token,
		states: make(map[string]*EntityState),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/websocket", s.handleWebSocket)
	s.server = httptest.NewServer(mux)

	return s
}

// URL returns the ws:// URL of the mock hub's websocket endpoint
func (s *MockHubServer) URL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http") + "/api/websocket"
}

// Stop shuts the mock hub down, closing every live connection
func (s *MockHubServer) Stop() {
	s.connsMu.Lock()
	for _, wrapper := range s.conns {
		wrapper.conn.Close()
	}
	s.conns = nil
	s.connsMu.Unlock()

	s.server.Close()
}

// SetState seeds or updates an entity state and broadcasts the change to
// state_changed subscribers.
func (s *MockHubServer) SetState(entityID, state string) {
	s.statesMu.Lock()
	oldState := s.states[entityID]
	newState := &EntityState{EntityID: entityID, State: state}
	s.states[entityID] = newState
	s.statesMu.Unlock()

	data, _ := json.Marshal(map[string]interface{}{
		"entity_id": entityID,
		"old_state": oldState,
		"new_state": newState,
	})
	s.broadcastEvent("state_changed", data)
}

// SendIntegrationEvent broadcasts a nodered integration event ("loaded",
// "unloaded", "notloaded") to nodered subscribers.
func (s *MockHubServer) SendIntegrationEvent(state string) {
	data, _ := json.Marshal(map[string]string{"type": state})
	s.broadcastEvent("nodered", data)
}

// SendEntityEvent delivers an event on the message subscription a node
// opened via discovery. Returns false when the node has no live
// subscription.
func (s *MockHubServer) SendEntityEvent(nodeID string, event interface{}) bool {
	data, err := json.Marshal(event)
	if err != nil {
		return false
	}

	delivered := false
	for _, wrapper := range s.snapshot() {
		wrapper.subsMu.Lock()
		subID, ok := wrapper.nodeSubs[nodeID]
		wrapper.subsMu.Unlock()

		if !ok {
			continue
		}
		wrapper.write(Message{ID: subID, Type: "event", Event: &Event{Data: data}})
		delivered = true
	}
	return delivered
}

// Discoveries returns all recorded discovery frames, removals included
func (s *MockHubServer) Discoveries() []Discovery {
	s.recordMu.Lock()
	defer s.recordMu.Unlock()

	out := make([]Discovery, len(s.discoveries))
	copy(out, s.discoveries)
	return out
}

// Removals returns the recorded remove-variant discovery frames
func (s *MockHubServer) Removals() []Discovery {
	var out []Discovery
	for _, d := range s.Discoveries() {
		if d.Remove {
			out = append(out, d)
		}
	}
	return out
}

// EntityUpdates returns the recorded nodered/entity frames
func (s *MockHubServer) EntityUpdates() []EntityUpdate {
	s.recordMu.Lock()
	defer s.recordMu.Unlock()

	out := make([]EntityUpdate, len(s.updates))
	copy(out, s.updates)
	return out
}

// HasSubscription reports whether any connection holds a live message
// subscription for the node.
func (s *MockHubServer) HasSubscription(nodeID string) bool {
	for _, wrapper := range s.snapshot() {
		wrapper.subsMu.Lock()
		_, ok := wrapper.nodeSubs[nodeID]
		wrapper.subsMu.Unlock()
		if ok {
			return true
		}
	}
	return false
}

func (s *MockHubServer) snapshot() []*connWrapper {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()

	out := make([]*connWrapper, len(s.conns))
	copy(out, s.conns)
	return out
}

func (s *MockHubServer) broadcastEvent(eventType string, data json.RawMessage) {
	for _, wrapper := range s.snapshot() {
		wrapper.subsMu.Lock()
		subID, ok := wrapper.eventSubs[eventType]
		wrapper.subsMu.Unlock()

		if !ok {
			continue
		}
		wrapper.write(Message{ID: subID, Type: "event", Event: &Event{
			EventType: eventType,
			Data:      data,
			TimeFired: time.Now(),
		}})
	}
}

func (s *MockHubServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("mock hub: failed to upgrade connection: %v", err)
		return
	}

	wrapper := &connWrapper{
		conn:      conn,
		eventSubs: make(map[string]int),
		nodeSubs:  make(map[string]int),
	}

	s.connsMu.Lock()
	s.conns = append(s.conns, wrapper)
	s.connsMu.Unlock()

	defer func() {
		s.connsMu.Lock()
		for i, existing := range s.conns {
			if existing == wrapper {
				s.conns = append(s.conns[:i], s.conns[i+1:]...)
				break
			}
		}
		s.connsMu.Unlock()
		conn.Close()
	}()

	if !s.authenticate(wrapper) {
		return
	}

	for {
		var raw json.RawMessage
		if err := conn.ReadJSON(&raw); err != nil {
			return
		}
		s.dispatch(wrapper, raw)
	}
}

func (s *MockHubServer) authenticate(wrapper *connWrapper) bool {
	wrapper.write(Message{Type: "auth_required"})

	var authMsg struct {
		Type        string `json:"type"`
		AccessToken string `json:"access_token"`
	}
	if err := wrapper.conn.ReadJSON(&authMsg); err != nil {
		return false
	}

	if authMsg.AccessToken != s.token {
		wrapper.write(Message{Type: "auth_invalid"})
		return false
	}

	wrapper.write(Message{Type: "auth_ok"})
	return true
}

func (s *MockHubServer) dispatch(wrapper *connWrapper, raw json.RawMessage) {
	var base struct {
		ID        int    `json:"id"`
		Type      string `json:"type"`
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(raw, &base); err != nil {
		return
	}

	switch base.Type {
	case "get_states":
		s.statesMu.RLock()
		states := make([]*EntityState, 0, len(s.states))
		for _, state := range s.states {
			states = append(states, state)
		}
		s.statesMu.RUnlock()

		result, _ := json.Marshal(states)
		success := true
		wrapper.write(Message{ID: base.ID, Type: "result", Success: &success, Result: result})

	case "subscribe_events":
		wrapper.subsMu.Lock()
		wrapper.eventSubs[base.EventType] = base.ID
		wrapper.subsMu.Unlock()
		wrapper.ack(base.ID)

	case "unsubscribe_events":
		var req struct {
			Subscription int `json:"subscription"`
		}
		json.Unmarshal(raw, &req)

		wrapper.subsMu.Lock()
		for nodeID, subID := range wrapper.nodeSubs {
			if subID == req.Subscription {
				delete(wrapper.nodeSubs, nodeID)
			}
		}
		for eventType, subID := range wrapper.eventSubs {
			if subID == req.Subscription {
				delete(wrapper.eventSubs, eventType)
			}
		}
		wrapper.subsMu.Unlock()
		wrapper.ack(base.ID)

	case "nodered/discovery":
		var discovery Discovery
		if err := json.Unmarshal(raw, &discovery); err != nil {
			return
		}

		s.recordMu.Lock()
		s.discoveries = append(s.discoveries, discovery)
		s.recordMu.Unlock()

		if discovery.Remove {
			// Fire-and-forget, no frame id to acknowledge
			return
		}

		wrapper.subsMu.Lock()
		wrapper.nodeSubs[discovery.NodeID] = discovery.ID
		wrapper.subsMu.Unlock()
		wrapper.ack(base.ID)

	case "nodered/entity":
		var update EntityUpdate
		if err := json.Unmarshal(raw, &update); err != nil {
			return
		}
		s.recordMu.Lock()
		s.updates = append(s.updates, update)
		s.recordMu.Unlock()
	}
}
