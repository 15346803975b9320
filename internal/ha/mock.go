package ha

import (
	"sync"
)

// MockHub implements HubClient for testing. It records every payload
// passed to Send and SubscribeMessage, lets tests flip the integration
// state, and delivers injected events to subscribed handlers.
type MockHub struct {
	mu           sync.Mutex
	connected    bool
	integration  IntegrationState
	states       map[string]*State
	sent         []interface{}
	subs         map[int]*mockMessageSub
	nextSubID    int
	intHandlers  map[int]IntegrationStateHandler
	nextIntSubID int
	exposedNodes *ExposedNodes

	// SubscribeErr, when set, makes SubscribeMessage fail.
	SubscribeErr error
	// UnsubscribeErr, when set, makes Subscription.Unsubscribe fail.
	UnsubscribeErr error
}

type mockMessageSub struct {
	handler EntityEventHandler
	payload *DiscoveryPayload
}

// NewMockHub creates a connected mock hub with the integration loaded
func NewMockHub() *MockHub {
	return &MockHub{
		connected:    true,
		integration:  IntegrationLoaded,
		states:       make(map[string]*State),
		subs:         make(map[int]*mockMessageSub),
		intHandlers:  make(map[int]IntegrationStateHandler),
		exposedNodes: NewExposedNodes(),
	}
}

// IsConnected returns the mock connection status
func (m *MockHub) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// SetConnected sets the mock connection status
func (m *MockHub) SetConnected(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = connected
}

// IsIntegrationLoaded reports the mock integration state
func (m *MockHub) IsIntegrationLoaded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.integration == IntegrationLoaded
}

// SetIntegrationState flips the integration state and notifies handlers
func (m *MockHub) SetIntegrationState(state IntegrationState) {
	m.mu.Lock()
	if m.integration == state {
		m.mu.Unlock()
		return
	}
	m.integration = state
	handlers := make([]IntegrationStateHandler, 0, len(m.intHandlers))
	for _, h := range m.intHandlers {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h(state)
	}
}

// ExposedNodes returns the mock's exposure registry
func (m *MockHub) ExposedNodes() *ExposedNodes {
	return m.exposedNodes
}

// Send records a fire-and-forget payload
func (m *MockHub) Send(v interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, v)
}

// SentMessages returns a copy of everything passed to Send
func (m *MockHub) SentMessages() []interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]interface{}, len(m.sent))
	copy(out, m.sent)
	return out
}

// SentRemovals returns the remove-variant discovery payloads passed to Send
func (m *MockHub) SentRemovals() []*DiscoveryPayload {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*DiscoveryPayload
	for _, v := range m.sent {
		if p, ok := v.(*DiscoveryPayload); ok && p.Remove {
			out = append(out, p)
		}
	}
	return out
}

// SentEntityUpdates returns the entity payloads passed to Send
func (m *MockHub) SentEntityUpdates() []*EntityPayload {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*EntityPayload
	for _, v := range m.sent {
		if p, ok := v.(*EntityPayload); ok {
			out = append(out, p)
		}
	}
	return out
}

// ClearSent clears the recorded payloads
func (m *MockHub) ClearSent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}

// SetState sets a cached entity state
func (m *MockHub) SetState(entityID, state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[entityID] = &State{EntityID: entityID, State: state}
}

// GetCachedState looks up a mock entity state
func (m *MockHub) GetCachedState(entityID string) (*State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[entityID]
	return state, ok
}

// SubscribeMessage registers a mock message subscription
func (m *MockHub) SubscribeMessage(handler EntityEventHandler, payload *DiscoveryPayload, resubscribe bool) (Subscription, error) {
	m.mu.Lock()

	if m.SubscribeErr != nil {
		err := m.SubscribeErr
		m.mu.Unlock()
		return nil, err
	}
	if !m.connected {
		m.mu.Unlock()
		return nil, ErrNotConnected
	}

	m.nextSubID++
	id := m.nextSubID
	m.subs[id] = &mockMessageSub{handler: handler, payload: payload}
	m.mu.Unlock()

	return &mockSubscription{id: id, hub: m}, nil
}

type mockSubscription struct {
	id  int
	hub *MockHub
}

func (s *mockSubscription) Unsubscribe() error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()

	if s.hub.UnsubscribeErr != nil {
		return s.hub.UnsubscribeErr
	}
	delete(s.hub.subs, s.id)
	return nil
}

// OnIntegrationState registers a mock integration-state handler
func (m *MockHub) OnIntegrationState(handler IntegrationStateHandler) Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextIntSubID++
	id := m.nextIntSubID
	m.intHandlers[id] = handler

	return &mockIntSubscription{id: id, hub: m}
}

type mockIntSubscription struct {
	id  int
	hub *MockHub
}

func (s *mockIntSubscription) Unsubscribe() error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	delete(s.hub.intHandlers, s.id)
	return nil
}

// SubscriptionCount reports how many message subscriptions are live
func (m *MockHub) SubscriptionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// InjectEvent delivers an event to every live message subscription
func (m *MockHub) InjectEvent(event EntityEvent) {
	m.mu.Lock()
	handlers := make([]EntityEventHandler, 0, len(m.subs))
	for _, sub := range m.subs {
		handlers = append(handlers, sub.handler)
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h(event)
	}
}

// LastDiscovery returns the payload of the most recent message
// subscription, or nil when none is live.
func (m *MockHub) LastDiscovery() *DiscoveryPayload {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *DiscoveryPayload
	maxID := 0
	for id, sub := range m.subs {
		if id > maxID {
			maxID = id
			latest = sub.payload
		}
	}
	return latest
}
