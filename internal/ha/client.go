package ha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrNotConnected is returned when an operation requires a live hub
// connection and there is none.
var ErrNotConnected = errors.New("not connected to hub")

// messageSubscription is one node's live message subscription. The
// original payload is retained so resubscribe=true subscriptions can be
// re-established after a reconnect; id tracks the current wire id, which
// changes on every re-establishment.
type messageSubscription struct {
	id          int
	handler     EntityEventHandler
	payload     *DiscoveryPayload
	resubscribe bool
}

// Client is the hub-connection collaborator: a WebSocket client for the
// hub's message bus plus the connection-scoped state this plugin layers on
// top of it (entity state cache, integration state, exposed-nodes
// registry).
type Client struct {
	url    string
	token  string
	logger *zap.Logger

	conn      *websocket.Conn
	connected bool
	connMu    sync.RWMutex
	writeMu   sync.Mutex // protects websocket writes

	msgID   int
	msgIDMu sync.Mutex

	pending   map[int]chan Message
	pendingMu sync.Mutex

	// Message subscriptions keyed by the subscription's message id.
	msgSubs   map[int]*messageSubscription
	msgSubsMu sync.Mutex

	// Global event-stream subscription ids (cache upkeep and
	// integration-state tracking).
	stateSubID       int
	integrationSubID int
	globalSubsMu     sync.RWMutex

	// Entity state cache, primed from get_states and kept current by the
	// global state_changed subscription.
	states   map[string]*State
	statesMu sync.RWMutex

	integration    IntegrationState
	integrationMu  sync.RWMutex
	intHandlers    map[int]IntegrationStateHandler
	intHandlersMu  sync.Mutex
	nextIntHandler int
	intEvents      chan IntegrationState

	exposedNodes *ExposedNodes

	ctx       context.Context
	cancel    context.CancelFunc
	reconnect bool
}

// NewClient creates a new hub WebSocket client
func NewClient(url, token string, logger *zap.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		url:          url,
		token:        token,
		logger:       logger,
		pending:      make(map[int]chan Message),
		msgSubs:      make(map[int]*messageSubscription),
		states:       make(map[string]*State),
		integration:  IntegrationNotLoaded,
		intHandlers:  make(map[int]IntegrationStateHandler),
		intEvents:    make(chan IntegrationState, 16),
		exposedNodes: NewExposedNodes(),
		ctx:          ctx,
		cancel:       cancel,
		reconnect:    true,
	}
	go c.dispatchIntegrationEvents()
	return c
}

// Connect establishes the WebSocket connection, authenticates, primes the
// entity state cache and subscribes to the global event streams.
func (c *Client) Connect() error {
	c.connMu.Lock()

	if c.connected {
		c.connMu.Unlock()
		return fmt.Errorf("already connected")
	}

	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		c.connMu.Unlock()
		return fmt.Errorf("failed to connect to WebSocket: %w", err)
	}
	c.conn = conn

	if err := c.authenticate(conn); err != nil {
		conn.Close()
		c.connMu.Unlock()
		return err
	}

	c.resetContextLocked()
	c.connected = true
	c.reconnect = true
	c.logger.Info("Connected to hub")

	// Start background message receiver
	go c.receiveMessages()

	// Release lock before issuing requests: sendRequest takes connMu
	c.connMu.Unlock()

	if err := c.primeStateCache(); err != nil {
		c.logger.Warn("Failed to prime entity state cache", zap.Error(err))
	}

	if err := c.subscribeGlobalEvents(); err != nil {
		c.logger.Warn("Failed to subscribe to hub event streams", zap.Error(err))
	}

	c.resubscribeMessages()

	return nil
}

// authenticate runs the auth_required -> auth -> auth_ok handshake
func (c *Client) authenticate(conn *websocket.Conn) error {
	var authRequired Message
	if err := conn.ReadJSON(&authRequired); err != nil {
		return fmt.Errorf("failed to read auth_required: %w", err)
	}

	if authRequired.Type != "auth_required" {
		return fmt.Errorf("expected auth_required, got %s", authRequired.Type)
	}

	authMsg := AuthMessage{
		Type:        "auth",
		AccessToken: c.token,
	}

	c.writeMu.Lock()
	err := conn.WriteJSON(authMsg)
	c.writeMu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to send auth: %w", err)
	}

	var authResponse Message
	if err := conn.ReadJSON(&authResponse); err != nil {
		return fmt.Errorf("failed to read auth response: %w", err)
	}

	switch authResponse.Type {
	case "auth_ok":
		return nil
	case "auth_invalid":
		return fmt.Errorf("authentication failed: invalid token")
	default:
		return fmt.Errorf("expected auth_ok, got %s", authResponse.Type)
	}
}

// Disconnect closes the WebSocket connection
func (c *Client) Disconnect() error {
	c.connMu.Lock()

	if !c.connected {
		c.connMu.Unlock()
		return nil
	}

	c.reconnect = false
	c.cancel()
	c.connected = false

	if c.conn != nil {
		c.writeMu.Lock()
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()

		c.conn.Close()
		c.conn = nil
	}

	c.connMu.Unlock()

	c.setIntegrationState(IntegrationNotLoaded)
	c.logger.Info("Disconnected from hub")
	return nil
}

// IsConnected returns true if the client is connected
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// IsIntegrationLoaded reports whether the nodered custom integration is
// currently available on the hub.
func (c *Client) IsIntegrationLoaded() bool {
	c.integrationMu.RLock()
	defer c.integrationMu.RUnlock()
	return c.integration == IntegrationLoaded
}

// ExposedNodes returns the connection-scoped exposure registry
func (c *Client) ExposedNodes() *ExposedNodes {
	return c.exposedNodes
}

func (c *Client) resetContextLocked() {
	if c.cancel != nil {
		c.cancel()
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
}

// nextMsgID returns the next message ID
func (c *Client) nextMsgID() int {
	c.msgIDMu.Lock()
	defer c.msgIDMu.Unlock()
	c.msgID++
	return c.msgID
}

// sendRequest sends a message carrying the given id and waits for the
// matching result frame.
func (c *Client) sendRequest(msgID int, msg interface{}) (*Message, error) {
	c.connMu.RLock()
	if !c.connected {
		c.connMu.RUnlock()
		return nil, ErrNotConnected
	}
	conn := c.conn
	c.connMu.RUnlock()

	respChan := make(chan Message, 1)
	c.pendingMu.Lock()
	c.pending[msgID] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, msgID)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	err := conn.WriteJSON(msg)
	c.writeMu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	select {
	case resp := <-respChan:
		if resp.Success != nil && !*resp.Success {
			if resp.Error != nil {
				return nil, fmt.Errorf("hub error: %s - %s", resp.Error.Code, resp.Error.Message)
			}
			return nil, fmt.Errorf("request failed")
		}
		return &resp, nil
	case <-time.After(10 * time.Second):
		return nil, fmt.Errorf("timeout waiting for response")
	case <-c.ctx.Done():
		return nil, fmt.Errorf("client disconnected")
	}
}

// Send writes a message to the hub fire-and-forget. Write failures are
// logged, never returned: callers treat the hub as a sink.
func (c *Client) Send(v interface{}) {
	c.connMu.RLock()
	if !c.connected {
		c.connMu.RUnlock()
		c.logger.Debug("Dropping send, not connected")
		return
	}
	conn := c.conn
	c.connMu.RUnlock()

	c.writeMu.Lock()
	err := conn.WriteJSON(v)
	c.writeMu.Unlock()

	if err != nil {
		c.logger.Warn("Failed to send message to hub", zap.Error(err))
	}
}

// receiveMessages handles incoming messages in the background
func (c *Client) receiveMessages() {
	c.connMu.RLock()
	conn := c.conn
	ctx := c.ctx
	c.connMu.RUnlock()

	if conn == nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			c.logger.Error("Failed to read message", zap.Error(err))
			c.handleDisconnect()
			return
		}

		if msg.Type == "event" {
			c.handleEvent(&msg)
			continue
		}

		// Route response to waiting goroutine
		if msg.ID > 0 {
			c.pendingMu.Lock()
			if ch, ok := c.pending[msg.ID]; ok {
				select {
				case ch <- msg:
				default:
					c.logger.Warn("Response channel full", zap.Int("msg_id", msg.ID))
				}
			}
			c.pendingMu.Unlock()
		}
	}
}

// handleEvent routes an event frame by the subscription id it arrived on
func (c *Client) handleEvent(msg *Message) {
	if msg.Event == nil {
		return
	}

	c.globalSubsMu.RLock()
	stateSubID, integrationSubID := c.stateSubID, c.integrationSubID
	c.globalSubsMu.RUnlock()

	switch msg.ID {
	case stateSubID:
		c.handleStateChanged(msg.Event)
	case integrationSubID:
		c.handleIntegrationEvent(msg.Event)
	default:
		c.msgSubsMu.Lock()
		sub, ok := c.msgSubs[msg.ID]
		c.msgSubsMu.Unlock()

		if !ok {
			return
		}

		var event EntityEvent
		if err := json.Unmarshal(msg.Event.Data, &event); err != nil {
			c.logger.Error("Failed to unmarshal entity event",
				zap.Int("subscription", msg.ID),
				zap.Error(err))
			return
		}

		sub.handler(event)
	}
}

// handleStateChanged keeps the entity state cache current
func (c *Client) handleStateChanged(event *Event) {
	var data StateChangedEvent
	if err := json.Unmarshal(event.Data, &data); err != nil {
		c.logger.Error("Failed to unmarshal state_changed event", zap.Error(err))
		return
	}

	c.statesMu.Lock()
	if data.NewState == nil {
		delete(c.states, data.EntityID)
	} else {
		c.states[data.EntityID] = data.NewState
	}
	c.statesMu.Unlock()
}

// handleIntegrationEvent tracks whether the nodered integration is loaded
func (c *Client) handleIntegrationEvent(event *Event) {
	var data integrationEvent
	if err := json.Unmarshal(event.Data, &data); err != nil {
		c.logger.Error("Failed to unmarshal integration event", zap.Error(err))
		return
	}

	switch IntegrationState(data.Type) {
	case IntegrationLoaded, IntegrationUnloaded, IntegrationNotLoaded:
		c.setIntegrationState(IntegrationState(data.Type))
	default:
		c.logger.Debug("Ignoring unknown integration event",
			zap.String("type", data.Type))
	}
}

// setIntegrationState updates the integration state and queues handler
// notification. Handlers run on the dispatcher goroutine, never inline:
// callers include the websocket receive loop, and handlers re-enter the
// client with request/response calls whose result frames that loop must
// stay free to route.
func (c *Client) setIntegrationState(state IntegrationState) {
	c.integrationMu.Lock()
	if c.integration == state {
		c.integrationMu.Unlock()
		return
	}
	c.integration = state
	c.integrationMu.Unlock()

	c.logger.Info("Integration state changed", zap.String("state", string(state)))

	c.intEvents <- state
}

// dispatchIntegrationEvents delivers integration transitions to handlers
// in arrival order. Runs for the lifetime of the client.
func (c *Client) dispatchIntegrationEvents() {
	for state := range c.intEvents {
		c.intHandlersMu.Lock()
		handlers := make([]IntegrationStateHandler, 0, len(c.intHandlers))
		for _, h := range c.intHandlers {
			handlers = append(handlers, h)
		}
		c.intHandlersMu.Unlock()

		for _, h := range handlers {
			h(state)
		}
	}
}

// OnIntegrationState registers a handler for integration state changes
func (c *Client) OnIntegrationState(handler IntegrationStateHandler) Subscription {
	c.intHandlersMu.Lock()
	defer c.intHandlersMu.Unlock()

	c.nextIntHandler++
	id := c.nextIntHandler
	c.intHandlers[id] = handler

	return &integrationSubscription{id: id, client: c}
}

type integrationSubscription struct {
	id     int
	client *Client
}

func (s *integrationSubscription) Unsubscribe() error {
	s.client.intHandlersMu.Lock()
	defer s.client.intHandlersMu.Unlock()
	delete(s.client.intHandlers, s.id)
	return nil
}

// handleDisconnect handles connection loss
func (c *Client) handleDisconnect() {
	c.connMu.Lock()
	c.connected = false
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	reconnect := c.reconnect
	c.connMu.Unlock()

	// Nobody can toggle entities while the hub is unreachable; reflect
	// that as integration-not-loaded so nodes tear down and reset.
	c.setIntegrationState(IntegrationNotLoaded)

	c.logger.Warn("Connection lost")

	if !reconnect {
		return
	}

	go c.attemptReconnect()
}

// attemptReconnect tries to reconnect with exponential backoff
func (c *Client) attemptReconnect() {
	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(backoff):
		}

		c.logger.Info("Attempting to reconnect...")

		if err := c.Connect(); err != nil {
			c.logger.Error("Reconnection failed", zap.Error(err))
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		c.logger.Info("Reconnected successfully")
		return
	}
}

// primeStateCache loads all entity states into the cache
func (c *Client) primeStateCache() error {
	msgID := c.nextMsgID()
	resp, err := c.sendRequest(msgID, &GetStatesRequest{
		ID:   msgID,
		Type: "get_states",
	})
	if err != nil {
		return err
	}

	var states []*State
	if err := json.Unmarshal(resp.Result, &states); err != nil {
		return fmt.Errorf("failed to unmarshal states: %w", err)
	}

	c.statesMu.Lock()
	for _, state := range states {
		c.states[state.EntityID] = state
	}
	c.statesMu.Unlock()

	c.logger.Info("Entity state cache primed", zap.Int("entities", len(states)))
	return nil
}

// subscribeGlobalEvents subscribes to state_changed (cache upkeep) and
// nodered (integration state) event streams.
func (c *Client) subscribeGlobalEvents() error {
	msgID := c.nextMsgID()
	if _, err := c.sendRequest(msgID, &SubscribeEventsRequest{
		ID:        msgID,
		Type:      "subscribe_events",
		EventType: EventTypeStateChanged,
	}); err != nil {
		return fmt.Errorf("failed to subscribe to state_changed: %w", err)
	}
	c.globalSubsMu.Lock()
	c.stateSubID = msgID
	c.globalSubsMu.Unlock()

	msgID = c.nextMsgID()
	if _, err := c.sendRequest(msgID, &SubscribeEventsRequest{
		ID:        msgID,
		Type:      "subscribe_events",
		EventType: "nodered",
	}); err != nil {
		return fmt.Errorf("failed to subscribe to nodered events: %w", err)
	}
	c.globalSubsMu.Lock()
	c.integrationSubID = msgID
	c.globalSubsMu.Unlock()

	return nil
}

// GetCachedState is a synchronous lookup in the entity state cache
func (c *Client) GetCachedState(entityID string) (*State, bool) {
	c.statesMu.RLock()
	defer c.statesMu.RUnlock()

	state, ok := c.states[entityID]
	return state, ok
}

// SubscribeMessage registers a message subscription with the hub: the
// payload is sent with a fresh message id and subsequent event frames
// carrying that id are delivered to the handler. With resubscribe set the
// subscription is re-established automatically after a reconnect.
func (c *Client) SubscribeMessage(handler EntityEventHandler, payload *DiscoveryPayload, resubscribe bool) (Subscription, error) {
	if !c.IsConnected() {
		return nil, ErrNotConnected
	}

	msgID := c.nextMsgID()
	framed := *payload
	framed.ID = msgID

	if _, err := c.sendRequest(msgID, &framed); err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	sub := &messageSubscription{
		id:          msgID,
		handler:     handler,
		payload:     payload,
		resubscribe: resubscribe,
	}

	c.msgSubsMu.Lock()
	c.msgSubs[msgID] = sub
	c.msgSubsMu.Unlock()

	return &messageSubscriptionHandle{sub: sub, client: c}, nil
}

type messageSubscriptionHandle struct {
	sub    *messageSubscription
	client *Client
}

func (s *messageSubscriptionHandle) Unsubscribe() error {
	return s.client.unsubscribeMessage(s.sub)
}

// unsubscribeMessage drops a message subscription and, if still
// connected, tells the hub to stop delivering it.
func (c *Client) unsubscribeMessage(sub *messageSubscription) error {
	c.msgSubsMu.Lock()
	_, ok := c.msgSubs[sub.id]
	delete(c.msgSubs, sub.id)
	c.msgSubsMu.Unlock()

	if !ok {
		return nil // Already unsubscribed
	}

	if !c.IsConnected() {
		return nil
	}

	msgID := c.nextMsgID()
	if _, err := c.sendRequest(msgID, &UnsubscribeRequest{
		ID:           msgID,
		Type:         "unsubscribe_events",
		Subscription: sub.id,
	}); err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}

	return nil
}

// resubscribeMessages re-establishes resubscribe=true message
// subscriptions after a reconnect, moving each to a fresh message id.
// Handles stay valid because they reference the subscription, not its
// wire id.
func (c *Client) resubscribeMessages() {
	c.msgSubsMu.Lock()
	stale := make([]*messageSubscription, 0, len(c.msgSubs))
	for id, sub := range c.msgSubs {
		if sub.resubscribe {
			stale = append(stale, sub)
			delete(c.msgSubs, id)
		}
	}
	c.msgSubsMu.Unlock()

	for _, sub := range stale {
		msgID := c.nextMsgID()
		framed := *sub.payload
		framed.ID = msgID

		if _, err := c.sendRequest(msgID, &framed); err != nil {
			c.logger.Warn("Failed to re-establish subscription",
				zap.String("node_id", sub.payload.NodeID),
				zap.Error(err))
			continue
		}

		c.msgSubsMu.Lock()
		sub.id = msgID
		c.msgSubs[msgID] = sub
		c.msgSubsMu.Unlock()
	}
}
