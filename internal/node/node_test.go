package node

import (
	"sync"
	"testing"
	"time"

	"habridge/internal/clock"
	"habridge/internal/ha"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockRuntime records everything a node hands to the host runtime
type mockRuntime struct {
	mu       sync.Mutex
	sent     []interface{}
	statuses []Status
	errors   []error
	debugs   []string
}

func (r *mockRuntime) Send(payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, payload)
}

func (r *mockRuntime) Status(status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

func (r *mockRuntime) Debug(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.debugs = append(r.debugs, msg)
}

func (r *mockRuntime) Error(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, err)
}

func (r *mockRuntime) sentPayloads() []interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]interface{}, len(r.sent))
	copy(out, r.sent)
	return out
}

func (r *mockRuntime) lastStatus() (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.statuses) == 0 {
		return Status{}, false
	}
	return r.statuses[len(r.statuses)-1], true
}

func (r *mockRuntime) errorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errors)
}

func testContext(hub *ha.MockHub, runtime *mockRuntime) *Context {
	return &Context{
		Hub:     hub,
		Runtime: runtime,
		Clock:   clock.NewMockClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)),
		Logger:  zap.NewNop(),
	}
}

func switchConfig(id string) Config {
	return Config{
		ID:       id,
		Type:     TypeSwitch,
		ServerID: "server-1",
		Expose:   boolPtr(true),
		EntityID: "light.kitchen",
		Outputs:  1,
	}
}

func waitForState(t *testing.T, n *EventNode, want RegState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return n.RegistrationState() == want
	}, time.Second, 5*time.Millisecond, "node never reached state %s", want)
}

func TestNodeRegistersOnConstruction(t *testing.T) {
	hub := ha.NewMockHub()
	runtime := &mockRuntime{}

	n := NewEventNode(switchConfig("node-1"), testContext(hub, runtime))
	defer n.Close(false)

	waitForState(t, n, RegRegistered)

	assert.Equal(t, 1, hub.SubscriptionCount())

	payload := hub.LastDiscovery()
	require.NotNil(t, payload)
	assert.Equal(t, ha.MessageTypeDiscovery, payload.Type)
	assert.Equal(t, "server-1", payload.ServerID)
	assert.Equal(t, "node-1", payload.NodeID)
	assert.Equal(t, "switch", payload.Component)
	require.NotNil(t, payload.State)
	assert.True(t, *payload.State)

	// Exposure was recorded in the connection registry
	exposed, ok := hub.ExposedNodes().Get("node-1")
	assert.True(t, ok)
	assert.True(t, exposed)
}

func TestNodeDoesNotRegisterWhenUnexposed(t *testing.T) {
	hub := ha.NewMockHub()
	runtime := &mockRuntime{}

	cfg := switchConfig("node-1")
	cfg.Expose = nil

	n := NewEventNode(cfg, testContext(hub, runtime))
	defer n.Close(false)

	// Give the construction goroutine a moment to run
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, RegUnregistered, n.RegistrationState())
	assert.Equal(t, 0, hub.SubscriptionCount())
}

func TestNodeDefersRegistrationUntilIntegrationLoads(t *testing.T) {
	hub := ha.NewMockHub()
	hub.SetIntegrationState(ha.IntegrationNotLoaded)
	runtime := &mockRuntime{}

	n := NewEventNode(switchConfig("node-1"), testContext(hub, runtime))
	defer n.Close(false)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, RegUnregistered, n.RegistrationState())
	assert.Equal(t, 0, hub.SubscriptionCount())

	hub.SetIntegrationState(ha.IntegrationLoaded)

	waitForState(t, n, RegRegistered)
	assert.Equal(t, 1, hub.SubscriptionCount())
}

func TestNodeReportsSubscribeFailure(t *testing.T) {
	hub := ha.NewMockHub()
	hub.SubscribeErr = ErrConnectionUnavailable
	runtime := &mockRuntime{}

	n := NewEventNode(switchConfig("node-1"), testContext(hub, runtime))
	defer n.Close(false)

	require.Eventually(t, func() bool {
		return runtime.errorCount() > 0
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, RegUnregistered, n.RegistrationState())

	status, ok := runtime.lastStatus()
	require.True(t, ok)
	assert.Equal(t, StatusRed, status.Fill)
}

func TestDeregistrationSendsRemoveExactlyOnce(t *testing.T) {
	hub := ha.NewMockHub()
	runtime := &mockRuntime{}

	n := NewEventNode(switchConfig("node-1"), testContext(hub, runtime))
	waitForState(t, n, RegRegistered)

	n.Close(true)
	n.Close(true)

	removals := hub.SentRemovals()
	require.Len(t, removals, 1)
	assert.True(t, removals[0].Remove)
	assert.Equal(t, "node-1", removals[0].NodeID)
	assert.Nil(t, removals[0].State)
	assert.Nil(t, removals[0].Config)

	assert.Equal(t, RegUnregistered, n.RegistrationState())
	assert.Equal(t, 0, hub.SubscriptionCount())

	// Node deletion tears down the registry entry
	_, ok := hub.ExposedNodes().Get("node-1")
	assert.False(t, ok)
}

func TestUnexposedRecreationRemovesFromHub(t *testing.T) {
	hub := ha.NewMockHub()
	runtime := &mockRuntime{}

	// The previous incarnation was exposed
	hub.ExposedNodes().Set("node-1", true)

	cfg := switchConfig("node-1")
	cfg.Expose = boolPtr(false)

	n := NewEventNode(cfg, testContext(hub, runtime))
	defer n.Close(false)

	require.Eventually(t, func() bool {
		return len(hub.SentRemovals()) == 1
	}, time.Second, 5*time.Millisecond)

	// The flag is consumed exactly once: closing again must not resend
	n.Close(false)
	assert.Len(t, hub.SentRemovals(), 1)
}

func TestDeregistrationResetsEnabledFlag(t *testing.T) {
	hub := ha.NewMockHub()
	runtime := &mockRuntime{}

	n := NewEventNode(switchConfig("node-1"), testContext(hub, runtime))
	waitForState(t, n, RegRegistered)

	n.HandleEvent(ha.EntityEvent{Type: ha.EventTypeStateChanged, State: boolPtr(false)})
	require.False(t, n.Enabled())

	n.Close(true)
	assert.True(t, n.Enabled(), "enabled flag must reset to true once the entity is removed")
}

func TestTriggerStateNodeKeepsEnabledFlag(t *testing.T) {
	hub := ha.NewMockHub()
	runtime := &mockRuntime{}

	cfg := switchConfig("node-1")
	cfg.Type = TypeTriggerState

	n := NewEventNode(cfg, testContext(hub, runtime))
	waitForState(t, n, RegRegistered)

	n.HandleEvent(ha.EntityEvent{Type: ha.EventTypeStateChanged, State: boolPtr(false)})
	require.False(t, n.Enabled())

	n.Close(true)
	assert.False(t, n.Enabled(), "trigger-state nodes manage their own enabled flag")
}

func TestIntegrationUnloadReleasesSubscription(t *testing.T) {
	hub := ha.NewMockHub()
	runtime := &mockRuntime{}

	n := NewEventNode(switchConfig("node-1"), testContext(hub, runtime))
	defer n.Close(false)
	waitForState(t, n, RegRegistered)

	n.HandleEvent(ha.EntityEvent{Type: ha.EventTypeStateChanged, State: boolPtr(false)})
	require.False(t, n.Enabled())

	hub.SetIntegrationState(ha.IntegrationUnloaded)

	waitForState(t, n, RegUnregistered)
	assert.Equal(t, 0, hub.SubscriptionCount())
	assert.True(t, n.Enabled(), "enabled flag defaults to active when connectivity is unknown")

	// No remove payload: unload is not a deregistration
	assert.Len(t, hub.SentRemovals(), 0)
}

func TestIntegrationReloadReregisters(t *testing.T) {
	hub := ha.NewMockHub()
	runtime := &mockRuntime{}

	n := NewEventNode(switchConfig("node-1"), testContext(hub, runtime))
	defer n.Close(false)
	waitForState(t, n, RegRegistered)

	hub.SetIntegrationState(ha.IntegrationUnloaded)
	waitForState(t, n, RegUnregistered)

	hub.SetIntegrationState(ha.IntegrationLoaded)
	waitForState(t, n, RegRegistered)
	assert.Equal(t, 1, hub.SubscriptionCount())
}

// blockingHub stalls SubscribeMessage until gate closes, so tests can
// interleave integration transitions with an in-flight subscribe.
type blockingHub struct {
	*ha.MockHub
	gate         chan struct{}
	entered      chan struct{}
	unsubscribed chan struct{}
}

func (h *blockingHub) SubscribeMessage(handler ha.EntityEventHandler, payload *ha.DiscoveryPayload, resubscribe bool) (ha.Subscription, error) {
	h.entered <- struct{}{}
	<-h.gate
	sub, err := h.MockHub.SubscribeMessage(handler, payload, resubscribe)
	if err != nil {
		return nil, err
	}
	return &notifyingSub{Subscription: sub, unsubscribed: h.unsubscribed}, nil
}

type notifyingSub struct {
	ha.Subscription
	unsubscribed chan struct{}
}

func (s *notifyingSub) Unsubscribe() error {
	err := s.Subscription.Unsubscribe()
	select {
	case s.unsubscribed <- struct{}{}:
	default:
	}
	return err
}

func TestUnloadDuringSubscribeRollsBackRegistration(t *testing.T) {
	hub := &blockingHub{
		MockHub:      ha.NewMockHub(),
		gate:         make(chan struct{}),
		entered:      make(chan struct{}, 4),
		unsubscribed: make(chan struct{}, 4),
	}
	runtime := &mockRuntime{}

	ctx := &Context{
		Hub:     hub,
		Runtime: runtime,
		Clock:   clock.NewMockClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)),
		Logger:  zap.NewNop(),
	}
	n := NewEventNode(switchConfig("node-1"), ctx)
	defer n.Close(false)

	// Registration is stalled inside the subscribe call
	<-hub.entered

	// The integration unloads while the subscribe is still in flight,
	// then the stalled call completes and hands back a late handle
	hub.SetIntegrationState(ha.IntegrationUnloaded)
	close(hub.gate)

	// The late handle is torn down, never stored
	<-hub.unsubscribed
	assert.Equal(t, 0, hub.SubscriptionCount())
	assert.Equal(t, RegUnregistered, n.RegistrationState())
	assert.False(t, n.slot.Held())
	assert.Zero(t, runtime.errorCount(), "an abandoned registration is not an error")

	// The rollback leaves the node able to register on the next load
	hub.SetIntegrationState(ha.IntegrationLoaded)
	waitForState(t, n, RegRegistered)
	assert.Equal(t, 1, hub.SubscriptionCount())
}

func TestRemovalFilterBlocksDeregistration(t *testing.T) {
	hub := ha.NewMockHub()
	runtime := &mockRuntime{}

	ctx := testContext(hub, runtime)
	ctx.RemovalFilter = func(t Type) bool { return false }

	n := NewEventNode(switchConfig("node-1"), ctx)
	waitForState(t, n, RegRegistered)

	n.Close(true)

	assert.Len(t, hub.SentRemovals(), 0)
	// The subscription is still torn down on close
	assert.Equal(t, 0, hub.SubscriptionCount())
}
