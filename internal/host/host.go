package host

import (
	"sync"

	"habridge/internal/clock"
	"habridge/internal/config"
	"habridge/internal/ha"
	"habridge/internal/node"

	"go.uber.org/zap"
)

// Delivery is one payload a node handed to its output ports, tagged with
// the node that produced it. Downstream consumers drain these from
// Deliveries.
type Delivery struct {
	NodeID  string
	Payload interface{}
}

// Handle pairs a live node with the runtime the host gave it
type Handle struct {
	Node    *node.EventNode
	Name    string
	runtime *nodeRuntime
}

// Status returns the node's most recent status, if it reported one
func (h *Handle) Status() (node.Status, bool) {
	return h.runtime.lastStatus()
}

// Host owns the node side of a deployed flow: it builds every configured
// node against the shared hub connection, gives each a runtime, and
// tears them all down on shutdown.
type Host struct {
	hub    ha.HubClient
	logger *zap.Logger
	clock  clock.Clock

	registry   *Registry
	deliveries *deliverySink

	triggerHandler node.TriggerHandler
	removalFilter  node.RemovalFilter

	closeOnce sync.Once
}

// Option configures a Host
type Option func(*Host)

// WithClock overrides the host's time source
func WithClock(c clock.Clock) Option {
	return func(h *Host) { h.clock = c }
}

// WithTriggerHandler sets the handler for triggers that request
// condition evaluation.
func WithTriggerHandler(handler node.TriggerHandler) Option {
	return func(h *Host) { h.triggerHandler = handler }
}

// WithRemovalFilter overrides which node types deregister their entity
func WithRemovalFilter(filter node.RemovalFilter) Option {
	return func(h *Host) { h.removalFilter = filter }
}

// New creates a host over the given hub connection
func New(hub ha.HubClient, logger *zap.Logger, opts ...Option) *Host {
	h := &Host{
		hub:        hub,
		logger:     logger.Named("host"),
		clock:      clock.NewRealClock(),
		registry:   NewRegistry(),
		deliveries: newDeliverySink(64),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Deploy builds every node defined in the flow configuration. Nodes
// begin registering against the hub immediately.
func (h *Host) Deploy(cfg *config.Config) error {
	for _, nodeCfg := range cfg.NodeConfigs() {
		if err := h.AddNode(nodeCfg); err != nil {
			return err
		}
	}

	h.logger.Info("Flow deployed", zap.Int("nodes", h.registry.Len()))
	return nil
}

// AddNode builds and registers a single node
func (h *Host) AddNode(cfg node.Config) error {
	runtime := &nodeRuntime{
		nodeID:     cfg.ID,
		logger:     h.logger.Named("runtime").With(zap.String("node_id", cfg.ID)),
		deliveries: h.deliveries,
	}

	n := node.NewEventNode(cfg, &node.Context{
		Hub:            h.hub,
		Runtime:        runtime,
		Clock:          h.clock,
		Logger:         h.logger,
		TriggerHandler: h.triggerHandler,
		RemovalFilter:  h.removalFilter,
	})

	handle := &Handle{Node: n, Name: cfg.Name, runtime: runtime}
	if err := h.registry.Add(handle); err != nil {
		n.Close(false)
		return err
	}
	return nil
}

// RemoveNode deletes a node from the flow: the node deregisters its
// entity and forgets its exposure history.
func (h *Host) RemoveNode(id string) {
	handle := h.registry.Get(id)
	if handle == nil {
		return
	}

	handle.Node.Close(true)
	h.registry.Remove(id)
	h.logger.Info("Node removed", zap.String("node_id", id))
}

// Node returns the handle for a node id, or nil when unknown
func (h *Host) Node(id string) *Handle {
	return h.registry.Get(id)
}

// Nodes returns all node handles in definition order
func (h *Host) Nodes() []*Handle {
	return h.registry.List()
}

// Deliveries exposes the stream of node output payloads
func (h *Host) Deliveries() <-chan Delivery {
	return h.deliveries.ch
}

// Close shuts down every node. The nodes stay known to the hub: a host
// shutdown is a restart, not a flow edit.
func (h *Host) Close() {
	h.closeOnce.Do(func() {
		for _, handle := range h.registry.List() {
			handle.Node.Close(false)
			h.registry.Remove(handle.Node.ID())
		}
		h.deliveries.close()
		h.logger.Info("Host closed")
	})
}

// deliverySink is the shared delivery channel plus the closed flag that
// keeps late node sends from hitting a closed channel. Node teardown and
// event dispatch race during shutdown; a straggling payload is dropped,
// never a panic.
type deliverySink struct {
	mu     sync.Mutex
	ch     chan Delivery
	closed bool
}

func newDeliverySink(size int) *deliverySink {
	return &deliverySink{ch: make(chan Delivery, size)}
}

func (s *deliverySink) send(d Delivery, logger *zap.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		logger.Debug("Delivery after host close, dropping payload")
		return
	}
	select {
	case s.ch <- d:
	default:
		// Nobody draining; dropping beats blocking the event path
		logger.Warn("Delivery channel full, dropping payload")
	}
}

func (s *deliverySink) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// nodeRuntime is the host-side implementation of node.Runtime: statuses
// are retained for the API, payloads go to the shared delivery stream,
// debug and error reports become log lines.
type nodeRuntime struct {
	nodeID     string
	logger     *zap.Logger
	deliveries *deliverySink

	mu        sync.Mutex
	status    node.Status
	hasStatus bool
}

func (r *nodeRuntime) Send(payload interface{}) {
	r.deliveries.send(Delivery{NodeID: r.nodeID, Payload: payload}, r.logger)
}

func (r *nodeRuntime) Status(status node.Status) {
	r.mu.Lock()
	r.status = status
	r.hasStatus = true
	r.mu.Unlock()

	r.logger.Debug("Node status",
		zap.String("fill", string(status.Fill)),
		zap.String("shape", string(status.Shape)),
		zap.String("text", status.Text))
}

func (r *nodeRuntime) Debug(msg string) {
	r.logger.Debug(msg)
}

func (r *nodeRuntime) Error(err error) {
	r.logger.Error("Node error", zap.Error(err))
}

func (r *nodeRuntime) lastStatus() (node.Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status, r.hasStatus
}
