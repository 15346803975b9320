package node

import (
	"habridge/internal/ha"

	"go.uber.org/zap"
)

// HandleEvent is the node's entry point for inbound events from its hub
// subscription. Events without a type discriminator predate explicit
// typing and are treated as state_changed; unknown types are ignored so
// newer hub integrations do not break older nodes.
func (n *EventNode) HandleEvent(event ha.EntityEvent) {
	eventType := event.Type
	if eventType == "" {
		eventType = ha.EventTypeStateChanged
	}

	switch eventType {
	case ha.EventTypeStateChanged:
		n.handleStateChanged(event)
	case ha.EventTypeAutomationTriggered:
		n.handleTrigger(event.Data)
	default:
		n.logger.Debug("Ignoring unknown hub event type",
			zap.String("type", eventType))
	}
}

// handleStateChanged mirrors the hub's enabled toggle onto the node and
// confirms the new value back to the hub entity. The confirmation is
// skipped while the integration is down; the next registration re-syncs.
func (n *EventNode) handleStateChanged(event ha.EntityEvent) {
	if event.State != nil {
		n.setEnabled(*event.State)
		n.logger.Debug("Enabled flag updated from hub",
			zap.Bool("enabled", *event.State))
	}

	if !n.hub.IsIntegrationLoaded() {
		return
	}

	n.hub.Send(&ha.EntityPayload{
		Type:     ha.MessageTypeEntity,
		ServerID: n.cfg.ServerID,
		NodeID:   n.cfg.ID,
		State:    n.Enabled(),
	})
}
