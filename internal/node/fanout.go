package node

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// TriggerPayload is the data carried by an automation_triggered event
type TriggerPayload struct {
	EntityID      string `json:"entity_id,omitempty"`
	SkipCondition bool   `json:"skip_condition,omitempty"`
	OutputPath    string `json:"output_path,omitempty"`
}

// parseTriggerPayload decodes and validates a trigger payload, applying
// the documented defaults (skip_condition false, output_path "0").
func parseTriggerPayload(data json.RawMessage) (*TriggerPayload, error) {
	payload := &TriggerPayload{}

	if len(data) > 0 {
		if err := json.Unmarshal(data, payload); err != nil {
			return nil, &ValidationError{Reason: err.Error()}
		}
	}

	if payload.OutputPath == "" {
		payload.OutputPath = "0"
	}

	for _, part := range strings.Split(payload.OutputPath, ",") {
		if _, err := strconv.ParseUint(strings.TrimSpace(part), 10, 32); err != nil {
			return nil, &ValidationError{
				Reason: fmt.Sprintf("output_path %q is not a comma-separated list of indices", payload.OutputPath),
			}
		}
	}

	return payload, nil
}

// parseOutputPath resolves an already-validated output_path into the set
// of targeted 1-based port indices. 0 is the broadcast sentinel, not a
// port. Indices beyond outputCount are dropped.
func parseOutputPath(path string, outputCount int) map[int]bool {
	targets := make(map[int]bool)
	for _, part := range strings.Split(path, ",") {
		idx, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || idx > outputCount {
			continue
		}
		targets[idx] = true
	}
	return targets
}

// computeFanout builds the payload handed to the host runtime's send
// primitive for the given target set. The second return value is false
// when nothing should be sent at all.
//
// Tie-break order matters and is observable on the wire:
//  1. exactly {1}: the bare message, unwrapped (the common single-output
//     case);
//  2. contains the broadcast sentinel 0: every port gets [msg];
//  3. otherwise: port i gets msg when targeted, nil when not.
func computeFanout(msg *Message, targets map[int]bool, outputCount int) (interface{}, bool) {
	if outputCount <= 0 || len(targets) == 0 {
		return nil, false
	}

	if len(targets) == 1 && targets[1] {
		return msg, true
	}

	ports := make([]interface{}, outputCount)

	if targets[0] {
		for i := range ports {
			ports[i] = []*Message{msg}
		}
		return ports, true
	}

	for i := 1; i <= outputCount; i++ {
		if targets[i] {
			ports[i-1] = msg
		}
	}
	return ports, true
}

// handleTrigger runs the trigger fan-out: resolve the target entity,
// build the synthetic envelope, and either delegate to the node's own
// trigger handler or distribute the message across the configured output
// ports.
func (n *EventNode) handleTrigger(data json.RawMessage) {
	if !n.Enabled() {
		n.logger.Debug("Ignoring trigger, node is disabled")
		return
	}

	payload, err := parseTriggerPayload(data)
	if err != nil {
		n.reportTriggerError(err)
		return
	}

	entityID := payload.EntityID
	if entityID == "" {
		entityID = n.cfg.EntityID
	}
	if entityID == "" {
		n.reportTriggerError(&ValidationError{Reason: "no entity id in trigger or node configuration"})
		return
	}

	state, ok := n.hub.GetCachedState(entityID)
	if !ok {
		n.reportTriggerError(&MissingEntityError{EntityID: entityID})
		return
	}

	envelope := TriggerEnvelope{
		EventType: "triggered",
		EntityID:  entityID,
		Event: TriggerEvent{
			EntityID: entityID,
			OldState: state,
			NewState: state,
		},
	}

	if !payload.SkipCondition {
		if n.triggerHandler == nil {
			n.logger.Debug("No trigger handler configured, dropping trigger")
			return
		}
		n.triggerHandler(envelope)
		return
	}

	outputCount := n.cfg.Outputs
	if outputCount == 0 {
		return
	}

	targets := parseOutputPath(payload.OutputPath, outputCount)

	msg := &Message{
		Topic:   entityID,
		Payload: state.State,
		Data:    envelope,
	}

	out, ok := computeFanout(msg, targets, outputCount)
	if !ok {
		return
	}

	shape := StatusShapeRing
	if targets[0] || targets[1] {
		shape = StatusShapeDot
	}
	n.runtime.Status(Status{
		Fill:  StatusGreen,
		Shape: shape,
		Text:  statusText(state.State, n.clock.Now()),
	})

	n.SetLastPayload(out)
	n.runtime.Send(out)
}

// reportTriggerError converts a trigger failure into status and log side
// effects; the trigger is dropped and nothing reaches the message path.
func (n *EventNode) reportTriggerError(err error) {
	n.runtime.Status(Status{Fill: StatusRed, Shape: StatusShapeRing, Text: "error"})
	n.runtime.Error(err)
	n.logger.Error("Trigger dropped", zap.Error(err))
}

// statusText formats a status line: the state value with a timestamp
// suffix.
func statusText(value string, at time.Time) string {
	return fmt.Sprintf("%s at %s", value, at.Format("Jan 2, 15:04:05"))
}
