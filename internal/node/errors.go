package node

import (
	"errors"
	"fmt"
)

// ErrSubscriptionHeld is returned by SubscriptionSlot.Acquire when a
// handle is already held or another acquire is in flight. Acquiring over
// a live handle is an imbalance bug in the caller, never a condition to
// paper over.
var ErrSubscriptionHeld = errors.New("subscription already held")

// ErrSubscriptionReleased is returned by SubscriptionSlot.Acquire when
// Release arrived while the acquire was in flight. The late handle has
// already been torn down; the caller must not treat the node as
// registered.
var ErrSubscriptionReleased = errors.New("subscription released during acquire")

// ErrConnectionUnavailable indicates the hub could not be reached at
// registration time. The node stays unregistered until the next
// integration-loaded transition.
var ErrConnectionUnavailable = errors.New("hub connection unavailable")

// ValidationError reports a malformed inbound trigger payload. The
// trigger is dropped; nothing is sent downstream.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid trigger payload: %s", e.Reason)
}

// MissingEntityError reports a trigger referencing an entity absent from
// the hub's state cache. Kept distinct from ValidationError so the two
// are diagnosable from the message alone.
type MissingEntityError struct {
	EntityID string
}

func (e *MissingEntityError) Error() string {
	return fmt.Sprintf("entity %s not found in hub state cache", e.EntityID)
}
