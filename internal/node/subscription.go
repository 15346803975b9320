package node

import (
	"habridge/internal/ha"
	"sync"

	"go.uber.org/zap"
)

// SubscriptionSlot holds at most one live hub subscription for a node. A
// single mutable slot, deliberately not a collection: each node maintains
// exactly one logical subscription, and a collection would hide
// acquire/release imbalance bugs.
type SubscriptionSlot struct {
	logger *zap.Logger

	mu       sync.Mutex
	sub      ha.Subscription
	pending  bool
	released bool // Release arrived while an acquire was in flight
}

// NewSubscriptionSlot creates an empty slot
func NewSubscriptionSlot(logger *zap.Logger) *SubscriptionSlot {
	return &SubscriptionSlot{logger: logger}
}

// Acquire runs the given acquire function and stores the resulting
// handle. It fails with ErrSubscriptionHeld when a handle is already held
// or another acquire is in flight. If Release is called while the acquire
// function is still running, the late-arriving handle is unsubscribed
// immediately instead of being stored and Acquire returns
// ErrSubscriptionReleased so the caller does not record a subscription it
// no longer holds.
func (s *SubscriptionSlot) Acquire(acquire func() (ha.Subscription, error)) error {
	s.mu.Lock()
	if s.sub != nil || s.pending {
		s.mu.Unlock()
		return ErrSubscriptionHeld
	}
	s.pending = true
	s.released = false
	s.mu.Unlock()

	sub, err := acquire()

	s.mu.Lock()
	s.pending = false
	if err != nil {
		s.released = false
		s.mu.Unlock()
		return err
	}

	if s.released {
		// The node was torn down while the subscribe was in flight; do
		// not leave the handle dangling.
		s.released = false
		s.mu.Unlock()
		s.teardown(sub)
		return ErrSubscriptionReleased
	}

	s.sub = sub
	s.mu.Unlock()
	return nil
}

// Release tears down the held subscription, if any. It is idempotent and
// never fails: teardown errors must not block node shutdown, so they are
// swallowed and surfaced only on the debug log channel.
func (s *SubscriptionSlot) Release() {
	s.mu.Lock()
	if s.pending {
		s.released = true
		s.mu.Unlock()
		return
	}

	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	if sub == nil {
		return
	}
	s.teardown(sub)
}

// teardown unsubscribes a handle, logging failures instead of returning
// them.
func (s *SubscriptionSlot) teardown(sub ha.Subscription) {
	if err := sub.Unsubscribe(); err != nil {
		s.logger.Debug("Subscription teardown failed", zap.Error(err))
	}
}

// Held reports whether a live handle is currently stored
func (s *SubscriptionSlot) Held() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sub != nil
}
