package observability

import (
	"context"
	"sync"
)

// execSlotKey is the context key carrying an ExecSlot across a handler.
const execSlotKey ContextKey = "exec_slot"

// ExecSlot hands a guard slot's release function to a handler whose work
// outlives the call itself. A handler that starts a background job claims
// the slot; the slot then stays held, and the breaker unsampled, until the
// job reaches a terminal state. An unclaimed slot is released by the
// caller as soon as the handler returns.
type ExecSlot struct {
	mu      sync.Mutex
	release func(ok bool)
	claimed bool
}

// NewExecSlot wraps a release function for handoff.
func NewExecSlot(release func(ok bool)) *ExecSlot {
	return &ExecSlot{release: release}
}

// Claim marks the slot as owned by the handler's background work and
// returns the release function. A second claim returns nil.
func (s *ExecSlot) Claim() func(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimed {
		return nil
	}
	s.claimed = true
	return s.release
}

// Claimed reports whether a handler took ownership of the slot.
func (s *ExecSlot) Claimed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claimed
}

// WithExecSlot attaches a slot to the context for the handler to claim.
func WithExecSlot(ctx context.Context, slot *ExecSlot) context.Context {
	return context.WithValue(ctx, execSlotKey, slot)
}

// ExecSlotFrom retrieves the slot, nil if the call carries none.
func ExecSlotFrom(ctx context.Context) *ExecSlot {
	if slot, ok := ctx.Value(execSlotKey).(*ExecSlot); ok {
		return slot
	}
	return nil
}
