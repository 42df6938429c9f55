// File: internal/controller/telemetry.go
package controller

import (
	"sync"

	"github.com/ModerRAS/keyforge/api/schemas"
)

// Ring is a bounded, drop-oldest telemetry sink. Emit never blocks: when the
// buffer is full the oldest event is discarded and a drop counter bumps, so a
// slow consumer can never stall the control loop.
type Ring struct {
	mu      sync.Mutex
	events  []schemas.TickEvent
	cap     int
	dropped uint64
}

// NewRing builds a sink retaining at most capacity events.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{cap: capacity}
}

var _ schemas.TelemetrySink = (*Ring)(nil)

// Emit implements schemas.TelemetrySink.
func (r *Ring) Emit(ev schemas.TickEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == r.cap {
		copy(r.events, r.events[1:])
		r.events = r.events[:r.cap-1]
		r.dropped++
	}
	r.events = append(r.events, ev)
}

// Events returns a snapshot of the retained events, oldest first.
func (r *Ring) Events() []schemas.TickEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]schemas.TickEvent, len(r.events))
	copy(out, r.events)
	return out
}

// Dropped reports how many events were discarded to keep Emit non-blocking.
func (r *Ring) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
