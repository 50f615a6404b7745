package upstream

import (
	"sync/atomic"
	"time"
)

// Health tracks an endpoint's liveness (spec.md §3 Upstream endpoint:
// "alive is false iff consecutive_failures >= max_fails; resets to true
// on the first successful probe or live reply").
type Health struct {
	maxFails    int32
	alive       atomic.Bool
	failures    atomic.Int32
	lastProbeAt atomic.Int64 // unix nanoseconds
}

// NewHealth returns a Health that starts alive with zero failures.
func NewHealth(maxFails int) *Health {
	h := &Health{maxFails: int32(maxFails)}
	h.alive.Store(true)
	return h
}

// RecordSuccess clears the failure count and marks the endpoint alive.
// Both a successful health probe and a live reply on the normal request
// path call this (spec.md §4.2: "a live reply through the normal path is
// treated identically" to a successful probe).
func (h *Health) RecordSuccess() {
	h.failures.Store(0)
	h.alive.Store(true)
	h.lastProbeAt.Store(time.Now().UnixNano())
}

// RecordFailure increments the failure count and marks the endpoint dead
// once it reaches maxFails.
func (h *Health) RecordFailure() {
	n := h.failures.Add(1)
	if n >= h.maxFails {
		h.alive.Store(false)
	}
	h.lastProbeAt.Store(time.Now().UnixNano())
}

// Alive reports the endpoint's current liveness.
func (h *Health) Alive() bool { return h.alive.Load() }

// ConsecutiveFailures reports the current failure streak.
func (h *Health) ConsecutiveFailures() int32 { return h.failures.Load() }

// LastProbeAt reports when the endpoint was last probed or used.
func (h *Health) LastProbeAt() time.Time {
	return time.Unix(0, h.lastProbeAt.Load())
}
