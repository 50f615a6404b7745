// Package forward is the forwarding engine (C3, spec.md §4.3): policy
// selection among a group's alive endpoints, an admission gate bounding
// in-flight concurrency, and the failover/next cascade state machine
// chaining groups together.
package forward

import (
	"math/rand"
	"sync/atomic"

	"github.com/miekg/dns"

	"github.com/pollguard/pollguard/corefile"
	"github.com/pollguard/pollguard/gwerr"
	"github.com/pollguard/pollguard/upstream"
)

// Group is one "forward" directive's runtime state: its endpoints,
// selection policy, admission gate, and failover/next classification.
type Group struct {
	Zone          string
	Endpoints     []*upstream.Endpoint
	Policy        corefile.Policy
	ExceptZones   []string
	FailoverCodes map[int]bool
	NextCodes     map[int]bool

	rrCursor  atomic.Uint64
	inFlight  atomic.Int32
	maxConcur *int // nil: unbounded; non-nil: admission cap, may be 0
}

// NewGroup builds a Group from a parsed ForwardGroup and its resolved
// endpoints, which must be in the same order as cfg.Upstreams.
func NewGroup(cfg *corefile.ForwardGroup, endpoints []*upstream.Endpoint) *Group {
	return &Group{
		Zone:          cfg.Zone,
		Endpoints:     endpoints,
		Policy:        cfg.Policy,
		ExceptZones:   cfg.ExceptZones,
		FailoverCodes: cfg.FailoverCodes,
		NextCodes:     cfg.NextCodes,
		maxConcur:     cfg.MaxConcurrent,
	}
}

// Skips reports whether qname falls under one of the group's
// except_zones, in which case the group is treated as absent (spec.md
// §4.3: "the group is skipped, as if absent").
func (g *Group) Skips(qname string) bool {
	for _, zone := range g.ExceptZones {
		if dns.IsSubDomain(zone, qname) {
			return true
		}
	}
	return false
}

// admit tries to enter the group's admission gate. ok is false when
// max_concurrent is set and already saturated (spec.md §4.3: "max_concurrent
// = 0: all queries SERVFAIL-Capacity"). The caller must call release
// exactly once when ok is true, regardless of outcome.
func (g *Group) admit() (ok bool) {
	if g.maxConcur == nil {
		g.inFlight.Add(1)
		return true
	}
	for {
		cur := g.inFlight.Load()
		if cur >= int32(*g.maxConcur) {
			return false
		}
		if g.inFlight.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (g *Group) release() {
	g.inFlight.Add(-1)
}

// aliveEndpoints returns the subset of g.Endpoints considered alive, or
// the full set as a last resort if none are (spec.md §4.3 Selection:
// "if empty, consider all, best-effort last-resort").
func (g *Group) aliveEndpoints() []*upstream.Endpoint {
	alive := make([]*upstream.Endpoint, 0, len(g.Endpoints))
	for _, e := range g.Endpoints {
		if e.Health.Alive() {
			alive = append(alive, e)
		}
	}
	if len(alive) == 0 {
		return g.Endpoints
	}
	return alive
}

// selectEndpoint applies the group's policy over the alive set,
// excluding endpoints already present in tried.
func (g *Group) selectEndpoint(tried map[*upstream.Endpoint]bool) *upstream.Endpoint {
	alive := g.aliveEndpoints()
	candidates := make([]*upstream.Endpoint, 0, len(alive))
	for _, e := range alive {
		if !tried[e] {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	switch g.Policy {
	case corefile.RoundRobin:
		idx := g.rrCursor.Add(1) % uint64(len(candidates))
		return candidates[idx]
	case corefile.Random:
		return candidates[rand.Intn(len(candidates))]
	default: // Sequential
		return candidates[0]
	}
}

var errCapacity = gwerr.New(gwerr.Capacity, "forward.admit", nil)
