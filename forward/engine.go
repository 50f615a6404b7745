package forward

import (
	"context"

	"github.com/miekg/dns"

	"github.com/pollguard/pollguard/gwerr"
	"github.com/pollguard/pollguard/upstream"
)

// Engine runs the cascade state machine of spec.md §4.3 across one
// server block's ordered chain of forward groups.
type Engine struct {
	Groups []*Group
}

// NewEngine returns an Engine chaining groups in declaration order.
func NewEngine(groups []*Group) *Engine {
	return &Engine{Groups: groups}
}

// Resolve runs req through the group chain, skipping groups whose
// except_zones match the question, admitting through each group's
// concurrency gate, retrying failover RCODEs within a group, and
// cascading to the next group on a next-code or full exhaustion.
func (eng *Engine) Resolve(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	if len(req.Question) == 0 {
		return nil, gwerr.New(gwerr.Malformed, "forward.Resolve", nil)
	}
	qname := req.Question[0].Name

	var lastResp *dns.Msg
	var lastErr error

	for _, g := range eng.Groups {
		if g.Skips(qname) {
			continue
		}

		resp, definitive, err := eng.runGroup(ctx, g, req)
		if definitive {
			return resp, nil
		}
		if gwerr.Is(err, gwerr.Capacity) {
			// A saturated group SERVFAILs immediately; admission
			// rejection never falls through to the next chained group
			// (spec.md §4.3 Admission, §8: "max_concurrent = 0: all
			// queries SERVFAIL-Capacity").
			return nil, err
		}
		if resp != nil {
			lastResp = resp
		}
		if err != nil {
			lastErr = err
		}
	}

	if lastResp != nil {
		return lastResp, nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, gwerr.New(gwerr.Internal, "forward.Resolve", nil)
}

// runGroup drives one group through the inner per-endpoint retry loop
// of spec.md §4.3's pseudocode. definitive is true when the response
// should be returned to the client as-is; false means cascade (either a
// next-code response, or the group was exhausted without a response).
func (eng *Engine) runGroup(ctx context.Context, g *Group, req *dns.Msg) (resp *dns.Msg, definitive bool, err error) {
	if !g.admit() {
		return nil, false, errCapacity
	}
	defer g.release()

	tried := make(map[*upstream.Endpoint]bool, len(g.Endpoints))

	for attempts := 0; attempts < len(g.Endpoints); {
		ep := g.selectEndpoint(tried)
		if ep == nil {
			break
		}
		tried[ep] = true

		r, exErr := ep.Exchange(ctx, req)
		if exErr != nil {
			attempts++
			err = exErr
			continue
		}

		if g.FailoverCodes[r.Rcode] {
			attempts++
			resp, err = r, nil
			continue
		}
		if g.NextCodes[r.Rcode] {
			return r, false, nil
		}
		return r, true, nil
	}

	return resp, false, err
}
