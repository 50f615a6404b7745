// Package forward adapts the forwarding engine (forward.Engine) into a
// terminal plugin.Handler: it is always the chain's responder, never a
// pass-through.
package forward

import (
	"strconv"

	"github.com/miekg/dns"
	"golang.org/x/sync/singleflight"

	"github.com/pollguard/pollguard/forward"
	"github.com/pollguard/pollguard/plugin"
	"github.com/pollguard/pollguard/rcache"
	"github.com/pollguard/pollguard/wire"
)

// Plugin wraps a forward.Engine. Concurrent queries for the same
// fingerprint are collapsed onto a single Engine.Resolve call via
// singleflight, a cheap addition spec.md §4.4 explicitly permits
// without changing external behavior.
type Plugin struct {
	engine *forward.Engine
	sf     singleflight.Group
}

// New returns a forward plugin driving engine.
func New(engine *forward.Engine) *Plugin {
	return &Plugin{engine: engine}
}

func (p *Plugin) Name() string { return "forward" }

func (p *Plugin) Process(ctx *plugin.Context) plugin.Result {
	req := ctx.Request
	if len(req.Question) == 0 {
		return plugin.Short(wire.Formerr(req))
	}

	doBit := false
	if opt := req.IsEdns0(); opt != nil {
		doBit = opt.Do()
	}
	key := rcache.Fingerprint(req.Question[0], doBit)

	v, err, _ := p.sf.Do(strconv.FormatUint(key, 16), func() (any, error) {
		return p.engine.Resolve(ctx, req)
	})
	if err != nil {
		return plugin.Short(wire.Servfail(req))
	}

	resp := v.(*dns.Msg).Copy()
	resp.Id = req.Id
	return plugin.Short(resp)
}

func (p *Plugin) PostProcess(ctx *plugin.Context, resp *dns.Msg) *dns.Msg {
	return resp
}
