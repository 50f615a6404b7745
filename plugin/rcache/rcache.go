// Package rcache adapts the response cache (rcache.Cache) into the
// onion chain: a hit short-circuits on the inbound phase; a miss is
// populated on the outbound phase once a response exists.
package rcache

import (
	"github.com/miekg/dns"

	"github.com/pollguard/pollguard/plugin"
	corecache "github.com/pollguard/pollguard/rcache"
)

const ctxKeyFingerprint = "rcache.fingerprint"

// Plugin wraps a corecache.Cache.
type Plugin struct {
	cache *corecache.Cache
}

// New returns a cache plugin backed by cache.
func New(cache *corecache.Cache) *Plugin {
	return &Plugin{cache: cache}
}

func (p *Plugin) Name() string { return "cache" }

func (p *Plugin) Process(ctx *plugin.Context) plugin.Result {
	req := ctx.Request
	if len(req.Question) == 0 {
		return plugin.Next()
	}

	doBit := false
	if opt := req.IsEdns0(); opt != nil {
		doBit = opt.Do()
	}
	key := corecache.Fingerprint(req.Question[0], doBit)
	ctx.Set(ctxKeyFingerprint, key)

	if resp, ok := p.cache.Get(key); ok {
		resp.Id = req.Id
		ctx.CacheHit = true
		return plugin.Short(resp)
	}
	return plugin.Next()
}

func (p *Plugin) PostProcess(ctx *plugin.Context, resp *dns.Msg) *dns.Msg {
	if ctx.CacheHit || ctx.Uncacheable {
		return resp
	}
	v, ok := ctx.Get(ctxKeyFingerprint)
	if !ok {
		return resp
	}
	p.cache.Put(v.(uint64), resp)
	return resp
}
