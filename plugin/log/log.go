// Package log is the structured query logger plugin, carrying the
// richer field set the original system logs per request (name, type,
// rcode, latency, cache outcome) through semihalev/log's key/value API.
package log

import (
	"time"

	"github.com/miekg/dns"
	golog "github.com/semihalev/log"

	"github.com/pollguard/pollguard/plugin"
)

// Plugin is a pass-through on the inbound phase that logs one line per
// query on the outbound phase, once the response is final.
type Plugin struct{}

// New returns a log plugin.
func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string { return "log" }

func (p *Plugin) Process(ctx *plugin.Context) plugin.Result {
	return plugin.Next()
}

func (p *Plugin) PostProcess(ctx *plugin.Context, resp *dns.Msg) *dns.Msg {
	if len(ctx.Request.Question) == 0 {
		return resp
	}
	q := ctx.Request.Question[0]
	golog.Info("query",
		"name", q.Name,
		"type", dns.TypeToString[q.Qtype],
		"rcode", dns.RcodeToString[resp.Rcode],
		"duration", time.Since(ctx.StartedAt),
		"cache_hit", ctx.CacheHit,
	)
	return resp
}
