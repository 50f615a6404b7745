// Package reload is a marker plugin for the "reload" directive: cmd/dnsgate
// reads the first such directive's interval/jitter once at startup to
// configure the process-wide reload controller (reload/); nothing reads
// it at dispatch time.
package reload

import (
	"github.com/miekg/dns"

	"github.com/pollguard/pollguard/plugin"
)

// Plugin is a no-op in the chain.
type Plugin struct{}

// New returns a reload marker plugin.
func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string { return "reload" }

func (p *Plugin) Process(ctx *plugin.Context) plugin.Result { return plugin.Next() }

func (p *Plugin) PostProcess(ctx *plugin.Context, resp *dns.Msg) *dns.Msg { return resp }
