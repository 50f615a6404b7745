// Package health is a marker plugin for the "health ADDR" directive.
// spec.md §1 scopes the liveness endpoint as an out-of-scope external
// collaborator named only through its interface; this package is the
// thin adapter that satisfies plugin.Handler and tells the runtime
// where to open the liveness listener. The liveness logic itself stays
// behind the Reporter interface.
package health

import (
	"github.com/miekg/dns"

	"github.com/pollguard/pollguard/plugin"
)

// Reporter reports whether the process considers itself healthy.
type Reporter interface {
	Healthy() bool
}

type staticReporter struct{}

func (staticReporter) Healthy() bool { return true }

// DefaultReporter always reports healthy.
var DefaultReporter Reporter = staticReporter{}

// Plugin carries the listen address for the runtime; it does not
// participate in per-query processing.
type Plugin struct {
	Addr     string
	Reporter Reporter
}

// New returns a health marker plugin bound to addr, using DefaultReporter.
func New(addr string) *Plugin {
	return &Plugin{Addr: addr, Reporter: DefaultReporter}
}

func (p *Plugin) Name() string { return "health" }

func (p *Plugin) Process(ctx *plugin.Context) plugin.Result { return plugin.Next() }

func (p *Plugin) PostProcess(ctx *plugin.Context, resp *dns.Msg) *dns.Msg { return resp }
