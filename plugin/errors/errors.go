// Package errors is a marker plugin for the "errors { consolidate }"
// directive: it installs a consolidate.Handler in front of the process
// root logger for the lifetime of the server block, then participates
// in no per-query processing itself.
package errors

import (
	"regexp"

	"github.com/miekg/dns"
	golog "github.com/semihalev/log"

	"github.com/pollguard/pollguard/consolidate"
	"github.com/pollguard/pollguard/corefile"
	"github.com/pollguard/pollguard/plugin"
)

// Plugin owns the consolidate.Handler it installed, if any.
type Plugin struct {
	handler *consolidate.Handler
}

// New installs a consolidating handler for cfg, or returns a no-op
// Plugin when cfg has no "consolidate" sub-directive.
func New(cfg *corefile.ErrorsConfig) *Plugin {
	if cfg == nil || !cfg.Enabled {
		return &Plugin{}
	}
	pattern := regexp.MustCompile(cfg.Pattern)
	h := consolidate.New(golog.Root().GetHandler(), cfg.Window, pattern, cfg.Level)
	golog.Root().SetHandler(h)
	return &Plugin{handler: h}
}

func (p *Plugin) Name() string { return "errors" }

func (p *Plugin) Process(ctx *plugin.Context) plugin.Result { return plugin.Next() }

func (p *Plugin) PostProcess(ctx *plugin.Context, resp *dns.Msg) *dns.Msg { return resp }

// Close stops the consolidator's actor goroutine, if one was installed.
func (p *Plugin) Close() {
	if p.handler != nil {
		p.handler.Close()
	}
}
