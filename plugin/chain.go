package plugin

import (
	"github.com/miekg/dns"

	"github.com/pollguard/pollguard/wire"
)

// Result is what Process returns: either Next (continue descent) or
// Short (halt with a response).
type Result struct {
	short    bool
	response *dns.Msg
}

// Next continues descent to the following plugin.
func Next() Result { return Result{} }

// Short halts descent, producing resp as the chain's response.
func Short(resp *dns.Msg) Result { return Result{short: true, response: resp} }

// Handler is one plugin in the chain.
type Handler interface {
	Name() string
	// Process is the inbound phase.
	Process(ctx *Context) Result
	// PostProcess is the outbound phase. It may only touch observability
	// fields on ctx or rewrite resp; it never sees a mutated query from
	// a downstream plugin (spec.md §4.6).
	PostProcess(ctx *Context, resp *dns.Msg) *dns.Msg
}

// Chain dispatches a Context through an ordered list of Handlers.
type Chain struct {
	handlers []Handler
}

// NewChain returns a Chain over handlers in declared order.
func NewChain(handlers []Handler) *Chain {
	return &Chain{handlers: handlers}
}

// closer is implemented by Handlers that hold resources needing release
// when a server block is retired (e.g. the errors plugin's consolidate
// actor goroutine).
type closer interface {
	Close()
}

// Close releases every Handler in the chain that holds closeable state.
func (c *Chain) Close() {
	for _, h := range c.handlers {
		if cl, ok := h.(closer); ok {
			cl.Close()
		}
	}
}

// Serve runs ctx's inbound phase until a Handler shorts or the chain is
// exhausted, then unwinds the handlers actually entered through
// PostProcess in reverse.
func (c *Chain) Serve(ctx *Context) *dns.Msg {
	entered := make([]Handler, 0, len(c.handlers))
	var resp *dns.Msg

	for _, h := range c.handlers {
		entered = append(entered, h)
		result := h.Process(ctx)
		if result.short {
			resp = result.response
			break
		}
	}

	if resp == nil {
		resp = wire.Nxdomain(ctx.Request)
	}
	ctx.Response = resp

	for i := len(entered) - 1; i >= 0; i-- {
		resp = entered[i].PostProcess(ctx, resp)
	}

	return resp
}
