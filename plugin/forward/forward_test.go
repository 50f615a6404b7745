package forward

import (
	"context"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"

	"github.com/pollguard/pollguard/corefile"
	"github.com/pollguard/pollguard/forward"
	"github.com/pollguard/pollguard/plugin"
)

func testCtx(req *dns.Msg) *plugin.Context {
	return plugin.NewContext(context.Background(), req, nil, plugin.UDP, 4096)
}

// serveThrough runs req through a single-handler chain wrapping p, the
// same path the real runtime uses, so Process/PostProcess are exercised
// together rather than in isolation from private Result fields.
func serveThrough(p *Plugin, req *dns.Msg) *dns.Msg {
	chain := plugin.NewChain([]plugin.Handler{p})
	return chain.Serve(testCtx(req))
}

func Test_ProcessRespondsFormerrOnEmptyQuestion(t *testing.T) {
	p := New(forward.NewEngine(nil))
	req := new(dns.Msg)

	resp := serveThrough(p, req)
	assert.Equal(t, dns.RcodeFormatError, resp.Rcode)
}

func Test_ProcessRespondsServfailWhenEngineHasNoReachableGroup(t *testing.T) {
	group := forward.NewGroup(&corefile.ForwardGroup{}, nil)
	p := New(forward.NewEngine([]*forward.Group{group}))

	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)

	resp := serveThrough(p, req)
	assert.Equal(t, dns.RcodeServerFailure, resp.Rcode)
}

func Test_ProcessPreservesRequestID(t *testing.T) {
	group := forward.NewGroup(&corefile.ForwardGroup{}, nil)
	p := New(forward.NewEngine([]*forward.Group{group}))

	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)
	req.Id = 1234

	resp := serveThrough(p, req)
	assert.Equal(t, req.Id, resp.Id)
}

func Test_PostProcessIsPassThrough(t *testing.T) {
	p := New(forward.NewEngine(nil))
	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)
	resp := new(dns.Msg)
	resp.SetReply(req)

	assert.Same(t, resp, p.PostProcess(testCtx(req), resp))
}
