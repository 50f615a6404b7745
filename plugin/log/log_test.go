package log

import (
	"context"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"

	"github.com/pollguard/pollguard/plugin"
)

func Test_PostProcessReturnsRespUnchanged(t *testing.T) {
	p := New()
	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)
	ctx := plugin.NewContext(context.Background(), req, nil, plugin.UDP, 512)

	resp := new(dns.Msg)
	resp.SetReply(req)

	assert.Same(t, resp, p.PostProcess(ctx, resp))
}

func Test_PostProcessSkipsLoggingWithoutQuestion(t *testing.T) {
	p := New()
	req := new(dns.Msg)
	ctx := plugin.NewContext(context.Background(), req, nil, plugin.UDP, 512)

	resp := new(dns.Msg)
	assert.NotPanics(t, func() { p.PostProcess(ctx, resp) })
	assert.Same(t, resp, p.PostProcess(ctx, resp))
}

func Test_ProcessIsPassThrough(t *testing.T) {
	p := New()
	req := new(dns.Msg)
	ctx := plugin.NewContext(context.Background(), req, nil, plugin.UDP, 512)
	assert.Equal(t, plugin.Next(), p.Process(ctx))
}
