package rcache

import (
	"context"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pollguard/pollguard/plugin"
	corecache "github.com/pollguard/pollguard/rcache"
)

func testCtx(req *dns.Msg) *plugin.Context {
	return plugin.NewContext(context.Background(), req, nil, plugin.UDP, 4096)
}

func Test_CacheMissPassesThroughThenPopulatesOnPostProcess(t *testing.T) {
	cache := corecache.New(corecache.Config{SuccessCap: 100, DenialCap: 100, MinTTL: time.Second, SuccessMaxTTL: time.Hour, DenialMaxTTL: time.Hour})
	p := New(cache)

	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)
	ctx := testCtx(req)

	result := p.Process(ctx)
	assert.False(t, resultIsShort(result))

	resp := new(dns.Msg)
	resp.SetReply(req)
	rr, _ := dns.NewRR("example.com. 300 IN A 93.184.216.34")
	resp.Answer = append(resp.Answer, rr)

	p.PostProcess(ctx, resp)

	success, _ := cache.Len()
	assert.EqualValues(t, 1, success)
}

func Test_CacheHitShortCircuits(t *testing.T) {
	cache := corecache.New(corecache.Config{SuccessCap: 100, DenialCap: 100, MinTTL: time.Second, SuccessMaxTTL: time.Hour, DenialMaxTTL: time.Hour})
	p := New(cache)

	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)
	key := corecache.Fingerprint(req.Question[0], false)

	resp := new(dns.Msg)
	resp.SetReply(req)
	rr, _ := dns.NewRR("example.com. 300 IN A 93.184.216.34")
	resp.Answer = append(resp.Answer, rr)
	cache.Put(key, resp)

	ctx := testCtx(req)
	result := p.Process(ctx)
	require.True(t, resultIsShort(result))
	assert.True(t, ctx.CacheHit)
}

// resultIsShort reports whether r differs from the zero-value Next()
// result, since Result's short-circuit flag is unexported.
func resultIsShort(r plugin.Result) bool {
	return r != plugin.Next()
}
