package forward

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pollguard/pollguard/corefile"
	"github.com/pollguard/pollguard/gwerr"
	"github.com/pollguard/pollguard/upstream"
)

// startRcodeServer answers every query with the given fixed rcode.
func startRcodeServer(t *testing.T, rcode int) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })

	go func() {
		buf := make([]byte, 512)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			req := new(dns.Msg)
			if err := req.Unpack(buf[:n]); err != nil {
				continue
			}
			resp := new(dns.Msg)
			resp.SetRcode(req, rcode)
			out, err := resp.Pack()
			if err != nil {
				continue
			}
			_, _ = pc.WriteTo(out, addr)
		}
	}()

	return pc.LocalAddr().String()
}

func testEndpointAt(addr string) *upstream.Endpoint {
	return upstream.NewEndpoint(corefile.Upstream{Addr: addr, Scheme: corefile.Plain}, "", 3, 10, time.Second, time.Second, 2*time.Second, false)
}

func testReq() *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion("example.com.", dns.TypeA)
	return m
}

func Test_EngineReturnsFirstDefinitiveResponse(t *testing.T) {
	addr := startRcodeServer(t, dns.RcodeSuccess)
	g := NewGroup(&corefile.ForwardGroup{Policy: corefile.Sequential}, []*upstream.Endpoint{testEndpointAt(addr)})
	eng := NewEngine([]*Group{g})

	resp, err := eng.Resolve(context.Background(), testReq())
	require.NoError(t, err)
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
}

func Test_EngineFailsOverWithinGroup(t *testing.T) {
	bad := startRcodeServer(t, dns.RcodeServerFailure)
	good := startRcodeServer(t, dns.RcodeSuccess)

	g := NewGroup(&corefile.ForwardGroup{
		Policy:        corefile.Sequential,
		FailoverCodes: map[int]bool{dns.RcodeServerFailure: true},
	}, []*upstream.Endpoint{testEndpointAt(bad), testEndpointAt(good)})
	eng := NewEngine([]*Group{g})

	resp, err := eng.Resolve(context.Background(), testReq())
	require.NoError(t, err)
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
}

func Test_EngineCascadesToNextGroupOnNextCode(t *testing.T) {
	nx := startRcodeServer(t, dns.RcodeNameError)
	good := startRcodeServer(t, dns.RcodeSuccess)

	g1 := NewGroup(&corefile.ForwardGroup{
		Policy:    corefile.Sequential,
		NextCodes: map[int]bool{dns.RcodeNameError: true},
	}, []*upstream.Endpoint{testEndpointAt(nx)})
	g2 := NewGroup(&corefile.ForwardGroup{Policy: corefile.Sequential}, []*upstream.Endpoint{testEndpointAt(good)})

	eng := NewEngine([]*Group{g1, g2})
	resp, err := eng.Resolve(context.Background(), testReq())
	require.NoError(t, err)
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
}

func Test_EngineExceptZonesSkipsGroup(t *testing.T) {
	nx := startRcodeServer(t, dns.RcodeNameError)
	good := startRcodeServer(t, dns.RcodeSuccess)

	g1 := NewGroup(&corefile.ForwardGroup{
		Policy:      corefile.Sequential,
		ExceptZones: []string{"example.com."},
	}, []*upstream.Endpoint{testEndpointAt(nx)})
	g2 := NewGroup(&corefile.ForwardGroup{Policy: corefile.Sequential}, []*upstream.Endpoint{testEndpointAt(good)})

	eng := NewEngine([]*Group{g1, g2})
	resp, err := eng.Resolve(context.Background(), testReq())
	require.NoError(t, err)
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
}

func Test_EngineExhaustionReturnsServfailLikeLastResponse(t *testing.T) {
	bad := startRcodeServer(t, dns.RcodeServerFailure)

	g := NewGroup(&corefile.ForwardGroup{
		Policy:        corefile.Sequential,
		FailoverCodes: map[int]bool{dns.RcodeServerFailure: true},
	}, []*upstream.Endpoint{testEndpointAt(bad)})
	eng := NewEngine([]*Group{g})

	resp, err := eng.Resolve(context.Background(), testReq())
	require.NoError(t, err)
	assert.Equal(t, dns.RcodeServerFailure, resp.Rcode)
}

func Test_EngineAdmissionCapacityRejected(t *testing.T) {
	good := startRcodeServer(t, dns.RcodeSuccess)
	zero := 0
	g := NewGroup(&corefile.ForwardGroup{Policy: corefile.Sequential, MaxConcurrent: &zero}, []*upstream.Endpoint{testEndpointAt(good)})
	eng := NewEngine([]*Group{g})

	_, err := eng.Resolve(context.Background(), testReq())
	require.Error(t, err)
	assert.True(t, gwerr.Is(err, gwerr.Capacity))
}

func Test_EngineAdmissionCapacityRejectionDoesNotCascadeToNextGroup(t *testing.T) {
	good := startRcodeServer(t, dns.RcodeSuccess)
	zero := 0

	g1 := NewGroup(&corefile.ForwardGroup{Policy: corefile.Sequential, MaxConcurrent: &zero}, []*upstream.Endpoint{testEndpointAt(good)})
	g2 := NewGroup(&corefile.ForwardGroup{Policy: corefile.Sequential}, []*upstream.Endpoint{testEndpointAt(good)})
	eng := NewEngine([]*Group{g1, g2})

	// g1 is saturated (max_concurrent 0); a saturated group must
	// SERVFAIL-Capacity immediately rather than falling through to g2,
	// even though g2 would otherwise answer successfully.
	resp, err := eng.Resolve(context.Background(), testReq())
	assert.Nil(t, resp)
	require.Error(t, err)
	assert.True(t, gwerr.Is(err, gwerr.Capacity))
}
