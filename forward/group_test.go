package forward

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pollguard/pollguard/corefile"
	"github.com/pollguard/pollguard/upstream"
)

func newTestEndpoint(addr string) *upstream.Endpoint {
	return upstream.NewEndpoint(corefile.Upstream{Addr: addr, Scheme: corefile.Plain}, "", 3, 10, 0, 0, 0, false)
}

func Test_GroupSkipsExceptZones(t *testing.T) {
	g := NewGroup(&corefile.ForwardGroup{Zone: ".", ExceptZones: []string{"internal.example."}}, nil)
	assert.True(t, g.Skips("host.internal.example."))
	assert.False(t, g.Skips("example.com."))
}

func Test_GroupAdmissionCapZero(t *testing.T) {
	zero := 0
	g := NewGroup(&corefile.ForwardGroup{MaxConcurrent: &zero}, nil)
	ok := g.admit()
	assert.False(t, ok, "max_concurrent=0 admits nothing")
}

func Test_GroupAdmissionUnboundedByDefault(t *testing.T) {
	g := NewGroup(&corefile.ForwardGroup{}, nil)
	ok := g.admit()
	require.True(t, ok)
	g.release()
}

func Test_GroupSelectEndpointRoundRobinCyclesAllAlive(t *testing.T) {
	e1 := newTestEndpoint("127.0.0.1:1")
	e2 := newTestEndpoint("127.0.0.1:2")
	g := NewGroup(&corefile.ForwardGroup{Policy: corefile.RoundRobin}, []*upstream.Endpoint{e1, e2})

	seen := map[*upstream.Endpoint]bool{}
	for i := 0; i < 2; i++ {
		ep := g.selectEndpoint(map[*upstream.Endpoint]bool{})
		require.NotNil(t, ep)
		seen[ep] = true
	}
	assert.Len(t, seen, 2, "round robin selection without excludes must eventually cover both endpoints")
}

func Test_GroupSelectEndpointExcludesTried(t *testing.T) {
	e1 := newTestEndpoint("127.0.0.1:1")
	e2 := newTestEndpoint("127.0.0.1:2")
	g := NewGroup(&corefile.ForwardGroup{Policy: corefile.Sequential}, []*upstream.Endpoint{e1, e2})

	tried := map[*upstream.Endpoint]bool{e1: true}
	ep := g.selectEndpoint(tried)
	assert.Same(t, e2, ep)
}

func Test_GroupAliveFallsBackToAllWhenNoneAlive(t *testing.T) {
	e1 := newTestEndpoint("127.0.0.1:1")
	e1.Health.RecordFailure()
	e1.Health.RecordFailure()
	e1.Health.RecordFailure()
	require.False(t, e1.Health.Alive())

	g := NewGroup(&corefile.ForwardGroup{}, []*upstream.Endpoint{e1})
	alive := g.aliveEndpoints()
	assert.Len(t, alive, 1, "last-resort fallback returns the full set when none are alive")
}
