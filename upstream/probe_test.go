package upstream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pollguard/pollguard/corefile"
)

func Test_StartProbingRecordsSuccessAgainstLiveUpstream(t *testing.T) {
	addr := startUDPEchoServer(t)
	ep := NewEndpoint(corefile.Upstream{Addr: addr, Scheme: corefile.Plain}, "", 1, 10, 30*time.Second, time.Second, time.Second, false)
	ep.Health.RecordFailure()
	require.False(t, ep.Health.Alive())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ep.StartProbing(ctx, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return ep.Health.Alive()
	}, time.Second, 5*time.Millisecond, "a probe against a live upstream must recover health")
}

func Test_StartProbingStopsWhenContextCancelled(t *testing.T) {
	addr := startUDPEchoServer(t)
	ep := NewEndpoint(corefile.Upstream{Addr: addr, Scheme: corefile.Plain}, "", 1, 10, 30*time.Second, time.Second, time.Second, false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ep.StartProbing(ctx, 5*time.Millisecond)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("StartProbing must return once ctx is cancelled")
	}
}

func Test_ProbeOnceMarksUnreachableUpstreamUnhealthy(t *testing.T) {
	// Nothing is listening on this address, so the probe fails fast.
	ep := NewEndpoint(corefile.Upstream{Addr: "127.0.0.1:1", Scheme: corefile.Plain}, "", 1, 10, 30*time.Second, 50*time.Millisecond, 50*time.Millisecond, false)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	ep.probeOnce(ctx)
	require.False(t, ep.Health.Alive())
}
