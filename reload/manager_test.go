package reload

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pollguard/pollguard/corefile"
	"github.com/pollguard/pollguard/runtime"
)

func cfgWith(listens ...string) *corefile.Config {
	cfg := &corefile.Config{}
	for _, l := range listens {
		cfg.Blocks = append(cfg.Blocks, corefile.ServerBlock{
			Listen:  l,
			Plugins: []corefile.Plugin{{Kind: corefile.KindWhoami}},
		})
	}
	return cfg
}

func freeUDPAddr(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := pc.LocalAddr().String()
	require.NoError(t, pc.Close())
	return addr
}

func Test_ManagerStartsNewBlocksAndRetiresRemoved(t *testing.T) {
	addr1 := freeUDPAddr(t)
	addr2 := freeUDPAddr(t)

	var mu sync.Mutex
	built := map[string]bool{}

	builder := func(ctx context.Context, sb corefile.ServerBlock) (*runtime.Block, error) {
		mu.Lock()
		built[sb.Listen] = true
		mu.Unlock()
		return runtime.NewBlock(sb.Listen, nil)
	}

	m := NewManager(builder, 50*time.Millisecond)
	m.Reconcile(cfgWith(addr1))

	mu.Lock()
	assert.True(t, built[addr1])
	mu.Unlock()

	m.Reconcile(cfgWith(addr2))
	mu.Lock()
	assert.True(t, built[addr2])
	mu.Unlock()

	require.Len(t, m.blocks, 1)
	_, stillThere := m.blocks[addr1]
	assert.False(t, stillThere, "block removed from the new snapshot must be retired")
}

func Test_ManagerReusesUnchangedBlock(t *testing.T) {
	addr := freeUDPAddr(t)
	buildCount := 0

	builder := func(ctx context.Context, sb corefile.ServerBlock) (*runtime.Block, error) {
		buildCount++
		return runtime.NewBlock(sb.Listen, nil)
	}

	m := NewManager(builder, 50*time.Millisecond)
	m.Reconcile(cfgWith(addr))
	m.Reconcile(cfgWith(addr))

	assert.Equal(t, 1, buildCount, "an unchanged block must not be rebuilt")
}

func Test_ManagerReconcileReturnsBuildErrorsForFailedBlocks(t *testing.T) {
	addr := freeUDPAddr(t)

	// Occupy addr first so the builder's real NewBlock call fails to bind,
	// the same failure mode a startup-time port conflict would produce.
	blocker, err := net.ListenPacket("udp", addr)
	require.NoError(t, err)
	defer blocker.Close()

	builder := func(ctx context.Context, sb corefile.ServerBlock) (*runtime.Block, error) {
		return runtime.NewBlock(sb.Listen, nil)
	}

	m := NewManager(builder, 50*time.Millisecond)
	errs := m.Reconcile(cfgWith(addr))
	require.Len(t, errs, 1, "a block that fails to build must surface its error from Reconcile so main can exit(1) on startup failure")

	m.mu.Lock()
	_, live := m.blocks[addr]
	m.mu.Unlock()
	assert.False(t, live, "a block that failed to build must not be recorded as live")
}

func Test_ManagerReconcileReturnsNoErrorsWhenAllBlocksBuild(t *testing.T) {
	addr := freeUDPAddr(t)

	builder := func(ctx context.Context, sb corefile.ServerBlock) (*runtime.Block, error) {
		return runtime.NewBlock(sb.Listen, nil)
	}

	m := NewManager(builder, 50*time.Millisecond)
	errs := m.Reconcile(cfgWith(addr))
	assert.Empty(t, errs)
}

func Test_ManagerRebuildsBlockWhenDirectiveArgsChangeWithSameKindSequence(t *testing.T) {
	addr := freeUDPAddr(t)
	var built []corefile.ServerBlock
	var buildErrs []error

	builder := func(ctx context.Context, sb corefile.ServerBlock) (*runtime.Block, error) {
		built = append(built, sb)
		block, err := runtime.NewBlock(sb.Listen, nil)
		buildErrs = append(buildErrs, err)
		return block, err
	}

	forwardBlock := func(upstream string) *corefile.Config {
		return &corefile.Config{Blocks: []corefile.ServerBlock{{
			Listen: addr,
			Plugins: []corefile.Plugin{{
				Kind: corefile.KindForward,
				Forward: &corefile.ForwardGroup{
					Upstreams: []corefile.Upstream{{Addr: upstream}},
				},
			}},
		}}}
	}

	m := NewManager(builder, 50*time.Millisecond)
	m.Reconcile(forwardBlock("127.0.0.1:9001"))
	require.Len(t, built, 1)
	require.NoError(t, buildErrs[0])

	// Same listen address, same single-plugin KindForward sequence, but a
	// different upstream address: blocksEqual must not treat this as a
	// no-op, or the old runtime keeps forwarding to the stale upstream.
	// The old runtime is still bound to addr at this point (its grace
	// period hasn't elapsed), so the second NewBlock call on the same
	// address only succeeds if it's actually using SO_REUSEPORT.
	m.Reconcile(forwardBlock("127.0.0.1:9002"))
	require.Len(t, built, 2, "changing a directive's arguments must trigger a rebuild even when the plugin kind sequence is unchanged")
	require.NoError(t, buildErrs[1], "rebuilding on the same address while the old runtime is still draining its grace period must succeed via SO_REUSEPORT")

	m.mu.Lock()
	live := m.blocks[addr]
	m.mu.Unlock()
	require.NotNil(t, live)
	assert.Equal(t, "127.0.0.1:9002", live.raw.Plugins[0].Forward.Upstreams[0].Addr,
		"the manager's live block must reflect the rebuilt runtime, not the stale one")
}
