package reload

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/semihalev/log"

	"github.com/pollguard/pollguard/corefile"
	"github.com/pollguard/pollguard/runtime"
)

// BlockBuilder constructs a live runtime.Block for one server block. ctx
// is cancelled when the block is retired, so anything the builder starts
// that should outlive a single query (e.g. upstream health probing)
// should be tied to it.
type BlockBuilder func(ctx context.Context, sb corefile.ServerBlock) (*runtime.Block, error)

type managedBlock struct {
	block  *runtime.Block
	cancel context.CancelFunc
	raw    corefile.ServerBlock
}

// Manager owns the set of live server-block runtimes and reconciles
// them against successive Corefile snapshots by listen key (spec.md
// §4.8 step 2).
type Manager struct {
	build BlockBuilder
	grace time.Duration

	mu     sync.Mutex
	blocks map[string]*managedBlock
}

// NewManager returns a Manager with no runtimes started; call Reconcile
// with the first snapshot to bring them up.
func NewManager(build BlockBuilder, grace time.Duration) *Manager {
	return &Manager{build: build, grace: grace, blocks: map[string]*managedBlock{}}
}

// Reconcile brings the live runtime set in line with cfg: unchanged
// blocks are left alone, new and modified blocks get a freshly built
// runtime started before the old one (if any) is retired, and blocks no
// longer present are retired. No datagram is dropped across the switch:
// the old runtime keeps serving until its own grace period elapses
// (spec.md §4.8 invariant).
//
// It returns every per-block build error encountered during this call,
// one per failed listen address, so the caller can distinguish a
// startup failure (spec.md §6 exit code 1, checked only on the first
// Reconcile) from a later reload's failure, which stays non-fatal and
// leaves the prior snapshot's runtimes running.
func (m *Manager) Reconcile(cfg *corefile.Config) []error {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool, len(cfg.Blocks))
	var errs []error

	for _, sb := range cfg.Blocks {
		seen[sb.Listen] = true

		existing, ok := m.blocks[sb.Listen]
		if ok && blocksEqual(existing.raw, sb) {
			continue
		}

		ctx, cancel := context.WithCancel(context.Background())
		built, err := m.build(ctx, sb)
		if err != nil {
			cancel()
			log.Error("reload: failed to build runtime for server block", "listen", sb.Listen, "error", err.Error())
			errs = append(errs, fmt.Errorf("listen %s: %w", sb.Listen, err))
			continue
		}

		built.GracePeriod = m.grace
		go built.Serve(ctx)

		m.blocks[sb.Listen] = &managedBlock{block: built, cancel: cancel, raw: sb}

		if ok {
			log.Info("reload: server block modified, retiring old runtime after grace", "listen", sb.Listen)
			m.retire(existing)
		} else {
			log.Info("reload: new server block started", "listen", sb.Listen)
		}
	}

	for listen, existing := range m.blocks {
		if seen[listen] {
			continue
		}
		log.Info("reload: server block removed, retiring runtime after grace", "listen", listen)
		delete(m.blocks, listen)
		m.retire(existing)
	}

	return errs
}

// retire cancels a runtime's context; Block.Serve's own Shutdown call
// waits out its grace period before closing sockets, so retire itself
// never blocks the caller.
func (m *Manager) retire(b *managedBlock) {
	b.cancel()
}

// Shutdown retires every live runtime by cancelling its context and
// returns at once; it does not wait for any runtime's grace period.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	blocks := make([]*managedBlock, 0, len(m.blocks))
	for _, b := range m.blocks {
		blocks = append(blocks, b)
	}
	m.blocks = map[string]*managedBlock{}
	m.mu.Unlock()

	for _, b := range blocks {
		b.cancel()
	}
}

// blocksEqual is structural equality for reload's diff: every directive's
// actual arguments must match, not just the plugin kind sequence, so
// e.g. rewriting a forward directive's upstream address is detected as
// a modification rather than a no-op (spec.md §4.8 "Modified blocks").
func blocksEqual(a, b corefile.ServerBlock) bool {
	return reflect.DeepEqual(a, b)
}
