package upstream

import (
	"context"
	"time"

	"github.com/miekg/dns"
)

// probeQuery is the fixed canary query sent to check liveness: a root NS
// query, cheap to answer and unlikely to be filtered by any resolver
// that is otherwise serving traffic.
func probeQuery() *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(".", dns.TypeNS)
	m.RecursionDesired = true
	return m
}

// StartProbing runs a background health probe against e every interval
// until ctx is cancelled. Probing continues regardless of the endpoint's
// current liveness so a dead endpoint is detected as soon as it
// recovers (spec.md §4.2: "probing continues while unhealthy to detect
// recovery").
func (e *Endpoint) StartProbing(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultHealthCheckInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.probeOnce(ctx)
		}
	}
}

func (e *Endpoint) probeOnce(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, e.queryTimeout)
	defer cancel()

	_, _ = e.Exchange(probeCtx, probeQuery())
}

const defaultHealthCheckInterval = 10 * time.Second
