package rcache

import (
	"time"

	"github.com/miekg/dns"
)

// Class is the capacity class a cache entry counts against (spec.md §3
// Cache entry: "entries of distinct rcode_class count against different
// capacities").
type Class int

const (
	Success Class = iota
	Denial
)

// classify maps an RCODE to its capacity class: NXDOMAIN, SERVFAIL, and
// REFUSED are denials; everything else is a success.
func classify(rcode int) Class {
	switch rcode {
	case dns.RcodeNameError, dns.RcodeServerFailure, dns.RcodeRefused:
		return Denial
	default:
		return Success
	}
}

type entry struct {
	msg      *dns.Msg
	class    Class
	storedAt time.Time
	ttl      time.Duration
}

func (e *entry) remaining(now time.Time) time.Duration {
	return e.ttl - now.Sub(e.storedAt)
}

// minTTL returns the minimum TTL of all non-OPT RRs in msg, the "at the
// moment of receipt" min_ttl of spec.md §3. A response with no RRs at all
// (no cacheable TTL information) reports 0.
func minTTL(msg *dns.Msg) uint32 {
	var min uint32
	seen := false

	consider := func(rrs []dns.RR) {
		for _, rr := range rrs {
			if rr.Header().Rrtype == dns.TypeOPT {
				continue
			}
			ttl := rr.Header().Ttl
			if !seen || ttl < min {
				min = ttl
				seen = true
			}
		}
	}

	consider(msg.Answer)
	consider(msg.Ns)
	consider(msg.Extra)

	if !seen {
		return 0
	}
	return min
}

// rewriteTTL sets every non-OPT RR's TTL to the given remaining
// lifetime, as spec.md §3 requires before serving a cached response.
func rewriteTTL(msg *dns.Msg, remaining time.Duration) {
	ttl := uint32(remaining.Seconds())
	rewrite := func(rrs []dns.RR) {
		for _, rr := range rrs {
			if rr.Header().Rrtype != dns.TypeOPT {
				rr.Header().Ttl = ttl
			}
		}
	}
	rewrite(msg.Answer)
	rewrite(msg.Ns)
	rewrite(msg.Extra)
}

func clamp(v, min, max time.Duration) time.Duration {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
