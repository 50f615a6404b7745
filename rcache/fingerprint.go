package rcache

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/miekg/dns"
)

// keyBuffer holds a reusable stack-sized buffer for fingerprint
// generation, avoiding a heap allocation per lookup on the hot path.
type keyBuffer struct {
	buf [256]byte
}

var keyBufferPool = sync.Pool{
	New: func() any { return new(keyBuffer) },
}

// Fingerprint computes the cache key for a query (spec.md §3: "the cache
// key is (lowercased name, type, class, do_bit); transport, id, and
// source are excluded").
func Fingerprint(q dns.Question, doBit bool) uint64 {
	kb := keyBufferPool.Get().(*keyBuffer)
	defer keyBufferPool.Put(kb)

	buf := kb.buf[:0]
	buf = append(buf, byte(q.Qclass>>8), byte(q.Qclass))
	buf = append(buf, byte(q.Qtype>>8), byte(q.Qtype))
	if doBit {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}

	nameLen := len(q.Name)
	if len(buf)+nameLen > len(kb.buf) {
		grown := make([]byte, len(buf), len(buf)+nameLen)
		copy(grown, buf)
		buf = grown
	}
	for i := 0; i < nameLen; i++ {
		c := q.Name[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		buf = append(buf, c)
	}

	return xxhash.Sum64(buf)
}
