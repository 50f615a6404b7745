// Package rcache is the concurrent response cache (C4, spec.md §4.4):
// independent success/denial capacities, TTL-honoring Get, and
// min_ttl-clamped Put, sharded so concurrent readers never block
// writers or each other in the common case.
package rcache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
)

// Config holds the capacities and TTL bounds for a cache instance,
// built from a Corefile "cache" directive.
type Config struct {
	SuccessCap    int
	DenialCap     int
	MinTTL        time.Duration
	SuccessMaxTTL time.Duration
	DenialMaxTTL  time.Duration
}

// Cache is a sharded, concurrent response cache. Each server block that
// declares its own "cache" directive gets its own Cache instance (spec.md
// §5: "each declaration gets its own cache instance").
type Cache struct {
	cfg Config

	mask   uint64
	shards []sync.Map

	successCount atomic.Int64
	denialCount  atomic.Int64
}

// New returns a Cache sized for cfg's capacities.
func New(cfg Config) *Cache {
	if cfg.SuccessCap < 0 {
		cfg.SuccessCap = 0
	}
	if cfg.DenialCap < 0 {
		cfg.DenialCap = 0
	}

	n := shardCount(cfg.SuccessCap + cfg.DenialCap)
	return &Cache{
		cfg:    cfg,
		mask:   uint64(n - 1),
		shards: make([]sync.Map, n),
	}
}

// shardCount picks a power-of-two shard count that scales with capacity,
// the way cache/cache.go sizes its bucket count: more buckets, less
// eviction-scan contention, for larger caches.
func shardCount(totalCap int) int {
	switch {
	case totalCap <= 1024:
		return 64
	case totalCap <= 10000:
		return 256
	case totalCap <= 100000:
		return 1024
	default:
		return 4096
	}
}

func (c *Cache) shard(key uint64) *sync.Map {
	return &c.shards[key&c.mask]
}

// Get looks up key and returns a clone of the cached response with RR
// TTLs rewritten to the remaining lifetime. An expired entry is treated
// as a miss and removed lazily.
func (c *Cache) Get(key uint64) (*dns.Msg, bool) {
	shard := c.shard(key)
	v, ok := shard.Load(key)
	if !ok {
		return nil, false
	}

	e := v.(*entry)
	now := time.Now()
	remaining := e.remaining(now)
	if remaining <= 0 {
		shard.Delete(key)
		c.decr(e.class)
		return nil, false
	}

	msg := e.msg.Copy()
	rewriteTTL(msg, remaining)
	return msg, true
}

// Put classifies resp by RCODE, computes its expiry from min_ttl clamped
// to [MinTTL, class max TTL], and stores it. A response whose min_ttl is
// zero is not cached at all (spec.md §4.4 boundary case).
func (c *Cache) Put(key uint64, resp *dns.Msg) {
	mt := minTTL(resp)
	if mt == 0 {
		return
	}

	class := classify(resp.Rcode)
	capv, maxTTL := c.limitsFor(class)
	if capv <= 0 {
		return
	}

	ttl := clamp(time.Duration(mt)*time.Second, c.cfg.MinTTL, maxTTL)

	e := &entry{
		msg:      resp.Copy(),
		class:    class,
		storedAt: time.Now(),
		ttl:      ttl,
	}

	shard := c.shard(key)
	_, existed := shard.Load(key)
	shard.Store(key, e)

	if !existed {
		n := c.incr(class)
		if n > int64(capv) {
			c.evict(class, capv)
		}
	}
}

func (c *Cache) limitsFor(class Class) (int, time.Duration) {
	if class == Denial {
		return c.cfg.DenialCap, c.cfg.DenialMaxTTL
	}
	return c.cfg.SuccessCap, c.cfg.SuccessMaxTTL
}

func (c *Cache) incr(class Class) int64 {
	if class == Denial {
		return c.denialCount.Add(1)
	}
	return c.successCount.Add(1)
}

func (c *Cache) decr(class Class) {
	if class == Denial {
		c.denialCount.Add(-1)
	} else {
		c.successCount.Add(-1)
	}
}

// evict samples entries of class across shards and drops the oldest of
// the sample, repeating until the class is back under capacity. This is
// a high-throughput approximation of W-TinyLFU eviction, which spec.md
// §4.4 explicitly permits substituting.
func (c *Cache) evict(class Class, capv int) {
	for i := 0; i < 64; i++ { // bounded: never spin forever under churn
		count := c.successCount.Load()
		if class == Denial {
			count = c.denialCount.Load()
		}
		if count <= int64(capv) {
			return
		}

		var oldestKey any
		var oldestShard *sync.Map
		var oldestTime time.Time
		sampled := 0

		for s := range c.shards {
			shard := &c.shards[s]
			shard.Range(func(k, v any) bool {
				e := v.(*entry)
				if e.class != class {
					return true
				}
				sampled++
				if oldestShard == nil || e.storedAt.Before(oldestTime) {
					oldestKey, oldestShard, oldestTime = k, shard, e.storedAt
				}
				return sampled < 32 // small sample per shard keeps eviction O(1)-ish
			})
			if sampled >= 256 {
				break
			}
		}

		if oldestShard == nil {
			return
		}
		oldestShard.Delete(oldestKey)
		c.decr(class)
	}
}

// Len reports the total number of live entries across both classes, for
// diagnostics.
func (c *Cache) Len() (success, denial int64) {
	return c.successCount.Load(), c.denialCount.Load()
}
