// Package plugin is the onion-model chain (C6, spec.md §4.6): plugins
// run inbound in declared order, the first to short-circuit halts
// descent, and the plugins actually entered unwind outbound in reverse.
package plugin

import (
	"context"
	"net"
	"time"

	"github.com/miekg/dns"
)

// Transport is which socket type a query arrived on.
type Transport int

const (
	UDP Transport = iota
	TCP
)

// Context wraps one query's request/response and per-query plugin
// state as it descends and unwinds the chain (spec.md §3 Query: wraps
// id/question/flags/edns/source/transport; here carried directly on the
// underlying *dns.Msg rather than duplicated into a parallel struct).
type Context struct {
	context.Context

	Request  *dns.Msg
	Response *dns.Msg

	Source    net.Addr
	Transport Transport
	MaxSize   int

	// Uncacheable lets a plugin opt a response out of caching even
	// though it would otherwise be eligible (spec.md §4.4 onion
	// integration: "if... not marked uncacheable, put").
	Uncacheable bool
	CacheHit    bool

	StartedAt time.Time

	store map[string]any
}

// NewContext wraps req for one pass through a server block's chain.
func NewContext(ctx context.Context, req *dns.Msg, source net.Addr, transport Transport, maxSize int) *Context {
	return &Context{
		Context:   ctx,
		Request:   req,
		Source:    source,
		Transport: transport,
		MaxSize:   maxSize,
		StartedAt: time.Now(),
	}
}

// Set stashes per-query plugin state (e.g. cache fingerprint) for a
// later phase of the same pass to retrieve with Get.
func (c *Context) Set(key string, v any) {
	if c.store == nil {
		c.store = make(map[string]any)
	}
	c.store[key] = v
}

// Get retrieves state previously stashed with Set.
func (c *Context) Get(key string) (any, bool) {
	v, ok := c.store[key]
	return v, ok
}
