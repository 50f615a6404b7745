package upstream

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// defaultMaxIdleConns and defaultIdleTTL are the pool defaults spec.md
// §4.2 names: "up to max_idle_conns idle TLS connections (default 10
// ...)" and "not past idle TTL (default 30s)".
const (
	defaultMaxIdleConns = 10
	defaultIdleTTL       = 30 * time.Second
)

type dialFunc func(ctx context.Context) (*dns.Conn, error)

// connPool is a pool of idle, framed DNS connections (DoT or
// force_tcp plain TCP — spec.md §4.2's "per-endpoint pool mirroring the
// DoT pool"). Acquire gives the caller exclusive use of one connection;
// Release returns it to the pool if it's still usable.
type connPool struct {
	dial    dialFunc
	maxIdle int
	idleTTL time.Duration

	mu   sync.Mutex
	idle []pooledConn
}

type pooledConn struct {
	conn *dns.Conn
	at   time.Time
}

func newConnPool(maxIdle int, idleTTL time.Duration, dial dialFunc) *connPool {
	if maxIdle <= 0 {
		maxIdle = defaultMaxIdleConns
	}
	if idleTTL <= 0 {
		idleTTL = defaultIdleTTL
	}
	return &connPool{dial: dial, maxIdle: maxIdle, idleTTL: idleTTL}
}

// acquire pops an idle connection younger than idleTTL, or dials a fresh
// one. The borrower owns the returned connection exclusively until it
// calls release (spec.md §5: "the borrower has exclusive use for the
// duration of one send/receive — no interleaving").
func (p *connPool) acquire(ctx context.Context) (*dns.Conn, error) {
	now := time.Now()

	p.mu.Lock()
	for len(p.idle) > 0 {
		pc := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if now.Sub(pc.at) <= p.idleTTL {
			p.mu.Unlock()
			return pc.conn, nil
		}
		_ = pc.conn.Close()
	}
	p.mu.Unlock()

	return p.dial(ctx)
}

// release returns conn to the pool if it is error-free and the pool
// isn't full; otherwise it is closed. This is also how a cancelled
// in-flight query cleans up: the caller passes reusable=false whenever
// the connection state is uncertain (spec.md §5 cancellation: "release
// pool connections in a clean state... otherwise close").
func (p *connPool) release(conn *dns.Conn, reusable bool) {
	if !reusable {
		_ = conn.Close()
		return
	}

	p.mu.Lock()
	if len(p.idle) >= p.maxIdle {
		p.mu.Unlock()
		_ = conn.Close()
		return
	}
	p.idle = append(p.idle, pooledConn{conn: conn, at: time.Now()})
	p.mu.Unlock()
}

func (p *connPool) closeAll() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, pc := range idle {
		_ = pc.conn.Close()
	}
}

func dialTLS(addr, sni string, dialTimeout time.Duration) dialFunc {
	return func(ctx context.Context) (*dns.Conn, error) {
		dialer := &net.Dialer{Timeout: dialTimeout}
		tlsConn, err := tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{
			ServerName: sni,
			MinVersion: tls.VersionTLS12,
		})
		if err != nil {
			return nil, err
		}
		return &dns.Conn{Conn: tlsConn}, nil
	}
}

func dialPlainTCP(addr string, dialTimeout time.Duration) dialFunc {
	return func(ctx context.Context) (*dns.Conn, error) {
		dialer := &net.Dialer{Timeout: dialTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		return &dns.Conn{Conn: conn}, nil
	}
}
