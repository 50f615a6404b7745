// Package upstream is the upstream endpoint layer (C2, spec.md §4.2):
// a pooled DoT/TCP transport, plain UDP one-shot exchange, and the
// health state machine forward groups consult before admitting a query
// to an endpoint.
package upstream

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"

	"github.com/pollguard/pollguard/corefile"
	"github.com/pollguard/pollguard/gwerr"
)

// Endpoint is one upstream address: its transport, its health state,
// and (for TLS/force_tcp) its idle connection pool.
type Endpoint struct {
	Addr   string
	Scheme corefile.Scheme
	SNI    string

	Health *Health

	dialTimeout  time.Duration
	queryTimeout time.Duration
	forceTCP     bool

	pool   *connPool // non-nil for TLS, or Plain with forceTCP
	client *dns.Client
}

// NewEndpoint builds an Endpoint ready to exchange queries. maxFails
// drives the health state machine; maxIdleConns/idleTTL size the
// connection pool for TLS and force_tcp endpoints.
func NewEndpoint(u corefile.Upstream, sni string, maxFails, maxIdleConns int, idleTTL, dialTimeout, queryTimeout time.Duration, forceTCP bool) *Endpoint {
	e := &Endpoint{
		Addr:         u.Addr,
		Scheme:       u.Scheme,
		SNI:          sni,
		Health:       NewHealth(maxFails),
		dialTimeout:  dialTimeout,
		queryTimeout: queryTimeout,
		forceTCP:     forceTCP,
	}

	switch {
	case u.Scheme == corefile.TLS:
		e.pool = newConnPool(maxIdleConns, idleTTL, dialTLS(u.Addr, sni, dialTimeout))
	case forceTCP:
		e.pool = newConnPool(maxIdleConns, idleTTL, dialPlainTCP(u.Addr, dialTimeout))
	default:
		e.client = &dns.Client{Net: "udp", Timeout: queryTimeout}
	}

	return e
}

// Exchange sends req to the endpoint and returns its response, updating
// Health on the way out (spec.md §4.2: "a live reply through the normal
// path is treated identically" to a successful probe). A transport or
// timeout failure returns a *gwerr.Error and marks a failure.
func (e *Endpoint) Exchange(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	var resp *dns.Msg
	var err error

	if e.pool != nil {
		resp, err = e.exchangePooled(ctx, req)
	} else {
		resp, err = e.exchangeUDP(ctx, req)
	}

	if err != nil {
		e.Health.RecordFailure()
		return nil, err
	}

	// A reply that doesn't answer the question asked (stale ID, wrong
	// opcode) is a protocol violation by the upstream, not a transport
	// failure — the connection worked fine, the answer didn't.
	if resp.Id != req.Id || resp.Opcode != req.Opcode {
		e.Health.RecordFailure()
		return nil, gwerr.New(gwerr.UpstreamProtocol, "upstream.Exchange",
			fmt.Errorf("reply id=%d opcode=%d does not match query id=%d opcode=%d", resp.Id, resp.Opcode, req.Id, req.Opcode))
	}

	e.Health.RecordSuccess()
	return resp, nil
}

func (e *Endpoint) exchangeUDP(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	resp, _, err := e.client.ExchangeContext(ctx, req, e.Addr)
	if err != nil {
		return nil, classifyTransportErr("upstream.exchangeUDP", err)
	}
	return resp, nil
}

// classifyTransportErr sorts a raw dial/exchange error into the gwerr.Kind
// that best describes it: a deadline or network timeout is Timeout, a TLS
// handshake or certificate failure is TLS, anything else falls back to the
// generic Transport kind.
func classifyTransportErr(op string, err error) *gwerr.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return gwerr.New(gwerr.Timeout, op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return gwerr.New(gwerr.Timeout, op, err)
	}

	var certVerifyErr *tls.CertificateVerificationError
	var recordHeaderErr tls.RecordHeaderError
	var invalidCertErr x509.CertificateInvalidError
	var hostnameErr x509.HostnameError
	var unknownAuthErr x509.UnknownAuthorityError
	switch {
	case errors.As(err, &certVerifyErr),
		errors.As(err, &recordHeaderErr),
		errors.As(err, &invalidCertErr),
		errors.As(err, &hostnameErr),
		errors.As(err, &unknownAuthErr):
		return gwerr.New(gwerr.TLS, op, err)
	}

	return gwerr.New(gwerr.Transport, op, err)
}

// exchangePooled acquires a pooled connection (TLS or forced TCP),
// performs one framed send/receive, and releases it. The connection is
// only returned to the pool when the exchange completed cleanly; any
// error — including context cancellation — closes it instead, since its
// read/write state is no longer trustworthy (spec.md §5 cancellation).
func (e *Endpoint) exchangePooled(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	conn, err := e.pool.acquire(ctx)
	if err != nil {
		return nil, classifyTransportErr("upstream.acquire", err)
	}

	deadline := time.Now().Add(e.queryTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)

	if err := conn.WriteMsg(req); err != nil {
		e.pool.release(conn, false)
		return nil, classifyTransportErr("upstream.write", err)
	}

	resp, err := conn.ReadMsg()
	if err != nil {
		e.pool.release(conn, false)
		return nil, classifyTransportErr("upstream.read", err)
	}

	e.pool.release(conn, true)
	return resp, nil
}

// Close releases any pooled connections held by the endpoint.
func (e *Endpoint) Close() {
	if e.pool != nil {
		e.pool.closeAll()
	}
}
