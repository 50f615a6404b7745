// Package runtime is the server-block runtime (C7, spec.md §4.7): one
// UDP socket and one TCP listener per block, accepting concurrently and
// dispatching through the block's plugin chain on a worker pool sized
// 1:1 to CPUs. It decodes and encodes wire frames itself via wire/
// rather than delegating to a higher-level DNS server type, since the
// wire codec is a named component in its own right.
package runtime

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	goruntime "runtime"
	"sync"
	"time"

	"github.com/semihalev/log"

	"github.com/pollguard/pollguard/gwerr"
	"github.com/pollguard/pollguard/plugin"
	"github.com/pollguard/pollguard/wire"
)

const (
	defaultGracePeriod = 5 * time.Second
	udpQueueDepth      = 256
)

type udpJob struct {
	data []byte
	addr *net.UDPAddr
}

// Block is one server block's live runtime.
type Block struct {
	Listen      string
	Chain       *plugin.Chain
	GracePeriod time.Duration

	udpConn *net.UDPConn
	tcpLn   net.Listener

	jobs     chan udpJob
	inFlight sync.WaitGroup
	workers  sync.WaitGroup

	closeOnce sync.Once
}

// NewBlock opens addr's UDP socket and TCP listener, ready for Serve.
// Both are opened with SO_REUSEPORT where the platform supports it, so
// a reload's replacement runtime can bind the same address before the
// old runtime's grace period has closed its own sockets (spec.md §4.8
// step 2).
func NewBlock(addr string, chain *plugin.Chain) (*Block, error) {
	lc := reusePortListenConfig()

	pc, err := lc.ListenPacket(context.Background(), "udp", addr)
	if err != nil {
		return nil, gwerr.New(gwerr.Config, "runtime.NewBlock", err)
	}
	udpConn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return nil, gwerr.New(gwerr.Config, "runtime.NewBlock", fmt.Errorf("unexpected packet conn type %T for udp", pc))
	}

	tcpLn, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		_ = udpConn.Close()
		return nil, gwerr.New(gwerr.Config, "runtime.NewBlock", err)
	}

	return &Block{
		Listen:      addr,
		Chain:       chain,
		GracePeriod: defaultGracePeriod,
		udpConn:     udpConn,
		tcpLn:       tcpLn,
		jobs:        make(chan udpJob, udpQueueDepth),
	}, nil
}

// Serve starts the worker pool and the UDP/TCP accept loops. It blocks
// until ctx is cancelled, then returns after Shutdown's grace period.
func (b *Block) Serve(ctx context.Context) {
	workerCount := goruntime.GOMAXPROCS(0)
	for i := 0; i < workerCount; i++ {
		b.workers.Add(1)
		go b.udpWorker()
	}

	b.workers.Add(1)
	go b.readUDP()

	b.workers.Add(1)
	go b.acceptTCP(ctx)

	<-ctx.Done()
	b.Shutdown()
}

// Shutdown stops accepting, waits up to GracePeriod for in-flight
// handlers, then closes both sockets. In-flight handlers retain their
// reference to the chain (and whatever configuration snapshot it closed
// over) until they finish on their own; Shutdown never interrupts one.
func (b *Block) Shutdown() {
	b.closeOnce.Do(func() {
		_ = b.udpConn.Close()
		_ = b.tcpLn.Close()
		close(b.jobs)

		done := make(chan struct{})
		go func() {
			b.inFlight.Wait()
			close(done)
		}()

		grace := b.GracePeriod
		if grace <= 0 {
			grace = defaultGracePeriod
		}
		select {
		case <-done:
		case <-time.After(grace):
			log.Warn("runtime shutdown grace period elapsed with handlers still in flight", "addr", b.Listen)
		}

		b.workers.Wait()

		if b.Chain != nil {
			b.Chain.Close()
		}
	})
}

func (b *Block) readUDP() {
	defer b.workers.Done()

	buf := make([]byte, wire.MaxUDPSize)
	for {
		n, addr, err := b.udpConn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])

		select {
		case b.jobs <- udpJob{data: data, addr: addr}:
		default:
			// The worker pool can't keep up; this is overload, not a
			// malformed or unreachable query, so spec.md §5/§7 still
			// want a SERVFAIL rather than a silent drop.
			log.Warn("udp queue saturated, responding SERVFAIL", "addr", b.Listen)
			req, _ := wire.Decode(data)
			if out, _, encErr := wire.Encode(wire.Servfail(req), wire.AdvertisedUDPSize(req)); encErr == nil {
				_, _ = b.udpConn.WriteToUDP(out, addr)
			}
		}
	}
}

func (b *Block) udpWorker() {
	defer b.workers.Done()

	for job := range b.jobs {
		b.inFlight.Add(1)
		b.handleUDP(job)
		b.inFlight.Done()
	}
}

func (b *Block) handleUDP(job udpJob) {
	req, err := wire.Decode(job.data)
	if err != nil {
		out, _, encErr := wire.Encode(wire.Formerr(req), wire.AdvertisedUDPSize(req))
		if encErr == nil {
			_, _ = b.udpConn.WriteToUDP(out, job.addr)
		}
		return
	}

	pctx := plugin.NewContext(context.Background(), req, job.addr, plugin.UDP, wire.AdvertisedUDPSize(req))
	resp := b.Chain.Serve(pctx)

	out, _, err := wire.Encode(resp, pctx.MaxSize)
	if err != nil {
		return
	}
	_, _ = b.udpConn.WriteToUDP(out, job.addr)
}

func (b *Block) acceptTCP(ctx context.Context) {
	defer b.workers.Done()

	for {
		conn, err := b.tcpLn.Accept()
		if err != nil {
			return
		}
		b.workers.Add(1)
		go b.handleTCPConn(ctx, conn)
	}
}

// handleTCPConn serves every framed query on one TCP connection in
// sequence (spec.md §4.2: "a single in-flight query per connection;
// pipelining is not required"), until the client closes or the server
// is shutting down. Framing is RFC 1035 §4.2.2's 2-byte length prefix,
// decoded and re-encoded through wire/ directly.
func (b *Block) handleTCPConn(ctx context.Context, conn net.Conn) {
	defer b.workers.Done()
	defer conn.Close()

	var lenBuf [2]byte
	for {
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			return
		}
		size := binary.BigEndian.Uint16(lenBuf[:])

		body := make([]byte, size)
		if _, err := io.ReadFull(conn, body); err != nil {
			return
		}

		req, err := wire.Decode(body)
		if err != nil {
			out, encErr := wire.EncodeTCP(wire.Formerr(req))
			if encErr != nil {
				return
			}
			if _, err := conn.Write(out); err != nil {
				return
			}
			continue
		}

		b.inFlight.Add(1)
		resp := b.Chain.Serve(plugin.NewContext(ctx, req, conn.RemoteAddr(), plugin.TCP, wire.MaxUDPSize))
		b.inFlight.Done()

		out, err := wire.EncodeTCP(resp)
		if err != nil {
			return
		}
		if _, err := conn.Write(out); err != nil {
			return
		}
	}
}
