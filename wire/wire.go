// Package wire implements the DNS wire codec (spec.md §4.1): decoding
// RFC 1035 messages with EDNS0 (RFC 6891) support, encoding responses
// with UDP truncation, TCP length-prefix framing, and SERVFAIL
// synthesis.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/miekg/dns"

	"github.com/pollguard/pollguard/gwerr"
)

// MaxUDPSize is the largest EDNS0-advertised UDP payload size this
// gateway will honor (spec.md §6: "up to 4096").
const MaxUDPSize = 4096

// Decode parses raw wire bytes into a *dns.Msg. It rejects messages whose
// question count is not exactly one; unknown RR types on the authoritative side are
// left as opaque pass-through bytes by the underlying miekg/dns decoder.
//
// On error the returned *dns.Msg is never nil: it carries whatever header
// (at minimum the query ID, when the first 12 bytes parsed) the
// underlying decoder managed to fill in before failing, so a caller can
// still synthesize a FORMERR that preserves the ID per spec.md §7 ("no
// response is ever dropped silently when a reply could be sent") instead
// of dropping the datagram outright.
func Decode(b []byte) (*dns.Msg, error) {
	m := new(dns.Msg)
	if err := m.Unpack(b); err != nil {
		return m, gwerr.New(gwerr.Malformed, "wire.Decode", err)
	}
	if len(m.Question) != 1 {
		return m, gwerr.New(gwerr.Malformed, "wire.Decode", fmt.Errorf("QDCOUNT=%d, want 1", len(m.Question)))
	}
	return m, nil
}

// AdvertisedUDPSize returns the UDP payload size a client advertised via
// EDNS0, clamped to [dns.MinMsgSize, MaxUDPSize], or dns.MinMsgSize (512)
// if the client sent no EDNS0 option.
func AdvertisedUDPSize(req *dns.Msg) int {
	opt := req.IsEdns0()
	if opt == nil {
		return dns.MinMsgSize
	}

	size := int(opt.UDPSize())
	switch {
	case size < dns.MinMsgSize:
		return dns.MinMsgSize
	case size > MaxUDPSize:
		return MaxUDPSize
	default:
		return size
	}
}

// Encode serializes resp for UDP delivery. If the packed message would
// exceed maxSize, it instead emits a header-only response with TC=1,
// preserving the Question section, RCODE, and the EDNS0 OPT record (if
// any) so the client knows to retry over TCP.
func Encode(resp *dns.Msg, maxSize int) (data []byte, truncated bool, err error) {
	data, err = resp.Pack()
	if err != nil {
		return nil, false, gwerr.New(gwerr.Internal, "wire.Encode", err)
	}
	if len(data) <= maxSize {
		return data, false, nil
	}

	trunc := new(dns.Msg)
	trunc.MsgHdr = resp.MsgHdr
	trunc.MsgHdr.Truncated = true
	trunc.Question = resp.Question
	trunc.Answer = nil
	trunc.Ns = nil
	trunc.Extra = nil
	if opt := resp.IsEdns0(); opt != nil {
		trunc.Extra = []dns.RR{opt}
	}

	data, err = trunc.Pack()
	if err != nil {
		return nil, false, gwerr.New(gwerr.Internal, "wire.Encode", err)
	}
	return data, true, nil
}

// EncodeTCP serializes resp for TCP delivery with the RFC 1035 §4.2.2
// 2-byte big-endian length prefix. The full message is always sent; TCP
// responses are never truncated.
func EncodeTCP(resp *dns.Msg) ([]byte, error) {
	data, err := resp.Pack()
	if err != nil {
		return nil, gwerr.New(gwerr.Internal, "wire.EncodeTCP", err)
	}
	if len(data) > 0xffff {
		return nil, gwerr.New(gwerr.Internal, "wire.EncodeTCP", fmt.Errorf("message too large: %d bytes", len(data)))
	}

	out := make([]byte, 2+len(data))
	binary.BigEndian.PutUint16(out, uint16(len(data)))
	copy(out[2:], data)
	return out, nil
}

// Servfail synthesizes a SERVFAIL response echoing req's ID and Question
// section, per spec.md §7: "All outward responses to clients preserve
// the query ID and Question section."
func Servfail(req *dns.Msg) *dns.Msg {
	m := new(dns.Msg)
	m.SetRcode(req, dns.RcodeServerFailure)
	return m
}

// Formerr synthesizes a FORMERR response for a query that failed to
// parse cleanly enough to build a full reply from (spec.md §7: Malformed
// queries get FORMERR, never upstream contact).
func Formerr(req *dns.Msg) *dns.Msg {
	m := new(dns.Msg)
	m.SetRcode(req, dns.RcodeFormatError)
	return m
}

// Nxdomain synthesizes an NXDOMAIN response echoing req's ID and
// Question section. This is the chain's implicit terminal plugin
// (spec.md §3: "the terminal plugin is always a Forward, or an implicit
// NXDOMAIN producer if absent") for a server block with no plugin that
// ever shorts the chain.
func Nxdomain(req *dns.Msg) *dns.Msg {
	m := new(dns.Msg)
	m.SetRcode(req, dns.RcodeNameError)
	return m
}
