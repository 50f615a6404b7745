// Package whoami is a supplemented diagnostic plugin (not named by
// spec.md, carried over from the original system's plugin/whoami.rs):
// for an A query from an IPv4 client, or any AAAA query, it answers
// directly with the client's source address, terminal like forward,
// useful for Corefile smoke-testing.
package whoami

import (
	"net"
	"strconv"

	"github.com/miekg/dns"

	"github.com/pollguard/pollguard/plugin"
)

// Plugin answers A/AAAA queries with the requester's own address and
// lets everything else fall through to the rest of the chain.
type Plugin struct{}

// New returns a whoami plugin.
func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string { return "whoami" }

func (p *Plugin) Process(ctx *plugin.Context) plugin.Result {
	req := ctx.Request
	if len(req.Question) == 0 || ctx.Source == nil {
		return plugin.Next()
	}

	q := req.Question[0]
	if q.Qtype != dns.TypeA && q.Qtype != dns.TypeAAAA {
		return plugin.Next()
	}

	host, portStr, err := net.SplitHostPort(ctx.Source.String())
	if err != nil {
		return plugin.Next()
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return plugin.Next()
	}

	var answer dns.RR
	switch {
	case q.Qtype == dns.TypeA && ip.To4() != nil:
		answer = &dns.A{
			Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 0},
			A:   ip.To4(),
		}
	case q.Qtype == dns.TypeAAAA:
		answer = &dns.AAAA{
			Hdr:  dns.RR_Header{Name: q.Name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: 0},
			AAAA: ip,
		}
	default:
		return plugin.Next()
	}

	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Authoritative = true
	resp.Answer = append(resp.Answer, answer)

	proto := "_udp"
	if ctx.Transport == plugin.TCP {
		proto = "_tcp"
	}
	port, _ := strconv.Atoi(portStr)
	resp.Extra = append(resp.Extra, &dns.SRV{
		Hdr:      dns.RR_Header{Name: proto + "." + q.Name, Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: 0},
		Priority: 0,
		Weight:   0,
		Port:     uint16(port),
		Target:   q.Name,
	})

	return plugin.Short(resp)
}

func (p *Plugin) PostProcess(ctx *plugin.Context, resp *dns.Msg) *dns.Msg {
	return resp
}
