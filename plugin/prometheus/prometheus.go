// Package prometheus is the metrics plugin: it records per-query
// counters/histograms on the outbound phase and exposes them over HTTP
// for the runtime to mount at the "prometheus" directive's address.
package prometheus

import (
	"net/http"
	"time"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pollguard/pollguard/plugin"
)

var (
	queryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "dnsgate_query_duration_seconds",
		Help: "Query latency observed at the chain's outbound phase, labeled by RCODE.",
	}, []string{"rcode"})

	queryTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dnsgate_queries_total",
		Help: "Total queries served, labeled by RCODE and cache hit/miss.",
	}, []string{"rcode", "cache_hit"})
)

func init() {
	prometheus.MustRegister(queryDuration, queryTotal)
}

// Plugin is a pass-through on the inbound phase and records metrics on
// the outbound phase.
type Plugin struct{}

// New returns a metrics plugin.
func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string { return "prometheus" }

func (p *Plugin) Process(ctx *plugin.Context) plugin.Result { return plugin.Next() }

func (p *Plugin) PostProcess(ctx *plugin.Context, resp *dns.Msg) *dns.Msg {
	rcode := dns.RcodeToString[resp.Rcode]
	queryDuration.WithLabelValues(rcode).Observe(time.Since(ctx.StartedAt).Seconds())
	queryTotal.WithLabelValues(rcode, boolLabel(ctx.CacheHit)).Inc()
	return resp
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// Handler returns the HTTP handler the runtime mounts at the directive's
// listen address.
func Handler() http.Handler {
	return promhttp.Handler()
}
