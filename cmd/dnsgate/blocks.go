package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/semihalev/log"

	"github.com/pollguard/pollguard/corefile"
	"github.com/pollguard/pollguard/forward"
	"github.com/pollguard/pollguard/gwerr"
	"github.com/pollguard/pollguard/plugin"
	pluginerrors "github.com/pollguard/pollguard/plugin/errors"
	pluginforward "github.com/pollguard/pollguard/plugin/forward"
	pluginhealth "github.com/pollguard/pollguard/plugin/health"
	pluginlog "github.com/pollguard/pollguard/plugin/log"
	pluginprom "github.com/pollguard/pollguard/plugin/prometheus"
	pluginrcache "github.com/pollguard/pollguard/plugin/rcache"
	pluginreload "github.com/pollguard/pollguard/plugin/reload"
	pluginwhoami "github.com/pollguard/pollguard/plugin/whoami"
	"github.com/pollguard/pollguard/rcache"
	"github.com/pollguard/pollguard/runtime"
	"github.com/pollguard/pollguard/upstream"
)

// sidecarServer is an HTTP listener a plugin asked the runtime to open
// alongside a server block's DNS sockets (prometheus, health).
type sidecarServer struct {
	addr   string
	server *http.Server
}

// buildBlock turns one parsed server block into a live runtime.Block,
// wiring each directive to its concrete plugin.Handler and starting any
// background work (upstream health probing, sidecar HTTP listeners) the
// block's plugins need. ctx is cancelled when the reload manager retires
// this block.
func buildBlock(ctx context.Context, sb corefile.ServerBlock) (*runtime.Block, error) {
	handlers := make([]plugin.Handler, 0, len(sb.Plugins))
	var sidecars []sidecarServer
	var forwardGroups []*forward.Group

	for _, p := range sb.Plugins {
		if p.Kind == corefile.KindForward {
			forwardGroups = append(forwardGroups, buildForwardGroup(ctx, p.Forward))
			continue
		}

		h, sidecar, err := buildPluginHandler(ctx, p)
		if err != nil {
			return nil, gwerr.New(gwerr.Config, "main.buildBlock", err)
		}
		handlers = append(handlers, h)
		if sidecar != nil {
			sidecars = append(sidecars, *sidecar)
		}
	}

	// Every "forward" directive in a server block joins one engine as a
	// distinct group, so the chain's single terminal forward handler can
	// cascade across them (spec.md §4.3) instead of halting at the
	// first directive's own handler.
	if len(forwardGroups) > 0 {
		handlers = append(handlers, pluginforward.New(forward.NewEngine(forwardGroups)))
	}

	chain := plugin.NewChain(handlers)

	block, err := runtime.NewBlock(sb.Listen, chain)
	if err != nil {
		return nil, err
	}

	for _, sc := range sidecars {
		startSidecar(ctx, sc)
	}

	return block, nil
}

func buildPluginHandler(ctx context.Context, p corefile.Plugin) (plugin.Handler, *sidecarServer, error) {
	switch p.Kind {
	case corefile.KindLog:
		return pluginlog.New(), nil, nil

	case corefile.KindWhoami:
		return pluginwhoami.New(), nil, nil

	case corefile.KindErrors:
		return pluginerrors.New(p.Errors), nil, nil

	case corefile.KindReload:
		return pluginreload.New(), nil, nil

	case corefile.KindPrometheus:
		h := pluginprom.New()
		return h, &sidecarServer{addr: p.Prometheus, server: &http.Server{Handler: pluginprom.Handler()}}, nil

	case corefile.KindHealth:
		h := pluginhealth.New(p.Health)
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			if h.Reporter.Healthy() {
				w.WriteHeader(http.StatusOK)
				return
			}
			w.WriteHeader(http.StatusServiceUnavailable)
		})
		return h, &sidecarServer{addr: p.Health, server: &http.Server{Handler: mux}}, nil

	case corefile.KindCache:
		cache := rcache.New(rcache.Config{
			SuccessCap:    p.Cache.SuccessCap,
			DenialCap:     p.Cache.DenialCap,
			MinTTL:        p.Cache.MinTTL,
			SuccessMaxTTL: p.Cache.SuccessMaxTTL,
			DenialMaxTTL:  p.Cache.DenialMaxTTL,
		})
		return pluginrcache.New(cache), nil, nil

	default:
		return nil, nil, fmt.Errorf("main: unhandled plugin kind %q", p.Kind)
	}
}

// buildForwardGroup builds one forward.Group for a single "forward"
// directive and starts health probing for every endpoint it owns, tied
// to ctx so probing stops when the block is retired. buildBlock joins
// every group from a server block's forward directives into one engine,
// so a chain's single terminal forward handler can cascade across them.
func buildForwardGroup(ctx context.Context, cfg *corefile.ForwardGroup) *forward.Group {
	endpoints := make([]*upstream.Endpoint, 0, len(cfg.Upstreams))
	for _, u := range cfg.Upstreams {
		ep := upstream.NewEndpoint(u, cfg.TLSServerName, cfg.MaxFails, cfg.MaxIdleConns,
			defaultIdleTTL, cfg.DialTimeout, cfg.QueryTimeout, cfg.ForceTCP)
		go ep.StartProbing(ctx, cfg.HealthCheck)
		endpoints = append(endpoints, ep)
	}

	return forward.NewGroup(cfg, endpoints)
}

const defaultIdleTTL = 30 * time.Second

// startSidecar runs srv.server on srv.addr until ctx is cancelled,
// logging (rather than crashing the process on) a bind failure, since a
// prometheus/health listener is not load-bearing for DNS service itself.
func startSidecar(ctx context.Context, srv sidecarServer) {
	srv.server.Addr = srv.addr
	go func() {
		if err := srv.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logSidecarError(srv.addr, err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = srv.server.Close()
	}()
}

func logSidecarError(addr string, err error) {
	log.Error("main: sidecar listener failed", "addr", addr, "error", err.Error())
}
