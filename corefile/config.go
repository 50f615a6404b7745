// Package corefile implements the CoreDNS-compatible declarative
// configuration format (spec.md §4.9, §6): a tokenizer, a recursive
// descent parser, and the semantic model (server blocks with their
// ordered plugin argument tables) built from the parsed tree.
package corefile

import (
	"crypto/sha512"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Scheme is the transport an upstream endpoint is reached over.
type Scheme int

const (
	// Plain is unencrypted UDP/TCP DNS.
	Plain Scheme = iota
	// TLS is DNS-over-TLS (RFC 7858).
	TLS
)

// Upstream is one upstream address declared on a forward directive.
type Upstream struct {
	Addr   string
	Scheme Scheme
}

// Policy is the endpoint selection strategy for a forward group.
type Policy int

const (
	Sequential Policy = iota
	RoundRobin
	Random
)

func parsePolicy(s string) (Policy, error) {
	switch s {
	case "sequential":
		return Sequential, nil
	case "round_robin":
		return RoundRobin, nil
	case "random":
		return Random, nil
	default:
		return 0, fmt.Errorf("unknown policy %q", s)
	}
}

// ForwardGroup is the configuration of one "forward" directive: an
// upstream group plus its selection, health, admission, and
// cascade/failover policy (spec.md §3 Upstream group).
type ForwardGroup struct {
	Zone          string
	Upstreams     []Upstream
	Policy        Policy
	TLSServerName string
	HealthCheck   time.Duration
	MaxFails      int
	MaxConcurrent *int // nil means unbounded; 0 means admit nothing
	MaxIdleConns  int
	FailoverCodes map[int]bool
	NextCodes     map[int]bool
	ExceptZones   []string
	ForceTCP      bool
	DialTimeout   time.Duration
	QueryTimeout  time.Duration
}

// CacheConfig is the configuration of a "cache" directive (spec.md §4.4).
type CacheConfig struct {
	SuccessCap    int
	DenialCap     int
	SuccessMaxTTL time.Duration
	DenialMaxTTL  time.Duration
	MinTTL        time.Duration
}

// ErrorsConfig is the configuration of an "errors" directive's
// consolidate sub-clause (spec.md §4.5).
type ErrorsConfig struct {
	Enabled bool
	Window  time.Duration
	Pattern string
	Level   string
}

// ReloadConfig is the configuration of a "reload" directive (spec.md §4.8).
type ReloadConfig struct {
	Interval time.Duration
	Jitter   time.Duration
}

// PluginKind names a recognized plugin instance kind (spec.md §3 Server block).
type PluginKind string

const (
	KindLog        PluginKind = "log"
	KindCache      PluginKind = "cache"
	KindPrometheus PluginKind = "prometheus"
	KindErrors     PluginKind = "errors"
	KindForward    PluginKind = "forward"
	KindHealth     PluginKind = "health"
	KindReload     PluginKind = "reload"
	KindWhoami     PluginKind = "whoami"
)

// Plugin is one directive turned into its typed configuration. Exactly
// one of the pointer fields matching Kind is set.
type Plugin struct {
	Kind       PluginKind
	Forward    *ForwardGroup
	Cache      *CacheConfig
	Errors     *ErrorsConfig
	Reload     *ReloadConfig
	Prometheus string // listen address
	Health     string // listen address
}

// ServerBlock is one parsed "listen { ... }" block (spec.md §3).
type ServerBlock struct {
	Listen  string // normalized host:port
	Plugins []Plugin
}

// Config is an immutable parsed Corefile: the ordered server blocks plus
// the content hash the reload controller (C8) watches for changes.
type Config struct {
	Blocks []ServerBlock
	Hash   [64]byte
	Source []byte
}

const (
	defaultCacheCap    = 256000
	defaultCacheMinTTL = 5 * time.Second
	defaultCacheMaxTTL = 1 * time.Hour
	defaultMaxFails    = 3
	defaultHealthCheck = 10 * time.Second
	defaultDialTimeout = 3 * time.Second
	defaultQueryTimeout = 5 * time.Second
	defaultMaxIdleConns = 10
	defaultReloadInterval = 5 * time.Second
)

// Load reads path, parses it, and returns the resulting Config. It never
// panics; parse/validate failures come back as a plain error so the
// caller can apply spec.md §7's Config error policy (exit nonzero at
// startup, keep the current snapshot on a failed reload).
func Load(path string) (*Config, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("corefile: read %s: %w", path, err)
	}
	return Parse(src)
}

// Parse builds a Config from raw Corefile bytes.
func Parse(src []byte) (*Config, error) {
	blocks, err := parse(lex(string(src)))
	if err != nil {
		return nil, err
	}

	cfg := &Config{Hash: sha512.Sum512(src), Source: src}

	seen := map[string]bool{}
	for _, b := range blocks {
		sb, err := buildServerBlock(b)
		if err != nil {
			return nil, err
		}
		if seen[sb.Listen] {
			return nil, fmt.Errorf("corefile:%d: duplicate listen address %q", b.Line, sb.Listen)
		}
		seen[sb.Listen] = true
		cfg.Blocks = append(cfg.Blocks, sb)
	}

	return cfg, nil
}

// Hash computes the content hash of raw Corefile bytes without parsing
// them, used by the reload controller to detect changes cheaply before
// committing to a full reparse.
func Hash(src []byte) [64]byte {
	return sha512.Sum512(src)
}

func buildServerBlock(b Block) (ServerBlock, error) {
	listen, err := normalizeListen(b.Addresses[0])
	if err != nil {
		return ServerBlock{}, fmt.Errorf("corefile:%d: %w", b.Line, err)
	}

	sb := ServerBlock{Listen: listen}

	for _, d := range b.Directives {
		p, err := buildPlugin(d)
		if err != nil {
			return ServerBlock{}, err
		}
		sb.Plugins = append(sb.Plugins, p)
	}

	return sb, nil
}

// normalizeListen turns a Corefile address like ".:5300", ":53", or
// "127.0.0.1:53" into a bare "host:port" listen key, using "." as a
// stand-in for "serve every zone" and defaulting the host to all
// interfaces when only a port is given.
func normalizeListen(addr string) (string, error) {
	addr = strings.TrimPrefix(addr, ".")
	if addr == "" {
		return "", fmt.Errorf("empty listen address")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	if port == "" {
		return "", fmt.Errorf("invalid listen address %q: missing port", addr)
	}
	return net.JoinHostPort(host, port), nil
}

func buildPlugin(d Directive) (Plugin, error) {
	switch d.Name {
	case "log":
		return Plugin{Kind: KindLog}, nil
	case "whoami":
		return Plugin{Kind: KindWhoami}, nil
	case "forward":
		fg, err := buildForward(d)
		if err != nil {
			return Plugin{}, err
		}
		return Plugin{Kind: KindForward, Forward: fg}, nil
	case "cache":
		cc, err := buildCache(d)
		if err != nil {
			return Plugin{}, err
		}
		return Plugin{Kind: KindCache, Cache: cc}, nil
	case "errors":
		ec, err := buildErrors(d)
		if err != nil {
			return Plugin{}, err
		}
		return Plugin{Kind: KindErrors, Errors: ec}, nil
	case "reload":
		rc, err := buildReload(d)
		if err != nil {
			return Plugin{}, err
		}
		return Plugin{Kind: KindReload, Reload: rc}, nil
	case "prometheus":
		if len(d.Args) != 1 {
			return Plugin{}, fmt.Errorf("corefile:%d: prometheus takes exactly one address argument", d.Line)
		}
		return Plugin{Kind: KindPrometheus, Prometheus: d.Args[0]}, nil
	case "health":
		if len(d.Args) != 1 {
			return Plugin{}, fmt.Errorf("corefile:%d: health takes exactly one address argument", d.Line)
		}
		return Plugin{Kind: KindHealth, Health: d.Args[0]}, nil
	default:
		return Plugin{}, fmt.Errorf("corefile:%d: unknown directive %q", d.Line, d.Name)
	}
}

func buildForward(d Directive) (*ForwardGroup, error) {
	if len(d.Args) < 2 {
		return nil, fmt.Errorf("corefile:%d: forward requires a zone and at least one upstream", d.Line)
	}

	fg := &ForwardGroup{
		Zone:         d.Args[0],
		Policy:       Sequential,
		HealthCheck:  defaultHealthCheck,
		MaxFails:     defaultMaxFails,
		MaxIdleConns: defaultMaxIdleConns,
		DialTimeout:  defaultDialTimeout,
		QueryTimeout: defaultQueryTimeout,
	}

	for _, raw := range d.Args[1:] {
		u, err := parseUpstream(raw)
		if err != nil {
			return nil, fmt.Errorf("corefile:%d: %w", d.Line, err)
		}
		fg.Upstreams = append(fg.Upstreams, u)
	}

	for _, sub := range d.Sub {
		if err := applyForwardSub(fg, sub); err != nil {
			return nil, err
		}
	}

	return fg, nil
}

func parseUpstream(raw string) (Upstream, error) {
	scheme := Plain
	addr := raw
	defaultPort := "53"

	if after, ok := strings.CutPrefix(raw, "tls://"); ok {
		scheme = TLS
		addr = after
		defaultPort = "853"
	}

	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, defaultPort)
	}

	return Upstream{Addr: addr, Scheme: scheme}, nil
}

func applyForwardSub(fg *ForwardGroup, sub Directive) error {
	switch sub.Name {
	case "policy":
		if len(sub.Args) != 1 {
			return fmt.Errorf("corefile:%d: policy takes exactly one argument", sub.Line)
		}
		p, err := parsePolicy(sub.Args[0])
		if err != nil {
			return fmt.Errorf("corefile:%d: %w", sub.Line, err)
		}
		fg.Policy = p
	case "tls_servername":
		if len(sub.Args) != 1 {
			return fmt.Errorf("corefile:%d: tls_servername takes exactly one argument", sub.Line)
		}
		fg.TLSServerName = sub.Args[0]
	case "health_check":
		d, err := parseDuration(sub)
		if err != nil {
			return err
		}
		fg.HealthCheck = d
	case "max_fails":
		n, err := parseInt(sub)
		if err != nil {
			return err
		}
		fg.MaxFails = n
	case "max_concurrent":
		n, err := parseInt(sub)
		if err != nil {
			return err
		}
		fg.MaxConcurrent = &n
	case "max_idle_conns":
		n, err := parseInt(sub)
		if err != nil {
			return err
		}
		fg.MaxIdleConns = n
	case "failover":
		codes, err := parseRcodes(sub)
		if err != nil {
			return err
		}
		fg.FailoverCodes = codes
	case "next":
		codes, err := parseRcodes(sub)
		if err != nil {
			return err
		}
		fg.NextCodes = codes
	case "except":
		if len(sub.Args) == 0 {
			return fmt.Errorf("corefile:%d: except requires at least one zone", sub.Line)
		}
		fg.ExceptZones = append(fg.ExceptZones, sub.Args...)
	case "force_tcp":
		if len(sub.Args) != 0 {
			return fmt.Errorf("corefile:%d: force_tcp takes no arguments", sub.Line)
		}
		fg.ForceTCP = true
	default:
		return fmt.Errorf("corefile:%d: unknown forward sub-directive %q", sub.Line, sub.Name)
	}
	return nil
}

func parseRcodes(d Directive) (map[int]bool, error) {
	if len(d.Args) == 0 {
		return nil, fmt.Errorf("corefile:%d: %s requires at least one RCODE", d.Line, d.Name)
	}
	codes := map[int]bool{}
	for _, a := range d.Args {
		rc, ok := dns.StringToRcode[strings.ToUpper(a)]
		if !ok {
			return nil, fmt.Errorf("corefile:%d: unknown RCODE %q", d.Line, a)
		}
		codes[rc] = true
	}
	return codes, nil
}

func parseDuration(d Directive) (time.Duration, error) {
	if len(d.Args) != 1 {
		return 0, fmt.Errorf("corefile:%d: %s takes exactly one duration argument", d.Line, d.Name)
	}
	dur, err := time.ParseDuration(d.Args[0])
	if err != nil {
		return 0, fmt.Errorf("corefile:%d: invalid duration %q: %w", d.Line, d.Args[0], err)
	}
	return dur, nil
}

func parseInt(d Directive) (int, error) {
	if len(d.Args) != 1 {
		return 0, fmt.Errorf("corefile:%d: %s takes exactly one integer argument", d.Line, d.Name)
	}
	n, err := strconv.Atoi(d.Args[0])
	if err != nil {
		return 0, fmt.Errorf("corefile:%d: invalid integer %q: %w", d.Line, d.Args[0], err)
	}
	return n, nil
}

// buildCache resolves the open question between the "cache TTL" shorthand
// and the "cache { success N [TTL] ; denial N [TTL] }" form: a trailing
// integer after a capacity is a TTL cap in seconds, and any other
// combination of argument counts is a parse error rather than a guess.
func buildCache(d Directive) (*CacheConfig, error) {
	cc := &CacheConfig{
		SuccessCap:    defaultCacheCap,
		DenialCap:     defaultCacheCap,
		SuccessMaxTTL: defaultCacheMaxTTL,
		DenialMaxTTL:  defaultCacheMaxTTL,
		MinTTL:        defaultCacheMinTTL,
	}

	switch len(d.Args) {
	case 0:
	case 1:
		secs, err := strconv.Atoi(d.Args[0])
		if err != nil {
			return nil, fmt.Errorf("corefile:%d: invalid cache TTL %q: %w", d.Line, d.Args[0], err)
		}
		ttl := time.Duration(secs) * time.Second
		cc.SuccessMaxTTL = ttl
		cc.DenialMaxTTL = ttl
	default:
		return nil, fmt.Errorf("corefile:%d: ambiguous cache arguments %v", d.Line, d.Args)
	}

	for _, sub := range d.Sub {
		cap, ttl, err := parseCacheClass(sub)
		if err != nil {
			return nil, err
		}
		switch sub.Name {
		case "success":
			cc.SuccessCap = cap
			if ttl > 0 {
				cc.SuccessMaxTTL = ttl
			}
		case "denial":
			cc.DenialCap = cap
			if ttl > 0 {
				cc.DenialMaxTTL = ttl
			}
		default:
			return nil, fmt.Errorf("corefile:%d: unknown cache sub-directive %q", sub.Line, sub.Name)
		}
	}

	return cc, nil
}

func parseCacheClass(d Directive) (cap int, ttl time.Duration, err error) {
	switch len(d.Args) {
	case 1:
		cap, err = strconv.Atoi(d.Args[0])
		if err != nil {
			return 0, 0, fmt.Errorf("corefile:%d: invalid cache capacity %q: %w", d.Line, d.Args[0], err)
		}
		return cap, 0, nil
	case 2:
		cap, err = strconv.Atoi(d.Args[0])
		if err != nil {
			return 0, 0, fmt.Errorf("corefile:%d: invalid cache capacity %q: %w", d.Line, d.Args[0], err)
		}
		secs, err := strconv.Atoi(d.Args[1])
		if err != nil {
			return 0, 0, fmt.Errorf("corefile:%d: invalid cache TTL %q: %w", d.Line, d.Args[1], err)
		}
		return cap, time.Duration(secs) * time.Second, nil
	default:
		return 0, 0, fmt.Errorf("corefile:%d: ambiguous %s arguments %v", d.Line, d.Name, d.Args)
	}
}

func buildErrors(d Directive) (*ErrorsConfig, error) {
	ec := &ErrorsConfig{}
	if len(d.Args) != 0 {
		return nil, fmt.Errorf("corefile:%d: errors takes no direct arguments", d.Line)
	}
	for _, sub := range d.Sub {
		if sub.Name != "consolidate" {
			return nil, fmt.Errorf("corefile:%d: unknown errors sub-directive %q", sub.Line, sub.Name)
		}
		if len(sub.Args) != 3 {
			return nil, fmt.Errorf("corefile:%d: consolidate requires duration, pattern, level", sub.Line)
		}
		window, err := time.ParseDuration(sub.Args[0])
		if err != nil {
			return nil, fmt.Errorf("corefile:%d: invalid consolidate window %q: %w", sub.Line, sub.Args[0], err)
		}
		ec.Enabled = true
		ec.Window = window
		ec.Pattern = sub.Args[1]
		ec.Level = sub.Args[2]
	}
	return ec, nil
}

func buildReload(d Directive) (*ReloadConfig, error) {
	if len(d.Args) == 0 || len(d.Args) > 2 {
		return nil, fmt.Errorf("corefile:%d: reload takes interval [jitter]", d.Line)
	}
	rc := &ReloadConfig{Interval: defaultReloadInterval}

	interval, err := time.ParseDuration(d.Args[0])
	if err != nil {
		return nil, fmt.Errorf("corefile:%d: invalid reload interval %q: %w", d.Line, d.Args[0], err)
	}
	rc.Interval = interval

	if len(d.Args) == 2 {
		jitter, err := time.ParseDuration(d.Args[1])
		if err != nil {
			return nil, fmt.Errorf("corefile:%d: invalid reload jitter %q: %w", d.Line, d.Args[1], err)
		}
		rc.Jitter = jitter
	}

	return rc, nil
}
