package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/semihalev/log"
	"golang.org/x/sync/errgroup"

	"github.com/pollguard/pollguard/corefile"
	"github.com/pollguard/pollguard/reload"
)

const version = "0.1.0"

const (
	defaultReloadGrace  = 5 * time.Second
	defaultPollInterval = 5 * time.Second
)

var (
	flagConfigPath = flag.String("config", "./Corefile", "location of the Corefile")
	flagPrintVer   = flag.Bool("v", false, "show version information")
)

func init() {
	runtime.GOMAXPROCS(runtime.NumCPU())

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS]\n\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "Options:")
		flag.PrintDefaults()
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Example:")
		fmt.Fprintf(os.Stderr, "  %s -config=./Corefile\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "")
	}
}

func main() {
	flag.Parse()

	if *flagPrintVer {
		fmt.Println("dnsgate v" + version)
		os.Exit(0)
	}

	log.Root().SetHandler(log.LvlFilterHandler(log.LvlInfo, log.StdoutHandler))

	defer func() {
		if r := recover(); r != nil {
			log.Crit("main: unexpected fatal error", "panic", r)
			os.Exit(2)
		}
	}()

	initial, err := corefile.Load(*flagConfigPath)
	if err != nil {
		log.Crit("main: failed to load corefile", "path", *flagConfigPath, "error", err.Error())
		os.Exit(1)
	}

	manager := reload.NewManager(buildBlock, defaultReloadGrace)
	if errs := manager.Reconcile(initial); len(errs) > 0 {
		for _, e := range errs {
			log.Crit("main: failed to bind server block at startup", "error", e.Error())
		}
		os.Exit(1)
	}

	reloadCfg := firstReloadConfig(initial)
	controller := reload.New(*flagConfigPath, reloadCfg.Interval, reloadCfg.Jitter, initial, func(old, next *corefile.Config) {
		log.Info("main: corefile changed, reconciling server blocks", "path", *flagConfigPath)
		manager.Reconcile(next)
	})

	log.Info("main: dnsgate starting", "version", version, "config", *flagConfigPath, "blocks", len(initial.Blocks))

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		controller.Run()
		return nil
	})

	g.Go(func() error {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sig)

		select {
		case s := <-sig:
			log.Info("main: signal received, shutting down", "signal", s.String())
		case <-gctx.Done():
		}
		controller.Stop()
		return nil
	})

	_ = g.Wait()

	manager.Shutdown()
	cancel()

	log.Info("main: dnsgate stopped")
}

// firstReloadConfig returns the first "reload" directive's settings found
// across cfg's server blocks, or spec.md §4.8's defaults if none declared
// one; the reload controller itself is process-wide, not per-block.
func firstReloadConfig(cfg *corefile.Config) *corefile.ReloadConfig {
	for _, b := range cfg.Blocks {
		for _, p := range b.Plugins {
			if p.Kind == corefile.KindReload && p.Reload != nil {
				return p.Reload
			}
		}
	}
	return &corefile.ReloadConfig{Interval: defaultPollInterval}
}
