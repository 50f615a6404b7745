// Package reload is the zero-downtime reload controller (C8, spec.md
// §4.8): a background actor that polls the Corefile on an interval (with
// jitter, an fsnotify fast path, and a SIGHUP fast path), computes its
// SHA-512 content hash, and on change parses a new snapshot and hands it
// to a caller-supplied reconciler.
package reload

import (
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/semihalev/log"

	"github.com/pollguard/pollguard/corefile"
)

// Controller owns the live Corefile snapshot and watches for changes.
type Controller struct {
	path     string
	interval time.Duration
	jitter   time.Duration

	current  atomic.Pointer[corefile.Config]
	onChange func(old, next *corefile.Config)

	watcher *fsnotify.Watcher
	sighup  chan os.Signal
	stop    chan struct{}
	done    chan struct{}
}

// New returns a Controller seeded with initial, watching path. onChange
// is called with the old and new snapshot every time the content hash
// changes and the new file parses successfully; it is never called on a
// parse failure, which instead logs and keeps the current snapshot
// (spec.md §4.8 step 1).
func New(path string, interval, jitter time.Duration, initial *corefile.Config, onChange func(old, next *corefile.Config)) *Controller {
	c := &Controller{
		path:     path,
		interval: interval,
		jitter:   jitter,
		onChange: onChange,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.current.Store(initial)

	if watcher, err := fsnotify.NewWatcher(); err == nil {
		if err := watcher.Add(filepath.Dir(path)); err == nil {
			c.watcher = watcher
		} else {
			_ = watcher.Close()
			log.Warn("reload: fsnotify watch failed, falling back to interval polling only", "path", path, "error", err.Error())
		}
	}

	c.sighup = make(chan os.Signal, 1)
	signal.Notify(c.sighup, syscall.SIGHUP)

	return c
}

// Current returns the live snapshot.
func (c *Controller) Current() *corefile.Config {
	return c.current.Load()
}

// Run drives the controller's poll/watch loop until Stop is called.
func (c *Controller) Run() {
	defer close(c.done)

	ticker := time.NewTicker(c.nextInterval())
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-c.sighup:
			log.Info("reload: SIGHUP received, forcing immediate reload check")
			c.checkAndReload()
			ticker.Reset(c.nextInterval())
		case ev, ok := <-c.fsEvents():
			if !ok {
				continue
			}
			if filepath.Clean(ev.Name) == filepath.Clean(c.path) {
				c.checkAndReload()
			}
		case err, ok := <-c.fsErrors():
			if !ok {
				continue
			}
			log.Warn("reload: fsnotify watcher error", "error", err.Error())
		case <-ticker.C:
			c.checkAndReload()
			ticker.Reset(c.nextInterval())
		}
	}
}

// Stop halts the poll/watch loop and releases the fsnotify watcher and
// signal registration.
func (c *Controller) Stop() {
	close(c.stop)
	<-c.done
	if c.watcher != nil {
		_ = c.watcher.Close()
	}
	signal.Stop(c.sighup)
}

func (c *Controller) fsEvents() chan fsnotify.Event {
	if c.watcher == nil {
		return nil
	}
	return c.watcher.Events
}

func (c *Controller) fsErrors() chan error {
	if c.watcher == nil {
		return nil
	}
	return c.watcher.Errors
}

func (c *Controller) nextInterval() time.Duration {
	if c.jitter <= 0 {
		return c.interval
	}
	return c.interval + time.Duration(rand.Int63n(int64(c.jitter)))
}

func (c *Controller) checkAndReload() {
	src, err := os.ReadFile(c.path)
	if err != nil {
		log.Error("reload: failed to read corefile", "path", c.path, "error", err.Error())
		return
	}

	old := c.current.Load()
	newHash := corefile.Hash(src)
	if old != nil && newHash == old.Hash {
		return
	}

	next, err := corefile.Parse(src)
	if err != nil {
		log.Error("reload: corefile parse failed, keeping current snapshot", "path", c.path, "error", err.Error())
		return
	}

	c.current.Store(next)
	if c.onChange != nil {
		c.onChange(old, next)
	}
}
