// Package consolidate implements the error consolidator (C5, spec.md
// §4.5): a per-"errors { consolidate }" actor that folds a window of
// matching log lines into a single aggregate line, passing everything
// else through untouched and in order.
package consolidate

import (
	"fmt"
	"regexp"
	"time"

	"github.com/semihalev/log"
)

// Handler wraps a downstream log.Handler, filtering lines that match
// pattern out of the stream and replacing each window's worth of them
// with one aggregate line.
type Handler struct {
	next    log.Handler
	window  time.Duration
	pattern *regexp.Regexp
	level   log.Lvl

	records chan *log.Record
	stop    chan struct{}
	done    chan struct{}
}

// New starts the consolidator's actor goroutine and returns a Handler
// ready to be installed in place of next (e.g. via log.Root().SetHandler).
func New(next log.Handler, window time.Duration, pattern *regexp.Regexp, level string) *Handler {
	h := &Handler{
		next:    next,
		window:  window,
		pattern: pattern,
		level:   levelFromString(level),
		records: make(chan *log.Record, 256),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go h.run()
	return h
}

// Log implements log.Handler. It never blocks the caller: under
// sustained backpressure it drops rather than stalls the logging path.
func (h *Handler) Log(r *log.Record) error {
	select {
	case h.records <- r:
	default:
	}
	return nil
}

// Close stops the actor goroutine, flushing a final aggregate line if
// any matches are pending.
func (h *Handler) Close() {
	close(h.stop)
	<-h.done
}

func (h *Handler) run() {
	defer close(h.done)

	ticker := time.NewTicker(h.window)
	defer ticker.Stop()

	var count int64
	for {
		select {
		case <-h.stop:
			if count > 0 {
				h.emit(count)
			}
			return
		case r := <-h.records:
			if h.pattern.MatchString(formatRecord(r)) {
				count++
				continue
			}
			_ = h.next.Log(r)
		case <-ticker.C:
			if count > 0 {
				h.emit(count)
				count = 0
			}
		}
	}
}

func (h *Handler) emit(count int64) {
	_ = h.next.Log(&log.Record{
		Time: time.Now(),
		Lvl:  h.level,
		Msg:  fmt.Sprintf("%d occurrences of %q suppressed", count, h.pattern.String()),
	})
}

func formatRecord(r *log.Record) string {
	s := r.Msg
	for i := 0; i+1 < len(r.Ctx); i += 2 {
		s += fmt.Sprintf(" %v=%v", r.Ctx[i], r.Ctx[i+1])
	}
	return s
}

func levelFromString(s string) log.Lvl {
	lvl, err := log.LvlFromString(s)
	if err != nil {
		return log.LvlError
	}
	return lvl
}
