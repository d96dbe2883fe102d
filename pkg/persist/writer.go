// Package persist coalesces bursts of local graph mutations into infrequent
// durable writes.
package persist

import (
	"sync"
	"time"

	"github.com/ritzau/mapsync/pkg/logging"
	"github.com/ritzau/mapsync/pkg/model"
)

// Default quiet periods. Drag completion is a distinct event class from
// attribute edits and gets its own window.
const (
	DefaultEditWindow = 300 * time.Millisecond
	DefaultDragWindow = 250 * time.Millisecond
)

// Source returns the latest graph snapshot. It is called when a debounce
// window closes, from the timer's goroutine, so it must be safe for
// concurrent use.
type Source func() *model.Graph

// Sink accepts a snapshot to be written.
type Sink interface {
	Submit(g *model.Graph)
}

// Writer debounces write requests: every Schedule restarts a single quiet
// period timer, and when the period elapses without another Schedule the
// latest snapshot from Source is handed to the Sink exactly once.
type Writer struct {
	name   string
	quiet  time.Duration
	clock  Clock
	source Source
	sink   Sink

	mu        sync.Mutex
	timer     Timer
	gen       uint64
	pending   bool
	scheduled int
	fired     int
}

// NewWriter creates a debounced writer. A nil clock selects RealClock.
func NewWriter(name string, quiet time.Duration, clock Clock, source Source, sink Sink) *Writer {
	if clock == nil {
		clock = RealClock()
	}
	return &Writer{
		name:   name,
		quiet:  quiet,
		clock:  clock,
		source: source,
		sink:   sink,
	}
}

// Schedule cancels any unfired timer and starts a new quiet period.
func (w *Writer) Schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.gen++
	gen := w.gen
	w.pending = true
	w.scheduled++
	w.timer = w.clock.AfterFunc(w.quiet, func() { w.fire(gen) })
}

func (w *Writer) fire(gen uint64) {
	w.mu.Lock()
	if gen != w.gen || !w.pending {
		// Superseded by a later Schedule or cancelled.
		w.mu.Unlock()
		return
	}
	w.pending = false
	w.timer = nil
	w.fired++
	w.mu.Unlock()

	g := w.source()
	if g == nil {
		return
	}
	logging.Debug("debounce window closed", "writer", w.name, "map", g.ID, "nodes", len(g.Nodes))
	w.sink.Submit(g)
}

// Flush writes immediately if a window is open.
func (w *Writer) Flush() {
	w.mu.Lock()
	if !w.pending {
		w.mu.Unlock()
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	gen := w.gen
	w.mu.Unlock()

	w.fire(gen)
}

// Stop cancels an open window without writing.
func (w *Writer) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.pending = false
	w.gen++
}

// Pending reports whether a quiet period is running.
func (w *Writer) Pending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending
}

// Scheduled returns how many times Schedule has been called.
func (w *Writer) Scheduled() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.scheduled
}

// Fired returns how many windows closed and were handed to the sink.
func (w *Writer) Fired() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fired
}
