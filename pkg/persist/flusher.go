package persist

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ritzau/mapsync/pkg/logging"
	"github.com/ritzau/mapsync/pkg/metrics"
	"github.com/ritzau/mapsync/pkg/model"
)

// SaveFunc performs one durable write of a complete document.
type SaveFunc func(ctx context.Context, g *model.Graph) error

// revisionMemory bounds how many of its own revisions a flusher remembers.
const revisionMemory = 64

// Flusher performs durable writes one at a time. Submissions made while a
// write is in flight collapse into a single latest-wins slot, so writes for
// one graph never overlap. Failures are logged and counted; there is no retry.
type Flusher struct {
	save    SaveFunc
	clock   Clock
	metrics *metrics.Collector

	mu        sync.Mutex
	pending   *model.Graph
	revisions []string
	closed    bool

	wake chan struct{}
	done chan struct{}

	// OnWrite, if set, is called after every write attempt from the flusher's goroutine.
	OnWrite func(g *model.Graph, err error)
}

// NewFlusher creates a flusher around save. A nil clock selects RealClock.
func NewFlusher(save SaveFunc, clock Clock, m *metrics.Collector) *Flusher {
	if clock == nil {
		clock = RealClock()
	}
	return &Flusher{
		save:    save,
		clock:   clock,
		metrics: m,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Start runs the write loop until ctx is cancelled or Close is called.
// A submission still pending at shutdown is written before the loop exits.
func (f *Flusher) Start(ctx context.Context) {
	go f.run(ctx)
}

func (f *Flusher) run(ctx context.Context) {
	defer close(f.done)
	for {
		select {
		case <-ctx.Done():
			f.drain(context.WithoutCancel(ctx))
			return
		case _, ok := <-f.wake:
			if !ok {
				f.drain(context.WithoutCancel(ctx))
				return
			}
			f.drain(ctx)
		}
	}
}

func (f *Flusher) drain(ctx context.Context) {
	for {
		f.mu.Lock()
		g := f.pending
		f.pending = nil
		f.mu.Unlock()
		if g == nil {
			return
		}
		f.write(ctx, g)
	}
}

func (f *Flusher) write(ctx context.Context, g *model.Graph) {
	doc := g.Clone()
	doc.Revision = uuid.New().String()
	doc.UpdatedAt = f.clock.Now().UTC()
	f.remember(doc.Revision)

	start := time.Now()
	err := f.save(ctx, doc)
	f.metrics.WriteDone(err, time.Since(start))
	if err != nil {
		logging.Warn("durable write failed", "map", doc.ID, "revision", doc.Revision, "error", err)
	} else {
		logging.Debug("durable write completed", "map", doc.ID, "revision", doc.Revision, "nodes", len(doc.Nodes))
	}
	if f.OnWrite != nil {
		f.OnWrite(doc, err)
	}
}

// Submit queues g for writing, replacing any queued but unwritten snapshot.
func (f *Flusher) Submit(g *model.Graph) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		logging.Warn("write submitted after flusher closed", "map", g.ID)
		return
	}
	f.pending = g
	select {
	case f.wake <- struct{}{}:
	default:
	}
	f.mu.Unlock()
}

func (f *Flusher) remember(rev string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revisions = append(f.revisions, rev)
	if len(f.revisions) > revisionMemory {
		f.revisions = f.revisions[len(f.revisions)-revisionMemory:]
	}
}

// Wrote reports whether rev was produced by this flusher.
func (f *Flusher) Wrote(rev string) bool {
	if rev == "" {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.revisions {
		if r == rev {
			return true
		}
	}
	return false
}

// Close stops accepting submissions, writes whatever is pending and waits
// for the loop to exit. Start must have been called.
func (f *Flusher) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		<-f.done
		return
	}
	f.closed = true
	close(f.wake)
	f.mu.Unlock()

	<-f.done
}
