package store

import (
	"context"
	"slices"
	"time"

	"github.com/ritzau/mapsync/pkg/logging"
	"github.com/ritzau/mapsync/pkg/model"
)

// Poller turns a backend without push notifications into a change feed. A
// document is fetched only when its revision differs from the last one
// delivered.
type Poller struct {
	Interval time.Duration
	Last     string // revision the watcher already has

	// Local optionally carries documents written through this process so
	// they are delivered without waiting for the next tick.
	Local <-chan *model.Graph

	Revision func(ctx context.Context) (string, error)
	Load     func(ctx context.Context) (*model.Graph, error)
}

// Run starts polling. The returned channel is closed when ctx is cancelled.
func (p Poller) Run(ctx context.Context) <-chan *model.Graph {
	if p.Interval <= 0 {
		p.Interval = DefaultPollInterval
	}
	out := make(chan *model.Graph, watchBuffer)
	go func() {
		defer close(out)
		ticker := time.NewTicker(p.Interval)
		defer ticker.Stop()

		last := p.Last
		deliver := func(g *model.Graph) bool {
			if g.Revision != "" && g.Revision == last {
				return true
			}
			last = g.Revision
			select {
			case out <- g:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case g, ok := <-p.Local:
				if !ok {
					// Keep polling; a nil channel blocks forever.
					p.Local = nil
					continue
				}
				if !deliver(g) {
					return
				}
			case <-ticker.C:
				rev, err := p.Revision(ctx)
				if err != nil || rev == last {
					continue
				}
				g, err := p.Load(ctx)
				if err != nil {
					logging.Warn("failed to load changed map", "error", err)
					continue
				}
				if !deliver(g) {
					return
				}
			}
		}
	}()
	return out
}

// PollMembers re-reads a member list every interval and delivers it when it
// differs from the previous read.
func PollMembers(ctx context.Context, interval time.Duration, read func(ctx context.Context) ([]model.Participant, error)) <-chan []model.Participant {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	out := make(chan []model.Participant, watchBuffer)
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		last, _ := read(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				members, err := read(ctx)
				if err != nil || slices.Equal(members, last) {
					continue
				}
				last = members
				select {
				case out <- members:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
