package store

import (
	"context"
	"sync"

	"github.com/ritzau/mapsync/pkg/logging"
)

// feed fans values out to per-key subscribers without blocking the
// publisher. A subscriber that falls behind loses notifications.
type feed[T any] struct {
	mu   sync.Mutex
	subs map[string]map[chan T]struct{}
}

func newFeed[T any]() *feed[T] {
	return &feed[T]{subs: make(map[string]map[chan T]struct{})}
}

// subscribe returns a channel that is closed when ctx is cancelled.
func (f *feed[T]) subscribe(ctx context.Context, key string) <-chan T {
	ch := make(chan T, watchBuffer)

	f.mu.Lock()
	if f.subs[key] == nil {
		f.subs[key] = make(map[chan T]struct{})
	}
	f.subs[key][ch] = struct{}{}
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs[key], ch)
		if len(f.subs[key]) == 0 {
			delete(f.subs, key)
		}
		close(ch)
	}()
	return ch
}

func (f *feed[T]) publish(key string, v T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs[key] {
		select {
		case ch <- v:
		default:
			logging.Warn("change feed full, dropping notification", "key", key)
		}
	}
}

func (f *feed[T]) subscribers(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[key])
}
