package persist

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ritzau/mapsync/pkg/metrics"
	"github.com/ritzau/mapsync/pkg/model"
)

// blockingSaver lets a test hold a write in flight.
type blockingSaver struct {
	mu       sync.Mutex
	saved    []*model.Graph
	inFlight int
	maxPar   int
	release  chan struct{}
	started  chan struct{}
	err      error
}

func newBlockingSaver() *blockingSaver {
	return &blockingSaver{release: make(chan struct{}), started: make(chan struct{}, 16)}
}

func (s *blockingSaver) save(ctx context.Context, g *model.Graph) error {
	s.mu.Lock()
	s.inFlight++
	if s.inFlight > s.maxPar {
		s.maxPar = s.inFlight
	}
	s.mu.Unlock()

	s.started <- struct{}{}
	<-s.release

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight--
	s.saved = append(s.saved, g)
	return s.err
}

func (s *blockingSaver) snapshot() ([]*model.Graph, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*model.Graph(nil), s.saved...), s.maxPar
}

func TestFlusherSerializesAndCollapses(t *testing.T) {
	saver := newBlockingSaver()
	f := NewFlusher(saver.save, nil, nil)
	f.Start(context.Background())

	first := model.NewGraph("m1", "first")
	f.Submit(first)
	<-saver.started

	// While the first write is held, queue two more; only the latest survives.
	f.Submit(model.NewGraph("m1", "second"))
	f.Submit(model.NewGraph("m1", "third"))

	close(saver.release)
	f.Close()

	saved, maxPar := saver.snapshot()
	require.Len(t, saved, 2)
	assert.Equal(t, "first", saved[0].Name)
	assert.Equal(t, "third", saved[1].Name)
	assert.Equal(t, 1, maxPar, "writes must never overlap")
}

func TestFlusherStampsRevision(t *testing.T) {
	clock := NewManualClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	var got *model.Graph
	done := make(chan struct{})
	f := NewFlusher(func(ctx context.Context, g *model.Graph) error {
		got = g
		close(done)
		return nil
	}, clock, nil)
	f.Start(context.Background())
	defer f.Close()

	submitted := model.NewGraph("m1", "Map")
	f.Submit(submitted)
	<-done

	require.NotNil(t, got)
	assert.NotEmpty(t, got.Revision)
	assert.Equal(t, clock.Now(), got.UpdatedAt)
	assert.Empty(t, submitted.Revision, "the submitted snapshot is not mutated")
	assert.True(t, f.Wrote(got.Revision))
	assert.False(t, f.Wrote("someone-else"))
	assert.False(t, f.Wrote(""))
}

func TestFlusherFailureIsCountedNotRetried(t *testing.T) {
	m := metrics.New("test")
	var mu sync.Mutex
	calls := 0
	f := NewFlusher(func(ctx context.Context, g *model.Graph) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return errors.New("disk full")
	}, nil, m)

	var results []error
	f.OnWrite = func(g *model.Graph, err error) { results = append(results, err) }
	f.Start(context.Background())
	f.Submit(model.NewGraph("m1", "Map"))
	f.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
	require.Len(t, results, 1)
	assert.EqualError(t, results[0], "disk full")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PersistWrites.WithLabelValues("error")))
}

func TestFlusherIgnoresSubmitAfterClose(t *testing.T) {
	calls := 0
	f := NewFlusher(func(ctx context.Context, g *model.Graph) error {
		calls++
		return nil
	}, nil, nil)
	f.Start(context.Background())
	f.Close()
	f.Submit(model.NewGraph("m1", "Map"))
	f.Close()
	assert.Equal(t, 0, calls)
}

func TestWriterFeedsFlusher(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	saved := make(chan *model.Graph, 4)
	f := NewFlusher(func(ctx context.Context, g *model.Graph) error {
		saved <- g
		return nil
	}, clock, nil)
	f.Start(context.Background())
	defer f.Close()

	g := model.NewGraph("m1", "Map")
	w := NewWriter("drag", DefaultDragWindow, clock, func() *model.Graph { return g }, f)
	w.Schedule()
	clock.Advance(DefaultDragWindow)

	select {
	case out := <-saved:
		assert.Equal(t, "m1", out.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("write never reached the save function")
	}
}
