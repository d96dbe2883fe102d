package collab

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ritzau/mapsync/pkg/model"
	"github.com/ritzau/mapsync/pkg/persist"
	"github.com/ritzau/mapsync/pkg/realtime"
	"github.com/ritzau/mapsync/pkg/store"
)

// fakeChannel records outbound traffic and lets the test inject frames.
type fakeChannel struct {
	mu      sync.Mutex
	tracked []model.PresenceRecord
	sent    []realtime.Frame
	frames  chan realtime.Frame
	closed  bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{frames: make(chan realtime.Frame, 16)}
}

func (c *fakeChannel) Track(ctx context.Context, meta model.PresenceRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracked = append(c.tracked, meta)
	return nil
}

func (c *fakeChannel) Untrack(ctx context.Context) error { return nil }

func (c *fakeChannel) Send(ctx context.Context, event string, payload any) error {
	f, err := realtime.Broadcast(event, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, f)
	return nil
}

func (c *fakeChannel) Frames() <-chan realtime.Frame { return c.frames }

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) sentEvents(event string) []realtime.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []realtime.Frame
	for _, f := range c.sent {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

func (c *fakeChannel) inject(t *testing.T, event string, payload any, sender string) {
	t.Helper()
	f, err := realtime.Broadcast(event, payload)
	require.NoError(t, err)
	f.Sender = sender
	c.frames <- f
}

// countingStore counts saves on top of the memory store.
type countingStore struct {
	*store.Memory
	mu    sync.Mutex
	saves []*model.Graph
}

func (s *countingStore) Save(ctx context.Context, g *model.Graph) error {
	s.mu.Lock()
	s.saves = append(s.saves, g)
	s.mu.Unlock()
	return s.Memory.Save(ctx, g)
}

func (s *countingStore) saved() []*model.Graph {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*model.Graph(nil), s.saves...)
}

type harness struct {
	session *Session
	store   *countingStore
	channel *fakeChannel
	clock   *persist.ManualClock
	cancel  context.CancelFunc
	done    chan error
}

func startSession(t *testing.T, self string) *harness {
	t.Helper()
	mem := store.NewMemory()
	require.NoError(t, mem.Save(context.Background(), testGraph()))
	mem.PutProfile(context.Background(), model.Participant{ID: "ada", Username: "Ada"})
	mem.AddMember(context.Background(), "m1", "ada")
	mem.AddMember(context.Background(), "m1", self)

	h := &harness{
		store:   &countingStore{Memory: mem},
		channel: newFakeChannel(),
		clock:   persist.NewManualClock(testNow),
		done:    make(chan error, 1),
	}

	s, err := Open(context.Background(), Config{
		MapID: "m1",
		Self:  NewIdentity(self, self+"-name"),
		Clock: h.clock,
	}, h.store, mem, h.channel)
	require.NoError(t, err)
	h.session = s

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- s.Run(ctx) }()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.cancel()
	<-h.done
	h.done <- nil
}

func (h *harness) waitSaves(t *testing.T, n int) []*model.Graph {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.store.saved()) >= n }, 2*time.Second, 5*time.Millisecond)
	return h.store.saved()
}

func TestOpenLoadFailure(t *testing.T) {
	_, err := Open(context.Background(), Config{MapID: "missing", Self: NewIdentity("me", "me")},
		store.NewMemory(), nil, newFakeChannel())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSessionTracksPresence(t *testing.T) {
	h := startSession(t, "me")
	require.Eventually(t, func() bool {
		h.channel.mu.Lock()
		defer h.channel.mu.Unlock()
		return len(h.channel.tracked) == 1
	}, time.Second, 5*time.Millisecond)

	h.channel.mu.Lock()
	meta := h.channel.tracked[0]
	h.channel.mu.Unlock()
	assert.Equal(t, "me", meta.ParticipantID)
	assert.Equal(t, "me-name", meta.Username)
	assert.Equal(t, model.ColorFor("me"), meta.Color)
}

func TestSessionEditBurstWritesOnce(t *testing.T) {
	h := startSession(t, "me")
	ctx := context.Background()

	require.NoError(t, h.session.BeginEdit(ctx, "1"))
	for _, text := range []string{"a", "ab", "abc"} {
		require.NoError(t, h.session.EditInput(ctx, "1", text))
	}
	assert.Equal(t, 0, h.session.Stats().EditSchedules)

	require.NoError(t, h.session.CommitEdit(ctx, "1"))
	require.NoError(t, h.session.SetNote(ctx, "1", "note"))
	require.NoError(t, h.session.Rename(ctx, "Renamed"))
	assert.Equal(t, 3, h.session.Stats().EditSchedules)

	h.clock.Advance(persist.DefaultEditWindow - time.Millisecond)
	assert.Empty(t, h.store.saved())
	h.clock.Advance(time.Millisecond)

	saves := h.waitSaves(t, 1)
	require.Len(t, saves, 1)
	n, _ := saves[0].Node("1")
	assert.Equal(t, "abc", n.Title)
	assert.Equal(t, "note", saves[0].Notes["1"])
	assert.Equal(t, "Renamed", saves[0].Name)
	assert.Empty(t, h.channel.sentEvents(realtime.EventDrag), "edits are not broadcast")
}

func TestSessionDragScenario(t *testing.T) {
	h := startSession(t, "x")
	ctx := context.Background()

	require.NoError(t, h.session.DragMove(ctx, "1", model.Position{X: 30, Y: 20}))
	h.channel.inject(t, realtime.EventDrag, realtime.DragPayload{ParticipantID: "y", NodeID: "1", X: 30, Y: 30}, "y")
	require.Eventually(t, func() bool {
		v := h.session.View()
		return len(v.Nodes) > 0 && v.Nodes[0].Live && v.Nodes[0].Display == model.Position{X: 30, Y: 30}
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, h.session.DragStop(ctx, "1", model.Position{X: 50, Y: 50}))
	assert.Equal(t, 1, h.session.Stats().DragSchedules)
	assert.Equal(t, 0, h.session.Stats().EditSchedules)

	h.clock.Advance(persist.DefaultDragWindow)
	saves := h.waitSaves(t, 1)
	require.Len(t, saves, 1)
	n, _ := saves[0].Node("1")
	assert.Equal(t, model.Position{X: 50, Y: 50}, n.Position)

	drags := h.channel.sentEvents(realtime.EventDrag)
	require.Len(t, drags, 2, "one drag move and the drag stop")
	var last realtime.DragPayload
	require.NoError(t, json.Unmarshal(drags[1].Payload, &last))
	assert.Equal(t, 50.0, last.X)

	v := h.session.View()
	assert.False(t, v.Nodes[0].Live)
	assert.Equal(t, model.Position{X: 50, Y: 50}, v.Nodes[0].Display)
}

func TestSessionSkipsOwnDurableEcho(t *testing.T) {
	h := startSession(t, "me")
	ctx := context.Background()

	require.NoError(t, h.session.Rename(ctx, "Mine"))
	h.clock.Advance(persist.DefaultEditWindow)
	saves := h.waitSaves(t, 1)
	require.NotEmpty(t, saves[0].Revision)

	// The change feed echoes our own write; it must not replace the snapshot.
	require.Never(t, func() bool { return h.session.View().Revision != "" }, 100*time.Millisecond, 5*time.Millisecond)

	// A write by someone else replaces the snapshot wholesale.
	other := testGraph()
	other.Name = "Theirs"
	other.Revision = "someone-else"
	require.NoError(t, h.store.Memory.Save(ctx, other))
	require.Eventually(t, func() bool { return h.session.View().Name == "Theirs" }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "someone-else", h.session.View().Revision)
}

func TestSessionCursorBroadcastRateLimited(t *testing.T) {
	h := startSession(t, "me")
	vp := model.Viewport{X: 10, Y: 20, Zoom: 2}

	for i := 0; i < 5; i++ {
		h.session.PointerMove(110, 220, vp)
		// Wait until the event is consumed so the queue never drops it.
		require.Eventually(t, func() bool { return len(h.session.pointer) == 0 }, time.Second, time.Millisecond)
	}
	h.clock.Advance(50 * time.Millisecond)
	h.session.PointerMove(110, 220, vp)

	require.Eventually(t, func() bool { return len(h.channel.sentEvents(realtime.EventCursor)) == 2 }, time.Second, 5*time.Millisecond)
	var p realtime.CursorPayload
	require.NoError(t, json.Unmarshal(h.channel.sentEvents(realtime.EventCursor)[0].Payload, &p))
	assert.Equal(t, realtime.CursorPayload{ParticipantID: "me", Username: "me-name", Color: model.ColorFor("me"), X: 50, Y: 100}, p)
}

func TestSessionInboundCursorsAndVisibility(t *testing.T) {
	h := startSession(t, "me")
	ctx := context.Background()

	h.channel.inject(t, realtime.EventCursor, realtime.CursorPayload{ParticipantID: "me", X: 1, Y: 1}, "me")
	h.channel.inject(t, realtime.EventCursor, realtime.CursorPayload{ParticipantID: "ada", X: 2, Y: 2}, "ada")
	h.channel.inject(t, realtime.EventCursor, realtime.CursorPayload{X: 3}, "bob")
	require.Eventually(t, func() bool { return len(h.session.View().Cursors) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "ada", h.session.View().Cursors[0].ParticipantID)

	require.NoError(t, h.session.SetShowSelf(ctx, true))
	h.session.PointerMove(5, 5, model.Viewport{Zoom: 1})
	require.Eventually(t, func() bool { return len(h.session.View().Cursors) == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.session.SetShowOthers(ctx, false))
	cursors := h.session.View().Cursors
	require.Len(t, cursors, 1)
	assert.Equal(t, "me", cursors[0].ParticipantID)
}

func TestSessionPresenceSync(t *testing.T) {
	h := startSession(t, "me")

	h.channel.inject(t, realtime.EventCursor, realtime.CursorPayload{ParticipantID: "ada", X: 2, Y: 2}, "ada")
	h.channel.frames <- realtime.Frame{Type: realtime.TypePresenceSync, Presence: realtime.PresenceState{
		"c1": {{ParticipantID: "me", Username: "me-name"}},
		"c2": {{ParticipantID: "ada", Username: "Ada"}},
	}}
	require.Eventually(t, func() bool {
		for _, p := range h.session.View().Participants {
			if p.ID == "ada" && p.Online && p.Username == "Ada" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, h.session.View().Cursors, 1)

	// ada drops out of presence: her cursor goes with her.
	h.channel.frames <- realtime.Frame{Type: realtime.TypePresenceSync, Presence: realtime.PresenceState{
		"c1": {{ParticipantID: "me", Username: "me-name"}},
	}}
	require.Eventually(t, func() bool { return len(h.session.View().Cursors) == 0 }, time.Second, 5*time.Millisecond)
}

func TestSessionExpiresStaleCursors(t *testing.T) {
	h := startSession(t, "me")

	h.channel.inject(t, realtime.EventCursor, realtime.CursorPayload{ParticipantID: "ada", X: 2, Y: 2}, "ada")
	require.Eventually(t, func() bool { return len(h.session.View().Cursors) == 1 }, time.Second, 5*time.Millisecond)

	h.clock.Advance(DefaultStaleAfter + DefaultStaleAfter/2)
	require.Eventually(t, func() bool { return len(h.session.View().Cursors) == 0 }, time.Second, 5*time.Millisecond)
}

func TestSessionShutdownFlushes(t *testing.T) {
	h := startSession(t, "me")
	require.NoError(t, h.session.Rename(context.Background(), "Before exit"))

	h.cancel()
	require.NoError(t, <-h.done)
	h.done <- nil

	saves := h.store.saved()
	require.Len(t, saves, 1)
	assert.Equal(t, "Before exit", saves[0].Name)

	assert.ErrorIs(t, h.session.Rename(context.Background(), "late"), ErrSessionClosed)
	h.channel.mu.Lock()
	assert.True(t, h.channel.closed)
	h.channel.mu.Unlock()
}

func TestSubscribe(t *testing.T) {
	h := startSession(t, "me")
	views, cancel := h.session.Subscribe()
	defer cancel()

	require.NoError(t, h.session.Rename(context.Background(), "Watched"))
	select {
	case v := <-views:
		assert.Equal(t, "Watched", v.Name)
	case <-time.After(time.Second):
		t.Fatal("no view delivered")
	}
}

// openIdle opens a session without running it, so the test owns its queues.
func openIdle(t *testing.T, mem *store.Memory, dir store.Directory) (*Session, *persist.ManualClock) {
	t.Helper()
	require.NoError(t, mem.Save(context.Background(), testGraph()))
	clock := persist.NewManualClock(testNow)
	s, err := Open(context.Background(), Config{
		MapID: "m1",
		Self:  NewIdentity("me", "me-name"),
		Clock: clock,
	}, mem, dir, newFakeChannel())
	require.NoError(t, err)
	return s, clock
}

func TestSweepWaitsForRoomInQueue(t *testing.T) {
	s, clock := openIdle(t, store.NewMemory(), nil)
	for i := 0; i < cap(s.internal); i++ {
		s.internal <- struct{}{}
	}
	s.armSweep()

	fired := make(chan struct{})
	go func() {
		clock.Advance(DefaultStaleAfter)
		close(fired)
	}()

	for i := 0; i < cap(s.internal); i++ {
		assert.Equal(t, struct{}{}, <-s.internal)
	}
	select {
	case ev := <-s.internal:
		assert.IsType(t, sweep{}, ev)
	case <-time.After(time.Second):
		t.Fatal("sweep was dropped while the queue was full")
	}
	<-fired
}

func TestProfileLookupEndsWithSession(t *testing.T) {
	mem := store.NewMemory()
	require.NoError(t, mem.PutProfile(context.Background(), model.Participant{ID: "ada", Username: "Ada"}))
	s, _ := openIdle(t, mem, mem)
	for i := 0; i < cap(s.internal); i++ {
		s.internal <- struct{}{}
	}
	close(s.done)

	s.requestProfile(context.Background(), "ada")

	finished := make(chan struct{})
	go func() {
		s.lookupWG.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("profile lookup outlived the session")
	}
}
