package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ritzau/mapsync/pkg/logging"
	"github.com/ritzau/mapsync/pkg/metrics"
	"github.com/ritzau/mapsync/pkg/model"
	"github.com/ritzau/mapsync/pkg/persist"
	"github.com/ritzau/mapsync/pkg/ratelimit"
	"github.com/ritzau/mapsync/pkg/realtime"
	"github.com/ritzau/mapsync/pkg/store"
)

// DefaultStaleAfter is how long a peer cursor or drag override survives
// without a refresh.
const DefaultStaleAfter = 30 * time.Second

const (
	localQueue    = 64
	pointerQueue  = 16
	internalQueue = 64
	shutdownGrace = 5 * time.Second
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrChannelClosed = errors.New("channel closed")
)

// Channel is the session's connection to the pub/sub transport.
type Channel interface {
	// Track announces presence metadata for this connection.
	Track(ctx context.Context, meta model.PresenceRecord) error
	Untrack(ctx context.Context) error
	// Send broadcasts a named event to every subscriber, the sender included.
	Send(ctx context.Context, event string, payload any) error
	// Frames delivers inbound frames and is closed when the channel ends.
	Frames() <-chan realtime.Frame
	Close() error
}

// Config configures a session.
type Config struct {
	MapID      string
	Self       Identity
	FPS        int
	EditWindow time.Duration
	DragWindow time.Duration
	StaleAfter time.Duration
	Clock      persist.Clock
	Metrics    *metrics.Collector
}

func (c Config) withDefaults() Config {
	if c.FPS == 0 {
		c.FPS = ratelimit.DefaultFPS
	}
	if c.EditWindow == 0 {
		c.EditWindow = persist.DefaultEditWindow
	}
	if c.DragWindow == 0 {
		c.DragWindow = persist.DefaultDragWindow
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.Clock == nil {
		c.Clock = persist.RealClock()
	}
	if c.Self.Color == "" {
		c.Self.Color = model.ColorFor(c.Self.ID)
	}
	return c
}

// View is the render model handed to the canvas after every change.
type View struct {
	MapID        string                 `json:"mapId"`
	Name         string                 `json:"name"`
	Description  string                 `json:"description"`
	Nodes        []NodeView             `json:"nodes"`
	Edges        []model.Edge           `json:"edges"`
	Cursors      []model.CursorPosition `json:"cursors"`
	Participants []model.Participant    `json:"participants"`
	UpdatedAt    time.Time              `json:"updatedAt"`
	Revision     string                 `json:"revision,omitempty"`
}

// Stats counts persistence activity of a session.
type Stats struct {
	EditSchedules int
	DragSchedules int
	EditFlushes   int
	DragFlushes   int
}

// Session is one participant's live connection to one map. All state is
// owned by the goroutine running Run; the public methods post events to it.
type Session struct {
	cfg     Config
	store   store.Store
	dir     store.Directory
	ch      Channel
	metrics *metrics.Collector

	sync    *Synchronizer
	overlay *Overlay
	roster  *Roster
	limiter *ratelimit.Limiter

	flusher    *persist.Flusher
	editWriter *persist.Writer
	dragWriter *persist.Writer
	current    atomic.Pointer[model.Graph]

	local    chan command
	pointer  chan pointerMove
	internal chan any
	done     chan struct{}

	lookups    map[string]bool
	lookupWG   sync.WaitGroup
	sweepTimer persist.Timer

	viewMu sync.RWMutex
	view   View
	subMu  sync.Mutex
	subs   map[chan View]struct{}
}

// Open loads the map and prepares a session. A load failure is returned
// and no session is created. Call Run to start it.
func Open(ctx context.Context, cfg Config, st store.Store, dir store.Directory, ch Channel) (*Session, error) {
	cfg = cfg.withDefaults()
	if cfg.MapID == "" || cfg.Self.ID == "" {
		return nil, fmt.Errorf("session needs a map id and a participant id")
	}

	g, err := st.Load(ctx, cfg.MapID)
	if err != nil {
		return nil, fmt.Errorf("failed to load map %s: %w", cfg.MapID, err)
	}

	overlay := NewOverlay(cfg.Self.ID)
	s := &Session{
		cfg:      cfg,
		store:    st,
		dir:      dir,
		ch:       ch,
		metrics:  cfg.Metrics,
		sync:     NewSynchronizer(cfg.Self, g, overlay, cfg.Clock.Now),
		overlay:  overlay,
		roster:   NewRoster(),
		limiter:  ratelimit.New(cfg.FPS),
		local:    make(chan command, localQueue),
		pointer:  make(chan pointerMove, pointerQueue),
		internal: make(chan any, internalQueue),
		done:     make(chan struct{}),
		lookups:  make(map[string]bool),
		subs:     make(map[chan View]struct{}),
	}
	s.current.Store(g)

	s.flusher = persist.NewFlusher(st.Save, cfg.Clock, cfg.Metrics)
	s.editWriter = persist.NewWriter("edit", cfg.EditWindow, cfg.Clock, s.current.Load, s.flusher)
	s.dragWriter = persist.NewWriter("drag", cfg.DragWindow, cfg.Clock, s.current.Load, s.flusher)

	if dir != nil {
		members, err := dir.Members(ctx, cfg.MapID)
		if err != nil {
			logging.WarnContext(ctx, "failed to load members", "map", cfg.MapID, "error", err)
		} else {
			s.roster.SetMembers(members)
		}
	}

	s.refreshView()
	logging.InfoContext(ctx, "session opened", "map", cfg.MapID, "participant", cfg.Self.ID, "nodes", len(g.Nodes), "edges", len(g.Edges))
	return s, nil
}

// Run processes events until ctx is cancelled or the channel closes. On
// return pending writes are flushed, presence is withdrawn and the channel
// is closed.
func (s *Session) Run(ctx context.Context) error {
	s.flusher.Start(context.WithoutCancel(ctx))
	defer s.shutdown(ctx)

	meta := model.PresenceRecord{
		ParticipantID: s.cfg.Self.ID,
		Username:      s.cfg.Self.Username,
		Color:         s.cfg.Self.Color,
		OnlineAt:      s.cfg.Clock.Now().UTC(),
	}
	if err := s.ch.Track(ctx, meta); err != nil {
		logging.WarnContext(ctx, "failed to track presence", "map", s.cfg.MapID, "error", err)
	}

	snapshots, err := s.store.Watch(ctx, s.cfg.MapID)
	if err != nil {
		logging.WarnContext(ctx, "durable change feed unavailable", "map", s.cfg.MapID, "error", err)
	}
	var members <-chan []model.Participant
	if s.dir != nil {
		if members, err = s.dir.WatchMembers(ctx, s.cfg.MapID); err != nil {
			logging.WarnContext(ctx, "member change feed unavailable", "map", s.cfg.MapID, "error", err)
		}
	}

	for _, n := range s.sync.Graph().Nodes {
		s.requestProfile(ctx, n.CreatedBy)
	}
	s.armSweep()

	frames := s.ch.Frames()
	for {
		select {
		case <-ctx.Done():
			return nil

		case cmd := <-s.local:
			eff, err := cmd.apply(s.sync)
			if err == nil {
				s.dispatch(ctx, eff)
			}
			cmd.reply <- err

		case pm := <-s.pointer:
			s.handlePointer(ctx, pm)

		case f, ok := <-frames:
			if !ok {
				logging.WarnContext(ctx, "channel closed", "map", s.cfg.MapID)
				return ErrChannelClosed
			}
			s.handleFrame(ctx, f)

		case g, ok := <-snapshots:
			if !ok {
				snapshots = nil
				continue
			}
			s.handleSnapshot(ctx, g)

		case ms, ok := <-members:
			if !ok {
				members = nil
				continue
			}
			s.roster.SetMembers(ms)
			s.refreshView()

		case ev := <-s.internal:
			s.handleInternal(ctx, ev)
		}
	}
}

func (s *Session) shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()

	if s.sweepTimer != nil {
		s.sweepTimer.Stop()
	}
	s.editWriter.Flush()
	s.dragWriter.Flush()
	s.flusher.Close()

	if err := s.ch.Untrack(ctx); err != nil {
		logging.Debug("untrack failed", "map", s.cfg.MapID, "error", err)
	}
	_ = s.ch.Close()
	close(s.done)

	s.subMu.Lock()
	for ch := range s.subs {
		close(ch)
	}
	s.subs = nil
	s.subMu.Unlock()

	logging.Info("session closed", "map", s.cfg.MapID, "participant", s.cfg.Self.ID)
}

// dispatch performs the side effects of a state transition.
func (s *Session) dispatch(ctx context.Context, eff Effects) {
	if eff.Dropped != "" {
		s.metrics.Dropped(eff.Dropped)
	}
	if eff.Changed {
		s.current.Store(s.sync.Graph())
	}
	switch eff.Persist {
	case WindowEdit:
		s.editWriter.Schedule()
	case WindowDrag:
		s.dragWriter.Schedule()
	}
	if eff.Broadcast != nil {
		if err := s.ch.Send(ctx, eff.Broadcast.Event, eff.Broadcast.Payload); err != nil {
			logging.Trace("broadcast dropped", "event", eff.Broadcast.Event, "error", err)
			s.metrics.Dropped(metrics.ReasonSlowClient)
		} else {
			s.metrics.BroadcastSent(eff.Broadcast.Event)
		}
	}
	if eff.Changed {
		s.refreshView()
	}
}

func (s *Session) handlePointer(ctx context.Context, pm pointerMove) {
	send := s.limiter.Allow(s.cfg.Clock.Now())
	if !send {
		s.metrics.Dropped(metrics.ReasonRateLimited)
		if !s.overlay.ShowSelf() {
			return
		}
	}
	pos := pm.viewport.ToGraph(pm.x, pm.y)
	s.dispatch(ctx, s.sync.MoveLocalCursor(pos, send))
}

func (s *Session) handleFrame(ctx context.Context, f realtime.Frame) {
	s.metrics.FrameReceived(string(f.Type))

	switch f.Type {
	case realtime.TypeBroadcast:
		s.handleBroadcast(ctx, f)

	case realtime.TypePresenceSync:
		joined, left := s.roster.Sync(f.Presence)
		for _, id := range left {
			s.overlay.RemoveParticipant(id)
			logging.DebugContext(ctx, "participant left", "map", s.cfg.MapID, "participant", id)
		}
		for _, id := range joined {
			s.requestProfile(ctx, id)
			logging.DebugContext(ctx, "participant joined", "map", s.cfg.MapID, "participant", id)
		}
		s.refreshView()

	case realtime.TypeJoined:
		logging.DebugContext(ctx, "joined channel", "channel", f.Channel, "as", f.Sender)

	case realtime.TypeError:
		logging.WarnContext(ctx, "channel error", "map", s.cfg.MapID, "error", f.Error)
	}
}

func (s *Session) handleBroadcast(ctx context.Context, f realtime.Frame) {
	switch f.Event {
	case realtime.EventCursor:
		var p realtime.CursorPayload
		if err := realtime.DecodePayload(f.Payload, &p); err != nil {
			s.discard(ctx, f, err)
			return
		}
		s.dispatch(ctx, s.sync.ReceiveCursor(p, f.Sender))

	case realtime.EventDrag:
		var p realtime.DragPayload
		if err := realtime.DecodePayload(f.Payload, &p); err != nil {
			s.discard(ctx, f, err)
			return
		}
		s.dispatch(ctx, s.sync.ReceiveDrag(p, f.Sender))

	default:
		logging.TraceContext(ctx, "ignoring broadcast", "event", f.Event)
	}
}

func (s *Session) discard(ctx context.Context, f realtime.Frame, err error) {
	s.metrics.Dropped(metrics.ReasonInvalid)
	logging.DebugContext(ctx, "discarding broadcast", "event", f.Event, "sender", f.Sender, "error", err)
}

func (s *Session) handleSnapshot(ctx context.Context, g *model.Graph) {
	if g == nil || g.ID != s.cfg.MapID {
		return
	}
	if s.flusher.Wrote(g.Revision) {
		logging.TraceContext(ctx, "skipping own write", "map", g.ID, "revision", g.Revision)
		return
	}
	logging.DebugContext(ctx, "applying remote snapshot", "map", g.ID, "revision", g.Revision, "nodes", len(g.Nodes))
	s.dispatch(ctx, s.sync.ApplyRemoteSnapshot(g))
	for _, n := range g.Nodes {
		s.requestProfile(ctx, n.CreatedBy)
	}
}

func (s *Session) handleInternal(ctx context.Context, ev any) {
	switch ev := ev.(type) {
	case profileResolved:
		delete(s.lookups, ev.id)
		if ev.err != nil {
			logging.DebugContext(ctx, "profile lookup failed", "participant", ev.id, "error", ev.err)
			// Cache the miss so the id is not looked up again.
			s.roster.SetProfile(model.Participant{ID: ev.id})
			return
		}
		s.roster.SetProfile(ev.profile)
		s.refreshView()

	case sweep:
		if n := s.overlay.Expire(s.cfg.Clock.Now(), s.cfg.StaleAfter); n > 0 {
			logging.DebugContext(ctx, "expired stale overlay entries", "map", s.cfg.MapID, "count", n)
			s.refreshView()
		}
		s.armSweep()
	}
}

// requestProfile resolves a participant profile once per session.
func (s *Session) requestProfile(ctx context.Context, id string) {
	if s.dir == nil || id == "" || s.lookups[id] || s.roster.HasProfile(id) {
		return
	}
	s.lookups[id] = true
	s.lookupWG.Add(1)
	go func() {
		defer s.lookupWG.Done()
		p, err := s.dir.Profile(ctx, id)
		select {
		case s.internal <- profileResolved{id: id, profile: p, err: err}:
		case <-ctx.Done():
		case <-s.done:
		}
	}()
}

func (s *Session) armSweep() {
	interval := s.cfg.StaleAfter / 2
	if interval < time.Second {
		interval = time.Second
	}
	// The sweep re-arms itself only when handled, so it must not be dropped.
	s.sweepTimer = s.cfg.Clock.AfterFunc(interval, func() {
		select {
		case s.internal <- sweep{}:
		case <-s.done:
		}
	})
}

func (s *Session) refreshView() {
	g := s.sync.Graph()
	v := View{
		MapID:        g.ID,
		Name:         g.Name,
		Description:  g.Description,
		Nodes:        s.sync.Nodes(s.roster.Username),
		Edges:        append([]model.Edge(nil), g.Edges...),
		Cursors:      s.overlay.Cursors(),
		Participants: s.roster.Participants(),
		UpdatedAt:    g.UpdatedAt,
		Revision:     g.Revision,
	}

	s.viewMu.Lock()
	s.view = v
	s.viewMu.Unlock()

	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- v
	}
}

// View returns the latest render model.
func (s *Session) View() View {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	return s.view
}

// Subscribe delivers the render model after every change. Only the latest
// view is kept for a slow reader. The channel is closed when the session ends.
func (s *Session) Subscribe() (<-chan View, func()) {
	ch := make(chan View, 1)
	s.subMu.Lock()
	if s.subs == nil {
		s.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()

	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
	}
}

// Graph returns the current snapshot.
func (s *Session) Graph() *model.Graph {
	return s.current.Load()
}

// Stats reports persistence activity.
func (s *Session) Stats() Stats {
	return Stats{
		EditSchedules: s.editWriter.Scheduled(),
		DragSchedules: s.dragWriter.Scheduled(),
		EditFlushes:   s.editWriter.Fired(),
		DragFlushes:   s.dragWriter.Fired(),
	}
}
