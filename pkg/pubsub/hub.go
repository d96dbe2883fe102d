package pubsub

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ritzau/mapsync/pkg/logging"
	"github.com/ritzau/mapsync/pkg/metrics"
	"github.com/ritzau/mapsync/pkg/model"
	"github.com/ritzau/mapsync/pkg/realtime"
)

// ErrFlood is returned when a connection exceeds its inbound frame rate.
var ErrFlood = errors.New("inbound frame rate exceeded")

// HubConfig bounds per-connection resources.
type HubConfig struct {
	FrameRate  float64 // sustained inbound frames per second per connection
	FrameBurst int
	SendBuffer int // outbound frames queued per connection
}

// DefaultHubConfig allows three 60 fps signals per connection.
func DefaultHubConfig() HubConfig {
	return HubConfig{FrameRate: 180, FrameBurst: 360, SendBuffer: 256}
}

// PresenceHook is called when a participant's first connection to a channel
// tracks presence (online) or its last one goes away (offline). It runs
// without hub locks held.
type PresenceHook func(channel, participantID string, online bool)

// Hub routes presence and broadcasts between the connections of each
// channel. Every broadcast goes to all connections of the channel, the
// sender's included.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[*Peer]struct{} // channel -> set of peers
	closed   bool

	config  HubConfig
	metrics *metrics.Collector
	hook    PresenceHook
}

// NewHub creates a hub. Zero config fields take their defaults.
func NewHub(config HubConfig, m *metrics.Collector) *Hub {
	def := DefaultHubConfig()
	if config.FrameRate <= 0 {
		config.FrameRate = def.FrameRate
	}
	if config.FrameBurst <= 0 {
		config.FrameBurst = def.FrameBurst
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = def.SendBuffer
	}
	return &Hub{
		channels: make(map[string]map[*Peer]struct{}),
		config:   config,
		metrics:  m,
	}
}

// OnPresenceChange installs the presence hook. Call before connections join.
func (h *Hub) OnPresenceChange(hook PresenceHook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hook = hook
}

// Peer is one connection to a channel.
type Peer struct {
	id            string
	participantID string
	channel       string
	hub           *Hub
	limiter       *rate.Limiter

	send chan realtime.Frame
	meta *model.PresenceRecord // guarded by hub.mu
	left bool                  // guarded by hub.mu
}

// Join admits a connection of participantID to channel. The peer first
// receives a joined frame and the current presence state.
func (h *Hub) Join(channel, participantID string) (*Peer, error) {
	if channel == "" || participantID == "" {
		return nil, fmt.Errorf("join needs a channel and a participant")
	}

	p := &Peer{
		id:            uuid.New().String(),
		participantID: participantID,
		channel:       channel,
		hub:           h,
		limiter:       rate.NewLimiter(rate.Limit(h.config.FrameRate), h.config.FrameBurst),
		send:          make(chan realtime.Frame, h.config.SendBuffer),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	if h.channels[channel] == nil {
		h.channels[channel] = make(map[*Peer]struct{})
	}
	h.channels[channel][p] = struct{}{}
	p.deliver(realtime.Frame{Type: realtime.TypeJoined, Channel: channel, Sender: participantID})
	p.deliver(realtime.Frame{Type: realtime.TypePresenceSync, Channel: channel, Presence: h.presenceLocked(channel)})
	h.mu.Unlock()

	h.metrics.ConnectionOpened()
	logging.Debug("peer joined", "channel", channel, "participant", participantID, "conn", p.id)
	return p, nil
}

// ID returns the connection id, which is also the peer's presence key.
func (p *Peer) ID() string { return p.id }

func (p *Peer) ParticipantID() string { return p.participantID }

func (p *Peer) Channel() string { return p.channel }

// Outbound delivers frames for this connection. It is closed when the peer
// leaves or the hub closes.
func (p *Peer) Outbound() <-chan realtime.Frame {
	return p.send
}

// Handle processes a frame received from the peer's connection.
func (p *Peer) Handle(f realtime.Frame) error {
	p.hub.metrics.FrameReceived(string(f.Type))

	if !p.limiter.Allow() {
		p.hub.metrics.Dropped(metrics.ReasonFlood)
		return ErrFlood
	}
	if err := f.Validate(); err != nil {
		p.hub.metrics.Dropped(metrics.ReasonInvalid)
		return err
	}

	switch f.Type {
	case realtime.TypeTrack:
		meta := *f.Meta
		meta.ParticipantID = p.participantID
		p.hub.track(p, &meta)
	case realtime.TypeUntrack:
		p.hub.track(p, nil)
	case realtime.TypeBroadcast:
		f.Channel = p.channel
		f.Sender = p.participantID
		f.Meta = nil
		f.Presence = nil
		p.hub.broadcast(p.channel, f)
	default:
		p.hub.metrics.Dropped(metrics.ReasonInvalid)
		return fmt.Errorf("%w: %s frames are server-sent", realtime.ErrInvalidFrame, f.Type)
	}
	return nil
}

// Notify queues a frame for this peer only, such as an error report.
func (p *Peer) Notify(f realtime.Frame) bool {
	p.hub.mu.RLock()
	defer p.hub.mu.RUnlock()
	return p.deliver(f)
}

// Leave removes the peer from its channel and closes its outbound queue.
func (p *Peer) Leave() {
	h := p.hub
	h.mu.Lock()
	if p.left {
		h.mu.Unlock()
		return
	}
	p.left = true
	before := h.onlineLocked(p.channel)
	delete(h.channels[p.channel], p)
	if len(h.channels[p.channel]) == 0 {
		delete(h.channels, p.channel)
	}
	close(p.send)
	tracked := p.meta != nil
	p.meta = nil
	var changes []presenceChange
	if tracked {
		changes = h.syncLocked(p.channel, before)
	}
	hook := h.hook
	h.mu.Unlock()

	h.metrics.ConnectionClosed()
	logging.Debug("peer left", "channel", p.channel, "participant", p.participantID, "conn", p.id)
	runHook(hook, changes)
}

// deliver queues a frame without blocking. Callers hold hub.mu.
func (p *Peer) deliver(f realtime.Frame) bool {
	if p.left {
		return false
	}
	select {
	case p.send <- f:
		return true
	default:
		p.hub.metrics.Dropped(metrics.ReasonSlowClient)
		logging.Trace("peer queue full, dropping frame", "conn", p.id, "type", f.Type)
		return false
	}
}

func (h *Hub) broadcast(channel string, f realtime.Frame) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for peer := range h.channels[channel] {
		peer.deliver(f)
	}
	h.metrics.BroadcastSent(f.Event)
}

func (h *Hub) track(p *Peer, meta *model.PresenceRecord) {
	h.mu.Lock()
	if p.left {
		h.mu.Unlock()
		return
	}
	before := h.onlineLocked(p.channel)
	p.meta = meta
	changes := h.syncLocked(p.channel, before)
	hook := h.hook
	h.mu.Unlock()

	runHook(hook, changes)
}

type presenceChange struct {
	channel       string
	participantID string
	online        bool
}

// syncLocked sends the full presence state to every peer of the channel
// and returns the participants whose online state changed.
func (h *Hub) syncLocked(channel string, before map[string]bool) []presenceChange {
	state := h.presenceLocked(channel)
	frame := realtime.Frame{Type: realtime.TypePresenceSync, Channel: channel, Presence: state}
	for peer := range h.channels[channel] {
		peer.deliver(frame)
	}

	after := h.onlineLocked(channel)
	h.metrics.SetParticipants(channel, len(after))

	var changes []presenceChange
	for id := range after {
		if !before[id] {
			changes = append(changes, presenceChange{channel, id, true})
		}
	}
	for id := range before {
		if !after[id] {
			changes = append(changes, presenceChange{channel, id, false})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].participantID < changes[j].participantID })
	return changes
}

func runHook(hook PresenceHook, changes []presenceChange) {
	if hook == nil {
		return
	}
	for _, c := range changes {
		hook(c.channel, c.participantID, c.online)
	}
}

func (h *Hub) presenceLocked(channel string) realtime.PresenceState {
	state := make(realtime.PresenceState)
	for peer := range h.channels[channel] {
		if peer.meta != nil {
			state[peer.id] = []model.PresenceRecord{*peer.meta}
		}
	}
	return state
}

func (h *Hub) onlineLocked(channel string) map[string]bool {
	online := make(map[string]bool)
	for peer := range h.channels[channel] {
		if peer.meta != nil {
			online[peer.participantID] = true
		}
	}
	return online
}

// Presence returns the current presence state of a channel.
func (h *Hub) Presence(channel string) realtime.PresenceState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.presenceLocked(channel)
}

// Connections returns the number of connections to a channel.
func (h *Hub) Connections(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// Close disconnects every peer.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for _, peers := range h.channels {
		for peer := range peers {
			peer.left = true
			close(peer.send)
		}
	}
	h.channels = make(map[string]map[*Peer]struct{})
	return nil
}
