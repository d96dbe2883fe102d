// Package collab is the realtime collaboration engine of one participant in
// one session: it owns the in-memory graph, applies local edits, durable
// remote snapshots and live peer overlays, and decides what to persist and
// what to broadcast.
package collab

import (
	"errors"
	"fmt"
	"time"

	"github.com/ritzau/mapsync/pkg/metrics"
	"github.com/ritzau/mapsync/pkg/model"
	"github.com/ritzau/mapsync/pkg/realtime"
)

var (
	ErrUnknownNode   = errors.New("unknown node")
	ErrUnknownEdge   = errors.New("unknown edge")
	ErrNotEditing    = errors.New("node is not being edited")
	ErrDuplicateEdge = errors.New("edge already exists")
	ErrSelfLoop      = errors.New("cannot connect a node to itself")
)

// Window selects the debounce window a persistence request goes to.
type Window int

const (
	WindowNone Window = iota
	WindowEdit        // attribute edits
	WindowDrag        // drag-stop commits
)

func (w Window) String() string {
	switch w {
	case WindowEdit:
		return "edit"
	case WindowDrag:
		return "drag"
	default:
		return "none"
	}
}

// Outbound is a broadcast to send on the session channel.
type Outbound struct {
	Event   string
	Payload any
}

// Effects are the side effects a state transition asks for. The session
// performs them; the Synchronizer itself never does I/O.
type Effects struct {
	Persist   Window
	Broadcast *Outbound
	Changed   bool   // the rendered state changed
	Dropped   string // metrics drop reason, if an inbound event was discarded
}

// Identity is the local participant.
type Identity struct {
	ID       string
	Username string
	Color    string
}

// NewIdentity fills in the deterministic color of a participant.
func NewIdentity(id, username string) Identity {
	return Identity{ID: id, Username: username, Color: model.ColorFor(id)}
}

// Synchronizer is the single source of truth for the in-memory graph.
// It is not safe for concurrent use: one goroutine (the session loop) owns it.
type Synchronizer struct {
	self    Identity
	graph   *model.Graph
	overlay *Overlay
	echo    EchoFilter
	now     func() time.Time

	edits    map[string]string         // node id -> open edit buffer
	dragging map[string]model.Position // node id -> live position of a local drag
}

// NewSynchronizer starts from the loaded graph g.
func NewSynchronizer(self Identity, g *model.Graph, overlay *Overlay, now func() time.Time) *Synchronizer {
	if now == nil {
		now = time.Now
	}
	return &Synchronizer{
		self:     self,
		graph:    g,
		overlay:  overlay,
		echo:     NewEchoFilter(self.ID),
		now:      now,
		edits:    make(map[string]string),
		dragging: make(map[string]model.Position),
	}
}

// Graph returns the current snapshot. Callers must not modify it.
func (s *Synchronizer) Graph() *model.Graph {
	return s.graph
}

// Overlay returns the live overlay.
func (s *Synchronizer) Overlay() *Overlay {
	return s.overlay
}

// ApplyLocalMutation applies fn to a copy of the snapshot, replaces the
// snapshot with it and schedules a write. If fn fails the snapshot is left
// untouched.
func (s *Synchronizer) ApplyLocalMutation(fn func(g *model.Graph) error) (Effects, error) {
	return s.mutate(WindowEdit, fn)
}

func (s *Synchronizer) mutate(w Window, fn func(g *model.Graph) error) (Effects, error) {
	next := s.graph.Clone()
	if err := fn(next); err != nil {
		return Effects{}, err
	}
	s.graph = next
	return Effects{Persist: w, Changed: true}, nil
}

// ApplyRemoteSnapshot replaces the snapshot wholesale with a durable
// document. Nothing is merged: the whole document of the last writer wins.
// Open local edit buffers and in-progress local drags survive on nodes that
// still exist, and every peer drag override is dropped.
func (s *Synchronizer) ApplyRemoteSnapshot(g *model.Graph) Effects {
	next := g.Clone()
	for id := range s.edits {
		i := next.NodeIndex(id)
		if i < 0 {
			delete(s.edits, id)
			continue
		}
		next.Nodes[i].Editing = true
	}
	for id, pos := range s.dragging {
		i := next.NodeIndex(id)
		if i < 0 {
			delete(s.dragging, id)
			continue
		}
		next.Nodes[i].Position = pos
	}
	s.graph = next
	s.overlay.ClearNodes()
	return Effects{Changed: true}
}

// ApplyLiveOverlay shows a node at a transient position without touching
// durable state.
func (s *Synchronizer) ApplyLiveOverlay(nodeID string, pos model.Position, by string) Effects {
	s.overlay.SetNode(nodeID, NodeOverride{Position: pos, ParticipantID: by, SeenAt: s.now()})
	return Effects{Changed: true}
}

// ReceiveDrag applies a peer's drag broadcast.
func (s *Synchronizer) ReceiveDrag(p realtime.DragPayload, sender string) Effects {
	if s.echo.Own(p.ParticipantID, sender) {
		return Effects{Dropped: metrics.ReasonSelfEcho}
	}
	if s.Editing() {
		return Effects{Dropped: metrics.ReasonSuppressed}
	}
	if s.graph.NodeIndex(p.NodeID) < 0 {
		return Effects{Dropped: metrics.ReasonInvalid}
	}
	return s.ApplyLiveOverlay(p.NodeID, model.Position{X: p.X, Y: p.Y}, p.ParticipantID)
}

// ReceiveCursor applies a peer's cursor broadcast.
func (s *Synchronizer) ReceiveCursor(p realtime.CursorPayload, sender string) Effects {
	if s.echo.Own(p.ParticipantID, sender) {
		return Effects{Dropped: metrics.ReasonSelfEcho}
	}
	color := p.Color
	if color == "" {
		color = model.ColorFor(p.ParticipantID)
	}
	stored := s.overlay.SetCursor(model.CursorPosition{
		ParticipantID: p.ParticipantID,
		Username:      p.Username,
		Color:         color,
		Position:      model.Position{X: p.X, Y: p.Y},
		SeenAt:        s.now(),
	})
	if !stored {
		return Effects{Dropped: metrics.ReasonSuppressed}
	}
	return Effects{Changed: true}
}

// MoveLocalCursor records the local cursor for display, if enabled, and
// returns the broadcast announcing it. The caller decides whether the
// broadcast is sent; display does not depend on it.
func (s *Synchronizer) MoveLocalCursor(pos model.Position, send bool) Effects {
	var eff Effects
	if s.overlay.ShowSelf() {
		s.overlay.SetCursor(model.CursorPosition{
			ParticipantID: s.self.ID,
			Username:      s.self.Username,
			Color:         s.self.Color,
			Position:      pos,
			SeenAt:        s.now(),
		})
		eff.Changed = true
	}
	if send {
		eff.Broadcast = &Outbound{Event: realtime.EventCursor, Payload: realtime.CursorPayload{
			ParticipantID: s.self.ID,
			Username:      s.self.Username,
			Color:         s.self.Color,
			X:             pos.X,
			Y:             pos.Y,
		}}
	}
	return eff
}

// CreateNode adds a node at pos with the next free numeric id.
func (s *Synchronizer) CreateNode(pos model.Position) (string, Effects, error) {
	var id string
	eff, err := s.ApplyLocalMutation(func(g *model.Graph) error {
		id = model.NextNodeID(g)
		g.Nodes = append(g.Nodes, model.Node{
			ID:          id,
			Title:       model.DefaultTitle(id),
			Position:    pos,
			BorderColor: model.DefaultBorderColor,
			CreatedBy:   s.self.ID,
			CreatedAt:   s.now().UTC(),
		})
		return nil
	})
	return id, eff, err
}

// Connect adds an edge from source to target.
func (s *Synchronizer) Connect(source, target string) (string, Effects, error) {
	var id string
	eff, err := s.ApplyLocalMutation(func(g *model.Graph) error {
		if g.NodeIndex(source) < 0 {
			return fmt.Errorf("source %s: %w", source, ErrUnknownNode)
		}
		if g.NodeIndex(target) < 0 {
			return fmt.Errorf("target %s: %w", target, ErrUnknownNode)
		}
		if source == target {
			return fmt.Errorf("node %s: %w", source, ErrSelfLoop)
		}
		if g.HasEdgeBetween(source, target) {
			return fmt.Errorf("%s -> %s: %w", source, target, ErrDuplicateEdge)
		}
		id = model.NextEdgeID(g)
		g.Edges = append(g.Edges, model.Edge{
			ID:     id,
			Source: source,
			Target: target,
			Style:  model.DefaultEdgeStyle(),
		})
		return nil
	})
	return id, eff, err
}

// BeginEdit opens the inline edit buffer of a node with its current title.
// The edit flag is local state: nothing is persisted or broadcast.
func (s *Synchronizer) BeginEdit(nodeID string) (Effects, error) {
	if _, ok := s.edits[nodeID]; ok {
		return Effects{}, nil
	}
	n, ok := s.graph.Node(nodeID)
	if !ok {
		return Effects{}, fmt.Errorf("node %s: %w", nodeID, ErrUnknownNode)
	}
	s.edits[nodeID] = n.Title
	s.setEditing(nodeID, true)
	return Effects{Changed: true}, nil
}

// EditInput replaces the edit buffer. The graph is not touched.
func (s *Synchronizer) EditInput(nodeID, text string) (Effects, error) {
	if _, ok := s.edits[nodeID]; !ok {
		return Effects{}, fmt.Errorf("node %s: %w", nodeID, ErrNotEditing)
	}
	s.edits[nodeID] = text
	return Effects{Changed: true}, nil
}

// CommitEdit writes the buffer into the node title, closes the buffer and
// schedules one write. An empty buffer restores the default title.
func (s *Synchronizer) CommitEdit(nodeID string) (Effects, error) {
	text, ok := s.edits[nodeID]
	if !ok {
		return Effects{}, fmt.Errorf("node %s: %w", nodeID, ErrNotEditing)
	}
	delete(s.edits, nodeID)
	if text == "" {
		text = model.DefaultTitle(nodeID)
	}
	return s.ApplyLocalMutation(func(g *model.Graph) error {
		i := g.NodeIndex(nodeID)
		if i < 0 {
			return fmt.Errorf("node %s: %w", nodeID, ErrUnknownNode)
		}
		g.Nodes[i].Title = text
		g.Nodes[i].Editing = false
		return nil
	})
}

// CancelEdit discards the buffer and keeps the title.
func (s *Synchronizer) CancelEdit(nodeID string) (Effects, error) {
	if _, ok := s.edits[nodeID]; !ok {
		return Effects{}, fmt.Errorf("node %s: %w", nodeID, ErrNotEditing)
	}
	delete(s.edits, nodeID)
	s.setEditing(nodeID, false)
	return Effects{Changed: true}, nil
}

func (s *Synchronizer) setEditing(nodeID string, on bool) {
	next := s.graph.Clone()
	if i := next.NodeIndex(nodeID); i >= 0 {
		next.Nodes[i].Editing = on
	}
	s.graph = next
}

// Editing reports whether any node has an open edit buffer.
func (s *Synchronizer) Editing() bool {
	return len(s.edits) > 0
}

// EditBuffer returns the open buffer of a node.
func (s *Synchronizer) EditBuffer(nodeID string) (string, bool) {
	text, ok := s.edits[nodeID]
	return text, ok
}

// DragMove moves a node during a local drag. The position is broadcast at
// once but not persisted.
func (s *Synchronizer) DragMove(nodeID string, pos model.Position) (Effects, error) {
	i := s.graph.NodeIndex(nodeID)
	if i < 0 {
		return Effects{}, fmt.Errorf("node %s: %w", nodeID, ErrUnknownNode)
	}
	next := s.graph.Clone()
	next.Nodes[i].Position = pos
	s.graph = next
	s.dragging[nodeID] = pos
	s.overlay.ClearNode(nodeID)
	return Effects{Changed: true, Broadcast: s.dragBroadcast(nodeID, pos)}, nil
}

// DragStop commits the final position of a local drag and schedules a
// write in the drag window. The final position is broadcast as well so
// peers hold it until the durable snapshot arrives.
func (s *Synchronizer) DragStop(nodeID string, pos model.Position) (Effects, error) {
	eff, err := s.mutate(WindowDrag, func(g *model.Graph) error {
		i := g.NodeIndex(nodeID)
		if i < 0 {
			return fmt.Errorf("node %s: %w", nodeID, ErrUnknownNode)
		}
		g.Nodes[i].Position = pos
		return nil
	})
	if err != nil {
		return eff, err
	}
	delete(s.dragging, nodeID)
	s.overlay.ClearNode(nodeID)
	eff.Broadcast = s.dragBroadcast(nodeID, pos)
	return eff, nil
}

func (s *Synchronizer) dragBroadcast(nodeID string, pos model.Position) *Outbound {
	return &Outbound{Event: realtime.EventDrag, Payload: realtime.DragPayload{
		ParticipantID: s.self.ID,
		NodeID:        nodeID,
		X:             pos.X,
		Y:             pos.Y,
	}}
}

// NodeView is a node as it should be rendered.
type NodeView struct {
	model.Node
	Label    string         `json:"label"`
	Display  model.Position `json:"display"` // position including live overrides
	Live     bool           `json:"live"`    // a peer is dragging it
	Note     string         `json:"note,omitempty"`
	Link     string         `json:"link,omitempty"`
	Creator  string         `json:"creator,omitempty"`
	Editing  bool           `json:"editing"`
}

// Nodes returns the render model of every node. Peer overrides are not
// shown while a local edit is open.
func (s *Synchronizer) Nodes(creatorName func(id string) string) []NodeView {
	out := make([]NodeView, 0, len(s.graph.Nodes))
	editing := s.Editing()
	for _, n := range s.graph.Nodes {
		v := NodeView{
			Node:    n,
			Label:   n.Title,
			Display: n.Position,
			Note:    s.graph.Notes[n.ID],
			Link:    s.graph.Aux[n.ID].Link,
			Editing: n.Editing,
		}
		if buf, ok := s.edits[n.ID]; ok {
			v.Label = buf
		}
		if !editing {
			if pos, ok := s.overlay.NodePosition(n.ID); ok {
				v.Display = pos
				v.Live = true
			}
		}
		if creatorName != nil && n.CreatedBy != "" {
			v.Creator = creatorName(n.CreatedBy)
		}
		out = append(out, v)
	}
	return out
}
