package collab

import (
	"sort"
	"time"

	"github.com/ritzau/mapsync/pkg/model"
)

// NodeOverride is a transient position for a node that a peer is dragging.
type NodeOverride struct {
	Position      model.Position
	ParticipantID string
	SeenAt        time.Time
}

// Overlay holds render-time state layered on top of the durable graph:
// positions of nodes being dragged by peers, and participant cursors.
// Nothing in it is ever persisted.
type Overlay struct {
	self       string
	showSelf   bool
	showOthers bool

	nodes   map[string]NodeOverride
	cursors map[string]model.CursorPosition
}

// NewOverlay creates an overlay for the local participant self. Others'
// cursors are shown and the local cursor is not.
func NewOverlay(self string) *Overlay {
	return &Overlay{
		self:       self,
		showOthers: true,
		nodes:      make(map[string]NodeOverride),
		cursors:    make(map[string]model.CursorPosition),
	}
}

// SetNode records the live position of a node, most recent wins.
func (o *Overlay) SetNode(nodeID string, ov NodeOverride) {
	o.nodes[nodeID] = ov
}

func (o *Overlay) ClearNode(nodeID string) {
	delete(o.nodes, nodeID)
}

// ClearNodes drops every node override.
func (o *Overlay) ClearNodes() {
	clear(o.nodes)
}

// NodePosition returns the live position of a node if a peer is dragging it.
func (o *Overlay) NodePosition(nodeID string) (model.Position, bool) {
	ov, ok := o.nodes[nodeID]
	return ov.Position, ok
}

// SetCursor records a cursor. It reports false, storing nothing, when the
// cursor's owner is currently hidden.
func (o *Overlay) SetCursor(c model.CursorPosition) bool {
	if !o.visible(c.ParticipantID) {
		return false
	}
	o.cursors[c.ParticipantID] = c
	return true
}

func (o *Overlay) visible(participantID string) bool {
	if participantID == o.self {
		return o.showSelf
	}
	return o.showOthers
}

// ShowSelf reports whether the local cursor is displayed.
func (o *Overlay) ShowSelf() bool { return o.showSelf }

// ShowOthers reports whether peers' cursors are displayed.
func (o *Overlay) ShowOthers() bool { return o.showOthers }

// SetShowSelf toggles display of the local cursor. Turning it off removes
// the local entry immediately.
func (o *Overlay) SetShowSelf(on bool) {
	o.showSelf = on
	if !on {
		delete(o.cursors, o.self)
	}
}

// SetShowOthers toggles display of peers' cursors. Turning it off removes
// every entry except the local participant's.
func (o *Overlay) SetShowOthers(on bool) {
	o.showOthers = on
	if on {
		return
	}
	for id := range o.cursors {
		if id != o.self {
			delete(o.cursors, id)
		}
	}
}

// RemoveParticipant drops the cursor and any node overrides of a participant.
func (o *Overlay) RemoveParticipant(participantID string) bool {
	_, changed := o.cursors[participantID]
	delete(o.cursors, participantID)
	for id, ov := range o.nodes {
		if ov.ParticipantID == participantID {
			delete(o.nodes, id)
			changed = true
		}
	}
	return changed
}

// Expire removes peer entries not refreshed within ttl and returns how many
// were removed. The local cursor is refreshed by local input and never expires.
func (o *Overlay) Expire(now time.Time, ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	cutoff := now.Add(-ttl)
	n := 0
	for id, c := range o.cursors {
		if id != o.self && c.SeenAt.Before(cutoff) {
			delete(o.cursors, id)
			n++
		}
	}
	for id, ov := range o.nodes {
		if ov.SeenAt.Before(cutoff) {
			delete(o.nodes, id)
			n++
		}
	}
	return n
}

// Cursors returns the displayed cursors ordered by participant id.
func (o *Overlay) Cursors() []model.CursorPosition {
	out := make([]model.CursorPosition, 0, len(o.cursors))
	for id, c := range o.cursors {
		if o.visible(id) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out
}

// Cursor returns the entry of one participant.
func (o *Overlay) Cursor(participantID string) (model.CursorPosition, bool) {
	c, ok := o.cursors[participantID]
	return c, ok
}
