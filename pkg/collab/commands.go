package collab

import (
	"context"

	"github.com/ritzau/mapsync/pkg/model"
)

// do posts a local edit to the session loop and waits for it to be applied.
func (s *Session) do(ctx context.Context, apply func(sy *Synchronizer) (Effects, error)) error {
	reply := make(chan error, 1)
	select {
	case s.local <- command{apply: apply, reply: reply}:
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ApplyLocalMutation applies fn to a copy of the graph and schedules a write.
func (s *Session) ApplyLocalMutation(ctx context.Context, fn func(g *model.Graph) error) error {
	return s.do(ctx, func(sy *Synchronizer) (Effects, error) {
		return sy.ApplyLocalMutation(fn)
	})
}

// CreateNode adds a node at pos and returns its id.
func (s *Session) CreateNode(ctx context.Context, pos model.Position) (string, error) {
	var id string
	err := s.do(ctx, func(sy *Synchronizer) (Effects, error) {
		var eff Effects
		var err error
		id, eff, err = sy.CreateNode(pos)
		return eff, err
	})
	return id, err
}

// Connect adds an edge and returns its id.
func (s *Session) Connect(ctx context.Context, source, target string) (string, error) {
	var id string
	err := s.do(ctx, func(sy *Synchronizer) (Effects, error) {
		var eff Effects
		var err error
		id, eff, err = sy.Connect(source, target)
		return eff, err
	})
	return id, err
}

func (s *Session) BeginEdit(ctx context.Context, nodeID string) error {
	return s.do(ctx, func(sy *Synchronizer) (Effects, error) { return sy.BeginEdit(nodeID) })
}

func (s *Session) EditInput(ctx context.Context, nodeID, text string) error {
	return s.do(ctx, func(sy *Synchronizer) (Effects, error) { return sy.EditInput(nodeID, text) })
}

func (s *Session) CommitEdit(ctx context.Context, nodeID string) error {
	return s.do(ctx, func(sy *Synchronizer) (Effects, error) { return sy.CommitEdit(nodeID) })
}

func (s *Session) CancelEdit(ctx context.Context, nodeID string) error {
	return s.do(ctx, func(sy *Synchronizer) (Effects, error) { return sy.CancelEdit(nodeID) })
}

func (s *Session) DragMove(ctx context.Context, nodeID string, pos model.Position) error {
	return s.do(ctx, func(sy *Synchronizer) (Effects, error) { return sy.DragMove(nodeID, pos) })
}

func (s *Session) DragStop(ctx context.Context, nodeID string, pos model.Position) error {
	return s.do(ctx, func(sy *Synchronizer) (Effects, error) { return sy.DragStop(nodeID, pos) })
}

func (s *Session) Rename(ctx context.Context, name string) error {
	return s.do(ctx, func(sy *Synchronizer) (Effects, error) { return sy.Rename(name) })
}

func (s *Session) Describe(ctx context.Context, description string) error {
	return s.do(ctx, func(sy *Synchronizer) (Effects, error) { return sy.Describe(description) })
}

func (s *Session) SetNote(ctx context.Context, nodeID, note string) error {
	return s.do(ctx, func(sy *Synchronizer) (Effects, error) { return sy.SetNote(nodeID, note) })
}

func (s *Session) SetLink(ctx context.Context, nodeID, link string) error {
	return s.do(ctx, func(sy *Synchronizer) (Effects, error) { return sy.SetLink(nodeID, link) })
}

func (s *Session) SetBorderColor(ctx context.Context, nodeID, color string) error {
	return s.do(ctx, func(sy *Synchronizer) (Effects, error) { return sy.SetBorderColor(nodeID, color) })
}

func (s *Session) DeleteNode(ctx context.Context, nodeID string) error {
	return s.do(ctx, func(sy *Synchronizer) (Effects, error) { return sy.DeleteNode(nodeID) })
}

func (s *Session) DeleteEdge(ctx context.Context, edgeID string) error {
	return s.do(ctx, func(sy *Synchronizer) (Effects, error) { return sy.DeleteEdge(edgeID) })
}

func (s *Session) SetEdgeLabel(ctx context.Context, edgeID, label string) error {
	return s.do(ctx, func(sy *Synchronizer) (Effects, error) { return sy.SetEdgeLabel(edgeID, label) })
}

func (s *Session) SetEdgeStyle(ctx context.Context, edgeID string, style model.EdgeStyle) error {
	return s.do(ctx, func(sy *Synchronizer) (Effects, error) { return sy.SetEdgeStyle(edgeID, style) })
}

func (s *Session) SetEdgeMarker(ctx context.Context, edgeID string, marker model.MarkerKind) error {
	return s.do(ctx, func(sy *Synchronizer) (Effects, error) { return sy.SetEdgeMarker(edgeID, marker) })
}

// SetShowSelf toggles display of the local cursor. Broadcasting is unaffected.
func (s *Session) SetShowSelf(ctx context.Context, on bool) error {
	return s.do(ctx, func(sy *Synchronizer) (Effects, error) {
		sy.Overlay().SetShowSelf(on)
		return Effects{Changed: true}, nil
	})
}

// SetShowOthers toggles display of peers' cursors.
func (s *Session) SetShowOthers(ctx context.Context, on bool) error {
	return s.do(ctx, func(sy *Synchronizer) (Effects, error) {
		sy.Overlay().SetShowOthers(on)
		return Effects{Changed: true}, nil
	})
}

// PointerMove reports a pane-level pointer position in screen space. It
// never blocks: when the session is busy the event is dropped.
func (s *Session) PointerMove(screenX, screenY float64, viewport model.Viewport) {
	select {
	case s.pointer <- pointerMove{x: screenX, y: screenY, viewport: viewport}:
	default:
	}
}
