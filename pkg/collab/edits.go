package collab

import (
	"fmt"

	"github.com/ritzau/mapsync/pkg/model"
)

// Attribute edits. Each is a local mutation in the edit window.

func (s *Synchronizer) Rename(name string) (Effects, error) {
	return s.ApplyLocalMutation(func(g *model.Graph) error {
		g.Name = name
		return nil
	})
}

func (s *Synchronizer) Describe(description string) (Effects, error) {
	return s.ApplyLocalMutation(func(g *model.Graph) error {
		g.Description = description
		return nil
	})
}

// SetNote sets the free-text note of a node; an empty note removes it.
func (s *Synchronizer) SetNote(nodeID, note string) (Effects, error) {
	return s.ApplyLocalMutation(func(g *model.Graph) error {
		if g.NodeIndex(nodeID) < 0 {
			return fmt.Errorf("node %s: %w", nodeID, ErrUnknownNode)
		}
		if note == "" {
			delete(g.Notes, nodeID)
		} else {
			g.Notes[nodeID] = note
		}
		return nil
	})
}

// SetLink sets the hyperlink of a node; an empty link removes it.
func (s *Synchronizer) SetLink(nodeID, link string) (Effects, error) {
	return s.ApplyLocalMutation(func(g *model.Graph) error {
		if g.NodeIndex(nodeID) < 0 {
			return fmt.Errorf("node %s: %w", nodeID, ErrUnknownNode)
		}
		if link == "" {
			delete(g.Aux, nodeID)
		} else {
			aux := g.Aux[nodeID]
			aux.Link = link
			g.Aux[nodeID] = aux
		}
		return nil
	})
}

func (s *Synchronizer) SetBorderColor(nodeID, color string) (Effects, error) {
	return s.ApplyLocalMutation(func(g *model.Graph) error {
		i := g.NodeIndex(nodeID)
		if i < 0 {
			return fmt.Errorf("node %s: %w", nodeID, ErrUnknownNode)
		}
		g.Nodes[i].BorderColor = color
		return nil
	})
}

// DeleteNode removes a node with its incident edges, note and aux data, and
// closes an edit buffer open on it.
func (s *Synchronizer) DeleteNode(nodeID string) (Effects, error) {
	eff, err := s.ApplyLocalMutation(func(g *model.Graph) error {
		if !g.RemoveNode(nodeID) {
			return fmt.Errorf("node %s: %w", nodeID, ErrUnknownNode)
		}
		return nil
	})
	if err == nil {
		delete(s.edits, nodeID)
		delete(s.dragging, nodeID)
		s.overlay.ClearNode(nodeID)
	}
	return eff, err
}

func (s *Synchronizer) DeleteEdge(edgeID string) (Effects, error) {
	return s.ApplyLocalMutation(func(g *model.Graph) error {
		if !g.RemoveEdge(edgeID) {
			return fmt.Errorf("edge %s: %w", edgeID, ErrUnknownEdge)
		}
		return nil
	})
}

func (s *Synchronizer) SetEdgeLabel(edgeID, label string) (Effects, error) {
	return s.editEdge(edgeID, func(e *model.Edge) { e.Label = label })
}

func (s *Synchronizer) SetEdgeStyle(edgeID string, style model.EdgeStyle) (Effects, error) {
	return s.editEdge(edgeID, func(e *model.Edge) { e.Style = style })
}

func (s *Synchronizer) SetEdgeMarker(edgeID string, marker model.MarkerKind) (Effects, error) {
	return s.editEdge(edgeID, func(e *model.Edge) { e.Marker = marker })
}

func (s *Synchronizer) editEdge(edgeID string, fn func(e *model.Edge)) (Effects, error) {
	return s.ApplyLocalMutation(func(g *model.Graph) error {
		i := g.EdgeIndex(edgeID)
		if i < 0 {
			return fmt.Errorf("edge %s: %w", edgeID, ErrUnknownEdge)
		}
		fn(&g.Edges[i])
		return nil
	})
}
