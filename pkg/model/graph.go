package model

import (
	"fmt"
	"time"
)

// Default styling applied to nodes and edges created by the engine or loaded
// from documents that omit them.
const (
	DefaultBorderColor = "#1a192b"
	DefaultEdgeStroke  = "#b1b1b7"
	DefaultEdgeWidth   = 1.0
	DefaultEdgeOpacity = 1.0
)

// MarkerKind names the arrow marker drawn at the target end of an edge.
type MarkerKind string

const (
	MarkerNone        MarkerKind = ""
	MarkerArrow       MarkerKind = "arrow"
	MarkerArrowClosed MarkerKind = "arrowclosed"
)

// Position is a coordinate pair in graph space.
type Position struct {
	X float64 `json:"x" msgpack:"x"`
	Y float64 `json:"y" msgpack:"y"`
}

// Graph is the durable collaborative document of one session ("map").
// A *Graph held by the engine is a snapshot: it is never mutated after it has
// been published, mutations work on a Clone.
type Graph struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Nodes       []Node             `json:"nodes"`
	Edges       []Edge             `json:"edges"`
	Notes       map[string]string  `json:"notes"` // node id -> free text
	Aux         map[string]AuxData `json:"aux"`   // node id -> auxiliary data
	UpdatedAt   time.Time          `json:"updatedAt"`
	Revision    string             `json:"revision,omitempty"` // id of the write that produced this document
}

// Node is a labeled, styled vertex on the map.
type Node struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Position    Position  `json:"position"`
	BorderColor string    `json:"borderColor"`
	CreatedBy   string    `json:"createdBy"`
	CreatedAt   time.Time `json:"createdAt"`

	// Editing is true only while a local inline-edit buffer is open.
	Editing bool `json:"-"`
}

// Edge connects two nodes.
type Edge struct {
	ID     string     `json:"id"`
	Source string     `json:"source"`
	Target string     `json:"target"`
	Label  string     `json:"label,omitempty"`
	Style  EdgeStyle  `json:"style"`
	Marker MarkerKind `json:"marker,omitempty"`
}

// EdgeStyle describes how an edge stroke is drawn.
type EdgeStyle struct {
	Stroke  string  `json:"stroke"`
	Opacity float64 `json:"opacity"`
	Width   float64 `json:"width"`
	Dash    string  `json:"dash,omitempty"` // e.g. "5,5"
}

// AuxData holds per-node auxiliary data.
type AuxData struct {
	Link string `json:"link,omitempty"`
}

// DefaultEdgeStyle returns the style given to newly connected edges.
func DefaultEdgeStyle() EdgeStyle {
	return EdgeStyle{
		Stroke:  DefaultEdgeStroke,
		Opacity: DefaultEdgeOpacity,
		Width:   DefaultEdgeWidth,
	}
}

// DefaultTitle returns the title a node gets when none is given.
func DefaultTitle(id string) string {
	return fmt.Sprintf("Node %s", id)
}

// NewGraph creates an empty graph with initialized maps.
func NewGraph(id, name string) *Graph {
	return &Graph{
		ID:    id,
		Name:  name,
		Nodes: make([]Node, 0),
		Edges: make([]Edge, 0),
		Notes: make(map[string]string),
		Aux:   make(map[string]AuxData),
	}
}

// Clone returns a deep copy of the graph.
func (g *Graph) Clone() *Graph {
	if g == nil {
		return nil
	}
	c := *g
	c.Nodes = append(make([]Node, 0, len(g.Nodes)), g.Nodes...)
	c.Edges = append(make([]Edge, 0, len(g.Edges)), g.Edges...)
	c.Notes = make(map[string]string, len(g.Notes))
	for k, v := range g.Notes {
		c.Notes[k] = v
	}
	c.Aux = make(map[string]AuxData, len(g.Aux))
	for k, v := range g.Aux {
		c.Aux[k] = v
	}
	return &c
}

// NodeIndex returns the slice index of the node with the given id, or -1.
func (g *Graph) NodeIndex(id string) int {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return i
		}
	}
	return -1
}

// EdgeIndex returns the slice index of the edge with the given id, or -1.
func (g *Graph) EdgeIndex(id string) int {
	for i := range g.Edges {
		if g.Edges[i].ID == id {
			return i
		}
	}
	return -1
}

// Node returns a copy of the node with the given id.
func (g *Graph) Node(id string) (Node, bool) {
	if i := g.NodeIndex(id); i >= 0 {
		return g.Nodes[i], true
	}
	return Node{}, false
}

// HasEdgeBetween reports whether an edge from source to target exists.
func (g *Graph) HasEdgeBetween(source, target string) bool {
	for _, e := range g.Edges {
		if e.Source == source && e.Target == target {
			return true
		}
	}
	return false
}

// RemoveNode deletes a node together with its incident edges, note and aux data.
// It reports whether the node existed.
func (g *Graph) RemoveNode(id string) bool {
	i := g.NodeIndex(id)
	if i < 0 {
		return false
	}
	g.Nodes = append(g.Nodes[:i], g.Nodes[i+1:]...)

	kept := g.Edges[:0]
	for _, e := range g.Edges {
		if e.Source != id && e.Target != id {
			kept = append(kept, e)
		}
	}
	g.Edges = kept
	delete(g.Notes, id)
	delete(g.Aux, id)
	return true
}

// RemoveEdge deletes an edge and reports whether it existed.
func (g *Graph) RemoveEdge(id string) bool {
	i := g.EdgeIndex(id)
	if i < 0 {
		return false
	}
	g.Edges = append(g.Edges[:i], g.Edges[i+1:]...)
	return true
}
