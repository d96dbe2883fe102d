package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Document is the persisted layout of a Graph. Every field is independently
// nullable; Decode fills defaults for whatever a writer left out.
type Document struct {
	ID          string             `json:"id"`
	Name        *string            `json:"name"`
	Description *string            `json:"description"`
	Nodes       []DocumentNode     `json:"nodes"`
	Edges       []DocumentEdge     `json:"edges"`
	Notes       map[string]string  `json:"notes"`
	Aux         map[string]AuxData `json:"aux"`
	UpdatedAt   *time.Time         `json:"updatedAt"`
	Revision    *string            `json:"revision,omitempty"`
}

// DocumentNode is the persisted form of a Node.
type DocumentNode struct {
	ID          string     `json:"id"`
	Title       *string    `json:"title"`
	Position    *Position  `json:"position"`
	BorderColor *string    `json:"borderColor"`
	CreatedBy   *string    `json:"createdBy"`
	CreatedAt   *time.Time `json:"createdAt"`
}

// DocumentEdge is the persisted form of an Edge.
type DocumentEdge struct {
	ID     string     `json:"id"`
	Source string     `json:"source"`
	Target string     `json:"target"`
	Label  *string    `json:"label,omitempty"`
	Style  *EdgeStyle `json:"style"`
	Marker *string    `json:"marker,omitempty"`
}

// ToDocument converts a graph into its persisted layout. Transient fields
// such as Node.Editing are not carried over.
func ToDocument(g *Graph) *Document {
	doc := &Document{
		ID:          g.ID,
		Name:        ptr(g.Name),
		Description: ptr(g.Description),
		Nodes:       make([]DocumentNode, 0, len(g.Nodes)),
		Edges:       make([]DocumentEdge, 0, len(g.Edges)),
		Notes:       g.Notes,
		Aux:         g.Aux,
	}
	if !g.UpdatedAt.IsZero() {
		doc.UpdatedAt = ptr(g.UpdatedAt)
	}
	if g.Revision != "" {
		doc.Revision = ptr(g.Revision)
	}
	for _, n := range g.Nodes {
		dn := DocumentNode{
			ID:          n.ID,
			Title:       ptr(n.Title),
			Position:    ptr(n.Position),
			BorderColor: ptr(n.BorderColor),
			CreatedBy:   ptr(n.CreatedBy),
		}
		if !n.CreatedAt.IsZero() {
			dn.CreatedAt = ptr(n.CreatedAt)
		}
		doc.Nodes = append(doc.Nodes, dn)
	}
	for _, e := range g.Edges {
		de := DocumentEdge{
			ID:     e.ID,
			Source: e.Source,
			Target: e.Target,
			Style:  ptr(e.Style),
		}
		if e.Label != "" {
			de.Label = ptr(e.Label)
		}
		if e.Marker != MarkerNone {
			de.Marker = ptr(string(e.Marker))
		}
		doc.Edges = append(doc.Edges, de)
	}
	return doc
}

// Graph converts the persisted layout back into a graph, applying defaults
// for missing fields.
func (d *Document) Graph() *Graph {
	g := NewGraph(d.ID, deref(d.Name))
	g.Description = deref(d.Description)
	if d.UpdatedAt != nil {
		g.UpdatedAt = *d.UpdatedAt
	}
	g.Revision = deref(d.Revision)
	for k, v := range d.Notes {
		g.Notes[k] = v
	}
	for k, v := range d.Aux {
		g.Aux[k] = v
	}
	for _, dn := range d.Nodes {
		n := Node{
			ID:          dn.ID,
			Title:       deref(dn.Title),
			BorderColor: deref(dn.BorderColor),
			CreatedBy:   deref(dn.CreatedBy),
		}
		if n.Title == "" {
			n.Title = DefaultTitle(dn.ID)
		}
		if n.BorderColor == "" {
			n.BorderColor = DefaultBorderColor
		}
		if dn.Position != nil {
			n.Position = *dn.Position
		}
		if dn.CreatedAt != nil {
			n.CreatedAt = *dn.CreatedAt
		}
		g.Nodes = append(g.Nodes, n)
	}
	for _, de := range d.Edges {
		e := Edge{
			ID:     de.ID,
			Source: de.Source,
			Target: de.Target,
			Label:  deref(de.Label),
			Marker: MarkerKind(deref(de.Marker)),
			Style:  DefaultEdgeStyle(),
		}
		if de.Style != nil {
			e.Style = *de.Style
		}
		g.Edges = append(g.Edges, e)
	}
	return g
}

// Encode serializes a graph as a JSON document.
func Encode(g *Graph) ([]byte, error) {
	data, err := json.Marshal(ToDocument(g))
	if err != nil {
		return nil, fmt.Errorf("failed to encode graph %s: %w", g.ID, err)
	}
	return data, nil
}

// Decode parses a JSON document into a graph.
func Decode(data []byte) (*Graph, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode graph document: %w", err)
	}
	return doc.Graph(), nil
}

func ptr[T any](v T) *T {
	return &v
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
