package model

import (
	"sort"

	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// Summary describes the shape of a graph.
type Summary struct {
	NodeCount     int        `json:"nodeCount"`
	EdgeCount     int        `json:"edgeCount"`
	NoteCount     int        `json:"noteCount"`
	LinkCount     int        `json:"linkCount"`
	Components    [][]string `json:"components"`    // node ids per connected component, largest first
	DanglingEdges []string   `json:"danglingEdges"` // edges referencing a missing node
}

// Analyze computes connected components and dangling edges. Edges are treated
// as undirected; self-loops do not affect connectivity.
func Analyze(g *Graph) *Summary {
	s := &Summary{
		NodeCount:     len(g.Nodes),
		EdgeCount:     len(g.Edges),
		NoteCount:     len(g.Notes),
		Components:    make([][]string, 0),
		DanglingEdges: make([]string, 0),
	}
	for _, aux := range g.Aux {
		if aux.Link != "" {
			s.LinkCount++
		}
	}

	ug := simple.NewUndirectedGraph()
	ids := make(map[string]int64, len(g.Nodes))
	labels := make(map[int64]string, len(g.Nodes))
	for i, n := range g.Nodes {
		id := int64(i)
		ids[n.ID] = id
		labels[id] = n.ID
		ug.AddNode(simple.Node(id))
	}

	for _, e := range g.Edges {
		from, okFrom := ids[e.Source]
		to, okTo := ids[e.Target]
		if !okFrom || !okTo {
			s.DanglingEdges = append(s.DanglingEdges, e.ID)
			continue
		}
		if from == to {
			continue
		}
		ug.SetEdge(ug.NewEdge(simple.Node(from), simple.Node(to)))
	}

	for _, component := range topo.ConnectedComponents(ug) {
		members := make([]string, 0, len(component))
		for _, n := range component {
			members = append(members, labels[n.ID()])
		}
		sort.Strings(members)
		s.Components = append(s.Components, members)
	}
	sort.SliceStable(s.Components, func(i, j int) bool {
		if len(s.Components[i]) != len(s.Components[j]) {
			return len(s.Components[i]) > len(s.Components[j])
		}
		return s.Components[i][0] < s.Components[j][0]
	})

	return s
}
