package model

import "strings"

// edgeIDPrefix keeps edge ids visually distinct from node ids.
const edgeIDPrefix = "e"

// NextNodeID returns the identifier for a new node: one greater than the
// largest numeric node id in the graph, or "1" when there is none.
// Non-numeric ids are ignored. Ids are compared as decimal strings, so
// there is no upper bound.
func NextNodeID(g *Graph) string {
	max := ""
	for _, n := range g.Nodes {
		max = maxDecimal(max, n.ID)
	}
	return increment(max)
}

// NextEdgeID returns the identifier for a new edge, "e<n>" where n is one
// greater than the largest numeric suffix among existing edge ids.
func NextEdgeID(g *Graph) string {
	max := ""
	for _, e := range g.Edges {
		max = maxDecimal(max, strings.TrimPrefix(e.ID, edgeIDPrefix))
	}
	return edgeIDPrefix + increment(max)
}

// maxDecimal returns the larger of max and id, where max is a normalized
// decimal ("" for zero). A non-numeric id leaves max unchanged.
func maxDecimal(max, id string) string {
	if id == "" {
		return max
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return max
		}
	}
	id = strings.TrimLeft(id, "0")
	if len(id) > len(max) || (len(id) == len(max) && id > max) {
		return id
	}
	return max
}

// increment adds one to a normalized decimal string.
func increment(n string) string {
	digits := []byte(n)
	for i := len(digits) - 1; i >= 0; i-- {
		if digits[i] < '9' {
			digits[i]++
			return string(digits)
		}
		digits[i] = '0'
	}
	return "1" + string(digits)
}
