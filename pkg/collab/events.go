package collab

import (
	"github.com/ritzau/mapsync/pkg/model"
)

// Events are grouped by source; each source has its own queue so events
// from one source are handled in the order they were posted.

// command is a local edit posted by the owner of the session.
type command struct {
	apply func(s *Synchronizer) (Effects, error)
	reply chan error
}

// pointerMove is a pane-level pointer event in screen space.
type pointerMove struct {
	x, y     float64
	viewport model.Viewport
}

// profileResolved carries the result of an asynchronous profile lookup.
type profileResolved struct {
	id      string
	profile model.Participant
	err     error
}

// sweep expires stale overlay entries.
type sweep struct{}
