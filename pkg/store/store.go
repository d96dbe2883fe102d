// Package store defines the durable collaborators of a session: the graph
// store with its change feed, and the participant directory. It provides
// memory, sqlite, file and HTTP backed implementations.
package store

import (
	"context"
	"errors"

	"github.com/ritzau/mapsync/pkg/model"
)

// ErrNotFound is returned when a graph or participant does not exist.
var ErrNotFound = errors.New("not found")

// Store loads and saves whole graph documents.
type Store interface {
	// Load returns the graph with the given id, or ErrNotFound.
	Load(ctx context.Context, id string) (*model.Graph, error)

	// Save overwrites the complete document of g.ID.
	Save(ctx context.Context, g *model.Graph) error

	// Watch delivers the full document whenever any writer updates it. The
	// channel is closed when ctx is cancelled.
	Watch(ctx context.Context, id string) (<-chan *model.Graph, error)
}

// Directory resolves participant profiles and session membership.
type Directory interface {
	Profile(ctx context.Context, participantID string) (model.Participant, error)

	// Members returns the members of a map with their durable online flag.
	Members(ctx context.Context, mapID string) ([]model.Participant, error)

	IsMember(ctx context.Context, mapID, participantID string) (bool, error)

	// SetOnline updates the durable fallback presence flag.
	SetOnline(ctx context.Context, mapID, participantID string, online bool) error

	// WatchMembers delivers the member list whenever the membership table
	// changes. The channel is closed when ctx is cancelled.
	WatchMembers(ctx context.Context, mapID string) (<-chan []model.Participant, error)
}

// Registry records profiles and grants membership.
type Registry interface {
	PutProfile(ctx context.Context, p model.Participant) error
	AddMember(ctx context.Context, mapID, participantID string) error
}

// watchBuffer is the per-watcher queue length of change feeds.
const watchBuffer = 8
