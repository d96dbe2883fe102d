package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ritzau/mapsync/pkg/model"
)

// Memory is an in-process Store and Directory. Graphs are kept in their
// encoded document form so every Load returns an independent copy.
type Memory struct {
	mu       sync.RWMutex
	docs     map[string][]byte
	profiles map[string]model.Participant
	members  map[string]map[string]bool // map id -> participant id -> online

	graphs      *feed[*model.Graph]
	memberLists *feed[[]model.Participant]
}

// NewMemory creates an empty memory store.
func NewMemory() *Memory {
	return &Memory{
		docs:        make(map[string][]byte),
		profiles:    make(map[string]model.Participant),
		members:     make(map[string]map[string]bool),
		graphs:      newFeed[*model.Graph](),
		memberLists: newFeed[[]model.Participant](),
	}
}

func (m *Memory) Load(ctx context.Context, id string) (*model.Graph, error) {
	m.mu.RLock()
	data, ok := m.docs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("map %s: %w", id, ErrNotFound)
	}
	return model.Decode(data)
}

func (m *Memory) Save(ctx context.Context, g *model.Graph) error {
	data, err := model.Encode(g)
	if err != nil {
		return fmt.Errorf("failed to encode map %s: %w", g.ID, err)
	}
	doc, err := model.Decode(data)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.docs[g.ID] = data
	m.mu.Unlock()

	m.graphs.publish(g.ID, doc)
	return nil
}

func (m *Memory) Watch(ctx context.Context, id string) (<-chan *model.Graph, error) {
	return m.graphs.subscribe(ctx, id), nil
}

// PutProfile adds or replaces a participant profile.
func (m *Memory) PutProfile(ctx context.Context, p model.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.Member = false
	p.Online = false
	m.profiles[p.ID] = p
	return nil
}

// AddMember grants participantID access to mapID.
func (m *Memory) AddMember(ctx context.Context, mapID, participantID string) error {
	m.mu.Lock()
	if m.members[mapID] == nil {
		m.members[mapID] = make(map[string]bool)
	}
	if _, ok := m.members[mapID][participantID]; !ok {
		m.members[mapID][participantID] = false
	}
	members := m.membersLocked(mapID)
	m.mu.Unlock()

	m.memberLists.publish(mapID, members)
	return nil
}

func (m *Memory) Profile(ctx context.Context, participantID string) (model.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[participantID]
	if !ok {
		return model.Participant{}, fmt.Errorf("profile %s: %w", participantID, ErrNotFound)
	}
	return p, nil
}

func (m *Memory) Members(ctx context.Context, mapID string) ([]model.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.membersLocked(mapID), nil
}

func (m *Memory) membersLocked(mapID string) []model.Participant {
	out := make([]model.Participant, 0, len(m.members[mapID]))
	for id, online := range m.members[mapID] {
		p, ok := m.profiles[id]
		if !ok {
			p = model.Participant{ID: id}
		}
		p.Member = true
		p.Online = online
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) IsMember(ctx context.Context, mapID, participantID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.members[mapID][participantID]
	return ok, nil
}

func (m *Memory) SetOnline(ctx context.Context, mapID, participantID string, online bool) error {
	m.mu.Lock()
	current, ok := m.members[mapID][participantID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("member %s of map %s: %w", participantID, mapID, ErrNotFound)
	}
	if current == online {
		m.mu.Unlock()
		return nil
	}
	m.members[mapID][participantID] = online
	members := m.membersLocked(mapID)
	m.mu.Unlock()

	m.memberLists.publish(mapID, members)
	return nil
}

func (m *Memory) WatchMembers(ctx context.Context, mapID string) (<-chan []model.Participant, error) {
	return m.memberLists.subscribe(ctx, mapID), nil
}
