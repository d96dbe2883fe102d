package collab

import (
	"sort"
	"strings"

	"github.com/ritzau/mapsync/pkg/model"
	"github.com/ritzau/mapsync/pkg/realtime"
)

// Roster tracks who is connected to a session. The live view comes from
// the channel's presence sync; until the first sync arrives, the durable
// online flags of the membership table stand in for it.
type Roster struct {
	live   map[string]model.PresenceRecord
	synced bool

	members  map[string]model.Participant // membership table, with durable online flags
	profiles map[string]model.Participant
}

func NewRoster() *Roster {
	return &Roster{
		live:     make(map[string]model.PresenceRecord),
		members:  make(map[string]model.Participant),
		profiles: make(map[string]model.Participant),
	}
}

// Sync replaces the live roster with a full presence state, collapsing
// several connections of one participant into a single record (the most
// recently tracked). It returns the participant ids that appeared and
// disappeared since the previous sync.
func (r *Roster) Sync(state realtime.PresenceState) (joined, left []string) {
	next := make(map[string]model.PresenceRecord, len(state))
	for _, metas := range state {
		for _, meta := range metas {
			if meta.ParticipantID == "" {
				continue
			}
			if prev, ok := next[meta.ParticipantID]; ok && !meta.OnlineAt.After(prev.OnlineAt) {
				continue
			}
			next[meta.ParticipantID] = meta
		}
	}

	for id := range next {
		if _, ok := r.live[id]; !ok {
			joined = append(joined, id)
		}
	}
	for id := range r.live {
		if _, ok := next[id]; !ok {
			left = append(left, id)
		}
	}
	sort.Strings(joined)
	sort.Strings(left)

	r.live = next
	r.synced = true
	return joined, left
}

// Synced reports whether at least one presence sync has been applied.
func (r *Roster) Synced() bool {
	return r.synced
}

// Presence returns the live record of a participant.
func (r *Roster) Presence(participantID string) (model.PresenceRecord, bool) {
	p, ok := r.live[participantID]
	return p, ok
}

// Count returns the number of live participants.
func (r *Roster) Count() int {
	return len(r.live)
}

// SetMembers replaces the membership table view.
func (r *Roster) SetMembers(members []model.Participant) {
	r.members = make(map[string]model.Participant, len(members))
	for _, m := range members {
		m.Member = true
		r.members[m.ID] = m
		if m.Username != "" {
			r.profiles[m.ID] = m
		}
	}
}

// SetProfile caches a resolved profile.
func (r *Roster) SetProfile(p model.Participant) {
	r.profiles[p.ID] = p
}

// HasProfile reports whether a profile for the participant is cached.
func (r *Roster) HasProfile(participantID string) bool {
	_, ok := r.profiles[participantID]
	return ok
}

// Username returns the best known display name of a participant.
func (r *Roster) Username(participantID string) string {
	if p, ok := r.profiles[participantID]; ok && p.Username != "" {
		return p.Username
	}
	if p, ok := r.live[participantID]; ok && p.Username != "" {
		return p.Username
	}
	return participantID
}

// Online reports whether a participant is connected. The live roster is
// authoritative once synced.
func (r *Roster) Online(participantID string) bool {
	if r.synced {
		_, ok := r.live[participantID]
		return ok
	}
	return r.members[participantID].Online
}

// Participants merges members and live participants into the participant
// list, ordered online first, then by username.
func (r *Roster) Participants() []model.Participant {
	ids := make(map[string]struct{}, len(r.members)+len(r.live))
	for id := range r.members {
		ids[id] = struct{}{}
	}
	for id := range r.live {
		ids[id] = struct{}{}
	}

	out := make([]model.Participant, 0, len(ids))
	for id := range ids {
		p := r.profiles[id]
		p.ID = id
		p.Username = r.Username(id)
		_, p.Member = r.members[id]
		p.Online = r.Online(id)
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Online != out[j].Online {
			return out[i].Online
		}
		a, b := strings.ToLower(out[i].Username), strings.ToLower(out[j].Username)
		if a != b {
			return a < b
		}
		return out[i].ID < out[j].ID
	})
	return out
}
