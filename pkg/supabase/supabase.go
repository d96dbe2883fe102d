// Package supabase connects mapsync to a hosted Supabase project: bearer
// tokens are verified with Supabase Auth, and maps, profiles and
// memberships live in PostgREST tables.
//
// Expected tables:
//
//	maps(id text primary key, document jsonb, revision text, updated_at timestamptz)
//	profiles(id text primary key, username text, avatar_url text)
//	map_members(map_id text, participant_id text, online boolean)
package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	supa "github.com/supabase-community/supabase-go"

	"github.com/ritzau/mapsync/pkg/model"
	"github.com/ritzau/mapsync/pkg/store"
)

const (
	mapsTable    = "maps"
	profileTable = "profiles"
	memberTable  = "map_members"
)

// ErrUnauthorized is returned for tokens Supabase Auth does not accept.
var ErrUnauthorized = errors.New("unauthorized")

// Backend is a store.Store and store.Directory on a Supabase project.
// PostgREST calls are not cancellable; ctx only ends watches.
type Backend struct {
	client *supa.Client
	poll   time.Duration
}

// New creates a backend for the project at url using an API key.
func New(url, key string, poll time.Duration) (*Backend, error) {
	client, err := supa.NewClient(url, key, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create supabase client: %w", err)
	}
	return &Backend{client: client, poll: poll}, nil
}

// Authenticate resolves a bearer token to the participant it belongs to.
func (b *Backend) Authenticate(ctx context.Context, token string) (model.Participant, error) {
	user, err := b.client.Auth.WithToken(token).GetUser()
	if err != nil {
		return model.Participant{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	p := model.Participant{ID: user.ID.String()}
	if name, ok := user.UserMetadata["username"].(string); ok && name != "" {
		p.Username = name
	} else {
		p.Username, _, _ = strings.Cut(user.Email, "@")
	}
	if avatar, ok := user.UserMetadata["avatar_url"].(string); ok {
		p.AvatarURL = avatar
	}
	return p, nil
}

type mapRow struct {
	ID        string          `json:"id"`
	Document  json.RawMessage `json:"document,omitempty"`
	Revision  string          `json:"revision"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type profileRow struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url"`
}

type memberRow struct {
	MapID         string `json:"map_id"`
	ParticipantID string `json:"participant_id"`
	Online        bool   `json:"online"`
}

func (b *Backend) Load(ctx context.Context, id string) (*model.Graph, error) {
	var rows []mapRow
	if _, err := b.client.From(mapsTable).Select("id,document", "", false).Eq("id", id).ExecuteTo(&rows); err != nil {
		return nil, fmt.Errorf("failed to load map %s: %w", id, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("map %s: %w", id, store.ErrNotFound)
	}
	return model.Decode(rows[0].Document)
}

func (b *Backend) Save(ctx context.Context, g *model.Graph) error {
	if g.Revision == "" {
		g = g.Clone()
		g.Revision = uuid.New().String()
	}
	doc, err := model.Encode(g)
	if err != nil {
		return err
	}
	row := mapRow{ID: g.ID, Document: doc, Revision: g.Revision, UpdatedAt: g.UpdatedAt.UTC()}
	if _, _, err := b.client.From(mapsTable).Upsert(row, "id", "minimal", "").Execute(); err != nil {
		return fmt.Errorf("failed to save map %s: %w", g.ID, err)
	}
	return nil
}

func (b *Backend) revision(id string) (string, error) {
	var rows []mapRow
	if _, err := b.client.From(mapsTable).Select("id,revision", "", false).Eq("id", id).ExecuteTo(&rows); err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", store.ErrNotFound
	}
	return rows[0].Revision, nil
}

// Watch polls the revision column.
func (b *Backend) Watch(ctx context.Context, id string) (<-chan *model.Graph, error) {
	last, err := b.revision(id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to watch map %s: %w", id, err)
	}
	return store.Poller{
		Interval: b.poll,
		Last:     last,
		Revision: func(context.Context) (string, error) { return b.revision(id) },
		Load:     func(ctx context.Context) (*model.Graph, error) { return b.Load(ctx, id) },
	}.Run(ctx), nil
}

func (b *Backend) Profile(ctx context.Context, participantID string) (model.Participant, error) {
	var rows []profileRow
	if _, err := b.client.From(profileTable).Select("id,username,avatar_url", "", false).Eq("id", participantID).ExecuteTo(&rows); err != nil {
		return model.Participant{}, fmt.Errorf("failed to load profile %s: %w", participantID, err)
	}
	if len(rows) == 0 {
		return model.Participant{}, fmt.Errorf("profile %s: %w", participantID, store.ErrNotFound)
	}
	return model.Participant{ID: rows[0].ID, Username: rows[0].Username, AvatarURL: rows[0].AvatarURL}, nil
}

// PutProfile upserts the profile of an authenticated participant so other
// members can resolve their name.
func (b *Backend) PutProfile(ctx context.Context, p model.Participant) error {
	row := profileRow{ID: p.ID, Username: p.Username, AvatarURL: p.AvatarURL}
	if _, _, err := b.client.From(profileTable).Upsert(row, "id", "minimal", "").Execute(); err != nil {
		return fmt.Errorf("failed to save profile %s: %w", p.ID, err)
	}
	return nil
}

func (b *Backend) Members(ctx context.Context, mapID string) ([]model.Participant, error) {
	var rows []memberRow
	if _, err := b.client.From(memberTable).Select("map_id,participant_id,online", "", false).Eq("map_id", mapID).ExecuteTo(&rows); err != nil {
		return nil, fmt.Errorf("failed to list members of map %s: %w", mapID, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ParticipantID
	}
	var profiles []profileRow
	if _, err := b.client.From(profileTable).Select("id,username,avatar_url", "", false).In("id", ids).ExecuteTo(&profiles); err != nil {
		return nil, fmt.Errorf("failed to load member profiles of map %s: %w", mapID, err)
	}
	byID := make(map[string]profileRow, len(profiles))
	for _, p := range profiles {
		byID[p.ID] = p
	}

	out := make([]model.Participant, 0, len(rows))
	for _, r := range rows {
		p := byID[r.ParticipantID]
		out = append(out, model.Participant{
			ID:        r.ParticipantID,
			Username:  p.Username,
			AvatarURL: p.AvatarURL,
			Member:    true,
			Online:    r.Online,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (b *Backend) IsMember(ctx context.Context, mapID, participantID string) (bool, error) {
	var rows []memberRow
	_, err := b.client.From(memberTable).Select("participant_id", "", false).
		Eq("map_id", mapID).Eq("participant_id", participantID).ExecuteTo(&rows)
	if err != nil {
		return false, fmt.Errorf("failed to check membership: %w", err)
	}
	return len(rows) > 0, nil
}

// AddMember grants participantID access to mapID.
func (b *Backend) AddMember(ctx context.Context, mapID, participantID string) error {
	row := memberRow{MapID: mapID, ParticipantID: participantID}
	if _, _, err := b.client.From(memberTable).Upsert(row, "map_id,participant_id", "minimal", "").Execute(); err != nil {
		return fmt.Errorf("failed to add member %s to map %s: %w", participantID, mapID, err)
	}
	return nil
}

func (b *Backend) SetOnline(ctx context.Context, mapID, participantID string, online bool) error {
	var rows []memberRow
	_, err := b.client.From(memberTable).Update(map[string]any{"online": online}, "representation", "").
		Eq("map_id", mapID).Eq("participant_id", participantID).ExecuteTo(&rows)
	if err != nil {
		return fmt.Errorf("failed to update online flag: %w", err)
	}
	if len(rows) == 0 {
		return fmt.Errorf("member %s of map %s: %w", participantID, mapID, store.ErrNotFound)
	}
	return nil
}

// WatchMembers polls the membership table.
func (b *Backend) WatchMembers(ctx context.Context, mapID string) (<-chan []model.Participant, error) {
	return store.PollMembers(ctx, b.poll, func(ctx context.Context) ([]model.Participant, error) {
		return b.Members(ctx, mapID)
	}), nil
}
