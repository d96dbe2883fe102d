package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ritzau/mapsync/pkg/model"
	"github.com/ritzau/mapsync/pkg/store"
)

// fakeProject answers the PostgREST and Auth calls the backend makes.
type fakeProject struct {
	maps     map[string]mapRow
	profiles []profileRow
	members  []memberRow
}

func (f *fakeProject) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.URL.Path == "/auth/v1/user":
		if r.Header.Get("Authorization") != "Bearer good-token" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"code":401,"msg":"invalid token"}`))
			return
		}
		w.Write([]byte(`{"id":"6ba7b810-9dad-11d1-80b4-00c04fd430c8","email":"alice@example.com","user_metadata":{"avatar_url":"https://a/x.png"}}`))

	case r.URL.Path == "/rest/v1/maps" && r.Method == http.MethodGet:
		id := strings.TrimPrefix(r.URL.Query().Get("id"), "eq.")
		rows := []mapRow{}
		if row, ok := f.maps[id]; ok {
			rows = append(rows, row)
		}
		json.NewEncoder(w).Encode(rows)

	case r.URL.Path == "/rest/v1/maps" && r.Method == http.MethodPost:
		var row mapRow
		if err := json.NewDecoder(r.Body).Decode(&row); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.maps[row.ID] = row
		w.WriteHeader(http.StatusCreated)

	case r.URL.Path == "/rest/v1/map_members":
		json.NewEncoder(w).Encode(f.members)

	case r.URL.Path == "/rest/v1/profiles":
		json.NewEncoder(w).Encode(f.profiles)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestBackend(t *testing.T) (*Backend, *fakeProject) {
	t.Helper()
	project := &fakeProject{maps: make(map[string]mapRow)}
	srv := httptest.NewServer(project)
	t.Cleanup(srv.Close)

	b, err := New(srv.URL, "service-key", 0)
	require.NoError(t, err)
	return b, project
}

func TestBackendLoadSave(t *testing.T) {
	b, project := newTestBackend(t)
	ctx := context.Background()

	_, err := b.Load(ctx, "m1")
	assert.True(t, errors.Is(err, store.ErrNotFound))

	g := model.NewGraph("m1", "Plan")
	g.Nodes = append(g.Nodes, model.Node{ID: "1", Title: "Start"})
	require.NoError(t, b.Save(ctx, g))
	require.Contains(t, project.maps, "m1")
	assert.NotEmpty(t, project.maps["m1"].Revision)

	loaded, err := b.Load(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "Plan", loaded.Name)
	require.Len(t, loaded.Nodes, 1)
	assert.Equal(t, project.maps["m1"].Revision, loaded.Revision)
}

func TestBackendMembersJoinsProfiles(t *testing.T) {
	b, project := newTestBackend(t)
	project.members = []memberRow{
		{MapID: "m1", ParticipantID: "bob", Online: true},
		{MapID: "m1", ParticipantID: "alice"},
	}
	project.profiles = []profileRow{{ID: "alice", Username: "Alice"}, {ID: "bob", Username: "Bob"}}

	members, err := b.Members(context.Background(), "m1")
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, model.Participant{ID: "alice", Username: "Alice", Member: true}, members[0])
	assert.Equal(t, model.Participant{ID: "bob", Username: "Bob", Member: true, Online: true}, members[1])
}

func TestAuthenticate(t *testing.T) {
	b, _ := newTestBackend(t)

	p, err := b.Authenticate(context.Background(), "good-token")
	require.NoError(t, err)
	assert.Equal(t, "6ba7b810-9dad-11d1-80b4-00c04fd430c8", p.ID)
	assert.Equal(t, "alice", p.Username)
	assert.Equal(t, "https://a/x.png", p.AvatarURL)

	_, err = b.Authenticate(context.Background(), "bad-token")
	assert.True(t, errors.Is(err, ErrUnauthorized))
}
