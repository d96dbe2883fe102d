package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ritzau/mapsync/pkg/model"
	"github.com/ritzau/mapsync/pkg/pubsub"
)

func newRemoteServer(t *testing.T, mux *http.ServeMux) *Remote {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	r, err := NewRemote(RemoteConfig{BaseURL: srv.URL, ParticipantID: "alice", Username: "Alice"})
	require.NoError(t, err)
	return r
}

func TestRemoteLoadSave(t *testing.T) {
	backend := NewMemory()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/maps/{id}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "alice", r.Header.Get("X-Participant-ID"))
		g, err := backend.Load(r.Context(), r.PathValue("id"))
		if errors.Is(err, ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		data, _ := model.Encode(g)
		w.Write(data)
	})
	mux.HandleFunc("PUT /api/maps/{id}", func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		g, err := model.Decode(data)
		if !assert.NoError(t, err) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		assert.NoError(t, backend.Save(r.Context(), g))
		w.WriteHeader(http.StatusNoContent)
	})
	remote := newRemoteServer(t, mux)
	ctx := context.Background()

	_, err := remote.Load(ctx, "m1")
	assert.True(t, errors.Is(err, ErrNotFound))

	g := model.NewGraph("m1", "Plan")
	g.Revision = "r1"
	require.NoError(t, remote.Save(ctx, g))

	loaded, err := remote.Load(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "Plan", loaded.Name)
	assert.Equal(t, "r1", loaded.Revision)
}

func writeEvent(t *testing.T, w http.ResponseWriter, typ string, v any) {
	data, err := json.Marshal(v)
	assert.NoError(t, err)
	assert.NoError(t, pubsub.WriteSSE(w, pubsub.Event{Type: typ, Data: data}))
	w.(http.Flusher).Flush()
}

func TestRemoteWatchSkipsRepeatedRevisions(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/maps/{id}/changes", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": connected\n\n")
		for _, rev := range []string{"r1", "r1", "r2"} {
			g := model.NewGraph("m1", "Plan "+rev)
			g.Revision = rev
			writeEvent(t, w, pubsub.EventDocument, model.ToDocument(g))
		}
		<-r.Context().Done()
	})
	remote := newRemoteServer(t, mux)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes, err := remote.Watch(ctx, "m1")
	require.NoError(t, err)

	assert.Equal(t, "r1", (<-changes).Revision)
	assert.Equal(t, "r2", (<-changes).Revision)

	cancel()
	select {
	case _, ok := <-changes:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed")
	}
}

func TestRemoteDirectory(t *testing.T) {
	members := []model.Participant{{ID: "alice", Username: "Alice", Member: true, Online: true}}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/maps/{id}/members", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(members)
	})
	mux.HandleFunc("GET /api/maps/{id}/members/changes", func(w http.ResponseWriter, r *http.Request) {
		writeEvent(t, w, pubsub.EventMembers, members)
		<-r.Context().Done()
	})
	mux.HandleFunc("GET /api/profiles/{id}", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(model.Participant{ID: r.PathValue("id"), Username: "Alice"})
	})
	remote := newRemoteServer(t, mux)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got, err := remote.Members(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, members, got)

	ok, err := remote.IsMember(ctx, "m1", "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	p, err := remote.Profile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", p.Username)

	updates, err := remote.WatchMembers(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, members, <-updates)

	assert.True(t, errors.Is(remote.SetOnline(ctx, "m1", "alice", false), errors.ErrUnsupported))
}
