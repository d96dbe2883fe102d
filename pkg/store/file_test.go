package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ritzau/mapsync/pkg/model"
)

func TestFileStoreRoundTrip(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Load(ctx, "m1")
	assert.True(t, errors.Is(err, ErrNotFound))

	g := model.NewGraph("m1", "Plan")
	g.Nodes = append(g.Nodes, model.Node{ID: "1", Title: "Start"})
	require.NoError(t, s.Save(ctx, g))

	loaded, err := s.Load(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "Plan", loaded.Name)
	assert.NotEmpty(t, loaded.Revision)
	require.Len(t, loaded.Nodes, 1)
}

func TestFileStoreRejectsPathIDs(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = s.Load(context.Background(), "../etc/passwd")
	assert.Error(t, err)
	assert.Error(t, s.Save(context.Background(), model.NewGraph(".hidden", "x")))
}

func TestFileStoreWatchSeesHandEdits(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Save(ctx, model.NewGraph("m1", "Plan")))
	changes, err := s.Watch(ctx, "m1")
	require.NoError(t, err)

	doc := `{"id":"m1","name":"Edited by hand","nodes":[],"edges":[]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "m1.json"), []byte(doc), 0o644))

	select {
	case g := <-changes:
		assert.Equal(t, "Edited by hand", g.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("no change notification")
	}

	// Other maps in the same directory are not reported.
	require.NoError(t, s.Save(ctx, model.NewGraph("m2", "Other")))
	select {
	case g := <-changes:
		t.Fatalf("unexpected notification for %s", g.ID)
	case <-time.After(100 * time.Millisecond):
	}
}
