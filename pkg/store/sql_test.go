package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ritzau/mapsync/pkg/model"
)

func TestSQLStoreMigrate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS maps").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS profiles").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS members").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, NewSQLStore(db, 0).Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreLoadNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT document FROM maps WHERE id").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"document"}))

	_, err = NewSQLStore(db, 0).Load(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreSaveStampsRevision(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO maps").
		WithArgs("m1", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	g := model.NewGraph("m1", "Plan")
	require.NoError(t, NewSQLStore(db, 0).Save(context.Background(), g))
	assert.Empty(t, g.Revision, "caller's graph must not be modified")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreSaveError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO maps").WillReturnError(errors.New("disk full"))

	err = NewSQLStore(db, 0).Save(context.Background(), model.NewGraph("m1", "Plan"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestSQLStoreSetOnlineNonMember(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE members SET online").
		WithArgs(true, "m1", "bob").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = NewSQLStore(db, 0).SetOnline(context.Background(), "m1", "bob", true)
	assert.True(t, errors.Is(err, ErrNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreMembersJoinsProfiles(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("FROM members m LEFT JOIN profiles").
		WithArgs("m1").
		WillReturnRows(sqlmock.NewRows([]string{"participant_id", "username", "avatar_url", "online"}).
			AddRow("alice", "Alice", "", true).
			AddRow("bob", "", "", false))

	members, err := NewSQLStore(db, 0).Members(context.Background(), "m1")
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, model.Participant{ID: "alice", Username: "Alice", Member: true, Online: true}, members[0])
	assert.Equal(t, "bob", members[1].ID)
	assert.False(t, members[1].Online)
}

func openTestSQLite(t *testing.T) *SQLStore {
	t.Helper()
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "maps.db"), 20*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteRoundTrip(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	g := model.NewGraph("m1", "Plan")
	g.Nodes = append(g.Nodes, model.Node{ID: "1", Title: "Start", Position: model.Position{X: 10, Y: 20}})
	g.Notes = map[string]string{"1": "first"}
	g.Revision = "r1"
	require.NoError(t, s.Save(ctx, g))

	loaded, err := s.Load(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "Plan", loaded.Name)
	assert.Equal(t, "r1", loaded.Revision)
	require.Len(t, loaded.Nodes, 1)
	assert.Equal(t, model.Position{X: 10, Y: 20}, loaded.Nodes[0].Position)
	assert.Equal(t, "first", loaded.Notes["1"])
}

func TestSQLiteWatchSeesOtherWriters(t *testing.T) {
	s := openTestSQLite(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g := model.NewGraph("m1", "Plan")
	g.Revision = "r1"
	require.NoError(t, s.Save(ctx, g))

	changes, err := s.Watch(ctx, "m1")
	require.NoError(t, err)

	// A second handle on the same database does not share the local feed,
	// so its write is only seen by polling.
	other := NewSQLStore(s.db, 0)
	g2 := g.Clone()
	g2.Name = "Renamed"
	g2.Revision = "r2"
	require.NoError(t, other.Save(ctx, g2))

	select {
	case doc := <-changes:
		assert.Equal(t, "Renamed", doc.Name)
		assert.Equal(t, "r2", doc.Revision)
	case <-time.After(2 * time.Second):
		t.Fatal("no change notification")
	}

	cancel()
	for range changes {
	}
}

func TestSQLiteDirectory(t *testing.T) {
	s := openTestSQLite(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.PutProfile(ctx, model.Participant{ID: "alice", Username: "Alice"}))
	updates, err := s.WatchMembers(ctx, "m1")
	require.NoError(t, err)

	require.NoError(t, s.AddMember(ctx, "m1", "alice"))
	members := <-updates
	require.Len(t, members, 1)
	assert.Equal(t, "Alice", members[0].Username)
	assert.False(t, members[0].Online)

	require.NoError(t, s.SetOnline(ctx, "m1", "alice", true))
	members = <-updates
	assert.True(t, members[0].Online)

	ok, err := s.IsMember(ctx, "m1", "alice")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.IsMember(ctx, "m1", "bob")
	require.NoError(t, err)
	assert.False(t, ok)

	p, err := s.Profile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", p.Username)
	_, err = s.Profile(ctx, "bob")
	assert.True(t, errors.Is(err, ErrNotFound))
}
