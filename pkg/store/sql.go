package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ritzau/mapsync/pkg/logging"
	"github.com/ritzau/mapsync/pkg/model"
)

// DefaultPollInterval is how often SQL and remote stores check for writes
// made by other processes.
const DefaultPollInterval = time.Second

var schema = []string{
	`CREATE TABLE IF NOT EXISTS maps (
		id TEXT PRIMARY KEY,
		document TEXT NOT NULL,
		revision TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS profiles (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		avatar_url TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS members (
		map_id TEXT NOT NULL,
		participant_id TEXT NOT NULL,
		online BOOLEAN NOT NULL DEFAULT FALSE,
		PRIMARY KEY (map_id, participant_id)
	)`,
}

// SQLStore keeps documents, profiles and membership in a SQL database. It
// notifies watchers in this process at once and polls for writes made by
// other processes.
type SQLStore struct {
	db   *sql.DB
	poll time.Duration

	graphs      *feed[*model.Graph]
	memberLists *feed[[]model.Participant]
}

// OpenSQLite opens (creating if needed) a sqlite database and its schema.
func OpenSQLite(ctx context.Context, dsn string, poll time.Duration) (*SQLStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite %s: %w", dsn, err)
	}
	// Serialize writers; sqlite allows one at a time anyway.
	db.SetMaxOpenConns(1)

	s := NewSQLStore(db, poll)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an open database. Call Migrate to create the schema.
func NewSQLStore(db *sql.DB, poll time.Duration) *SQLStore {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &SQLStore{
		db:          db,
		poll:        poll,
		graphs:      newFeed[*model.Graph](),
		memberLists: newFeed[[]model.Participant](),
	}
}

// Migrate creates missing tables.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Load(ctx context.Context, id string) (*model.Graph, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM maps WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("map %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load map %s: %w", id, err)
	}
	return model.Decode([]byte(doc))
}

// Save overwrites the document. Documents without a revision get one.
func (s *SQLStore) Save(ctx context.Context, g *model.Graph) error {
	if g.Revision == "" {
		g = g.Clone()
		g.Revision = uuid.New().String()
	}
	data, err := model.Encode(g)
	if err != nil {
		return fmt.Errorf("failed to encode map %s: %w", g.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO maps (id, document, revision, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET document = excluded.document, revision = excluded.revision, updated_at = excluded.updated_at`,
		g.ID, string(data), g.Revision, g.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save map %s: %w", g.ID, err)
	}

	if s.graphs.subscribers(g.ID) > 0 {
		if doc, err := model.Decode(data); err == nil {
			s.graphs.publish(g.ID, doc)
		}
	}
	return nil
}

func (s *SQLStore) revision(ctx context.Context, id string) (string, error) {
	var rev string
	err := s.db.QueryRowContext(ctx, `SELECT revision FROM maps WHERE id = ?`, id).Scan(&rev)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return rev, err
}

// Watch delivers documents saved through this store immediately and those
// saved by other processes within one poll interval.
func (s *SQLStore) Watch(ctx context.Context, id string) (<-chan *model.Graph, error) {
	last, err := s.revision(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to watch map %s: %w", id, err)
	}

	return Poller{
		Interval: s.poll,
		Last:     last,
		Local:    s.graphs.subscribe(ctx, id),
		Revision: func(ctx context.Context) (string, error) { return s.revision(ctx, id) },
		Load:     func(ctx context.Context) (*model.Graph, error) { return s.Load(ctx, id) },
	}.Run(ctx), nil
}

// PutProfile adds or replaces a participant profile.
func (s *SQLStore) PutProfile(ctx context.Context, p model.Participant) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles (id, username, avatar_url) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET username = excluded.username, avatar_url = excluded.avatar_url`,
		p.ID, p.Username, p.AvatarURL)
	if err != nil {
		return fmt.Errorf("failed to save profile %s: %w", p.ID, err)
	}
	return nil
}

// AddMember grants participantID access to mapID.
func (s *SQLStore) AddMember(ctx context.Context, mapID, participantID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO members (map_id, participant_id, online) VALUES (?, ?, FALSE) ON CONFLICT DO NOTHING`,
		mapID, participantID)
	if err != nil {
		return fmt.Errorf("failed to add member %s to map %s: %w", participantID, mapID, err)
	}
	s.publishMembers(ctx, mapID)
	return nil
}

func (s *SQLStore) Profile(ctx context.Context, participantID string) (model.Participant, error) {
	p := model.Participant{ID: participantID}
	err := s.db.QueryRowContext(ctx, `SELECT username, avatar_url FROM profiles WHERE id = ?`, participantID).
		Scan(&p.Username, &p.AvatarURL)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Participant{}, fmt.Errorf("profile %s: %w", participantID, ErrNotFound)
	}
	if err != nil {
		return model.Participant{}, fmt.Errorf("failed to load profile %s: %w", participantID, err)
	}
	return p, nil
}

func (s *SQLStore) Members(ctx context.Context, mapID string) ([]model.Participant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.participant_id, COALESCE(p.username, ''), COALESCE(p.avatar_url, ''), m.online
		FROM members m LEFT JOIN profiles p ON p.id = m.participant_id
		WHERE m.map_id = ? ORDER BY m.participant_id`, mapID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members of map %s: %w", mapID, err)
	}
	defer rows.Close()

	var out []model.Participant
	for rows.Next() {
		p := model.Participant{Member: true}
		if err := rows.Scan(&p.ID, &p.Username, &p.AvatarURL, &p.Online); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLStore) IsMember(ctx context.Context, mapID, participantID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM members WHERE map_id = ? AND participant_id = ?`, mapID, participantID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check membership: %w", err)
	}
	return n > 0, nil
}

func (s *SQLStore) SetOnline(ctx context.Context, mapID, participantID string, online bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE members SET online = ? WHERE map_id = ? AND participant_id = ?`, online, mapID, participantID)
	if err != nil {
		return fmt.Errorf("failed to update online flag: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("member %s of map %s: %w", participantID, mapID, ErrNotFound)
	}
	s.publishMembers(ctx, mapID)
	return nil
}

func (s *SQLStore) publishMembers(ctx context.Context, mapID string) {
	if s.memberLists.subscribers(mapID) == 0 {
		return
	}
	members, err := s.Members(ctx, mapID)
	if err != nil {
		logging.Warn("failed to reload members", "map", mapID, "error", err)
		return
	}
	s.memberLists.publish(mapID, members)
}

// WatchMembers delivers member list changes made through this store.
func (s *SQLStore) WatchMembers(ctx context.Context, mapID string) (<-chan []model.Participant, error) {
	return s.memberLists.subscribe(ctx, mapID), nil
}
