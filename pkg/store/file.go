package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/ritzau/mapsync/pkg/logging"
	"github.com/ritzau/mapsync/pkg/model"
)

const docExt = ".json"

// FileStore keeps one JSON document per map in a directory. Changes made
// by any process, including hand edits, reach watchers through fsnotify.
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return "", fmt.Errorf("invalid map id %q", id)
	}
	return filepath.Join(s.dir, id+docExt), nil
}

func (s *FileStore) Load(ctx context.Context, id string) (*model.Graph, error) {
	p, err := s.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("map %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read map %s: %w", id, err)
	}
	return model.Decode(data)
}

// Save replaces the document atomically by writing a temporary file and
// renaming it over the old one.
func (s *FileStore) Save(ctx context.Context, g *model.Graph) error {
	p, err := s.path(g.ID)
	if err != nil {
		return err
	}
	if g.Revision == "" {
		g = g.Clone()
		g.Revision = uuid.New().String()
	}
	data, err := model.Encode(g)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, "."+g.ID+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to save map %s: %w", g.ID, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to save map %s: %w", g.ID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to save map %s: %w", g.ID, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("failed to save map %s: %w", g.ID, err)
	}
	return nil
}

// Watch reports every change of the map's file. Unchanged rewrites and
// unparseable intermediate states are skipped.
func (s *FileStore) Watch(ctx context.Context, id string) (<-chan *model.Graph, error) {
	p, err := s.path(id)
	if err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	// Watch the directory, not the file: renames replace the inode.
	if err := w.Add(s.dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", s.dir, err)
	}

	last, _ := os.ReadFile(p)
	out := make(chan *model.Graph, watchBuffer)
	go func() {
		defer close(out)
		defer w.Close()

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != p || !event.Has(fsnotify.Create|fsnotify.Write) {
					continue
				}
				data, err := os.ReadFile(p)
				if err != nil || bytes.Equal(data, last) {
					continue
				}
				g, err := model.Decode(data)
				if err != nil {
					logging.Debug("skipping unreadable map file", "path", p, "error", err)
					continue
				}
				last = data
				select {
				case out <- g:
				case <-ctx.Done():
					return
				}

			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logging.Warn("file watcher error", "path", s.dir, "error", err)
			}
		}
	}()
	return out, nil
}
