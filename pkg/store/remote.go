package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ritzau/mapsync/pkg/logging"
	"github.com/ritzau/mapsync/pkg/model"
	"github.com/ritzau/mapsync/pkg/pubsub"
)

const (
	maxEventSize   = 8 << 20
	reconnectDelay = time.Second
)

// RemoteConfig identifies a mapsync server and the participant talking to it.
type RemoteConfig struct {
	BaseURL       string
	ParticipantID string
	Username      string
	Token         string // bearer token; used instead of the identity headers when set
	Client        *http.Client
}

// Remote is a Store and Directory backed by a mapsync server's HTTP API.
// Change feeds are read from its server-sent event streams.
type Remote struct {
	cfg    RemoteConfig
	base   *url.URL
	client *http.Client
}

func NewRemote(cfg RemoteConfig) (*Remote, error) {
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server url %q: %w", cfg.BaseURL, err)
	}
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	return &Remote{cfg: cfg, base: base, client: client}, nil
}

func (r *Remote) url(parts ...string) string {
	u := *r.base
	for _, p := range parts {
		u.Path += "/" + url.PathEscape(p)
	}
	return u.String()
}

func (r *Remote) do(ctx context.Context, method, target string, body []byte) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.Token)
	} else {
		req.Header.Set("X-Participant-ID", r.cfg.ParticipantID)
		req.Header.Set("X-Username", r.cfg.Username)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%s %s: %w", method, target, ErrNotFound)
		}
		return nil, fmt.Errorf("%s %s: %s: %s", method, target, resp.Status, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}

func (r *Remote) getJSON(ctx context.Context, target string, v any) error {
	resp, err := r.do(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", target, err)
	}
	return nil
}

func (r *Remote) Load(ctx context.Context, id string) (*model.Graph, error) {
	resp, err := r.do(ctx, http.MethodGet, r.url("api", "maps", id), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read map %s: %w", id, err)
	}
	return model.Decode(data)
}

func (r *Remote) Save(ctx context.Context, g *model.Graph) error {
	data, err := model.Encode(g)
	if err != nil {
		return err
	}
	resp, err := r.do(ctx, http.MethodPut, r.url("api", "maps", g.ID), data)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Watch follows the server's change stream, reconnecting until ctx is
// cancelled. Documents repeated after a reconnect are skipped.
func (r *Remote) Watch(ctx context.Context, id string) (<-chan *model.Graph, error) {
	out := make(chan *model.Graph, watchBuffer)
	target := r.url("api", "maps", id, "changes")
	go func() {
		defer close(out)
		last := ""
		r.follow(ctx, target, func(ev pubsub.Event) bool {
			if ev.Type != pubsub.EventDocument {
				return true
			}
			g, err := model.Decode(ev.Data)
			if err != nil {
				logging.Warn("skipping undecodable document event", "map", id, "error", err)
				return true
			}
			if g.Revision != "" && g.Revision == last {
				return true
			}
			last = g.Revision
			select {
			case out <- g:
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()
	return out, nil
}

func (r *Remote) Profile(ctx context.Context, participantID string) (model.Participant, error) {
	var p model.Participant
	err := r.getJSON(ctx, r.url("api", "profiles", participantID), &p)
	return p, err
}

func (r *Remote) Members(ctx context.Context, mapID string) ([]model.Participant, error) {
	var members []model.Participant
	err := r.getJSON(ctx, r.url("api", "maps", mapID, "members"), &members)
	return members, err
}

func (r *Remote) IsMember(ctx context.Context, mapID, participantID string) (bool, error) {
	members, err := r.Members(ctx, mapID)
	if err != nil {
		return false, err
	}
	for _, m := range members {
		if m.ID == participantID {
			return true, nil
		}
	}
	return false, nil
}

// SetOnline is not available to clients; the server derives online flags
// from websocket presence.
func (r *Remote) SetOnline(ctx context.Context, mapID, participantID string, online bool) error {
	return fmt.Errorf("set online flag remotely: %w", errors.ErrUnsupported)
}

func (r *Remote) WatchMembers(ctx context.Context, mapID string) (<-chan []model.Participant, error) {
	out := make(chan []model.Participant, watchBuffer)
	target := r.url("api", "maps", mapID, "members", "changes")
	go func() {
		defer close(out)
		r.follow(ctx, target, func(ev pubsub.Event) bool {
			if ev.Type != pubsub.EventMembers {
				return true
			}
			var members []model.Participant
			if err := json.Unmarshal(ev.Data, &members); err != nil {
				logging.Warn("skipping undecodable member event", "map", mapID, "error", err)
				return true
			}
			select {
			case out <- members:
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()
	return out, nil
}

// follow reads a server-sent event stream, reconnecting after failures,
// until ctx is cancelled or handle returns false.
func (r *Remote) follow(ctx context.Context, target string, handle func(pubsub.Event) bool) {
	for ctx.Err() == nil {
		err := r.stream(ctx, target, handle)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, errStopped) {
			return
		}
		logging.Debug("event stream interrupted, reconnecting", "url", target, "error", err)
		select {
		case <-time.After(reconnectDelay):
		case <-ctx.Done():
			return
		}
	}
}

var errStopped = errors.New("stopped")

func (r *Remote) stream(ctx context.Context, target string, handle func(pubsub.Event) bool) error {
	resp, err := r.do(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxEventSize)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue // comments, blank separators
		}
		var ev pubsub.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			logging.Warn("skipping malformed event", "url", target, "error", err)
			continue
		}
		if !handle(ev) {
			return errStopped
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}
