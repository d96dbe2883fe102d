// Command mapsync-agent joins a map as a headless participant. It tracks
// presence, wanders its cursor, optionally creates a node and drags it
// around, and logs what it sees of the other participants.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/ritzau/mapsync/pkg/collab"
	"github.com/ritzau/mapsync/pkg/config"
	"github.com/ritzau/mapsync/pkg/logging"
	"github.com/ritzau/mapsync/pkg/model"
	"github.com/ritzau/mapsync/pkg/realtime"
	"github.com/ritzau/mapsync/pkg/store"
)

func main() {
	flags := pflag.NewFlagSet("mapsync-agent", pflag.ExitOnError)
	flags.String("verbosity", "info", "log level: trace, debug, info, warn or error")
	flags.String("agent.server", "http://localhost:8080", "mapsync server URL")
	flags.String("agent.map", "", "map to join")
	flags.String("agent.participant", "", "participant id")
	flags.String("agent.username", "", "display name")
	flags.String("agent.codec", "json", "channel codec: json or msgpack")
	flags.Bool("agent.create_node", false, "create a node and drag it around")
	flags.Int("collab.fps", 20, "cursor broadcasts per second")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	if err := logging.Configure(cfg.Verbosity, cfg.JSONLogs); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	if cfg.Agent.Map == "" || cfg.Agent.Participant == "" {
		fmt.Fprintln(os.Stderr, "Error: --agent.map and --agent.participant are required")
		os.Exit(2)
	}
	if cfg.Agent.Username == "" {
		cfg.Agent.Username = cfg.Agent.Participant
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logging.Fatal("agent failed", "error", err)
	}
}

// channelURL turns http://host into ws://host/ws/maps/{id}.
func channelURL(server, mapID string) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(server, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid server url %q: %w", server, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server scheme %q", u.Scheme)
	}
	u.Path += "/ws/maps/" + url.PathEscape(mapID)
	return u.String(), nil
}

func run(ctx context.Context, cfg *config.Config) error {
	a := cfg.Agent
	remote, err := store.NewRemote(store.RemoteConfig{
		BaseURL:       a.Server,
		ParticipantID: a.Participant,
		Username:      a.Username,
	})
	if err != nil {
		return err
	}

	codec, err := realtime.CodecByName(a.Codec)
	if err != nil {
		return err
	}
	wsURL, err := channelURL(a.Server, a.Map)
	if err != nil {
		return err
	}
	header := http.Header{}
	header.Set("X-Participant-ID", a.Participant)
	header.Set("X-Username", a.Username)
	conn, err := realtime.Dial(ctx, wsURL, codec, header)
	if err != nil {
		return err
	}

	session, err := collab.Open(ctx, collab.Config{
		MapID:      a.Map,
		Self:       collab.NewIdentity(a.Participant, a.Username),
		FPS:        cfg.Collab.FPS,
		EditWindow: cfg.Collab.EditDebounce,
		DragWindow: cfg.Collab.DragDebounce,
		StaleAfter: cfg.Collab.StaleAfter,
	}, remote, remote, conn)
	if err != nil {
		conn.Close()
		return err
	}

	runErr := make(chan error, 1)
	go func() { runErr <- session.Run(ctx) }()

	views, cancel := session.Subscribe()
	defer cancel()
	go logRoster(views)

	go wander(ctx, session, cfg.Collab.FPS)
	if a.CreateNode {
		go dragNode(ctx, session)
	}

	err = <-runErr
	if errors.Is(err, collab.ErrChannelClosed) {
		return fmt.Errorf("server closed the channel: %w", err)
	}
	return err
}

// logRoster logs who is online whenever that changes.
func logRoster(views <-chan collab.View) {
	last := ""
	for v := range views {
		var online []string
		for _, p := range v.Participants {
			if p.Online {
				online = append(online, p.Username)
			}
		}
		roster := strings.Join(online, ", ")
		if roster != last {
			logging.Info("participants online", "map", v.MapID, "online", roster, "nodes", len(v.Nodes), "cursors", len(v.Cursors))
			last = roster
		}
	}
}

// wander moves the cursor along a Lissajous curve at fps.
func wander(ctx context.Context, s *collab.Session, fps int) {
	if fps <= 0 {
		fps = 20
	}
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			p := cursorPath(now.Sub(start))
			s.PointerMove(p.X, p.Y, model.Viewport{Zoom: 1})
		}
	}
}

// dragNode creates a node, then drags it in a circle and drops it every
// few seconds.
func dragNode(ctx context.Context, s *collab.Session) {
	id, err := s.CreateNode(ctx, model.Position{X: 200, Y: 200})
	if err != nil {
		logging.Warn("failed to create node", "error", err)
		return
	}
	logging.Info("created node", "node", id)

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	start := time.Now()
	for step := 1; ; step++ {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			pos := dragPath(now.Sub(start))
			if step%60 == 0 {
				err = s.DragStop(ctx, id, pos)
			} else {
				err = s.DragMove(ctx, id, pos)
			}
			if errors.Is(err, collab.ErrUnknownNode) {
				logging.Info("node was deleted, stopping", "node", id)
				return
			}
			if err != nil {
				return
			}
		}
	}
}
