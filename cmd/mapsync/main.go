// Command mapsync serves collaborative maps: the document API with its
// change streams, membership, and the realtime channel hub.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/ritzau/mapsync/pkg/config"
	"github.com/ritzau/mapsync/pkg/logging"
	"github.com/ritzau/mapsync/pkg/metrics"
	"github.com/ritzau/mapsync/pkg/pubsub"
	"github.com/ritzau/mapsync/pkg/web"
)

func main() {
	flags := pflag.NewFlagSet("mapsync", pflag.ExitOnError)
	flags.Int("port", 8080, "HTTP port")
	flags.String("verbosity", "info", "log level: trace, debug, info, warn or error")
	flags.Bool("json_logs", false, "log as JSON")
	flags.String("store.driver", "memory", "document store: memory, sqlite, file or supabase")
	flags.String("store.dsn", "mapsync.db", "sqlite database path")
	flags.String("store.dir", "maps", "directory of the file store")
	flags.Bool("auth.open_join", true, "admit and enroll participants who are not members")
	flags.String("auth.mode", "header", "authentication: header or supabase")
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logging.Fatal("server failed", "error", err)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	b, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.close()

	server := newServer(cfg, b)
	logging.Info("mapsync ready", "store", cfg.Store.Driver, "auth", cfg.Auth.Mode, "openJoin", cfg.Auth.OpenJoin)
	return server.Start(ctx, cfg.Port)
}

func newServer(cfg *config.Config, b *backend) *web.Server {
	m := metrics.New("mapsync")
	hub := pubsub.NewHub(pubsub.HubConfig{
		FrameRate:  cfg.Hub.FrameRate,
		FrameBurst: cfg.Hub.FrameBurst,
		SendBuffer: cfg.Hub.SendBuffer,
	}, m)

	return web.NewServer(web.Options{
		Store:     b.store,
		Directory: b.dir,
		Auth:      b.auth,
		Hub:       hub,
		Metrics:   m,
		OpenJoin:  cfg.Auth.OpenJoin,
	})
}
