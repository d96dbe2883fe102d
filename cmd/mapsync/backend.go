package main

import (
	"context"
	"fmt"

	"github.com/ritzau/mapsync/pkg/config"
	"github.com/ritzau/mapsync/pkg/logging"
	"github.com/ritzau/mapsync/pkg/store"
	"github.com/ritzau/mapsync/pkg/supabase"
	"github.com/ritzau/mapsync/pkg/web"
)

type backend struct {
	store store.Store
	dir   store.Directory
	auth  web.Authenticator
	close func()
}

// openBackend builds the store, directory and authenticator named by cfg.
func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	b := &backend{close: func() {}}

	var hosted *supabase.Backend
	if cfg.Store.Driver == "supabase" || cfg.Auth.Mode == "supabase" {
		var err error
		if hosted, err = supabase.New(cfg.Supabase.URL, cfg.Supabase.Key, cfg.Store.Poll); err != nil {
			return nil, err
		}
	}

	switch cfg.Store.Driver {
	case "memory":
		mem := store.NewMemory()
		b.store, b.dir = mem, mem
		if !cfg.Auth.OpenJoin {
			logging.Warn("memory store starts with no members; enable auth.open_join to admit participants")
		}

	case "sqlite":
		db, err := store.OpenSQLite(ctx, cfg.Store.DSN, cfg.Store.Poll)
		if err != nil {
			return nil, err
		}
		b.store, b.dir = db, db
		b.close = func() { db.Close() }

	case "file":
		files, err := store.NewFileStore(cfg.Store.Dir)
		if err != nil {
			return nil, err
		}
		// Membership is not kept on disk; it lasts for the process.
		b.store, b.dir = files, store.NewMemory()
		if !cfg.Auth.OpenJoin {
			logging.Warn("file store keeps no membership; enable auth.open_join to admit participants")
		}

	case "supabase":
		b.store, b.dir = hosted, hosted

	default:
		return nil, fmt.Errorf("store driver %q cannot back a server", cfg.Store.Driver)
	}

	if cfg.Store.Breaker {
		b.store = store.WithBreaker(b.store, store.DefaultBreakerConfig(cfg.Store.Driver))
	}

	switch cfg.Auth.Mode {
	case "supabase":
		b.auth = web.BearerAuth{Verifier: hosted}
	default:
		b.auth = web.HeaderAuth{}
	}
	return b, nil
}
