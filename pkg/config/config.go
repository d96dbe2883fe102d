// Package config loads server and agent settings from defaults, an
// optional mapsync.toml, MAPSYNC_ environment variables and flags.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/maps"
	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// FileName is the optional config file looked up in the working directory.
const FileName = "mapsync.toml"

// EnvPrefix prefixes environment overrides. Sections are separated by a
// double underscore: MAPSYNC_STORE__DRIVER=sqlite.
const EnvPrefix = "MAPSYNC_"

// Config holds all configuration for the server and the agent.
type Config struct {
	Port      int    `koanf:"port"`
	Verbosity string `koanf:"verbosity"`
	JSONLogs  bool   `koanf:"json_logs"`

	Store    StoreConfig    `koanf:"store"`
	Supabase SupabaseConfig `koanf:"supabase"`
	Auth     AuthConfig     `koanf:"auth"`
	Collab   CollabConfig   `koanf:"collab"`
	Hub      HubConfig      `koanf:"hub"`
	Agent    AgentConfig    `koanf:"agent"`
}

type StoreConfig struct {
	Driver  string        `koanf:"driver"` // memory, sqlite, file, http or supabase
	DSN     string        `koanf:"dsn"`
	Dir     string        `koanf:"dir"`
	URL     string        `koanf:"url"`
	Poll    time.Duration `koanf:"poll"`
	Breaker bool          `koanf:"breaker"`
}

type SupabaseConfig struct {
	URL string `koanf:"url"`
	Key string `koanf:"key"`
}

type AuthConfig struct {
	Mode     string `koanf:"mode"` // header or supabase
	OpenJoin bool   `koanf:"open_join"`
}

type CollabConfig struct {
	FPS          int           `koanf:"fps"`
	EditDebounce time.Duration `koanf:"edit_debounce"`
	DragDebounce time.Duration `koanf:"drag_debounce"`
	StaleAfter   time.Duration `koanf:"stale_after"`
}

type HubConfig struct {
	FrameRate  float64 `koanf:"frame_rate"`
	FrameBurst int     `koanf:"frame_burst"`
	SendBuffer int     `koanf:"send_buffer"`
}

type AgentConfig struct {
	Server      string `koanf:"server"`
	Map         string `koanf:"map"`
	Participant string `koanf:"participant"`
	Username    string `koanf:"username"`
	Codec       string `koanf:"codec"`
	CreateNode  bool   `koanf:"create_node"` // create a node on start and drag it around
}

var defaults = map[string]any{
	"port":                 8080,
	"verbosity":            "info",
	"json_logs":            false,
	"store.driver":         "memory",
	"store.dsn":            "mapsync.db",
	"store.dir":            "maps",
	"store.url":            "http://localhost:8080",
	"store.poll":           "1s",
	"store.breaker":        true,
	"auth.mode":            "header",
	"auth.open_join":       true,
	"collab.fps":           20,
	"collab.edit_debounce": "300ms",
	"collab.drag_debounce": "250ms",
	"collab.stale_after":   "30s",
	"hub.frame_rate":       180.0,
	"hub.frame_burst":      360,
	"hub.send_buffer":      256,
	"agent.server":         "http://localhost:8080",
	"agent.codec":          "json",
	"agent.create_node":    false,
}

// Load loads configuration from defaults, config file, environment variables, and flags.
// Priority: Flags > Env > Config File > Defaults
func Load(f *pflag.FlagSet) (*Config, error) {
	return load(f, FileName)
}

func load(f *pflag.FlagSet, path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(mapProvider(defaults), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// The file is optional.
	_ = k.Load(file.Provider(path), toml.Parser())

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	if f != nil {
		if err := k.Load(posflag.Provider(f, ".", k), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps MAPSYNC_STORE__POLL to store.poll and MAPSYNC_JSON_LOGS to
// json_logs.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Validate rejects settings that cannot work together.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "sqlite", "file", "http":
	case "supabase":
		if c.Supabase.URL == "" || c.Supabase.Key == "" {
			return fmt.Errorf("store driver supabase needs supabase.url and supabase.key")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.Auth.Mode {
	case "header":
	case "supabase":
		if c.Supabase.URL == "" || c.Supabase.Key == "" {
			return fmt.Errorf("auth mode supabase needs supabase.url and supabase.key")
		}
	default:
		return fmt.Errorf("unknown auth mode %q", c.Auth.Mode)
	}
	if c.Collab.FPS <= 0 {
		return fmt.Errorf("collab.fps must be positive, got %d", c.Collab.FPS)
	}
	return nil
}

// mapProvider serves a static map with dotted keys to koanf.
type mapProvider map[string]any

func (p mapProvider) Read() (map[string]any, error) {
	return maps.Unflatten(p, "."), nil
}

func (p mapProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("not implemented")
}
