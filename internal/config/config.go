package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all environment-based configuration for teamsync.
type Config struct {
	// Single-server connection. Either these or SERVERS_FILE must be set.
	ServerURL string `env:"TEAMSYNC_SERVER_URL"`
	Token     string `env:"TEAMSYNC_TOKEN"`

	// ServersFile points to a YAML file defining multiple server
	// connections. Entries from the file are merged with the single
	// env-configured server, if any.
	ServersFile string `env:"TEAMSYNC_SERVERS_FILE"`

	// StatePath is the bbolt database location. Defaults to
	// ~/.teamsync/state.db when empty.
	StatePath string `env:"TEAMSYNC_STATE_PATH"`

	// DeviceName this client identifies as. Defaults to system hostname.
	DeviceName string `env:"TEAMSYNC_DEVICE_NAME"`

	// LargeScreen enables the tablet-style navigation shortcuts: team
	// switches jump straight to the last visited channel, and joining a
	// team eagerly prefetches its default channel's posts.
	LargeScreen bool `env:"TEAMSYNC_LARGE_SCREEN" envDefault:"false"`

	// ResyncInterval is how often the full team/channel resync runs.
	ResyncInterval time.Duration `env:"TEAMSYNC_RESYNC_INTERVAL" envDefault:"5m"`

	// Realtime enables the websocket event listener.
	Realtime bool `env:"TEAMSYNC_REALTIME" envDefault:"true"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Server is a single chat server connection. The URL doubles as the
// identity that keys all local store buckets for that server.
type Server struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
	Name  string `yaml:"name"`
}

// serversFile is the on-disk shape of TEAMSYNC_SERVERS_FILE.
type serversFile struct {
	Servers []Server `yaml:"servers"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing session tokens to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "teamsync"
		}

		cfg.DeviceName = hostname
	}

	if cfg.StatePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("determining home directory: %w", err)
		}

		cfg.StatePath = filepath.Join(home, ".teamsync", "state.db")
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerURL == "" && c.ServersFile == "" {
		return fmt.Errorf("one of TEAMSYNC_SERVER_URL or TEAMSYNC_SERVERS_FILE is required")
	}

	if c.ServerURL != "" && c.Token == "" {
		return fmt.Errorf("TEAMSYNC_TOKEN is required when TEAMSYNC_SERVER_URL is set")
	}

	if c.ResyncInterval <= 0 {
		return fmt.Errorf("TEAMSYNC_RESYNC_INTERVAL must be positive")
	}

	return nil
}

// Servers returns every configured server connection: the env-configured
// one (if any) followed by the entries from the servers file. URLs are
// normalized by trimming the trailing slash so they key store buckets
// consistently, and duplicates are rejected.
func (c *Config) Servers() ([]Server, error) {
	var servers []Server

	if c.ServerURL != "" {
		servers = append(servers, Server{URL: normalizeURL(c.ServerURL), Token: c.Token})
	}

	if c.ServersFile != "" {
		data, err := os.ReadFile(c.ServersFile)
		if err != nil {
			return nil, fmt.Errorf("reading servers file: %w", err)
		}

		var sf serversFile
		if err := yaml.Unmarshal(data, &sf); err != nil {
			return nil, fmt.Errorf("parsing servers file: %w", err)
		}

		for i, s := range sf.Servers {
			if s.URL == "" {
				return nil, fmt.Errorf("servers file entry %d has no url", i+1)
			}

			if s.Token == "" {
				return nil, fmt.Errorf("servers file entry %d (%s) has no token", i+1, s.URL)
			}

			s.URL = normalizeURL(s.URL)
			servers = append(servers, s)
		}
	}

	seen := make(map[string]struct{}, len(servers))
	for _, s := range servers {
		if _, dup := seen[s.URL]; dup {
			return nil, fmt.Errorf("duplicate server url %q", s.URL)
		}

		seen[s.URL] = struct{}{}
	}

	return servers, nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func normalizeURL(u string) string {
	return strings.TrimRight(u, "/")
}
