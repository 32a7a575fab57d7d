// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the bridge.
//
// Configuration is loaded from a single YAML file specified by:
//   - AGENTBRIDGE_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures
// deterministic, auditable configuration with no hidden overrides.
// The only expansion performed is ${HOME} and similar path variables
// for portability.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for the bridge.
type Config struct {
	// Homeserver configures the Matrix homeserver connection.
	Homeserver HomeserverConfig `yaml:"homeserver"`

	// Appservice configures the application service side: the HTTP
	// listener the homeserver pushes transactions to, the bridge bot,
	// and the broadcast room.
	Appservice AppserviceConfig `yaml:"appservice"`

	// Backend configures the board automation backend that hosts the
	// agents.
	Backend BackendConfig `yaml:"backend"`

	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Timeouts configures durations as strings ("180s", "5m"). Parsed
	// with time.ParseDuration during Validate.
	Timeouts TimeoutsConfig `yaml:"timeouts"`
}

// HomeserverConfig configures the Matrix homeserver connection.
type HomeserverConfig struct {
	// URL is the base URL of the homeserver's client-server API
	// (e.g., "http://localhost:8008").
	URL string `yaml:"url"`

	// ServerName is the Matrix server name used in user IDs and room
	// aliases (e.g., "bridge.local"). Usually differs from the URL
	// host.
	ServerName string `yaml:"server_name"`
}

// AppserviceConfig configures the application service side of the
// bridge.
type AppserviceConfig struct {
	// ListenAddr is the address the transaction listener binds to
	// (e.g., ":9009").
	ListenAddr string `yaml:"listen_addr"`

	// BotLocalpart is the localpart of the bridge's own bot user.
	// Default: "agentbridge". Messages from this user (and from any
	// agent user) are never routed to agents.
	BotLocalpart string `yaml:"bot_localpart"`

	// BroadcastRoomAlias is the localpart of the broadcast room alias
	// (e.g., "agents" for #agents:server). Every agent joins this
	// room, and every message in it is forwarded to the broadcast
	// agent.
	BroadcastRoomAlias string `yaml:"broadcast_room_alias"`

	// RegistrationFile is the path to the appservice registration
	// YAML shared with the homeserver (tokens, namespaces).
	RegistrationFile string `yaml:"registration_file"`
}

// BackendConfig configures the board automation backend.
type BackendConfig struct {
	// URL is the base URL of the backend API (e.g.,
	// "http://localhost:3000").
	URL string `yaml:"url"`

	// TokenFile is the path to a file holding the backend API token,
	// or "-" to read it from stdin. The token is held in locked
	// memory and appended to agent invocations.
	TokenFile string `yaml:"token_file"`

	// BroadcastBoardID is the board whose agent answers broadcast
	// room traffic. If empty, broadcast messages are not forwarded.
	BroadcastBoardID string `yaml:"broadcast_board_id"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// DataDir is the base directory for bridge state: the history
	// database and per-room transcript files.
	DataDir string `yaml:"data_dir"`
}

// TimeoutsConfig holds duration strings. Use the accessor methods on
// Config for parsed values; Validate checks they parse.
type TimeoutsConfig struct {
	// Call is the resettable deadline on in-flight agent calls.
	// Activity on the call pushes the deadline out. Default: 180s.
	Call string `yaml:"call"`

	// TypingRefresh is the interval at which the typing indicator is
	// re-asserted while an agent call is in flight. Default: 20s.
	TypingRefresh string `yaml:"typing_refresh"`

	// Resync is the interval between periodic board list syncs.
	// Default: 5m.
	Resync string `yaml:"resync"`

	// Shutdown is how long to wait for in-flight work during
	// graceful shutdown. Default: 10s.
	Shutdown string `yaml:"shutdown"`
}

// Default returns the default configuration. These defaults are a base
// before loading the config file; they exist to give every field a
// sensible zero-value, not as a fallback. The config file is required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Homeserver: HomeserverConfig{
			URL:        "http://localhost:8008",
			ServerName: "localhost",
		},
		Appservice: AppserviceConfig{
			ListenAddr:         ":9009",
			BotLocalpart:       "agentbridge",
			BroadcastRoomAlias: "agents",
			RegistrationFile:   "/etc/agentbridge/registration.yaml",
		},
		Backend: BackendConfig{
			URL:       "http://localhost:3000",
			TokenFile: "",
		},
		Paths: PathsConfig{
			DataDir: filepath.Join(homeDir, ".local", "share", "agentbridge"),
		},
		Timeouts: TimeoutsConfig{
			Call:          "180s",
			TypingRefresh: "20s",
			Resync:        "5m",
			Shutdown:      "10s",
		},
	}
}

// Load loads configuration from the AGENTBRIDGE_CONFIG environment
// variable. There are no fallbacks: if AGENTBRIDGE_CONFIG is not set,
// this fails.
func Load() (*Config, error) {
	configPath := os.Getenv("AGENTBRIDGE_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("AGENTBRIDGE_CONFIG environment variable not set; " +
			"set it to the path of your agentbridge.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment variables
// do not override config values. The only expansion performed is
// ${HOME} and similar path variables for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.Paths.DataDir = expandVars(c.Paths.DataDir, vars)
	c.Appservice.RegistrationFile = expandVars(c.Appservice.RegistrationFile, vars)
	c.Backend.TokenFile = expandVars(c.Backend.TokenFile, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Homeserver.URL == "" {
		errs = append(errs, fmt.Errorf("homeserver.url is required"))
	} else if _, err := url.Parse(c.Homeserver.URL); err != nil {
		errs = append(errs, fmt.Errorf("homeserver.url: %w", err))
	}
	if c.Homeserver.ServerName == "" {
		errs = append(errs, fmt.Errorf("homeserver.server_name is required"))
	}

	if c.Appservice.ListenAddr == "" {
		errs = append(errs, fmt.Errorf("appservice.listen_addr is required"))
	}
	if c.Appservice.BotLocalpart == "" {
		errs = append(errs, fmt.Errorf("appservice.bot_localpart is required"))
	}
	if c.Appservice.BroadcastRoomAlias == "" {
		errs = append(errs, fmt.Errorf("appservice.broadcast_room_alias is required"))
	}
	if c.Appservice.RegistrationFile == "" {
		errs = append(errs, fmt.Errorf("appservice.registration_file is required"))
	}

	if c.Backend.URL == "" {
		errs = append(errs, fmt.Errorf("backend.url is required"))
	} else if _, err := url.Parse(c.Backend.URL); err != nil {
		errs = append(errs, fmt.Errorf("backend.url: %w", err))
	}

	if c.Paths.DataDir == "" {
		errs = append(errs, fmt.Errorf("paths.data_dir is required"))
	}

	durations := []struct {
		name  string
		value string
	}{
		{"timeouts.call", c.Timeouts.Call},
		{"timeouts.typing_refresh", c.Timeouts.TypingRefresh},
		{"timeouts.resync", c.Timeouts.Resync},
		{"timeouts.shutdown", c.Timeouts.Shutdown},
	}
	for _, d := range durations {
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.name, err))
		} else if parsed <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", d.name, d.value))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// CallTimeout returns the parsed agent call deadline. Panics if the
// config has not passed Validate.
func (c *Config) CallTimeout() time.Duration { return mustDuration(c.Timeouts.Call) }

// TypingRefresh returns the parsed typing indicator refresh interval.
// Panics if the config has not passed Validate.
func (c *Config) TypingRefresh() time.Duration { return mustDuration(c.Timeouts.TypingRefresh) }

// ResyncInterval returns the parsed board resync interval. Panics if
// the config has not passed Validate.
func (c *Config) ResyncInterval() time.Duration { return mustDuration(c.Timeouts.Resync) }

// ShutdownTimeout returns the parsed graceful shutdown budget. Panics
// if the config has not passed Validate.
func (c *Config) ShutdownTimeout() time.Duration { return mustDuration(c.Timeouts.Shutdown) }

func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic(fmt.Sprintf("config: duration %q not validated: %v", s, err))
	}
	return d
}

// EnsurePaths creates the configured data directory if it does not
// exist.
func (c *Config) EnsurePaths() error {
	if c.Paths.DataDir == "" {
		return nil
	}
	if err := os.MkdirAll(c.Paths.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", c.Paths.DataDir, err)
	}
	return nil
}
