// Package config manages the SceneSync client configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

const (
	configDirName  = "scenesync"
	configFileName = "config.toml"
	journalDirName = "journals"
)

// Config holds the client-side settings.
type Config struct {
	ServerURL            string `toml:"server_url"`
	UserID               string `toml:"user_id"`
	Name                 string `toml:"name"`
	MaxReconnectAttempts int    `toml:"max_reconnect_attempts"`
	MaxQueuedOperations  int    `toml:"max_queued_operations"`

	path string // path to the loaded config file
}

// DefaultPath returns the config file location: $SCENESYNC_CONFIG if set,
// otherwise the user config directory.
func DefaultPath() (string, error) {
	if p := os.Getenv("SCENESYNC_CONFIG"); p != "" {
		return p, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config directory: %w", err)
	}
	return filepath.Join(base, configDirName, configFileName), nil
}

// Load reads the configuration from path; an empty path uses DefaultPath.
func Load(path string) (*Config, error) {
	if path == "" {
		var err error
		path, err = DefaultPath()
		if err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.path = path
	return &cfg, nil
}

// Save writes the configuration back to its file.
func (c *Config) Save() error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return os.WriteFile(c.path, data, 0644)
}

// Path returns the file the configuration was loaded from.
func (c *Config) Path() string { return c.path }

// JournalPath returns the offline-journal file for a project, next to the
// config file.
func (c *Config) JournalPath(projectID string) string {
	return filepath.Join(filepath.Dir(c.path), journalDirName, projectID+".db")
}

// Initialize creates a new configuration file with the given settings.
func Initialize(path, serverURL, userID, name string) (*Config, error) {
	if path == "" {
		var err error
		path, err = DefaultPath()
		if err != nil {
			return nil, err
		}
	}

	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("config already exists at %s", path)
	}

	cfg := &Config{
		ServerURL: serverURL,
		UserID:    userID,
		Name:      name,
		path:      path,
	}
	if err := cfg.Save(); err != nil {
		return nil, err
	}
	return cfg, nil
}
