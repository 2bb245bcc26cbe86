package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".steersman"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
	// EnvPrefix is the envconfig prefix for overrides.
	EnvPrefix = "steersman"
)

// ConfigPath returns the path to the config file, honoring
// STEERSMAN_CONFIG and ~ expansion.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("STEERSMAN_CONFIG")); explicit != "" {
		if strings.HasPrefix(explicit, "~") {
			home, err := resolveHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(home, explicit[1:]), nil
		}
		return explicit, nil
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

func resolveHomeDir() (string, error) {
	if h := strings.TrimSpace(os.Getenv("STEERSMAN_HOME")); h != "" {
		if strings.HasPrefix(h, "~") {
			base, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(base, h[1:]), nil
		}
		return h, nil
	}
	return os.UserHomeDir()
}

// Load reads the config file (if present), applies defaults, then applies
// environment overrides via envconfig.
func Load() (*Config, error) {
	cfg := &Config{}

	path, err := ConfigPath()
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err == nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, jsonErr)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Paths.Home == "" {
		home, err := resolveHomeDir()
		if err == nil {
			cfg.Paths.Home = filepath.Join(home, ConfigDir)
		}
	}
	base := cfg.Paths.Home

	if cfg.Queue.Backend == "" {
		cfg.Queue.Backend = "file"
	}
	if cfg.Queue.Dir == "" {
		cfg.Queue.Dir = filepath.Join(base, "queue")
	}
	if cfg.Queue.DBPath == "" {
		cfg.Queue.DBPath = filepath.Join(base, "queue.db")
	}
	if cfg.Queue.JournalDir == "" {
		cfg.Queue.JournalDir = filepath.Join(base, "journal")
	}
	if cfg.Queue.BaseDelaySeconds <= 0 {
		cfg.Queue.BaseDelaySeconds = 30
	}
	if cfg.Queue.MaxDelaySeconds <= 0 {
		cfg.Queue.MaxDelaySeconds = 300
	}
	if cfg.Queue.MaxAttempts <= 0 {
		cfg.Queue.MaxAttempts = 5
	}

	if cfg.Routing.DBPath == "" {
		cfg.Routing.DBPath = filepath.Join(base, "routing.db")
	}

	if cfg.Drain.IntervalSeconds <= 0 {
		cfg.Drain.IntervalSeconds = 5
	}
	if cfg.Drain.Scope == "" {
		cfg.Drain.Scope = "drain"
	}

	if cfg.Relay.GroupName == "" {
		cfg.Relay.GroupName = "default"
	}
}
