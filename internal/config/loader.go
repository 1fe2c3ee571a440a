package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	envPrefix  string
}

// NewLoader creates a config loader.
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
		envPrefix:  "VAULTHIST_",
	}
}

// Load reads configuration from file and environment.
func (l *Loader) Load() (*Config, error) {
	// Start with defaults
	cfg := DefaultConfig()

	// Load from file if exists
	if l.configPath != "" {
		if err := l.loadFile(cfg); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	} else {
		// Try default locations
		for _, path := range l.defaultPaths() {
			if _, err := os.Stat(path); err == nil {
				l.configPath = path
				if err := l.loadFile(cfg); err != nil {
					return nil, fmt.Errorf("load config file %s: %w", path, err)
				}
				break
			}
		}
	}

	// Override with environment variables
	if err := l.loadEnv(cfg); err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}

	// Validate final config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// defaultPaths returns default config file locations.
func (l *Loader) defaultPaths() []string {
	paths := []string{
		"vaulthist.json",
		".vaulthist.json",
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(homeDir, ".config", "vaulthist", "config.json"),
			filepath.Join(homeDir, ".vaulthist", "config.json"),
		)
	}

	return paths
}

// loadFile reads config from a JSON file.
func (l *Loader) loadFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	return nil
}

// loadEnv applies environment variable overrides.
func (l *Loader) loadEnv(cfg *Config) error {
	for _, assign := range []struct {
		key string
		set func(string) error
	}{
		{"DATA_DIR", func(v string) error { cfg.Storage.DataDir = v; return nil }},
		{"VAULT_DIR", func(v string) error { cfg.Storage.VaultDir = v; return nil }},
		{"HISTORY_DIR", func(v string) error { cfg.Storage.HistoryDir = v; return nil }},
		{"DB_PATH", func(v string) error { cfg.Storage.DBPath = v; return nil }},
		{"BACKEND", func(v string) error { cfg.Storage.Backend = v; return nil }},
		{"MAX_VERSIONS", func(v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("parse MAX_VERSIONS: %w", err)
			}
			cfg.History.MaxVersionsPerNote = n
			return nil
		}},
		{"AUTO_CLEANUP", func(v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("parse AUTO_CLEANUP: %w", err)
			}
			cfg.History.AutoCleanupOldVersions = b
			return nil
		}},
		{"AUTO_CLEANUP_DAYS", func(v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("parse AUTO_CLEANUP_DAYS: %w", err)
			}
			cfg.History.AutoCleanupDays = n
			return nil
		}},
		{"DISK_PERSISTENCE", func(v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("parse DISK_PERSISTENCE: %w", err)
			}
			cfg.History.EnableDiskPersistence = b
			return nil
		}},
		{"DEBOUNCE_INTERVAL", func(v string) error {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("parse DEBOUNCE_INTERVAL: %w", err)
			}
			cfg.Persist.DebounceInterval = d
			return nil
		}},
		{"LOG_LEVEL", func(v string) error { cfg.Log.Level = v; return nil }},
		{"LOG_FORMAT", func(v string) error { cfg.Log.Format = v; return nil }},
		{"LOG_FILE", func(v string) error { cfg.Log.File = v; return nil }},
	} {
		if v, ok := os.LookupEnv(l.envPrefix + assign.key); ok && strings.TrimSpace(v) != "" {
			if err := assign.set(v); err != nil {
				return err
			}
		}
	}

	return nil
}
