package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/vaulthist/internal/config"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := config.DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 50, cfg.History.MaxVersionsPerNote)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, 2*time.Second, cfg.Persist.DebounceInterval)
	assert.Equal(t, "vaulthist-id", cfg.Cleanup.IdentityKey)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"zero max versions", func(c *config.Config) { c.History.MaxVersionsPerNote = 0 }},
		{"unknown backend", func(c *config.Config) { c.Storage.Backend = "etcd" }},
		{"compression level out of range", func(c *config.Config) { c.Content.CompressionLevel = 12 }},
		{"zero debounce", func(c *config.Config) { c.Persist.DebounceInterval = 0 }},
		{"zero retries", func(c *config.Config) { c.Persist.MaxRetries = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoaderReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"history": {"max_versions_per_note": 7},
		"storage": {"backend": "file"}
	}`), 0o600))

	cfg, err := config.NewLoader(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.History.MaxVersionsPerNote)
	assert.Equal(t, "file", cfg.Storage.Backend)
	// Untouched sections keep their defaults.
	assert.Equal(t, 20, cfg.Content.MaxChainLength)
}

func TestLoaderEnvOverrides(t *testing.T) {
	t.Setenv("VAULTHIST_MAX_VERSIONS", "9")
	t.Setenv("VAULTHIST_BACKEND", "file")
	t.Setenv("VAULTHIST_DEBOUNCE_INTERVAL", "500ms")
	t.Setenv("VAULTHIST_DISK_PERSISTENCE", "false")

	cfg, err := config.NewLoader(writeConfig(t, `{}`)).Load()
	require.NoError(t, err)

	assert.Equal(t, 9, cfg.History.MaxVersionsPerNote)
	assert.Equal(t, "file", cfg.Storage.Backend)
	assert.Equal(t, 500*time.Millisecond, cfg.Persist.DebounceInterval)
	assert.False(t, cfg.History.EnableDiskPersistence)
}

func TestLoaderMissingExplicitFile(t *testing.T) {
	_, err := config.NewLoader(filepath.Join(t.TempDir(), "missing.json")).Load()
	assert.Error(t, err)
}

func TestLoaderRejectsBadEnvValue(t *testing.T) {
	t.Setenv("VAULTHIST_MAX_VERSIONS", "not-a-number")

	_, err := config.NewLoader(writeConfig(t, `{}`)).Load()
	assert.Error(t, err)
}

func TestLoaderRejectsInvalidFinalConfig(t *testing.T) {
	_, err := config.NewLoader(writeConfig(t, `{"storage": {"backend": "etcd"}}`)).Load()
	assert.Error(t, err)
}

func TestResolveBranchOverrides(t *testing.T) {
	global := config.HistorySettings{
		MaxVersionsPerNote:     50,
		AutoCleanupOldVersions: false,
		AutoCleanupDays:        30,
	}
	n := 5
	b := true
	override := &config.BranchSettings{
		MaxVersionsPerNote:     &n,
		AutoCleanupOldVersions: &b,
	}

	resolved := global.Resolve(override)
	assert.Equal(t, 5, resolved.MaxVersionsPerNote)
	assert.True(t, resolved.AutoCleanupOldVersions)
	assert.Equal(t, 30, resolved.AutoCleanupDays)

	// Global policy wins when pinned.
	global.IsGlobal = true
	resolved = global.Resolve(override)
	assert.Equal(t, 50, resolved.MaxVersionsPerNote)

	assert.Equal(t, global, global.Resolve(nil))
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}
