package config

import (
	"path/filepath"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Config holds all engine configuration.
type Config struct {
	// History retention behavior
	History HistorySettings `json:"history"`

	// Storage paths and limits
	Storage StorageConfig `json:"storage"`

	// Content store behavior
	Content ContentConfig `json:"content"`

	// Disk persistence behavior
	Persist PersistConfig `json:"persist"`

	// Cleanup behavior
	Cleanup CleanupConfig `json:"cleanup"`

	// Logging
	Log LogConfig `json:"log"`
}

// HistorySettings controls retention policy. These are the recognized
// options supplied by the host; per-branch overrides apply only when
// IsGlobal is false.
type HistorySettings struct {
	MaxVersionsPerNote     int  `json:"max_versions_per_note"`
	AutoCleanupOldVersions bool `json:"auto_cleanup_old_versions"`
	AutoCleanupDays        int  `json:"auto_cleanup_days"`
	EnableDiskPersistence  bool `json:"enable_disk_persistence"`
	IsGlobal               bool `json:"is_global"`
}

// BranchSettings is a partial override of HistorySettings stored on a
// branch. Nil fields fall back to the global value.
type BranchSettings struct {
	MaxVersionsPerNote     *int  `json:"max_versions_per_note,omitempty"`
	AutoCleanupOldVersions *bool `json:"auto_cleanup_old_versions,omitempty"`
	AutoCleanupDays        *int  `json:"auto_cleanup_days,omitempty"`
}

// Resolve applies a branch override to the global settings. Overrides
// are ignored when the global settings are marked IsGlobal.
func (s HistorySettings) Resolve(override *BranchSettings) HistorySettings {
	if override == nil || s.IsGlobal {
		return s
	}
	out := s
	if override.MaxVersionsPerNote != nil {
		out.MaxVersionsPerNote = *override.MaxVersionsPerNote
	}
	if override.AutoCleanupOldVersions != nil {
		out.AutoCleanupOldVersions = *override.AutoCleanupOldVersions
	}
	if override.AutoCleanupDays != nil {
		out.AutoCleanupDays = *override.AutoCleanupDays
	}
	return out
}

// StorageConfig for local paths.
type StorageConfig struct {
	DataDir     string `json:"data_dir"`     // Base directory for all engine data
	VaultDir    string `json:"vault_dir"`    // Note vault root, scanned for orphan healing
	HistoryDir  string `json:"history_dir"`  // On-disk archive root
	DBPath      string `json:"db_path"`      // SQLite database path
	Backend     string `json:"backend"`      // "sqlite" or "file"
	MaxFileSize int64  `json:"max_file_size"`
}

// ContentConfig for blob encoding.
type ContentConfig struct {
	MaxChainLength    int `json:"max_chain_length"`   // Diff links before forcing a full snapshot
	CompressThreshold int `json:"compress_threshold"` // Minimum bytes before gzip is attempted
	CompressionLevel  int `json:"compression_level"`  // gzip level 1-9
}

// PersistConfig for the debounced disk writer.
type PersistConfig struct {
	DebounceInterval time.Duration `json:"debounce_interval"`
	MaxRetries       int           `json:"max_retries"`
	RetryBaseDelay   time.Duration `json:"retry_base_delay"`
	SkewTolerance    time.Duration `json:"skew_tolerance"` // Clock-skew window for reconciliation
	MaxArchiveBytes  int64         `json:"max_archive_bytes"`
	MaxArchiveFiles  int           `json:"max_archive_files"`
}

// CleanupConfig for orphan detection.
type CleanupConfig struct {
	OrphanScanInterval time.Duration `json:"orphan_scan_interval"`
	IdentityKey        string        `json:"identity_key"` // Frontmatter key correlating notes to history
	MaxConcurrent      int           `json:"max_concurrent"`
}

// LogConfig for logging behavior.
type LogConfig struct {
	Level     string `json:"level"`  // debug, info, warn, error
	Format    string `json:"format"` // text, json
	File      string `json:"file"`   // Log file path (empty = stdout)
	Color     bool   `json:"color"`
	Timestamp bool   `json:"timestamp"`
}

// DefaultConfig returns config with sensible defaults.
func DefaultConfig() *Config {
	dataDir := ".vaulthist"

	return &Config{
		History: HistorySettings{
			MaxVersionsPerNote:     50,
			AutoCleanupOldVersions: false,
			AutoCleanupDays:        30,
			EnableDiskPersistence:  true,
			IsGlobal:               false,
		},
		Storage: StorageConfig{
			DataDir:     dataDir,
			VaultDir:    ".",
			HistoryDir:  filepath.Join(dataDir, "history"),
			DBPath:      filepath.Join(dataDir, "vaulthist.db"),
			Backend:     "sqlite",
			MaxFileSize: 100 * 1024 * 1024, // 100MB
		},
		Content: ContentConfig{
			MaxChainLength:    20,
			CompressThreshold: 1024,
			CompressionLevel:  6,
		},
		Persist: PersistConfig{
			DebounceInterval: 2 * time.Second,
			MaxRetries:       5,
			RetryBaseDelay:   250 * time.Millisecond,
			SkewTolerance:    time.Second,
			MaxArchiveBytes:  100 * 1024 * 1024,
			MaxArchiveFiles:  10000,
		},
		Cleanup: CleanupConfig{
			OrphanScanInterval: 15 * time.Minute,
			IdentityKey:        "vaulthist-id",
			MaxConcurrent:      4,
		},
		Log: LogConfig{
			Level:     "info",
			Format:    "text",
			Color:     true,
			Timestamp: true,
		},
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(&c.History,
		validation.Field(&c.History.MaxVersionsPerNote, validation.Required, validation.Min(1)),
		validation.Field(&c.History.AutoCleanupDays, validation.Required, validation.Min(1)),
	); err != nil {
		return err
	}

	if err := validation.ValidateStruct(&c.Storage,
		validation.Field(&c.Storage.DataDir, validation.Required),
		validation.Field(&c.Storage.Backend, validation.Required, validation.In("sqlite", "file")),
		validation.Field(&c.Storage.MaxFileSize, validation.Required, validation.Min(1)),
	); err != nil {
		return err
	}

	if err := validation.ValidateStruct(&c.Content,
		validation.Field(&c.Content.MaxChainLength, validation.Min(0)),
		validation.Field(&c.Content.CompressionLevel, validation.Min(1), validation.Max(9)),
	); err != nil {
		return err
	}

	return validation.ValidateStruct(&c.Persist,
		validation.Field(&c.Persist.DebounceInterval, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.Persist.MaxRetries, validation.Required, validation.Min(1)),
		validation.Field(&c.Persist.MaxArchiveBytes, validation.Required, validation.Min(int64(1))),
		validation.Field(&c.Persist.MaxArchiveFiles, validation.Required, validation.Min(1)),
	)
}
