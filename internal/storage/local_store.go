package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/TheMichaelB/vaulthist/internal/events"
)

// LocalStore implements BlobStore on the local file system, rooted at
// a base directory. Paths are sandboxed to the root.
type LocalStore struct {
	baseDir     string
	maxFileSize int64
	logger      *events.Logger
}

// NewLocalStore creates a local file store.
func NewLocalStore(baseDir string, logger *events.Logger) (*LocalStore, error) {
	absPath, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base directory: %w", err)
	}

	if err := os.MkdirAll(absPath, 0755); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}

	return &LocalStore{
		baseDir:     absPath,
		maxFileSize: 100 * 1024 * 1024, // 100MB default
		logger:      logger.WithField("component", "local_store"),
	}, nil
}

// SetMaxFileSize sets the maximum file size limit.
func (s *LocalStore) SetMaxFileSize(size int64) {
	s.maxFileSize = size
}

// Write saves data to a file atomically via temp file + rename.
func (s *LocalStore) Write(path string, data []byte) error {
	safePath, err := s.sanitizePath(path)
	if err != nil {
		return fmt.Errorf("sanitize path: %w", err)
	}

	if int64(len(data)) > s.maxFileSize {
		return fmt.Errorf("file too large: %d bytes (max %d)", len(data), s.maxFileSize)
	}

	s.logger.WithFields(map[string]interface{}{
		"path": path,
		"size": len(data),
	}).Debug("Writing file")

	if err := os.MkdirAll(filepath.Dir(safePath), 0755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}

	tempPath := fmt.Sprintf("%s.tmp.%d", safePath, time.Now().UnixNano())
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	// Sync before rename so a crash cannot leave a short target file.
	if file, err := os.Open(tempPath); err == nil {
		_ = file.Sync()
		_ = file.Close()
	}

	if err := os.Rename(tempPath, safePath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("rename temp file: %w", err)
	}

	return nil
}

// Read retrieves file contents.
func (s *LocalStore) Read(path string) ([]byte, error) {
	safePath, err := s.sanitizePath(path)
	if err != nil {
		return nil, fmt.Errorf("sanitize path: %w", err)
	}

	data, err := os.ReadFile(safePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("file not found: %s: %w", path, os.ErrNotExist)
		}
		return nil, fmt.Errorf("read file: %w", err)
	}
	return data, nil
}

// Remove deletes a file. A missing file is not an error.
func (s *LocalStore) Remove(path string) error {
	safePath, err := s.sanitizePath(path)
	if err != nil {
		return fmt.Errorf("sanitize path: %w", err)
	}

	if err := os.Remove(safePath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("remove file: %w", err)
	}
	return nil
}

// Exists checks if a file or directory exists.
func (s *LocalStore) Exists(path string) (bool, error) {
	safePath, err := s.sanitizePath(path)
	if err != nil {
		return false, fmt.Errorf("sanitize path: %w", err)
	}

	_, err = os.Stat(safePath)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Stat returns file information.
func (s *LocalStore) Stat(path string) (FileInfo, error) {
	safePath, err := s.sanitizePath(path)
	if err != nil {
		return FileInfo{}, fmt.Errorf("sanitize path: %w", err)
	}

	stat, err := os.Stat(safePath)
	if err != nil {
		return FileInfo{}, fmt.Errorf("stat file: %w", err)
	}

	return FileInfo{
		Path:    path,
		Size:    stat.Size(),
		Mode:    stat.Mode(),
		ModTime: stat.ModTime(),
		IsDir:   stat.IsDir(),
	}, nil
}

// EnsureDir creates a directory if it doesn't exist.
func (s *LocalStore) EnsureDir(path string) error {
	safePath, err := s.sanitizePath(path)
	if err != nil {
		return fmt.Errorf("sanitize path: %w", err)
	}
	return os.MkdirAll(safePath, 0755)
}

// RemoveDir deletes a directory. A missing directory is not an error.
func (s *LocalStore) RemoveDir(path string, recursive bool) error {
	safePath, err := s.sanitizePath(path)
	if err != nil {
		return fmt.Errorf("sanitize path: %w", err)
	}

	s.logger.WithFields(map[string]interface{}{
		"path":      path,
		"recursive": recursive,
	}).Debug("Removing directory")

	if recursive {
		err = os.RemoveAll(safePath)
	} else {
		err = os.Remove(safePath)
	}
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove directory: %w", err)
	}
	return nil
}

// List returns directory contents. A missing directory yields an
// empty listing.
func (s *LocalStore) List(dir string) ([]FileInfo, error) {
	safePath, err := s.sanitizePath(dir)
	if err != nil {
		return nil, fmt.Errorf("sanitize path: %w", err)
	}

	entries, err := os.ReadDir(safePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []FileInfo{}, nil
		}
		return nil, fmt.Errorf("read directory: %w", err)
	}

	files := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, FileInfo{
			Path:    filepath.Join(dir, entry.Name()),
			Size:    info.Size(),
			Mode:    info.Mode(),
			ModTime: info.ModTime(),
			IsDir:   info.IsDir(),
		})
	}
	return files, nil
}

// Move renames a file or directory.
func (s *LocalStore) Move(oldPath, newPath string) error {
	oldSafe, err := s.sanitizePath(oldPath)
	if err != nil {
		return fmt.Errorf("sanitize old path: %w", err)
	}
	newSafe, err := s.sanitizePath(newPath)
	if err != nil {
		return fmt.Errorf("sanitize new path: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(newSafe), 0755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}
	return os.Rename(oldSafe, newSafe)
}

// sanitizePath validates and normalizes a path under the base dir.
func (s *LocalStore) sanitizePath(path string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(path))
	if strings.Contains(cleaned, "..") {
		return "", fmt.Errorf("invalid path %q: contains '..'", path)
	}
	cleaned = strings.TrimPrefix(cleaned, string(filepath.Separator))
	if cleaned == "." {
		cleaned = ""
	}
	return filepath.Join(s.baseDir, cleaned), nil
}
