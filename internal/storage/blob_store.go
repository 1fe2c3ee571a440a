// Package storage implements the host byte-storage collaborator: a
// sandboxed file API with atomic writes used for note files and
// on-disk history archives.
package storage

import (
	"os"
	"time"
)

// BlobStore manages raw file operations.
type BlobStore interface {
	// Exists checks if a file or directory exists.
	Exists(path string) (bool, error)

	// Read retrieves file contents.
	Read(path string) ([]byte, error)

	// Write saves data to a file atomically (temp file + rename).
	Write(path string, data []byte) error

	// Remove deletes a file. Removing a missing file is not an error.
	Remove(path string) error

	// List returns directory contents.
	List(dir string) ([]FileInfo, error)

	// EnsureDir creates a directory if it doesn't exist.
	EnsureDir(path string) error

	// RemoveDir deletes a directory, recursively when asked.
	RemoveDir(path string, recursive bool) error

	// Stat returns file information.
	Stat(path string) (FileInfo, error)

	// Move renames a file or directory atomically.
	Move(oldPath, newPath string) error
}

// FileInfo contains file metadata.
type FileInfo struct {
	Path    string
	Size    int64
	Mode    os.FileMode
	ModTime time.Time
	IsDir   bool
}
