package storage

import (
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

// MockStore implements BlobStore in memory for tests.
type MockStore struct {
	mu    sync.RWMutex
	files map[string][]byte
	times map[string]time.Time
	dirs  map[string]bool

	// FailWrites forces Write to fail, for retry tests.
	FailWrites int

	// BeforeWrite, when set, runs before each write outside the store
	// lock. Tests use it to hold a write open.
	BeforeWrite func(path string)
}

// NewMockStore creates an in-memory blob store.
func NewMockStore() *MockStore {
	return &MockStore{
		files: make(map[string][]byte),
		times: make(map[string]time.Time),
		dirs:  make(map[string]bool),
	}
}

func normalize(p string) string {
	return strings.TrimPrefix(path.Clean(strings.ReplaceAll(p, "\\", "/")), "/")
}

// Write stores data in memory.
func (s *MockStore) Write(p string, data []byte) error {
	if s.BeforeWrite != nil {
		s.BeforeWrite(p)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWrites > 0 {
		s.FailWrites--
		return fmt.Errorf("write %s: simulated failure", p)
	}

	p = normalize(p)
	s.files[p] = append([]byte(nil), data...)
	s.times[p] = time.Now()
	for dir := path.Dir(p); dir != "." && dir != "/"; dir = path.Dir(dir) {
		s.dirs[dir] = true
	}
	return nil
}

// Read retrieves stored data.
func (s *MockStore) Read(p string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.files[normalize(p)]
	if !ok {
		return nil, fmt.Errorf("file not found: %s: %w", p, os.ErrNotExist)
	}
	return append([]byte(nil), data...), nil
}

// Remove deletes a file.
func (s *MockStore) Remove(p string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p = normalize(p)
	delete(s.files, p)
	delete(s.times, p)
	return nil
}

// Exists checks for a file or directory.
func (s *MockStore) Exists(p string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p = normalize(p)
	if _, ok := s.files[p]; ok {
		return true, nil
	}
	return s.dirs[p], nil
}

// Stat returns metadata for a stored file.
func (s *MockStore) Stat(p string) (FileInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p = normalize(p)
	if data, ok := s.files[p]; ok {
		return FileInfo{
			Path:    p,
			Size:    int64(len(data)),
			ModTime: s.times[p],
		}, nil
	}
	if s.dirs[p] {
		return FileInfo{Path: p, IsDir: true}, nil
	}
	return FileInfo{}, fmt.Errorf("stat %s: %w", p, os.ErrNotExist)
}

// EnsureDir records a directory.
func (s *MockStore) EnsureDir(p string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p = normalize(p)
	for dir := p; dir != "." && dir != "/"; dir = path.Dir(dir) {
		s.dirs[dir] = true
	}
	return nil
}

// RemoveDir deletes a directory and, when recursive, its contents.
func (s *MockStore) RemoveDir(p string, recursive bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p = normalize(p)
	if recursive {
		prefix := p + "/"
		for f := range s.files {
			if strings.HasPrefix(f, prefix) {
				delete(s.files, f)
				delete(s.times, f)
			}
		}
		for d := range s.dirs {
			if d == p || strings.HasPrefix(d, prefix) {
				delete(s.dirs, d)
			}
		}
		return nil
	}

	prefix := p + "/"
	for f := range s.files {
		if strings.HasPrefix(f, prefix) {
			return fmt.Errorf("directory not empty: %s", p)
		}
	}
	delete(s.dirs, p)
	return nil
}

// List returns immediate children of a directory.
func (s *MockStore) List(dir string) ([]FileInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dir = normalize(dir)
	prefix := dir + "/"
	if dir == "" || dir == "." {
		prefix = ""
	}

	seen := make(map[string]FileInfo)
	for f, data := range s.files {
		if !strings.HasPrefix(f, prefix) {
			continue
		}
		rest := strings.TrimPrefix(f, prefix)
		if idx := strings.Index(rest, "/"); idx >= 0 {
			sub := path.Join(dir, rest[:idx])
			seen[sub] = FileInfo{Path: sub, IsDir: true}
			continue
		}
		seen[f] = FileInfo{Path: f, Size: int64(len(data)), ModTime: s.times[f]}
	}
	for d := range s.dirs {
		if strings.HasPrefix(d, prefix) && !strings.Contains(strings.TrimPrefix(d, prefix), "/") {
			if _, ok := seen[d]; !ok {
				seen[d] = FileInfo{Path: d, IsDir: true}
			}
		}
	}

	out := make([]FileInfo, 0, len(seen))
	for _, fi := range seen {
		out = append(out, fi)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Move renames a file or a directory subtree.
func (s *MockStore) Move(oldPath, newPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldPath, newPath = normalize(oldPath), normalize(newPath)
	if data, ok := s.files[oldPath]; ok {
		s.files[newPath] = data
		s.times[newPath] = s.times[oldPath]
		delete(s.files, oldPath)
		delete(s.times, oldPath)
		return nil
	}

	if s.dirs[oldPath] {
		prefix := oldPath + "/"
		for f, data := range s.files {
			if strings.HasPrefix(f, prefix) {
				nf := newPath + "/" + strings.TrimPrefix(f, prefix)
				s.files[nf] = data
				s.times[nf] = s.times[f]
				delete(s.files, f)
				delete(s.times, f)
			}
		}
		delete(s.dirs, oldPath)
		s.dirs[newPath] = true
		return nil
	}

	return fmt.Errorf("move %s: %w", oldPath, os.ErrNotExist)
}
