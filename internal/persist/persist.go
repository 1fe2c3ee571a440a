// Package persist exports branch state to on-disk archive files on a
// debounce timer and reconciles the database side against the disk
// side by timestamp on load. Writes are crash-safe: write a new
// uniquely-named file, read it back and verify, then delete siblings.
package persist

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path"
	"sync"
	"time"

	"github.com/TheMichaelB/vaulthist/internal/archive"
	"github.com/TheMichaelB/vaulthist/internal/config"
	"github.com/TheMichaelB/vaulthist/internal/events"
	"github.com/TheMichaelB/vaulthist/internal/lock"
	"github.com/TheMichaelB/vaulthist/internal/models"
	"github.com/TheMichaelB/vaulthist/internal/storage"
	"github.com/TheMichaelB/vaulthist/internal/store"
	"github.com/TheMichaelB/vaulthist/internal/worker"
)

// ScheduledWrite is a pending debounced export. Sequence increments on
// every re-schedule of the same key, coalescing repeated schedules
// into one eventual write.
type ScheduledWrite struct {
	NoteID     string
	BranchName string
	Sequence   uint64
	Timestamp  time.Time
	RetryCount int
}

// Outcome reports what a reconciliation load did.
type Outcome int

const (
	// OutcomeNoop means DB and disk were already synchronized.
	OutcomeNoop Outcome = iota

	// OutcomeImported means the disk file was newer and won.
	OutcomeImported

	// OutcomeExported means the DB was newer and was re-exported.
	OutcomeExported

	// OutcomeRecovered means the disk side was corrupt and the DB was
	// preserved by overwriting it.
	OutcomeRecovered
)

// Service is the debounced disk writer and reconciler.
type Service struct {
	db     store.Store
	blobs  storage.BlobStore
	pool   *worker.Pool
	locks  *lock.Manager
	cfg    config.PersistConfig
	logger *events.Logger
	root   string

	mu         sync.Mutex
	cond       *sync.Cond
	scheduled  map[string]*ScheduledWrite
	timers     map[string]*time.Timer
	inProgress map[string]bool
	closed     bool
	wg         sync.WaitGroup
}

// NewService creates a persistence service rooted at root within the
// blob store.
func NewService(db store.Store, blobs storage.BlobStore, pool *worker.Pool, locks *lock.Manager, root string, cfg config.PersistConfig, logger *events.Logger) *Service {
	s := &Service{
		db:         db,
		blobs:      blobs,
		pool:       pool,
		locks:      locks,
		cfg:        cfg,
		logger:     logger.WithField("component", "disk_writer"),
		root:       root,
		scheduled:  make(map[string]*ScheduledWrite),
		timers:     make(map[string]*time.Timer),
		inProgress: make(map[string]bool),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func writeKey(noteID, branch string) string {
	return noteID + "/" + branch
}

func (s *Service) branchDir(noteID, branch string) string {
	return path.Join(s.root, noteID, branch)
}

func (s *Service) limits() archive.Limits {
	return archive.Limits{MaxBytes: s.cfg.MaxArchiveBytes, MaxFiles: s.cfg.MaxArchiveFiles}
}

// Schedule requests a debounced export for a branch. Repeated calls
// for the same key before the debounce window elapses coalesce into
// one write, bumping the pending write's sequence.
func (s *Service) Schedule(noteID, branch string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	key := writeKey(noteID, branch)
	if w, ok := s.scheduled[key]; ok {
		w.Sequence++
		w.Timestamp = time.Now()
		if t, ok := s.timers[key]; ok {
			t.Reset(s.cfg.DebounceInterval)
		}
		return
	}

	s.scheduled[key] = &ScheduledWrite{
		NoteID:     noteID,
		BranchName: branch,
		Sequence:   1,
		Timestamp:  time.Now(),
	}
	s.timers[key] = time.AfterFunc(s.cfg.DebounceInterval, func() {
		s.fire(noteID, branch)
	})
}

// fire moves a scheduled write into execution. If a write for the key
// is already in progress the schedule is deferred, never concurrent.
func (s *Service) fire(noteID, branch string) {
	key := writeKey(noteID, branch)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.inProgress[key] {
		if t, ok := s.timers[key]; ok {
			t.Reset(s.cfg.DebounceInterval)
		}
		s.mu.Unlock()
		return
	}
	w, ok := s.scheduled[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.scheduled, key)
	delete(s.timers, key)
	s.inProgress[key] = true
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		err := s.writeWithRetry(context.Background(), w)

		s.mu.Lock()
		delete(s.inProgress, key)
		s.cond.Broadcast()
		s.mu.Unlock()

		if err != nil {
			s.terminalFailure(w, err)
		}
	}()
}

// terminalFailure logs an exhausted write loudly and keeps the write
// represented as scheduled: the DB still holds data the disk lacks.
func (s *Service) terminalFailure(w *ScheduledWrite, err error) {
	s.logger.WithError(err).WithFields(map[string]interface{}{
		"note_id": w.NoteID,
		"branch":  w.BranchName,
		"code":    models.ErrCodeDiskWriteFailed,
		"retries": w.RetryCount,
	}).Error("Disk export failed after all retries; data not yet on disk")

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	key := writeKey(w.NoteID, w.BranchName)
	if _, ok := s.scheduled[key]; ok {
		return
	}
	s.scheduled[key] = w
	s.timers[key] = time.AfterFunc(s.cfg.DebounceInterval*8, func() {
		s.fire(w.NoteID, w.BranchName)
	})
}

// writeWithRetry runs the export with exponential backoff + jitter.
func (s *Service) writeWithRetry(ctx context.Context, w *ScheduledWrite) error {
	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			w.RetryCount++
			delay := s.cfg.RetryBaseDelay << uint(attempt-1)
			delay += time.Duration(rand.Int63n(int64(s.cfg.RetryBaseDelay) + 1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = s.persistBranchToDisk(ctx, w)
		if lastErr == nil {
			return nil
		}
		s.logger.WithError(lastErr).WithFields(map[string]interface{}{
			"note_id": w.NoteID,
			"branch":  w.BranchName,
			"attempt": attempt + 1,
		}).Warn("Disk export attempt failed")
	}

	return &models.HistoryError{
		Code:   models.ErrCodeDiskWriteFailed,
		Op:     "persist branch",
		NoteID: w.NoteID,
		Err:    lastErr,
	}
}

// persistBranchToDisk performs one export: pack → write new file →
// read back and verify → delete sibling archives.
func (s *Service) persistBranchToDisk(ctx context.Context, w *ScheduledWrite) error {
	diskKey := "disk:" + writeKey(w.NoteID, w.BranchName)
	return s.locks.RunSerialized(ctx, diskKey, func(ctx context.Context) error {
		return s.exportLocked(ctx, w.NoteID, w.BranchName, w.Sequence)
	})
}

// exportLocked must run under the branch's disk lock.
func (s *Service) exportLocked(ctx context.Context, noteID, branch string, seq uint64) error {
	man, err := s.db.LoadNoteManifest(noteID)
	if errors.Is(err, store.ErrManifestNotFound) {
		// Note deleted between schedule and fire; nothing to persist.
		return nil
	}
	if err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}
	if man.Branch(branch) == nil {
		return nil
	}

	edits, err := s.db.ListEdits(noteID, branch)
	if err != nil {
		return fmt.Errorf("list edits: %w", err)
	}

	ex, err := archive.BuildExport(man, branch, edits, time.Now())
	if err != nil {
		return err
	}
	data, err := s.pool.Pack(ctx, ex, s.limits())
	if err != nil {
		return err
	}

	dir := s.branchDir(noteID, branch)
	if err := s.blobs.EnsureDir(dir); err != nil {
		return fmt.Errorf("create branch directory: %w", err)
	}

	name := archive.FileName(ex.Manifest.ExportedAt, seq)
	filePath := path.Join(dir, name)

	if err := s.blobs.Write(filePath, data); err != nil {
		return fmt.Errorf("write archive: %w", err)
	}

	// Read back and verify before trusting the new file.
	back, err := s.blobs.Read(filePath)
	if err != nil {
		return fmt.Errorf("verify archive: %w", err)
	}
	if len(back) != len(data) {
		_ = s.blobs.Remove(filePath)
		return &models.HistoryError{
			Code:   models.ErrCodeIntegrity,
			Op:     "persist branch",
			NoteID: noteID,
			Path:   filePath,
			Err:    &models.IntegrityError{Path: filePath, Expected: int64(len(data)), Actual: int64(len(back))},
		}
	}

	// Single-file-per-branch invariant: drop every other archive.
	entries, err := s.blobs.List(dir)
	if err != nil {
		return fmt.Errorf("list branch directory: %w", err)
	}
	for _, fi := range entries {
		base := path.Base(fi.Path)
		if fi.IsDir || base == name || !archive.IsArchiveFile(base) {
			continue
		}
		if err := s.blobs.Remove(fi.Path); err != nil {
			s.logger.WithError(err).WithField("path", fi.Path).Warn("Failed to remove stale archive")
		}
	}

	s.logger.WithFields(map[string]interface{}{
		"note_id": noteID,
		"branch":  branch,
		"file":    name,
		"bytes":   len(data),
		"edits":   len(edits),
	}).Debug("Exported branch to disk")
	return nil
}

// Cancel drops any pending write for a branch. Used before branch or
// note deletion so a late-firing write cannot resurrect deleted data.
// An export already running is waited out: it may have loaded its
// manifest before the deletion committed, and would otherwise land its
// archive after the caller removes the directory.
func (s *Service) Cancel(noteID, branch string) {
	key := writeKey(noteID, branch)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(key)
	for s.inProgress[key] {
		s.cond.Wait()
	}
	// A deferred re-schedule may have landed while waiting.
	s.cancelLocked(key)
}

// CancelNote drops pending writes for all branches of a note and waits
// for any running export under the note to finish.
func (s *Service) CancelNote(noteID string) {
	prefix := noteID + "/"
	match := func(key string) bool {
		return len(key) > len(prefix) && key[:len(prefix)] == prefix
	}
	cancelAll := func() {
		for key := range s.scheduled {
			if match(key) {
				s.cancelLocked(key)
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cancelAll()
	for {
		running := false
		for key := range s.inProgress {
			if match(key) {
				running = true
				break
			}
		}
		if !running {
			break
		}
		s.cond.Wait()
	}
	cancelAll()
}

func (s *Service) cancelLocked(key string) {
	if t, ok := s.timers[key]; ok {
		t.Stop()
		delete(s.timers, key)
	}
	delete(s.scheduled, key)
}

// Flush executes any pending write for a branch immediately and waits
// for in-progress writes to settle.
func (s *Service) Flush(ctx context.Context, noteID, branch string) error {
	key := writeKey(noteID, branch)

	s.mu.Lock()
	for s.inProgress[key] {
		if ctx.Err() != nil {
			s.mu.Unlock()
			return ctx.Err()
		}
		s.cond.Wait()
	}
	w, ok := s.scheduled[key]
	if ok {
		s.cancelLocked(key)
		s.inProgress[key] = true
	}
	s.mu.Unlock()

	if !ok {
		return nil
	}

	err := s.writeWithRetry(ctx, w)

	s.mu.Lock()
	delete(s.inProgress, key)
	s.cond.Broadcast()
	s.mu.Unlock()
	return err
}

// RemoveBranchDir deletes a branch's on-disk archive directory.
// Pending writes for the branch must be cancelled first.
func (s *Service) RemoveBranchDir(noteID, branch string) error {
	return s.blobs.RemoveDir(s.branchDir(noteID, branch), true)
}

// RemoveNoteDir deletes a note's entire on-disk archive tree.
func (s *Service) RemoveNoteDir(noteID string) error {
	return s.blobs.RemoveDir(path.Join(s.root, noteID), true)
}

// MoveNoteDir relocates a note's archive tree under a new note ID.
// Missing source directories are not an error: the note may never
// have been exported.
func (s *Service) MoveNoteDir(oldID, newID string) error {
	src := path.Join(s.root, oldID)
	exists, err := s.blobs.Exists(src)
	if err != nil || !exists {
		return err
	}
	return s.blobs.Move(src, path.Join(s.root, newID))
}

// Pending reports whether a write is scheduled or running for a key,
// and its sequence if scheduled.
func (s *Service) Pending(noteID, branch string) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := writeKey(noteID, branch)
	if w, ok := s.scheduled[key]; ok {
		return w.Sequence, true
	}
	return 0, s.inProgress[key]
}

// Close cancels all timers and waits for running writes.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for key := range s.scheduled {
		s.cancelLocked(key)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
