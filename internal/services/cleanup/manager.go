// Package cleanup enforces retention policy and heals the central
// manifest against vault reality. Retention runs per note after every
// save; the orphan scan runs globally and distinguishes a moved note
// (self-heal the path) from a deleted one (drop the history).
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TheMichaelB/vaulthist/internal/config"
	"github.com/TheMichaelB/vaulthist/internal/content"
	"github.com/TheMichaelB/vaulthist/internal/events"
	"github.com/TheMichaelB/vaulthist/internal/metadata"
	"github.com/TheMichaelB/vaulthist/internal/models"
	"github.com/TheMichaelB/vaulthist/internal/queue"
	"github.com/TheMichaelB/vaulthist/internal/services/history"
	"github.com/TheMichaelB/vaulthist/internal/storage"
	"github.com/TheMichaelB/vaulthist/internal/store"

	"golang.org/x/sync/errgroup"
)

// Manager runs retention and orphan cleanup.
type Manager struct {
	db       store.Store
	content  *content.Store
	history  *history.Service
	resolver *metadata.Resolver
	vault    storage.BlobStore
	queue    *queue.Service
	settings config.HistorySettings
	cfg      config.CleanupConfig
	logger   *events.Logger

	now func() time.Time

	mu      sync.Mutex
	running map[string]bool

	orphanRunning atomic.Bool
}

// NewManager creates a cleanup manager.
func NewManager(db store.Store, cs *content.Store, hs *history.Service, resolver *metadata.Resolver, vault storage.BlobStore, q *queue.Service, settings config.HistorySettings, cfg config.CleanupConfig, logger *events.Logger) *Manager {
	return &Manager{
		db:       db,
		content:  cs,
		history:  hs,
		resolver: resolver,
		vault:    vault,
		queue:    q,
		settings: settings,
		cfg:      cfg,
		logger:   logger.WithField("service", "cleanup"),
		now:      time.Now,
		running:  make(map[string]bool),
	}
}

// CleanupNote applies retention to every branch of one note. Only one
// cleanup per note is ever in flight; a trigger arriving while one is
// running is a silent no-op.
func (m *Manager) CleanupNote(ctx context.Context, noteID string) error {
	m.mu.Lock()
	if m.running[noteID] {
		m.mu.Unlock()
		return nil
	}
	m.running[noteID] = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.running, noteID)
		m.mu.Unlock()
	}()

	// Low priority: retention never preempts user-facing operations
	// queued on the same note.
	return m.queue.Add(ctx, []string{"note:" + noteID}, queue.Low, func(ctx context.Context) error {
		return m.cleanupNote(ctx, noteID)
	})
}

func (m *Manager) cleanupNote(ctx context.Context, noteID string) error {
	man, err := m.db.LoadNoteManifest(noteID)
	if errors.Is(err, store.ErrManifestNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}

	man = man.Clone()
	evictedByBranch := make(map[string][]string)
	for name, b := range man.Branches {
		evicted := m.partitionBranch(b)
		if len(evicted) > 0 {
			evictedByBranch[name] = evicted
		}
	}
	if len(evictedByBranch) == 0 {
		return nil
	}

	// The manifest drops every evicted ID in one batch before any blob
	// is touched.
	man.LastModified = m.now()
	man.Normalize()
	if err := m.db.SaveNoteManifest(man); err != nil {
		return fmt.Errorf("save manifest: %w", err)
	}

	total := 0
	for branch, ids := range evictedByBranch {
		total += len(ids)
		if err := m.content.RemoveEdits(ctx, noteID, branch, ids); err != nil {
			m.logger.WithError(err).WithFields(map[string]interface{}{
				"note_id": noteID,
				"branch":  branch,
			}).Warn("Blob cleanup failed after retention pass")
		}
	}

	m.logger.WithFields(map[string]interface{}{
		"note_id": noteID,
		"evicted": total,
	}).Debug("Retention pass complete")
	return nil
}

// partitionBranch mutates b, removing versions that fail the enabled
// retention predicates, and returns the evicted edit IDs. A branch
// with at least one version always keeps at least one.
func (m *Manager) partitionBranch(b *models.Branch) []string {
	// Never delete the last surviving version.
	if len(b.Versions) < 2 {
		return nil
	}

	resolved := m.settings.Resolve(b.Settings)

	type rec struct {
		id   string
		meta models.VersionMetadata
	}
	ordered := make([]rec, 0, len(b.Versions))
	for id, v := range b.Versions {
		ordered = append(ordered, rec{id, v})
	}
	// Newest first.
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].meta.VersionNumber > ordered[j].meta.VersionNumber
	})

	cutoff := m.now().Add(-time.Duration(resolved.AutoCleanupDays) * 24 * time.Hour)

	var keep, evict []rec
	for _, r := range ordered {
		ok := true
		if resolved.MaxVersionsPerNote > 0 && len(keep) >= resolved.MaxVersionsPerNote {
			ok = false
		}
		if ok && resolved.AutoCleanupOldVersions && r.meta.Timestamp.Before(cutoff) {
			ok = false
		}
		if ok {
			keep = append(keep, r)
		} else {
			evict = append(evict, r)
		}
	}

	// Age-based cleanup can condemn everything; rescue the newest.
	if len(keep) == 0 {
		keep = append(keep, evict[0])
		evict = evict[1:]
	}

	ids := make([]string, 0, len(evict))
	for _, r := range evict {
		delete(b.Versions, r.id)
		ids = append(ids, r.id)
	}
	return ids
}

// orphanOutcome is the per-note result of a scan.
type orphanOutcome int

const (
	orphanValid orphanOutcome = iota
	orphanMoved
	orphanGone
)

type scanResult struct {
	noteID  string
	outcome orphanOutcome
	newPath string
}

// ScanForOrphans verifies that every central-manifest entry still
// points at a real note. A note found elsewhere with the same identity
// marker has its recorded path healed; a note that is truly gone has
// its entire history removed. Overlapping scans are skipped, not
// queued.
func (m *Manager) ScanForOrphans(ctx context.Context) error {
	if !m.orphanRunning.CompareAndSwap(false, true) {
		return nil
	}
	defer m.orphanRunning.Store(false)

	central, err := m.db.LoadCentral()
	if err != nil {
		return fmt.Errorf("load central manifest: %w", err)
	}

	results := make([]scanResult, len(central.Notes))
	ids := make([]string, 0, len(central.Notes))
	for id := range central.Notes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.MaxConcurrent)
	for i, noteID := range ids {
		i, noteID := i, noteID
		entry := central.Notes[noteID]
		g.Go(func() error {
			res, err := m.classify(gctx, noteID, entry.NotePath)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Mutations run serially after the scan so the central manifest is
	// only rewritten through the normal serialized operations.
	moved, gone := 0, 0
	for _, res := range results {
		switch res.outcome {
		case orphanMoved:
			moved++
			m.logger.WithFields(map[string]interface{}{
				"note_id":  res.noteID,
				"new_path": res.newPath,
			}).Info("Healed moved note path")
			if err := m.history.UpdateNotePath(ctx, res.noteID, res.newPath); err != nil {
				m.logger.WithError(err).WithField("note_id", res.noteID).Warn("Failed to heal note path")
			}
		case orphanGone:
			gone++
			m.logger.WithField("note_id", res.noteID).Info("Removing history for deleted note")
			if err := m.history.DeleteNoteHistory(ctx, res.noteID); err != nil {
				m.logger.WithError(err).WithField("note_id", res.noteID).Warn("Failed to remove orphaned history")
			}
		}
	}

	m.logger.WithFields(map[string]interface{}{
		"scanned": len(ids),
		"moved":   moved,
		"deleted": gone,
	}).Debug("Orphan scan complete")
	return nil
}

// classify decides one entry's fate. The identity marker in the note's
// frontmatter is what distinguishes a rename from a delete.
func (m *Manager) classify(ctx context.Context, noteID, notePath string) (scanResult, error) {
	res := scanResult{noteID: noteID, outcome: orphanValid}

	exists, err := m.vault.Exists(notePath)
	if err != nil {
		return res, fmt.Errorf("stat note %s: %w", notePath, err)
	}
	if exists {
		id, err := m.resolver.IdentityFromFile(notePath)
		if err == nil && (id == "" || id == noteID) {
			return res, nil
		}
		// Identity mismatch: the file at the recorded path is a
		// different note. Fall through to the search.
	}

	newPath, found, err := m.resolver.FindByIdentity(ctx, noteID)
	if err != nil {
		return res, err
	}
	if found && newPath != notePath {
		res.outcome = orphanMoved
		res.newPath = newPath
		return res, nil
	}
	if found {
		return res, nil
	}

	res.outcome = orphanGone
	return res, nil
}
