// Package history implements the version lifecycle: create, read,
// update, and delete operations over note manifests and edit blobs.
// Every mutating operation is serialized per note through the queue,
// then tracked by the coordinator for leak detection.
package history

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/TheMichaelB/vaulthist/internal/config"
	"github.com/TheMichaelB/vaulthist/internal/content"
	"github.com/TheMichaelB/vaulthist/internal/coordinator"
	"github.com/TheMichaelB/vaulthist/internal/events"
	"github.com/TheMichaelB/vaulthist/internal/models"
	"github.com/TheMichaelB/vaulthist/internal/persist"
	"github.com/TheMichaelB/vaulthist/internal/queue"
	"github.com/TheMichaelB/vaulthist/internal/store"
)

// Service orchestrates version operations.
type Service struct {
	db       store.Store
	content  *content.Store
	persist  *persist.Service
	queue    *queue.Service
	coord    *coordinator.Coordinator
	bus      *events.Bus
	settings config.HistorySettings
	logger   *events.Logger

	// Injectable for deterministic tests.
	now   func() time.Time
	newID func() string
}

// NewService creates a history service.
func NewService(db store.Store, cs *content.Store, ps *persist.Service, q *queue.Service, coord *coordinator.Coordinator, bus *events.Bus, settings config.HistorySettings, logger *events.Logger) *Service {
	return &Service{
		db:       db,
		content:  cs,
		persist:  ps,
		queue:    q,
		coord:    coord,
		bus:      bus,
		settings: settings,
		logger:   logger.WithField("service", "history"),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// noteKey scopes queue and coordinator entries to one note.
func noteKey(noteID string) string {
	return "note:" + noteID
}

// centralKey serializes every operation that writes the shared central
// manifest. Without it, two operations on different notes race the
// load-modify-save cycle and one registration silently overwrites the
// other.
const centralKey = "manifest:central"

// loadManifest fetches a note manifest, mapping a missing manifest to
// ErrNoteNotFound.
func (s *Service) loadManifest(noteID string) (*models.NoteManifest, error) {
	m, err := s.db.LoadNoteManifest(noteID)
	if errors.Is(err, store.ErrManifestNotFound) {
		return nil, fmt.Errorf("note %s: %w", noteID, models.ErrNoteNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load manifest: %w", err)
	}
	return m, nil
}

// resolvedSettings applies a branch's override to the global policy.
func (s *Service) resolvedSettings(b *models.Branch) config.HistorySettings {
	if b == nil {
		return s.settings
	}
	return s.settings.Resolve(b.Settings)
}

// saveManifest normalizes, stamps, and persists a manifest clone.
func (s *Service) saveManifest(m *models.NoteManifest) error {
	m.LastModified = s.now()
	m.Normalize()
	if err := s.db.SaveNoteManifest(m); err != nil {
		return fmt.Errorf("save manifest: %w", err)
	}
	return nil
}

// schedulePersist queues a debounced disk export when persistence is
// enabled for the branch.
func (s *Service) schedulePersist(m *models.NoteManifest, branch string) {
	if s.resolvedSettings(m.Branch(branch)).EnableDiskPersistence {
		s.persist.Schedule(m.NoteID, branch)
	}
}

// sortedBranchNames lists a manifest's branch names alphabetically.
func sortedBranchNames(m *models.NoteManifest) []string {
	names := make([]string, 0, len(m.Branches))
	for name := range m.Branches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
