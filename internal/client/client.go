// Package client is the composition root: it wires storage, the
// worker pool, the queue, and the services into one engine handle.
package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/TheMichaelB/vaulthist/internal/config"
	"github.com/TheMichaelB/vaulthist/internal/content"
	"github.com/TheMichaelB/vaulthist/internal/coordinator"
	"github.com/TheMichaelB/vaulthist/internal/events"
	"github.com/TheMichaelB/vaulthist/internal/lock"
	"github.com/TheMichaelB/vaulthist/internal/metadata"
	"github.com/TheMichaelB/vaulthist/internal/persist"
	"github.com/TheMichaelB/vaulthist/internal/queue"
	"github.com/TheMichaelB/vaulthist/internal/services/cleanup"
	"github.com/TheMichaelB/vaulthist/internal/services/history"
	"github.com/TheMichaelB/vaulthist/internal/storage"
	"github.com/TheMichaelB/vaulthist/internal/store"
	"github.com/TheMichaelB/vaulthist/internal/worker"
)

// Client provides the high-level API for vaulthist operations.
type Client struct {
	History *history.Service
	Cleanup *cleanup.Manager
	Persist *persist.Service
	Content *content.Store
	Bus     *events.Bus

	config  *config.Config
	logger  *events.Logger
	db      store.Store
	pool    *worker.Pool
	blobs   storage.BlobStore
	watcher *cleanup.Watcher
	subID   int
}

// New creates a vaulthist client from configuration.
func New(cfg *config.Config, logger *events.Logger) (*Client, error) {
	blobStore, err := storage.NewLocalStore(cfg.Storage.DataDir, logger)
	if err != nil {
		return nil, err
	}

	db, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}
	pool := worker.NewPool(workers, cfg.Content.CompressionLevel, logger)
	contentStore := content.NewStore(db, pool, cfg.Content, logger)

	locks := lock.NewManager()
	q := queue.NewService()
	coord := coordinator.New(logger)
	bus := events.NewBus(logger)

	persistSvc := persist.NewService(db, blobStore, pool, locks, historyRoot(cfg), cfg.Persist, logger)

	vaultStore, err := storage.NewLocalStore(cfg.Storage.VaultDir, logger)
	if err != nil {
		return nil, err
	}
	resolver := metadata.NewResolver(vaultStore, cfg.Cleanup.IdentityKey, cfg.Cleanup.MaxConcurrent, logger)

	historySvc := history.NewService(db, contentStore, persistSvc, q, coord, bus, cfg.History, logger)
	cleanupMgr := cleanup.NewManager(db, contentStore, historySvc, resolver, vaultStore, q, cfg.History, cfg.Cleanup, logger)

	c := &Client{
		History: historySvc,
		Cleanup: cleanupMgr,
		Persist: persistSvc,
		Content: contentStore,
		Bus:     bus,
		config:  cfg,
		logger:  logger,
		db:      db,
		pool:    pool,
		blobs:   blobStore,
	}

	// Retention rides on the save event. The handler must not block
	// the save that triggered it.
	c.subID = bus.On(events.EventVersionSaved, func(args ...interface{}) {
		noteID, ok := firstString(args)
		if !ok {
			return
		}
		go func() {
			if err := cleanupMgr.CleanupNote(context.Background(), noteID); err != nil {
				logger.WithError(err).WithField("note_id", noteID).Warn("Retention pass failed")
			}
		}()
	})

	return c, nil
}

func firstString(args []interface{}) (string, bool) {
	if len(args) == 0 {
		return "", false
	}
	s, ok := args[0].(string)
	return s, ok
}

// openStore picks the database backend from configuration.
func openStore(cfg *config.Config, logger *events.Logger) (store.Store, error) {
	switch cfg.Storage.Backend {
	case "sqlite":
		if dir := filepath.Dir(cfg.Storage.DBPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		return store.NewSQLiteStore(cfg.Storage.DBPath, logger)
	case "file":
		return store.NewFileStore(filepath.Join(cfg.Storage.DataDir, "db"), logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// historyRoot resolves the archive root relative to the data
// directory, which is what the blob store is sandboxed to.
func historyRoot(cfg *config.Config) string {
	rel, err := filepath.Rel(cfg.Storage.DataDir, cfg.Storage.HistoryDir)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "history"
	}
	return filepath.ToSlash(rel)
}

// StartWatcher begins vault observation for orphan healing.
func (c *Client) StartWatcher() error {
	if c.watcher != nil {
		return nil
	}
	w := cleanup.NewWatcher(c.Cleanup, c.config.Storage.VaultDir, c.config.Cleanup.OrphanScanInterval, c.logger)
	if err := w.Start(); err != nil {
		return err
	}
	c.watcher = w
	return nil
}

// ReconcileAll runs two-way disk reconciliation over every branch
// known to either side: the database or the on-disk archive tree.
func (c *Client) ReconcileAll(ctx context.Context) error {
	type branchKey struct{ noteID, branch string }
	seen := make(map[branchKey]bool)
	var keys []branchKey

	add := func(noteID, branch string) {
		k := branchKey{noteID, branch}
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}

	ids, err := c.db.ListNoteIDs()
	if err != nil {
		return fmt.Errorf("list notes: %w", err)
	}
	for _, noteID := range ids {
		man, err := c.db.LoadNoteManifest(noteID)
		if err != nil {
			if errors.Is(err, store.ErrManifestCorrupt) {
				c.logger.WithField("note_id", noteID).Warn("Skipping corrupt manifest during reconciliation")
				continue
			}
			return err
		}
		for branch := range man.Branches {
			add(noteID, branch)
		}
	}

	// Disk-only branches: archives written before the database was
	// lost or moved.
	root := historyRoot(c.config)
	noteDirs, err := c.blobs.List(root)
	if err != nil {
		return fmt.Errorf("list archive root: %w", err)
	}
	for _, nd := range noteDirs {
		if !nd.IsDir {
			continue
		}
		branchDirs, err := c.blobs.List(nd.Path)
		if err != nil {
			continue
		}
		for _, bd := range branchDirs {
			if bd.IsDir {
				add(path.Base(nd.Path), path.Base(bd.Path))
			}
		}
	}

	imported, exported, recovered := 0, 0, 0
	for _, k := range keys {
		outcome, err := c.Persist.LoadBranchFromDisk(ctx, k.noteID, k.branch)
		if err != nil {
			c.logger.WithError(err).WithFields(map[string]interface{}{
				"note_id": k.noteID,
				"branch":  k.branch,
			}).Warn("Reconciliation failed for branch")
			continue
		}
		switch outcome {
		case persist.OutcomeImported:
			imported++
		case persist.OutcomeExported:
			exported++
		case persist.OutcomeRecovered:
			recovered++
		}
	}

	c.logger.WithFields(map[string]interface{}{
		"branches":  len(keys),
		"imported":  imported,
		"exported":  exported,
		"recovered": recovered,
	}).Info("Reconciliation complete")
	return nil
}

// Close flushes and releases everything in dependency order: watcher,
// pending disk writes, worker pool, database.
func (c *Client) Close() error {
	if c.watcher != nil {
		c.watcher.Stop()
		c.watcher = nil
	}
	if c.subID != 0 {
		c.Bus.Off(events.EventVersionSaved, c.subID)
		c.subID = 0
	}
	c.Persist.Close()
	c.pool.Close()
	return c.db.Close()
}
