package cleanup

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/TheMichaelB/vaulthist/internal/events"
)

// scanDebounce batches a burst of vault changes into one orphan scan.
const scanDebounce = 5 * time.Second

// Watcher observes the vault for file churn and triggers orphan scans:
// debounced after filesystem events, and periodically as a backstop
// for changes made while the watcher was not running.
type Watcher struct {
	mgr       *Manager
	vaultRoot string
	interval  time.Duration
	logger    *events.Logger

	fsw  *fsnotify.Watcher
	stop chan struct{}
	done chan struct{}
}

// NewWatcher creates a watcher over vaultRoot.
func NewWatcher(mgr *Manager, vaultRoot string, interval time.Duration, logger *events.Logger) *Watcher {
	return &Watcher{
		mgr:       mgr,
		vaultRoot: vaultRoot,
		interval:  interval,
		logger:    logger.WithField("component", "watcher"),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start begins watching. Directories are watched recursively; new
// directories are picked up as they appear.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsw = fsw

	err = filepath.WalkDir(w.vaultRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != w.vaultRoot {
				return filepath.SkipDir
			}
			if err := fsw.Add(path); err != nil {
				w.logger.WithError(err).WithField("path", path).Warn("Failed to watch directory")
			}
		}
		return nil
	})
	if err != nil {
		fsw.Close()
		return err
	}

	go w.loop()
	return nil
}

func (w *Watcher) loop() {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}

	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&fsnotify.Create != 0 {
				// Best effort; a non-directory Add fails harmlessly.
				if err := w.fsw.Add(ev.Name); err == nil {
					w.logger.WithField("path", ev.Name).Debug("Watching new path")
				}
			}
			if isRelevant(ev) {
				debounce.Reset(scanDebounce)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("Vault watcher error")

		case <-debounce.C:
			w.scan()

		case <-ticker.C:
			w.scan()

		case <-w.stop:
			return
		}
	}
}

// isRelevant filters to markdown create/rename/remove events; plain
// writes cannot orphan a history entry.
func isRelevant(ev fsnotify.Event) bool {
	if ev.Op&(fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
		return false
	}
	return strings.EqualFold(filepath.Ext(ev.Name), ".md")
}

func (w *Watcher) scan() {
	if err := w.mgr.ScanForOrphans(context.Background()); err != nil {
		w.logger.WithError(err).Warn("Orphan scan failed")
	}
}

// Stop ends the watch loop and releases the notifier.
func (w *Watcher) Stop() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
	if w.fsw != nil {
		w.fsw.Close()
	}
	<-w.done
}
