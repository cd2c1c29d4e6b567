package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// startWatcher begins watching the capture directory. Files dropped there by
// producers become artifact records once they have sat unchanged for the
// debounce interval.
func (d *Daemon) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	if err := os.MkdirAll(d.config.WatchDir, 0755); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to create capture directory: %w", err)
	}

	if err := watcher.Add(d.config.WatchDir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch capture directory: %w", err)
	}

	d.watcher = watcher
	d.config.Logger.Printf("Watching capture directory: %s", d.config.WatchDir)

	d.wg.Add(2)
	go d.watchFileEvents()
	go d.processPending()

	return nil
}

// watchFileEvents queues file creations and writes for debounced intake.
func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}

			// Dotfiles are producers' scratch space.
			if strings.HasPrefix(filepath.Base(event.Name), ".") {
				continue
			}

			d.queueFile(event.Name)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

func (d *Daemon) queueFile(path string) {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()

	d.pending[path] = time.Now()
}

// processPending records files whose last event is older than the debounce
// interval. A file still being written keeps refreshing its queue entry.
func (d *Daemon) processPending() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.recordSettledFiles()
		}
	}
}

func (d *Daemon) recordSettledFiles() {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()

	now := time.Now()
	for path, queuedAt := range d.pending {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}
		delete(d.pending, path)

		info, err := os.Stat(path)
		if err != nil {
			// Gone before we recorded it; nothing to track.
			continue
		}
		if info.IsDir() {
			continue
		}

		d.config.Logger.Printf("Recording dropped artifact: %s (%d bytes)", path, info.Size())
		d.RecordArtifact(path, info.Size())
	}
}
