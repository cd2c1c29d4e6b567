// Package daemon runs the courier agent's background tasks.
//
// The daemon owns the record store and drives two independent loops: the sync
// cycle (package unsynced records, upload, commit, then evict expired local
// records) and the optional capture-directory watcher that turns files
// dropped by producers into artifact records. Producers themselves are
// external; they feed the daemon through RecordEvent and RecordArtifact.
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/courierhq/courier/internal/store"
	"github.com/courierhq/courier/internal/syncer"
)

// Config holds configuration for the daemon.
type Config struct {
	// SyncInterval is how often a sync cycle runs.
	SyncInterval time.Duration

	// RetentionWindow is how long synced records are kept locally.
	RetentionWindow time.Duration

	// WatchDir, when set, is a directory watched for dropped artifact
	// files. Empty disables the watcher.
	WatchDir string

	// DebounceInterval is how long a dropped file must sit unchanged
	// before it is recorded. This keeps half-written files out.
	DebounceInterval time.Duration

	// Logger for daemon activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:     10 * time.Minute,
		RetentionWindow:  7 * 24 * time.Hour,
		DebounceInterval: 2 * time.Second,
		Logger:           log.New(os.Stderr, "[agent] ", log.LstdFlags),
	}
}

// Daemon orchestrates the sync cycle, local retention, and artifact intake.
type Daemon struct {
	store  *store.Store
	syncer *syncer.Syncer
	config *Config

	watcher   *fsnotify.Watcher
	pending   map[string]time.Time
	pendingMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Daemon. The store must be open with its schema initialized.
func New(st *store.Store, sy *syncer.Syncer, config *Config) (*Daemon, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if sy == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[agent] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		store:   st,
		syncer:  sy,
		config:  config,
		pending: make(map[string]time.Time),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins the daemon's loops and blocks until ctx is cancelled. An
// immediate first sync cycle runs before the timer takes over.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting agent daemon")

	if d.config.WatchDir != "" {
		if err := d.startWatcher(); err != nil {
			return fmt.Errorf("failed to start capture watcher: %w", err)
		}
	}

	d.wg.Add(1)
	go d.syncLoop()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop shuts the daemon down, letting any in-flight cycle finish so sync
// state is never half-committed.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping agent daemon")

	d.cancel()

	if d.watcher != nil {
		if err := d.watcher.Close(); err != nil {
			d.config.Logger.Printf("Error closing watcher: %v", err)
		}
	}

	d.wg.Wait()

	d.config.Logger.Println("Agent daemon stopped")
	return nil
}

// RecordEvent appends a structured event on behalf of a producer.
// Fire-and-forget: failures are logged, never surfaced, so producer hooks
// can't stall on storage trouble.
func (d *Daemon) RecordEvent(eventType string, details map[string]string) {
	if _, err := d.store.AppendEvent(d.ctx, eventType, details); err != nil {
		d.config.Logger.Printf("Warning: failed to record %s event: %v", eventType, err)
	}
}

// RecordArtifact appends an artifact reference on behalf of a producer.
// Fire-and-forget, like RecordEvent.
func (d *Daemon) RecordArtifact(path string, size int64) {
	if _, err := d.store.AppendArtifact(d.ctx, path, size); err != nil {
		d.config.Logger.Printf("Warning: failed to record artifact %s: %v", path, err)
	}
}

// syncLoop drives periodic sync cycles followed by local retention eviction.
// Cycles are single-flight by construction: the next tick waits for the
// previous cycle to return.
func (d *Daemon) syncLoop() {
	defer d.wg.Done()

	d.runCycle()

	ticker := time.NewTicker(d.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.runCycle()
		}
	}
}

// runCycle performs one sync attempt and then evicts expired local records.
// Errors are logged and deferred to the next cycle, never fatal.
func (d *Daemon) runCycle() {
	res, err := d.syncer.SyncOnce(d.ctx)
	if err != nil {
		d.config.Logger.Printf("Sync cycle error: %v", err)
	} else if res.Failed {
		d.config.Logger.Println("Sync cycle deferred: upload not acknowledged")
	}

	cutoff := time.Now().Add(-d.config.RetentionWindow)
	stats, err := d.store.EvictSyncedBefore(d.ctx, cutoff)
	if err != nil {
		d.config.Logger.Printf("Retention eviction error: %v", err)
		return
	}
	if stats.EventsEvicted > 0 || stats.ArtifactsEvicted > 0 {
		d.config.Logger.Printf("Evicted %d events, %d artifacts (%d files removed)",
			stats.EventsEvicted, stats.ArtifactsEvicted, stats.FilesRemoved)
	}
}
