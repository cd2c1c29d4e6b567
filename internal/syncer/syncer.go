// Package syncer drives the reconciliation cycle between the local record
// store and the central server.
//
// Each cycle pulls a bounded window of unsynced records, packages them into
// one archive, uploads it, and on acknowledgment commits exactly the packaged
// ids as synced. Delivery is at-least-once: a crash between server accept and
// local commit re-uploads the batch next cycle, and the server's idempotent
// extraction absorbs the duplicate.
package syncer

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/courierhq/courier/internal/batch"
	"github.com/courierhq/courier/internal/store"
)

// Config holds tuning for the sync cycle.
type Config struct {
	// MaxEvents bounds the structured-event window per cycle.
	MaxEvents int

	// MaxArtifacts bounds the artifact window per cycle.
	MaxArtifacts int

	// Retries is the number of upload attempts per cycle for transient
	// failures. Permanent rejections are never retried.
	Retries int

	// RetryBackoff is the initial backoff between attempts; it doubles
	// after each failure.
	RetryBackoff time.Duration

	// Logger for sync activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxEvents:    100,
		MaxArtifacts: 50,
		Retries:      3,
		RetryBackoff: 2 * time.Second,
		Logger:       log.New(os.Stderr, "[sync] ", log.LstdFlags),
	}
}

// Result reports one sync cycle.
type Result struct {
	Events    int
	Artifacts int

	// Missing counts artifacts retired this cycle because their backing
	// file no longer exists.
	Missing int

	Failed bool
}

// Syncer performs the upload cycle against a store, packager and uploader.
type Syncer struct {
	store    *store.Store
	packager *batch.Packager
	uploader Uploader
	config   *Config
}

// New creates a Syncer. If config is nil, defaults are used.
func New(st *store.Store, packager *batch.Packager, uploader Uploader, config *Config) *Syncer {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &Syncer{
		store:    st,
		packager: packager,
		uploader: uploader,
		config:   config,
	}
}

// SyncOnce runs a single cycle. A nil error with Result.Failed set means the
// upload failed this cycle and the records remain unsynced for the next one;
// a non-nil error means the store itself misbehaved.
//
// Callers must not overlap cycles; the daemon's sync loop runs them
// sequentially.
func (s *Syncer) SyncOnce(ctx context.Context) (Result, error) {
	var res Result

	events, err := s.store.UnsyncedEvents(ctx, s.config.MaxEvents)
	if err != nil {
		return res, fmt.Errorf("failed to list unsynced events: %w", err)
	}
	artifacts, err := s.store.UnsyncedArtifacts(ctx, s.config.MaxArtifacts)
	if err != nil {
		return res, fmt.Errorf("failed to list unsynced artifacts: %w", err)
	}

	arch, missing, err := s.packager.Package(events, artifacts, time.Now())
	if err != nil {
		return res, fmt.Errorf("failed to package batch: %w", err)
	}

	// Retire artifacts whose files are gone regardless of how the upload
	// goes; leaving them unsynced would pin the window head forever.
	if len(missing) > 0 {
		if err := s.store.MarkArtifactsMissing(ctx, missing); err != nil {
			return res, fmt.Errorf("failed to retire missing artifacts: %w", err)
		}
		res.Missing = len(missing)
		s.config.Logger.Printf("Retired %d artifacts with missing files", len(missing))
	}

	if arch == nil {
		return res, nil
	}

	if err := s.upload(ctx, arch); err != nil {
		s.config.Logger.Printf("Upload failed, %d events and %d artifacts deferred: %v",
			len(arch.EventIDs), len(arch.ArtifactIDs), err)
		res.Failed = true
		return res, nil
	}

	// Commit exactly the ids that were in the acknowledged archive.
	if err := s.store.MarkEventsSynced(ctx, arch.EventIDs); err != nil {
		return res, fmt.Errorf("failed to commit synced events: %w", err)
	}
	if err := s.store.MarkArtifactsSynced(ctx, arch.ArtifactIDs); err != nil {
		return res, fmt.Errorf("failed to commit synced artifacts: %w", err)
	}

	res.Events = len(arch.EventIDs)
	res.Artifacts = len(arch.ArtifactIDs)
	s.config.Logger.Printf("Synced %d events, %d artifacts (%s)", res.Events, res.Artifacts, arch.Key)
	return res, nil
}

// upload attempts delivery with exponential backoff. Only transient failures
// (connection errors, 5xx) are retried; 4xx rejections abort immediately.
func (s *Syncer) upload(ctx context.Context, arch *batch.Archive) error {
	backoff := s.config.RetryBackoff
	var lastErr error

	for attempt := 1; attempt <= s.config.Retries; attempt++ {
		lastErr = s.uploader.Upload(ctx, arch)
		if lastErr == nil {
			return nil
		}
		if IsPermanent(lastErr) {
			return lastErr
		}

		if attempt < s.config.Retries {
			s.config.Logger.Printf("Upload attempt %d/%d failed, retrying in %v: %v",
				attempt, s.config.Retries, backoff, lastErr)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}
	}

	return lastErr
}
