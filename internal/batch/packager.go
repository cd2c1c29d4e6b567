// Package batch groups unsynced records into a single upload archive.
//
// A batch is ephemeral: it exists only between packaging and upload. If the
// upload is not acknowledged the archive is discarded and its records remain
// unsynced for the next cycle.
//
// Archive layout (tar stream, zstd compressed):
//
//	events_<timestamp>.json     manifest of structured events
//	artifacts/<filename>        one entry per artifact file
package batch

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/courierhq/courier/internal/store"
)

// ManifestEntry is one structured event as serialized into the archive
// manifest.
type ManifestEntry struct {
	ID        int64             `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Kind      string            `json:"kind"`
	Payload   map[string]string `json:"payload,omitempty"`
}

// Archive is a packaged batch ready for upload. EventIDs and ArtifactIDs list
// exactly the record ids whose content made it into Data; nothing else may be
// committed as synced when the upload is acknowledged.
type Archive struct {
	Key         string
	Data        []byte
	EventIDs    []int64
	ArtifactIDs []int64
}

// Packager builds upload archives from unsynced record windows.
type Packager struct {
	producerID string
	logger     *log.Logger
}

// NewPackager creates a packager for the given producer.
// If logger is nil, a default logger writing to stderr is used.
func NewPackager(producerID string, logger *log.Logger) *Packager {
	if logger == nil {
		logger = log.New(os.Stderr, "[batch] ", log.LstdFlags)
	}
	return &Packager{
		producerID: producerID,
		logger:     logger,
	}
}

// Package builds a single archive from the given record window. A nil
// archive means there is nothing to upload this cycle.
//
// Artifact files that are unreadable are logged and excluded; the rest of
// the batch is still packaged. Files that no longer exist are additionally
// reported in the second return value so the caller can retire their
// records instead of re-batching them forever. The returned archive is
// complete: callers never see a half-written blob.
func (p *Packager) Package(events []store.Event, artifacts []store.Artifact, now time.Time) (*Archive, []int64, error) {
	if len(events) == 0 && len(artifacts) == 0 {
		return nil, nil, nil
	}

	timestamp := now.UTC().Format("20060102_150405")

	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	arch := &Archive{
		Key: fmt.Sprintf("%s_%s_%s.tar.zst", p.producerID, timestamp, uuid.NewString()[:8]),
	}

	if len(events) > 0 {
		manifest := make([]ManifestEntry, 0, len(events))
		for _, ev := range events {
			manifest = append(manifest, ManifestEntry{
				ID:        ev.ID,
				Timestamp: ev.Timestamp,
				Kind:      ev.Type,
				Payload:   ev.Details,
			})
			arch.EventIDs = append(arch.EventIDs, ev.ID)
		}

		data, err := json.MarshalIndent(manifest, "", "  ")
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal event manifest: %w", err)
		}

		if err := writeEntry(tw, fmt.Sprintf("events_%s.json", timestamp), data, now); err != nil {
			return nil, nil, err
		}
	}

	var missing []int64
	for _, a := range artifacts {
		data, err := os.ReadFile(a.Path)
		if err != nil {
			// Local-IO failures are per-file: skip and keep packaging.
			// A file that is gone entirely is reported for retirement;
			// one that exists but cannot be read gets another chance.
			if errors.Is(err, fs.ErrNotExist) {
				p.logger.Printf("Retiring artifact %d, file gone: %s", a.ID, a.Path)
				missing = append(missing, a.ID)
			} else {
				p.logger.Printf("Skipping artifact %d (%s): %v", a.ID, a.Path, err)
			}
			continue
		}

		name := "artifacts/" + filepath.Base(a.Path)
		if err := writeEntry(tw, name, data, a.Timestamp); err != nil {
			return nil, nil, err
		}
		arch.ArtifactIDs = append(arch.ArtifactIDs, a.ID)
	}

	if len(arch.EventIDs) == 0 && len(arch.ArtifactIDs) == 0 {
		// Every artifact in the window was skipped and there were no events.
		return nil, missing, nil
	}

	if err := tw.Close(); err != nil {
		return nil, nil, fmt.Errorf("failed to finalize archive: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, nil, fmt.Errorf("failed to finalize compression: %w", err)
	}

	arch.Data = buf.Bytes()
	return arch, missing, nil
}

func writeEntry(tw *tar.Writer, name string, data []byte, modTime time.Time) error {
	hdr := &tar.Header{
		Name:    name,
		Mode:    0644,
		Size:    int64(len(data)),
		ModTime: modTime,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write archive header for %s: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("failed to write archive entry %s: %w", name, err)
	}
	return nil
}
