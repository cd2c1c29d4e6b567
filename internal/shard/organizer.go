// Package shard organizes uploaded batches on the server.
//
// Storage is sharded by producer and calendar date:
//
//	<root>/<producerID>/<YYYY-MM-DD>/...
//
// Extraction is idempotent: re-delivering the same batch overwrites the same
// destination files with identical content, so the at-least-once delivery the
// sync client provides is safe to repeat. The retention sweeper removes whole
// date shards past the configured window.
package shard

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

// DateLayout is the calendar-date format used for shard directory names.
const DateLayout = "2006-01-02"

// SanitizeProducerID reduces a producer identifier to the characters safe for
// use as a storage path component: letters, digits, '-' and '_'. Returns an
// error if nothing safe remains, which also rejects ids built entirely from
// traversal sequences.
func SanitizeProducerID(id string) (string, error) {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("producer id %q contains no usable characters", id)
	}
	return b.String(), nil
}

// Organizer extracts uploaded archives into the sharded layout.
type Organizer struct {
	root   string
	logger *log.Logger
}

// NewOrganizer creates an organizer rooted at the given storage directory.
// If logger is nil, a default logger writing to stderr is used.
func NewOrganizer(root string, logger *log.Logger) *Organizer {
	if logger == nil {
		logger = log.New(os.Stderr, "[shard] ", log.LstdFlags)
	}
	return &Organizer{
		root:   root,
		logger: logger,
	}
}

// Root returns the storage root directory.
func (o *Organizer) Root() string {
	return o.root
}

// Extract unpacks an uploaded archive into the shard for (producerID, date).
//
// Entries whose normalized path escapes the shard directory are skipped; the
// rest of the archive still extracts. A truncated or malformed archive tail
// is tolerated once at least one well-formed entry has been written, since
// the client will not re-deliver a batch that was acknowledged.
func (o *Organizer) Extract(producerID string, archive io.Reader, date time.Time) error {
	safeID, err := SanitizeProducerID(producerID)
	if err != nil {
		return fmt.Errorf("invalid producer id: %w", err)
	}

	shardDir := filepath.Join(o.root, safeID, date.Format(DateLayout))
	// Concurrent uploads for the same shard race on creation; MkdirAll is
	// create-if-absent so both win.
	if err := os.MkdirAll(shardDir, 0755); err != nil {
		return fmt.Errorf("failed to create shard directory: %w", err)
	}

	zr, err := zstd.NewReader(archive)
	if err != nil {
		return fmt.Errorf("failed to open compressed archive: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	written := 0

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if written > 0 {
				o.logger.Printf("Archive for %s truncated after %d entries: %v", safeID, written, err)
				break
			}
			return fmt.Errorf("failed to read archive: %w", err)
		}

		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		target, ok := o.resolveEntry(shardDir, hdr.Name)
		if !ok {
			o.logger.Printf("Skipping unsafe archive entry from %s: %q", safeID, hdr.Name)
			continue
		}

		if err := writeFile(target, tr); err != nil {
			return fmt.Errorf("failed to extract %s: %w", hdr.Name, err)
		}
		written++
	}

	return nil
}

// resolveEntry normalizes an archive entry name and resolves it inside the
// shard directory. Returns ok=false for absolute paths and parent-directory
// escapes.
func (o *Organizer) resolveEntry(shardDir, name string) (string, bool) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", false
	}

	target := filepath.Join(shardDir, clean)
	rel, err := filepath.Rel(shardDir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return target, true
}

func writeFile(target string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create entry directory: %w", err)
	}

	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}

	return f.Close()
}
