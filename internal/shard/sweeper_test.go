package shard

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// makeShard creates a shard directory with one file in it.
func makeShard(t *testing.T, root, producer, date string) {
	t.Helper()

	dir := filepath.Join(root, producer, date)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("failed to create shard: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "data.json"), []byte("{}"), 0644); err != nil {
		t.Fatalf("failed to write shard file: %v", err)
	}
}

// TestSweep_EvictsOldShards tests that shards past the window are removed and
// recent ones kept, regardless of content.
func TestSweep_EvictsOldShards(t *testing.T) {
	root := t.TempDir()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	makeShard(t, root, "desk-7", "2024-04-01") // 61 days old
	makeShard(t, root, "desk-7", "2024-05-25") // 7 days old

	s := NewSweeper(root, 30*24*time.Hour, nil)
	stats, err := s.Sweep(now)
	if err != nil {
		t.Fatalf("Sweep() failed: %v", err)
	}

	if stats.ShardsRemoved != 1 {
		t.Errorf("ShardsRemoved = %d, want 1", stats.ShardsRemoved)
	}
	if _, err := os.Stat(filepath.Join(root, "desk-7", "2024-04-01")); !os.IsNotExist(err) {
		t.Error("expired shard still present")
	}
	if _, err := os.Stat(filepath.Join(root, "desk-7", "2024-05-25")); err != nil {
		t.Error("recent shard was removed")
	}
}

// TestSweep_RemovesEmptyProducers tests that a producer whose shards were all
// evicted loses its container directory too.
func TestSweep_RemovesEmptyProducers(t *testing.T) {
	root := t.TempDir()
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	makeShard(t, root, "desk-7", "2024-01-01")
	makeShard(t, root, "desk-8", "2024-05-30")

	s := NewSweeper(root, 30*24*time.Hour, nil)
	stats, err := s.Sweep(now)
	if err != nil {
		t.Fatalf("Sweep() failed: %v", err)
	}

	if stats.ProducersRemoved != 1 {
		t.Errorf("ProducersRemoved = %d, want 1", stats.ProducersRemoved)
	}
	if _, err := os.Stat(filepath.Join(root, "desk-7")); !os.IsNotExist(err) {
		t.Error("empty producer directory still present")
	}
	if _, err := os.Stat(filepath.Join(root, "desk-8")); err != nil {
		t.Error("active producer directory was removed")
	}
}

// TestSweep_IgnoresNonDateDirectories tests that directories not matching the
// date layout survive any sweep.
func TestSweep_IgnoresNonDateDirectories(t *testing.T) {
	root := t.TempDir()

	dir := filepath.Join(root, "desk-7", "notes")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("failed to create directory: %v", err)
	}

	s := NewSweeper(root, time.Hour, nil)
	if _, err := s.Sweep(time.Now().Add(365 * 24 * time.Hour)); err != nil {
		t.Fatalf("Sweep() failed: %v", err)
	}

	if _, err := os.Stat(dir); err != nil {
		t.Error("non-date directory was removed")
	}
}

// TestSweep_MissingRoot tests that sweeping a nonexistent root is a no-op.
func TestSweep_MissingRoot(t *testing.T) {
	s := NewSweeper(filepath.Join(t.TempDir(), "nope"), time.Hour, nil)

	stats, err := s.Sweep(time.Now())
	if err != nil {
		t.Fatalf("Sweep() failed: %v", err)
	}
	if stats.ShardsRemoved != 0 {
		t.Errorf("ShardsRemoved = %d, want 0", stats.ShardsRemoved)
	}
}
