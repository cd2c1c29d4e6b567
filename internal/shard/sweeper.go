package shard

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"
)

// SweepStats reports what a retention pass removed.
type SweepStats struct {
	ShardsRemoved    int
	ProducersRemoved int
	Errors           int
}

// Sweeper evicts date shards older than the retention window.
type Sweeper struct {
	root      string
	retention time.Duration
	logger    *log.Logger
}

// NewSweeper creates a sweeper over the given storage root.
// If logger is nil, a default logger writing to stderr is used.
func NewSweeper(root string, retention time.Duration, logger *log.Logger) *Sweeper {
	if logger == nil {
		logger = log.New(os.Stderr, "[sweep] ", log.LstdFlags)
	}
	return &Sweeper{
		root:      root,
		retention: retention,
		logger:    logger,
	}
}

// Sweep removes every date shard older than now minus the retention window,
// then removes producer directories left empty. Eviction is best-effort: an
// error on one shard is logged and the sweep continues with the next.
//
// Shards are evicted by date alone; the server has no unsynced concept.
func (s *Sweeper) Sweep(now time.Time) (SweepStats, error) {
	var stats SweepStats
	cutoff := now.Add(-s.retention)

	producers, err := os.ReadDir(s.root)
	if os.IsNotExist(err) {
		return stats, nil
	}
	if err != nil {
		return stats, fmt.Errorf("failed to read storage root: %w", err)
	}

	for _, producer := range producers {
		if !producer.IsDir() {
			continue
		}
		producerDir := filepath.Join(s.root, producer.Name())

		shards, err := os.ReadDir(producerDir)
		if err != nil {
			s.logger.Printf("Warning: failed to read producer directory %s: %v", producerDir, err)
			stats.Errors++
			continue
		}

		for _, sh := range shards {
			if !sh.IsDir() {
				continue
			}

			shardDate, err := time.Parse(DateLayout, sh.Name())
			if err != nil {
				// Not a date shard; leave it alone.
				continue
			}

			if !shardDate.Before(cutoff) {
				continue
			}

			shardDir := filepath.Join(producerDir, sh.Name())
			if err := os.RemoveAll(shardDir); err != nil {
				s.logger.Printf("Warning: failed to remove shard %s: %v", shardDir, err)
				stats.Errors++
				continue
			}
			s.logger.Printf("Evicted shard %s/%s", producer.Name(), sh.Name())
			stats.ShardsRemoved++
		}

		remaining, err := os.ReadDir(producerDir)
		if err == nil && len(remaining) == 0 {
			if err := os.Remove(producerDir); err != nil {
				s.logger.Printf("Warning: failed to remove empty producer directory %s: %v", producerDir, err)
				stats.Errors++
				continue
			}
			stats.ProducersRemoved++
		}
	}

	return stats, nil
}
