package shard

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ProducerStats summarizes stored data for one producer.
type ProducerStats struct {
	FileCount int   `json:"fileCount"`
	SizeBytes int64 `json:"sizeBytes"`
}

// Stats summarizes all stored data under a storage root.
type Stats struct {
	TotalProducers int                      `json:"totalProducers"`
	TotalSizeBytes int64                    `json:"totalSizeBytes"`
	PerProducer    map[string]ProducerStats `json:"perProducer"`
}

// CollectStats walks the storage root and tallies file counts and sizes per
// producer.
func CollectStats(root string) (Stats, error) {
	stats := Stats{PerProducer: make(map[string]ProducerStats)}

	producers, err := os.ReadDir(root)
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

		var ps ProducerStats
		producerDir := filepath.Join(root, producer.Name())

		err := filepath.WalkDir(producerDir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			ps.FileCount++
			ps.SizeBytes += info.Size()
			return nil
		})
		if err != nil {
			return stats, fmt.Errorf("failed to walk producer %s: %w", producer.Name(), err)
		}

		stats.TotalProducers++
		stats.TotalSizeBytes += ps.SizeBytes
		stats.PerProducer[producer.Name()] = ps
	}

	return stats, nil
}
