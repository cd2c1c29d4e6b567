package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/courierhq/courier/internal/config"
	"github.com/courierhq/courier/internal/shard"
	"github.com/courierhq/courier/internal/store"
	"github.com/courierhq/courier/internal/ui"
)

var cleanupStorage bool

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Evict expired synced records from the local store",
	Long: `Remove synced records older than the retention window from the local
store, deleting their backing artifact files.

With --storage, sweep expired date shards from server storage instead.
This is the same sweep the server runs on its interval and exposes via
POST /cleanup, provided here for cron jobs on the collection host.`,
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().BoolVar(&cleanupStorage, "storage", false,
		"sweep server shard storage instead of the local store")
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cleanupStorage {
		return sweepStorage(cfg)
	}
	return evictLocal(cmd, cfg)
}

func evictLocal(cmd *cobra.Command, cfg *config.Config) error {
	if err := cfg.Agent.Validate(); err != nil {
		return fmt.Errorf("invalid agent configuration: %w", err)
	}

	logger := newLogger("[cleanup] ", cfg.Agent.LogFile)

	st, err := store.Open(cfg.Agent.DatabasePath, logger)
	if err != nil {
		return fmt.Errorf("failed to open record store: %w", err)
	}
	defer st.Close()

	if err := st.InitSchema(cmd.Context()); err != nil {
		return fmt.Errorf("failed to initialize record store: %w", err)
	}

	cutoff := time.Now().Add(-cfg.Agent.RetentionWindow)
	stats, err := st.EvictSyncedBefore(cmd.Context(), cutoff)
	if err != nil {
		return fmt.Errorf("eviction failed: %w", err)
	}

	if stats.EventsEvicted == 0 && stats.ArtifactsEvicted == 0 {
		fmt.Printf("%s Nothing to evict\n", ui.RenderPass("✓"))
		return nil
	}
	fmt.Printf("%s Evicted %d events, %d artifacts (%d files removed)\n",
		ui.RenderPass("✓"), stats.EventsEvicted, stats.ArtifactsEvicted, stats.FilesRemoved)
	if stats.FileErrors > 0 {
		fmt.Printf("%s %d artifact files could not be removed, see log for details\n",
			ui.RenderWarn("!"), stats.FileErrors)
	}
	return nil
}

func sweepStorage(cfg *config.Config) error {
	if cfg.Server.StorageRoot == "" {
		return fmt.Errorf("server storage_root is not configured")
	}

	logger := newLogger("[cleanup] ", cfg.Server.LogFile)

	retention := time.Duration(cfg.Server.RetentionDays) * 24 * time.Hour
	sweeper := shard.NewSweeper(cfg.Server.StorageRoot, retention, logger)

	stats, err := sweeper.Sweep(time.Now().UTC())
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}

	if stats.ShardsRemoved == 0 && stats.Errors == 0 {
		fmt.Printf("%s Nothing to sweep\n", ui.RenderPass("✓"))
		return nil
	}
	fmt.Printf("%s Removed %d date shards, %d empty producer directories\n",
		ui.RenderPass("✓"), stats.ShardsRemoved, stats.ProducersRemoved)
	if stats.Errors > 0 {
		fmt.Printf("%s %d entries could not be removed, see log for details\n",
			ui.RenderWarn("!"), stats.Errors)
	}
	return nil
}
