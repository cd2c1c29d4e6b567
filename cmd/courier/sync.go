package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/courierhq/courier/internal/store"
	"github.com/courierhq/courier/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a single sync cycle and exit",
	Long: `Package unsynced records into an archive, upload it, and commit the
records that made it out. Useful for cron-driven setups and for flushing
the queue before shutting a host down.`,
	RunE: runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Agent.Validate(); err != nil {
		return fmt.Errorf("invalid agent configuration: %w", err)
	}

	logger := newLogger("[sync] ", cfg.Agent.LogFile)

	st, err := store.Open(cfg.Agent.DatabasePath, logger)
	if err != nil {
		return fmt.Errorf("failed to open record store: %w", err)
	}
	defer st.Close()

	if err := st.InitSchema(cmd.Context()); err != nil {
		return fmt.Errorf("failed to initialize record store: %w", err)
	}

	sy := buildSyncer(cfg, st, logger)

	res, err := sy.SyncOnce(cmd.Context())
	if err != nil {
		return fmt.Errorf("sync cycle failed: %w", err)
	}

	switch {
	case res.Failed:
		fmt.Printf("%s Upload not acknowledged, records deferred\n", ui.RenderWarn("!"))
	case res.Events == 0 && res.Artifacts == 0:
		fmt.Printf("%s Nothing to sync\n", ui.RenderPass("✓"))
	default:
		fmt.Printf("%s Synced %d events, %d artifacts\n",
			ui.RenderPass("✓"), res.Events, res.Artifacts)
	}
	return nil
}
