package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/courierhq/courier/internal/batch"
	"github.com/courierhq/courier/internal/config"
	"github.com/courierhq/courier/internal/daemon"
	"github.com/courierhq/courier/internal/store"
	"github.com/courierhq/courier/internal/syncer"
	"github.com/courierhq/courier/internal/ui"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the courier agent daemon (foreground)",
	Long: `Run the agent daemon that owns the local record store.

The daemon:
  1. Accepts event and artifact records from producers
  2. Watches the capture directory (if configured) for dropped files
  3. Periodically packages unsynced records and uploads them
  4. Evicts synced records once they age past the retention window

Press Ctrl+C to stop.`,
	RunE: runAgent,
}

func init() {
	rootCmd.AddCommand(agentCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Agent.Validate(); err != nil {
		return fmt.Errorf("invalid agent configuration: %w", err)
	}

	logger := newLogger("[agent] ", cfg.Agent.LogFile)

	st, err := store.Open(cfg.Agent.DatabasePath, logger)
	if err != nil {
		return fmt.Errorf("failed to open record store: %w", err)
	}
	defer st.Close()

	if err := st.InitSchema(cmd.Context()); err != nil {
		return fmt.Errorf("failed to initialize record store: %w", err)
	}

	sy := buildSyncer(cfg, st, logger)

	dcfg := daemon.DefaultConfig()
	dcfg.SyncInterval = cfg.Agent.SyncInterval
	dcfg.RetentionWindow = cfg.Agent.RetentionWindow
	dcfg.WatchDir = cfg.Agent.WatchDir
	dcfg.Logger = logger

	d, err := daemon.New(st, sy, dcfg)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	fmt.Printf("%s Starting courier agent\n", ui.RenderAccent("▸"))
	fmt.Printf("   Producer:  %s\n", cfg.Agent.ProducerID)
	fmt.Printf("   Store:     %s\n", cfg.Agent.DatabasePath)
	if cfg.Agent.ServerURL != "" {
		fmt.Printf("   Server:    %s\n", cfg.Agent.ServerURL)
	} else if cfg.Agent.SpoolDir != "" {
		fmt.Printf("   Spool:     %s\n", cfg.Agent.SpoolDir)
	} else {
		fmt.Printf("   Transport: %s\n", ui.RenderWarn("none (records accumulate locally)"))
	}
	if cfg.Agent.WatchDir != "" {
		fmt.Printf("   Watching:  %s\n", cfg.Agent.WatchDir)
	}
	fmt.Printf("\nPress Ctrl+C to stop\n\n")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return d.Start(ctx)
}

// buildSyncer picks the upload transport from configuration: HTTP when a
// server URL is set, a local spool directory as a fallback, otherwise no
// transport at all.
func buildSyncer(cfg *config.Config, st *store.Store, logger *log.Logger) *syncer.Syncer {
	packager := batch.NewPackager(cfg.Agent.ProducerID, logger)

	var uploader syncer.Uploader
	switch {
	case cfg.Agent.ServerURL != "":
		uploader = syncer.NewHTTPUploader(cfg.Agent.ServerURL, cfg.Agent.APIToken,
			cfg.Agent.ProducerID, cfg.Agent.UploadTimeout)
	case cfg.Agent.SpoolDir != "":
		uploader = syncer.NewDirUploader(cfg.Agent.SpoolDir)
	default:
		uploader = syncer.NopUploader{}
	}

	syCfg := syncer.DefaultConfig()
	syCfg.Logger = logger
	return syncer.New(st, packager, uploader, syCfg)
}
