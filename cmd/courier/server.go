package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/courierhq/courier/internal/server"
	"github.com/courierhq/courier/internal/shard"
	"github.com/courierhq/courier/internal/ui"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the ingestion server (foreground)",
	Long: `Run the HTTP server that accepts archive uploads from agents.

The server:
  1. Authenticates uploads by source network and API token
  2. Extracts archives into per-producer date shards
  3. Sweeps shards older than the retention window
  4. Serves storage statistics and a live activity feed

Press Ctrl+C to stop.`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Server.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	networks, err := cfg.Server.Networks()
	if err != nil {
		return err
	}

	logger := newLogger("[server] ", cfg.Server.LogFile)

	organizer := shard.NewOrganizer(cfg.Server.StorageRoot, logger)
	retention := time.Duration(cfg.Server.RetentionDays) * 24 * time.Hour
	sweeper := shard.NewSweeper(cfg.Server.StorageRoot, retention, logger)

	srvCfg := server.DefaultConfig()
	srvCfg.Port = cfg.Server.Port
	srvCfg.Token = cfg.Server.APIToken
	srvCfg.MaxUploadBytes = cfg.Server.MaxUploadBytes
	srvCfg.AllowedNetworks = networks
	srvCfg.SweepInterval = cfg.Server.SweepInterval
	srvCfg.Logger = logger

	srv, err := server.New(organizer, sweeper, srvCfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	fmt.Printf("%s Ingestion server listening on %s\n", ui.RenderAccent("▸"), srv.Addr())
	fmt.Printf("   Storage:   %s\n", cfg.Server.StorageRoot)
	fmt.Printf("   Retention: %d days\n", cfg.Server.RetentionDays)
	if len(networks) > 0 {
		fmt.Printf("   Networks:  %v\n", cfg.Server.AllowedNetworks)
	} else {
		fmt.Printf("   Networks:  %s\n", ui.RenderWarn("unrestricted"))
	}
	fmt.Printf("\nPress Ctrl+C to stop\n\n")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	fmt.Println("Shutting down")
	return srv.Stop()
}
