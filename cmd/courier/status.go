package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/courierhq/courier/internal/store"
	"github.com/courierhq/courier/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show record store status",
	Long: `Display the current state of the local record store.

Shows:
  - Store file location and size
  - Total and unsynced event and artifact counts`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	info, err := os.Stat(cfg.Agent.DatabasePath)
	if os.IsNotExist(err) {
		fmt.Printf("\n%s Record store not initialized\n", ui.RenderWarn("!"))
		fmt.Printf("   Run 'courier agent' to create it\n\n")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to check record store: %w", err)
	}

	logger := newLogger("[status] ", "")
	st, err := store.Open(cfg.Agent.DatabasePath, logger)
	if err != nil {
		return fmt.Errorf("failed to open record store: %w", err)
	}
	defer st.Close()

	stats, err := st.Stats(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to read store stats: %w", err)
	}

	fmt.Printf("\n%s Courier Store Status\n\n", ui.RenderAccent("▸"))
	fmt.Printf("Location:  %s\n", cfg.Agent.DatabasePath)
	fmt.Printf("Size:      %s\n", formatSize(info.Size()))
	fmt.Printf("Producer:  %s\n", cfg.Agent.ProducerID)
	fmt.Printf("Events:    %d (%d unsynced)\n", stats.Events, stats.UnsyncedEvents)
	fmt.Printf("Artifacts: %d (%d unsynced)\n", stats.Artifacts, stats.UnsyncedArtifacts)
	fmt.Printf("Modified:  %s\n", info.ModTime().Format("2006-01-02 15:04:05"))
	fmt.Println()

	if stats.UnsyncedEvents > 0 || stats.UnsyncedArtifacts > 0 {
		fmt.Printf("%s Unsynced records pending, run 'courier sync' to flush\n\n",
			ui.RenderWarn("!"))
	}
	return nil
}

func formatSize(size int64) string {
	switch {
	case size > 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
	case size > 1024:
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	default:
		return fmt.Sprintf("%d bytes", size)
	}
}
