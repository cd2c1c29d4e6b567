package main

import (
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/courierhq/courier/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "courier",
	Short: "Durable record queue with batched upload reconciliation",
	Long: `Courier collects structured events and artifact files into a durable
local queue, packages them into compressed archives, and ships them to an
ingestion server that organizes uploads into per-producer date shards.

Run 'courier agent' on producing hosts and 'courier server' on the
collection host.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"config file (default: built-in defaults plus COURIER_ env vars)")
}

// loadConfig reads the merged configuration for a command.
func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

// newLogger builds a prefixed logger. A non-empty logFile gets size-based
// rotation; otherwise output goes to stderr.
func newLogger(prefix, logFile string) *log.Logger {
	var out io.Writer = os.Stderr
	if logFile != "" {
		out = &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
	}
	return log.New(out, prefix, log.LstdFlags)
}
