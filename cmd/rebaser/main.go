// Command rebaser runs the rebase service and administers its data
// directory: workspaces, change sets, the request queue and snapshots.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"rebaser/config"
	"rebaser/logger"
	"rebaser/rebase"
	"rebaser/store"
)

// Version is the current rebaser version
var Version = "0.1.0"

var (
	cfg        *config.Config
	configFile string
	dataDir    string
	debugFlag  bool
)

var rootCmd = &cobra.Command{
	Use:     "rebaser",
	Short:   "rebaser - per-change-set rebase service for a versioned object graph",
	Long:    `rebaser serializes edits to each change set of a workspace graph, corrects them against the current snapshot and folds them in.`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg = config.FromEnv()
		if configFile != "" {
			if err := cfg.LoadFile(configFile); err != nil {
				return err
			}
		}
		if dataDir != "" {
			cfg.DataDir = dataDir
		}
		if debugFlag {
			cfg.Debug = true
		}
		if cfg.Version == "" {
			cfg.Version = Version
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		return logger.Init(cfg.Env, cfg.Debug)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Sync()
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML config file overlaid on the environment")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data", "", "Data directory (default: $REBASER_DATA or ./data)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(serveCmd, workspaceCmd, changesetCmd, enqueueCmd, headCmd, historyCmd, gcCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// serviceConfig maps daemon configuration onto the rebase service.
func serviceConfig(c *config.Config) rebase.Config {
	return rebase.Config{
		QuiescentPeriod:       c.QuiescentPeriod,
		PollInterval:          c.PollInterval,
		MaxAttempts:           c.MaxAttempts,
		SnapshotEvictionGrace: c.SnapshotEvictionGrace,
		ActionConcurrency:     c.ActionConcurrency,
		RequestTimeout:        c.RequestTimeout,
		SnapshotCacheSize:     c.SnapshotCacheSize,
	}
}

func openStore() (*store.DB, error) {
	db, err := store.OpenDir(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening data directory %s: %w", cfg.DataDir, err)
	}
	return db, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(ms int64) string {
	return time.UnixMilli(ms).Format(time.RFC3339)
}
