package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "karflow",
	Short: "Karflow executes knowledge artifacts and stores public-health messages",
	Long: `Karflow runs the action trees of knowledge artifacts against patient data
from a FHIR server, produces eICR reports and keeps a versioned, auditable
store of every submitted message.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("db", "", "database path (default from settings)")
	rootCmd.PersistentFlags().String("kar-dir", "", "knowledge artifact directory (default from settings)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
}

// configFor loads the layered configuration and applies command-line overrides.
func configFor(cmd *cobra.Command) Config {
	cfg := loadConfig()
	if v, _ := cmd.Flags().GetString("db"); v != "" {
		cfg.DBPath = v
	}
	if v, _ := cmd.Flags().GetString("kar-dir"); v != "" {
		cfg.KARDir = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	return cfg
}
