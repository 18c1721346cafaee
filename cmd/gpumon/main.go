// Package main provides the gpumon CLI entry point.
package main

import (
	"fmt"
	"os"

	logging "github.com/ipfs/go-log/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags
var Version = "dev"

var log = logging.Logger("gpumon/cli")

var (
	// humanOutput controls whether to use human-readable output
	humanOutput bool
	logLevel    string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Print the error since we have SilenceErrors: true
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(ExitError)
	}
}

var rootCmd = &cobra.Command{
	Use:   "gpumon",
	Short: "Reserve and monitor GPUs across remote nodes",
	Long: `gpumon checks GPU status on remote nodes over SSH, reserves GPU memory
by launching occupation workloads, and watches nodes until enough memory is
free to reserve automatically.

Nodes are kept in a registry file under the data directory. Active
occupations are tracked in a ledger so they can be cancelled later.
All commands output JSON by default; pass --human for tables.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&humanOutput, "human", false, "Use human-readable output instead of JSON")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides config")
	rootCmd.Version = Version
}

// setup loads .env and the global config, then applies the log level.
func setup(cmd *cobra.Command, args []string) error {
	// .env is optional; GPUMON_CONFIG and SSH_AUTH_SOCK may come from it.
	_ = godotenv.Load()

	cfg := mustLoadConfig()
	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	if err := logging.SetLogLevel("*", level); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return nil
}
