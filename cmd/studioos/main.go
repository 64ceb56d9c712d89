package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/studioos/cmd/studioos/commands"
	"github.com/teranos/studioos/logger"
)

var rootCmd = &cobra.Command{
	Use:   "studioos",
	Short: "StudioOS - job execution engine and delivery orchestrator",
	Long: `StudioOS - audio processing jobs and multi-platform delivery.

StudioOS runs processing jobs (normalization, mastering, transcoding) on a
prioritized worker pool and delivers finished releases to streaming platforms.

Available commands:
  am         - Manage StudioOS configuration ("I am")
  db         - Manage the StudioOS database
  jobs       - Inspect and control processing jobs
  deliveries - Inspect and control platform deliveries
  server     - Start the engine, orchestrator and HTTP/WebSocket API

Examples:
  studioos am show             # Show current configuration
  studioos server              # Start the engine and API
  studioos jobs ls             # List jobs
  studioos db stats            # Show database statistics`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Keep config output clean for piping
		if cmd.Name() == "show" || cmd.Name() == "get" {
			return nil
		}
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON")
	rootCmd.PersistentFlags().Bool("json", false, "Print command output as JSON")

	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.DeliveriesCmd)
	rootCmd.AddCommand(commands.ServerCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
