// Package commands implements the broadcastd CLI using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "broadcastd",
		Short: "Multi-tenant WhatsApp broadcast backend",
		Long: `broadcastd manages per-tenant WhatsApp sessions and delivers bulk
campaigns through them: QR pairing, session restore, paced batch
delivery with retries, and replay of messages missed while offline.

Examples:
  broadcastd serve
  broadcastd serve --config ./config.yaml`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
