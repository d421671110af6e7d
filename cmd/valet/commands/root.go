// Package commands implements the valet CLI using cobra.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "valet",
		Short: "Valet - personal assistant daemon",
		Long: `Valet is a personal assistant that routes conversation turns, runs
background execution agents, and fires scheduled triggers, all over one
durable conversation log.

Examples:
  valet serve
  valet chat "what came in this morning?"
  valet trigger add "daily at 9am" "morning briefing"
  valet agent list`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newChatCmd(),
		newTriggerCmd(),
		newAgentCmd(),
		newSetupCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(_ *cobra.Command, _ []string) {
				fmt.Println("valet", version)
			},
		},
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().String("server", "", "gateway address for client commands (default http://127.0.0.1:8090)")
	rootCmd.PersistentFlags().String("user", "local", "user id for client commands")

	return rootCmd
}
