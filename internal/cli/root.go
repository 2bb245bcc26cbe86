package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steersman/steersman/internal/config"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/steersman/steersman/internal/cli.version=1.2.3"
	version = "0.4.1"
	logo    = "\n" +
		"      _                                           \n" +
		"  ___| |_ ___  ___ _ __ ___ _ __ ___   __ _ _ __  \n" +
		" / __| __/ _ \\/ _ \\ '__/ __| '_ ` _ \\ / _` | '_ \\ \n" +
		" \\__ \\ ||  __/  __/ |  \\__ \\ | | | | | (_| | | | |\n" +
		" |___/\\__\\___|\\___|_|  |___/_| |_| |_|\\__,_|_| |_|\n"
)

var rootCmd = &cobra.Command{
	Use:   "steersman",
	Short: "steersman - message routing and durable delivery for agent teams",
	Long:  color.CyanString(logo) + "\nRouting rules, durable queues, and dead-letter handling for hierarchical multi-agent systems.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	config.LoadEnvFileCandidates()
	return rootCmd.Execute()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the steersman version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "steersman", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
