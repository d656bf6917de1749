// Package cli implements the rookclaw command tree.
package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/RookClaw/RookClaw/internal/cli.version=1.2.3"
	version = "0.4.1"
	logo    = "\n" +
		"  ____             _     ____ _\n" +
		" |  _ \\ ___   ___ | | __/ ___| | __ ___      __\n" +
		" | |_) / _ \\ / _ \\| |/ / |   | |/ _` \\ \\ /\\ / /\n" +
		" |  _ < (_) | (_) |   <| |___| | (_| |\\ V  V /\n" +
		" |_| \\_\\___/ \\___/|_|\\_\\\\____|_|\\__,_| \\_/\\_/\n"
)

var rootCmd = &cobra.Command{
	Use:   "rookclaw",
	Short: "RookClaw - Personal AI Assistant",
	Long:  color.CyanString(logo) + "\nA personal assistant daemon with sessions, scheduling and sandboxed tools.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(jobCmd)
}

func printHeader(title string) {
	fmt.Println(color.CyanString(logo))
	if title != "" {
		fmt.Println(title)
		fmt.Println("─────────────────────")
	}
}
