package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	agentMessage string
	agentSession string
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Chat with the agent directly in CLI",
	Run:   runAgent,
}

func init() {
	agentCmd.Flags().StringVarP(&agentMessage, "message", "m", "", "Message to send to the agent")
	agentCmd.Flags().StringVarP(&agentSession, "session", "s", "cli:default", "Session key (channel:chat)")
}

func runAgent(cmd *cobra.Command, args []string) {
	if agentMessage == "" {
		fmt.Println("Error: --message is required")
		os.Exit(1)
	}

	printHeader("🤖 RookClaw Agent")
	setupLogging()

	rt, err := buildRuntime()
	if err != nil {
		fmt.Printf("Startup error: %v\n", err)
		os.Exit(1)
	}
	defer rt.close()

	fmt.Printf("🤖 RookClaw (%s)\n", rt.cfg.Model.Name)
	fmt.Println("Thinking...")

	response, err := rt.loop.ProcessDirect(context.Background(), agentMessage, agentSession)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\n" + response)
}
