package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/RookClaw/RookClaw/internal/config"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("🏷️ RookClaw Version")
		fmt.Printf("Version: %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show system status",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("📊 RookClaw Status")
		fmt.Printf("Version: %s\n", version)

		configPath, err := config.ConfigPath()
		if err == nil {
			if _, err := os.Stat(configPath); err == nil {
				fmt.Println("Config:  ✓ Found (" + configPath + ")")
			} else {
				fmt.Println("Config:  ✗ Not found (defaults in effect)")
			}
		}

		cfg, err := config.Load()
		if err != nil {
			fmt.Println("API Key: ? Unable to load config")
			return
		}
		if cfg.Provider.APIKey != "" {
			fmt.Println("API Key: ✓ Found")
		} else {
			fmt.Println("API Key: ✗ Not found")
		}
		fmt.Printf("Model:   %s\n", cfg.Model.Name)
		fmt.Printf("Workspace: %s\n", cfg.Paths.Workspace)
		if cfg.Scheduler.Enabled {
			fmt.Printf("Scheduler: ✓ Enabled (tick %s, heartbeat %s)\n",
				cfg.Scheduler.TickInterval, cfg.Scheduler.HeartbeatInterval)
		} else {
			fmt.Println("Scheduler: ✗ Disabled")
		}
	},
}
