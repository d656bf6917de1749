package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/RookClaw/RookClaw/internal/channels"
	"github.com/RookClaw/RookClaw/internal/scheduler"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the assistant daemon in the foreground",
	Run:   runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) {
	printHeader("🌐 RookClaw Daemon")
	setupLogging()

	rt, err := buildRuntime()
	if err != nil {
		fmt.Printf("Startup error: %v\n", err)
		os.Exit(1)
	}
	defer rt.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Outbound dispatcher and channels.
	go rt.bus.DispatchOutbound(ctx)

	chanMgr := channels.NewManager(rt.bus)
	chanMgr.Register(channels.NewCLIChannel(rt.bus))
	if err := chanMgr.StartAll(ctx); err != nil {
		fmt.Printf("Channel error: %v\n", err)
		os.Exit(1)
	}
	defer chanMgr.StopAll()

	// Scheduler with the built-in heartbeat.
	if rt.cfg.Scheduler.Enabled {
		sched := scheduler.New(rt.cfg.Scheduler, rt.jobStore, rt.bus)
		if err := sched.EnsureHeartbeat(ctx); err != nil {
			fmt.Printf("Heartbeat setup error: %v\n", err)
		}
		go sched.Run(ctx)
	}

	go rt.loop.Run(ctx)

	fmt.Printf("🤖 RookClaw ready (%s). Type a message, Ctrl-C to quit.\n", rt.cfg.Model.Name)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nShutting down...")
	rt.loop.Stop()
	cancel()
}
