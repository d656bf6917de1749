package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/RookClaw/RookClaw/internal/config"
	"github.com/RookClaw/RookClaw/internal/scheduler"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Manage scheduled jobs",
}

var (
	jobSchedule string
	jobPayload  string
	jobChannel  string
	jobChatID   string
	jobCategory string
)

var jobAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add a scheduled job (cron or '@every 5m')",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobAdd,
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled jobs",
	RunE:  runJobList,
}

var jobEnableCmd = &cobra.Command{
	Use:   "enable <name>",
	Short: "Enable a job",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return toggleJob(args[0], true) },
}

var jobDisableCmd = &cobra.Command{
	Use:   "disable <name>",
	Short: "Disable a job",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return toggleJob(args[0], false) },
}

var jobRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobRemove,
}

func init() {
	jobAddCmd.Flags().StringVar(&jobSchedule, "schedule", "", "Cron expression or '@every <duration>' (required)")
	jobAddCmd.Flags().StringVar(&jobPayload, "payload", "", "Message injected when the job fires (required)")
	jobAddCmd.Flags().StringVar(&jobChannel, "channel", "scheduler", "Target channel")
	jobAddCmd.Flags().StringVar(&jobChatID, "chat", "default", "Target chat id")
	jobAddCmd.Flags().StringVar(&jobCategory, "category", scheduler.CategoryLLM, "Concurrency category (llm|shell|default)")
	jobAddCmd.MarkFlagRequired("schedule")
	jobAddCmd.MarkFlagRequired("payload")

	jobCmd.AddCommand(jobAddCmd, jobListCmd, jobEnableCmd, jobDisableCmd, jobRemoveCmd)
}

func openJobStore() (*scheduler.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := config.EnsureDir(cfg.Paths.DataDir); err != nil {
		return nil, err
	}
	return scheduler.OpenStore(filepath.Join(cfg.Paths.DataDir, "jobs.db"))
}

func runJobAdd(cmd *cobra.Command, args []string) error {
	store, err := openJobStore()
	if err != nil {
		return err
	}
	defer store.Close()

	job := &scheduler.Job{
		Name:     args[0],
		Schedule: jobSchedule,
		Payload:  jobPayload,
		Channel:  jobChannel,
		ChatID:   jobChatID,
		Category: jobCategory,
		Enabled:  true,
	}
	if err := store.Add(context.Background(), job); err != nil {
		return err
	}
	fmt.Printf("Job %s added, next fire at %s\n", job.Name, job.NextFireAt.Format(time.RFC3339))
	return nil
}

func runJobList(cmd *cobra.Command, args []string) error {
	store, err := openJobStore()
	if err != nil {
		return err
	}
	defer store.Close()

	jobs, err := store.List(context.Background())
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSCHEDULE\tENABLED\tNEXT FIRE\tLAST FIRED")
	for _, j := range jobs {
		last := "-"
		if j.LastFiredAt != nil {
			last = j.LastFiredAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n",
			j.Name, j.Schedule, j.Enabled, j.NextFireAt.Format(time.RFC3339), last)
	}
	return w.Flush()
}

func toggleJob(name string, enabled bool) error {
	store, err := openJobStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.SetEnabled(context.Background(), name, enabled); err != nil {
		return err
	}
	fmt.Printf("Job %s enabled=%t\n", name, enabled)
	return nil
}

func runJobRemove(cmd *cobra.Command, args []string) error {
	store, err := openJobStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Delete(context.Background(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Job %s removed\n", args[0])
	return nil
}
