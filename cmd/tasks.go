package cmd

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/microclaw/microclaw/internal/scheduler"
	"github.com/microclaw/microclaw/internal/store"
)

func tasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Manage scheduled tasks",
	}
	cmd.AddCommand(tasksListCmd())
	cmd.AddCommand(tasksAddCmd())
	cmd.AddCommand(tasksDeleteCmd())
	return cmd
}

func tasksListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scheduled tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			tasks, err := st.AllTasks()
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Println("no scheduled tasks")
				return nil
			}
			for _, t := range tasks {
				fmt.Printf("%s [%s]\n  group: %s\n  schedule: %s %q\n  next run: %s\n  prompt: %s\n",
					t.ID, t.Status, t.GroupFolder, t.ScheduleType, t.ScheduleValue, t.NextRun, t.Prompt)
			}
			return nil
		},
	}
}

func tasksAddCmd() *cobra.Command {
	var (
		folder string
		prompt string
		cron   string
		at     string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Schedule a task (--cron expression or --at RFC3339 time)",
		RunE: func(cmd *cobra.Command, args []string) error {
			scheduleType, scheduleValue := "cron", cron
			if at != "" {
				if cron != "" {
					return fmt.Errorf("--cron and --at are mutually exclusive")
				}
				scheduleType, scheduleValue = "once", at
			}
			if scheduleValue == "" {
				return fmt.Errorf("one of --cron or --at is required")
			}
			if err := scheduler.ValidateSchedule(scheduleType, scheduleValue); err != nil {
				return err
			}

			now := time.Now().UTC()
			next, err := scheduler.NextRun(scheduleType, scheduleValue, now)
			if err != nil {
				return err
			}

			_, st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			task := store.ScheduledTask{
				ID:            uuid.NewString(),
				GroupFolder:   folder,
				Prompt:        prompt,
				ScheduleType:  scheduleType,
				ScheduleValue: scheduleValue,
				Status:        "active",
				NextRun:       next.UTC().Format(time.RFC3339Nano),
				CreatedAt:     now.Format(time.RFC3339Nano),
			}
			if err := st.CreateTask(task); err != nil {
				return err
			}
			fmt.Printf("task %s scheduled, first run %s\n", task.ID, task.NextRun)
			return nil
		},
	}
	cmd.Flags().StringVar(&folder, "group-folder", "", "group folder the task runs in")
	cmd.Flags().StringVar(&prompt, "prompt", "", "prompt to send to the agent")
	cmd.Flags().StringVar(&cron, "cron", "", "cron expression")
	cmd.Flags().StringVar(&at, "at", "", "one-shot run time (RFC3339)")
	_ = cmd.MarkFlagRequired("group-folder")
	_ = cmd.MarkFlagRequired("prompt")
	return cmd
}

func tasksDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a scheduled task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.DeleteTask(args[0]); err != nil {
				return err
			}
			fmt.Printf("task %s deleted\n", args[0])
			return nil
		},
	}
}
