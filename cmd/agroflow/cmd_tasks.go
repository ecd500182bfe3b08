package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agroflow/agroflow/internal/guard"
	"github.com/agroflow/agroflow/internal/taskqueue"
)

func tasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Durable task queue",
		RunE:  runTasksRoot,
	}
	cmd.Flags().Bool("list", false, "List queued tasks")
	cmd.Flags().String("status", "", "Status filter for --list")
	cmd.Flags().String("view", "", "Show one task with its execution log")
	cmd.AddCommand(tasksSubmitCmd(), tasksWorkCmd())
	return cmd
}

func (a *app) taskStore() *taskqueue.PGStore {
	return taskqueue.NewPGStore(a.db)
}

func (a *app) taskGuard() *guard.Guard {
	return guard.New(
		[]string{a.cfg.Dirs.RawDir, "data"},
		[]string{os.TempDir(), a.cfg.Dirs.CacheDir},
	)
}

func runTasksRoot(cmd *cobra.Command, args []string) error {
	list, _ := cmd.Flags().GetBool("list")
	status, _ := cmd.Flags().GetString("status")
	view, _ := cmd.Flags().GetString("view")

	if !list && view == "" {
		return cmd.Help()
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	if err := a.connect(); err != nil {
		return err
	}
	defer a.close()
	store := a.taskStore()

	if view != "" {
		task, err := store.GetTask(cmd.Context(), view)
		if err != nil {
			return err
		}
		logs, err := store.Logs(cmd.Context(), view)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"task": task, "log": logs})
	}

	tasks, err := store.ListTasks(cmd.Context(), status, 50)
	if err != nil {
		return err
	}
	return printJSON(tasks)
}

func tasksSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <description>",
		Short: "Queue a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			priority, _ := cmd.Flags().GetInt("priority")
			taskType, _ := cmd.Flags().GetString("type")
			payloadJSON, _ := cmd.Flags().GetString("payload")

			payload := map[string]any{}
			if payloadJSON != "" {
				if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
					return fmt.Errorf("parse --payload: %w", err)
				}
			}

			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			if err := a.connect(); err != nil {
				return err
			}
			defer a.close()

			task, err := a.taskStore().AddTask(cmd.Context(), taskqueue.AddTaskParams{
				Name:     args[0],
				Type:     taskType,
				Payload:  payload,
				Priority: priority,
			})
			if err != nil {
				return err
			}
			return printJSON(task)
		},
	}
	cmd.Flags().Int("priority", 0, "Priority, lower runs first (default 10)")
	cmd.Flags().String("type", taskqueue.TypeScript, "Task type")
	cmd.Flags().String("payload", "", "Task payload as a JSON object")
	return cmd
}

func tasksWorkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "work",
		Short: "Run the task executor until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			if err := a.connect(); err != nil {
				return err
			}
			defer a.close()

			exec := taskqueue.NewExecutor(a.taskStore(), a.taskGuard())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				exec.Stop()
			}()
			exec.Run(ctx)

			stats, err := exec.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(stats)
		},
	}
}
