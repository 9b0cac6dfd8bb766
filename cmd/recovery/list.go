package main

import (
	"fmt"
	"log/slog"
	"text/tabwriter"

	"github.com/sf7293/task-scheduler/configs"
	"github.com/sf7293/task-scheduler/internal/bootstrap"
	"github.com/sf7293/task-scheduler/internal/domain"
	"github.com/spf13/cobra"
)

var listStatus string

func init() {
	listCmd.Flags().StringVar(&listStatus, "status", "", "only list tasks in this status")
	rootCmd.AddCommand(listCmd)
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List tasks, newest first",
	RunE:    runList,
}

func runList(cmd *cobra.Command, args []string) error {
	cfg := configs.InitConfig()
	ctx := cmd.Context()

	storage, err := bootstrap.OpenStore(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer func() {
		if err := storage.Close(); err != nil {
			slog.Error("An error occurred while closing the task store", "error", err.Error())
		}
	}()

	var filter *domain.TaskStatus
	if listStatus != "" {
		status := domain.TaskStatus(listStatus)
		filter = &status
	}

	tasks, err := storage.ListTasks(ctx, filter)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY\tRETRIES\tUPDATED\tERROR")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			t.ID,
			t.Status,
			t.Priority,
			t.RetryCount,
			t.MaxRetries,
			t.UpdatedAt.Format("2006-01-02 15:04:05"),
			t.Error,
		)
	}
	return w.Flush()
}
