package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/sf7293/task-scheduler/configs"
	"github.com/sf7293/task-scheduler/internal/bootstrap"
	"github.com/sf7293/task-scheduler/internal/domain"
	"github.com/sf7293/task-scheduler/internal/rabbitmq"
	"github.com/sf7293/task-scheduler/internal/scheduler"
	"github.com/spf13/cobra"
)

const recoveryNodeID = "recovery"

var olderThan time.Duration

func init() {
	requeueCmd.Flags().DurationVar(&olderThan, "older-than", 0, "staleness threshold; defaults to the configured STALE_AFTER")
	rootCmd.AddCommand(requeueCmd)
}

var requeueCmd = &cobra.Command{
	Use:   "requeue-stale",
	Short: "Re-queue running tasks without a recent heartbeat",
	RunE:  runRequeue,
}

func runRequeue(cmd *cobra.Command, args []string) error {
	cfg := configs.InitConfig()
	ctx := cmd.Context()

	threshold := olderThan
	if threshold <= 0 {
		threshold = cfg.StaleAfter()
	}

	storage, err := bootstrap.OpenStore(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer func() {
		if err := storage.Close(); err != nil {
			slog.Error("An error occurred while closing the task store", "error", err.Error())
		}
	}()

	var publisher domain.EventPublisher
	if cfg.RabbitMQ.Enabled() {
		rabbitPublisher, err := rabbitmq.NewPublisher(cfg.RabbitMQ.ToRabbitConnectionUri(), cfg.RabbitMQ.EventsQueueName)
		if err != nil {
			return err
		}
		defer rabbitPublisher.Close()
		publisher = rabbitPublisher
	}

	now := time.Now()
	slog.Info("Fetching stale tasks", "older_than", threshold)
	events, err := scheduler.RequeueStale(ctx, storage, now.Add(-threshold), now, recoveryNodeID, nil)
	for _, event := range events {
		if publisher == nil {
			continue
		}
		if err := publisher.PublishTaskEvent(ctx, event); err != nil {
			slog.Error("Error occurred while publishing task event", "task_id", event.TaskID, "error", err.Error())
		}
	}
	if err != nil {
		return err
	}

	requeued := 0
	for _, event := range events {
		if event.NewStatus == domain.Pending {
			requeued++
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "recovered %d stale tasks: %d re-queued, %d failed\n", len(events), requeued, len(events)-requeued)
	return nil
}
