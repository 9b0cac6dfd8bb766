package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sf7293/task-scheduler/configs"
	"github.com/sf7293/task-scheduler/internal/bootstrap"
	"github.com/sf7293/task-scheduler/internal/domain"
	"github.com/sf7293/task-scheduler/internal/executor"
	"github.com/sf7293/task-scheduler/internal/leader"
	"github.com/sf7293/task-scheduler/internal/metrics"
	"github.com/sf7293/task-scheduler/internal/rabbitmq"
	"github.com/sf7293/task-scheduler/internal/retry"
	"github.com/sf7293/task-scheduler/internal/scheduler"
	"github.com/sf7293/task-scheduler/internal/server"
	"github.com/sf7293/task-scheduler/pkg/process"
)

// sampleHandlerDelay is how long the built-in send_email and run_query processes take
const sampleHandlerDelay = 3 * time.Second

func main() {
	cfg := configs.InitConfig()

	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	slog.SetDefault(slog.New(h))

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var ready atomic.Bool

	storage, err := bootstrap.OpenStore(ctx, cfg, true)
	if err != nil {
		log.Fatal(err)
	}
	defer func() {
		err = storage.Close()
		if err != nil {
			slog.Error("An error occurred while closing the task store", "error", err.Error())
		}
	}()

	leases, err := bootstrap.OpenLeases(ctx, cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer func() {
		err = leases.Close()
		if err != nil {
			slog.Error("An error occurred while closing the coordination client", "error", err.Error())
		}
	}()

	var publisher domain.EventPublisher
	if cfg.RabbitMQ.Enabled() {
		rabbitPublisher, err := rabbitmq.NewPublisher(cfg.RabbitMQ.ToRabbitConnectionUri(), cfg.RabbitMQ.EventsQueueName)
		if err != nil {
			log.Fatal(err)
		}
		defer func() {
			err = rabbitPublisher.Close()
			if err != nil {
				slog.Error("An error occurred while closing RabbitMQ connection", "error", err.Error())
			}
		}()
		publisher = rabbitPublisher
		slog.Info("RabbitMQ has been initialized successfully", "queue", cfg.RabbitMQ.EventsQueueName)
	} else {
		slog.Info("RABBIT_HOST is not set, task events are only logged")
	}

	m, err := metrics.New(prometheus.DefaultRegisterer)
	if err != nil {
		log.Fatal(err)
	}

	policy := retry.NewPolicy(cfg.Retry.MaxAttempts, cfg.Retry.InitialDelay(), cfg.Retry.Multiplier, cfg.Retry.MaxDelay())
	exec := executor.New(executor.Options{
		MaxConcurrency: cfg.Scheduler.MaxConcurrency,
		Retry:          &policy,
		TaskTimeout:    cfg.Scheduler.TaskTimeout(),
	})

	coordinator := leader.NewCoordinator(leases, leader.Config{
		NodeID:        cfg.NodeID,
		Key:           cfg.Leader.Key,
		LeaseTTL:      cfg.Leader.LeaseTTL(),
		RetryInterval: cfg.Leader.ElectionRetry(),
	})

	registry := process.NewDefaultRegistry(sampleHandlerDelay)
	sched := scheduler.New(storage, coordinator, exec, registry.Handle, scheduler.Options{
		PollInterval: cfg.Scheduler.PollInterval(),
		BatchSize:    cfg.Scheduler.BatchSize,
		StaleAfter:   cfg.StaleAfter(),
		Publisher:    publisher,
		Metrics:      m,
	})

	router := server.NewRouter(server.Dependencies{
		Storage:   storage,
		Leases:    leases,
		Publisher: publisher,
		Stats:     sched,
		Gatherer:  prometheus.DefaultGatherer,
		Ready:     ready.Load,
	})
	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: router,
	}

	// Initializing the server in a goroutine so that
	// it won't block the graceful shutdown handling below
	go func() {
		slog.Info("Starting server", "port", cfg.ServerPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("listen failed", "error", err.Error())
		}
	}()

	ready.Store(true)
	slog.Info("Scheduler is running. To exit press CTRL+C", "node_id", cfg.NodeID)
	if err := sched.Run(ctx); err != nil {
		slog.Error("Scheduler stopped with error", "error", err.Error())
	}
	slog.Info("Scheduler is shutting down...", "node_id", cfg.NodeID)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err.Error())
	}

	slog.Info("Scheduler exiting")
}
