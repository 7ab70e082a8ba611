package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/suPer8Hu/chat-dispatch/internal/chat"
	"github.com/suPer8Hu/chat-dispatch/internal/config"
	"github.com/suPer8Hu/chat-dispatch/internal/db"
	"github.com/suPer8Hu/chat-dispatch/internal/store/rabbitmq"
)

func newWorkerCmd(load func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Persist published results from RabbitMQ into the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.RabbitURL == "" {
				return errors.New("RABBIT_URL is not set")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWorker(ctx, cfg)
		},
	}
}

// persistResult stores each message once; redeliveries of the same id are no-ops.
func persistResult(repo *chat.Repo) rabbitmq.Handler {
	return func(ctx context.Context, msg rabbitmq.ResultMessage) error {
		rec := chat.NewResultRecord(msg.ID, msg.Result)
		created, err := repo.InsertResultOrIgnore(ctx, &rec)
		if err != nil {
			return err
		}
		if !created {
			log.Printf("worker: duplicate result id=%s user=%s", msg.ID, msg.Result.UserID)
		}
		return nil
	}
}

func runWorker(ctx context.Context, cfg config.Config) error {
	gdb, err := db.Connect(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return err
	}
	repo := chat.NewRepo(gdb)

	consumer, err := rabbitmq.NewConsumer(rabbitmq.ConsumerConfig{
		URL:         cfg.RabbitURL,
		Queue:       cfg.RabbitQueue,
		Concurrency: cfg.WorkerConcurrency,
	})
	if err != nil {
		return err
	}
	defer consumer.Close()

	log.Printf("worker started, queue=%s concurrency=%d", cfg.RabbitQueue, cfg.WorkerConcurrency)
	return consumer.Run(ctx, persistResult(repo))
}
