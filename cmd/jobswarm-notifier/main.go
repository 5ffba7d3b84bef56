// jobswarm-notifier — доставляет уведомления reaper из RabbitMQ в чат.
//
// Без reaper.webhook_url уведомления только логируются.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/shaiso/jobswarm/internal/config"
	"github.com/shaiso/jobswarm/internal/mq"
	"github.com/shaiso/jobswarm/internal/reaper"
	"github.com/shaiso/jobswarm/internal/telemetry"
)

func main() {
	logger := telemetry.SetupLogger()
	logger.Info("starting jobswarm-notifier")

	cfg, err := config.Load("")
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	conn, err := mq.NewConnection(cfg.AMQPURL(), logger)
	if err != nil {
		logger.Error("failed to connect to RabbitMQ", "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	if err := mq.SetupTopology(ctx, conn); err != nil {
		logger.Error("failed to setup topology", "error", err)
		os.Exit(1)
	}

	notifiers := reaper.Multi{reaper.LogNotifier{Logger: logger}}
	if cfg.Reaper.WebhookURL != "" {
		notifiers = append(notifiers, reaper.WebhookNotifier{URL: cfg.Reaper.WebhookURL})
	} else {
		logger.Warn("webhook url is not set, notifications go to log only")
	}

	consumer := mq.NewConsumer(conn, logger, mq.ConsumerConfig{
		Queue:   mq.QueueNotifications,
		Handler: mq.NotificationHandler(notifiers),
	})

	if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("consumer failed", "error", err)
		os.Exit(1)
	}
	logger.Info("jobswarm-notifier stopped")
}
