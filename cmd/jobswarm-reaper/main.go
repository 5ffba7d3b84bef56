// jobswarm-reaper — периодическая уборка потерянных workflow runs.
//
// Несколько реплик безопасны: проход выполняет только держатель
// advisory lock Postgres.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/jobswarm/internal/api"
	"github.com/shaiso/jobswarm/internal/config"
	"github.com/shaiso/jobswarm/internal/mq"
	"github.com/shaiso/jobswarm/internal/reaper"
	"github.com/shaiso/jobswarm/internal/repo"
	"github.com/shaiso/jobswarm/internal/telemetry"
)

const reaperLockKey int64 = 424242

func main() {
	logger := telemetry.SetupLogger()
	logger.Info("starting jobswarm-reaper")

	cfg, err := config.Load("")
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := repo.NewPool(ctx, cfg.Database.URL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	leader := repo.NewLeader(pool, reaperLockKey)
	defer func() {
		if err := leader.Release(context.Background()); err != nil {
			logger.Warn("failed to release leadership", "error", err)
		}
	}()

	notifiers := reaper.Multi{reaper.LogNotifier{Logger: logger}}
	mqConn, err := mq.NewConnection(cfg.AMQPURL(), logger)
	if err != nil {
		logger.Warn("RabbitMQ not available, notifications go to log only", "error", err)
	} else {
		defer mqConn.Close()
		if err := mq.SetupTopology(ctx, mqConn); err != nil {
			logger.Warn("failed to setup topology", "error", err)
		}
		notifiers = append(notifiers, mq.NewPublisher(mqConn, logger))
	}

	r := reaper.New(reaper.Config{
		Store:         repo.NewStore(pool),
		Notifier:      notifiers,
		Leader:        leader,
		Logger:        logger,
		Schedule:      cfg.Reaper.Schedule,
		LossThreshold: cfg.Reaper.LossThreshold.D(),
		Channel:       cfg.Reaper.Channel,
	})

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", api.Healthz)
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		logger.Info("listening", "addr", cfg.Reaper.MetricsAddr)
		if err := http.ListenAndServe(cfg.Reaper.MetricsAddr, mux); err != nil {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	if err := r.Run(ctx); err != nil {
		logger.Error("reaper failed", "error", err)
		os.Exit(1)
	}
	logger.Info("jobswarm-reaper stopped")
}
