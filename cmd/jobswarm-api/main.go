// jobswarm-api — HTTP API для worker nodes и операторов.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shaiso/jobswarm/internal/api"
	"github.com/shaiso/jobswarm/internal/config"
	"github.com/shaiso/jobswarm/internal/mq"
	"github.com/shaiso/jobswarm/internal/repo"
	"github.com/shaiso/jobswarm/internal/telemetry"
)

func main() {
	logger := telemetry.SetupLogger()
	logger.Info("starting jobswarm-api")

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
	logger.Info("connected to database")

	// RabbitMQ необязателен: без него API работает без событий статусов
	var events api.Events
	mqConn, err := mq.NewConnection(cfg.AMQPURL(), logger)
	if err != nil {
		logger.Warn("RabbitMQ not available, status events disabled", "error", err)
	} else {
		defer mqConn.Close()
		if err := mq.SetupTopology(ctx, mqConn); err != nil {
			logger.Warn("failed to setup topology", "error", err)
		}
		events = mq.NewPublisher(mqConn, logger)
	}

	handler := api.NewHandler(api.Config{
		Store:  repo.NewStore(pool),
		Events: events,
		Logger: logger,
	})

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	server := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", cfg.API.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	logger.Info("stopped")
}
