// jobswarm-distributor — distributor уровня кластера.
//
// Обслуживает попытки всех workflow runs одного кластера
// (distributor.cluster в конфигурации). Для локальных кластеров
// worker nodes выполняются в этом же процессе.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/jobswarm/internal/api"
	"github.com/shaiso/jobswarm/internal/cluster/plugins"
	"github.com/shaiso/jobswarm/internal/config"
	"github.com/shaiso/jobswarm/internal/distributor"
	"github.com/shaiso/jobswarm/internal/repo"
	"github.com/shaiso/jobswarm/internal/telemetry"
	"github.com/shaiso/jobswarm/internal/workernode"
)

func main() {
	logger := telemetry.SetupLogger()

	cfg, err := config.Load("")
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cl, ok := cfg.Cluster(cfg.Distributor.Cluster)
	if !ok {
		logger.Error("cluster is not configured", "cluster", cfg.Distributor.Cluster)
		os.Exit(1)
	}
	logger = logger.With("cluster", cl.Name)
	logger.Info("starting jobswarm-distributor", "type", cl.Type)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := repo.NewPool(ctx, cfg.Database.URL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	store := repo.NewStore(pool)

	c, err := store.EnsureCluster(ctx, cl.Name, cl.Type)
	if err != nil {
		logger.Error("failed to register cluster", "error", err)
		os.Exit(1)
	}

	policy := cfg.Heartbeat.Policy()
	runner := workernode.New(workernode.Config{
		Reporter:  store,
		Heartbeat: policy,
		Logger:    logger,
	})
	plugin, err := plugins.DefaultRegistry().Build(cl.Type, cl.Options(runner.Launch, logger))
	if err != nil {
		logger.Error("failed to build cluster plugin", "error", err)
		os.Exit(1)
	}

	d := distributor.New(distributor.Config{
		Store:        store,
		Plugin:       plugin,
		ClusterID:    c.ID,
		Executable:   cfg.Distributor.Executable,
		PollInterval: cfg.Distributor.PollInterval.D(),
		Heartbeat:    policy,
		RaiseOnError: cfg.Distributor.RaiseOnError,
		Logger:       logger,
	})

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", api.Healthz)
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		logger.Info("listening", "addr", cfg.Distributor.MetricsAddr)
		if err := http.ListenAndServe(cfg.Distributor.MetricsAddr, mux); err != nil {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	if err := d.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("distributor failed", "error", err)
		os.Exit(1)
	}
	logger.Info("jobswarm-distributor stopped")
}
