package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/spf13/cobra"

	"github.com/shaiso/jobswarm/internal/cluster"
	"github.com/shaiso/jobswarm/internal/cluster/plugins"
	"github.com/shaiso/jobswarm/internal/config"
	"github.com/shaiso/jobswarm/internal/distributor"
	"github.com/shaiso/jobswarm/internal/domain"
	"github.com/shaiso/jobswarm/internal/engine"
	"github.com/shaiso/jobswarm/internal/repo"
	"github.com/shaiso/jobswarm/internal/repo/memory"
	"github.com/shaiso/jobswarm/internal/swarm"
	"github.com/shaiso/jobswarm/internal/workernode"
)

// Виды store для workflow run.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// ErrWorkflowFailed — workflow run завершился не в DONE.
var ErrWorkflowFailed = errors.New("workflow run did not finish")

// WorkflowStore — всё, что нужно для выполнения workflow в одном процессе.
type WorkflowStore interface {
	swarm.Store
	distributor.Store
	workernode.Reporter

	EnsureCluster(ctx context.Context, name, clusterType string) (*domain.Cluster, error)
	BindWorkflow(ctx context.Context, plan *engine.Plan) (*domain.Workflow, error)
	FindWorkflowByName(ctx context.Context, name string) (*domain.Workflow, error)
	CreateWorkflowRun(ctx context.Context, workflowID int64) (*domain.WorkflowRun, error)
}

var (
	_ WorkflowStore = (*memory.Store)(nil)
	_ WorkflowStore = (*repo.Store)(nil)
)

// WorkflowOptions — параметры RunWorkflow.
type WorkflowOptions struct {
	Spec   *domain.WorkflowSpec
	Store  WorkflowStore
	Config *config.Config

	// Resume — продолжить незавершённый workflow с тем же именем
	// вместо привязки нового.
	Resume bool

	Logger *slog.Logger
}

// RunWorkflow привязывает workflow, создаёт run и выполняет его:
// swarm планирует tasks, distributor на каждый кластер workflow
// отправляет попытки, worker node выполняет их в этом же процессе.
func RunWorkflow(ctx context.Context, opts WorkflowOptions) (*swarm.Report, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	store := opts.Store
	policy := cfg.Heartbeat.Policy()

	plan, err := engine.Compile(opts.Spec)
	if err != nil {
		return nil, err
	}

	runner := workernode.New(workernode.Config{
		Reporter:  store,
		Heartbeat: policy,
		Logger:    logger,
	})

	// плагины только для кластеров, которые использует workflow
	used := make([]string, 0, 1)
	for _, t := range plan.Tasks {
		if !slices.Contains(used, t.ClusterName) {
			used = append(used, t.ClusterName)
		}
	}

	registry := plugins.DefaultRegistry()
	pluginsByName := make(map[string]cluster.Plugin, len(used))
	clusterIDs := make(map[string]int64, len(used))
	for _, name := range used {
		cl, ok := cfg.Cluster(name)
		if !ok {
			return nil, fmt.Errorf("cluster %q is not configured", name)
		}
		c, err := store.EnsureCluster(ctx, cl.Name, cl.Type)
		if err != nil {
			return nil, fmt.Errorf("ensure cluster %s: %w", name, err)
		}
		p, err := registry.Build(cl.Type, cl.Options(runner.Launch, logger))
		if err != nil {
			return nil, err
		}
		pluginsByName[name] = p
		clusterIDs[name] = c.ID
	}

	wf, err := bindOrResume(ctx, store, plan, opts.Resume, logger)
	if err != nil {
		return nil, err
	}
	run, err := store.CreateWorkflowRun(ctx, wf.ID)
	if err != nil {
		return nil, fmt.Errorf("create workflow run: %w", err)
	}
	logger.Info("workflow run created",
		"workflow_id", wf.ID,
		"workflow_run_id", run.ID,
		"tasks", len(plan.Tasks),
	)

	distCtx, stopDist := context.WithCancel(ctx)
	defer stopDist()

	var wg sync.WaitGroup
	for _, name := range used {
		d := distributor.New(distributor.Config{
			Store:         store,
			Plugin:        pluginsByName[name],
			ClusterID:     clusterIDs[name],
			WorkflowRunID: &run.ID,
			Executable:    cfg.Distributor.Executable,
			PollInterval:  cfg.Distributor.PollInterval.D(),
			Heartbeat:     policy,
			RaiseOnError:  cfg.Distributor.RaiseOnError,
			Logger:        logger,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.Run(distCtx); err != nil {
				logger.Error("distributor stopped with error", "cluster", name, "error", err)
			}
		}()
	}

	s := swarm.New(swarm.Config{
		Store:                      store,
		WorkflowRunID:              run.ID,
		Clusters:                   pluginsByName,
		PollInterval:               cfg.Swarm.PollInterval.D(),
		Heartbeat:                  policy,
		WedgedWorkflowSyncInterval: cfg.Swarm.WedgedSyncInterval.D(),
		FailFast:                   cfg.Swarm.FailFast,
		Strict:                     cfg.Swarm.Strict,
		Logger:                     logger,
	})
	report, err := s.Run(ctx)

	stopDist()
	wg.Wait()

	if err != nil {
		return report, err
	}
	if report.Status != domain.WorkflowRunStatusDone {
		return report, fmt.Errorf("%w: %s", ErrWorkflowFailed, report)
	}
	return report, nil
}

func bindOrResume(ctx context.Context, store WorkflowStore, plan *engine.Plan, resume bool, logger *slog.Logger) (*domain.Workflow, error) {
	if resume {
		wf, err := store.FindWorkflowByName(ctx, plan.Name)
		switch {
		case err == nil && wf.Status != domain.WorkflowStatusDone:
			logger.Info("resuming workflow", "workflow_id", wf.ID, "status", wf.Status)
			return wf, nil
		case err != nil && !errors.Is(err, repo.ErrNotFound):
			return nil, fmt.Errorf("find workflow %s: %w", plan.Name, err)
		}
	}

	wf, err := store.BindWorkflow(ctx, plan)
	if err != nil {
		return nil, fmt.Errorf("bind workflow: %w", err)
	}
	return wf, nil
}

// NewWorkflowCmd создаёт группу команд workflow.
func NewWorkflowCmd(configFn func() (*config.Config, error), outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Bind and run workflows",
	}
	cmd.AddCommand(newWorkflowRunCmd(configFn, outputFn))
	return cmd
}

func newWorkflowRunCmd(configFn func() (*config.Config, error), outputFn func() *Output) *cobra.Command {
	var storeKind string
	var resume bool

	cmd := &cobra.Command{
		Use:   "run <spec.yaml>",
		Short: "Bind a workflow from a spec file and run it to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := outputFn()

			cfg, err := configFn()
			if err != nil {
				return err
			}
			spec, err := engine.ParseFile(args[0])
			if err != nil {
				return err
			}

			var store WorkflowStore
			switch storeKind {
			case StoreMemory:
				store = memory.New(nil)
			case StorePostgres:
				pool, err := repo.NewPool(ctx, cfg.Database.URL)
				if err != nil {
					return err
				}
				defer pool.Close()
				store = repo.NewStore(pool)
			default:
				return fmt.Errorf("unknown store %q (want %s or %s)", storeKind, StoreMemory, StorePostgres)
			}

			report, err := RunWorkflow(ctx, WorkflowOptions{
				Spec:   spec,
				Store:  store,
				Config: cfg,
				Resume: resume,
				Logger: slog.Default(),
			})
			if report != nil {
				out.Print(
					[]string{"STATUS", "DONE", "FAILED", "TOTAL", "ELAPSED"},
					[][]string{{
						string(report.Status),
						fmt.Sprint(report.Done),
						fmt.Sprint(report.Failed),
						fmt.Sprint(report.Total),
						report.ElapsedTime.String(),
					}},
					report,
				)
			}
			return err
		},
	}

	cmd.Flags().StringVar(&storeKind, "store", StorePostgres, "state store: memory or postgres")
	cmd.Flags().BoolVar(&resume, "resume", false, "resume an unfinished workflow with the same name")
	return cmd
}
