package swarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shaiso/jobswarm/internal/clock"
	"github.com/shaiso/jobswarm/internal/cluster"
	"github.com/shaiso/jobswarm/internal/domain"
	"github.com/shaiso/jobswarm/internal/engine"
	"github.com/shaiso/jobswarm/internal/heartbeat"
	"github.com/shaiso/jobswarm/internal/repo"
	"github.com/shaiso/jobswarm/internal/scheduler"
	"github.com/shaiso/jobswarm/internal/telemetry"
)

// Store — операции store, нужные swarm.
type Store interface {
	GetWorkflowRun(ctx context.Context, id int64) (*domain.WorkflowRun, error)
	TransitionWorkflowRun(ctx context.Context, id int64, to domain.WorkflowRunStatus) error
	HeartbeatWorkflowRun(ctx context.Context, id int64, reportBy time.Time) (domain.WorkflowRunStatus, error)

	GetWorkflow(ctx context.Context, id int64) (*domain.Workflow, error)
	ListArrays(ctx context.Context, workflowID int64) ([]domain.Array, error)
	GetClusterByName(ctx context.Context, name string) (*domain.Cluster, error)

	ListTasks(ctx context.Context, workflowID int64) ([]domain.Task, error)
	TaskStatusUpdates(ctx context.Context, workflowID int64, since time.Time) ([]domain.TaskStatusUpdate, time.Time, error)
	TransitionTask(ctx context.Context, id int64, from, to domain.TaskStatus) (time.Time, error)

	GetTaskResources(ctx context.Context, id int64) (*domain.TaskResources, error)
	CreateTaskResources(ctx context.Context, tr domain.TaskResources) (*domain.TaskResources, error)
	SetTaskResources(ctx context.Context, taskID, resourcesID int64) error

	QueueTaskBatch(ctx context.Context, req repo.QueueBatchRequest) (*repo.QueueBatchResult, error)
}

// Значения по умолчанию.
const (
	DefaultPollInterval               = 10 * time.Second
	DefaultWedgedWorkflowSyncInterval = 10 * time.Minute

	// SyncOverlap — запас назад от времени прошлого чтения. Запись, начатая
	// до чтения и закоммиченная после него, имеет status_date раньше since.
	SyncOverlap = 5 * time.Second
)

// Config — конфигурация Swarm.
type Config struct {
	Store         Store
	WorkflowRunID int64

	// Clusters — плагины по имени кластера.
	Clusters map[string]cluster.Plugin

	// ScaleFuncs — именованные функции эскалации ресурсов.
	ScaleFuncs engine.ScaleFuncs

	PollInterval time.Duration

	// Heartbeat — окно report-by для heartbeat run.
	Heartbeat heartbeat.Policy

	// WedgedWorkflowSyncInterval — период полной синхронизации статусов.
	WedgedWorkflowSyncInterval time.Duration

	// FailFast — прекратить постановку после первого ERROR_FATAL.
	FailFast bool

	// Strict — ресурсы, не прошедшие проверку очереди, останавливают run.
	// Иначе они приводятся к лимитам очереди.
	Strict bool

	Clock  clock.Clock
	Logger *slog.Logger
}

// Swarm — движок планирования одного workflow run.
//
// Swarm держит tasks в памяти, синхронизирует их статусы со store,
// продвигает фронт DAG с учётом конкурентности и ставит tasks в очередь.
// Сам swarm ничего не запускает: попытки подхватывает distributor.
type Swarm struct {
	store  Store
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger

	run        *domain.WorkflowRun
	workflowID int64
	maxRunning int
	tasks      map[int64]*SwarmTask
	order      []int64
	arrays     map[int64]*SwarmArray
	clusterIDs map[string]int64

	// validated — проверенная запись ресурсов по исходной.
	validated      map[int64]validatedResources
	validatedByKey map[string]validatedResources

	lastSync     time.Time
	lastFullSync time.Time
	started      time.Time
	failFast     bool
	status       domain.WorkflowRunStatus
	loaded       bool
}

type validatedResources struct {
	id        int64
	resources domain.Resources
}

// New создаёт Swarm.
func New(cfg Config) *Swarm {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.WedgedWorkflowSyncInterval <= 0 {
		cfg.WedgedWorkflowSyncInterval = DefaultWedgedWorkflowSyncInterval
	}
	cfg.Heartbeat = heartbeat.NewPolicy(cfg.Heartbeat.Interval, cfg.Heartbeat.Buffer)
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Swarm{
		store:          cfg.Store,
		cfg:            cfg,
		clock:          cfg.Clock,
		logger:         telemetry.WithWorkflowRunID(cfg.Logger.With("component", "swarm"), cfg.WorkflowRunID),
		tasks:          make(map[int64]*SwarmTask),
		arrays:         make(map[int64]*SwarmArray),
		clusterIDs:     make(map[string]int64),
		validated:      make(map[int64]validatedResources),
		validatedByKey: make(map[string]validatedResources),
	}
}

// Load читает run, tasks и arrays из store и переводит run в RUNNING.
//
// DONE tasks остаются DONE: при resume новый run подхватывает
// только незавершённые tasks.
func (s *Swarm) Load(ctx context.Context) error {
	run, err := s.store.GetWorkflowRun(ctx, s.cfg.WorkflowRunID)
	if err != nil {
		return fmt.Errorf("get workflow run: %w", err)
	}
	if run.Status.IsTerminal() || run.Status.IsResuming() {
		return fmt.Errorf("%w: %s", ErrRunNotActive, run.Status)
	}
	s.run = run
	s.workflowID = run.WorkflowID

	tasks, err := s.store.ListTasks(ctx, run.WorkflowID)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

	edges := make([]domain.Edge, 0, len(tasks))
	for i := range tasks {
		t := &tasks[i]
		if _, ok := s.cfg.Clusters[t.ClusterName]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownCluster, t.ClusterName)
		}
		if _, ok := s.clusterIDs[t.ClusterName]; !ok {
			c, err := s.store.GetClusterByName(ctx, t.ClusterName)
			if err != nil {
				return fmt.Errorf("get cluster %s: %w", t.ClusterName, err)
			}
			s.clusterIDs[t.ClusterName] = c.ID
		}

		res, err := s.store.GetTaskResources(ctx, t.ResourcesID)
		if err != nil {
			return fmt.Errorf("get resources of task %d: %w", t.ID, err)
		}

		s.tasks[t.ID] = &SwarmTask{
			ID:             t.ID,
			Name:           t.Name,
			ArrayID:        t.ArrayID,
			ClusterName:    t.ClusterName,
			Status:         t.Status,
			StatusDate:     t.StatusDate,
			NumAttempts:    t.NumAttempts,
			MaxAttempts:    t.MaxAttempts,
			ResourcesID:    res.ID,
			Resources:      res.Requested,
			ResourceScales: t.ResourceScales,
			FallbackQueues: t.FallbackQueues,
			Upstream:       t.UpstreamIDs,
		}
		edges = append(edges, domain.Edge{NodeID: t.ID, Upstream: t.UpstreamIDs})
	}

	dag, err := engine.BuildDAG(edges)
	if err != nil {
		return fmt.Errorf("build dag: %w", err)
	}
	for _, n := range dag.Order {
		t := s.tasks[n.ID]
		for _, down := range n.Downstream {
			t.Downstream = append(t.Downstream, down.ID)
		}
		s.order = append(s.order, n.ID)
	}

	if err := s.refreshConcurrency(ctx); err != nil {
		return err
	}
	for _, id := range s.order {
		t := s.tasks[id]
		if a, ok := s.arrays[t.ArrayID]; ok {
			a.TaskIDs = append(a.TaskIDs, id)
		}
	}

	for _, to := range []domain.WorkflowRunStatus{
		domain.WorkflowRunStatusInstantiated,
		domain.WorkflowRunStatusLaunched,
		domain.WorkflowRunStatusRunning,
	} {
		if s.run.Status == to || !s.run.Status.CanTransition(to) {
			continue
		}
		if err := s.store.TransitionWorkflowRun(ctx, s.run.ID, to); err != nil {
			return fmt.Errorf("transition run to %s: %w", to, err)
		}
		s.run.Status = to
	}

	s.status = s.run.Status
	s.started = s.clock.Now()
	s.loaded = true

	s.logger.Info("swarm loaded",
		"workflow_id", s.workflowID,
		"tasks", len(s.tasks),
		"arrays", len(s.arrays),
		"max_concurrently_running", s.maxRunning,
	)
	return nil
}

// refreshConcurrency перечитывает потолки workflow и arrays:
// оператор может менять их во время выполнения.
func (s *Swarm) refreshConcurrency(ctx context.Context) error {
	wf, err := s.store.GetWorkflow(ctx, s.workflowID)
	if err != nil {
		return fmt.Errorf("get workflow: %w", err)
	}
	s.maxRunning = wf.MaxConcurrentlyRunning

	arrays, err := s.store.ListArrays(ctx, s.workflowID)
	if err != nil {
		return fmt.Errorf("list arrays: %w", err)
	}
	for _, a := range arrays {
		if cur, ok := s.arrays[a.ID]; ok {
			cur.MaxConcurrentlyRunning = a.MaxConcurrentlyRunning
			continue
		}
		s.arrays[a.ID] = &SwarmArray{
			ID:                     a.ID,
			TemplateName:           a.TemplateName,
			MaxConcurrentlyRunning: a.MaxConcurrentlyRunning,
		}
	}
	return nil
}

// Run выполняет Step каждые PollInterval, пока run не завершится.
//
// Отмена ctx переводит run в STOPPED. Запрошенный resume завершает
// run статусом TERMINATED.
func (s *Swarm) Run(ctx context.Context) (*Report, error) {
	if !s.loaded {
		if err := s.Load(ctx); err != nil {
			return nil, err
		}
	}

	var fatal error
	loop := scheduler.NewLoop(scheduler.LoopConfig{
		Name:     "swarm",
		Schedule: scheduler.Every(s.cfg.PollInterval),
		Clock:    s.clock,
		Logger:   s.logger,
		Tick: func(ctx context.Context) (bool, error) {
			status, err := s.Step(ctx)
			if errors.Is(err, ErrInvalidResources) {
				fatal = err
			}
			return status.IsTerminal(), err
		},
	})

	err := loop.Run(ctx)
	if err != nil && ctx.Err() != nil {
		if !s.status.IsTerminal() {
			s.stop(context.WithoutCancel(ctx))
		}
		err = nil
	}
	if fatal != nil {
		err = fatal
	}

	report := s.Report()
	s.logger.Info("swarm finished", "report", report.String())
	return &report, err
}

func (s *Swarm) stop(ctx context.Context) {
	if err := s.store.TransitionWorkflowRun(ctx, s.run.ID, domain.WorkflowRunStatusStopped); err != nil {
		s.logger.Error("failed to stop workflow run", "error", err)
		return
	}
	s.status = domain.WorkflowRunStatusStopped
	s.logger.Info("workflow run stopped")
}

// Report возвращает сводку по текущему состоянию.
func (s *Swarm) Report() Report {
	r := Report{Status: s.status, Total: len(s.tasks)}
	for _, t := range s.tasks {
		switch t.Status {
		case domain.TaskStatusDone:
			r.Done++
		case domain.TaskStatusErrorFatal:
			r.Failed++
		}
	}
	if !s.started.IsZero() {
		r.ElapsedTime = s.clock.Now().Sub(s.started)
	}
	return r
}

// Tasks возвращает копии tasks в топологическом порядке.
func (s *Swarm) Tasks() []SwarmTask {
	out := make([]SwarmTask, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.tasks[id])
	}
	return out
}

// Status возвращает статус run по данным swarm.
func (s *Swarm) Status() domain.WorkflowRunStatus {
	return s.status
}
