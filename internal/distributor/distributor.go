package distributor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shaiso/jobswarm/internal/clock"
	"github.com/shaiso/jobswarm/internal/cluster"
	"github.com/shaiso/jobswarm/internal/domain"
	"github.com/shaiso/jobswarm/internal/heartbeat"
	"github.com/shaiso/jobswarm/internal/repo"
	"github.com/shaiso/jobswarm/internal/scheduler"
	"github.com/shaiso/jobswarm/internal/telemetry"
)

// Store — операции store, нужные distributor.
type Store interface {
	RegisterDistributorInstance(ctx context.Context, clusterID int64, runID *int64, reportBy time.Time) (*domain.DistributorInstance, error)
	HeartbeatDistributorInstance(ctx context.Context, id int64, reportBy time.Time) error
	ExpungeDistributorInstance(ctx context.Context, id int64) error

	ListTaskInstances(ctx context.Context, filter repo.InstanceFilter) ([]domain.TaskInstance, error)
	TransitionTaskInstance(ctx context.Context, id int64, from domain.TaskInstanceStatus, tr domain.InstanceTransition) error
	RenewTaskInstances(ctx context.Context, ids []int64, reportBy time.Time) error
}

// DefaultPollInterval — интервал между циклами.
const DefaultPollInterval = 10 * time.Second

// CycleOrder — порядок обработки статусов в одном цикле.
var CycleOrder = []domain.TaskInstanceStatus{
	domain.TaskInstanceStatusQueued,
	domain.TaskInstanceStatusInstantiated,
	domain.TaskInstanceStatusLaunched,
	domain.TaskInstanceStatusRunning,
	domain.TaskInstanceStatusTriaging,
	domain.TaskInstanceStatusKillSelf,
}

// Config — конфигурация Distributor.
type Config struct {
	Store  Store
	Plugin cluster.Plugin

	// ClusterID — кластер, попытки которого обслуживаются.
	ClusterID int64

	// WorkflowRunID — nil для distributor уровня кластера.
	WorkflowRunID *int64

	// Executable — бинарь CLI в командах worker node (пусто — "jobswarm").
	Executable string

	PollInterval time.Duration

	// Heartbeat — окно report-by для попыток и самого distributor.
	Heartbeat heartbeat.Policy

	// RaiseOnError — прерывать обработку статуса на первой ошибке.
	RaiseOnError bool

	Clock  clock.Clock
	Logger *slog.Logger
}

// Distributor — движок исполнения: переводит попытки из QUEUED в кластер
// и следит за их liveness.
//
// Distributor держит индекс попыток по статусам. Каждый цикл
// перечитывает корзину статуса из store (Refresh) и обрабатывает её
// (Process). Конфликты переходов означают, что попытку уже продвинул
// кто-то другой (worker node, swarm, оператор): они логируются и
// пропускаются.
type Distributor struct {
	store   Store
	plugin  cluster.Plugin
	cluster cluster.Distributor
	cfg     Config
	clock   clock.Clock
	logger  *slog.Logger

	instanceID int64
	index      map[domain.TaskInstanceStatus]map[int64]*domain.TaskInstance
}

// New создаёт Distributor.
func New(cfg Config) *Distributor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	cfg.Heartbeat = heartbeat.NewPolicy(cfg.Heartbeat.Interval, cfg.Heartbeat.Buffer)
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	logger := cfg.Logger.With("component", "distributor", "cluster", cfg.Plugin.Name())
	if cfg.WorkflowRunID != nil {
		logger = telemetry.WithWorkflowRunID(logger, *cfg.WorkflowRunID)
	}

	d := &Distributor{
		store:   cfg.Store,
		plugin:  cfg.Plugin,
		cluster: cfg.Plugin.Distributor(),
		cfg:     cfg,
		clock:   cfg.Clock,
		logger:  logger,
		index:   make(map[domain.TaskInstanceStatus]map[int64]*domain.TaskInstance),
	}
	for _, s := range CycleOrder {
		d.index[s] = make(map[int64]*domain.TaskInstance)
	}
	return d
}

// Register создаёт запись DistributorInstance.
func (d *Distributor) Register(ctx context.Context) error {
	di, err := d.store.RegisterDistributorInstance(ctx, d.cfg.ClusterID, d.cfg.WorkflowRunID,
		d.cfg.Heartbeat.ReportBy(d.clock.Now()))
	if err != nil {
		return fmt.Errorf("register distributor instance: %w", err)
	}
	d.instanceID = di.ID
	d.logger = telemetry.WithDistributorInstanceID(d.logger, di.ID)
	d.logger.Info("distributor registered")
	return nil
}

// InstanceID возвращает id зарегистрированного DistributorInstance.
func (d *Distributor) InstanceID() int64 {
	return d.instanceID
}

// Close помечает DistributorInstance как завершённый.
func (d *Distributor) Close(ctx context.Context) error {
	if d.instanceID == 0 {
		return nil
	}
	if err := d.store.ExpungeDistributorInstance(ctx, d.instanceID); err != nil {
		return fmt.Errorf("expunge distributor instance: %w", err)
	}
	d.logger.Info("distributor closed")
	return nil
}

// Heartbeat продлевает report-by самого distributor.
func (d *Distributor) Heartbeat(ctx context.Context) error {
	if d.instanceID == 0 {
		return ErrNotRegistered
	}
	err := d.store.HeartbeatDistributorInstance(ctx, d.instanceID, d.cfg.Heartbeat.ReportBy(d.clock.Now()))
	if errors.Is(err, repo.ErrInvalidState) {
		return ErrExpunged
	}
	if err != nil {
		return fmt.Errorf("heartbeat distributor instance: %w", err)
	}
	return nil
}

// Cycle — одна итерация: heartbeat, затем Refresh и Process для каждого
// статуса в порядке CycleOrder.
func (d *Distributor) Cycle(ctx context.Context) error {
	if err := d.Heartbeat(ctx); err != nil {
		return err
	}

	var errs []error
	for _, status := range CycleOrder {
		if err := d.Refresh(ctx, status); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := d.Process(ctx, status); err != nil {
			if d.cfg.RaiseOnError {
				return err
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run регистрирует distributor и выполняет Cycle каждые PollInterval до отмены ctx.
// При выходе DistributorInstance помечается завершённым, кластер останавливается.
func (d *Distributor) Run(ctx context.Context) error {
	if d.instanceID == 0 {
		if err := d.Register(ctx); err != nil {
			return err
		}
	}
	if err := d.cluster.Start(ctx); err != nil {
		return fmt.Errorf("start cluster distributor: %w", err)
	}

	loop := scheduler.NewLoop(scheduler.LoopConfig{
		Name:     "distributor",
		Schedule: scheduler.Every(d.cfg.PollInterval),
		Clock:    d.clock,
		Logger:   d.logger,
		Tick: func(ctx context.Context) (bool, error) {
			err := d.Cycle(ctx)
			return errors.Is(err, ErrExpunged), err
		},
	})
	err := loop.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if stopErr := d.cluster.Stop(shutdownCtx); stopErr != nil {
		d.logger.Error("failed to stop cluster distributor", "error", stopErr)
	}
	if closeErr := d.Close(shutdownCtx); closeErr != nil {
		d.logger.Error("failed to close distributor", "error", closeErr)
	}

	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Refresh перечитывает попытки в статусе status.
func (d *Distributor) Refresh(ctx context.Context, status domain.TaskInstanceStatus) error {
	instances, err := d.store.ListTaskInstances(ctx, repo.InstanceFilter{
		ClusterID:     d.cfg.ClusterID,
		WorkflowRunID: d.cfg.WorkflowRunID,
		Statuses:      []domain.TaskInstanceStatus{status},
	})
	if err != nil {
		return fmt.Errorf("list %s instances: %w", status, err)
	}

	bucket := make(map[int64]*domain.TaskInstance, len(instances))
	for i := range instances {
		bucket[instances[i].ID] = &instances[i]
	}
	d.index[status] = bucket
	return nil
}

// Instances возвращает попытки корзины status, упорядоченные по batch и id.
func (d *Distributor) Instances(status domain.TaskInstanceStatus) []domain.TaskInstance {
	out := make([]domain.TaskInstance, 0, len(d.index[status]))
	for _, ti := range d.index[status] {
		out = append(out, *ti)
	}
	sortInstances(out)
	return out
}

// Process обрабатывает корзину статуса status.
func (d *Distributor) Process(ctx context.Context, status domain.TaskInstanceStatus) error {
	instances := d.Instances(status)
	if len(instances) == 0 {
		return nil
	}

	switch status {
	case domain.TaskInstanceStatusQueued:
		return d.instantiate(ctx, instances)
	case domain.TaskInstanceStatusInstantiated:
		return d.launch(ctx, instances)
	case domain.TaskInstanceStatusLaunched:
		return d.checkLaunched(ctx, instances)
	case domain.TaskInstanceStatusRunning:
		return d.checkRunning(ctx, instances)
	case domain.TaskInstanceStatusTriaging:
		return d.triage(ctx, instances)
	case domain.TaskInstanceStatusKillSelf:
		return d.kill(ctx, instances)
	default:
		return nil
	}
}

// transition переводит попытку и перекладывает её в индексе.
// Конфликт логируется и не считается ошибкой.
func (d *Distributor) transition(ctx context.Context, ti *domain.TaskInstance, tr domain.InstanceTransition) error {
	from := ti.Status
	err := d.store.TransitionTaskInstance(ctx, ti.ID, from, tr)
	if errors.Is(err, repo.ErrConflict) {
		telemetry.WithTaskInstanceID(d.logger, ti.ID).Debug("instance transition skipped",
			"from", from, "to", tr.To, "error", err)
		delete(d.index[from], ti.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("transition instance %d %s→%s: %w", ti.ID, from, tr.To, err)
	}

	delete(d.index[from], ti.ID)
	moved := *ti
	moved.Status = tr.To
	if tr.DistributorID != "" {
		moved.DistributorID = tr.DistributorID
	}
	if tr.ReportBy != nil {
		moved.ReportBy = tr.ReportBy
	}
	if tr.ArrayStepID != nil {
		moved.ArrayStepID = *tr.ArrayStepID
	}
	if bucket, ok := d.index[tr.To]; ok {
		bucket[moved.ID] = &moved
	}
	return nil
}

// run выполняет fn для каждой попытки по правилам FanOut и логирует ошибки.
func (d *Distributor) run(ctx context.Context, instances []domain.TaskInstance, fn func(context.Context, domain.TaskInstance) error) error {
	results, err := FanOut(ctx, instances, fn, d.cfg.RaiseOnError)
	for _, r := range Failed(results) {
		telemetry.WithTaskInstanceID(d.logger, r.Item.ID).Error("instance processing failed",
			"status", r.Item.Status, "error", r.Err)
	}
	return err
}

func (d *Distributor) reportBy() *time.Time {
	rb := d.cfg.Heartbeat.ReportBy(d.clock.Now())
	return &rb
}
