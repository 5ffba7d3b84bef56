package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shaiso/jobswarm/internal/clock"
	"github.com/shaiso/jobswarm/internal/domain"
	"github.com/shaiso/jobswarm/internal/repo"
	"github.com/shaiso/jobswarm/internal/scheduler"
	"github.com/shaiso/jobswarm/internal/telemetry"
)

// Store — операции store, нужные reaper.
type Store interface {
	ListWorkflowRuns(ctx context.Context, statuses []domain.WorkflowRunStatus) ([]domain.WorkflowRun, error)
	TransitionWorkflowRun(ctx context.Context, id int64, to domain.WorkflowRunStatus) error

	ListDistributorInstances(ctx context.Context, filter repo.DistributorFilter) ([]domain.DistributorInstance, error)
	ExpungeDistributorInstance(ctx context.Context, id int64) error

	ListWorkflows(ctx context.Context, statuses []domain.WorkflowStatus) ([]domain.Workflow, error)
	TaskStatusCounts(ctx context.Context, workflowID int64) (map[domain.TaskStatus]int, error)
	SetWorkflowStatus(ctx context.Context, id int64, status domain.WorkflowStatus) error
}

// Leader решает, выполняет ли этот процесс проход.
type Leader interface {
	TryAcquire(ctx context.Context) (bool, error)
}

// Значения по умолчанию.
const (
	DefaultSchedule      = "@every 1m"
	DefaultLossThreshold = 30 * time.Second
	DefaultChannel       = "jobswarm-reaper"
)

var (
	haltedStatuses = []domain.WorkflowRunStatus{
		domain.WorkflowRunStatusColdResume,
		domain.WorkflowRunStatusHotResume,
	}
	errorStatuses = []domain.WorkflowRunStatus{
		domain.WorkflowRunStatusInstantiated,
		domain.WorkflowRunStatusLaunched,
		domain.WorkflowRunStatusRunning,
	}
	unfinishedWorkflows = []domain.WorkflowStatus{
		domain.WorkflowStatusQueued,
		domain.WorkflowStatusRunning,
		domain.WorkflowStatusFailed,
		domain.WorkflowStatusHalted,
	}
)

// Config — конфигурация Reaper.
type Config struct {
	Store    Store
	Notifier Notifier // default: LogNotifier
	Leader   Leader   // nil — процесс всегда лидер
	Clock    clock.Clock
	Logger   *slog.Logger

	// Schedule — расписание проходов (duration, cron или @every). Default: DefaultSchedule.
	Schedule string

	// LossThreshold — запас сверх report-by, после которого run считается потерянным.
	LossThreshold time.Duration

	// Channel — канал уведомлений. Default: DefaultChannel.
	Channel string
}

// Reaper — периодическая уборка потерянных runs.
type Reaper struct {
	store     Store
	notifier  Notifier
	leader    Leader
	clock     clock.Clock
	logger    *slog.Logger
	schedule  string
	threshold time.Duration
	channel   string
}

// Report — итог одного прохода.
type Report struct {
	Halted   []int64 // runs → TERMINATED
	Errored  []int64 // runs → ERROR
	Fixed    []int64 // workflows → DONE
	Expunged []int64 // distributor instances
	Skipped  bool    // процесс не лидер

	Notifications int
}

// New создаёт новый Reaper.
func New(cfg Config) *Reaper {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := cfg.Clock
	if c == nil {
		c = clock.New()
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = DefaultSchedule
	}
	threshold := cfg.LossThreshold
	if threshold <= 0 {
		threshold = DefaultLossThreshold
	}
	channel := cfg.Channel
	if channel == "" {
		channel = DefaultChannel
	}

	return &Reaper{
		store:     cfg.Store,
		notifier:  notifier,
		leader:    cfg.Leader,
		clock:     c,
		logger:    logger.With("component", "reaper"),
		schedule:  schedule,
		threshold: threshold,
		channel:   channel,
	}
}

// Run выполняет проходы по расписанию до отмены ctx.
func (r *Reaper) Run(ctx context.Context) error {
	sched, err := scheduler.ParseSchedule(r.schedule)
	if err != nil {
		return fmt.Errorf("reaper schedule: %w", err)
	}

	loop := scheduler.NewLoop(scheduler.LoopConfig{
		Name:     "reaper",
		Schedule: sched,
		Clock:    r.clock,
		Logger:   r.logger,
		Tick: func(ctx context.Context) (bool, error) {
			_, err := r.Tick(ctx)
			return false, err
		},
	})

	err = loop.Run(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Tick выполняет один проход.
//
//  1. Гасит просроченные distributor instances
//  2. Потерянные runs в resume → TERMINATED
//  3. Потерянные активные runs → ERROR
//  4. Workflows со всеми DONE tasks → DONE
//
// Ошибка одного run не блокирует обработку остальных.
func (r *Reaper) Tick(ctx context.Context) (*Report, error) {
	report := &Report{}

	if r.leader != nil {
		ok, err := r.leader.TryAcquire(ctx)
		if err != nil {
			return report, fmt.Errorf("acquire leadership: %w", err)
		}
		if !ok {
			report.Skipped = true
			return report, nil
		}
	}

	now := r.clock.Now()
	var errs []error

	// без списка distributor нельзя отличить потерянный run от живого
	alive, expunged, err := r.expungeDistributors(ctx, now)
	report.Expunged = expunged
	if err != nil {
		return report, err
	}

	halted, err := r.reapRuns(ctx, now, haltedStatuses, domain.WorkflowRunStatusTerminated, alive, report)
	report.Halted = halted
	if err != nil {
		errs = append(errs, err)
	}

	errored, err := r.reapRuns(ctx, now, errorStatuses, domain.WorkflowRunStatusError, alive, report)
	report.Errored = errored
	if err != nil {
		errs = append(errs, err)
	}

	fixed, err := r.fixInconsistent(ctx)
	report.Fixed = fixed
	if err != nil {
		errs = append(errs, err)
	}

	if len(halted)+len(errored)+len(fixed)+len(expunged) > 0 {
		r.logger.Info("reaper tick completed",
			"halted", len(halted),
			"errored", len(errored),
			"fixed", len(fixed),
			"expunged", len(expunged),
		)
	}
	return report, errors.Join(errs...)
}

// expungeDistributors гасит просроченные distributor instances.
// Возвращает живые instances по run id.
func (r *Reaper) expungeDistributors(ctx context.Context, now time.Time) (map[int64]bool, []int64, error) {
	list, err := r.store.ListDistributorInstances(ctx, repo.DistributorFilter{})
	if err != nil {
		return nil, nil, fmt.Errorf("list distributor instances: %w", err)
	}

	alive := make(map[int64]bool)
	var expunged []int64
	for i := range list {
		d := &list[i]
		if !r.lost(d.ReportBy, now) {
			if d.WorkflowRunID != nil {
				alive[*d.WorkflowRunID] = true
			}
			continue
		}
		if err := r.store.ExpungeDistributorInstance(ctx, d.ID); err != nil {
			r.logger.Error("failed to expunge distributor instance",
				"distributor_instance_id", d.ID,
				"error", err,
			)
			continue
		}
		r.logger.Info("distributor instance expunged",
			"distributor_instance_id", d.ID,
			"cluster_id", d.ClusterID,
			"report_by", d.ReportBy,
		)
		expunged = append(expunged, d.ID)
	}
	return alive, expunged, nil
}

// reapRuns переводит потерянные runs с одним из statuses в статус to.
func (r *Reaper) reapRuns(
	ctx context.Context,
	now time.Time,
	statuses []domain.WorkflowRunStatus,
	to domain.WorkflowRunStatus,
	alive map[int64]bool,
	report *Report,
) ([]int64, error) {
	runs, err := r.store.ListWorkflowRuns(ctx, statuses)
	if err != nil {
		return nil, fmt.Errorf("list %s runs: %w", to, err)
	}

	var reaped []int64
	for i := range runs {
		run := &runs[i]
		if alive[run.ID] || !r.lost(runDeadline(run), now) {
			continue
		}

		if err := r.store.TransitionWorkflowRun(ctx, run.ID, to); err != nil {
			if errors.Is(err, repo.ErrConflict) {
				// run успел сменить статус между выборкой и записью
				r.logger.Debug("run changed concurrently", "workflow_run_id", run.ID, "error", err)
				continue
			}
			r.logger.Error("failed to reap run",
				"workflow_run_id", run.ID,
				"to", to,
				"error", err,
			)
			continue
		}

		telemetry.ReapedRuns.WithLabelValues(string(to)).Inc()
		r.logger.Warn("workflow run reaped",
			"workflow_run_id", run.ID,
			"workflow_id", run.WorkflowID,
			"from", run.Status,
			"to", to,
		)
		reaped = append(reaped, run.ID)

		if r.notify(ctx, run, to) {
			report.Notifications++
		}
	}
	return reaped, nil
}

// fixInconsistent помечает DONE workflows, у которых все tasks DONE и нет активного run.
func (r *Reaper) fixInconsistent(ctx context.Context) ([]int64, error) {
	workflows, err := r.store.ListWorkflows(ctx, unfinishedWorkflows)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	if len(workflows) == 0 {
		return nil, nil
	}

	runs, err := r.store.ListWorkflowRuns(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	active := make(map[int64]bool)
	for _, run := range runs {
		if !run.Status.IsTerminal() {
			active[run.WorkflowID] = true
		}
	}

	var fixed []int64
	for _, wf := range workflows {
		if active[wf.ID] {
			continue
		}

		counts, err := r.store.TaskStatusCounts(ctx, wf.ID)
		if err != nil {
			r.logger.Error("failed to count tasks", "workflow_id", wf.ID, "error", err)
			continue
		}
		if !allDone(counts) {
			continue
		}

		if err := r.store.SetWorkflowStatus(ctx, wf.ID, domain.WorkflowStatusDone); err != nil {
			r.logger.Error("failed to fix workflow status", "workflow_id", wf.ID, "error", err)
			continue
		}
		r.logger.Info("inconsistent workflow marked done",
			"workflow_id", wf.ID,
			"previous_status", wf.Status,
		)
		fixed = append(fixed, wf.ID)
	}
	return fixed, nil
}

// notify отправляет уведомление. Ошибка доставки только логируется.
func (r *Reaper) notify(ctx context.Context, run *domain.WorkflowRun, to domain.WorkflowRunStatus) bool {
	n := Notification{
		Channel: r.channel,
		Message: fmt.Sprintf("workflow run %d of workflow %d moved from %s to %s: controller lost",
			run.ID, run.WorkflowID, run.Status, to),
		WorkflowID:    run.WorkflowID,
		WorkflowRunID: run.ID,
		Status:        string(to),
	}
	if err := r.notifier.Notify(ctx, n); err != nil {
		r.logger.Error("failed to send notification",
			"workflow_run_id", run.ID,
			"error", err,
		)
		return false
	}
	return true
}

// lost — истёк ли срок deadline с учётом порога.
func (r *Reaper) lost(deadline, now time.Time) bool {
	return now.After(deadline.Add(r.threshold))
}

// runDeadline — report-by контроллера run. Без heartbeat — дата статуса.
func runDeadline(run *domain.WorkflowRun) time.Time {
	if run.HeartbeatDate != nil {
		return *run.HeartbeatDate
	}
	return run.StatusDate
}

func allDone(counts map[domain.TaskStatus]int) bool {
	total := 0
	for status, n := range counts {
		if status != domain.TaskStatusDone && n > 0 {
			return false
		}
		total += n
	}
	return total > 0
}
