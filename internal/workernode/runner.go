package workernode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"time"

	"github.com/shaiso/jobswarm/internal/clock"
	"github.com/shaiso/jobswarm/internal/cluster"
	"github.com/shaiso/jobswarm/internal/domain"
	"github.com/shaiso/jobswarm/internal/heartbeat"
	"github.com/shaiso/jobswarm/internal/repo"
)

// Reporter — операции store, доступные worker node.
// Реализуется store напрямую или HTTP клиентом API.
type Reporter interface {
	GetTaskInstance(ctx context.Context, id int64) (*domain.TaskInstance, error)
	GetTaskInstanceByStep(ctx context.Context, batchID int64, step int) (*domain.TaskInstance, error)
	LogRunning(ctx context.Context, id int64, report repo.WorkerReport) (domain.TaskInstanceStatus, error)
	LogHeartbeat(ctx context.Context, id int64, report repo.WorkerReport) (domain.TaskInstanceStatus, error)
	LogDone(ctx context.Context, id int64, report repo.WorkerReport) error
	LogError(ctx context.Context, id int64, status domain.TaskInstanceStatus, report repo.WorkerReport) error
}

// Значения по умолчанию.
const (
	DefaultStartupTimeout = 30 * time.Second
	DefaultStartupPoll    = 500 * time.Millisecond
)

// ResourceExitCode — код выхода процесса, убитого за превышение памяти.
const ResourceExitCode = 137

// Config — конфигурация Runner.
type Config struct {
	Reporter Reporter
	Executor Executor
	Clock    clock.Clock

	// Heartbeat — интервал heartbeat и буфер report-by.
	Heartbeat heartbeat.Policy

	// StartupTimeout — сколько ждать, пока distributor переведёт попытку в LAUNCHED.
	StartupTimeout time.Duration
	StartupPoll    time.Duration

	// LogDir — каталог для stdout/stderr. Пусто — вывод отбрасывается.
	LogDir string

	// ResourceExitCodes — коды выхода, означающие ошибку ресурсов.
	ResourceExitCodes []int

	// NodeName — имя хоста. Пусто — определяется через gopsutil.
	NodeName string

	Logger *slog.Logger
}

// Runner — обёртка вокруг команды пользователя.
//
// Сообщает о запуске, держит heartbeat, пока команда выполняется,
// и сообщает итог со статистикой потребления ресурсов.
type Runner struct {
	cfg    Config
	logger *slog.Logger
}

// New создаёт Runner.
func New(cfg Config) *Runner {
	if cfg.Executor == nil {
		cfg.Executor = ShellExecutor{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	cfg.Heartbeat = heartbeat.NewPolicy(cfg.Heartbeat.Interval, cfg.Heartbeat.Buffer)
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = DefaultStartupTimeout
	}
	if cfg.StartupPoll == 0 {
		cfg.StartupPoll = DefaultStartupPoll
	}
	if len(cfg.ResourceExitCodes) == 0 {
		cfg.ResourceExitCodes = []int{ResourceExitCode}
	}
	if cfg.NodeName == "" {
		cfg.NodeName = cluster.Hostname()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Runner{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "worker_node"),
	}
}

// Launch — cluster.Launcher для локальных плагинов.
func (r *Runner) Launch(ctx context.Context, req cluster.LaunchRequest) (domain.TaskInstanceStatus, error) {
	node := cluster.NewProcessNode(req.DistributorID, req.ArrayStepID)
	if req.DryRun {
		dry := *r
		dry.cfg.Executor = NoopExecutor{}
		return dry.Run(ctx, req.Command, node)
	}
	return r.Run(ctx, req.Command, node)
}

type waitResult struct {
	info ExitInfo
	err  error
}

// Run выполняет попытку, адресованную cmd, и возвращает статус,
// о котором сообщил store. KILL_SELF возвращается без ошибки.
func (r *Runner) Run(ctx context.Context, cmd cluster.Command, node cluster.WorkerNode) (domain.TaskInstanceStatus, error) {
	ti, err := r.resolve(ctx, cmd, node)
	if err != nil {
		return domain.TaskInstanceStatusUnknownError, fmt.Errorf("resolve task instance: %w", err)
	}
	logger := r.logger.With("task_instance_id", ti.ID, "distributor_id", node.DistributorID())

	usage := domain.Usage{
		NodeName:   r.cfg.NodeName,
		StdoutPath: r.outputPath(ti, "o"),
		StderrPath: r.outputPath(ti, "e"),
	}

	status, err := r.logRunning(ctx, ti.ID, usage)
	if err != nil {
		return domain.TaskInstanceStatusUnknownError, fmt.Errorf("log running: %w", err)
	}
	if status == domain.TaskInstanceStatusKillSelf {
		logger.Info("kill self requested before start")
		return status, nil
	}

	proc, err := r.cfg.Executor.Start(ctx, ExecSpec{
		Command:    ti.Command,
		StdoutPath: usage.StdoutPath,
		StderrPath: usage.StderrPath,
	})
	if err != nil {
		logger.Error("command failed to start", "error", err)
		return r.finish(ctx, ti, usage, waitResult{info: ExitInfo{ExitCode: -1}, err: err})
	}
	logger.Info("command started", "pid", proc.Pid())

	exited := make(chan waitResult, 1)
	go func() {
		info, err := proc.Wait()
		exited <- waitResult{info: info, err: err}
	}()

	for {
		select {
		case res := <-exited:
			return r.finish(ctx, ti, usage, res)

		case <-r.cfg.Clock.After(r.cfg.Heartbeat.Interval):
			r.sample(node, proc.Pid(), &usage)

			status, err := r.cfg.Reporter.LogHeartbeat(ctx, ti.ID, r.report(usage))
			if err != nil {
				logger.Warn("heartbeat failed", "error", err)
				continue
			}
			if status == domain.TaskInstanceStatusKillSelf {
				logger.Info("kill self requested, stopping command")
				if err := proc.Kill(); err != nil {
					logger.Warn("kill failed", "error", err)
				}
				<-exited
				return status, nil
			}

		case <-ctx.Done():
			if err := proc.Kill(); err != nil {
				logger.Warn("kill failed", "error", err)
			}
			<-exited
			return domain.TaskInstanceStatusUnknownError, ctx.Err()
		}
	}
}

// resolve находит попытку по id или по batch и step id.
// Попытка array-отправки получает step id при LAUNCHED, поэтому
// ErrNotFound повторяется до StartupTimeout.
func (r *Runner) resolve(ctx context.Context, cmd cluster.Command, node cluster.WorkerNode) (*domain.TaskInstance, error) {
	get := func() (*domain.TaskInstance, error) {
		return r.cfg.Reporter.GetTaskInstance(ctx, cmd.TaskInstanceID)
	}
	if cmd.IsArray() {
		step, ok := node.ArrayStepID()
		if !ok {
			return nil, ErrNoArrayStep
		}
		get = func() (*domain.TaskInstance, error) {
			return r.cfg.Reporter.GetTaskInstanceByStep(ctx, cmd.BatchID, step)
		}
	}

	var ti *domain.TaskInstance
	err := r.retry(ctx, func() (bool, error) {
		found, err := get()
		if err != nil {
			return errors.Is(err, repo.ErrNotFound), err
		}
		ti = found
		return false, nil
	})
	return ti, err
}

// logRunning повторяет LogRunning, пока distributor не запишет LAUNCHED.
func (r *Runner) logRunning(ctx context.Context, id int64, usage domain.Usage) (domain.TaskInstanceStatus, error) {
	var status domain.TaskInstanceStatus
	err := r.retry(ctx, func() (bool, error) {
		s, err := r.cfg.Reporter.LogRunning(ctx, id, r.report(usage))
		if err == nil {
			status = s
			return false, nil
		}
		if !errors.Is(err, repo.ErrConflict) {
			return false, err
		}
		ti, getErr := r.cfg.Reporter.GetTaskInstance(ctx, id)
		if getErr != nil {
			return false, err
		}
		pending := ti.Status == domain.TaskInstanceStatusQueued || ti.Status == domain.TaskInstanceStatusInstantiated
		return pending, err
	})
	return status, err
}

func (r *Runner) retry(ctx context.Context, fn func() (bool, error)) error {
	deadline := r.cfg.Clock.Now().Add(r.cfg.StartupTimeout)
	for {
		again, err := fn()
		if !again {
			return err
		}
		if !r.cfg.Clock.Now().Before(deadline) {
			return fmt.Errorf("%w: %v", ErrStartupTimeout, err)
		}

		select {
		case <-r.cfg.Clock.After(r.cfg.StartupPoll):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Runner) finish(ctx context.Context, ti *domain.TaskInstance, usage domain.Usage, res waitResult) (domain.TaskInstanceStatus, error) {
	usage.ExitCode = res.info.ExitCode
	usage.CPUSeconds = max(usage.CPUSeconds, res.info.CPUSeconds)

	status, msg := r.classify(ti, usage, res)
	report := r.report(usage)

	var err error
	if status == domain.TaskInstanceStatusDone {
		err = r.cfg.Reporter.LogDone(ctx, ti.ID, report)
	} else {
		report.ErrorMessage = msg
		err = r.cfg.Reporter.LogError(ctx, ti.ID, status, report)
	}

	r.logger.Info("command finished",
		"task_instance_id", ti.ID,
		"status", status,
		"exit_code", usage.ExitCode,
		"maxrss_bytes", usage.MaxRSSBytes,
	)
	if err != nil {
		return status, fmt.Errorf("log %s: %w", status, err)
	}
	return status, nil
}

// classify определяет статус попытки по итогу команды.
func (r *Runner) classify(ti *domain.TaskInstance, usage domain.Usage, res waitResult) (domain.TaskInstanceStatus, string) {
	info := res.info
	switch {
	case res.err != nil:
		return domain.TaskInstanceStatusError, res.err.Error()
	case info.ExitCode == 0:
		return domain.TaskInstanceStatusDone, ""
	case slices.Contains(r.cfg.ResourceExitCodes, info.ExitCode), info.Signal == "killed":
		return domain.TaskInstanceStatusResourceError,
			fmt.Sprintf("command killed (exit code %d), likely exceeded requested resources", info.ExitCode)
	case exceedsMemory(ti.Resources, usage.MaxRSSBytes):
		return domain.TaskInstanceStatusResourceError,
			fmt.Sprintf("max rss %d bytes exceeded requested %v GB", usage.MaxRSSBytes, ti.Resources.MemoryGB)
	default:
		return domain.TaskInstanceStatusError, fmt.Sprintf("command exited with code %d", info.ExitCode)
	}
}

func exceedsMemory(r domain.Resources, maxRSS int64) bool {
	return r.MemoryGB > 0 && float64(maxRSS) > r.MemoryGB*(1<<30)
}

func (r *Runner) sample(node cluster.WorkerNode, pid int, usage *domain.Usage) {
	if pid <= 0 {
		return
	}
	u, err := node.UsageStats(pid)
	if err != nil {
		r.logger.Debug("usage stats unavailable", "pid", pid, "error", err)
		return
	}
	usage.MaxRSSBytes = max(usage.MaxRSSBytes, u.MaxRSSBytes)
	usage.CPUSeconds = max(usage.CPUSeconds, u.CPUSeconds)
}

func (r *Runner) report(usage domain.Usage) repo.WorkerReport {
	reportBy := r.cfg.Heartbeat.ReportBy(r.cfg.Clock.Now())
	u := usage
	return repo.WorkerReport{NodeName: r.cfg.NodeName, ReportBy: &reportBy, Usage: &u}
}

func (r *Runner) outputPath(ti *domain.TaskInstance, stream string) string {
	if r.cfg.LogDir == "" {
		return ""
	}
	return filepath.Join(r.cfg.LogDir, fmt.Sprintf("%s.%s%d", ti.Name, stream, ti.ID))
}
