// Package local — общая основа плагинов, выполняющих задания
// внутри процесса distributor (dummy, sequential, multiprocess).
package local

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/shaiso/jobswarm/internal/cluster"
	"github.com/shaiso/jobswarm/internal/domain"
)

// Config — параметры Pool.
type Config struct {
	ClusterName string
	Launch      cluster.Launcher

	// Parallelism — 0 означает без ограничения.
	Parallelism int

	DryRun bool
	Logger *slog.Logger
}

type job struct {
	cancel context.CancelFunc
	done   bool
	status domain.TaskInstanceStatus
	msg    string
}

// Pool — cluster.Distributor, выполняющий worker nodes в горутинах.
type Pool struct {
	cfg    Config
	logger *slog.Logger
	sem    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	seq     int64
	jobs    map[string]*job
	stopped bool
}

// NewPool создаёт Pool.
func NewPool(cfg Config) (*Pool, error) {
	if cfg.Launch == nil {
		return nil, cluster.ErrNoLauncher
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:    cfg,
		logger: cfg.Logger.With("cluster", cfg.ClusterName),
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*job),
	}
	if cfg.Parallelism > 0 {
		p.sem = make(chan struct{}, cfg.Parallelism)
	}
	return p, nil
}

func (p *Pool) ClusterName() string { return p.cfg.ClusterName }

// Start ничего не делает: пул готов сразу после создания.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return cluster.ErrStopped
	}
	return nil
}

// Stop отменяет все задания и ждёт их завершения.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	p.cancel()
	return p.Wait(ctx)
}

// Wait ждёт завершения всех отправленных заданий.
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit отправляет одиночное задание.
func (p *Pool) Submit(ctx context.Context, cmd, name string, r domain.Resources) (string, error) {
	c, err := cluster.ParseCommand(cmd)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return "", cluster.ErrStopped
	}

	p.seq++
	id := strconv.FormatInt(p.seq, 10)
	p.start(id, cluster.LaunchRequest{Command: c, DistributorID: id, ArrayStepID: -1, DryRun: p.cfg.DryRun}, name)
	return id, nil
}

// SubmitArray отправляет шаги steps. Distributor id шага — "<job>.<step>".
func (p *Pool) SubmitArray(ctx context.Context, cmd, name string, r domain.Resources, steps []int) (map[int]string, error) {
	c, err := cluster.ParseCommand(cmd)
	if err != nil {
		return nil, err
	}
	if !c.IsArray() {
		return nil, fmt.Errorf("%w: array submission needs --batch-id", cluster.ErrInvalidCommand)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil, cluster.ErrStopped
	}

	p.seq++
	ids := make(map[int]string, len(steps))
	for _, step := range steps {
		id := fmt.Sprintf("%d.%d", p.seq, step)
		ids[step] = id
		p.start(id, cluster.LaunchRequest{Command: c, DistributorID: id, ArrayStepID: step, DryRun: p.cfg.DryRun}, name)
	}
	return ids, nil
}

// start вызывается под mu.
func (p *Pool) start(id string, req cluster.LaunchRequest, name string) {
	ctx, cancel := context.WithCancel(p.ctx)
	j := &job{cancel: cancel}
	p.jobs[id] = j

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer cancel()

		status, err := p.run(ctx, req)

		p.mu.Lock()
		j.done = true
		j.status = status
		if err != nil {
			j.msg = err.Error()
		}
		p.mu.Unlock()

		p.logger.Debug("job finished", "distributor_id", id, "name", name, "status", status, "error", err)
	}()
}

func (p *Pool) run(ctx context.Context, req cluster.LaunchRequest) (domain.TaskInstanceStatus, error) {
	if p.sem != nil {
		select {
		case p.sem <- struct{}{}:
			defer func() { <-p.sem }()
		case <-ctx.Done():
			return domain.TaskInstanceStatusUnknownError, ctx.Err()
		}
	}
	return p.cfg.Launch(ctx, req)
}

// SubmittedOrRunning возвращает true для незавершённых заданий.
func (p *Pool) SubmittedOrRunning(ctx context.Context, ids []string) (map[string]bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		j, ok := p.jobs[id]
		out[id] = ok && !j.done
	}
	return out, nil
}

// RemoteExitInfo возвращает статус, с которым завершился worker node.
func (p *Pool) RemoteExitInfo(ctx context.Context, id string) (domain.TaskInstanceStatus, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	j, ok := p.jobs[id]
	switch {
	case !ok:
		return domain.TaskInstanceStatusUnknownError, "job " + id + " not found", nil
	case !j.done:
		return domain.TaskInstanceStatusRunning, "", nil
	case j.status.IsTerminal() && j.status != domain.TaskInstanceStatusNoDistributorID:
		return j.status, j.msg, nil
	default:
		msg := j.msg
		if msg == "" {
			msg = fmt.Sprintf("worker node exited with status %s", j.status)
		}
		return domain.TaskInstanceStatusUnknownError, msg, nil
	}
}

// QueueingErrors — у локального пула очереди нет.
func (p *Pool) QueueingErrors(ctx context.Context, ids []string) (map[string]string, error) {
	return map[string]string{}, nil
}

// Terminate отменяет задания. Неизвестные id пропускаются.
func (p *Pool) Terminate(ctx context.Context, ids []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, id := range ids {
		if j, ok := p.jobs[id]; ok && !j.done {
			j.cancel()
		}
	}
	return nil
}
