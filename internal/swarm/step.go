package swarm

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shaiso/jobswarm/internal/domain"
	"github.com/shaiso/jobswarm/internal/repo"
	"github.com/shaiso/jobswarm/internal/telemetry"
)

// Step выполняет одну итерацию swarm:
//
//  1. heartbeat run и проверка запроса resume;
//  2. синхронизация статусов tasks со store;
//  3. обработка ERROR_RECOVERABLE (повтор, эскалация ресурсов или ERROR_FATAL);
//  4. постановка готовых tasks в очередь с учётом конкурентности;
//  5. проверка завершения run.
//
// Возвращает статус run после итерации.
func (s *Swarm) Step(ctx context.Context) (domain.WorkflowRunStatus, error) {
	if !s.loaded {
		return "", ErrNotLoaded
	}
	if s.status.IsTerminal() {
		return s.status, nil
	}

	telemetry.SwarmIterations.Inc()

	status, err := s.store.HeartbeatWorkflowRun(ctx, s.run.ID, s.cfg.Heartbeat.ReportBy(s.clock.Now()))
	if err != nil {
		return s.status, fmt.Errorf("heartbeat: %w", err)
	}
	if status.IsResuming() {
		return s.terminate(ctx)
	}
	if status.IsTerminal() {
		s.status = status
		return status, nil
	}

	if err := s.synchronize(ctx); err != nil {
		return s.status, err
	}
	if err := s.handleErrors(ctx); err != nil {
		return s.status, err
	}
	if err := s.refreshConcurrency(ctx); err != nil {
		return s.status, err
	}

	if !s.failFast {
		if err := s.dispatch(ctx); err != nil {
			return s.status, err
		}
	}

	s.observe()
	return s.complete(ctx)
}

// terminate завершает run, для которого запрошен resume.
func (s *Swarm) terminate(ctx context.Context) (domain.WorkflowRunStatus, error) {
	if err := s.store.TransitionWorkflowRun(ctx, s.run.ID, domain.WorkflowRunStatusTerminated); err != nil {
		return s.status, fmt.Errorf("terminate run: %w", err)
	}
	s.status = domain.WorkflowRunStatusTerminated
	s.logger.Info("resume requested, workflow run terminated")
	return s.status, nil
}

// synchronize применяет изменения статусов из store.
//
// Строка отбрасывается, если она старше состояния в памяти или её статус
// недостижим из текущего. Раз в WedgedWorkflowSyncInterval выполняется
// полная синхронизация: она же подхватывает административные переходы
// (reset в REGISTERING, принудительный ERROR_FATAL).
func (s *Swarm) synchronize(ctx context.Context) error {
	now := s.clock.Now()
	since := s.lastSync.Add(-SyncOverlap)
	full := s.lastFullSync.IsZero() || now.Sub(s.lastFullSync) >= s.cfg.WedgedWorkflowSyncInterval
	if full {
		since = time.Time{}
	}

	rows, storeNow, err := s.store.TaskStatusUpdates(ctx, s.workflowID, since)
	if err != nil {
		return fmt.Errorf("sync task statuses: %w", err)
	}

	for _, row := range rows {
		t, ok := s.tasks[row.TaskID]
		if !ok {
			continue
		}
		if row.Status == t.Status {
			t.NumAttempts = row.NumAttempts
			t.LastInstanceStatus = row.LastInstanceStatus
			if row.StatusDate.After(t.StatusDate) {
				t.StatusDate = row.StatusDate
			}
			continue
		}
		if row.StatusDate.Before(t.StatusDate) || !s.acceptable(t.Status, row.Status, full) {
			s.logger.Warn("stale task status dropped",
				"task_id", t.ID,
				"status", t.Status,
				"row_status", row.Status,
				"row_status_date", row.StatusDate,
			)
			telemetry.StaleUpdates.Inc()
			continue
		}

		t.setStatus(row.Status, row.StatusDate)
		t.NumAttempts = row.NumAttempts
		t.LastInstanceStatus = row.LastInstanceStatus
	}

	s.lastSync = storeNow
	if full {
		s.lastFullSync = now
	}
	return nil
}

// acceptable проверяет, может ли task перейти из from в to по строке синхронизации.
func (s *Swarm) acceptable(from, to domain.TaskStatus, full bool) bool {
	if from.Reachable(to) {
		return true
	}
	return full && from.CanForce(to)
}

// handleErrors разбирает tasks в ERROR_RECOVERABLE.
//
// Ошибка ресурсов с оставшимися попытками эскалирует ресурсы через
// ADJUSTING_RESOURCES. Прочие ошибки с оставшимися попытками ждут
// повторной постановки. Без попыток task переходит в ERROR_FATAL.
func (s *Swarm) handleErrors(ctx context.Context) error {
	for _, id := range s.order {
		t := s.tasks[id]
		if t.Status != domain.TaskStatusErrorRecoverable {
			continue
		}
		log := telemetry.WithTaskID(s.logger, t.ID)

		if !t.CanRetry() {
			if err := s.transition(ctx, t, domain.TaskStatusErrorFatal); err != nil {
				return err
			}
			if t.Status != domain.TaskStatusErrorFatal {
				continue
			}
			log.Warn("task failed, no attempts left", "attempts", t.NumAttempts)
			if s.cfg.FailFast {
				s.failFast = true
			}
			continue
		}

		if t.LastInstanceStatus != domain.TaskInstanceStatusResourceError {
			continue
		}
		if err := s.transition(ctx, t, domain.TaskStatusAdjustingResources); err != nil {
			return err
		}
		if t.Status != domain.TaskStatusAdjustingResources {
			continue
		}
		if err := s.escalate(ctx, t); err != nil {
			return fmt.Errorf("escalate resources of task %d: %w", t.ID, err)
		}
	}

	if s.cfg.FailFast && !s.failFast {
		for _, t := range s.tasks {
			if t.Status == domain.TaskStatusErrorFatal {
				s.failFast = true
				break
			}
		}
	}
	return nil
}

// transition переводит task в store и в памяти.
// Конфликт означает, что store ушёл вперёд: состояние подтянет следующая синхронизация.
func (s *Swarm) transition(ctx context.Context, t *SwarmTask, to domain.TaskStatus) error {
	at, err := s.store.TransitionTask(ctx, t.ID, t.Status, to)
	if errors.Is(err, repo.ErrConflict) {
		s.logger.Warn("task transition conflict", "task_id", t.ID, "from", t.Status, "to", to, "error", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("transition task %d to %s: %w", t.ID, to, err)
	}
	t.setStatus(to, at)
	return nil
}

// ready возвращает tasks, которые можно поставить в очередь, в топологическом порядке.
func (s *Swarm) ready() []*SwarmTask {
	var out []*SwarmTask
	for _, id := range s.order {
		t := s.tasks[id]
		switch t.Status {
		case domain.TaskStatusErrorRecoverable, domain.TaskStatusAdjustingResources:
			out = append(out, t)
		case domain.TaskStatusRegistering:
			if s.upstreamDone(t) {
				out = append(out, t)
			}
		}
	}
	return out
}

func (s *Swarm) upstreamDone(t *SwarmTask) bool {
	for _, up := range t.Upstream {
		if u, ok := s.tasks[up]; !ok || u.Status != domain.TaskStatusDone {
			return false
		}
	}
	return true
}

// active считает tasks, занимающие слоты: всего и по arrays.
func (s *Swarm) active() (int, map[int64]int) {
	total := 0
	perArray := make(map[int64]int)
	for _, t := range s.tasks {
		if t.Status.IsActive() {
			total++
			perArray[t.ArrayID]++
		}
	}
	return total, perArray
}

// dispatch ставит готовые tasks в очередь, не превышая потолки workflow и arrays.
func (s *Swarm) dispatch(ctx context.Context) error {
	ready := s.ready()
	if len(ready) == 0 {
		return nil
	}

	total, perArray := s.active()
	free := s.maxRunning - total

	var order []batchKey
	groups := make(map[batchKey][]*SwarmTask)
	for _, t := range ready {
		if free <= 0 {
			break
		}
		if a, ok := s.arrays[t.ArrayID]; ok && perArray[t.ArrayID] >= a.MaxConcurrentlyRunning {
			continue
		}

		res, err := s.bind(ctx, t)
		if err != nil {
			return err
		}

		key := batchKey{arrayID: t.ArrayID, cluster: t.ClusterName, resources: resourcesKey(res.resources)}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], t)
		perArray[t.ArrayID]++
		free--
	}

	for _, key := range order {
		if err := s.queue(ctx, key, groups[key]); err != nil {
			return err
		}
	}
	return nil
}

// queue ставит в очередь один batch.
// Tasks batch используют запись ресурсов первого task: содержимое у них совпадает.
func (s *Swarm) queue(ctx context.Context, key batchKey, tasks []*SwarmTask) error {
	first := s.validated[tasks[0].ResourcesID]
	ids := make([]int64, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}

	res, err := s.store.QueueTaskBatch(ctx, repo.QueueBatchRequest{
		WorkflowRunID: s.run.ID,
		ArrayID:       key.arrayID,
		ClusterID:     s.clusterIDs[key.cluster],
		ResourcesID:   first.id,
		TaskIDs:       ids,
	})
	if err != nil {
		return fmt.Errorf("queue batch: %w", err)
	}

	skipped := make(map[int64]bool, len(res.Skipped))
	for _, id := range res.Skipped {
		skipped[id] = true
		s.logger.Warn("task not queued", "task_id", id, "status", s.tasks[id].Status)
	}

	queued := 0
	for _, t := range tasks {
		if skipped[t.ID] {
			continue
		}
		t.setStatus(domain.TaskStatusQueued, res.StatusDate)
		t.NumAttempts++
		t.ResourcesID = first.id
		t.Resources = first.resources
		queued++
	}

	if queued > 0 {
		telemetry.TasksQueued.Add(float64(queued))
		s.logger.Info("batch queued",
			"batch_id", res.Batch.ID,
			"array_id", key.arrayID,
			"cluster", key.cluster,
			"tasks", queued,
		)
	}
	return nil
}

// complete проверяет завершение run.
//
// Run DONE, когда все tasks DONE. Run ERROR, когда активных tasks нет и
// продвинуться нельзя: сработал fail-fast или готовых tasks не осталось.
func (s *Swarm) complete(ctx context.Context) (domain.WorkflowRunStatus, error) {
	done, active, fatal := 0, 0, 0
	for _, t := range s.tasks {
		switch {
		case t.Status == domain.TaskStatusDone:
			done++
		case t.Status == domain.TaskStatusErrorFatal:
			fatal++
		case t.Status.IsActive():
			active++
		}
	}

	var to domain.WorkflowRunStatus
	switch {
	case done == len(s.tasks):
		to = domain.WorkflowRunStatusDone
	case active > 0:
		return s.status, nil
	case s.failFast && fatal > 0:
		to = domain.WorkflowRunStatusError
	case fatal > 0 && len(s.ready()) == 0:
		to = domain.WorkflowRunStatusError
	default:
		return s.status, nil
	}

	if err := s.store.TransitionWorkflowRun(ctx, s.run.ID, to); err != nil {
		return s.status, fmt.Errorf("transition run to %s: %w", to, err)
	}
	s.status = to
	s.logger.Info("workflow run finished", "status", to, "done", done, "failed", fatal)
	return to, nil
}

// observe обновляет метрики распределения статусов.
func (s *Swarm) observe() {
	counts := make(map[domain.TaskStatus]int)
	for _, t := range s.tasks {
		counts[t.Status]++
	}
	run := strconv.FormatInt(s.run.ID, 10)
	for _, st := range []domain.TaskStatus{
		domain.TaskStatusRegistering, domain.TaskStatusQueued, domain.TaskStatusInstantiating,
		domain.TaskStatusLaunched, domain.TaskStatusRunning, domain.TaskStatusDone,
		domain.TaskStatusErrorRecoverable, domain.TaskStatusAdjustingResources, domain.TaskStatusErrorFatal,
	} {
		telemetry.SwarmTasks.WithLabelValues(run, string(st)).Set(float64(counts[st]))
	}
}
