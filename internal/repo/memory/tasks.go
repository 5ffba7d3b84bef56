package memory

import (
	"context"
	"sort"
	"time"

	"github.com/shaiso/jobswarm/internal/domain"
	"github.com/shaiso/jobswarm/internal/repo"
)

// ListTasks возвращает tasks workflow.
func (s *Store) ListTasks(ctx context.Context, workflowID int64) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Task
	for _, t := range s.tasks {
		if t.WorkflowID == workflowID {
			out = append(out, copyTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetTask возвращает task по ID.
func (s *Store) GetTask(ctx context.Context, id int64) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := copyTask(t)
	return &cp, nil
}

// TaskStatusUpdates возвращает статусы tasks workflow, изменённые не раньше since.
// Нулевой since — полная синхронизация. Второе значение — время store
// на момент чтения, его следует передать как since в следующий раз.
func (s *Store) TaskStatusUpdates(ctx context.Context, workflowID int64, since time.Time) ([]domain.TaskStatusUpdate, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var out []domain.TaskStatusUpdate
	for _, t := range s.tasks {
		if t.WorkflowID != workflowID || t.StatusDate.Before(since) {
			continue
		}
		u := domain.TaskStatusUpdate{
			TaskID:      t.ID,
			Status:      t.Status,
			StatusDate:  t.StatusDate,
			NumAttempts: t.NumAttempts,
		}
		if id, ok := s.lastInstance[t.ID]; ok {
			u.LastInstanceStatus = s.instances[id].Status
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, now, nil
}

// TransitionTask переводит task из from в to.
// Возвращает status_date записи. ErrConflict, если текущий статус не from
// или переход недопустим.
func (s *Store) TransitionTask(ctx context.Context, id int64, from, to domain.TaskStatus) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return time.Time{}, repo.ErrNotFound
	}
	if t.Status != from || !from.CanTransition(to) {
		return time.Time{}, repo.Conflict("task", id, string(t.Status), string(to))
	}
	t.Status = to
	t.StatusDate = s.now()
	return t.StatusDate, nil
}

// ForceTaskStatus — административный переход (reset).
// REGISTERING обнуляет попытки.
func (s *Store) ForceTaskStatus(ctx context.Context, id int64, to domain.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return repo.ErrNotFound
	}
	if !t.Status.CanForce(to) {
		return repo.Conflict("task", id, string(t.Status), string(to))
	}
	t.Status = to
	t.StatusDate = s.now()
	if to == domain.TaskStatusRegistering {
		t.NumAttempts = 0
	}
	return nil
}

// GetTaskResources возвращает запись ресурсов.
func (s *Store) GetTaskResources(ctx context.Context, id int64) (*domain.TaskResources, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.resources[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return copyResources(r), nil
}

// CreateTaskResources сохраняет новую неизменяемую запись ресурсов.
func (s *Store) CreateTaskResources(ctx context.Context, tr domain.TaskResources) (*domain.TaskResources, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tr.ParentID != nil {
		if _, ok := s.resources[*tr.ParentID]; !ok {
			return nil, repo.ErrNotFound
		}
	}
	rec := copyResources(&tr)
	rec.ID = s.nextID()
	rec.CreatedAt = s.now()
	s.resources[rec.ID] = rec
	return copyResources(rec), nil
}

// SetTaskResources привязывает task к записи ресурсов.
func (s *Store) SetTaskResources(ctx context.Context, taskID, resourcesID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return repo.ErrNotFound
	}
	if _, ok := s.resources[resourcesID]; !ok {
		return repo.ErrNotFound
	}
	t.ResourcesID = resourcesID
	return nil
}

// QueueTaskBatch ставит tasks в очередь одним batch.
//
// Каждый task переходит в QUEUED (попытки +1) и получает новую попытку
// QUEUED. Tasks в недопустимом статусе или с нетерминальной попыткой
// пропускаются. Если поставить нечего — batch не создаётся.
func (s *Store) QueueTaskBatch(ctx context.Context, req repo.QueueBatchRequest) (*repo.QueueBatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[req.WorkflowRunID]; !ok {
		return nil, repo.ErrNotFound
	}
	res, ok := s.resources[req.ResourcesID]
	if !ok {
		return nil, repo.ErrNotFound
	}

	now := s.now()
	result := &repo.QueueBatchResult{StatusDate: now}

	var eligible []*domain.Task
	for _, id := range req.TaskIDs {
		t, ok := s.tasks[id]
		if !ok || !t.Status.CanTransition(domain.TaskStatusQueued) || s.hasLiveInstance(id) {
			result.Skipped = append(result.Skipped, id)
			continue
		}
		eligible = append(eligible, t)
	}
	if len(eligible) == 0 {
		return result, nil
	}

	batch := &domain.Batch{
		ID:            s.nextID(),
		ClusterID:     req.ClusterID,
		ResourcesID:   req.ResourcesID,
		ArrayID:       req.ArrayID,
		WorkflowRunID: req.WorkflowRunID,
	}

	for i, t := range eligible {
		t.Status = domain.TaskStatusQueued
		t.StatusDate = now
		t.NumAttempts++
		t.ResourcesID = req.ResourcesID

		ti := &domain.TaskInstance{
			ID:            s.nextID(),
			TaskID:        t.ID,
			WorkflowRunID: req.WorkflowRunID,
			ArrayID:       req.ArrayID,
			BatchID:       batch.ID,
			ClusterID:     req.ClusterID,
			ArrayStepID:   arrayStep(i, len(eligible)),
			Status:        domain.TaskInstanceStatusQueued,
			StatusDate:    now,
			Command:       t.Command,
			Name:          t.Name,
			ResourcesID:   req.ResourcesID,
			Resources:     res.Requested.Clone(),
		}
		s.instances[ti.ID] = ti
		s.lastInstance[t.ID] = ti.ID

		batch.TaskIDs = append(batch.TaskIDs, t.ID)
		result.Instances = append(result.Instances, copyInstance(ti))
	}

	s.batches[batch.ID] = batch
	cp := *batch
	cp.TaskIDs = append([]int64(nil), batch.TaskIDs...)
	result.Batch = &cp
	return result, nil
}

// hasLiveInstance вызывается под mu.
func (s *Store) hasLiveInstance(taskID int64) bool {
	id, ok := s.lastInstance[taskID]
	if !ok {
		return false
	}
	return !s.instances[id].Status.IsTerminal()
}

// GetBatch возвращает batch по ID.
func (s *Store) GetBatch(ctx context.Context, id int64) (*domain.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *b
	cp.TaskIDs = append([]int64(nil), b.TaskIDs...)
	return &cp, nil
}

func copyTask(t *domain.Task) domain.Task {
	cp := *t
	cp.UpstreamIDs = append([]int64(nil), t.UpstreamIDs...)
	cp.FallbackQueues = append([]string(nil), t.FallbackQueues...)
	if t.ResourceScales != nil {
		cp.ResourceScales = make(domain.ResourceScales, len(t.ResourceScales))
		for k, v := range t.ResourceScales {
			cp.ResourceScales[k] = v
		}
	}
	return cp
}

func copyResources(r *domain.TaskResources) *domain.TaskResources {
	cp := *r
	cp.Requested = r.Requested.Clone()
	if r.ParentID != nil {
		p := *r.ParentID
		cp.ParentID = &p
	}
	return &cp
}

// arrayStep — step id попытки в batch из n tasks. Одиночный batch без step id.
func arrayStep(i, n int) int {
	if n < 2 {
		return -1
	}
	return i
}
