package memory

import (
	"context"
	"sort"
	"time"

	"github.com/shaiso/jobswarm/internal/domain"
	"github.com/shaiso/jobswarm/internal/repo"
)

// CreateWorkflowRun создаёт run в статусе BOUND.
//
// Незавершённые tasks сбрасываются в REGISTERING с обнулёнными попытками,
// DONE tasks остаются DONE. Если у workflow уже есть активный run — ErrConflict.
func (s *Store) CreateWorkflowRun(ctx context.Context, workflowID int64) (*domain.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[workflowID]
	if !ok {
		return nil, repo.ErrNotFound
	}
	for _, r := range s.runs {
		if r.WorkflowID == workflowID && !r.Status.IsTerminal() {
			return nil, repo.ErrConflict
		}
	}

	now := s.now()
	for _, t := range s.tasks {
		if t.WorkflowID != workflowID || t.Status == domain.TaskStatusDone {
			continue
		}
		t.Status = domain.TaskStatusRegistering
		t.StatusDate = now
		t.NumAttempts = 0
	}

	run := &domain.WorkflowRun{
		ID:         s.nextID(),
		WorkflowID: workflowID,
		Status:     domain.WorkflowRunStatusBound,
		StatusDate: now,
		CreatedAt:  now,
	}
	s.runs[run.ID] = run
	wf.Status = domain.WorkflowStatusFor(run.Status)

	cp := *run
	return &cp, nil
}

// GetWorkflowRun возвращает run по ID.
func (s *Store) GetWorkflowRun(ctx context.Context, id int64) (*domain.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return copyRun(r), nil
}

// ListWorkflowRuns возвращает runs с заданными статусами (пустой список — все).
func (s *Store) ListWorkflowRuns(ctx context.Context, statuses []domain.WorkflowRunStatus) ([]domain.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.WorkflowRun
	for _, r := range s.runs {
		if len(statuses) > 0 && !containsRunStatus(statuses, r.Status) {
			continue
		}
		out = append(out, *copyRun(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// TransitionWorkflowRun переводит run в статус to и обновляет статус workflow.
func (s *Store) TransitionWorkflowRun(ctx context.Context, id int64, to domain.WorkflowRunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.transitionRun(id, to)
}

// transitionRun вызывается под mu.
func (s *Store) transitionRun(id int64, to domain.WorkflowRunStatus) error {
	r, ok := s.runs[id]
	if !ok {
		return repo.ErrNotFound
	}
	if r.Status == to {
		return nil
	}
	if !r.Status.CanTransition(to) {
		return repo.Conflict("workflow_run", id, string(r.Status), string(to))
	}
	r.Status = to
	r.StatusDate = s.now()
	if wf, ok := s.workflows[r.WorkflowID]; ok {
		wf.Status = domain.WorkflowStatusFor(to)
	}
	return nil
}

// HeartbeatWorkflowRun продлевает heartbeat run (монотонно) и возвращает текущий статус.
func (s *Store) HeartbeatWorkflowRun(ctx context.Context, id int64, reportBy time.Time) (domain.WorkflowRunStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[id]
	if !ok {
		return "", repo.ErrNotFound
	}
	if r.HeartbeatDate == nil || reportBy.After(*r.HeartbeatDate) {
		rb := reportBy
		r.HeartbeatDate = &rb
	}
	return r.Status, nil
}

// ResumeWorkflowRun запрашивает resume run.
//
// Cold resume переводит все незавершённые попытки run в KILL_SELF,
// hot resume оставляет их доигрывать.
func (s *Store) ResumeWorkflowRun(ctx context.Context, id int64, mode repo.ResumeMode) error {
	to, ok := mode.RunStatus()
	if !ok {
		return repo.ErrInvalidState
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.transitionRun(id, to); err != nil {
		return err
	}
	if mode != repo.ResumeCold {
		return nil
	}

	now := s.now()
	for _, ti := range s.instances {
		if ti.WorkflowRunID != id || ti.Status.IsTerminal() {
			continue
		}
		if ti.Status.CanTransition(domain.TaskInstanceStatusKillSelf) {
			ti.Status = domain.TaskInstanceStatusKillSelf
			ti.StatusDate = now
		}
	}
	return nil
}

func copyRun(r *domain.WorkflowRun) *domain.WorkflowRun {
	cp := *r
	if r.HeartbeatDate != nil {
		hb := *r.HeartbeatDate
		cp.HeartbeatDate = &hb
	}
	return &cp
}

func containsRunStatus(list []domain.WorkflowRunStatus, s domain.WorkflowRunStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
