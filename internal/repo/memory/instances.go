package memory

import (
	"context"
	"sort"
	"time"

	"github.com/shaiso/jobswarm/internal/domain"
	"github.com/shaiso/jobswarm/internal/repo"
)

// ListTaskInstances возвращает попытки по фильтру, упорядоченные по batch и id.
func (s *Store) ListTaskInstances(ctx context.Context, filter repo.InstanceFilter) ([]domain.TaskInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.TaskInstance
	for _, ti := range s.instances {
		if filter.Match(ti) {
			out = append(out, copyInstance(ti))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BatchID != out[j].BatchID {
			return out[i].BatchID < out[j].BatchID
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// GetTaskInstance возвращает попытку по ID.
func (s *Store) GetTaskInstance(ctx context.Context, id int64) (*domain.TaskInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ti, ok := s.instances[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := copyInstance(ti)
	return &cp, nil
}

// GetTaskInstanceByStep возвращает попытку array-отправки по batch и step id.
func (s *Store) GetTaskInstanceByStep(ctx context.Context, batchID int64, step int) (*domain.TaskInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ti := range s.instances {
		if ti.BatchID == batchID && ti.ArrayStepID == step {
			cp := copyInstance(ti)
			return &cp, nil
		}
	}
	return nil, repo.ErrNotFound
}

// TransitionTaskInstance переводит попытку из from по tr и отражает переход в task.
func (s *Store) TransitionTaskInstance(ctx context.Context, id int64, from domain.TaskInstanceStatus, tr domain.InstanceTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ti, ok := s.instances[id]
	if !ok {
		return repo.ErrNotFound
	}
	if ti.Status != from {
		return repo.Conflict("task_instance", id, string(ti.Status), string(tr.To))
	}
	if err := s.applyInstance(ti, tr.To); err != nil {
		return err
	}

	if tr.DistributorID != "" {
		ti.DistributorID = tr.DistributorID
	}
	if tr.DistributorInstanceID != nil {
		d := *tr.DistributorInstanceID
		ti.DistributorInstanceID = &d
	}
	if tr.ReportBy != nil {
		rb := *tr.ReportBy
		ti.ReportBy = &rb
	}
	if tr.ArrayStepID != nil {
		ti.ArrayStepID = *tr.ArrayStepID
	}
	if tr.ErrorMessage != "" {
		ti.ErrorMessage = tr.ErrorMessage
	}
	return nil
}

// RenewTaskInstances продлевает report-by нетерминальных попыток (монотонно).
func (s *Store) RenewTaskInstances(ctx context.Context, ids []int64, reportBy time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		ti, ok := s.instances[id]
		if !ok || ti.Status.IsTerminal() {
			continue
		}
		renew(ti, reportBy)
	}
	return nil
}

// LogRunning — worker node сообщает о запуске.
// KILL_SELF возвращается без ошибки: worker должен завершиться.
func (s *Store) LogRunning(ctx context.Context, id int64, report repo.WorkerReport) (domain.TaskInstanceStatus, error) {
	return s.logAlive(id, report)
}

// LogHeartbeat — worker node продлевает report-by.
// Heartbeat из LAUNCHED/TRIAGING подтверждает, что попытка выполняется.
func (s *Store) LogHeartbeat(ctx context.Context, id int64, report repo.WorkerReport) (domain.TaskInstanceStatus, error) {
	return s.logAlive(id, report)
}

func (s *Store) logAlive(id int64, report repo.WorkerReport) (domain.TaskInstanceStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ti, ok := s.instances[id]
	if !ok {
		return "", repo.ErrNotFound
	}

	switch ti.Status {
	case domain.TaskInstanceStatusKillSelf:
		return ti.Status, nil
	case domain.TaskInstanceStatusLaunched, domain.TaskInstanceStatusTriaging:
		if err := s.applyInstance(ti, domain.TaskInstanceStatusRunning); err != nil {
			return ti.Status, err
		}
	case domain.TaskInstanceStatusRunning:
	default:
		return ti.Status, repo.Conflict("task_instance", id, string(ti.Status), string(domain.TaskInstanceStatusRunning))
	}

	applyReport(ti, report)
	return ti.Status, nil
}

// LogDone — worker node сообщает об успешном завершении.
func (s *Store) LogDone(ctx context.Context, id int64, report repo.WorkerReport) error {
	return s.LogError(ctx, id, domain.TaskInstanceStatusDone, report)
}

// LogError — worker node сообщает о завершении с ошибкой (или DONE через LogDone).
func (s *Store) LogError(ctx context.Context, id int64, status domain.TaskInstanceStatus, report repo.WorkerReport) error {
	if !status.IsTerminal() || status == domain.TaskInstanceStatusNoDistributorID {
		return repo.ErrInvalidState
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ti, ok := s.instances[id]
	if !ok {
		return repo.ErrNotFound
	}
	if err := s.applyInstance(ti, status); err != nil {
		return err
	}
	applyReport(ti, report)
	if report.ErrorMessage != "" {
		ti.ErrorMessage = report.ErrorMessage
	}
	return nil
}

// applyInstance вызывается под mu: проверяет переход, ставит status_date
// и отражает переход в task. Недопустимое отражение пропускается:
// task мог быть переведён оператором.
func (s *Store) applyInstance(ti *domain.TaskInstance, to domain.TaskInstanceStatus) error {
	if !ti.Status.CanTransition(to) {
		return repo.Conflict("task_instance", ti.ID, string(ti.Status), string(to))
	}
	now := s.now()
	ti.Status = to
	ti.StatusDate = now

	target, ok := domain.TaskStatusFor(to)
	if !ok {
		return nil
	}
	t, ok := s.tasks[ti.TaskID]
	if !ok || t.Status == target || !t.Status.CanTransition(target) {
		return nil
	}
	t.Status = target
	t.StatusDate = now
	return nil
}

func applyReport(ti *domain.TaskInstance, r repo.WorkerReport) {
	if r.NodeName != "" {
		ti.NodeName = r.NodeName
	}
	if r.ReportBy != nil {
		renew(ti, *r.ReportBy)
	}
	if u := r.Usage; u != nil {
		if u.NodeName != "" {
			ti.NodeName = u.NodeName
		}
		if u.StdoutPath != "" {
			ti.StdoutPath = u.StdoutPath
		}
		if u.StderrPath != "" {
			ti.StderrPath = u.StderrPath
		}
		if u.MaxRSSBytes > 0 {
			ti.MaxRSSBytes = u.MaxRSSBytes
		}
		if u.CPUSeconds > 0 {
			ti.CPUSeconds = u.CPUSeconds
		}
	}
}

func renew(ti *domain.TaskInstance, reportBy time.Time) {
	if ti.ReportBy == nil || reportBy.After(*ti.ReportBy) {
		rb := reportBy
		ti.ReportBy = &rb
	}
}

func copyInstance(ti *domain.TaskInstance) domain.TaskInstance {
	cp := *ti
	cp.Resources = ti.Resources.Clone()
	if ti.ReportBy != nil {
		rb := *ti.ReportBy
		cp.ReportBy = &rb
	}
	if ti.DistributorInstanceID != nil {
		d := *ti.DistributorInstanceID
		cp.DistributorInstanceID = &d
	}
	return cp
}
