package swarm

import (
	"context"
	"errors"
	"fmt"

	"github.com/shaiso/jobswarm/internal/domain"
	"github.com/shaiso/jobswarm/internal/engine"
	"github.com/shaiso/jobswarm/internal/telemetry"
)

// bind возвращает проверенные ресурсы task для постановки в очередь.
//
// Запрос проверяется лимитами очереди кластера. В strict режиме отказ
// переводит run в ERROR, иначе запрос приводится к лимитам. Результат
// сохраняется записью VALIDATED; tasks с одинаковым итоговым запросом
// делят одну запись.
func (s *Swarm) bind(ctx context.Context, t *SwarmTask) (validatedResources, error) {
	if v, ok := s.validated[t.ResourcesID]; ok {
		return v, nil
	}

	plugin := s.cfg.Clusters[t.ClusterName]
	q, err := plugin.Queue(t.Resources.Queue)
	if err != nil {
		return validatedResources{}, s.fail(ctx, fmt.Errorf("%w: task %d: %v", ErrInvalidResources, t.ID, err))
	}

	requested := t.Resources
	if ok, reason := q.ValidateResources(requested); !ok {
		if s.cfg.Strict {
			return validatedResources{}, s.fail(ctx, fmt.Errorf("%w: task %d: %s", ErrInvalidResources, t.ID, reason))
		}
		telemetry.WithTaskID(s.logger, t.ID).Warn("resources coerced to queue limits", "reason", reason)
	}
	requested = q.CoerceResources(requested)

	key := t.ClusterName + "|" + resourcesKey(requested)
	if v, ok := s.validatedByKey[key]; ok {
		s.validated[t.ResourcesID] = v
		return v, nil
	}

	parent := t.ResourcesID
	rec, err := s.store.CreateTaskResources(ctx, domain.TaskResources{
		ParentID:  &parent,
		Kind:      domain.ResourcesValidated,
		Requested: requested,
	})
	if err != nil {
		return validatedResources{}, fmt.Errorf("create validated resources: %w", err)
	}

	v := validatedResources{id: rec.ID, resources: rec.Requested}
	s.validated[t.ResourcesID] = v
	s.validated[rec.ID] = v
	s.validatedByKey[key] = v
	return v, nil
}

// escalate увеличивает ресурсы task после ошибки ресурсов и возвращает
// его в очередь готовых. Предыдущая запись не изменяется: создаётся
// новая запись ADJUSTED.
func (s *Swarm) escalate(ctx context.Context, t *SwarmTask) error {
	plugin := s.cfg.Clusters[t.ClusterName]
	q, err := plugin.Queue(t.Resources.Queue)
	if err != nil {
		return err
	}

	fallbacks := make([]engine.QueueLimit, 0, len(t.FallbackQueues))
	for _, name := range t.FallbackQueues {
		fb, err := plugin.Queue(name)
		if err != nil {
			s.logger.Warn("fallback queue skipped", "task_id", t.ID, "queue", name, "error", err)
			continue
		}
		fallbacks = append(fallbacks, engine.QueueLimit{Name: fb.Name(), Max: fb.Max()})
	}

	next, err := engine.Escalate(t.Resources, t.ResourceScales, s.cfg.ScaleFuncs,
		engine.QueueLimit{Name: q.Name(), Max: q.Max()}, fallbacks)
	if err != nil {
		return err
	}

	parent := t.ResourcesID
	rec, err := s.store.CreateTaskResources(ctx, domain.TaskResources{
		ParentID:  &parent,
		Kind:      domain.ResourcesAdjusted,
		Requested: next,
	})
	if err != nil {
		return fmt.Errorf("create adjusted resources: %w", err)
	}
	if err := s.store.SetTaskResources(ctx, t.ID, rec.ID); err != nil {
		return fmt.Errorf("set task resources: %w", err)
	}

	t.ResourcesID = rec.ID
	t.Resources = rec.Requested
	telemetry.ResourceEscalations.Inc()
	telemetry.WithTaskID(s.logger, t.ID).Info("resources escalated",
		"queue", next.Queue,
		"memory_gb", next.MemoryGB,
		"runtime_sec", next.RuntimeSec,
	)
	return nil
}

// fail переводит run в ERROR и возвращает cause.
func (s *Swarm) fail(ctx context.Context, cause error) error {
	if err := s.store.TransitionWorkflowRun(ctx, s.run.ID, domain.WorkflowRunStatusError); err != nil {
		return errors.Join(cause, fmt.Errorf("transition run to %s: %w", domain.WorkflowRunStatusError, err))
	}
	s.status = domain.WorkflowRunStatusError
	s.logger.Error("workflow run failed", "error", cause)
	return cause
}
