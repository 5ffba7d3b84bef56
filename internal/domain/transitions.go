package domain

import (
	"errors"
	"fmt"
)

// ErrIllegalTransition — переход отсутствует в таблице допустимых переходов.
var ErrIllegalTransition = errors.New("illegal status transition")

// TransitionError описывает отклонённый переход.
type TransitionError struct {
	Entity string
	ID     int64
	From   string
	To     string
}

// Error реализует интерфейс error.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %d: %s -> %s", e.Entity, e.ID, e.From, e.To)
}

// Unwrap возвращает ErrIllegalTransition.
func (e *TransitionError) Unwrap() error {
	return ErrIllegalTransition
}

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusRegistering:   {TaskStatusQueued},
	TaskStatusQueued:        {TaskStatusInstantiating, TaskStatusErrorRecoverable, TaskStatusErrorFatal},
	TaskStatusInstantiating: {TaskStatusLaunched, TaskStatusErrorRecoverable, TaskStatusErrorFatal},
	TaskStatusLaunched:      {TaskStatusRunning, TaskStatusDone, TaskStatusErrorRecoverable, TaskStatusErrorFatal},
	TaskStatusRunning:       {TaskStatusDone, TaskStatusErrorRecoverable, TaskStatusErrorFatal},
	TaskStatusErrorRecoverable: {
		TaskStatusQueued, TaskStatusAdjustingResources, TaskStatusErrorFatal,
	},
	TaskStatusAdjustingResources: {TaskStatusQueued},
}

var taskInstanceTransitions = map[TaskInstanceStatus][]TaskInstanceStatus{
	TaskInstanceStatusQueued: {TaskInstanceStatusInstantiated, TaskInstanceStatusKillSelf},
	TaskInstanceStatusInstantiated: {
		TaskInstanceStatusLaunched, TaskInstanceStatusNoDistributorID, TaskInstanceStatusKillSelf,
	},
	TaskInstanceStatusLaunched: {
		TaskInstanceStatusRunning, TaskInstanceStatusDone, TaskInstanceStatusError,
		TaskInstanceStatusResourceError, TaskInstanceStatusErrorFatal,
		TaskInstanceStatusKillSelf, TaskInstanceStatusTriaging,
	},
	TaskInstanceStatusRunning: {
		TaskInstanceStatusDone, TaskInstanceStatusError, TaskInstanceStatusResourceError,
		TaskInstanceStatusErrorFatal, TaskInstanceStatusTriaging, TaskInstanceStatusKillSelf,
	},
	TaskInstanceStatusTriaging: {
		TaskInstanceStatusRunning, TaskInstanceStatusDone, TaskInstanceStatusError,
		TaskInstanceStatusUnknownError, TaskInstanceStatusResourceError,
		TaskInstanceStatusErrorFatal, TaskInstanceStatusKillSelf,
	},
	TaskInstanceStatusKillSelf: {TaskInstanceStatusErrorFatal, TaskInstanceStatusUnknownError},
}

var workflowRunTransitions = map[WorkflowRunStatus][]WorkflowRunStatus{
	WorkflowRunStatusRegistered: {WorkflowRunStatusLinking, WorkflowRunStatusBound, WorkflowRunStatusAborted},
	WorkflowRunStatusLinking:    {WorkflowRunStatusBound, WorkflowRunStatusAborted},
	WorkflowRunStatusBound: {
		WorkflowRunStatusInstantiated, WorkflowRunStatusAborted,
		WorkflowRunStatusColdResume, WorkflowRunStatusHotResume,
	},
	WorkflowRunStatusInstantiated: {
		WorkflowRunStatusLaunched, WorkflowRunStatusError,
		WorkflowRunStatusColdResume, WorkflowRunStatusHotResume,
	},
	WorkflowRunStatusLaunched: {
		WorkflowRunStatusRunning, WorkflowRunStatusError,
		WorkflowRunStatusColdResume, WorkflowRunStatusHotResume,
	},
	WorkflowRunStatusRunning: {
		WorkflowRunStatusDone, WorkflowRunStatusError, WorkflowRunStatusStopped,
		WorkflowRunStatusColdResume, WorkflowRunStatusHotResume,
	},
	WorkflowRunStatusColdResume: {WorkflowRunStatusTerminated},
	WorkflowRunStatusHotResume:  {WorkflowRunStatusTerminated},
}

// CanTransition проверяет, есть ли переход from → to в таблице task.
func (from TaskStatus) CanTransition(to TaskStatus) bool {
	for _, s := range taskTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanForce проверяет административный переход (ручной reset).
// Любой нетерминальный статус можно перевести в ERROR_FATAL,
// любой статус — обратно в REGISTERING.
func (from TaskStatus) CanForce(to TaskStatus) bool {
	switch to {
	case TaskStatusErrorFatal:
		return !from.IsTerminal()
	case TaskStatusRegistering:
		return true
	default:
		return from.CanTransition(to)
	}
}

// Reachable проверяет, может ли to наблюдаться после from,
// если между двумя чтениями прошло несколько допустимых переходов.
// Из терминального статуса не достижимо ничего.
func (from TaskStatus) Reachable(to TaskStatus) bool {
	if from == to {
		return false
	}
	seen := map[TaskStatus]bool{from: true}
	queue := []TaskStatus{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range taskTransitions[cur] {
			if next == to {
				return true
			}
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

// CanTransition проверяет, есть ли переход from → to в таблице task instance.
func (from TaskInstanceStatus) CanTransition(to TaskInstanceStatus) bool {
	for _, s := range taskInstanceTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanTransition проверяет, есть ли переход from → to в таблице workflow run.
func (from WorkflowRunStatus) CanTransition(to WorkflowRunStatus) bool {
	for _, s := range workflowRunTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TaskStatusFor возвращает статус task, который должен отразить переход попытки.
// Второе значение false — переход попытки не меняет task (TRIAGING, KILL_SELF, QUEUED).
func TaskStatusFor(s TaskInstanceStatus) (TaskStatus, bool) {
	switch s {
	case TaskInstanceStatusInstantiated:
		return TaskStatusInstantiating, true
	case TaskInstanceStatusLaunched:
		return TaskStatusLaunched, true
	case TaskInstanceStatusRunning:
		return TaskStatusRunning, true
	case TaskInstanceStatusDone:
		return TaskStatusDone, true
	case TaskInstanceStatusNoDistributorID,
		TaskInstanceStatusError,
		TaskInstanceStatusUnknownError,
		TaskInstanceStatusResourceError:
		return TaskStatusErrorRecoverable, true
	case TaskInstanceStatusErrorFatal:
		return TaskStatusErrorFatal, true
	default:
		return "", false
	}
}
