package domain

// TaskStatus — статус task.
//
// Жизненный цикл:
//
//	REGISTERING → QUEUED → INSTANTIATING → LAUNCHED → RUNNING → DONE
//	RUNNING → ERROR_RECOVERABLE → QUEUED (остались попытки)
//	                            ↘ ADJUSTING_RESOURCES → QUEUED (ошибка ресурсов)
//	                            ↘ ERROR_FATAL (попытки исчерпаны)
type TaskStatus string

const (
	// TaskStatusRegistering — task зарегистрирован, ждёт зависимостей.
	TaskStatusRegistering TaskStatus = "REGISTERING"

	// TaskStatusQueued — task поставлен в очередь swarm'ом, ждёт distributor.
	TaskStatusQueued TaskStatus = "QUEUED"

	// TaskStatusInstantiating — distributor создаёт команду для отправки.
	TaskStatusInstantiating TaskStatus = "INSTANTIATING"

	// TaskStatusLaunched — отправлен в кластер, ещё не подтвердил запуск.
	TaskStatusLaunched TaskStatus = "LAUNCHED"

	// TaskStatusRunning — worker node сообщил о запуске.
	TaskStatusRunning TaskStatus = "RUNNING"

	// TaskStatusDone — успешно завершён.
	TaskStatusDone TaskStatus = "DONE"

	// TaskStatusErrorRecoverable — попытка упала, можно повторить.
	TaskStatusErrorRecoverable TaskStatus = "ERROR_RECOVERABLE"

	// TaskStatusAdjustingResources — swarm подбирает новые ресурсы после ошибки ресурсов.
	TaskStatusAdjustingResources TaskStatus = "ADJUSTING_RESOURCES"

	// TaskStatusErrorFatal — окончательная ошибка.
	TaskStatusErrorFatal TaskStatus = "ERROR_FATAL"
)

// IsTerminal возвращает true для финальных статусов.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusDone || s == TaskStatusErrorFatal
}

// IsActive возвращает true, если task занимает слот конкурентности.
func (s TaskStatus) IsActive() bool {
	switch s {
	case TaskStatusQueued, TaskStatusInstantiating, TaskStatusLaunched, TaskStatusRunning:
		return true
	default:
		return false
	}
}

// TaskInstanceStatus — статус попытки выполнения task.
type TaskInstanceStatus string

const (
	TaskInstanceStatusQueued          TaskInstanceStatus = "QUEUED"
	TaskInstanceStatusInstantiated    TaskInstanceStatus = "INSTANTIATED"
	TaskInstanceStatusNoDistributorID TaskInstanceStatus = "NO_DISTRIBUTOR_ID"
	TaskInstanceStatusLaunched        TaskInstanceStatus = "LAUNCHED"
	TaskInstanceStatusRunning         TaskInstanceStatus = "RUNNING"
	TaskInstanceStatusTriaging        TaskInstanceStatus = "TRIAGING"
	TaskInstanceStatusKillSelf        TaskInstanceStatus = "KILL_SELF"
	TaskInstanceStatusDone            TaskInstanceStatus = "DONE"
	TaskInstanceStatusError           TaskInstanceStatus = "ERROR"
	TaskInstanceStatusUnknownError    TaskInstanceStatus = "UNKNOWN_ERROR"
	TaskInstanceStatusResourceError   TaskInstanceStatus = "RESOURCE_ERROR"
	TaskInstanceStatusErrorFatal      TaskInstanceStatus = "ERROR_FATAL"
)

// IsTerminal возвращает true для финальных статусов попытки.
func (s TaskInstanceStatus) IsTerminal() bool {
	switch s {
	case TaskInstanceStatusDone,
		TaskInstanceStatusError,
		TaskInstanceStatusUnknownError,
		TaskInstanceStatusResourceError,
		TaskInstanceStatusErrorFatal,
		TaskInstanceStatusNoDistributorID:
		return true
	default:
		return false
	}
}

// IsInFlight возвращает true, если попытка отправлена в кластер и должна отчитываться.
func (s TaskInstanceStatus) IsInFlight() bool {
	return s == TaskInstanceStatusLaunched || s == TaskInstanceStatusRunning
}

// WorkflowRunStatus — статус запуска workflow.
type WorkflowRunStatus string

const (
	WorkflowRunStatusRegistered   WorkflowRunStatus = "REGISTERED"
	WorkflowRunStatusLinking      WorkflowRunStatus = "LINKING"
	WorkflowRunStatusBound        WorkflowRunStatus = "BOUND"
	WorkflowRunStatusInstantiated WorkflowRunStatus = "INSTANTIATED"
	WorkflowRunStatusLaunched     WorkflowRunStatus = "LAUNCHED"
	WorkflowRunStatusRunning      WorkflowRunStatus = "RUNNING"
	WorkflowRunStatusDone         WorkflowRunStatus = "DONE"
	WorkflowRunStatusError        WorkflowRunStatus = "ERROR"
	WorkflowRunStatusAborted      WorkflowRunStatus = "ABORTED"
	WorkflowRunStatusStopped      WorkflowRunStatus = "STOPPED"
	WorkflowRunStatusColdResume   WorkflowRunStatus = "COLD_RESUME"
	WorkflowRunStatusHotResume    WorkflowRunStatus = "HOT_RESUME"
	WorkflowRunStatusTerminated   WorkflowRunStatus = "TERMINATED"
)

// IsTerminal возвращает true, если run завершён.
func (s WorkflowRunStatus) IsTerminal() bool {
	switch s {
	case WorkflowRunStatusDone,
		WorkflowRunStatusError,
		WorkflowRunStatusAborted,
		WorkflowRunStatusStopped,
		WorkflowRunStatusTerminated:
		return true
	default:
		return false
	}
}

// IsResuming возвращает true, если для run запрошен resume.
func (s WorkflowRunStatus) IsResuming() bool {
	return s == WorkflowRunStatusColdResume || s == WorkflowRunStatusHotResume
}

// WorkflowStatus — агрегированный статус workflow.
type WorkflowStatus string

const (
	WorkflowStatusRegistering WorkflowStatus = "REGISTERING"
	WorkflowStatusQueued      WorkflowStatus = "QUEUED"
	WorkflowStatusRunning     WorkflowStatus = "RUNNING"
	WorkflowStatusDone        WorkflowStatus = "DONE"
	WorkflowStatusFailed      WorkflowStatus = "FAILED"
	WorkflowStatusHalted      WorkflowStatus = "HALTED"
	WorkflowStatusAborted     WorkflowStatus = "ABORTED"
)

// WorkflowStatusFor возвращает статус workflow, соответствующий статусу его run.
func WorkflowStatusFor(s WorkflowRunStatus) WorkflowStatus {
	switch s {
	case WorkflowRunStatusRegistered, WorkflowRunStatusLinking, WorkflowRunStatusBound:
		return WorkflowStatusQueued
	case WorkflowRunStatusDone:
		return WorkflowStatusDone
	case WorkflowRunStatusError:
		return WorkflowStatusFailed
	case WorkflowRunStatusAborted:
		return WorkflowStatusAborted
	case WorkflowRunStatusStopped, WorkflowRunStatusTerminated,
		WorkflowRunStatusColdResume, WorkflowRunStatusHotResume:
		return WorkflowStatusHalted
	default:
		return WorkflowStatusRunning
	}
}
