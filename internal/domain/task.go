package domain

import "time"

// Task — единица работы, привязанная к узлу DAG внутри одного workflow.
//
// Task создаётся при bind workflow и живёт дольше отдельных run:
// при resume новый run подхватывает незавершённые tasks.
type Task struct {
	// ID — идентификатор task.
	ID int64 `json:"id"`

	// WorkflowID — workflow, которому принадлежит task.
	WorkflowID int64 `json:"workflow_id"`

	// NodeID — узел DAG.
	NodeID int64 `json:"node_id"`

	// ArrayID — array, через который task отправляется пачкой.
	ArrayID int64 `json:"array_id"`

	// Name — имя task (уникально внутри workflow).
	Name string `json:"name"`

	// Command — отрендеренная команда.
	Command string `json:"command"`

	// ClusterName — кластер, на котором выполняется task.
	ClusterName string `json:"cluster_name"`

	// Status — текущий статус.
	Status TaskStatus `json:"status"`

	// StatusDate — время последней смены статуса.
	StatusDate time.Time `json:"status_date"`

	// MaxAttempts — максимальное число попыток.
	MaxAttempts int `json:"max_attempts"`

	// NumAttempts — число созданных попыток.
	NumAttempts int `json:"num_attempts"`

	// ResourcesID — текущая привязанная запись TaskResources.
	ResourcesID int64 `json:"resources_id"`

	// ResourceScales — правила эскалации ресурсов.
	ResourceScales ResourceScales `json:"resource_scales,omitempty"`

	// FallbackQueues — очереди, в которые можно перейти, если эскалация превысила лимит текущей.
	FallbackQueues []string `json:"fallback_queues,omitempty"`

	// UpstreamIDs — tasks, от которых зависит этот task.
	UpstreamIDs []int64 `json:"upstream_ids,omitempty"`
}

// CanRetry проверяет, остались ли попытки.
func (t *Task) CanRetry() bool {
	return t.NumAttempts < t.MaxAttempts
}

// TaskStatusUpdate — строка синхронизации статуса task.
type TaskStatusUpdate struct {
	TaskID     int64      `json:"task_id"`
	Status     TaskStatus `json:"status"`
	StatusDate time.Time  `json:"status_date"`

	// NumAttempts — число попыток по данным store.
	NumAttempts int `json:"num_attempts"`

	// LastInstanceStatus — статус последней попытки (нужен для различения ошибки ресурсов).
	LastInstanceStatus TaskInstanceStatus `json:"last_instance_status,omitempty"`
}

// TaskInstance — конкретная попытка выполнения task.
type TaskInstance struct {
	ID            int64 `json:"id"`
	TaskID        int64 `json:"task_id"`
	WorkflowRunID int64 `json:"workflow_run_id"`
	ArrayID       int64 `json:"array_id"`
	BatchID       int64 `json:"batch_id"`
	ClusterID     int64 `json:"cluster_id"`

	// ArrayStepID — позиция в batch (0..N-1), назначается при постановке
	// в очередь. -1 для batch из одной task.
	ArrayStepID int `json:"array_step_id"`

	// DistributorInstanceID — процесс distributor, отправивший попытку.
	DistributorInstanceID *int64 `json:"distributor_instance_id,omitempty"`

	// DistributorID — идентификатор задания, выданный кластером.
	DistributorID string `json:"distributor_id,omitempty"`

	Status     TaskInstanceStatus `json:"status"`
	StatusDate time.Time          `json:"status_date"`

	// ReportBy — крайний срок следующего heartbeat.
	ReportBy *time.Time `json:"report_by,omitempty"`

	// Command и Name копируются из task на момент постановки в очередь.
	Command string `json:"command"`
	Name    string `json:"name"`

	ResourcesID int64     `json:"resources_id"`
	Resources   Resources `json:"resources"`

	StdoutPath   string  `json:"stdout_path,omitempty"`
	StderrPath   string  `json:"stderr_path,omitempty"`
	NodeName     string  `json:"node_name,omitempty"`
	MaxRSSBytes  int64   `json:"maxrss_bytes,omitempty"`
	CPUSeconds   float64 `json:"cpu_seconds,omitempty"`
	ErrorMessage string  `json:"error_message,omitempty"`
}

// Expired проверяет, истёк ли report-by на момент now.
func (ti *TaskInstance) Expired(now time.Time) bool {
	return ti.ReportBy != nil && now.After(*ti.ReportBy)
}

// InstanceTransition — параметры перехода попытки.
type InstanceTransition struct {
	To                    TaskInstanceStatus
	DistributorID         string
	DistributorInstanceID *int64
	ReportBy              *time.Time
	ArrayStepID           *int
	ErrorMessage          string
}

// Usage — статистика потребления ресурсов, присланная worker node.
type Usage struct {
	NodeName    string  `json:"node_name,omitempty"`
	StdoutPath  string  `json:"stdout_path,omitempty"`
	StderrPath  string  `json:"stderr_path,omitempty"`
	MaxRSSBytes int64   `json:"maxrss_bytes,omitempty"`
	CPUSeconds  float64 `json:"cpu_seconds,omitempty"`
	ExitCode    int     `json:"exit_code"`
}
