package domain

import "time"

// Workflow — набор tasks со связями, выполняемый одним или несколькими runs.
type Workflow struct {
	ID     int64          `json:"id"`
	Name   string         `json:"name"`
	Status WorkflowStatus `json:"status"`

	// MaxConcurrentlyRunning — потолок одновременно активных tasks.
	// 0 — dispatch приостановлен.
	MaxConcurrentlyRunning int `json:"max_concurrently_running"`

	CreatedAt time.Time `json:"created_at"`
}

// WorkflowRun — одна попытка выполнения workflow целиком.
//
// Для одного workflow активным (нетерминальным) может быть только один run.
type WorkflowRun struct {
	ID         int64             `json:"id"`
	WorkflowID int64             `json:"workflow_id"`
	Status     WorkflowRunStatus `json:"status"`
	StatusDate time.Time         `json:"status_date"`

	// HeartbeatDate — крайний срок следующего heartbeat контроллера (swarm).
	HeartbeatDate *time.Time `json:"heartbeat_date,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Node — вершина DAG: параметризованный шаблон работы.
type Node struct {
	ID           int64             `json:"id"`
	TemplateName string            `json:"template_name"`
	Args         map[string]string `json:"args,omitempty"`
}

// Edge — рёбра узла. Upstream A у B означает Downstream B у A.
type Edge struct {
	NodeID     int64   `json:"node_id"`
	Upstream   []int64 `json:"upstream"`
	Downstream []int64 `json:"downstream"`
}

// Array — группа tasks одного шаблона внутри workflow.
type Array struct {
	ID           int64  `json:"id"`
	WorkflowID   int64  `json:"workflow_id"`
	TemplateName string `json:"template_name"`

	// MaxConcurrentlyRunning — потолок для array. 0 — array на паузе.
	MaxConcurrentlyRunning int `json:"max_concurrently_running"`
}

// Batch — попытки с одинаковыми кластером, ресурсами и array,
// отправляемые одним запросом.
type Batch struct {
	ID            int64   `json:"id"`
	ClusterID     int64   `json:"cluster_id"`
	ResourcesID   int64   `json:"resources_id"`
	ArrayID       int64   `json:"array_id"`
	WorkflowRunID int64   `json:"workflow_run_id"`
	TaskIDs       []int64 `json:"task_ids"`
}

// Cluster — зарегистрированный кластер и тип его плагина.
type Cluster struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// DistributorInstance — работающий процесс distributor.
type DistributorInstance struct {
	ID        int64 `json:"id"`
	ClusterID int64 `json:"cluster_id"`

	// WorkflowRunID — nil для distributor уровня кластера.
	WorkflowRunID *int64 `json:"workflow_run_id,omitempty"`

	ReportBy time.Time `json:"report_by"`

	// Expunged — процесс завершён или пожат reaper'ом, liveness не проверяется.
	Expunged bool `json:"expunged"`
}

// Alive проверяет liveness на момент now.
func (d *DistributorInstance) Alive(now time.Time) bool {
	return !d.Expunged && !now.After(d.ReportBy)
}
