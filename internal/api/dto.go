package api

import (
	"time"

	"github.com/shaiso/jobswarm/internal/domain"
	"github.com/shaiso/jobswarm/internal/repo"
)

// Worker node DTOs

// WorkerReportRequest — тело log_running / log_heartbeat / log_done / log_error.
type WorkerReportRequest struct {
	NodeName     string        `json:"node_name,omitempty"`
	ReportBy     *time.Time    `json:"report_by,omitempty"`
	Usage        *domain.Usage `json:"usage,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`

	// Status — только для log_error: ERROR, RESOURCE_ERROR, UNKNOWN_ERROR, ERROR_FATAL.
	Status domain.TaskInstanceStatus `json:"status,omitempty"`
}

// Report конвертирует запрос в repo.WorkerReport.
func (r WorkerReportRequest) Report() repo.WorkerReport {
	return repo.WorkerReport{
		NodeName:     r.NodeName,
		ReportBy:     r.ReportBy,
		Usage:        r.Usage,
		ErrorMessage: r.ErrorMessage,
	}
}

// ReportFromWorker строит тело запроса из repo.WorkerReport.
func ReportFromWorker(r repo.WorkerReport) WorkerReportRequest {
	return WorkerReportRequest{
		NodeName:     r.NodeName,
		ReportBy:     r.ReportBy,
		Usage:        r.Usage,
		ErrorMessage: r.ErrorMessage,
	}
}

// StatusResponse — текущий статус попытки после отчёта.
// KILL_SELF означает, что worker node должен завершиться.
type StatusResponse struct {
	Status domain.TaskInstanceStatus `json:"status"`
}

// Run DTOs

// RunStatusResponse — run, его workflow и распределение tasks по статусам.
type RunStatusResponse struct {
	Run        domain.WorkflowRun        `json:"workflow_run"`
	Workflow   domain.Workflow           `json:"workflow"`
	TaskCounts map[domain.TaskStatus]int `json:"task_counts"`
	Total      int                       `json:"total"`
}

// ConcurrencyRequest — новый потолок конкурентности. 0 — пауза.
type ConcurrencyRequest struct {
	MaxConcurrentlyRunning *int `json:"max_concurrently_running"`
}

// ResumeRequest — запрос resume run.
type ResumeRequest struct {
	Mode repo.ResumeMode `json:"mode"`
}

// ResetRequest — административный перевод task.
// Пустой Status означает REGISTERING.
type ResetRequest struct {
	Status domain.TaskStatus `json:"status,omitempty"`
}
