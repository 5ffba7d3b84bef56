package repo

import (
	"time"

	"github.com/shaiso/jobswarm/internal/domain"
)

// InstanceFilter — фильтр выборки попыток для distributor.
type InstanceFilter struct {
	// ClusterID — 0 означает любой кластер.
	ClusterID int64

	// WorkflowRunID — nil означает все runs (distributor уровня кластера).
	WorkflowRunID *int64

	// Statuses — пустой список означает любой статус.
	Statuses []domain.TaskInstanceStatus
}

// Match проверяет попытку на соответствие фильтру.
func (f InstanceFilter) Match(ti *domain.TaskInstance) bool {
	if f.ClusterID != 0 && ti.ClusterID != f.ClusterID {
		return false
	}
	if f.WorkflowRunID != nil && ti.WorkflowRunID != *f.WorkflowRunID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if ti.Status == s {
			return true
		}
	}
	return false
}

// QueueBatchRequest — постановка в очередь группы tasks одного array,
// с одинаковыми ресурсами и кластером.
type QueueBatchRequest struct {
	WorkflowRunID int64
	ArrayID       int64
	ClusterID     int64
	ResourcesID   int64
	TaskIDs       []int64
}

// QueueBatchResult — итог постановки.
type QueueBatchResult struct {
	Batch *domain.Batch

	// Instances — созданные попытки в порядке Batch.TaskIDs.
	Instances []domain.TaskInstance

	// Skipped — tasks, которые не удалось поставить (недопустимый статус
	// или уже есть нетерминальная попытка).
	Skipped []int64

	// StatusDate — время перехода поставленных tasks в QUEUED.
	StatusDate time.Time
}

// DistributorFilter — фильтр процессов distributor.
type DistributorFilter struct {
	WorkflowRunID   *int64
	IncludeExpunged bool
}

// ResumeMode — режим resume.
type ResumeMode string

const (
	// ResumeCold — запущенные попытки получают KILL_SELF.
	ResumeCold ResumeMode = "cold"

	// ResumeHot — запущенные попытки доигрывают.
	ResumeHot ResumeMode = "hot"
)

// RunStatus возвращает статус run для режима resume.
func (m ResumeMode) RunStatus() (domain.WorkflowRunStatus, bool) {
	switch m {
	case ResumeCold:
		return domain.WorkflowRunStatusColdResume, true
	case ResumeHot:
		return domain.WorkflowRunStatusHotResume, true
	default:
		return "", false
	}
}

// WorkerReport — данные, присланные worker node вместе с переходом.
type WorkerReport struct {
	NodeName     string
	ReportBy     *time.Time
	Usage        *domain.Usage
	ErrorMessage string
}
