package swarm

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shaiso/jobswarm/internal/domain"
)

// SwarmTask — task в памяти swarm с текущими ресурсами и связями.
type SwarmTask struct {
	ID          int64
	Name        string
	ArrayID     int64
	ClusterName string

	Status     domain.TaskStatus
	StatusDate time.Time

	NumAttempts int
	MaxAttempts int

	// LastInstanceStatus — статус последней попытки по данным синхронизации.
	LastInstanceStatus domain.TaskInstanceStatus

	// ResourcesID и Resources — текущая привязанная запись ресурсов.
	ResourcesID int64
	Resources   domain.Resources

	ResourceScales domain.ResourceScales
	FallbackQueues []string

	Upstream   []int64
	Downstream []int64
}

// CanRetry проверяет, остались ли попытки.
func (t *SwarmTask) CanRetry() bool {
	return t.NumAttempts < t.MaxAttempts
}

func (t *SwarmTask) setStatus(s domain.TaskStatus, at time.Time) {
	t.Status = s
	t.StatusDate = at
}

// SwarmArray — tasks одного шаблона и их потолок конкурентности.
type SwarmArray struct {
	ID                     int64
	TemplateName           string
	MaxConcurrentlyRunning int
	TaskIDs                []int64
}

// Report — итог выполнения run.
type Report struct {
	Status      domain.WorkflowRunStatus
	Total       int
	Done        int
	Failed      int
	ElapsedTime time.Duration
}

// String возвращает краткую сводку.
func (r Report) String() string {
	return fmt.Sprintf("%s: %d/%d done, %d failed in %s", r.Status, r.Done, r.Total, r.Failed, r.ElapsedTime.Round(time.Millisecond))
}

// batchKey — tasks с одинаковым ключом ставятся в очередь одним batch.
type batchKey struct {
	arrayID   int64
	cluster   string
	resources string
}

// resourcesKey — каноническое представление запроса ресурсов.
func resourcesKey(r domain.Resources) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%g|%g|%g", r.Queue, r.Cores, r.MemoryGB, r.RuntimeSec)

	keys := make([]string, 0, len(r.Extra))
	for k := range r.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "|%s=%s", k, r.Extra[k])
	}
	return b.String()
}
