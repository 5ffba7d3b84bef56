package cluster

import (
	"fmt"
	"os"
	"strconv"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/shaiso/jobswarm/internal/domain"
)

// Переменные окружения, через которые кластер сообщает worker node
// его distributor id и step id.
const (
	EnvDistributorID = "JOBSWARM_DISTRIBUTOR_ID"
	EnvArrayStepID   = "JOBSWARM_ARRAY_STEP_ID"
)

// ProcessNode — WorkerNode для процесса на текущем хосте.
// Потребление ресурсов снимается через gopsutil.
type ProcessNode struct {
	ID string

	// Step — -1, если отправка не array.
	Step int
}

// NewProcessNode создаёт узел с известными distributor id и step id.
func NewProcessNode(id string, step int) *ProcessNode {
	return &ProcessNode{ID: id, Step: step}
}

// NodeFromEnv читает distributor id и step id из окружения.
func NodeFromEnv() *ProcessNode {
	n := &ProcessNode{ID: os.Getenv(EnvDistributorID), Step: -1}
	if v := os.Getenv(EnvArrayStepID); v != "" {
		if step, err := strconv.Atoi(v); err == nil {
			n.Step = step
		}
	}
	return n
}

func (n *ProcessNode) DistributorID() string { return n.ID }

func (n *ProcessNode) ArrayStepID() (int, bool) {
	return n.Step, n.Step >= 0
}

// UsageStats возвращает текущий RSS и суммарное CPU время процесса.
func (n *ProcessNode) UsageStats(pid int) (domain.Usage, error) {
	u := domain.Usage{NodeName: Hostname()}

	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return u, fmt.Errorf("process %d: %w", pid, err)
	}
	if mem, err := p.MemoryInfo(); err == nil {
		u.MaxRSSBytes = int64(mem.RSS)
	}
	if times, err := p.Times(); err == nil {
		u.CPUSeconds = times.User + times.System
	}
	return u, nil
}

// Hostname возвращает имя хоста (gopsutil, с откатом на os.Hostname).
func Hostname() string {
	if info, err := host.Info(); err == nil && info.Hostname != "" {
		return info.Hostname
	}
	name, _ := os.Hostname()
	return name
}
