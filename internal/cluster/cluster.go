package cluster

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shaiso/jobswarm/internal/domain"
)

// Queue — очередь кластера с лимитами ресурсов.
type Queue interface {
	// Name возвращает имя очереди.
	Name() string

	// ValidateResources проверяет запрос. При отказе возвращает причину.
	ValidateResources(r domain.Resources) (bool, string)

	// CoerceResources приводит запрос к лимитам очереди.
	CoerceResources(r domain.Resources) domain.Resources

	// Max возвращает лимиты очереди. Нулевое измерение — без лимита.
	Max() domain.Resources
}

// Distributor — отправка и контроль заданий в кластере.
type Distributor interface {
	ClusterName() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// Submit отправляет одно задание и возвращает distributor id.
	Submit(ctx context.Context, cmd, name string, r domain.Resources) (string, error)

	// SubmitArray отправляет array с шагами steps. Step id назначены store
	// и передаются worker node как есть. Возвращает distributor id по step id.
	SubmitArray(ctx context.Context, cmd, name string, r domain.Resources, steps []int) (map[int]string, error)

	// SubmittedOrRunning сообщает, какие задания кластер ещё знает.
	SubmittedOrRunning(ctx context.Context, ids []string) (map[string]bool, error)

	// RemoteExitInfo возвращает итог завершившегося задания.
	// RUNNING означает, что задание ещё выполняется.
	RemoteExitInfo(ctx context.Context, id string) (domain.TaskInstanceStatus, string, error)

	// QueueingErrors возвращает задания, застрявшие в очереди с ошибкой.
	QueueingErrors(ctx context.Context, ids []string) (map[string]string, error)

	Terminate(ctx context.Context, ids []string) error
}

// WorkerNode — сведения о среде, в которой запущен worker node.
type WorkerNode interface {
	DistributorID() string

	// ArrayStepID возвращает step id для array-отправки.
	ArrayStepID() (int, bool)

	// UsageStats снимает потребление ресурсов процессом pid.
	UsageStats(pid int) (domain.Usage, error)
}

// Plugin — реализация кластера.
type Plugin interface {
	Name() string
	Queue(name string) (Queue, error)
	Distributor() Distributor
	WorkerNode() WorkerNode
}

// LaunchRequest — запуск worker node внутри процесса distributor.
type LaunchRequest struct {
	Command       Command
	DistributorID string

	// ArrayStepID — -1 для одиночной отправки.
	ArrayStepID int

	// DryRun — не выполнять команду пользователя.
	DryRun bool
}

// Launcher запускает worker node и возвращает статус, с которым тот завершился.
type Launcher func(ctx context.Context, req LaunchRequest) (domain.TaskInstanceStatus, error)

// Options — параметры конструктора плагина.
type Options struct {
	ClusterName string

	// Queues — лимиты по имени очереди. Пустая карта — любая очередь без лимитов.
	Queues map[string]domain.Resources

	// Parallelism — число одновременно выполняемых заданий (multiprocess).
	Parallelism int

	// Launch — запуск worker node для локальных плагинов.
	Launch Launcher

	Logger *slog.Logger
}

// Queue возвращает очередь по имени согласно Queues.
func (o Options) Queue(name string) (Queue, error) {
	if len(o.Queues) == 0 {
		return NewLimitQueue(name, domain.Resources{}), nil
	}
	max, ok := o.Queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}
	return NewLimitQueue(name, max), nil
}

// Log возвращает логгер или slog.Default().
func (o Options) Log() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}
