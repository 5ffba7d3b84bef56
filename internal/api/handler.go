package api

import (
	"context"
	"log/slog"

	"github.com/shaiso/jobswarm/internal/domain"
	"github.com/shaiso/jobswarm/internal/repo"
)

// Store — операции store, нужные API.
type Store interface {
	GetTaskInstance(ctx context.Context, id int64) (*domain.TaskInstance, error)
	GetTaskInstanceByStep(ctx context.Context, batchID int64, step int) (*domain.TaskInstance, error)
	LogRunning(ctx context.Context, id int64, report repo.WorkerReport) (domain.TaskInstanceStatus, error)
	LogHeartbeat(ctx context.Context, id int64, report repo.WorkerReport) (domain.TaskInstanceStatus, error)
	LogDone(ctx context.Context, id int64, report repo.WorkerReport) error
	LogError(ctx context.Context, id int64, status domain.TaskInstanceStatus, report repo.WorkerReport) error

	GetWorkflowRun(ctx context.Context, id int64) (*domain.WorkflowRun, error)
	ResumeWorkflowRun(ctx context.Context, id int64, mode repo.ResumeMode) error
	GetWorkflow(ctx context.Context, id int64) (*domain.Workflow, error)
	SetWorkflowMaxConcurrency(ctx context.Context, id int64, limit int) error
	SetArrayMaxConcurrency(ctx context.Context, id int64, limit int) error

	ListTasks(ctx context.Context, workflowID int64) ([]domain.Task, error)
	TaskStatusCounts(ctx context.Context, workflowID int64) (map[domain.TaskStatus]int, error)
	GetTask(ctx context.Context, id int64) (*domain.Task, error)
	ForceTaskStatus(ctx context.Context, id int64, to domain.TaskStatus) error
}

// Events — публикация статусов попыток (mq.Publisher).
type Events interface {
	PublishInstanceStatus(ctx context.Context, ti *domain.TaskInstance) error
}

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	store  Store
	events Events
	logger *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Store  Store
	Events Events // опционально
	Logger *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:  cfg.Store,
		events: cfg.Events,
		logger: logger,
	}
}
