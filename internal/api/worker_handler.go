package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/shaiso/jobswarm/internal/domain"
)

// GetTaskInstance возвращает попытку по ID.
// GET /api/v1/task_instances/{id}
func (h *Handler) GetTaskInstance(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id", "invalid task instance id")
	if !ok {
		return
	}

	ti, err := h.store.GetTaskInstance(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "task instance not found") {
		return
	}
	Success(w, ti)
}

// GetTaskInstanceByStep находит попытку array-отправки по batch и step.
// GET /api/v1/batches/{id}/steps/{step}
func (h *Handler) GetTaskInstanceByStep(w http.ResponseWriter, r *http.Request) {
	batchID, ok := pathID(w, r, "id", "invalid batch id")
	if !ok {
		return
	}
	step, err := strconv.Atoi(r.PathValue("step"))
	if err != nil || step < 0 {
		BadRequest(w, "invalid step")
		return
	}

	ti, err := h.store.GetTaskInstanceByStep(r.Context(), batchID, step)
	if HandleRepoError(w, h.logger, err, "task instance not found") {
		return
	}
	Success(w, ti)
}

// LogRunning — worker node запустил команду.
// POST /api/v1/task_instances/{id}/log_running
func (h *Handler) LogRunning(w http.ResponseWriter, r *http.Request) {
	id, req, ok := h.decodeReport(w, r)
	if !ok {
		return
	}

	status, err := h.store.LogRunning(r.Context(), id, req.Report())
	if HandleRepoError(w, h.logger, err, "task instance not found") {
		return
	}
	h.publish(r, id, status)
	Success(w, StatusResponse{Status: status})
}

// LogHeartbeat — worker node продлевает report-by.
// POST /api/v1/task_instances/{id}/log_heartbeat
func (h *Handler) LogHeartbeat(w http.ResponseWriter, r *http.Request) {
	id, req, ok := h.decodeReport(w, r)
	if !ok {
		return
	}

	status, err := h.store.LogHeartbeat(r.Context(), id, req.Report())
	if HandleRepoError(w, h.logger, err, "task instance not found") {
		return
	}
	Success(w, StatusResponse{Status: status})
}

// LogDone — команда завершилась успешно.
// POST /api/v1/task_instances/{id}/log_done
func (h *Handler) LogDone(w http.ResponseWriter, r *http.Request) {
	id, req, ok := h.decodeReport(w, r)
	if !ok {
		return
	}

	err := h.store.LogDone(r.Context(), id, req.Report())
	if HandleRepoError(w, h.logger, err, "task instance not found") {
		return
	}
	h.publish(r, id, domain.TaskInstanceStatusDone)
	Success(w, StatusResponse{Status: domain.TaskInstanceStatusDone})
}

// LogError — команда завершилась с ошибкой.
// POST /api/v1/task_instances/{id}/log_error
func (h *Handler) LogError(w http.ResponseWriter, r *http.Request) {
	id, req, ok := h.decodeReport(w, r)
	if !ok {
		return
	}

	switch req.Status {
	case "":
		req.Status = domain.TaskInstanceStatusError
	case domain.TaskInstanceStatusError, domain.TaskInstanceStatusResourceError,
		domain.TaskInstanceStatusUnknownError, domain.TaskInstanceStatusErrorFatal:
	default:
		BadRequest(w, "invalid error status "+string(req.Status))
		return
	}

	err := h.store.LogError(r.Context(), id, req.Status, req.Report())
	if HandleRepoError(w, h.logger, err, "task instance not found") {
		return
	}
	h.publish(r, id, req.Status)
	Success(w, StatusResponse{Status: req.Status})
}

// decodeReport разбирает id попытки и тело отчёта. Пустое тело допустимо.
func (h *Handler) decodeReport(w http.ResponseWriter, r *http.Request) (int64, WorkerReportRequest, bool) {
	var req WorkerReportRequest

	id, ok := pathID(w, r, "id", "invalid task instance id")
	if !ok {
		return 0, req, false
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		BadRequest(w, "invalid request body")
		return 0, req, false
	}
	return id, req, true
}

// publish отправляет событие о статусе попытки. Ошибка публикации не влияет на ответ.
func (h *Handler) publish(r *http.Request, id int64, status domain.TaskInstanceStatus) {
	if h.events == nil || status == domain.TaskInstanceStatusKillSelf {
		return
	}

	ti, err := h.store.GetTaskInstance(r.Context(), id)
	if err != nil {
		h.logger.Warn("failed to load task instance for event", "task_instance_id", id, "error", err)
		return
	}
	if err := h.events.PublishInstanceStatus(r.Context(), ti); err != nil {
		h.logger.Warn("failed to publish task instance status",
			"task_instance_id", id,
			"status", ti.Status,
			"error", err,
		)
	}
}

// pathID разбирает положительный int64 из path-параметра.
func pathID(w http.ResponseWriter, r *http.Request, name, msg string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		BadRequest(w, msg)
		return 0, false
	}
	return id, true
}
