package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/shaiso/jobswarm/internal/domain"
)

// SetArrayConcurrency меняет потолок array. 0 ставит array на паузу.
// PUT /api/v1/arrays/{id}/max_concurrently_running
func (h *Handler) SetArrayConcurrency(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id", "invalid array id")
	if !ok {
		return
	}
	limit, ok := decodeConcurrency(w, r)
	if !ok {
		return
	}

	if err := h.store.SetArrayMaxConcurrency(r.Context(), id, limit); HandleRepoError(w, h.logger, err, "array not found") {
		return
	}
	h.logger.Info("array concurrency changed", "array_id", id, "max_concurrently_running", limit)
	NoContent(w)
}

// ResetTask — административный перевод task в REGISTERING или ERROR_FATAL.
// Сброс в REGISTERING swarm видит при полной синхронизации.
// POST /api/v1/tasks/{id}/reset
func (h *Handler) ResetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id", "invalid task id")
	if !ok {
		return
	}

	var req ResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		BadRequest(w, "invalid request body")
		return
	}
	switch req.Status {
	case "":
		req.Status = domain.TaskStatusRegistering
	case domain.TaskStatusRegistering, domain.TaskStatusErrorFatal:
	default:
		BadRequest(w, "status must be REGISTERING or ERROR_FATAL")
		return
	}

	if err := h.store.ForceTaskStatus(r.Context(), id, req.Status); HandleRepoError(w, h.logger, err, "task not found") {
		return
	}
	h.logger.Info("task status forced", "task_id", id, "status", req.Status)

	task, err := h.store.GetTask(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "task not found") {
		return
	}
	Success(w, task)
}
