package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/shaiso/jobswarm/internal/repo"
)

// ErrorCode — машиночитаемый код ошибки в ответе.
type ErrorCode string

const (
	ErrCodeBadRequest    ErrorCode = "BAD_REQUEST"
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrCodeConflict      ErrorCode = "CONFLICT"
	ErrCodeInvalidState  ErrorCode = "INVALID_STATE"
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorResponse — тело ответа с ошибкой: {"error": {"code", "message"}}.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// envelope — тело успешного ответа. Total заполняется только для списков.
type envelope struct {
	Data  any `json:"data"`
	Total int `json:"total,omitempty"`
}

// repoErrors — соответствие ошибок store HTTP статусам.
var repoErrors = []struct {
	err    error
	status int
	code   ErrorCode
}{
	{repo.ErrNotFound, http.StatusNotFound, ErrCodeNotFound},
	{repo.ErrConflict, http.StatusConflict, ErrCodeConflict},
	{repo.ErrInvalidState, http.StatusUnprocessableEntity, ErrCodeInvalidState},
}

// JSON пишет data как JSON с кодом status.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Debug("failed to encode response", "error", err)
	}
}

func Success(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, envelope{Data: data})
}

func List(w http.ResponseWriter, data any, total int) {
	JSON(w, http.StatusOK, envelope{Data: data, Total: total})
}

func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// Error пишет ErrorResponse.
func Error(w http.ResponseWriter, status int, code ErrorCode, message string) {
	JSON(w, status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func Conflict(w http.ResponseWriter, message string) {
	Error(w, http.StatusConflict, ErrCodeConflict, message)
}

// InternalError логирует err и отвечает 500 без деталей.
func InternalError(w http.ResponseWriter, logger *slog.Logger, err error) {
	logger.Error("internal error", "error", err)
	Error(w, http.StatusInternalServerError, ErrCodeInternalError, "internal server error")
}

// HandleRepoError отвечает на ошибку store и возвращает true, если ответ записан.
// Для ErrNotFound клиент получает notFoundMsg, для остальных известных ошибок — текст err.
func HandleRepoError(w http.ResponseWriter, logger *slog.Logger, err error, notFoundMsg string) bool {
	if err == nil {
		return false
	}

	for _, m := range repoErrors {
		if !errors.Is(err, m.err) {
			continue
		}
		msg := err.Error()
		if m.code == ErrCodeNotFound {
			msg = notFoundMsg
		}
		Error(w, m.status, m.code, msg)
		return true
	}

	InternalError(w, logger, err)
	return true
}
