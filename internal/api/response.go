package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/shaiso/tandem/internal/agent"
	"github.com/shaiso/tandem/internal/orchestrator"
	"github.com/shaiso/tandem/internal/repo"
	"github.com/shaiso/tandem/internal/workflow"
)

// ErrorCode — код ошибки API.
type ErrorCode string

const (
	ErrCodeBadRequest     ErrorCode = "BAD_REQUEST"
	ErrCodeNotFound       ErrorCode = "NOT_FOUND"
	ErrCodeConflict       ErrorCode = "CONFLICT"
	ErrCodeInvalidState   ErrorCode = "INVALID_STATE"
	ErrCodeInternalError  ErrorCode = "INTERNAL_ERROR"
	ErrCodeMethodNotAllow ErrorCode = "METHOD_NOT_ALLOWED"

	// Ошибки агента
	ErrCodeAgentInvalidResponse ErrorCode = "AGENT_INVALID_RESPONSE"
	ErrCodeAgentTimeout         ErrorCode = "AGENT_TIMEOUT"
	ErrCodeAgentUnavailable     ErrorCode = "AGENT_UNAVAILABLE"
	ErrCodeWorkflowFailed       ErrorCode = "WORKFLOW_FAILED"
	ErrCodeRunCancelled         ErrorCode = "RUN_CANCELLED"
)

// ErrorResponse — структура ответа с ошибкой.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail — детали ошибки.
type ErrorDetail struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`

	// Stage — тег стадии, на которой упал run.
	Stage string `json:"stage,omitempty"`
}

// DataResponse — структура успешного ответа.
type DataResponse struct {
	Data any `json:"data"`
}

// ListResponse — структура ответа со списком.
type ListResponse struct {
	Data  any `json:"data"`
	Total int `json:"total,omitempty"`
}

// JSON отправляет JSON ответ.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Raw отправляет готовый JSON документ без обёртки.
func Raw(w http.ResponseWriter, status int, doc json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(doc)
}

// Success отправляет успешный ответ с данными.
func Success(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, DataResponse{Data: data})
}

// Accepted отправляет ответ о принятии асинхронной операции (202).
func Accepted(w http.ResponseWriter, data any) {
	JSON(w, http.StatusAccepted, DataResponse{Data: data})
}

// List отправляет ответ со списком.
func List(w http.ResponseWriter, data any, total int) {
	JSON(w, http.StatusOK, ListResponse{Data: data, Total: total})
}

// Error отправляет ответ с ошибкой.
func Error(w http.ResponseWriter, status int, code ErrorCode, message string) {
	JSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// BadRequest отправляет ошибку 400.
func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// NotFound отправляет ошибку 404.
func NotFound(w http.ResponseWriter, message string) {
	Error(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// InvalidState отправляет ошибку 422.
func InvalidState(w http.ResponseWriter, message string) {
	Error(w, http.StatusUnprocessableEntity, ErrCodeInvalidState, message)
}

// MethodNotAllowed отправляет ошибку 405 со списком допустимых методов.
func MethodNotAllowed(w http.ResponseWriter, allow string) {
	w.Header().Set("Allow", allow)
	Error(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllow, "method not allowed")
}

// InternalError отправляет ошибку 500.
func InternalError(w http.ResponseWriter, logger *slog.Logger, err error) {
	logger.Error("internal error", "error", err)
	Error(w, http.StatusInternalServerError, ErrCodeInternalError, "internal server error")
}

// HandleRepoError преобразует ошибку репозитория в HTTP ответ.
func HandleRepoError(w http.ResponseWriter, logger *slog.Logger, err error, notFoundMsg string) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, repo.ErrNotFound) {
		NotFound(w, notFoundMsg)
		return true
	}

	if errors.Is(err, repo.ErrInvalidState) {
		InvalidState(w, err.Error())
		return true
	}

	InternalError(w, logger, err)
	return true
}

// agentStatus сопоставляет вид ошибки агента HTTP статусу.
func agentStatus(kind agent.ErrorKind) (int, ErrorCode) {
	switch kind {
	case agent.KindInvalidResponse:
		return http.StatusBadGateway, ErrCodeAgentInvalidResponse
	case agent.KindTimeout:
		return http.StatusGatewayTimeout, ErrCodeAgentTimeout
	case agent.KindTransport:
		return http.StatusServiceUnavailable, ErrCodeAgentUnavailable
	default:
		return http.StatusInternalServerError, ErrCodeWorkflowFailed
	}
}

// HandleWorkflowError преобразует ошибку workflow в HTTP ответ.
func HandleWorkflowError(w http.ResponseWriter, logger *slog.Logger, err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, workflow.ErrInvalidRequest) {
		BadRequest(w, err.Error())
		return true
	}

	if errors.Is(err, orchestrator.ErrRunCancelled) {
		Error(w, http.StatusConflict, ErrCodeRunCancelled, err.Error())
		return true
	}

	if errors.Is(err, orchestrator.ErrRunAlreadyActive) || errors.Is(err, orchestrator.ErrRunNotPending) {
		Error(w, http.StatusConflict, ErrCodeConflict, err.Error())
		return true
	}

	var failure *orchestrator.WorkflowFailure
	if errors.As(err, &failure) {
		status, code := agentStatus(failure.Kind())
		JSON(w, status, ErrorResponse{
			Error: ErrorDetail{
				Code:    code,
				Message: failure.Cause.Error(),
				Stage:   string(failure.Stage),
			},
		})
		return true
	}

	if kind := agent.KindOf(err); kind != "" {
		status, code := agentStatus(kind)
		Error(w, status, code, err.Error())
		return true
	}

	InternalError(w, logger, err)
	return true
}
