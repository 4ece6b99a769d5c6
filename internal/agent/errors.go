package agent

import (
	"errors"
	"fmt"
)

// ErrorKind — вид ошибки вызова агента.
type ErrorKind string

const (
	// KindTransport — сеть, DNS, 5xx/429 от агента. Повторяемая.
	KindTransport ErrorKind = "transport"

	// KindInvalidResponse — ответ не JSON или неожиданный статус. Не повторяется по умолчанию.
	KindInvalidResponse ErrorKind = "invalid_response"

	// KindTimeout — вызов превысил таймаут стадии. Повторяемая.
	KindTimeout ErrorKind = "timeout"
)

// AgentError — единая ошибка вызова агента.
type AgentError struct {
	Kind    ErrorKind
	Message string

	// Err — исходная ошибка (может быть nil).
	Err error
}

// Error реализует интерфейс error.
func (e *AgentError) Error() string {
	return fmt.Sprintf("agent %s: %s", e.Kind, e.Message)
}

// Unwrap возвращает исходную ошибку.
func (e *AgentError) Unwrap() error {
	return e.Err
}

// Retryable возвращает true для transport и timeout ошибок.
func (e *AgentError) Retryable() bool {
	return e.Kind == KindTransport || e.Kind == KindTimeout
}

// NewError создаёт AgentError.
func NewError(kind ErrorKind, err error, format string, args ...any) *AgentError {
	return &AgentError{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

// KindOf возвращает вид ошибки агента или пустую строку, если err не AgentError.
func KindOf(err error) ErrorKind {
	var agentErr *AgentError
	if errors.As(err, &agentErr) {
		return agentErr.Kind
	}
	return ""
}
