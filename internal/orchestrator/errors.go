package orchestrator

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/shaiso/tandem/internal/agent"
	"github.com/shaiso/tandem/internal/domain"
)

// Ошибки оркестратора.
var (
	// ErrRunNotFound — run не найден в хранилище.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunAlreadyActive — run уже обрабатывается.
	ErrRunAlreadyActive = errors.New("run already being processed")

	// ErrRunNotPending — run не в статусе PENDING.
	ErrRunNotPending = errors.New("run is not in PENDING status")

	// ErrRunCancelled — run отменён до завершения.
	ErrRunCancelled = errors.New("run cancelled")

	// ErrStageMismatch — записи стадий run не совпадают с pipeline.
	ErrStageMismatch = errors.New("run stages do not match pipeline")

	// ErrOrchestratorStopped — оркестратор остановлен.
	ErrOrchestratorStopped = errors.New("orchestrator stopped")
)

// WorkflowFailure — терминальная ошибка run.
//
// Возникает, когда стадия исчерпала попытки или получила
// неповторяемую ошибку. Unwrap возвращает исходную причину,
// поэтому errors.As(err, &agentErr) работает.
type WorkflowFailure struct {
	RunID    uuid.UUID
	Stage    domain.StageTag
	Attempts int
	Cause    error
}

// Error реализует интерфейс error.
func (e *WorkflowFailure) Error() string {
	return fmt.Sprintf("run %s failed at stage %s after %d attempt(s): %v",
		e.RunID, e.Stage, e.Attempts, e.Cause)
}

// Unwrap возвращает причину.
func (e *WorkflowFailure) Unwrap() error {
	return e.Cause
}

// Kind возвращает вид ошибки агента ("" для прочих ошибок).
func (e *WorkflowFailure) Kind() agent.ErrorKind {
	return agent.KindOf(e.Cause)
}

// Failure возвращает сохраняемое представление ошибки.
func (e *WorkflowFailure) Failure() domain.StageFailure {
	return domain.StageFailure{
		Stage:    e.Stage,
		Kind:     string(e.Kind()),
		Message:  e.Cause.Error(),
		Attempts: e.Attempts,
	}
}
