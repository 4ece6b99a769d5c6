package engine

import "errors"

// Ошибки валидации Pipeline.
var (
	// ErrEmptyStages — pipeline не содержит стадий.
	ErrEmptyStages = errors.New("pipeline has no stages")

	// ErrEmptyStageName — стадия не имеет имени.
	ErrEmptyStageName = errors.New("stage has empty name")

	// ErrDuplicateStageName — несколько стадий с одинаковым именем.
	ErrDuplicateStageName = errors.New("duplicate stage name")

	// ErrUnknownStageTag — неизвестный тег стадии.
	ErrUnknownStageTag = errors.New("unknown stage tag")

	// ErrStageOrder — нарушен порядок тегов (initial, затем followUp).
	ErrStageOrder = errors.New("invalid stage order")

	// ErrInvalidRetryPolicy — некорректная политика retry.
	ErrInvalidRetryPolicy = errors.New("invalid retry policy")

	// ErrInvalidTimeout — отрицательный таймаут.
	ErrInvalidTimeout = errors.New("invalid timeout")
)

// Ошибки построения вызова.
var (
	// ErrInvalidBody — тело стадии не является JSON-документом.
	ErrInvalidBody = errors.New("stage body is not a JSON document")

	// ErrPipelineParse — не удалось разобрать описание pipeline.
	ErrPipelineParse = errors.New("pipeline parse failed")
)

// ValidationError — ошибка валидации с контекстом.
type ValidationError struct {
	Stage   string // имя стадии, где произошла ошибка
	Field   string // поле, вызвавшее ошибку
	Message string // описание ошибки
	Err     error  // базовая ошибка
}

// Error реализует интерфейс error.
func (e *ValidationError) Error() string {
	if e.Stage != "" {
		return "stage " + e.Stage + ": " + e.Message
	}
	return e.Message
}

// Unwrap возвращает базовую ошибку.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError создаёт новую ошибку валидации.
func NewValidationError(stage, field, message string, err error) *ValidationError {
	return &ValidationError{
		Stage:   stage,
		Field:   field,
		Message: message,
		Err:     err,
	}
}
