package domain

import "fmt"

// ConfigurationError — отсутствует обязательная настройка.
// Фатальна при старте и никогда не повторяется.
type ConfigurationError struct {
	Field   string
	Message string
}

// Error реализует интерфейс error.
func (e *ConfigurationError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("configuration: %s is required", e.Field)
	}
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Message)
}

// NewConfigurationError создаёт ConfigurationError для незаданного поля.
func NewConfigurationError(field string) *ConfigurationError {
	return &ConfigurationError{Field: field}
}

// StageFailure — сохранённая причина падения run.
type StageFailure struct {
	// Stage — тег стадии, на которой упал run.
	Stage StageTag `json:"stage"`

	// Kind — вид ошибки агента: "transport", "invalid_response", "timeout".
	// Пустой для прочих ошибок.
	Kind string `json:"kind,omitempty"`

	// Message — текст ошибки.
	Message string `json:"message"`

	// Attempts — сколько попыток было сделано.
	Attempts int `json:"attempts"`
}
