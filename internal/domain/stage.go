package domain

import "encoding/json"

// StageTag — тег стадии, который агент получает в поле "stage".
type StageTag string

const (
	// StageInitial — первая стадия: агент формирует первичный ответ.
	StageInitial StageTag = "initial"

	// StageFollowUp — повторная стадия: агент получает ответ предыдущей стадии.
	StageFollowUp StageTag = "followUp"
)

// Valid возвращает true, если тег входит в перечисление.
func (t StageTag) Valid() bool {
	switch t {
	case StageInitial, StageFollowUp:
		return true
	default:
		return false
	}
}

// String возвращает строковое представление тега.
func (t StageTag) String() string {
	return string(t)
}

// StageDescriptor — неизменяемое описание одной стадии workflow.
//
// Стадии задаются статически (конфигурация) и не меняются во время выполнения.
type StageDescriptor struct {
	// Name — человекочитаемое имя стадии (например, "Managers Initial Response").
	Name string `json:"name" yaml:"name"`

	// Stage — тег, с которым вызывается агент.
	Stage StageTag `json:"stage" yaml:"stage"`

	// Retry — политика повторных попыток для этой стадии.
	// Переопределяет Pipeline.Defaults.Retry.
	Retry *RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`

	// TimeoutSec — таймаут одного вызова агента в секундах.
	// Переопределяет Pipeline.Defaults.TimeoutSec.
	TimeoutSec int `json:"timeout_sec,omitempty" yaml:"timeout_sec,omitempty"`
}

// StageDefaults — настройки по умолчанию для всех стадий.
type StageDefaults struct {
	Retry      *RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`
	TimeoutSec int          `json:"timeout_sec,omitempty" yaml:"timeout_sec,omitempty"`
}

// Pipeline — упорядоченный список стадий (N >= 1).
type Pipeline struct {
	Stages   []StageDescriptor `json:"stages" yaml:"stages"`
	Defaults *StageDefaults    `json:"defaults,omitempty" yaml:"defaults,omitempty"`
}

// DefaultStageTimeoutSec — таймаут стадии по умолчанию.
// Агенту нужен запас на cold start и задержки внешних API.
const DefaultStageTimeoutSec = 300

// DefaultPipeline возвращает эталонную конфигурацию из двух стадий.
func DefaultPipeline() Pipeline {
	return Pipeline{
		Stages: []StageDescriptor{
			{Name: "Managers Initial Response", Stage: StageInitial},
			{Name: "Managers Follow-Up", Stage: StageFollowUp},
		},
		Defaults: &StageDefaults{
			Retry:      DefaultRetryPolicy(),
			TimeoutSec: DefaultStageTimeoutSec,
		},
	}
}

// RetryPolicyFor возвращает политику retry для стадии с учётом defaults.
// Nil означает одну попытку без повторов.
func (p *Pipeline) RetryPolicyFor(i int) *RetryPolicy {
	if i >= 0 && i < len(p.Stages) && p.Stages[i].Retry != nil {
		return p.Stages[i].Retry
	}
	if p.Defaults != nil {
		return p.Defaults.Retry
	}
	return nil
}

// TimeoutSecFor возвращает таймаут стадии с учётом defaults.
func (p *Pipeline) TimeoutSecFor(i int) int {
	if i >= 0 && i < len(p.Stages) && p.Stages[i].TimeoutSec > 0 {
		return p.Stages[i].TimeoutSec
	}
	if p.Defaults != nil && p.Defaults.TimeoutSec > 0 {
		return p.Defaults.TimeoutSec
	}
	return DefaultStageTimeoutSec
}

// RetryPolicy — политика повторных попыток.
type RetryPolicy struct {
	// MaxAttempts — максимальное количество попыток (включая первую).
	MaxAttempts int `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`

	// Backoff — стратегия задержки: "fixed", "exponential".
	Backoff string `json:"backoff,omitempty" yaml:"backoff,omitempty"`

	// InitialDelayMs — начальная задержка в миллисекундах.
	InitialDelayMs int `json:"initial_delay_ms,omitempty" yaml:"initial_delay_ms,omitempty"`

	// MaxDelayMs — максимальная задержка в миллисекундах.
	MaxDelayMs int `json:"max_delay_ms,omitempty" yaml:"max_delay_ms,omitempty"`

	// RetryInvalidResponse — повторять ли вызов при некорректном ответе агента.
	// По умолчанию такие ошибки не повторяются.
	RetryInvalidResponse bool `json:"retry_invalid_response,omitempty" yaml:"retry_invalid_response,omitempty"`
}

// DefaultRetryPolicy — 3 попытки с exponential backoff от 1s до 30s.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:    3,
		Backoff:        "exponential",
		InitialDelayMs: 1000,
		MaxDelayMs:     30000,
	}
}

// StageInvocation — запрос к агенту для одной стадии.
//
// Body для стадии n+1 — это в точности выход стадии n.
// Оркестратор подставляет только Stage.
type StageInvocation struct {
	Body  json.RawMessage `json:"body"`
	Stage StageTag        `json:"stage"`
}
