package engine

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/shaiso/tandem/internal/domain"
)

// Допустимые стратегии backoff.
var validBackoffs = map[string]bool{
	"":            true,
	"fixed":       true,
	"exponential": true,
}

// ParsePipeline разбирает описание pipeline из YAML (JSON тоже подходит)
// и валидирует его.
func ParsePipeline(data []byte) (*domain.Pipeline, error) {
	var p domain.Pipeline
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPipelineParse, err)
	}

	if err := Validate(&p); err != nil {
		return nil, err
	}

	return &p, nil
}

// Validate выполняет полную валидацию Pipeline.
//
// Проверяет:
// - Наличие стадий
// - Имена стадий (непустые, уникальные)
// - Теги стадий и их порядок: первая — initial, остальные — followUp
// - Политики retry и таймауты
func Validate(p *domain.Pipeline) error {
	if p == nil || len(p.Stages) == 0 {
		return ErrEmptyStages
	}

	names := make(map[string]bool, len(p.Stages))

	for i := range p.Stages {
		stage := &p.Stages[i]

		if err := ValidateStage(i, stage, names); err != nil {
			return err
		}
	}

	if p.Defaults != nil {
		if err := validateRetry("", p.Defaults.Retry); err != nil {
			return err
		}
		if p.Defaults.TimeoutSec < 0 {
			return NewValidationError("", "defaults.timeout_sec",
				fmt.Sprintf("negative timeout: %d", p.Defaults.TimeoutSec), ErrInvalidTimeout)
		}
	}

	return nil
}

// ValidateStage валидирует одну стадию на позиции i.
// names — уже встреченные имена стадий.
func ValidateStage(i int, stage *domain.StageDescriptor, names map[string]bool) error {
	if stage.Name == "" {
		return NewValidationError("", "name",
			fmt.Sprintf("stage %d has empty name", i), ErrEmptyStageName)
	}

	if names[stage.Name] {
		return NewValidationError(stage.Name, "name",
			fmt.Sprintf("duplicate stage name: %s", stage.Name), ErrDuplicateStageName)
	}
	names[stage.Name] = true

	if !stage.Stage.Valid() {
		return NewValidationError(stage.Name, "stage",
			fmt.Sprintf("unknown stage tag: %q", stage.Stage), ErrUnknownStageTag)
	}

	// Первая стадия получает исходный запрос, остальные — выход предыдущей
	want := domain.StageFollowUp
	if i == 0 {
		want = domain.StageInitial
	}
	if stage.Stage != want {
		return NewValidationError(stage.Name, "stage",
			fmt.Sprintf("stage %d must be %q, got %q", i, want, stage.Stage), ErrStageOrder)
	}

	if stage.TimeoutSec < 0 {
		return NewValidationError(stage.Name, "timeout_sec",
			fmt.Sprintf("negative timeout: %d", stage.TimeoutSec), ErrInvalidTimeout)
	}

	return validateRetry(stage.Name, stage.Retry)
}

// validateRetry проверяет политику retry (nil допустим).
func validateRetry(stageName string, r *domain.RetryPolicy) error {
	if r == nil {
		return nil
	}

	if r.MaxAttempts < 0 {
		return NewValidationError(stageName, "retry.max_attempts",
			fmt.Sprintf("negative max_attempts: %d", r.MaxAttempts), ErrInvalidRetryPolicy)
	}

	if !validBackoffs[r.Backoff] {
		return NewValidationError(stageName, "retry.backoff",
			fmt.Sprintf("unknown backoff: %s", r.Backoff), ErrInvalidRetryPolicy)
	}

	if r.InitialDelayMs < 0 || r.MaxDelayMs < 0 {
		return NewValidationError(stageName, "retry",
			"delays must not be negative", ErrInvalidRetryPolicy)
	}

	if r.MaxDelayMs > 0 && r.InitialDelayMs > r.MaxDelayMs {
		return NewValidationError(stageName, "retry",
			"initial_delay_ms exceeds max_delay_ms", ErrInvalidRetryPolicy)
	}

	return nil
}
