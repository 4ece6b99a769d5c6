package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/shaiso/tandem/internal/agent"
	"github.com/shaiso/tandem/internal/domain"
	"github.com/shaiso/tandem/internal/telemetry"
)

// invokeWithRetry вызывает агента для стадии i согласно RetryPolicy.
// Возвращает выход агента и число сделанных попыток.
// Перед каждым retry проверяет отмену run в хранилище.
func (o *Orchestrator) invokeWithRetry(ctx context.Context, run *domain.Run, i int, inv domain.StageInvocation, logger *slog.Logger) (json.RawMessage, int, error) {
	policy := o.pipeline.RetryPolicyFor(i)
	timeout := time.Duration(o.pipeline.TimeoutSecFor(i)) * time.Second

	maxAttempts := 1
	if policy != nil && policy.MaxAttempts > 0 {
		maxAttempts = policy.MaxAttempts
	}

	for attempt := 1; ; attempt++ {
		telemetry.ObserveAttempt(string(inv.Stage))

		output, err := o.invokeOnce(ctx, inv, timeout)
		if err == nil {
			return output, attempt, nil
		}

		// Отмена run — не повод для retry
		if ctx.Err() != nil {
			return nil, attempt, ctx.Err()
		}

		if attempt >= maxAttempts || !shouldRetry(err, policy) {
			return nil, attempt, err
		}

		if o.isCancelled(ctx, run) {
			return nil, attempt, ErrRunCancelled
		}

		delay := calculateBackoff(attempt, policy)

		logger.Warn("stage attempt failed, retrying",
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"delay", delay,
			"error", err,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, attempt, ctx.Err()
		}
	}
}

// invokeOnce делает один вызов агента с таймаутом стадии.
//
// Превышение таймаута всегда превращается в AgentError{timeout},
// даже если клиент проигнорировал context.
func (o *Orchestrator) invokeOnce(ctx context.Context, inv domain.StageInvocation, timeout time.Duration) (json.RawMessage, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, err := o.agent.Invoke(callCtx, inv.Body, inv.Stage)

	if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		if agent.KindOf(err) == agent.KindTimeout {
			return nil, err
		}
		return nil, agent.NewError(agent.KindTimeout, err, "stage %s exceeded %s", inv.Stage, timeout)
	}
	if err != nil {
		return nil, err
	}
	return output, nil
}

// shouldRetry определяет, нужно ли делать retry.
//
// Transport и timeout повторяются всегда, invalid_response — только
// при RetryInvalidResponse. Ошибки не от агента не повторяются.
func shouldRetry(err error, policy *domain.RetryPolicy) bool {
	var agentErr *agent.AgentError
	if !errors.As(err, &agentErr) {
		return false
	}

	if agentErr.Retryable() {
		return true
	}

	return agentErr.Kind == agent.KindInvalidResponse && policy != nil && policy.RetryInvalidResponse
}

// calculateBackoff вычисляет задержку перед retry.
func calculateBackoff(attempt int, policy *domain.RetryPolicy) time.Duration {
	if policy == nil {
		return time.Second
	}

	initialDelay := time.Duration(policy.InitialDelayMs) * time.Millisecond
	if initialDelay <= 0 {
		initialDelay = time.Second
	}

	maxDelay := time.Duration(policy.MaxDelayMs) * time.Millisecond
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	delay := initialDelay
	if policy.Backoff == "exponential" {
		// delay = initialDelay * 2^(attempt-1)
		for i := 1; i < attempt && delay < maxDelay; i++ {
			delay *= 2
		}
	}

	return min(delay, maxDelay)
}
