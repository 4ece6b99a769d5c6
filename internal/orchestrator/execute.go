package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shaiso/tandem/internal/domain"
	"github.com/shaiso/tandem/internal/engine"
	"github.com/shaiso/tandem/internal/mq"
	"github.com/shaiso/tandem/internal/repo"
	"github.com/shaiso/tandem/internal/telemetry"
)

// Execute синхронно проводит сохранённый PENDING run через все стадии pipeline.
//
// Переходы: PENDING → RUNNING(i) → SUCCEEDED | FAILED | CANCELLED.
// Возвращает выход последней стадии. При падении стадии возвращает
// *WorkflowFailure, выходы предыдущих стадий отбрасываются.
// Run можно отменить через Cancel или через ctx.
func (o *Orchestrator) Execute(ctx context.Context, run *domain.Run) (json.RawMessage, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	state := NewRunState(run.ID, cancel)
	if err := o.addActiveRun(state); err != nil {
		return nil, err
	}
	defer o.removeActiveRun(run.ID)

	return o.execute(ctx, run, state)
}

// ExecuteNew сохраняет новый run сразу в статусе RUNNING и выполняет его.
//
// Run не бывает PENDING в хранилище, поэтому polling и run.pending
// других оркестраторов его не видят.
func (o *Orchestrator) ExecuteNew(ctx context.Context, run *domain.Run) (json.RawMessage, error) {
	if err := o.checkRun(run); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	state := NewRunState(run.ID, cancel)
	if err := o.addActiveRun(state); err != nil {
		return nil, err
	}
	defer o.removeActiveRun(run.ID)

	run.MarkRunning()
	if err := o.store.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	return o.runStages(ctx, run, state)
}

// checkRun проверяет, что run можно начать.
func (o *Orchestrator) checkRun(run *domain.Run) error {
	if run.Status != domain.RunStatusPending {
		return fmt.Errorf("%w: %s", ErrRunNotPending, run.Status)
	}
	if len(run.Stages) != len(o.pipeline.Stages) {
		return fmt.Errorf("%w: run has %d stages, pipeline has %d",
			ErrStageMismatch, len(run.Stages), len(o.pipeline.Stages))
	}
	return nil
}

// execute — конечный автомат одного сохранённого run.
func (o *Orchestrator) execute(ctx context.Context, run *domain.Run, state *RunState) (json.RawMessage, error) {
	if err := o.checkRun(run); err != nil {
		return nil, err
	}

	// 1. Забираем run: PENDING → RUNNING только если его не взял другой исполнитель
	run.MarkRunning()
	if err := o.store.Claim(ctx, run); err != nil {
		run.Status = domain.RunStatusPending
		run.StartedAt = nil
		if errors.Is(err, repo.ErrNotPending) {
			return nil, fmt.Errorf("%w: claimed elsewhere", ErrRunNotPending)
		}
		return nil, fmt.Errorf("claim run: %w", err)
	}

	return o.runStages(ctx, run, state)
}

// runStages проводит RUNNING run через стадии и финализирует его.
func (o *Orchestrator) runStages(ctx context.Context, run *domain.Run, state *RunState) (json.RawMessage, error) {
	logger := telemetry.WithRunID(o.logger, run.ID.String())
	logger.Info("run started", "ref", run.Ref(), "stages", len(run.Stages))

	// 2. Стадии строго по порядку; для первой body — исходный запрос
	body := run.Request
	for i := range o.pipeline.Stages {
		if o.isCancelled(ctx, run) {
			return nil, o.cancelRun(ctx, run, state, logger)
		}

		output, err := o.executeStage(ctx, run, i, body, logger)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrRunCancelled) {
				return nil, o.cancelRun(ctx, run, state, logger)
			}
			return nil, o.failRun(ctx, run, i, err, logger)
		}

		body = output
	}

	// Результат стадии, завершившейся после отмены, не возвращается
	if o.isCancelled(ctx, run) {
		return nil, o.cancelRun(ctx, run, state, logger)
	}

	// 3. Финализируем
	return body, o.completeRun(ctx, run, body, logger)
}

// stageError — ошибка стадии с числом попыток.
type stageError struct {
	attempts int
	err      error
}

func (e *stageError) Error() string { return e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

// executeStage выполняет стадию i и сохраняет её запись до возврата.
func (o *Orchestrator) executeStage(ctx context.Context, run *domain.Run, i int, body json.RawMessage, logger *slog.Logger) (json.RawMessage, error) {
	desc := o.pipeline.Stages[i]
	rec := &run.Stages[i]
	logger = telemetry.WithStage(logger, string(desc.Stage), desc.Name)

	// 1. Строим вызов
	inv, err := engine.BuildInvocation(desc, body)
	if err != nil {
		rec.MarkRunning()
		rec.MarkFailed(err.Error())
		return nil, &stageError{err: err}
	}

	// 2. Фиксируем начало стадии
	rec.MarkRunning()
	if err := o.store.Update(ctx, run); err != nil {
		rec.MarkFailed(err.Error())
		return nil, &stageError{err: fmt.Errorf("persist stage start: %w", err)}
	}

	logger.Debug("stage started", "index", i)
	start := time.Now()

	// 3. Вызываем агента с retry
	output, attempts, err := o.invokeWithRetry(ctx, run, i, inv, logger)
	rec.Attempts = attempts

	if err != nil {
		rec.MarkFailed(err.Error())
		outcome := telemetry.OutcomeFailed
		if ctx.Err() != nil || errors.Is(err, ErrRunCancelled) {
			outcome = telemetry.OutcomeCancelled
		}
		telemetry.ObserveStage(string(desc.Stage), outcome, time.Since(start))

		logger.Warn("stage failed", "attempts", attempts, "error", err)
		return nil, &stageError{attempts: attempts, err: err}
	}

	// 4. Run мог быть отменён в хранилище, пока агент работал
	if o.isCancelled(ctx, run) {
		rec.MarkFailed(ErrRunCancelled.Error())
		return nil, &stageError{attempts: attempts, err: ErrRunCancelled}
	}

	// 5. Результат стадии сохраняется до запуска следующей
	rec.MarkSucceeded(output)
	if err := o.store.Update(ctx, run); err != nil {
		rec.MarkFailed(err.Error())
		return nil, &stageError{attempts: attempts, err: fmt.Errorf("persist stage result: %w", err)}
	}

	telemetry.ObserveStage(string(desc.Stage), telemetry.OutcomeSucceeded, time.Since(start))
	logger.Info("stage completed", "attempts", attempts, "duration", time.Since(start))

	return output, nil
}

// isCancelled проверяет отмену через context и через сохранённый статус run.
func (o *Orchestrator) isCancelled(ctx context.Context, run *domain.Run) bool {
	if ctx.Err() != nil {
		return true
	}

	stored, err := o.store.Get(ctx, run.ID)
	if err != nil {
		return false
	}
	return stored.Status == domain.RunStatusCancelled
}

// completeRun переводит run в SUCCEEDED.
func (o *Orchestrator) completeRun(ctx context.Context, run *domain.Run, output json.RawMessage, logger *slog.Logger) error {
	run.MarkSucceeded(output)

	if err := o.store.Update(ctx, run); err != nil {
		return fmt.Errorf("update run to succeeded: %w", err)
	}

	logger.Info("run succeeded", "duration", run.Duration())
	o.finish(ctx, run)
	return nil
}

// failRun переводит run в FAILED.
func (o *Orchestrator) failRun(ctx context.Context, run *domain.Run, i int, err error, logger *slog.Logger) error {
	attempts := 0
	var sErr *stageError
	if errors.As(err, &sErr) {
		attempts = sErr.attempts
		err = sErr.err
	}

	failure := &WorkflowFailure{
		RunID:    run.ID,
		Stage:    o.pipeline.Stages[i].Stage,
		Attempts: attempts,
		Cause:    err,
	}

	run.MarkFailed(failure.Failure())

	if uErr := o.store.Update(context.WithoutCancel(ctx), run); uErr != nil {
		logger.Error("failed to persist failed run", "error", uErr)
	}

	logger.Error("run failed",
		"stage", failure.Stage,
		"attempts", failure.Attempts,
		"kind", failure.Kind(),
		"error", err,
	)
	o.finish(ctx, run)
	return failure
}

// cancelRun переводит run в CANCELLED.
//
// Если отмена вызвана остановкой оркестратора (а не запросом клиента),
// run возвращается в PENDING и будет выполнен заново после рестарта.
func (o *Orchestrator) cancelRun(ctx context.Context, run *domain.Run, state *RunState, logger *slog.Logger) error {
	persistCtx := context.WithoutCancel(ctx)

	if o.IsStopped() && !state.IsCancelled() {
		requeue(run)
		if err := o.store.Update(persistCtx, run); err != nil {
			logger.Error("failed to requeue run", "error", err)
		}
		logger.Info("run requeued on shutdown")
		return ErrOrchestratorStopped
	}

	for i := range run.Stages {
		if run.Stages[i].Status == domain.StageStatusRunning {
			run.Stages[i].MarkFailed(ErrRunCancelled.Error())
		}
	}
	run.MarkCancelled()

	if err := o.store.Update(persistCtx, run); err != nil {
		logger.Error("failed to persist cancelled run", "error", err)
	}

	logger.Info("run cancelled")
	o.finish(ctx, run)
	return fmt.Errorf("%w: %s", ErrRunCancelled, run.ID)
}

// requeue возвращает run в исходное состояние PENDING.
func requeue(run *domain.Run) {
	run.Status = domain.RunStatusPending
	run.StartedAt = nil
	run.FinishedAt = nil
	run.Output = nil
	run.Failure = nil
	for i := range run.Stages {
		rec := &run.Stages[i]
		*rec = domain.StageRecord{
			Index:  rec.Index,
			Name:   rec.Name,
			Stage:  rec.Stage,
			Status: domain.StageStatusPending,
		}
	}
}

// finish публикует событие и вызывает хук завершения.
func (o *Orchestrator) finish(ctx context.Context, run *domain.Run) {
	telemetry.ObserveRun(string(run.Status))

	ctx = context.WithoutCancel(ctx)

	if o.events != nil {
		payload := mq.RunFinishedPayload{
			RunID:  run.ID,
			Ref:    run.Ref(),
			Status: string(run.Status),
		}
		if run.Failure != nil {
			payload.FailedStage = string(run.Failure.Stage)
		}
		if err := o.events.PublishRunFinished(ctx, payload); err != nil {
			o.logger.Warn("failed to publish run.finished", "run_id", run.ID, "error", err)
		}
	}

	if o.onFinish != nil {
		o.onFinish(ctx, run)
	}
}
