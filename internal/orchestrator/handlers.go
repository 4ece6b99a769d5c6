package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/shaiso/tandem/internal/domain"
	"github.com/shaiso/tandem/internal/mq"
	"github.com/shaiso/tandem/internal/repo"
)

// handleRunPending обрабатывает событие о новом pending run.
func (o *Orchestrator) handleRunPending(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.RunPayload](&delivery.Message)
	if err != nil {
		o.logger.Error("failed to parse run.pending payload", "error", err)
		return err
	}

	o.logger.Debug("received run.pending event", "run_id", payload.RunID)

	if o.isRunActive(payload.RunID) {
		o.logger.Debug("run already active, skipping", "run_id", payload.RunID)
		return nil
	}

	if err := o.processRun(ctx, payload.RunID); err != nil {
		// Run уже взят другим путём (poll) или завершён — сообщение обработано
		if errors.Is(err, ErrRunNotPending) || errors.Is(err, ErrRunAlreadyActive) {
			o.logger.Debug("run not processed", "run_id", payload.RunID, "reason", err)
			return nil
		}
		o.logger.Error("failed to process run", "run_id", payload.RunID, "error", err)
		return err
	}

	return nil
}

// handleRunCancel обрабатывает запрос на отмену run.
func (o *Orchestrator) handleRunCancel(_ context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.RunPayload](&delivery.Message)
	if err != nil {
		o.logger.Error("failed to parse run.cancel payload", "error", err)
		return err
	}

	if !o.Cancel(payload.RunID) {
		o.logger.Debug("run not active here, cancel ignored", "run_id", payload.RunID)
	}
	return nil
}

// processRun берёт PENDING run в работу и выполняет его в отдельной горутине.
func (o *Orchestrator) processRun(ctx context.Context, runID uuid.UUID) error {
	if o.IsStopped() {
		return ErrOrchestratorStopped
	}

	// 1. Загружаем run
	run, err := o.store.Get(ctx, runID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return fmt.Errorf("get run: %w", err)
	}

	// 2. Проверяем статус
	if run.Status != domain.RunStatusPending {
		return ErrRunNotPending
	}

	// 3. Ждём свободный слот
	select {
	case o.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	// 4. Регистрируем run как активный
	o.mu.RLock()
	base := o.baseCtx
	o.mu.RUnlock()

	runCtx, cancel := context.WithCancel(base)
	state := NewRunState(run.ID, cancel)
	if err := o.addActiveRun(state); err != nil {
		cancel()
		<-o.slots
		return err
	}

	// 5. Выполняем
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() { <-o.slots }()
		defer o.removeActiveRun(run.ID)
		defer cancel()

		if _, err := o.execute(runCtx, run, state); err != nil {
			o.logger.Debug("run finished with error", "run_id", run.ID, "error", err)
		}
	}()

	return nil
}
