package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/tandem/internal/agent"
	"github.com/shaiso/tandem/internal/domain"
	"github.com/shaiso/tandem/internal/engine"
	"github.com/shaiso/tandem/internal/orchestrator"
	"github.com/shaiso/tandem/internal/repo"
	"github.com/shaiso/tandem/internal/telemetry"
)

// Ошибки точки входа.
var (
	// ErrInvalidRequest — тело запроса отсутствует, null или не JSON.
	ErrInvalidRequest = errors.New("invalid workflow request")

	// ErrRunFinished — run уже в финальном статусе.
	ErrRunFinished = errors.New("run is already finished")
)

// Request — внешний запрос на запуск workflow.
type Request struct {
	// Body — документ, который получит первая стадия.
	Body json.RawMessage `json:"body"`
}

// RunHandle — то, что получает клиент при асинхронном запуске.
type RunHandle struct {
	RunID  uuid.UUID        `json:"run_id"`
	Ref    string           `json:"ref"`
	Status domain.RunStatus `json:"status"`
}

// Dispatcher доставляет команды оркестраторам в других процессах.
// Реализуется mq.Publisher.
type Dispatcher interface {
	PublishRunPending(ctx context.Context, runID uuid.UUID) error
	PublishRunCancel(ctx context.Context, runID uuid.UUID) error
}

// Service — точка входа workflow.
//
// Поддерживает оба пути запуска одной и той же последовательности стадий:
// синхронный (Invoke, Execute) и асинхронный durable (Start).
type Service struct {
	agent      agent.Client
	orch       *orchestrator.Orchestrator
	store      repo.RunStore
	dispatcher Dispatcher
	logger     *slog.Logger
}

// Config — конфигурация Service.
type Config struct {
	// Agent — клиент для Invoke. Обязательно.
	Agent agent.Client

	// Orchestrator — выполняет runs. Обязательно.
	Orchestrator *orchestrator.Orchestrator

	// Store — хранилище runs. Default: Orchestrator.Store().
	Store repo.RunStore

	// Dispatcher — если задан, Start публикует run.pending вместо
	// запуска в локальном оркестраторе.
	Dispatcher Dispatcher

	Logger *slog.Logger
}

// New создаёт Service.
func New(cfg Config) (*Service, error) {
	if cfg.Agent == nil {
		return nil, domain.NewConfigurationError("agent")
	}
	if cfg.Orchestrator == nil {
		return nil, domain.NewConfigurationError("orchestrator")
	}

	store := cfg.Store
	if store == nil {
		store = cfg.Orchestrator.Store()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		agent:      cfg.Agent,
		orch:       cfg.Orchestrator,
		store:      store,
		dispatcher: cfg.Dispatcher,
		logger:     logger,
	}, nil
}

// Invoke вызывает агента один раз со стадией initial, минуя оркестратор.
// Пустое тело заменяется на {}. Ответ агента возвращается без изменений.
func (s *Service) Invoke(ctx context.Context, body json.RawMessage) (json.RawMessage, error) {
	// Запрос без тела агент получает как пустой объект
	if len(bytes.TrimSpace(body)) == 0 {
		body = json.RawMessage(`{}`)
	}
	if err := validateBody(body); err != nil {
		return nil, err
	}

	pipeline := s.orch.Pipeline()
	inv, err := engine.BuildInvocation(pipeline.Stages[0], body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	timeout := time.Duration(pipeline.TimeoutSecFor(0)) * time.Second
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	telemetry.ObserveAttempt(string(inv.Stage))

	output, err := s.agent.Invoke(callCtx, inv.Body, inv.Stage)
	if err != nil {
		telemetry.ObserveStage(string(inv.Stage), telemetry.OutcomeFailed, time.Since(start))
		s.logger.Warn("direct invoke failed", "stage", inv.Stage, "error", err)
		return nil, err
	}

	telemetry.ObserveStage(string(inv.Stage), telemetry.OutcomeSucceeded, time.Since(start))
	return output, nil
}

// Start создаёт PENDING run и возвращает handle сразу.
//
// Run берёт оркестратор: через run.pending, если задан Dispatcher,
// иначе локальный. Если публикация не удалась, run подхватит polling.
func (s *Service) Start(ctx context.Context, req Request) (*RunHandle, error) {
	run, err := s.createRun(ctx, req)
	if err != nil {
		return nil, err
	}

	if s.dispatcher != nil {
		if err := s.dispatcher.PublishRunPending(ctx, run.ID); err != nil {
			s.logger.Warn("failed to publish run.pending", "run_id", run.ID, "error", err)
		}
	} else if err := s.orch.Submit(ctx, run.ID); err != nil {
		return nil, fmt.Errorf("submit run: %w", err)
	}

	s.logger.Info("run started", "run_id", run.ID, "ref", run.Ref())

	return &RunHandle{
		RunID:  run.ID,
		Ref:    run.Ref(),
		Status: domain.RunStatusPending,
	}, nil
}

// Execute создаёт run и выполняет всю цепочку стадий синхронно.
//
// Возвращает run в финальном статусе. При падении стадии вместе с run
// возвращается *orchestrator.WorkflowFailure.
func (s *Service) Execute(ctx context.Context, req Request) (*domain.Run, error) {
	if err := validateBody(req.Body); err != nil {
		return nil, err
	}

	// Run сохраняется сразу в RUNNING, чтобы его не взял polling
	run := domain.NewRun(req.Body, s.orch.Pipeline())
	if _, err := s.orch.ExecuteNew(ctx, run); err != nil {
		return run, err
	}
	return run, nil
}

// Get возвращает run по ID.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	return s.store.Get(ctx, id)
}

// ActiveStats возвращает статистику run, если его выполняет локальный оркестратор.
func (s *Service) ActiveStats(id uuid.UUID) (orchestrator.RunStats, bool) {
	return s.orch.GetActiveRunStats(id)
}

// Cancel отменяет run.
//
// PENDING run сразу переходит в CANCELLED и не будет взят в работу.
// Для RUNNING run статус записывается в хранилище, а активное выполнение
// получает сигнал локально и через run.cancel.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	run, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if run.IsFinished() {
		return run, ErrRunFinished
	}

	run.MarkCancelled()
	if err := s.store.Update(ctx, run); err != nil {
		return nil, fmt.Errorf("update run: %w", err)
	}

	s.orch.Cancel(id)
	if s.dispatcher != nil {
		if err := s.dispatcher.PublishRunCancel(ctx, id); err != nil {
			s.logger.Warn("failed to publish run.cancel", "run_id", id, "error", err)
		}
	}

	s.logger.Info("run cancel requested", "run_id", id)
	return run, nil
}

// createRun проверяет запрос и сохраняет новый PENDING run.
func (s *Service) createRun(ctx context.Context, req Request) (*domain.Run, error) {
	if err := validateBody(req.Body); err != nil {
		return nil, err
	}

	run := domain.NewRun(req.Body, s.orch.Pipeline())
	if err := s.store.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return run, nil
}

// validateBody отклоняет пустое тело, null и невалидный JSON.
func validateBody(body json.RawMessage) error {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return fmt.Errorf("%w: body is required", ErrInvalidRequest)
	}
	if !json.Valid(trimmed) {
		return fmt.Errorf("%w: body is not valid JSON", ErrInvalidRequest)
	}
	return nil
}
