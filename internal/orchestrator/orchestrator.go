package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/tandem/internal/agent"
	"github.com/shaiso/tandem/internal/domain"
	"github.com/shaiso/tandem/internal/engine"
	"github.com/shaiso/tandem/internal/mq"
	"github.com/shaiso/tandem/internal/repo"
)

// Default configuration values.
const (
	defaultPollInterval      = 10 * time.Second
	defaultBatchSize         = 100
	defaultMaxConcurrentRuns = 16
)

// EventPublisher — получатель событий о завершении runs.
type EventPublisher interface {
	PublishRunFinished(ctx context.Context, payload mq.RunFinishedPayload) error
}

// FinishHook вызывается после перехода run в финальный статус.
type FinishHook func(ctx context.Context, run *domain.Run)

// Orchestrator проводит runs через упорядоченный список стадий.
//
// Два способа запуска:
//   - Execute — синхронно, в горутине вызывающего
//   - Start — durable режим: runs приходят из runs.pending (RabbitMQ)
//     и из polling хранилища, каждый выполняется в своей горутине
type Orchestrator struct {
	agent    agent.Client
	store    repo.RunStore
	pipeline domain.Pipeline

	// MQ (опционально)
	conn   *mq.Connection
	events EventPublisher

	onFinish FinishHook

	// Active runs — runs в процессе выполнения (runID → state)
	activeRuns map[uuid.UUID]*RunState
	mu         sync.RWMutex

	// Consumers
	pendingConsumer *mq.Consumer
	cancelConsumer  *mq.Consumer

	// Configuration
	pollInterval time.Duration
	batchSize    int
	slots        chan struct{}

	// Lifecycle
	logger     *slog.Logger
	baseCtx    context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Orchestrator.
type Config struct {
	// Agent — клиент агента. Обязательно.
	Agent agent.Client

	// Store — хранилище runs. Default: MemoryStore.
	Store repo.RunStore

	// Pipeline — стадии. Default: domain.DefaultPipeline().
	Pipeline *domain.Pipeline

	// MQ
	Conn   *mq.Connection
	Events EventPublisher

	// OnFinish — хук завершения (например, audit log).
	OnFinish FinishHook

	// Polling configuration
	PollInterval      time.Duration // интервал polling (default: 10s)
	BatchSize         int           // количество runs за один poll (default: 100)
	MaxConcurrentRuns int           // одновременно выполняемых runs (default: 16)

	// Logger
	Logger *slog.Logger
}

// New создаёт новый Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Agent == nil {
		return nil, domain.NewConfigurationError("agent")
	}

	pipeline := domain.DefaultPipeline()
	if cfg.Pipeline != nil {
		pipeline = *cfg.Pipeline
	}
	if err := engine.Validate(&pipeline); err != nil {
		return nil, fmt.Errorf("invalid pipeline: %w", err)
	}

	store := cfg.Store
	if store == nil {
		store = repo.NewMemoryStore()
	}

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	maxRuns := cfg.MaxConcurrentRuns
	if maxRuns <= 0 {
		maxRuns = defaultMaxConcurrentRuns
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		agent:        cfg.Agent,
		store:        store,
		pipeline:     pipeline,
		conn:         cfg.Conn,
		events:       cfg.Events,
		onFinish:     cfg.OnFinish,
		activeRuns:   make(map[uuid.UUID]*RunState),
		pollInterval: pollInterval,
		batchSize:    batchSize,
		slots:        make(chan struct{}, maxRuns),
		logger:       logger,
		baseCtx:      context.Background(),
	}, nil
}

// Pipeline возвращает стадии, которые выполняет оркестратор.
func (o *Orchestrator) Pipeline() domain.Pipeline {
	return o.pipeline
}

// Store возвращает хранилище runs.
func (o *Orchestrator) Store() repo.RunStore {
	return o.store
}

// Start запускает durable режим.
//
// Запускает:
//   - Consumer для runs.pending и runs.cancel (если есть соединение с RabbitMQ)
//   - Polling горутину для fallback
func (o *Orchestrator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	o.cancelFunc = cancel

	o.mu.Lock()
	o.baseCtx = ctx
	o.mu.Unlock()

	o.logger.Info("starting orchestrator",
		"poll_interval", o.pollInterval,
		"batch_size", o.batchSize,
		"max_concurrent_runs", cap(o.slots),
		"stages", len(o.pipeline.Stages),
	)

	if o.conn != nil {
		o.pendingConsumer = mq.NewConsumer(o.conn, o.logger, mq.ConsumerConfig{
			Queue:    mq.QueueRunsPending,
			Handler:  o.handleRunPending,
			Prefetch: cap(o.slots),
		})
		o.cancelConsumer = mq.NewConsumer(o.conn, o.logger, mq.ConsumerConfig{
			Queue:    mq.QueueRunsCancel,
			Handler:  o.handleRunCancel,
			Prefetch: 10,
		})

		for _, c := range []*mq.Consumer{o.pendingConsumer, o.cancelConsumer} {
			o.wg.Add(1)
			go func(c *mq.Consumer) {
				defer o.wg.Done()
				if err := c.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
					o.logger.Error("consumer error", "error", err)
				}
			}(c)
		}
	} else {
		o.logger.Info("no RabbitMQ connection, running in polling-only mode")
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.pollLoop(ctx)
	}()

	o.logger.Info("orchestrator started")
	return nil
}

// Stop останавливает Orchestrator и ждёт завершения активных runs.
// Незавершённые runs возвращаются в PENDING.
func (o *Orchestrator) Stop() {
	o.stoppedMu.Lock()
	o.stopped = true
	o.stoppedMu.Unlock()

	o.logger.Info("stopping orchestrator...", "active_runs", o.ActiveRunsCount())

	if o.cancelFunc != nil {
		o.cancelFunc()
	}

	if o.pendingConsumer != nil {
		o.pendingConsumer.Stop()
	}
	if o.cancelConsumer != nil {
		o.cancelConsumer.Stop()
	}

	o.wg.Wait()

	o.logger.Info("orchestrator stopped")
}

// IsStopped проверяет, остановлен ли Orchestrator.
func (o *Orchestrator) IsStopped() bool {
	o.stoppedMu.RLock()
	defer o.stoppedMu.RUnlock()
	return o.stopped
}

// Submit берёт PENDING run в работу в фоне.
func (o *Orchestrator) Submit(ctx context.Context, runID uuid.UUID) error {
	return o.processRun(ctx, runID)
}

// Cancel отменяет активный run.
// Возвращает false, если run не выполняется этим оркестратором.
func (o *Orchestrator) Cancel(runID uuid.UUID) bool {
	state := o.getActiveRun(runID)
	if state == nil {
		return false
	}

	o.logger.Info("cancelling run", "run_id", runID)
	state.Cancel()
	return true
}

// pollLoop — цикл polling для fallback.
func (o *Orchestrator) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	// Первый poll сразу при старте (подхватываем runs созданные пока были выключены)
	o.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.poll(ctx)
		}
	}
}

// poll выполняет один цикл polling.
func (o *Orchestrator) poll(ctx context.Context) {
	runs, err := o.store.ListPending(ctx, o.batchSize)
	if err != nil {
		o.logger.Error("failed to list pending runs", "error", err)
		return
	}

	if len(runs) == 0 {
		return
	}

	o.logger.Debug("poll found pending runs", "count", len(runs))

	for i := range runs {
		run := &runs[i]

		if o.isRunActive(run.ID) {
			continue
		}

		if err := o.processRun(ctx, run.ID); err != nil {
			if errors.Is(err, ErrRunNotPending) || errors.Is(err, ErrRunAlreadyActive) {
				continue
			}
			o.logger.Error("failed to process run from poll",
				"run_id", run.ID,
				"error", err,
			)
		}
	}
}

// isRunActive проверяет, находится ли run в обработке.
func (o *Orchestrator) isRunActive(runID uuid.UUID) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, exists := o.activeRuns[runID]
	return exists
}

// getActiveRun возвращает активный RunState.
func (o *Orchestrator) getActiveRun(runID uuid.UUID) *RunState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.activeRuns[runID]
}

// addActiveRun добавляет run в активные.
func (o *Orchestrator) addActiveRun(state *RunState) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.activeRuns[state.RunID()]; exists {
		return ErrRunAlreadyActive
	}

	o.activeRuns[state.RunID()] = state
	return nil
}

// removeActiveRun удаляет run из активных.
func (o *Orchestrator) removeActiveRun(runID uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.activeRuns, runID)
}

// ActiveRunsCount возвращает количество активных runs.
func (o *Orchestrator) ActiveRunsCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.activeRuns)
}

// GetActiveRunStats возвращает статистику по активному run.
func (o *Orchestrator) GetActiveRunStats(runID uuid.UUID) (RunStats, bool) {
	state := o.getActiveRun(runID)
	if state == nil {
		return RunStats{}, false
	}
	return state.Stats(), true
}
