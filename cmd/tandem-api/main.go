// Tandem API — HTTP точка входа workflow.
//
//   - /invoke — один вызов стадии initial (совместим с function URL агента)
//   - /api/v1/runs — запуск обеих стадий, синхронно (?wait=true) или в фоне
//
// Без RabbitMQ фоновые runs выполняет встроенный оркестратор.
// С RabbitMQ API только публикует run.pending, runs выполняет tandem-orchestrator.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/viant/afsc/gs"
	_ "github.com/viant/afsc/s3"

	"github.com/shaiso/tandem/internal/api"
	"github.com/shaiso/tandem/internal/app"
	"github.com/shaiso/tandem/internal/config"
	"github.com/shaiso/tandem/internal/orchestrator"
	"github.com/shaiso/tandem/internal/telemetry"
	"github.com/shaiso/tandem/internal/workflow"
)

func main() {
	startTime := time.Now()

	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting tandem-api")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Конфигурация
	cfg, err := config.Load(ctx)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	deps, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build dependencies", "error", err)
		os.Exit(1)
	}
	defer deps.Close()

	// Оркестратор API не читает очереди: при наличии RabbitMQ
	// фоновые runs забирает tandem-orchestrator.
	orchCfg := deps.OrchestratorConfig()
	orchCfg.Conn = nil

	orch, err := orchestrator.New(orchCfg)
	if err != nil {
		logger.Error("failed to create orchestrator", "error", err)
		os.Exit(1)
	}

	dispatcher := deps.Dispatcher()
	if dispatcher == nil {
		// Фоновые runs выполняются здесь. Stop вернёт их в PENDING,
		// поэтому Start получает контекст, не связанный с сигналом.
		if err := orch.Start(context.Background()); err != nil {
			logger.Error("failed to start orchestrator", "error", err)
			os.Exit(1)
		}
		defer orch.Stop()
	}

	svc, err := workflow.New(workflow.Config{
		Agent:        deps.Agent,
		Orchestrator: orch,
		Dispatcher:   dispatcher,
		Logger:       logger,
	})
	if err != nil {
		logger.Error("failed to create workflow service", "error", err)
		os.Exit(1)
	}

	handlerCfg := api.Config{Workflow: svc, Logger: logger}
	if deps.Audit != nil {
		handlerCfg.Archive = deps.Audit
	}

	mux := app.NewOpsMux(startTime)
	api.NewHandler(handlerCfg).RegisterRoutes(mux)

	addr := ":" + cfg.APIPort
	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		logger.Info("listening", "addr", addr, "invoke_url", "http://localhost"+addr+"/invoke")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()
	logger.Info("shutting down")

	// Graceful shutdown с таймаутом 10 секунд
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("stopped")
}
