// Tandem Orchestrator — выполняет фоновые runs.
//
//   - Получает run.pending и run.cancel из RabbitMQ
//   - Подбирает PENDING runs из хранилища (polling fallback)
//   - Проводит каждый run через стадии initial и followUp
//   - Публикует run.finished и пишет audit log
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

	"github.com/shaiso/tandem/internal/app"
	"github.com/shaiso/tandem/internal/config"
	"github.com/shaiso/tandem/internal/orchestrator"
	"github.com/shaiso/tandem/internal/telemetry"
)

func main() {
	startTime := time.Now()

	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting tandem-orchestrator")

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(ctx)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}
	if cfg.StoreKind() == config.StoreMemory {
		logger.Warn("memory store is not shared with tandem-api, set DB_URL or REDIS_URL")
	}

	deps, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build dependencies", "error", err)
		os.Exit(1)
	}
	defer deps.Close()

	orch, err := orchestrator.New(deps.OrchestratorConfig())
	if err != nil {
		logger.Error("failed to create orchestrator", "error", err)
		os.Exit(1)
	}

	// Stop вернёт незавершённые runs в PENDING, поэтому Start получает
	// контекст, не связанный с сигналом.
	if err := orch.Start(context.Background()); err != nil {
		logger.Error("failed to start orchestrator", "error", err)
		os.Exit(1)
	}

	// HTTP mux: /healthz + /metrics
	mux := app.NewOpsMux(startTime)
	server := &http.Server{
		Addr:    ":" + cfg.OrchPort,
		Handler: mux,
	}

	go func() {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()

	// Останавливаем orchestrator
	orch.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)

	logger.Info("tandem-orchestrator stopped")
}
