package api

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/shaiso/tandem/internal/domain"
	"github.com/shaiso/tandem/internal/workflow"
)

// RunArchive — долговременная история завершённых runs (audit log).
type RunArchive interface {
	Read(ctx context.Context, id uuid.UUID) (*domain.Run, error)
}

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	workflow *workflow.Service
	archive  RunArchive
	logger   *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Workflow *workflow.Service

	// Archive — если задан, GET /runs/{id} ищет в нём runs,
	// которых уже нет в хранилище.
	Archive RunArchive

	Logger *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		workflow: cfg.Workflow,
		archive:  cfg.Archive,
		logger:   logger,
	}
}
