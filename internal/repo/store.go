package repo

import (
	"context"

	"github.com/google/uuid"

	"github.com/shaiso/tandem/internal/domain"
)

// RunStore — хранилище runs.
//
// Реализации: RunRepo (PostgreSQL), RedisStore, MemoryStore.
// Update сохраняет run целиком вместе с записями стадий:
// оркестратор вызывает его после каждой стадии, до запуска следующей.
type RunStore interface {
	Create(ctx context.Context, run *domain.Run) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Run, error)
	Update(ctx context.Context, run *domain.Run) error

	// Claim сохраняет run, только если в хранилище он ещё PENDING.
	// Проверка и запись атомарны: из нескольких исполнителей run
	// получает один, остальные — ErrNotPending.
	Claim(ctx context.Context, run *domain.Run) error

	ListPending(ctx context.Context, limit int) ([]domain.Run, error)
}

// CloneRun возвращает глубокую копию run.
// Хранилища отдают копии, чтобы runs не разделяли изменяемое состояние.
func CloneRun(run *domain.Run) *domain.Run {
	if run == nil {
		return nil
	}

	c := *run
	c.Request = cloneBytes(run.Request)
	c.Output = cloneBytes(run.Output)
	c.StartedAt = cloneTime(run.StartedAt)
	c.FinishedAt = cloneTime(run.FinishedAt)

	if run.Failure != nil {
		f := *run.Failure
		c.Failure = &f
	}

	if run.Stages != nil {
		c.Stages = make([]domain.StageRecord, len(run.Stages))
		for i, s := range run.Stages {
			s.Output = cloneBytes(s.Output)
			s.StartedAt = cloneTime(s.StartedAt)
			s.FinishedAt = cloneTime(s.FinishedAt)
			c.Stages[i] = s
		}
	}

	return &c
}
