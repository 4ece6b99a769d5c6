package repo

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/shaiso/tandem/internal/domain"
)

// MemoryStore — RunStore в памяти процесса.
//
// Используется в тестах и при запуске без DB_URL/REDIS_URL:
// история runs живёт только пока жив процесс.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]*domain.Run
}

// NewMemoryStore создаёт пустое хранилище.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[uuid.UUID]*domain.Run)}
}

// Create сохраняет копию run.
func (s *MemoryStore) Create(_ context.Context, run *domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; exists {
		return ErrAlreadyExists
	}
	s.runs[run.ID] = CloneRun(run)
	return nil
}

// Get возвращает копию run.
func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return CloneRun(run), nil
}

// Update заменяет сохранённый run копией.
func (s *MemoryStore) Update(_ context.Context, run *domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.ID]; !ok {
		return ErrNotFound
	}
	s.runs[run.ID] = CloneRun(run)
	return nil
}

// Claim заменяет run копией, если сохранённый run ещё PENDING.
func (s *MemoryStore) Claim(_ context.Context, run *domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.runs[run.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Status != domain.RunStatusPending {
		return ErrNotPending
	}
	s.runs[run.ID] = CloneRun(run)
	return nil
}

// ListPending возвращает PENDING runs (старые первыми).
func (s *MemoryStore) ListPending(_ context.Context, limit int) ([]domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pending []domain.Run
	for _, run := range s.runs {
		if run.Status == domain.RunStatusPending {
			pending = append(pending, *CloneRun(run))
		}
	}

	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}
