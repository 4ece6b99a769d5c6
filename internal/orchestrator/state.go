package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RunState — run, который сейчас выполняется этим оркестратором.
//
// Создаётся при взятии run в работу и удаляется после перехода
// в финальный статус. Каждый run владеет собственным RunState.
type RunState struct {
	runID     uuid.UUID
	startedAt time.Time
	cancel    context.CancelFunc

	mu        sync.Mutex
	cancelled bool
}

// NewRunState создаёт RunState.
func NewRunState(runID uuid.UUID, cancel context.CancelFunc) *RunState {
	return &RunState{
		runID:     runID,
		startedAt: time.Now(),
		cancel:    cancel,
	}
}

// RunID возвращает ID run.
func (s *RunState) RunID() uuid.UUID {
	return s.runID
}

// Cancel отменяет context выполнения. Повторный вызов ничего не делает.
func (s *RunState) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancelled {
		return
	}
	s.cancelled = true
	s.cancel()
}

// IsCancelled возвращает true после Cancel.
func (s *RunState) IsCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// RunStats — статистика активного run.
type RunStats struct {
	RunID     uuid.UUID
	StartedAt time.Time
	Elapsed   time.Duration
	Cancelled bool
}

// Stats возвращает статистику run.
func (s *RunState) Stats() RunStats {
	return RunStats{
		RunID:     s.runID,
		StartedAt: s.startedAt,
		Elapsed:   time.Since(s.startedAt),
		Cancelled: s.IsCancelled(),
	}
}
