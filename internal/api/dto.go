package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/tandem/internal/domain"
)

// Run DTOs

// CreateRunRequest — запрос на запуск workflow.
type CreateRunRequest struct {
	Body json.RawMessage `json:"body"`
}

// RunResponse — ответ с run.
type RunResponse struct {
	ID         uuid.UUID            `json:"id"`
	Ref        string               `json:"ref"`
	Status     domain.RunStatus     `json:"status"`
	Request    json.RawMessage      `json:"request"`
	Output     json.RawMessage      `json:"output,omitempty"`
	Failure    *domain.StageFailure `json:"failure,omitempty"`
	Stages     []StageSummary       `json:"stages"`
	StartedAt  *time.Time           `json:"started_at,omitempty"`
	FinishedAt *time.Time           `json:"finished_at,omitempty"`
	CreatedAt  time.Time            `json:"created_at"`
	DurationMs int64                `json:"duration_ms,omitempty"`

	// ElapsedMs — время выполнения активного run на этом инстансе.
	ElapsedMs int64 `json:"elapsed_ms,omitempty"`
}

// StageSummary — краткая запись стадии внутри RunResponse.
type StageSummary struct {
	Name   string             `json:"name"`
	Stage  domain.StageTag    `json:"stage"`
	Status domain.StageStatus `json:"status"`
}

// RunFromDomain конвертирует domain.Run в RunResponse.
func RunFromDomain(r domain.Run) RunResponse {
	stages := make([]StageSummary, len(r.Stages))
	for i, s := range r.Stages {
		stages[i] = StageSummary{Name: s.Name, Stage: s.Stage, Status: s.Status}
	}

	return RunResponse{
		ID:         r.ID,
		Ref:        r.Ref(),
		Status:     r.Status,
		Request:    r.Request,
		Output:     r.Output,
		Failure:    r.Failure,
		Stages:     stages,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		CreatedAt:  r.CreatedAt,
		DurationMs: r.Duration().Milliseconds(),
	}
}

// Stage DTOs

// StageResponse — ответ с записью стадии.
type StageResponse struct {
	Index      int                `json:"index"`
	Name       string             `json:"name"`
	Stage      domain.StageTag    `json:"stage"`
	Status     domain.StageStatus `json:"status"`
	Attempts   int                `json:"attempts"`
	Output     json.RawMessage    `json:"output,omitempty"`
	Error      string             `json:"error,omitempty"`
	StartedAt  *time.Time         `json:"started_at,omitempty"`
	FinishedAt *time.Time         `json:"finished_at,omitempty"`
	DurationMs int64              `json:"duration_ms,omitempty"`
}

// StageFromDomain конвертирует domain.StageRecord в StageResponse.
func StageFromDomain(s domain.StageRecord) StageResponse {
	return StageResponse{
		Index:      s.Index,
		Name:       s.Name,
		Stage:      s.Stage,
		Status:     s.Status,
		Attempts:   s.Attempts,
		Output:     s.Output,
		Error:      s.Error,
		StartedAt:  s.StartedAt,
		FinishedAt: s.FinishedAt,
		DurationMs: s.Duration().Milliseconds(),
	}
}
