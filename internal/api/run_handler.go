package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/shaiso/tandem/internal/domain"
	"github.com/shaiso/tandem/internal/repo"
	"github.com/shaiso/tandem/internal/workflow"
)

// maxRequestBody — предел тела запроса.
const maxRequestBody = 10 << 20

// CreateRun запускает workflow.
// POST /api/v1/runs?wait=true
//
// Без wait возвращает 202 с handle. С wait=true выполняет цепочку
// синхронно и возвращает 200 с финальным run.
func (h *Handler) CreateRun(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	wfReq := workflow.Request{Body: req.Body}

	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if !wait {
		handle, err := h.workflow.Start(r.Context(), wfReq)
		if HandleWorkflowError(w, h.logger, err) {
			return
		}
		Accepted(w, handle)
		return
	}

	run, err := h.workflow.Execute(r.Context(), wfReq)
	if HandleWorkflowError(w, h.logger, err) {
		return
	}

	Success(w, RunFromDomain(*run))
}

// GetRun возвращает run по ID.
// GET /api/v1/runs/{id}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid run id")
		return
	}

	run, err := h.findRun(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "run not found") {
		return
	}

	resp := RunFromDomain(*run)
	if stats, ok := h.workflow.ActiveStats(id); ok {
		resp.ElapsedMs = stats.Elapsed.Milliseconds()
	}

	Success(w, resp)
}

// ListRunStages возвращает записи стадий run.
// GET /api/v1/runs/{id}/stages
func (h *Handler) ListRunStages(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid run id")
		return
	}

	run, err := h.findRun(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "run not found") {
		return
	}

	result := make([]StageResponse, len(run.Stages))
	for i, s := range run.Stages {
		result[i] = StageFromDomain(s)
	}

	List(w, result, len(result))
}

// CancelRun отменяет run.
// POST /api/v1/runs/{id}/cancel
func (h *Handler) CancelRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid run id")
		return
	}

	run, err := h.workflow.Cancel(r.Context(), id)
	if errors.Is(err, workflow.ErrRunFinished) {
		InvalidState(w, "run is already finished")
		return
	}
	if HandleRepoError(w, h.logger, err, "run not found") {
		return
	}

	Success(w, RunFromDomain(*run))
}

// findRun ищет run в хранилище, затем в архиве.
func (h *Handler) findRun(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	run, err := h.workflow.Get(ctx, id)
	if err == nil || !errors.Is(err, repo.ErrNotFound) || h.archive == nil {
		return run, err
	}

	archived, aErr := h.archive.Read(ctx, id)
	if aErr != nil {
		h.logger.Debug("run not found in archive", "run_id", id, "error", aErr)
		return nil, err
	}
	return archived, nil
}
